package webassets

import "embed"

// FS contains the embedded browser helpers served under /static.
//
//go:embed session-client.js
var FS embed.FS
