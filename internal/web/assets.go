package web

import (
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ServeEmbeddedStaticJS writes a single embedded script. It must not be cached long-term
// because it encodes the gateway's endpoint paths.
func ServeEmbeddedStaticJS(contextGin *gin.Context, filesystem fs.FS, path string) {
	data, readErr := fs.ReadFile(filesystem, path)
	if readErr != nil {
		contextGin.AbortWithStatus(http.StatusNotFound)
		return
	}
	contextGin.Header("Cache-Control", "public, max-age=300")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.Data(http.StatusOK, "application/javascript; charset=utf-8", data)
}
