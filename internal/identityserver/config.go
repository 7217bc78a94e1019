// Package identityserver is a reference identity service implementing the upstream API
// the gateway consumes: password login, rotating refresh tokens, bearer introspection, revoke.
package identityserver

import (
	"errors"
	"strings"
	"time"
)

const (
	// DefaultIssuer is the access token issuer when none is configured.
	DefaultIssuer = "sessiongate-identity"
	// DefaultAccessTTL matches the gateway access cookie lifetime.
	DefaultAccessTTL = time.Hour
	// DefaultRefreshTTL matches the gateway refresh cookie lifetime.
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

var (
	errMissingSigningKey = errors.New("identity.config.missing_signing_key")
	errInvalidAccessTTL  = errors.New("identity.config.invalid_access_ttl")
	errInvalidRefreshTTL = errors.New("identity.config.invalid_refresh_ttl")
)

// ServerConfig configures token issuance.
type ServerConfig struct {
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Validate checks the configuration and fills the issuer default.
func (configuration *ServerConfig) Validate() error {
	if len(configuration.SigningKey) == 0 {
		return errMissingSigningKey
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		configuration.Issuer = DefaultIssuer
	}
	if configuration.AccessTTL <= 0 {
		return errInvalidAccessTTL
	}
	if configuration.RefreshTTL <= 0 {
		return errInvalidRefreshTTL
	}
	return nil
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a UTC wall clock.
func NewSystemClock() Clock {
	return systemClock{}
}
