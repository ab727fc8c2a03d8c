// Package middleware provides HTTP middleware for the mediation harness
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/thenexusengine/tne_mediation/internal/config"
	"github.com/thenexusengine/tne_mediation/pkg/logger"
)

// AuthConfig holds admin authentication configuration
type AuthConfig struct {
	Enabled bool
	// APIKeys maps key -> operator name
	APIKeys    map[string]string
	HeaderName string
	// ProtectedPrefixes are the path prefixes that require a key
	ProtectedPrefixes []string
}

// DefaultAuthConfig reads ADMIN_AUTH_ENABLED and ADMIN_API_KEYS
// ("key1:alice,key2:bob")
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:           os.Getenv("ADMIN_AUTH_ENABLED") == "true",
		APIKeys:           ParseAPIKeys(os.Getenv("ADMIN_API_KEYS")),
		HeaderName:        config.AdminAPIKeyHeader,
		ProtectedPrefixes: []string{"/admin/"},
	}
}

// ParseAPIKeys parses "key1:name1,key2:name2". A key without a name maps to "default".
func ParseAPIKeys(value string) map[string]string {
	keys := make(map[string]string)
	if value == "" {
		return keys
	}

	for _, pair := range strings.Split(value, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		switch {
		case len(parts) == 2 && parts[0] != "":
			keys[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		case len(parts) == 1 && parts[0] != "":
			keys[parts[0]] = "default"
		}
	}
	return keys
}

// AuthMetrics receives auth failures
type AuthMetrics interface {
	IncAuthFailures()
}

// Auth guards protected paths with an API key
type Auth struct {
	config  AuthConfig
	metrics AuthMetrics
}

// NewAuth creates the auth middleware. metrics may be nil.
func NewAuth(cfg AuthConfig, metrics AuthMetrics) *Auth {
	if cfg.HeaderName == "" {
		cfg.HeaderName = config.AdminAPIKeyHeader
	}
	return &Auth{config: cfg, metrics: metrics}
}

// IsEnabled returns whether authentication is enabled
func (a *Auth) IsEnabled() bool {
	return a.config.Enabled
}

// Middleware returns the authentication middleware handler
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.config.Enabled || !a.protected(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get(a.config.HeaderName)
		if apiKey == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				apiKey = strings.TrimPrefix(h, "Bearer ")
			}
		}

		if apiKey == "" {
			a.fail()
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		name, ok := a.validateKey(apiKey)
		if !ok {
			a.fail()
			logger.HTTP().Warn().Str("path", r.URL.Path).Msg("Rejected invalid admin API key")
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}

		logger.HTTP().Debug().Str("operator", name).Str("path", r.URL.Path).Msg("Admin request authorized")
		next.ServeHTTP(w, r)
	})
}

func (a *Auth) protected(path string) bool {
	for _, prefix := range a.config.ProtectedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (a *Auth) validateKey(key string) (string, bool) {
	for valid, name := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return name, true
		}
	}
	return "", false
}

func (a *Auth) fail() {
	if a.metrics != nil {
		a.metrics.IncAuthFailures()
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
