package middleware

import (
	"net/http"
	"os"
	"strconv"

	"github.com/thenexusengine/tne_mediation/internal/config"
)

// SizeLimitConfig holds request size limit configuration
type SizeLimitConfig struct {
	MaxBodySize  int64
	MaxURLLength int
}

// DefaultSizeLimitConfig reads MAX_REQUEST_SIZE and MAX_URL_LENGTH, falling
// back to the package defaults
func DefaultSizeLimitConfig() SizeLimitConfig {
	maxBody, err := strconv.ParseInt(os.Getenv("MAX_REQUEST_SIZE"), 10, 64)
	if err != nil || maxBody <= 0 {
		maxBody = config.DefaultMaxBodySize
	}

	maxURL, err := strconv.Atoi(os.Getenv("MAX_URL_LENGTH"))
	if err != nil || maxURL <= 0 {
		maxURL = config.DefaultMaxURLLength
	}

	return SizeLimitConfig{MaxBodySize: maxBody, MaxURLLength: maxURL}
}

// SizeLimit rejects oversized URLs and bodies. Bodies without a declared
// length are capped with http.MaxBytesReader.
func SizeLimit(cfg SizeLimitConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.String()) > cfg.MaxURLLength {
			writeError(w, http.StatusRequestURITooLong, "URL too long")
			return
		}
		if r.ContentLength > cfg.MaxBodySize {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}
