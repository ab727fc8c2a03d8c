package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type countingMetrics struct {
	failures int
}

func (m *countingMetrics) IncAuthFailures() { m.failures++ }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestParseAPIKeys(t *testing.T) {
	tests := []struct {
		input string
		want  map[string]string
	}{
		{"", map[string]string{}},
		{"k1:alice", map[string]string{"k1": "alice"}},
		{"k1:alice, k2:bob", map[string]string{"k1": "alice", "k2": "bob"}},
		{"k3", map[string]string{"k3": "default"}},
		{",,", map[string]string{}},
	}

	for _, tt := range tests {
		got := ParseAPIKeys(tt.input)
		if len(got) != len(tt.want) {
			t.Errorf("%q: expected %v, got %v", tt.input, tt.want, got)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("%q: expected %s=%s, got %s", tt.input, k, v, got[k])
			}
		}
	}
}

func TestAuth(t *testing.T) {
	metrics := &countingMetrics{}
	auth := NewAuth(AuthConfig{
		Enabled:           true,
		APIKeys:           map[string]string{"secret": "ops"},
		ProtectedPrefixes: []string{"/admin/"},
	}, metrics)
	handler := auth.Middleware(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		value  string
		want   int
	}{
		{"unprotected path", "/v1/placements/home/load", "", "", http.StatusOK},
		{"missing key", "/admin/circuit-breaker", "", "", http.StatusUnauthorized},
		{"wrong key", "/admin/circuit-breaker", "X-API-Key", "nope", http.StatusForbidden},
		{"valid key", "/admin/circuit-breaker", "X-API-Key", "secret", http.StatusOK},
		{"bearer token", "/admin/circuit-breaker", "Authorization", "Bearer secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}

	if metrics.failures != 2 {
		t.Errorf("expected 2 auth failures, got %d", metrics.failures)
	}
}

func TestAuth_Disabled(t *testing.T) {
	auth := NewAuth(AuthConfig{ProtectedPrefixes: []string{"/admin/"}}, nil)
	if auth.IsEnabled() {
		t.Fatal("expected auth disabled")
	}

	rec := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/circuit-breaker", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with auth disabled, got %d", rec.Code)
	}
}

func TestSizeLimit(t *testing.T) {
	handler := SizeLimit(SizeLimitConfig{MaxBodySize: 16, MaxURLLength: 64}, okHandler())

	tests := []struct {
		name string
		url  string
		body string
		want int
	}{
		{"small request", "/v1/placements/a/load", "{}", http.StatusOK},
		{"long url", "/v1/placements/" + strings.Repeat("a", 100) + "/load", "", http.StatusRequestURITooLong},
		{"large body", "/v1/placements/a/load", strings.Repeat("x", 32), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.url, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestDefaultSizeLimitConfig(t *testing.T) {
	t.Setenv("MAX_REQUEST_SIZE", "2048")
	t.Setenv("MAX_URL_LENGTH", "")

	cfg := DefaultSizeLimitConfig()
	if cfg.MaxBodySize != 2048 {
		t.Errorf("expected 2048, got %d", cfg.MaxBodySize)
	}
	if cfg.MaxURLLength != 8192 {
		t.Errorf("expected default 8192, got %d", cfg.MaxURLLength)
	}
}
