package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/fulfillment"
)

func newTestMetrics() *Metrics {
	return NewMetricsWithRegisterer("test", prometheus.NewRegistry())
}

func TestRecordAttempt(t *testing.T) {
	m := newTestMetrics()

	m.RecordAttempt("alpha", ad.FormatBanner, ad.NetworkTypeBidding, fulfillment.OutcomeNoFill, 100*time.Millisecond)
	m.RecordAttempt("alpha", ad.FormatBanner, ad.NetworkTypeBidding, fulfillment.OutcomeTimeout, 15*time.Second)

	if got := testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("alpha", "banner", "bidding", "no_fill")); got != 1 {
		t.Errorf("expected 1 no_fill attempt, got %v", got)
	}
	if got := testutil.ToFloat64(m.AttemptTimeouts.WithLabelValues("alpha")); got != 1 {
		t.Errorf("expected 1 timeout, got %v", got)
	}
}

func TestRecordLoadAndPrice(t *testing.T) {
	m := newTestMetrics()

	m.RecordLoad("home_banner", ad.FormatBanner, "filled", 2, time.Second)
	m.RecordWinPrice("gamma", ad.FormatBanner, decimal.RequireFromString("1.75"))
	m.RecordRejection("beta", "too_large")

	if got := testutil.ToFloat64(m.LoadsTotal.WithLabelValues("home_banner", "banner", "filled")); got != 1 {
		t.Errorf("expected 1 filled load, got %v", got)
	}
	if got := testutil.ToFloat64(m.SanitizationRejections.WithLabelValues("beta", "too_large")); got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
	if n := testutil.CollectAndCount(m.WinPrice); n != 1 {
		t.Errorf("expected 1 win price series, got %d", n)
	}
}

func TestSetPartnerCircuitState(t *testing.T) {
	m := newTestMetrics()

	tests := []struct {
		state string
		want  float64
	}{
		{"open", 1},
		{"half-open", 2},
		{"closed", 0},
	}
	for _, tt := range tests {
		m.SetPartnerCircuitState("alpha", tt.state)
		if got := testutil.ToFloat64(m.PartnerCircuitState.WithLabelValues("alpha")); got != tt.want {
			t.Errorf("state %s: expected %v, got %v", tt.state, tt.want, got)
		}
	}
}

func TestRecordAuctionAndShow(t *testing.T) {
	m := newTestMetrics()

	m.RecordAuction("ok", 50*time.Millisecond, 3)
	m.RecordAuction("error", time.Second, 0)
	m.RecordShow("alpha", nil)
	m.IncRateLimited("home_banner")
	m.IncAuthFailures()

	if got := testutil.ToFloat64(m.AuctionRequests.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed auction, got %v", got)
	}
	if got := testutil.ToFloat64(m.ShowsTotal.WithLabelValues("alpha", "ok")); got != 1 {
		t.Errorf("expected 1 show, got %v", got)
	}
	if got := testutil.ToFloat64(m.RateLimited.WithLabelValues("home_banner")); got != 1 {
		t.Errorf("expected 1 rate-limited load, got %v", got)
	}
	if got := testutil.ToFloat64(m.AuthFailures); got != 1 {
		t.Errorf("expected 1 auth failure, got %v", got)
	}
}

func TestMiddleware(t *testing.T) {
	m := newTestMetrics()

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/health", "418")); got != 1 {
		t.Errorf("expected request counted with status 418, got %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsInFlight); got != 0 {
		t.Errorf("expected 0 in flight after request, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegisterer("test", reg)
	m.RecordShow("alpha", nil)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_shows_total") {
		t.Error("expected shows counter in exposition")
	}
}
