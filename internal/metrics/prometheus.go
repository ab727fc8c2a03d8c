// Package metrics provides Prometheus metrics for the mediation service
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/fulfillment"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	AuthFailures     prometheus.Counter

	// Load metrics
	LoadsTotal   *prometheus.CounterVec
	LoadDuration *prometheus.HistogramVec
	LoadAttempts *prometheus.HistogramVec
	RateLimited  *prometheus.CounterVec

	// Partner attempt metrics
	AttemptsTotal          *prometheus.CounterVec
	AttemptLatency         *prometheus.HistogramVec
	AttemptTimeouts        *prometheus.CounterVec
	SanitizationRejections *prometheus.CounterVec
	PartnerCircuitState    *prometheus.GaugeVec
	ShowsTotal             *prometheus.CounterVec

	// Auction metrics
	AuctionRequests *prometheus.CounterVec
	AuctionLatency  prometheus.Histogram
	AuctionBids     prometheus.Histogram

	// Revenue metrics
	WinPrice *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the default registry
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates metrics registered with reg
func NewMetricsWithRegisterer(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mediation"
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),
		AuthFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Rejected admin API requests",
			},
		),

		LoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loads_total",
				Help:      "Total number of ad loads by outcome",
			},
			[]string{"placement", "format", "outcome"},
		),
		LoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "load_duration_seconds",
				Help:      "End-to-end load duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60},
			},
			[]string{"format"},
		),
		LoadAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "load_attempts",
				Help:      "Partner attempts per load",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 20},
			},
			[]string{"format"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loads_rate_limited_total",
				Help:      "Loads rejected inside a rate-limit window",
			},
			[]string{"placement"},
		),

		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partner_attempts_total",
				Help:      "Total number of partner load attempts",
			},
			[]string{"partner", "format", "network_type", "outcome"},
		),
		AttemptLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "partner_attempt_latency_seconds",
				Help:      "Partner load attempt latency in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 15, 30},
			},
			[]string{"partner", "format"},
		),
		AttemptTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partner_timeouts_total",
				Help:      "Total number of partner load timeouts",
			},
			[]string{"partner"},
		),
		SanitizationRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partner_ads_rejected_total",
				Help:      "Loaded partner ads discarded during sanitization",
			},
			[]string{"partner", "reason"},
		),
		PartnerCircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "partner_circuit_breaker_state",
				Help:      "Partner circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"partner"},
		),
		ShowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shows_total",
				Help:      "Total number of ad show attempts",
			},
			[]string{"partner", "status"},
		),

		AuctionRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auction_requests_total",
				Help:      "Total number of auction requests",
			},
			[]string{"status"},
		),
		AuctionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auction_latency_seconds",
				Help:      "Auction request latency in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		AuctionBids: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auction_bids",
				Help:      "Number of bids returned per auction",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 20},
			},
		),

		WinPrice: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "win_price",
				Help:      "Clearing price distribution of winning bids",
				Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 10, 20, 50},
			},
			[]string{"partner", "format"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.AuthFailures,
		m.LoadsTotal,
		m.LoadDuration,
		m.LoadAttempts,
		m.RateLimited,
		m.AttemptsTotal,
		m.AttemptLatency,
		m.AttemptTimeouts,
		m.SanitizationRejections,
		m.PartnerCircuitState,
		m.ShowsTotal,
		m.AuctionRequests,
		m.AuctionLatency,
		m.AuctionBids,
		m.WinPrice,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware that records request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordAttempt records one waterfall attempt
func (m *Metrics) RecordAttempt(partnerID string, format ad.Format, networkType ad.NetworkType, outcome string, latency time.Duration) {
	m.AttemptsTotal.WithLabelValues(partnerID, string(format), string(networkType), outcome).Inc()
	m.AttemptLatency.WithLabelValues(partnerID, string(format)).Observe(latency.Seconds())
	if outcome == fulfillment.OutcomeTimeout {
		m.AttemptTimeouts.WithLabelValues(partnerID).Inc()
	}
}

// RecordRejection records a partner ad discarded by sanitization
func (m *Metrics) RecordRejection(partnerID, reason string) {
	m.SanitizationRejections.WithLabelValues(partnerID, reason).Inc()
}

// RecordLoad records a finished load
func (m *Metrics) RecordLoad(placement string, format ad.Format, outcome string, attempts int, duration time.Duration) {
	m.LoadsTotal.WithLabelValues(placement, string(format), outcome).Inc()
	m.LoadDuration.WithLabelValues(string(format)).Observe(duration.Seconds())
	m.LoadAttempts.WithLabelValues(string(format)).Observe(float64(attempts))
}

// RecordWinPrice records the clearing price of a winning bid
func (m *Metrics) RecordWinPrice(partnerID string, format ad.Format, price decimal.Decimal) {
	m.WinPrice.WithLabelValues(partnerID, string(format)).Observe(price.InexactFloat64())
}

// IncAuthFailures increments the admin auth failure counter
func (m *Metrics) IncAuthFailures() {
	m.AuthFailures.Inc()
}

// IncRateLimited increments the rate-limited load counter
func (m *Metrics) IncRateLimited(placement string) {
	m.RateLimited.WithLabelValues(placement).Inc()
}

// RecordAuction records an auction request
func (m *Metrics) RecordAuction(status string, latency time.Duration, bids int) {
	m.AuctionRequests.WithLabelValues(status).Inc()
	m.AuctionLatency.Observe(latency.Seconds())
	if status == "ok" {
		m.AuctionBids.Observe(float64(bids))
	}
}

// RecordShow records a show attempt
func (m *Metrics) RecordShow(partnerID string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ShowsTotal.WithLabelValues(partnerID, status).Inc()
}

// SetPartnerCircuitState sets a partner's circuit breaker state metric
func (m *Metrics) SetPartnerCircuitState(partnerID, state string) {
	var value float64
	switch state {
	case "closed":
		value = 0
	case "open":
		value = 1
	case "half-open":
		value = 2
	}
	m.PartnerCircuitState.WithLabelValues(partnerID).Set(value)
}
