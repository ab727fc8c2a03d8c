package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/auction"
	mconfig "github.com/thenexusengine/tne_mediation/internal/config"
	"github.com/thenexusengine/tne_mediation/internal/controller"
	"github.com/thenexusengine/tne_mediation/internal/events"
	"github.com/thenexusengine/tne_mediation/internal/fulfillment"
	"github.com/thenexusengine/tne_mediation/internal/loader"
	"github.com/thenexusengine/tne_mediation/internal/metrics"
	"github.com/thenexusengine/tne_mediation/internal/middleware"
	"github.com/thenexusengine/tne_mediation/internal/partner"
	"github.com/thenexusengine/tne_mediation/internal/partner/demo"
	"github.com/thenexusengine/tne_mediation/internal/scheduler"
	"github.com/thenexusengine/tne_mediation/internal/storage"
	"github.com/thenexusengine/tne_mediation/pkg/logger"
	"github.com/thenexusengine/tne_mediation/pkg/redis"
)

// errPlacementNotFound is returned for placements neither configured nor stored
var errPlacementNotFound = errors.New("placement not found")

// Server represents the mediation harness server
type Server struct {
	config     *ServerConfig
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *metrics.Metrics

	partners  *partner.Registry
	router    *partner.Controller
	scheduler *scheduler.Serial
	auction   *auction.Client
	loader    *loader.Loader
	recorder  *events.Recorder
	// eventLog is set when events are published to Redis
	eventLog  *events.RedisPublisher

	redisClient *redis.Client
	db          *sql.DB
	placements  *storage.PlacementStore

	// loadDeadline bounds one load request, just under the write timeout
	loadDeadline time.Duration

	mu          sync.Mutex
	configured  map[string]*storage.Placement
	controllers map[string]*controller.Controller
}

// NewServer creates a new server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	s := &Server{
		config:      cfg,
		configured:  make(map[string]*storage.Placement, len(cfg.Placements)),
		controllers: make(map[string]*controller.Controller),
	}

	if err := s.initialize(); err != nil {
		return nil, err
	}

	return s, nil
}

// initialize sets up all server components
func (s *Server) initialize() error {
	log := logger.Log

	log.Info().
		Str("port", s.config.Port).
		Str("auction_url", s.config.AuctionURL).
		Dur("fullscreen_load_timeout", s.config.Fulfillment.FullscreenLoadTimeout).
		Dur("banner_load_timeout", s.config.Fulfillment.BannerLoadTimeout).
		Bool("discard_oversized_ads", s.config.Fulfillment.DiscardOversizedAds).
		Msg("Initializing mediation server")

	// Each server owns its registry so several can coexist in one process
	s.registry = prometheus.NewRegistry()
	s.metrics = metrics.NewMetricsWithRegisterer("mediation", s.registry)

	if err := s.initPartners(); err != nil {
		return err
	}

	for _, p := range s.config.Placements {
		s.configured[p.Name] = p.Placement()
	}

	// Database failures are non-fatal, log and continue
	if err := s.initDatabase(); err != nil {
		log.Warn().Err(err).Msg("Database initialization failed, continuing with configured placements only")
	}

	// Redis failures are non-fatal, log and continue
	if err := s.initRedis(); err != nil {
		log.Warn().Err(err).Msg("Redis initialization failed, continuing without Redis event publishing")
	}

	s.initEvents()
	s.initLoader()
	s.initHandlers()

	return nil
}

// initPartners builds the partner registry and router. Configured demo
// partners come first; compiled-in adapters fill in the remaining IDs.
func (s *Server) initPartners() error {
	log := logger.Log

	s.partners = partner.NewRegistry()
	for _, p := range s.config.Partners {
		if err := s.partners.Register(demo.New(p.DemoConfig())); err != nil {
			return fmt.Errorf("failed to register partner %s: %w", p.ID, err)
		}
	}
	for _, id := range partner.DefaultRegistry.ListPartners() {
		if _, exists := s.partners.Get(id); exists {
			continue
		}
		if a, ok := partner.DefaultRegistry.Get(id); ok {
			if err := s.partners.Register(a); err != nil {
				return err
			}
		}
	}

	s.router = partner.NewController(s.partners, nil)
	s.router.SetMetrics(s.metrics)
	s.scheduler = scheduler.NewSerial()

	log.Info().
		Strs("partners", s.partners.ListPartners()).
		Msg("Partners registered")
	return nil
}

// initDatabase initializes the placement store
func (s *Server) initDatabase() error {
	log := logger.Log

	if s.config.DatabaseConfig == nil {
		log.Info().Msg("DB_HOST not set, database-backed placements disabled")
		return nil
	}

	dbCfg := s.config.DatabaseConfig
	db, err := storage.NewDBConnection(
		dbCfg.Host,
		dbCfg.Port,
		dbCfg.User,
		dbCfg.Password,
		dbCfg.Name,
		dbCfg.SSLMode,
	)
	if err != nil {
		return err
	}

	s.db = db
	s.placements = storage.NewPlacementStore(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	placements, err := s.placements.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list placements from database")
	} else {
		log.Info().
			Int("count", len(placements)).
			Msg("Placements loaded from PostgreSQL")
	}
	return nil
}

// initRedis initializes the Redis client
func (s *Server) initRedis() error {
	log := logger.Log

	if s.config.RedisURL == "" {
		log.Info().Msg("REDIS_URL not set, Redis-backed features disabled")
		return nil
	}

	client, err := redis.New(s.config.RedisURL)
	if err != nil {
		return err
	}
	s.redisClient = client

	log.Info().Msg("Redis client initialized")
	return nil
}

// initEvents picks the event publisher: HTTP backend, then Redis, then
// metrics only
func (s *Server) initEvents() {
	log := logger.Log

	var publisher events.Publisher
	switch {
	case s.config.EventsURL != "":
		publisher = events.NewHTTPPublisher(s.config.EventsURL)
	case s.redisClient != nil:
		s.eventLog = events.NewRedisPublisher(s.redisClient, mconfig.RedisEventsKey, mconfig.DefaultEventListMax)
		publisher = s.eventLog
	}

	s.recorder = events.NewRecorder(publisher, s.metrics, events.DefaultConfig())

	name := "none"
	if publisher != nil {
		name = publisher.Name()
	}
	log.Info().Str("publisher", name).Msg("Event recorder initialized")
}

// initLoader wires the auction source into the loader
func (s *Server) initLoader() {
	log := logger.Log

	var auctioneer loader.Auctioneer
	if s.config.AuctionURL != "" {
		s.auction = auction.NewClient(s.config.AuctionURL, s.config.AuctionTimeout, s.config.AuctionAPIKey)
		auctioneer = s.auction
		log.Info().Str("url", s.config.AuctionURL).Msg("Auction client initialized")
	} else {
		auctioneer = newDemoAuction(s.config.Placements, s.config.Partners, s.partners.ListPartners)
		log.Warn().Msg("AUCTION_URL not set, using the built-in demo auction")
	}

	s.loader = loader.New(auctioneer, s.router, s.scheduler, s.recorder, loader.Config{
		Fulfillment: s.config.Fulfillment,
		LoadRPS:     s.config.LoadRPS,
		LoadBurst:   s.config.LoadBurst,
	})
	s.loader.SetMetrics(s.metrics)
}

// initHandlers initializes HTTP handlers and builds the handler chain
func (s *Server) initHandlers() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/placements", s.listPlacementsHandler)
	mux.HandleFunc("POST /v1/placements/{name}/load", s.loadHandler)
	mux.HandleFunc("POST /v1/placements/{name}/show", s.showHandler)
	mux.HandleFunc("GET /v1/placements/{name}", s.statusHandler)
	mux.HandleFunc("DELETE /v1/placements/{name}", s.clearHandler)

	mux.Handle("/health", healthHandler())
	mux.Handle("/health/ready", readyHandler(s.redisClient, s.auction, s.db))
	mux.Handle("/metrics", metrics.Handler(s.registry))

	mux.HandleFunc("/admin/circuit-breaker", s.circuitBreakerHandler)
	mux.HandleFunc("/admin/events", s.eventsHandler)

	writeTimeout := writeTimeoutFor(s.config)
	s.loadDeadline = writeTimeout - mconfig.WriteTimeoutMargin

	s.httpServer = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.buildHandler(mux),
		ReadTimeout:  mconfig.ServerReadTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  mconfig.ServerIdleTimeout,
	}
}

// writeTimeoutFor sizes the write timeout for the auction plus
// WaterfallDepth attempts at the slower format's timeout
func writeTimeoutFor(cfg *ServerConfig) time.Duration {
	perAttempt := cfg.Fulfillment.FullscreenLoadTimeout
	if cfg.Fulfillment.BannerLoadTimeout > perAttempt {
		perAttempt = cfg.Fulfillment.BannerLoadTimeout
	}

	d := cfg.AuctionTimeout + time.Duration(mconfig.WaterfallDepth)*perAttempt + mconfig.WriteTimeoutMargin
	if d < mconfig.ServerWriteTimeout {
		return mconfig.ServerWriteTimeout
	}
	return d
}

// buildHandler builds the middleware chain:
// Logging -> Size Limit -> Auth -> Metrics -> Handler
func (s *Server) buildHandler(mux *http.ServeMux) http.Handler {
	auth := middleware.NewAuth(middleware.DefaultAuthConfig(), s.metrics)

	logger.Log.Info().
		Bool("admin_auth_enabled", auth.IsEnabled()).
		Msg("Middleware chain built")

	handler := http.Handler(mux)
	handler = s.metrics.Middleware(handler)
	handler = auth.Middleware(handler)
	handler = middleware.SizeLimit(middleware.DefaultSizeLimitConfig(), handler)
	handler = loggingMiddleware(handler)
	return handler
}

// controllerFor returns the placement's controller, creating it on first use.
// Placements resolve from the config file first, then the database.
func (s *Server) controllerFor(ctx context.Context, name string) (*controller.Controller, error) {
	s.mu.Lock()
	if c, ok := s.controllers[name]; ok {
		s.mu.Unlock()
		return c, nil
	}
	p, ok := s.configured[name]
	s.mu.Unlock()

	if !ok {
		if s.placements == nil {
			return nil, errPlacementNotFound
		}
		stored, err := s.placements.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, errPlacementNotFound
		}
		p = stored
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.controllers[name]; ok {
		return c, nil
	}

	c := controller.New(p.Request(""), s.loader, s.router)
	c.SetMetrics(s.metrics)
	c.Observe(func(e controller.Event) {
		ev := logger.Placement(e.Placement).Debug().
			Str("event", string(e.Type)).
			Str("partner", e.PartnerID)
		if e.Err != nil {
			ev = ev.Err(e.Err)
		}
		ev.Msg("Placement event")
	})
	s.controllers[name] = c
	return c, nil
}

// adResponse describes a loaded ad
type adResponse struct {
	Placement     string         `json:"placement"`
	Format        ad.Format      `json:"format"`
	LoadID        string         `json:"load_id"`
	AuctionID     string         `json:"auction_id"`
	BidID         string         `json:"bid_id"`
	PartnerID     string         `json:"partner_id"`
	NetworkType   ad.NetworkType `json:"network_type"`
	LineItemID    string         `json:"line_item_id,omitempty"`
	ClearingPrice string         `json:"clearing_price,omitempty"`
	Size          *ad.Size       `json:"size,omitempty"`
	LoadedAt      time.Time      `json:"loaded_at"`
	Metrics       events.Token   `json:"metrics_token,omitempty"`
}

func newAdResponse(l *loader.LoadedAd) adResponse {
	resp := adResponse{
		Placement:   l.Request.Placement,
		Format:      l.Request.Format,
		LoadID:      l.LoadID,
		AuctionID:   l.AuctionID,
		BidID:       l.Bid.ID,
		PartnerID:   l.Bid.PartnerID,
		NetworkType: l.Bid.NetworkType(),
		LineItemID:  l.Bid.LineItemID,
		Size:        l.Size,
		LoadedAt:    l.LoadedAt,
		Metrics:     l.Metrics,
	}
	if l.Bid.ClearingPrice != nil {
		resp.ClearingPrice = l.Bid.ClearingPrice.String()
	}
	return resp
}

func (s *Server) listPlacementsHandler(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.config.Placements))
	for _, p := range s.config.Placements {
		names = append(names, p.Name)
	}
	if s.placements != nil {
		stored, err := s.placements.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, p := range stored {
			if _, dup := s.configured[p.Name]; !dup {
				names = append(names, p.Name)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"placements": names})
}

func (s *Server) loadHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.controllerFor(r.Context(), r.PathValue("name"))
	if err != nil {
		writeLookupError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.loadDeadline)
	defer cancel()

	loaded, err := c.Load(ctx)
	if err != nil {
		var rlErr *loader.RateLimitError
		if errors.As(err, &rlErr) {
			retry := int(math.Ceil(time.Until(rlErr.Until).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
		}
		writeError(w, loadErrorStatus(err), err)
		return
	}

	writeJSON(w, http.StatusOK, newAdResponse(loaded))
}

// loadErrorStatus maps load failures to HTTP statuses
func loadErrorStatus(err error) int {
	var statusErr *auction.StatusError
	switch {
	case errors.Is(err, loader.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, fulfillment.ErrNoFill):
		return http.StatusNotFound
	case errors.Is(err, fulfillment.ErrAborted), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.As(err, &statusErr), errors.Is(err, auction.ErrCircuitOpen):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) showHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.controllerFor(r.Context(), r.PathValue("name"))
	if err != nil {
		writeLookupError(w, err)
		return
	}

	cached := c.Cached()
	if err := c.Show(r.Context(), nil); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, controller.ErrFormatNotShowable):
			status = http.StatusBadRequest
		case errors.Is(err, controller.ErrNoLoadedAd), errors.Is(err, controller.ErrShowInProgress):
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	resp := map[string]interface{}{
		"placement": c.Placement(),
		"shown":     true,
	}
	if cached != nil {
		resp["partner_id"] = cached.Bid.PartnerID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	c, err := s.controllerFor(r.Context(), name)
	if err != nil {
		writeLookupError(w, err)
		return
	}

	status := map[string]interface{}{
		"placement": name,
		"format":    c.Format(),
		"loaded":    false,
	}
	if cached := c.Cached(); cached != nil {
		status["loaded"] = true
		status["ad"] = newAdResponse(cached)
	}
	if until, limited := s.loader.RateLimitedUntil(name); limited {
		status["rate_limited_until"] = until.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) clearHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.controllerFor(r.Context(), r.PathValue("name"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	c.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// circuitBreakerHandler returns circuit breaker stats
func (s *Server) circuitBreakerHandler(w http.ResponseWriter, r *http.Request) {
	response := make(map[string]interface{})

	if s.auction != nil {
		response["auction"] = s.auction.CircuitBreakerStats()
	} else {
		response["auction"] = map[string]string{"status": "demo"}
	}
	response["partners"] = s.router.BreakerStats()

	writeJSON(w, http.StatusOK, response)
}

// eventsHandler returns event recorder stats and, when events go to Redis,
// the stored backlog. ?recent=N includes the newest N events.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"recorder": s.recorder.Stats(),
	}

	if s.eventLog != nil {
		var recent int64
		if v := r.URL.Query().Get("recent"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid recent value %q", v))
				return
			}
			recent = min(n, mconfig.DefaultEventListMax)
		}

		names := make([]string, 0, len(s.config.Placements))
		for _, p := range s.config.Placements {
			names = append(names, p.Name)
		}

		backlog, err := s.eventLog.Backlog(r.Context(), recent, names)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		response["redis"] = backlog

		pool := s.redisClient.PoolStats()
		response["redis_pool"] = map[string]uint32{
			"hits":        pool.Hits,
			"misses":      pool.Misses,
			"timeouts":    pool.Timeouts,
			"total_conns": pool.TotalConns,
			"idle_conns":  pool.IdleConns,
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log := logger.Log
	log.Info().Str("addr", s.httpServer.Addr).Msg("Server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then drains partner work and events
func (s *Server) Shutdown(ctx context.Context) error {
	log := logger.Log
	log.Info().Msg("Starting graceful shutdown")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	for _, c := range s.controllers {
		c.Clear()
	}
	s.mu.Unlock()

	s.router.Close()
	s.scheduler.Close()

	if err := s.recorder.Close(); err != nil {
		log.Warn().Err(err).Msg("Error flushing event recorder")
	} else {
		log.Info().Msg("Event recorder flushed")
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing Redis client")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing database")
		}
	}

	log.Info().Msg("Server stopped gracefully")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, errPlacementNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
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

// loggingMiddleware logs HTTP requests with structured logging
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		reqLog := logger.NewRequestLogger(requestID).
			WithField("method", r.Method).
			WithField("path", r.URL.Path)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(logger.WithRequestID(r.Context(), requestID)))

		reqLog.LogComplete(wrapped.statusCode)
	})
}

// healthHandler returns a simple liveness check
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   "1.0.0",
		})
	})
}

// pinger is anything the readiness check can probe
type pinger func(ctx context.Context) error

// readyHandler returns a readiness check with dependency verification
func readyHandler(redisClient *redis.Client, auctionClient *auction.Client, db *sql.DB) http.Handler {
	deps := map[string]pinger{}
	if redisClient != nil {
		deps["redis"] = redisClient.Ping
	}
	if auctionClient != nil {
		deps["auction"] = auctionClient.HealthCheck
	}
	if db != nil {
		deps["database"] = db.PingContext
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]interface{}{
			"redis":    map[string]string{"status": "disabled"},
			"auction":  map[string]string{"status": "demo"},
			"database": map[string]string{"status": "disabled"},
		}
		allHealthy := true

		for name, ping := range deps {
			if err := ping(ctx); err != nil {
				checks[name] = map[string]string{"status": "unhealthy", "error": err.Error()}
				allHealthy = false
				continue
			}
			checks[name] = map[string]string{"status": "healthy"}
		}

		status := http.StatusOK
		if !allHealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{
			"ready":     allHealthy,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
	})
}

// generateRequestID creates a unique request ID
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}
