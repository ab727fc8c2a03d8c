// Package loader turns a placement request into a loaded partner ad: it
// runs the auction, drives the waterfall and reports what happened.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/auction"
	"github.com/thenexusengine/tne_mediation/internal/config"
	"github.com/thenexusengine/tne_mediation/internal/events"
	"github.com/thenexusengine/tne_mediation/internal/fulfillment"
	"github.com/thenexusengine/tne_mediation/internal/partner"
	"github.com/thenexusengine/tne_mediation/internal/scheduler"
	"github.com/thenexusengine/tne_mediation/pkg/logger"
)

// ErrRateLimited matches every RateLimitError
var ErrRateLimited = errors.New("load rate limited")

// RateLimitError is returned while a placement is inside a server-provided
// rate-limit window
type RateLimitError struct {
	Placement string
	Until     time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("placement %s is rate limited until %s", e.Placement, e.Until.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrRateLimited) work
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Auctioneer runs auctions
type Auctioneer interface {
	Auction(ctx context.Context, req ad.Request, loadID string) (*auction.Response, error)
}

// Sink receives the attempt records of every finished load
type Sink interface {
	RecordAttempts(ctx context.Context, summary events.LoadSummary) events.Token
}

// AuctionRecorder receives auction and rate-limit measurements
type AuctionRecorder interface {
	RecordAuction(status string, latency time.Duration, bids int)
	IncRateLimited(placement string)
}

// LoadedAd is a partner ad ready to show
type LoadedAd struct {
	Bid       ad.Bid
	PartnerAd partner.Ad
	// Size is the resolved banner size, nil for fullscreen formats
	Size      *ad.Size
	Request   ad.Request
	LoadID    string
	AuctionID string
	LoadedAt  time.Time
	Metrics   events.Token
}

// Config holds loader tunables
type Config struct {
	Fulfillment fulfillment.Config
	// LoadRPS and LoadBurst bound auction requests per placement
	LoadRPS   float64
	LoadBurst int
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Fulfillment: fulfillment.DefaultConfig(),
		LoadRPS:     config.DefaultLoadRPS,
		LoadBurst:   config.DefaultLoadBurst,
	}
}

// Loader loads ads. It is safe for concurrent use.
type Loader struct {
	auction   Auctioneer
	router    fulfillment.Router
	scheduler scheduler.Scheduler
	sink      Sink
	metrics   AuctionRecorder
	config    Config
	now       func() time.Time

	mu       sync.Mutex
	resetAt  map[string]time.Time
	limiters map[string]*rate.Limiter
}

// New creates a loader. sink may be nil.
func New(auctioneer Auctioneer, router fulfillment.Router, sched scheduler.Scheduler, sink Sink, cfg Config) *Loader {
	if cfg.LoadRPS <= 0 {
		cfg.LoadRPS = config.DefaultLoadRPS
	}
	if cfg.LoadBurst <= 0 {
		cfg.LoadBurst = config.DefaultLoadBurst
	}
	if err := cfg.Fulfillment.Validate(); err != nil {
		logger.Log.Warn().Err(err).Msg("Invalid fulfillment config, using defaults")
		cfg.Fulfillment = fulfillment.DefaultConfig()
	}

	return &Loader{
		auction:   auctioneer,
		router:    router,
		scheduler: sched,
		sink:      sink,
		config:    cfg,
		now:       time.Now,
		resetAt:   make(map[string]time.Time),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SetMetrics wires auction metrics
func (l *Loader) SetMetrics(m AuctionRecorder) {
	l.metrics = m
}

// Load runs one auction and waterfall for req. Partner events for the
// resulting ad are delivered to delegate.
func (l *Loader) Load(ctx context.Context, req ad.Request, delegate partner.EventDelegate) (*LoadedAd, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid load request: %w", err)
	}
	if req.LoadID == "" {
		req.LoadID = uuid.NewString()
	}
	ctx = logger.WithLoadID(ctx, req.LoadID)
	log := logger.Placement(req.Placement).With().Str("load_id", req.LoadID).Logger()

	if until, limited := l.rateLimited(req.Placement); limited {
		if l.metrics != nil {
			l.metrics.IncRateLimited(req.Placement)
		}
		return nil, &RateLimitError{Placement: req.Placement, Until: until}
	}

	if err := l.limiter(req.Placement).Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for load slot: %w", err)
	}

	start := l.now()
	resp, err := l.auction.Auction(ctx, req, req.LoadID)
	l.recordAuction(resp, err, l.now().Sub(start))
	if err != nil {
		var statusErr *auction.StatusError
		if errors.As(err, &statusErr) {
			l.setResetWindow(req.Placement, statusErr.RateLimitReset)
		}
		log.Warn().Err(err).Msg("Auction failed")
		return nil, fmt.Errorf("auction failed: %w", err)
	}
	l.setResetWindow(req.Placement, resp.RateLimitReset)

	log.Debug().
		Str("auction_id", resp.AuctionID).
		Int("bids", len(resp.Bids)).
		Msg("Auction complete")

	// The engine is owned by this call until its completion fires
	engine := fulfillment.New(req, resp.Bids, l.router, l.scheduler, l.config.Fulfillment, delegate)
	done := make(chan fulfillment.Outcome, 1)
	engine.Run(ctx, func(o fulfillment.Outcome) { done <- o })
	outcome := <-done

	summary := events.LoadSummary{
		LoadID:    req.LoadID,
		AuctionID: resp.AuctionID,
		Placement: req.Placement,
		Format:    req.Format,
		Size:      req.Size,
		Attempts:  outcome.Attempts,
		Err:       outcome.Err,
		Start:     start,
		End:       l.now(),
	}
	if outcome.Result != nil {
		winner := outcome.Result.Bid
		summary.Winner = &winner
		summary.WinnerSize = outcome.Result.Size
	}

	var token events.Token
	if l.sink != nil {
		token = l.sink.RecordAttempts(ctx, summary)
	}

	if outcome.Err != nil {
		log.Info().Err(outcome.Err).Int("attempts", len(outcome.Attempts)).Msg("Load failed")
		return nil, outcome.Err
	}

	result := outcome.Result
	log.Info().
		Str("partner", result.Bid.PartnerID).
		Int("attempts", len(outcome.Attempts)).
		Msg("Ad loaded")

	return &LoadedAd{
		Bid:       result.Bid,
		PartnerAd: result.Ad,
		Size:      result.Size,
		Request:   req,
		LoadID:    req.LoadID,
		AuctionID: resp.AuctionID,
		LoadedAt:  summary.End,
		Metrics:   token,
	}, nil
}

// RateLimitedUntil returns the end of the placement's rate-limit window, if any
func (l *Loader) RateLimitedUntil(placement string) (time.Time, bool) {
	return l.rateLimited(placement)
}

func (l *Loader) rateLimited(placement string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.resetAt[placement]
	if !ok {
		return time.Time{}, false
	}
	if !l.now().Before(until) {
		delete(l.resetAt, placement)
		return time.Time{}, false
	}
	return until, true
}

func (l *Loader) setResetWindow(placement string, reset time.Duration) {
	if reset <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetAt[placement] = l.now().Add(reset)
}

func (l *Loader) limiter(placement string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[placement]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.config.LoadRPS), l.config.LoadBurst)
		l.limiters[placement] = lim
	}
	return lim
}

func (l *Loader) recordAuction(resp *auction.Response, err error, latency time.Duration) {
	if l.metrics == nil {
		return
	}
	if err != nil {
		l.metrics.RecordAuction("error", latency, 0)
		return
	}
	l.metrics.RecordAuction("ok", latency, len(resp.Bids))
}
