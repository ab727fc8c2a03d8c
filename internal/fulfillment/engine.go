// Package fulfillment walks an auction's ranked bids one partner at a time
// until one of them produces a usable ad.
package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/partner"
	"github.com/thenexusengine/tne_mediation/internal/scheduler"
	"github.com/thenexusengine/tne_mediation/pkg/logger"
)

// Router dispatches partner work. RouteLoad returns a cancel action that
// aborts the in-flight load and suppresses its completion.
type Router interface {
	RouteLoad(req partner.LoadRequest, surface ad.Surface, delegate partner.EventDelegate, completion func(partner.Ad, error)) func()
	RouteInvalidate(a partner.Ad, completion func(error))
}

// Config holds engine tunables
type Config struct {
	FullscreenLoadTimeout time.Duration `yaml:"fullscreen_load_timeout"`
	BannerLoadTimeout     time.Duration `yaml:"banner_load_timeout"`
	DiscardOversizedAds   bool          `yaml:"discard_oversized_ads"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		FullscreenLoadTimeout: 30 * time.Second,
		BannerLoadTimeout:     15 * time.Second,
		DiscardOversizedAds:   false,
	}
}

// Validate checks timeouts are usable
func (c Config) Validate() error {
	if c.FullscreenLoadTimeout <= 0 {
		return fmt.Errorf("fullscreen load timeout must be positive, got %s", c.FullscreenLoadTimeout)
	}
	if c.BannerLoadTimeout <= 0 {
		return fmt.Errorf("banner load timeout must be positive, got %s", c.BannerLoadTimeout)
	}
	return nil
}

// LoadTimeout returns the per-attempt timeout for a format
func (c Config) LoadTimeout(format ad.Format) time.Duration {
	if format.IsBanner() {
		return c.BannerLoadTimeout
	}
	return c.FullscreenLoadTimeout
}

// Result is the winning ad of a run
type Result struct {
	Bid ad.Bid
	Ad  partner.Ad
	// Size is the resolved banner size, nil for fullscreen formats
	Size *ad.Size
}

// Outcome is delivered exactly once per Run
type Outcome struct {
	Result   *Result
	Err      error
	Attempts []AttemptRecord
}

type engineState int

const (
	stateIdle engineState = iota
	stateRunning
	stateFinished
)

// attempt is the single in-flight partner load
type attempt struct {
	token   uint64
	bid     ad.Bid
	start   time.Time
	timeout scheduler.Task
	cancel  func()
}

// Engine fulfills one load request. It is single-use: the first Run walks
// the bids, every later Run fails with ErrAlreadyRun.
//
// All engine state is touched only from tasks posted to the scheduler, so a
// serial scheduler makes the engine free of data races without locks.
type Engine struct {
	request   ad.Request
	bids      []ad.Bid
	router    Router
	scheduler scheduler.Scheduler
	config    Config
	delegate  partner.EventDelegate

	state      engineState
	ctx        context.Context
	stopWatch  func() bool
	completion func(Outcome)
	queue      []ad.Bid
	records    []AttemptRecord
	inFlight   *attempt
	token      uint64
}

// New creates an engine for one request and its ranked bids
func New(req ad.Request, bids []ad.Bid, router Router, sched scheduler.Scheduler, cfg Config, delegate partner.EventDelegate) *Engine {
	if delegate == nil {
		delegate = partner.NopDelegate{}
	}
	return &Engine{
		request:   req,
		bids:      append([]ad.Bid(nil), bids...),
		router:    router,
		scheduler: sched,
		config:    cfg,
		delegate:  delegate,
	}
}

// Run starts the waterfall. completion is invoked exactly once, always on
// the scheduler and never before Run returns. Canceling ctx stops the run
// with ErrAborted.
func (e *Engine) Run(ctx context.Context, completion func(Outcome)) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.scheduler.RunAsync(func() {
		if e.state != stateIdle {
			completion(Outcome{Err: ErrAlreadyRun})
			return
		}
		e.state = stateRunning
		e.ctx = ctx
		e.completion = completion
		e.queue = e.bids
		e.stopWatch = context.AfterFunc(ctx, func() {
			e.scheduler.RunAsync(e.abort)
		})

		logger.Engine().Debug().
			Str("load_id", e.request.LoadID).
			Str("placement", e.request.Placement).
			Int("bids", len(e.queue)).
			Msg("Starting waterfall")

		e.next()
	})
}

// next starts the head bid or finishes when the queue is empty
func (e *Engine) next() {
	if e.ctx.Err() != nil {
		e.finish(nil, ErrAborted)
		return
	}

	if len(e.queue) == 0 {
		if len(e.records) == 0 {
			e.finish(nil, ErrNoBids)
			return
		}
		errs := make([]error, len(e.records))
		for i, r := range e.records {
			errs[i] = r.Err
		}
		e.finish(nil, &ExhaustedError{Errors: errs})
		return
	}

	bid := e.queue[0]
	e.queue = e.queue[1:]

	e.token++
	token := e.token
	att := &attempt{
		token: token,
		bid:   bid,
		start: e.scheduler.Now(),
	}
	e.inFlight = att

	// Arm the timeout before routing so a synchronous router can't outrun it
	timeout := e.config.LoadTimeout(e.request.Format)
	att.timeout = e.scheduler.ScheduleAfter(timeout, func() {
		e.handleTimeout(token, timeout)
	})

	att.cancel = e.router.RouteLoad(e.loadRequest(bid), e.request.Surface, e.delegate, func(a partner.Ad, err error) {
		e.scheduler.RunAsync(func() {
			e.handleLoad(token, a, err)
		})
	})
}

func (e *Engine) current(token uint64) *attempt {
	if e.state != stateRunning || e.inFlight == nil || e.inFlight.token != token {
		return nil
	}
	return e.inFlight
}

func (e *Engine) handleTimeout(token uint64, timeout time.Duration) {
	att := e.current(token)
	if att == nil {
		return
	}
	if att.cancel != nil {
		att.cancel()
	}
	e.complete(att, nil, &TimeoutError{PartnerID: att.bid.PartnerID, Timeout: timeout})
}

func (e *Engine) handleLoad(token uint64, loaded partner.Ad, err error) {
	att := e.current(token)
	if att == nil {
		// Stale: the attempt already timed out or the run ended
		return
	}
	att.timeout.Cancel()
	e.complete(att, loaded, err)
}

// complete records the attempt and either finishes or moves on
func (e *Engine) complete(att *attempt, loaded partner.Ad, err error) {
	e.inFlight = nil

	var size *ad.Size
	if err == nil && loaded == nil {
		err = partner.NewNoFillError(att.bid.PartnerID)
	}
	if err == nil {
		var rejected *SanitizationError
		size, rejected = Sanitize(e.request, e.config.DiscardOversizedAds, loaded)
		if rejected != nil {
			e.invalidate(loaded)
			err = rejected
		}
	}

	record := newAttemptRecord(att.bid, att.start, e.scheduler.Now(), err)
	e.records = append(e.records, record)

	log := logger.Partner(att.bid.PartnerID)
	if err != nil {
		log.Debug().
			Str("load_id", e.request.LoadID).
			Str("outcome", record.Outcome()).
			Dur("latency", record.Latency()).
			Err(err).
			Msg("Waterfall attempt failed")
		e.next()
		return
	}

	log.Debug().
		Str("load_id", e.request.LoadID).
		Dur("latency", record.Latency()).
		Msg("Waterfall attempt succeeded")
	e.finish(&Result{Bid: att.bid, Ad: loaded, Size: size}, nil)
}

// abort runs when the run's context ends
func (e *Engine) abort() {
	if e.state != stateRunning {
		return
	}
	if att := e.inFlight; att != nil {
		e.inFlight = nil
		att.timeout.Cancel()
		if att.cancel != nil {
			att.cancel()
		}
	}
	e.finish(nil, ErrAborted)
}

func (e *Engine) finish(result *Result, err error) {
	e.state = stateFinished
	if e.stopWatch != nil {
		e.stopWatch()
		e.stopWatch = nil
	}

	outcome := Outcome{Result: result, Err: err, Attempts: e.records}
	completion := e.completion
	e.completion = nil
	e.queue = nil
	e.records = nil

	event := logger.Engine().Info().
		Str("load_id", e.request.LoadID).
		Str("placement", e.request.Placement).
		Int("attempts", len(outcome.Attempts))
	if result != nil {
		event.Str("partner", result.Bid.PartnerID).Msg("Waterfall filled")
	} else {
		event.Err(err).Msg("Waterfall finished without fill")
	}

	completion(outcome)
}

// invalidate releases a rejected ad without waiting for the partner
func (e *Engine) invalidate(a partner.Ad) {
	partnerID := a.Request().PartnerID
	e.router.RouteInvalidate(a, func(err error) {
		if err != nil {
			logger.Partner(partnerID).Warn().Err(err).Msg("Failed to invalidate rejected ad")
		}
	})
}

func (e *Engine) loadRequest(bid ad.Bid) partner.LoadRequest {
	settings := make(map[string]interface{}, len(e.request.PartnerSettings)+len(bid.PartnerSettings))
	for k, v := range e.request.PartnerSettings {
		settings[k] = v
	}
	for k, v := range bid.PartnerSettings {
		settings[k] = v
	}

	size := e.request.Size
	if bid.Size != nil {
		size = bid.Size
	}

	return partner.LoadRequest{
		Identifier:       uuid.NewString(),
		LoadID:           e.request.LoadID,
		AuctionID:        bid.AuctionID,
		PartnerID:        bid.PartnerID,
		PartnerPlacement: bid.PartnerPlacement,
		Placement:        e.request.Placement,
		Format:           e.request.Format,
		Size:             size,
		AdMarkup:         bid.AdMarkup,
		Keywords:         e.request.Keywords,
		PartnerSettings:  settings,
	}
}
