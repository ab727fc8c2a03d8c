package partner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/pkg/circuitbreaker"
	"github.com/thenexusengine/tne_mediation/pkg/logger"
)

// CircuitStateRecorder receives partner circuit breaker transitions
type CircuitStateRecorder interface {
	SetPartnerCircuitState(partner, state string)
}

// Controller routes load, show and invalidate calls to partner adapters.
// Each partner gets its own circuit breaker so a failing SDK is skipped
// quickly instead of burning its full load timeout on every waterfall.
type Controller struct {
	registry   *Registry
	breakerCfg circuitbreaker.Config

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.Breaker
	metrics  CircuitStateRecorder

	// inFlight tracks adapter goroutines for graceful shutdown
	inFlight sync.WaitGroup
}

// NewController creates a controller over the given registry
func NewController(registry *Registry, breakerCfg *circuitbreaker.Config) *Controller {
	if registry == nil {
		registry = DefaultRegistry
	}
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig()
	}
	return &Controller{
		registry:   registry,
		breakerCfg: *breakerCfg,
		breakers:   make(map[string]*circuitbreaker.Breaker),
	}
}

// SetMetrics wires circuit state reporting
func (c *Controller) SetMetrics(m CircuitStateRecorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

func (c *Controller) breaker(partnerID string) *circuitbreaker.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[partnerID]; ok {
		return cb
	}

	cfg := c.breakerCfg
	userCallback := cfg.OnStateChange
	cfg.OnStateChange = func(from, to string) {
		logger.Partner(partnerID).Warn().
			Str("from", from).
			Str("to", to).
			Msg("partner circuit breaker state changed")
		c.mu.Lock()
		m := c.metrics
		c.mu.Unlock()
		if m != nil {
			m.SetPartnerCircuitState(partnerID, to)
		}
		if userCallback != nil {
			userCallback(from, to)
		}
	}

	cb := circuitbreaker.New(&cfg)
	c.breakers[partnerID] = cb
	return cb
}

// RouteLoad asks the partner named by req to load an ad. completion is
// called at most once. The returned func cancels the partner's work and
// suppresses completion if it has not been delivered yet.
func (c *Controller) RouteLoad(req LoadRequest, surface ad.Surface, delegate EventDelegate, completion func(Ad, error)) func() {
	var done atomic.Bool
	noop := func() { done.Store(true) }

	adapter, ok := c.registry.Get(req.PartnerID)
	if !ok {
		done.Store(true)
		completion(nil, NewAdapterNotFoundError(req.PartnerID))
		return noop
	}

	cb := c.breaker(req.PartnerID)
	if err := cb.Allow(); err != nil {
		done.Store(true)
		completion(nil, NewCircuitOpenError(req.PartnerID, err))
		return noop
	}

	if delegate == nil {
		delegate = NopDelegate{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	c.inFlight.Add(1)
	go func() {
		defer c.inFlight.Done()
		defer cancel()

		loaded, err := adapter.Load(ctx, req, surface, delegate)

		if !done.CompareAndSwap(false, true) {
			// Abandoned by the caller; the partner's health is unknown
			cb.Release()
			if loaded != nil {
				c.invalidateQuietly(adapter, loaded)
			}
			return
		}

		if err != nil {
			cb.Done(breakerOutcome(err))
			completion(nil, wrapLoadError(req.PartnerID, err))
			return
		}
		if loaded == nil {
			cb.Done(nil)
			completion(nil, NewNoFillError(req.PartnerID))
			return
		}

		cb.Done(nil)
		completion(loaded, nil)
	}()

	return func() {
		if done.CompareAndSwap(false, true) {
			cancel()
		}
	}
}

// RouteInvalidate releases a loaded ad. completion may be nil.
func (c *Controller) RouteInvalidate(a Ad, completion func(error)) {
	if a == nil {
		if completion != nil {
			completion(nil)
		}
		return
	}

	partnerID := a.Request().PartnerID
	adapter, ok := c.registry.Get(partnerID)
	if !ok {
		if completion != nil {
			completion(NewAdapterNotFoundError(partnerID))
		}
		return
	}

	c.inFlight.Add(1)
	go func() {
		defer c.inFlight.Done()
		var result error
		if err := adapter.Invalidate(a); err != nil {
			result = NewInvalidateError(partnerID, err)
		}
		if completion != nil {
			completion(result)
		}
	}()
}

// RouteShow presents a loaded ad
func (c *Controller) RouteShow(ctx context.Context, a Ad, surface ad.Surface) error {
	partnerID := a.Request().PartnerID
	adapter, ok := c.registry.Get(partnerID)
	if !ok {
		return NewAdapterNotFoundError(partnerID)
	}
	if err := adapter.Show(ctx, a, surface); err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return pe
		}
		return NewShowError(partnerID, err)
	}
	return nil
}

// BreakerStats returns circuit breaker statistics per partner
func (c *Controller) BreakerStats() map[string]circuitbreaker.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make(map[string]circuitbreaker.Stats, len(c.breakers))
	for id, cb := range c.breakers {
		stats[id] = cb.Stats()
	}
	return stats
}

// Close waits for in-flight adapter calls and breaker callbacks
func (c *Controller) Close() {
	c.inFlight.Wait()

	c.mu.Lock()
	breakers := make([]*circuitbreaker.Breaker, 0, len(c.breakers))
	for _, cb := range c.breakers {
		breakers = append(breakers, cb)
	}
	c.mu.Unlock()

	for _, cb := range breakers {
		cb.Close()
	}
}

func (c *Controller) invalidateQuietly(adapter Adapter, a Ad) {
	if err := adapter.Invalidate(a); err != nil {
		logger.Partner(adapter.PartnerID()).Debug().
			Err(err).
			Msg("failed to invalidate abandoned ad")
	}
}

// breakerOutcome decides whether a load error counts against partner health.
// No fill is a normal answer, not a partner malfunction.
func breakerOutcome(err error) error {
	if code, ok := CodeOf(err); ok && code == ErrorCodeNoFill {
		return nil
	}
	return err
}

func wrapLoadError(partnerID string, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Partner: partnerID, Code: ErrorCodeCanceled, Message: "load canceled", Cause: err}
	}
	return NewLoadError(partnerID, err)
}
