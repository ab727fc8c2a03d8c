// Package controller keeps at most one loaded ad per placement and exposes
// its lifecycle to observers.
package controller

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/loader"
	"github.com/thenexusengine/tne_mediation/internal/partner"
	"github.com/thenexusengine/tne_mediation/pkg/logger"
)

var (
	// ErrNoLoadedAd is returned by Show when nothing is cached
	ErrNoLoadedAd = errors.New("no loaded ad")

	// ErrShowInProgress is returned when a show is already running
	ErrShowInProgress = errors.New("show already in progress")

	// ErrFormatNotShowable is returned by Show for inline formats
	ErrFormatNotShowable = errors.New("format is not shown full screen")
)

// Loader loads ads
type Loader interface {
	Load(ctx context.Context, req ad.Request, delegate partner.EventDelegate) (*loader.LoadedAd, error)
}

// Router shows and releases partner ads
type Router interface {
	RouteShow(ctx context.Context, a partner.Ad, surface ad.Surface) error
	RouteInvalidate(a partner.Ad, completion func(error))
}

// ShowRecorder receives show outcomes
type ShowRecorder interface {
	RecordShow(partnerID string, err error)
}

// EventType names a lifecycle event
type EventType string

const (
	EventLoaded     EventType = "loaded"
	EventLoadFailed EventType = "load_failed"
	EventShowFailed EventType = "show_failed"
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
	EventReward     EventType = "reward"
	EventDismiss    EventType = "dismiss"
	EventExpire     EventType = "expire"
)

// Event is delivered to observers
type Event struct {
	Type      EventType
	Placement string
	PartnerID string
	// Ad is set for loaded events
	Ad  *loader.LoadedAd
	Err error
}

// loadCall is one in-flight load shared by every concurrent caller
type loadCall struct {
	done   chan struct{}
	result *loader.LoadedAd
	err    error
}

// Controller manages the ad for one placement. It is safe for concurrent use.
type Controller struct {
	request ad.Request
	loader  Loader
	router  Router
	metrics ShowRecorder

	mu        sync.Mutex
	cached    *loader.LoadedAd
	pending   *loadCall
	showing   bool
	observers map[int]func(Event)
	nextID    int
}

// New creates a controller for the placement described by req
func New(req ad.Request, l Loader, r Router) *Controller {
	return &Controller{
		request:   req,
		loader:    l,
		router:    r,
		observers: make(map[int]func(Event)),
	}
}

// SetMetrics wires show metrics
func (c *Controller) SetMetrics(m ShowRecorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Placement returns the placement name
func (c *Controller) Placement() string {
	return c.request.Placement
}

// Format returns the placement's ad format
func (c *Controller) Format() ad.Format {
	return c.request.Format
}

// Load returns the cached ad or loads a new one. Concurrent calls share a
// single load and all receive its result; the first caller's ctx governs it.
func (c *Controller) Load(ctx context.Context) (*loader.LoadedAd, error) {
	c.mu.Lock()
	if c.cached != nil {
		cached := c.cached
		c.mu.Unlock()
		return cached, nil
	}
	if call := c.pending; call != nil {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &loadCall{done: make(chan struct{})}
	c.pending = call
	c.mu.Unlock()

	req := c.request
	req.LoadID = ""
	loaded, err := c.loader.Load(ctx, req, c)

	c.mu.Lock()
	c.pending = nil
	if err == nil {
		c.cached = loaded
	}
	call.result, call.err = loaded, err
	close(call.done)
	c.mu.Unlock()

	if err != nil {
		c.emit(Event{Type: EventLoadFailed, Placement: c.request.Placement, Err: err})
		return nil, err
	}
	c.emit(Event{Type: EventLoaded, Placement: c.request.Placement, PartnerID: loaded.Bid.PartnerID, Ad: loaded})
	return loaded, nil
}

// Cached returns the cached ad, if any
func (c *Controller) Cached() *loader.LoadedAd {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached
}

// Show presents the cached fullscreen ad. A successful show consumes it.
// A failed show keeps it cached so the caller can retry or Clear.
func (c *Controller) Show(ctx context.Context, surface ad.Surface) error {
	if !c.request.Format.IsFullscreen() {
		return ErrFormatNotShowable
	}

	c.mu.Lock()
	if c.showing {
		c.mu.Unlock()
		return ErrShowInProgress
	}
	if c.cached == nil {
		c.mu.Unlock()
		return ErrNoLoadedAd
	}
	current := c.cached
	c.showing = true
	metrics := c.metrics
	c.mu.Unlock()

	err := c.router.RouteShow(ctx, current.PartnerAd, surface)

	c.mu.Lock()
	c.showing = false
	if err == nil && c.cached == current {
		c.cached = nil
	}
	c.mu.Unlock()

	if metrics != nil {
		metrics.RecordShow(current.Bid.PartnerID, err)
	}
	if err != nil {
		logger.Placement(c.request.Placement).Warn().
			Err(err).
			Str("partner", current.Bid.PartnerID).
			Msg("Show failed")
		c.emit(Event{Type: EventShowFailed, Placement: c.request.Placement, PartnerID: current.Bid.PartnerID, Err: err})
		return err
	}
	return nil
}

// Clear drops the cached ad and releases it with its partner
func (c *Controller) Clear() {
	c.mu.Lock()
	current := c.cached
	c.cached = nil
	c.mu.Unlock()

	if current != nil {
		c.invalidate(current.PartnerAd)
	}
}

// Observe registers fn for lifecycle events and returns a func that
// unregisters it
func (c *Controller) Observe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.observers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

// emit calls observers in registration order, outside the lock
func (c *Controller) emit(e Event) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), len(ids))
	for i, id := range ids {
		fns[i] = c.observers[id]
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

func (c *Controller) invalidate(a partner.Ad) {
	partnerID := a.Request().PartnerID
	c.router.RouteInvalidate(a, func(err error) {
		if err != nil {
			logger.Partner(partnerID).Debug().Err(err).Msg("Failed to invalidate ad")
		}
	})
}

func (c *Controller) partnerEvent(t EventType, a partner.Ad, err error) {
	c.emit(Event{Type: t, Placement: c.request.Placement, PartnerID: a.Request().PartnerID, Err: err})
}

// DidTrackImpression implements partner.EventDelegate
func (c *Controller) DidTrackImpression(a partner.Ad) {
	c.partnerEvent(EventImpression, a, nil)
}

// DidClick implements partner.EventDelegate
func (c *Controller) DidClick(a partner.Ad) {
	c.partnerEvent(EventClick, a, nil)
}

// DidReward implements partner.EventDelegate
func (c *Controller) DidReward(a partner.Ad) {
	c.partnerEvent(EventReward, a, nil)
}

// DidDismiss implements partner.EventDelegate. The dismissed ad is released.
func (c *Controller) DidDismiss(a partner.Ad, err error) {
	c.invalidate(a)
	c.partnerEvent(EventDismiss, a, err)
}

// DidExpire implements partner.EventDelegate. An expired cached ad is
// dropped and released.
func (c *Controller) DidExpire(a partner.Ad) {
	c.mu.Lock()
	expired := c.cached != nil && c.cached.PartnerAd == a
	if expired {
		c.cached = nil
	}
	c.mu.Unlock()

	if expired {
		c.invalidate(a)
	}
	c.partnerEvent(EventExpire, a, nil)
}
