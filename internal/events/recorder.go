// Package events records load and attempt events for reporting
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/config"
	"github.com/thenexusengine/tne_mediation/internal/fulfillment"
	"github.com/thenexusengine/tne_mediation/pkg/logger"
)

const (
	// flushQueueSize is the max pending flush batches before dropping
	flushQueueSize = 10
	// flushTimeout is the max time to wait for a flush operation
	flushTimeout = 2 * time.Second
)

// Token identifies one recorded load event
type Token string

// LoadSummary is everything known about one finished load
type LoadSummary struct {
	LoadID    string
	AuctionID string
	Placement string
	Format    ad.Format
	Size      *ad.Size
	Attempts  []fulfillment.AttemptRecord
	// Winner is nil when the load failed
	Winner *ad.Bid
	// WinnerSize is the resolved banner size of the winner
	WinnerSize *ad.Size
	Err        error
	Start      time.Time
	End        time.Time
}

// AttemptEvent is the reported form of one waterfall attempt
type AttemptEvent struct {
	PartnerID        string  `json:"partner_id"`
	PartnerPlacement string  `json:"partner_placement"`
	LineItemID       string  `json:"line_item_id,omitempty"`
	NetworkType      string  `json:"network_type"`
	Programmatic     bool    `json:"programmatic,omitempty"`
	LatencyMs        float64 `json:"latency_ms"`
	Outcome          string  `json:"outcome"`
	ErrorCode        string  `json:"error_code,omitempty"`
	ErrorMsg         string  `json:"error_message,omitempty"`
}

// LoadEvent is the reported form of one load
type LoadEvent struct {
	EventID       string           `json:"event_id"`
	LoadID        string           `json:"load_id"`
	AuctionID     string           `json:"auction_id,omitempty"`
	Placement     string           `json:"placement"`
	Format        ad.Format        `json:"format"`
	AdSize        string           `json:"ad_size,omitempty"`
	Filled        bool             `json:"filled"`
	WinnerPartner string           `json:"winner_partner,omitempty"`
	ClearingPrice *decimal.Decimal `json:"clearing_price,omitempty"`
	DurationMs    float64          `json:"duration_ms"`
	ErrorMsg      string           `json:"error_message,omitempty"`
	Attempts      []AttemptEvent   `json:"attempts"`
	Timestamp     time.Time        `json:"timestamp"`
}

// MetricsRecorder receives per-load and per-attempt measurements
type MetricsRecorder interface {
	RecordAttempt(partnerID string, format ad.Format, networkType ad.NetworkType, outcome string, latency time.Duration)
	RecordRejection(partnerID, reason string)
	RecordLoad(placement string, format ad.Format, outcome string, attempts int, duration time.Duration)
	RecordWinPrice(partnerID string, format ad.Format, price decimal.Decimal)
}

// Publisher delivers batches of load events somewhere durable
type Publisher interface {
	Publish(ctx context.Context, events []LoadEvent) error
	Name() string
}

// Config holds recorder tunables
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	Workers       int
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		BufferSize:    config.DefaultEventBufferSize,
		FlushInterval: config.DefaultEventFlushInterval,
		Workers:       config.DefaultEventFlushWorkers,
	}
}

// Recorder turns load summaries into metrics and buffered events.
// It uses a bounded worker pool so slow publishers never leak goroutines.
type Recorder struct {
	publisher  Publisher
	metrics    MetricsRecorder
	buffer     []LoadEvent
	bufferSize int
	mu         sync.Mutex

	// closed is guarded by mu; nothing is queued once it is set
	closed     bool
	flushQueue chan []LoadEvent
	stopCh     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	tickerWg   sync.WaitGroup

	droppedEvents  atomic.Int64
	droppedBatches atomic.Int64
	totalEvents    atomic.Int64
	flushedEvents  atomic.Int64
	publishErrors  atomic.Int64
}

// NewRecorder creates a recorder. A nil publisher keeps metrics only.
func NewRecorder(publisher Publisher, metrics MetricsRecorder, cfg Config) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = config.DefaultEventBufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	r := &Recorder{
		publisher:  publisher,
		metrics:    metrics,
		buffer:     make([]LoadEvent, 0, cfg.BufferSize),
		bufferSize: cfg.BufferSize,
		flushQueue: make(chan []LoadEvent, flushQueueSize),
		stopCh:     make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.flushWorker()
	}

	if cfg.FlushInterval > 0 {
		r.tickerWg.Add(1)
		go r.periodicFlush(cfg.FlushInterval)
	}

	return r
}

func (r *Recorder) flushWorker() {
	defer r.wg.Done()
	for events := range r.flushQueue {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		r.publish(ctx, events)
		cancel()
	}
}

func (r *Recorder) periodicFlush(interval time.Duration) {
	defer r.tickerWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.mu.Lock()
			if !r.closed && len(r.buffer) > 0 {
				r.enqueueLocked(r.swapLocked())
			}
			r.mu.Unlock()
		}
	}
}

func (r *Recorder) publish(ctx context.Context, events []LoadEvent) error {
	if err := r.publisher.Publish(ctx, events); err != nil {
		r.publishErrors.Add(1)
		logger.Log.Debug().
			Err(err).
			Str("publisher", r.publisher.Name()).
			Int("events", len(events)).
			Msg("Failed to publish load events")
		return err
	}
	return nil
}

// RecordAttempts records one finished load and returns its event token
func (r *Recorder) RecordAttempts(ctx context.Context, s LoadSummary) Token {
	event := buildLoadEvent(s)
	r.recordMetrics(s)
	r.totalEvents.Add(1)

	if r.publisher == nil {
		return Token(event.EventID)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.droppedEvents.Add(1)
		return Token(event.EventID)
	}
	r.buffer = append(r.buffer, event)
	if len(r.buffer) >= r.bufferSize {
		r.enqueueLocked(r.swapLocked())
	}
	r.mu.Unlock()

	logger.FromContext(ctx).Debug().
		Str("event_id", event.EventID).
		Bool("filled", event.Filled).
		Int("attempts", len(event.Attempts)).
		Msg("Recorded load event")

	return Token(event.EventID)
}

// enqueueLocked hands a batch to the worker pool without blocking
func (r *Recorder) enqueueLocked(events []LoadEvent) {
	batchSize := int64(len(events))
	select {
	case r.flushQueue <- events:
		r.flushedEvents.Add(batchSize)
	default:
		r.droppedEvents.Add(batchSize)
		r.droppedBatches.Add(1)
	}
}

func (r *Recorder) recordMetrics(s LoadSummary) {
	if r.metrics == nil {
		return
	}

	for _, a := range s.Attempts {
		r.metrics.RecordAttempt(a.PartnerID, s.Format, a.NetworkType, a.Outcome(), a.Latency())
		var se *fulfillment.SanitizationError
		if errors.As(a.Err, &se) {
			r.metrics.RecordRejection(a.PartnerID, string(se.Reason))
		}
	}

	r.metrics.RecordLoad(s.Placement, s.Format, loadOutcome(s), len(s.Attempts), s.End.Sub(s.Start))

	if s.Winner != nil && s.Winner.ClearingPrice != nil {
		r.metrics.RecordWinPrice(s.Winner.PartnerID, s.Format, *s.Winner.ClearingPrice)
	}
}

// loadOutcome classifies a load for metrics
func loadOutcome(s LoadSummary) string {
	switch {
	case s.Err == nil:
		return "filled"
	case errors.Is(s.Err, fulfillment.ErrAborted):
		return "aborted"
	case errors.Is(s.Err, fulfillment.ErrNoBids):
		return "no_bids"
	case errors.Is(s.Err, fulfillment.ErrNoFill):
		return "exhausted"
	}
	return "error"
}

func buildLoadEvent(s LoadSummary) LoadEvent {
	event := LoadEvent{
		EventID:    uuid.NewString(),
		LoadID:     s.LoadID,
		AuctionID:  s.AuctionID,
		Placement:  s.Placement,
		Format:     s.Format,
		Filled:     s.Err == nil && s.Winner != nil,
		DurationMs: float64(s.End.Sub(s.Start).Microseconds()) / 1000,
		Attempts:   make([]AttemptEvent, len(s.Attempts)),
		Timestamp:  s.End,
	}

	if s.Winner != nil {
		event.WinnerPartner = s.Winner.PartnerID
		event.ClearingPrice = s.Winner.ClearingPrice
	}
	switch {
	case s.WinnerSize != nil:
		event.AdSize = s.WinnerSize.String()
	case s.Size != nil:
		event.AdSize = s.Size.String()
	}
	if s.Err != nil {
		event.ErrorMsg = s.Err.Error()
	}

	for i, a := range s.Attempts {
		ae := AttemptEvent{
			PartnerID:        a.PartnerID,
			PartnerPlacement: a.PartnerPlacement,
			LineItemID:       a.LineItemID,
			NetworkType:      string(a.NetworkType),
			Programmatic:     a.IsProgrammatic,
			LatencyMs:        float64(a.Latency().Microseconds()) / 1000,
			Outcome:          a.Outcome(),
			ErrorCode:        a.ErrorCode(),
		}
		if a.Err != nil {
			ae.ErrorMsg = a.Err.Error()
		}
		event.Attempts[i] = ae
	}

	return event
}

func (r *Recorder) swapLocked() []LoadEvent {
	events := r.buffer
	r.buffer = make([]LoadEvent, 0, r.bufferSize)
	return events
}

// Flush publishes buffered events synchronously
func (r *Recorder) Flush(ctx context.Context) error {
	if r.publisher == nil {
		return nil
	}
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return nil
	}
	events := r.swapLocked()
	r.mu.Unlock()

	if err := r.publish(ctx, events); err != nil {
		return err
	}
	r.flushedEvents.Add(int64(len(events)))
	return nil
}

// Close flushes remaining events and shuts down workers gracefully
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.tickerWg.Wait()

		r.mu.Lock()
		r.closed = true
		remaining := r.swapLocked()
		r.mu.Unlock()

		if r.publisher != nil && len(remaining) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			if err = r.publish(ctx, remaining); err == nil {
				r.flushedEvents.Add(int64(len(remaining)))
			}
		}

		// Workers drain whatever is already queued before exiting
		close(r.flushQueue)
		r.wg.Wait()
	})
	return err
}

// Stats contains metrics for monitoring the recorder
type Stats struct {
	TotalEvents    int64 `json:"total_events"`
	FlushedEvents  int64 `json:"flushed_events"`
	DroppedEvents  int64 `json:"dropped_events"`
	DroppedBatches int64 `json:"dropped_batches"`
	PublishErrors  int64 `json:"publish_errors"`
	BufferedEvents int   `json:"buffered_events"`
	QueuedBatches  int   `json:"queued_batches"`
}

// Stats returns current counters for the recorder
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	buffered := len(r.buffer)
	r.mu.Unlock()

	return Stats{
		TotalEvents:    r.totalEvents.Load(),
		FlushedEvents:  r.flushedEvents.Load(),
		DroppedEvents:  r.droppedEvents.Load(),
		DroppedBatches: r.droppedBatches.Load(),
		PublishErrors:  r.publishErrors.Load(),
		BufferedEvents: buffered,
		QueuedBatches:  len(r.flushQueue),
	}
}
