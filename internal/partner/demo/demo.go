// Package demo implements a simulated partner that loads mock ads.
// This is useful for exercising the waterfall without real partner SDKs.
package demo

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/partner"
)

// PartnerID is the ID the default demo adapter registers under
const PartnerID = "demo"

// Config controls the simulated partner's behavior
type Config struct {
	PartnerID string
	// FillRate is the probability of returning an ad (0.0-1.0)
	FillRate float64
	// Latency is how long a load takes
	Latency time.Duration
	// ReportSize controls whether banner ads report their rendered size
	ReportSize bool
	// SizeOverride, when set, is reported instead of the requested size
	SizeOverride *ad.Size
}

// DefaultConfig returns the default demo behavior
func DefaultConfig() Config {
	return Config{
		PartnerID:  PartnerID,
		FillRate:   0.80,
		Latency:    50 * time.Millisecond,
		ReportSize: true,
	}
}

// Adapter is a simulated partner adapter
type Adapter struct {
	config Config

	mu     sync.Mutex
	rng    *rand.Rand
	loaded map[string]*Ad
}

// New creates a demo adapter
func New(cfg Config) *Adapter {
	if cfg.PartnerID == "" {
		cfg.PartnerID = PartnerID
	}
	return &Adapter{
		config: cfg,
		// #nosec G404 -- math/rand is acceptable for simulated fill decisions
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		loaded: make(map[string]*Ad),
	}
}

// PartnerID implements partner.Adapter
func (a *Adapter) PartnerID() string {
	return a.config.PartnerID
}

// Load simulates an SDK load, honoring cancellation
func (a *Adapter) Load(ctx context.Context, req partner.LoadRequest, _ ad.Surface, delegate partner.EventDelegate) (partner.Ad, error) {
	if a.config.Latency > 0 {
		timer := time.NewTimer(a.config.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	a.mu.Lock()
	fill := a.rng.Float64() < a.config.FillRate
	a.mu.Unlock()
	if !fill {
		return nil, partner.NewNoFillError(a.config.PartnerID)
	}

	loaded := &Ad{request: req, delegate: delegate}
	if req.Format.IsBanner() {
		loaded.view = fmt.Sprintf("demo-view-%s", req.Identifier)
		if a.config.ReportSize {
			switch {
			case a.config.SizeOverride != nil:
				size := *a.config.SizeOverride
				loaded.size = &size
			case req.Size != nil:
				size := ad.FixedSize(req.Size.Width, req.Size.Height)
				if size.Height == 0 {
					size.Height = 50
				}
				loaded.size = &size
			}
		}
	}

	a.mu.Lock()
	a.loaded[req.Identifier] = loaded
	a.mu.Unlock()

	return loaded, nil
}

// Show simulates presenting a fullscreen ad: impression, then dismiss
func (a *Adapter) Show(_ context.Context, pa partner.Ad, _ ad.Surface) error {
	loaded, ok := pa.(*Ad)
	if !ok {
		return fmt.Errorf("unexpected ad type %T", pa)
	}

	a.mu.Lock()
	_, live := a.loaded[loaded.request.Identifier]
	a.mu.Unlock()
	if !live {
		return fmt.Errorf("ad %s is no longer loaded", loaded.request.Identifier)
	}

	if loaded.delegate != nil {
		loaded.delegate.DidTrackImpression(loaded)
		if loaded.request.Format == ad.FormatRewarded || loaded.request.Format == ad.FormatRewardedInterstitial {
			loaded.delegate.DidReward(loaded)
		}
		loaded.delegate.DidDismiss(loaded, nil)
	}
	return nil
}

// Invalidate drops the loaded ad
func (a *Adapter) Invalidate(pa partner.Ad) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := pa.Request().Identifier
	if _, ok := a.loaded[id]; !ok {
		return fmt.Errorf("ad %s not loaded", id)
	}
	delete(a.loaded, id)
	return nil
}

// LoadedCount returns how many ads are currently held
func (a *Adapter) LoadedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.loaded)
}

// Ad is a demo partner ad
type Ad struct {
	request  partner.LoadRequest
	delegate partner.EventDelegate
	view     interface{}
	size     *ad.Size
}

// Request implements partner.Ad
func (d *Ad) Request() partner.LoadRequest { return d.request }

// View implements partner.Ad
func (d *Ad) View() interface{} { return d.view }

// BannerSize implements partner.BannerAd
func (d *Ad) BannerSize() *ad.Size { return d.size }

func init() {
	if err := partner.RegisterAdapter(New(DefaultConfig())); err != nil {
		panic(fmt.Sprintf("failed to register demo adapter: %v", err))
	}
}
