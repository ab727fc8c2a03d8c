// Package partner provides the partner adapter framework and load routing
package partner

import (
	"context"

	"github.com/thenexusengine/tne_mediation/internal/ad"
)

// Adapter defines the interface implemented by every partner SDK adapter
type Adapter interface {
	// PartnerID returns the identifier bids use to address this partner
	PartnerID() string

	// Load materializes an ad for a single bid. Implementations must return
	// promptly once ctx is canceled.
	Load(ctx context.Context, req LoadRequest, surface ad.Surface, delegate EventDelegate) (Ad, error)

	// Show presents a loaded fullscreen ad
	Show(ctx context.Context, a Ad, surface ad.Surface) error

	// Invalidate releases partner resources held by a loaded ad
	Invalidate(a Ad) error
}

// LoadRequest is what a partner adapter receives for one bid
type LoadRequest struct {
	Identifier       string // unique per load attempt
	LoadID           string
	AuctionID        string
	PartnerID        string
	PartnerPlacement string
	Placement        string
	Format           ad.Format
	Size             *ad.Size
	AdMarkup         string
	Keywords         map[string]string
	PartnerSettings  map[string]interface{}
}

// IsProgrammatic reports whether the request carries bid markup
func (r LoadRequest) IsProgrammatic() bool {
	return r.AdMarkup != ""
}

// Ad is a partner-produced ad handle
type Ad interface {
	// Request returns the request the ad was loaded for
	Request() LoadRequest

	// View returns the renderable view for inline formats, nil otherwise
	View() interface{}
}

// BannerAd is implemented by ads that render inline
type BannerAd interface {
	Ad

	// BannerSize returns the size the partner rendered, or nil when the
	// adapter does not report one
	BannerSize() *ad.Size
}

// EventDelegate receives lifecycle events for loaded ads
type EventDelegate interface {
	DidTrackImpression(a Ad)
	DidClick(a Ad)
	DidReward(a Ad)
	DidDismiss(a Ad, err error)
	DidExpire(a Ad)
}

// NopDelegate discards all events
type NopDelegate struct{}

func (NopDelegate) DidTrackImpression(Ad) {}
func (NopDelegate) DidClick(Ad) {}
func (NopDelegate) DidReward(Ad) {}
func (NopDelegate) DidDismiss(Ad, error) {}
func (NopDelegate) DidExpire(Ad) {}
