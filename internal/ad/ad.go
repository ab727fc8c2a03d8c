// Package ad defines the value types shared by the mediation client
package ad

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Format is the ad format requested for a placement
type Format string

const (
	FormatInterstitial         Format = "interstitial"
	FormatRewarded             Format = "rewarded"
	FormatRewardedInterstitial Format = "rewarded_interstitial"
	FormatBanner               Format = "banner"
	FormatAdaptiveBanner       Format = "adaptive_banner"
)

// Valid reports whether f is a known format
func (f Format) Valid() bool {
	switch f {
	case FormatInterstitial, FormatRewarded, FormatRewardedInterstitial, FormatBanner, FormatAdaptiveBanner:
		return true
	}
	return false
}

// IsBanner reports whether ads of this format render into an inline view
func (f Format) IsBanner() bool {
	return f == FormatBanner || f == FormatAdaptiveBanner
}

// IsFullscreen reports whether ads of this format are presented full screen
func (f Format) IsFullscreen() bool {
	return f.Valid() && !f.IsBanner()
}

// SizeType tells whether a banner size is fixed or adaptive
type SizeType int

const (
	SizeTypeFixed SizeType = iota
	SizeTypeAdaptive
)

func (t SizeType) String() string {
	if t == SizeTypeAdaptive {
		return "adaptive"
	}
	return "fixed"
}

// Size is a banner size in points. A zero Height on a request means
// "any height" for adaptive banners.
type Size struct {
	Width  float64  `json:"w"`
	Height float64  `json:"h"`
	Type   SizeType `json:"type"`
}

// FixedSize returns a fixed size
func FixedSize(width, height float64) Size {
	return Size{Width: width, Height: height, Type: SizeTypeFixed}
}

// AdaptiveSize returns an adaptive size
func AdaptiveSize(width, height float64) Size {
	return Size{Width: width, Height: height, Type: SizeTypeAdaptive}
}

// Standard IAB banner sizes
var (
	SizeStandard    = FixedSize(320, 50)
	SizeMediumRect  = FixedSize(300, 250)
	SizeLeaderboard = FixedSize(728, 90)
)

// Exceeds reports whether s is larger than bounds. Height only counts
// when bounds carries a positive height.
func (s Size) Exceeds(bounds Size) bool {
	if s.Width > bounds.Width {
		return true
	}
	return bounds.Height > 0 && s.Height > bounds.Height
}

func (s Size) String() string {
	return fmt.Sprintf("%gx%g", s.Width, s.Height)
}

// NetworkType distinguishes waterfall line items from real-time bids
type NetworkType string

const (
	NetworkTypeBidding   NetworkType = "bidding"
	NetworkTypeMediation NetworkType = "mediation"
)

// Bid is one ranked candidate returned by the auction
type Bid struct {
	ID               string                 `json:"id"`
	PartnerID        string                 `json:"partner_id"`
	PartnerPlacement string                 `json:"partner_placement"`
	AuctionID        string                 `json:"auction_id"`
	LineItemID       string                 `json:"line_item_id,omitempty"`
	LineItemName     string                 `json:"line_item_name,omitempty"`
	AdMarkup         string                 `json:"adm,omitempty"`
	Size             *Size                  `json:"size,omitempty"`
	ClearingPrice    *decimal.Decimal       `json:"clearing_price,omitempty"`
	IsProgrammatic   bool                   `json:"is_programmatic"`
	PartnerSettings  map[string]interface{} `json:"partner_settings,omitempty"`
}

// NetworkType derives the network type from the presence of a line item.
// Line-item entries come from the mediation waterfall; everything else is bidding.
func (b Bid) NetworkType() NetworkType {
	if b.LineItemID != "" {
		return NetworkTypeMediation
	}
	return NetworkTypeBidding
}

// Surface is the host UI surface (view controller) used for rendering.
// The mediation core never inspects it.
type Surface interface{}

// Request is the immutable request that spawned a load
type Request struct {
	Format          Format
	Size            *Size // nil for fullscreen formats
	Placement       string
	Keywords        map[string]string
	PartnerSettings map[string]interface{}
	LoadID          string
	Surface         Surface
}

// Validate checks the request is internally consistent
func (r Request) Validate() error {
	if r.Placement == "" {
		return fmt.Errorf("placement is required")
	}
	if !r.Format.Valid() {
		return fmt.Errorf("unknown ad format %q", r.Format)
	}
	if r.Format.IsBanner() {
		if r.Size == nil {
			return fmt.Errorf("banner placement %q requires a size", r.Placement)
		}
		if r.Size.Width <= 0 {
			return fmt.Errorf("banner placement %q has invalid width %g", r.Placement, r.Size.Width)
		}
	}
	return nil
}
