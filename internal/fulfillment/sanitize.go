package fulfillment

import (
	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/partner"
)

// Sanitize validates a successfully loaded partner ad against the request
// and returns the resolved banner size. Fullscreen ads pass through with a
// nil size. The caller owns invalidating a rejected ad.
func Sanitize(req ad.Request, discardOversized bool, loaded partner.Ad) (*ad.Size, *SanitizationError) {
	if !req.Format.IsBanner() {
		return nil, nil
	}

	partnerID := loaded.Request().PartnerID

	if loaded.View() == nil {
		return nil, &SanitizationError{PartnerID: partnerID, Reason: ReasonNoView}
	}

	banner, ok := loaded.(partner.BannerAd)
	if !ok {
		return nil, &SanitizationError{PartnerID: partnerID, Reason: ReasonUnexpectedType}
	}

	size := resolveSize(banner.BannerSize(), req.Size)

	if discardOversized && size != nil && req.Size != nil && size.Exceeds(*req.Size) {
		bounds := *req.Size
		return nil, &SanitizationError{
			PartnerID: partnerID,
			Reason:    ReasonTooLarge,
			Size:      size,
			Bounds:    &bounds,
		}
	}

	return size, nil
}

// resolveSize prefers the partner-reported size. Adapters that predate size
// reporting are assumed to have rendered exactly the requested fixed size.
func resolveSize(reported, requested *ad.Size) *ad.Size {
	if reported != nil {
		size := *reported
		return &size
	}
	if requested == nil {
		return nil
	}
	size := ad.FixedSize(requested.Width, requested.Height)
	return &size
}
