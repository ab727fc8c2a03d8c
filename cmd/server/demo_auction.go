package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/auction"
)

// demoAuction answers auctions locally with one bid per partner, in the
// placement's configured waterfall order or registry order
type demoAuction struct {
	waterfalls map[string][]string
	prices     map[string]decimal.Decimal
	partners   func() []string
}

func newDemoAuction(placements []PlacementConfig, partners []PartnerConfig, registered func() []string) *demoAuction {
	d := &demoAuction{
		waterfalls: make(map[string][]string, len(placements)),
		prices:     make(map[string]decimal.Decimal, len(partners)),
		partners:   registered,
	}
	for _, p := range placements {
		if len(p.Waterfall) > 0 {
			d.waterfalls[p.Name] = p.Waterfall
		}
	}
	for _, p := range partners {
		if p.Price > 0 {
			d.prices[p.ID] = decimal.NewFromFloat(p.Price)
		}
	}
	return d
}

// Auction implements loader.Auctioneer
func (d *demoAuction) Auction(ctx context.Context, req ad.Request, loadID string) (*auction.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	order, ok := d.waterfalls[req.Placement]
	if !ok {
		order = d.partners()
	}

	auctionID := uuid.NewString()
	bids := make([]ad.Bid, 0, len(order))
	for _, partnerID := range order {
		bid := ad.Bid{
			ID:               uuid.NewString(),
			PartnerID:        partnerID,
			PartnerPlacement: req.Placement + "-" + partnerID,
			AuctionID:        auctionID,
			Size:             req.Size,
		}
		// Priced entries behave like bidding, the rest like waterfall line items
		if price, ok := d.prices[partnerID]; ok {
			bid.ClearingPrice = &price
			bid.IsProgrammatic = true
		} else {
			bid.LineItemID = "demo-line-item-" + partnerID
			bid.LineItemName = "Demo waterfall " + partnerID
		}
		bids = append(bids, bid)
	}

	return &auction.Response{AuctionID: auctionID, Bids: bids}, nil
}
