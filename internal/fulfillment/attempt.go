package fulfillment

import (
	"errors"
	"time"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/partner"
)

// Attempt outcome labels
const (
	OutcomeSuccess  = "success"
	OutcomeTimeout  = "timeout"
	OutcomeNoFill   = "no_fill"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// AttemptRecord describes one bid the engine actually tried
type AttemptRecord struct {
	BidID            string
	PartnerID        string
	PartnerPlacement string
	LineItemID       string
	NetworkType      ad.NetworkType
	IsProgrammatic   bool
	Start            time.Time
	End              time.Time
	// Err is nil when the attempt produced the winning ad
	Err error
}

func newAttemptRecord(bid ad.Bid, start, end time.Time, err error) AttemptRecord {
	return AttemptRecord{
		BidID:            bid.ID,
		PartnerID:        bid.PartnerID,
		PartnerPlacement: bid.PartnerPlacement,
		LineItemID:       bid.LineItemID,
		NetworkType:      bid.NetworkType(),
		IsProgrammatic:   bid.IsProgrammatic,
		Start:            start,
		End:              end,
		Err:              err,
	}
}

// Latency returns how long the attempt took
func (r AttemptRecord) Latency() time.Duration {
	return r.End.Sub(r.Start)
}

// Succeeded reports whether this attempt won
func (r AttemptRecord) Succeeded() bool {
	return r.Err == nil
}

// Outcome classifies the attempt for metrics
func (r AttemptRecord) Outcome() string {
	switch {
	case r.Err == nil:
		return OutcomeSuccess
	case errors.Is(r.Err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(r.Err, ErrSanitizationRejected):
		return OutcomeRejected
	}
	if code, ok := partner.CodeOf(r.Err); ok && code == partner.ErrorCodeNoFill {
		return OutcomeNoFill
	}
	return OutcomeError
}

// ErrorCode returns a short machine-readable code for a failed attempt
func (r AttemptRecord) ErrorCode() string {
	if r.Err == nil {
		return ""
	}
	if code, ok := partner.CodeOf(r.Err); ok {
		return string(code)
	}
	var se *SanitizationError
	if errors.As(r.Err, &se) {
		return string(se.Reason)
	}
	if errors.Is(r.Err, ErrTimeout) {
		return "TIMEOUT"
	}
	return "UNKNOWN"
}
