package fulfillment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/thenexusengine/tne_mediation/internal/ad"
)

var (
	// ErrNoFill matches every terminal "nothing could be loaded" result
	ErrNoFill = errors.New("no fill")

	// ErrNoBids is returned when the auction produced no bids at all
	ErrNoBids = fmt.Errorf("no bids to fulfill: %w", ErrNoFill)

	// ErrAlreadyRun is returned when Run is called more than once
	ErrAlreadyRun = errors.New("fulfillment engine already run")

	// ErrAborted is returned when the run's context ends mid-waterfall
	ErrAborted = errors.New("fulfillment aborted")

	// ErrTimeout matches every TimeoutError
	ErrTimeout = errors.New("partner load timed out")

	// ErrSanitizationRejected matches every SanitizationError
	ErrSanitizationRejected = errors.New("partner ad rejected")
)

// TimeoutError reports a partner that did not finish loading in time
type TimeoutError struct {
	PartnerID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("partner %s did not load within %s", e.PartnerID, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) work
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// SanitizationReason says why a partner ad was rejected
type SanitizationReason string

const (
	ReasonNoView         SanitizationReason = "no_view"
	ReasonUnexpectedType SanitizationReason = "unexpected_type"
	ReasonTooLarge       SanitizationReason = "too_large"
)

// SanitizationError reports a partner ad that loaded but cannot be used
type SanitizationError struct {
	PartnerID string
	Reason    SanitizationReason
	Size      *ad.Size // resolved size, set for ReasonTooLarge
	Bounds    *ad.Size // requested size, set for ReasonTooLarge
}

func (e *SanitizationError) Error() string {
	switch e.Reason {
	case ReasonNoView:
		return fmt.Sprintf("partner %s returned a banner with no renderable view", e.PartnerID)
	case ReasonUnexpectedType:
		return fmt.Sprintf("partner %s returned an ad that is not a banner", e.PartnerID)
	case ReasonTooLarge:
		return fmt.Sprintf("partner %s returned a %s ad for a %s slot", e.PartnerID, e.Size, e.Bounds)
	}
	return fmt.Sprintf("partner %s ad rejected: %s", e.PartnerID, e.Reason)
}

// Is makes errors.Is(err, ErrSanitizationRejected) work
func (e *SanitizationError) Is(target error) bool {
	return target == ErrSanitizationRejected
}

// ExhaustedError is returned when every bid was attempted and failed.
// Errors holds one entry per attempt, in attempt order.
type ExhaustedError struct {
	Errors []error
}

func (e *ExhaustedError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all %d bids failed: [%s]", len(e.Errors), strings.Join(msgs, "; "))
}

// Is makes errors.Is(err, ErrNoFill) work
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrNoFill
}

// Unwrap exposes the per-attempt errors to errors.Is and errors.As
func (e *ExhaustedError) Unwrap() []error {
	return e.Errors
}
