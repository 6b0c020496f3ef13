package errorsx

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound is returned when a call id has no live session.
	ErrSessionNotFound = ReasonedError{Err: errors.New("session not found"), Reason: ReasonSessionNotFound}
	// ErrCapacityExhausted is returned when the session store cannot admit another call.
	ErrCapacityExhausted = ReasonedError{Err: errors.New("session capacity exhausted"), Reason: ReasonCapacityExhausted}
	// ErrCallTerminated is returned when a call goes away while work is still in flight.
	ErrCallTerminated = ReasonedError{Err: errors.New("call terminated unexpectedly"), Reason: ReasonCallTerminatedUnexpectedly}
	// ErrLowConfidence marks caller input that fell below the acceptance threshold.
	ErrLowConfidence = ReasonedError{Err: errors.New("low confidence input"), Reason: ReasonLowConfidenceInput}
)

// Provider classifies a collaborator failure as ProviderTimeout or ProviderError.
// Errors that already carry a reason keep it, except that deadline expiry always
// wins so callers can tell a slow vendor from a broken one.
func Provider(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if HasReason(err, ReasonProviderTimeout) {
			return err
		}
		return ReasonedError{Err: err, Reason: ReasonProviderTimeout}
	}
	return Wrap(err, ReasonProviderError)
}

// IsTimeout reports whether err was classified as a provider timeout.
func IsTimeout(err error) bool {
	return HasReason(err, ReasonProviderTimeout) || errors.Is(err, context.DeadlineExceeded)
}
