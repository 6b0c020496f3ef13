package errorsx

import (
	"errors"
	"fmt"
)

// ReasonedError carries a machine-readable reason alongside the cause.
// Two reasoned errors match under errors.Is when their reasons agree, so a
// sentinel such as ErrCapacityExhausted matches any capacity failure.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

func (e ReasonedError) Is(target error) bool {
	t, ok := target.(ReasonedError)
	return ok && t.Reason != "" && t.Reason == e.Reason
}

// Wrap tags err with reason. The innermost reason wins: an error that is
// already reasoned comes back unchanged.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if Reason(err) != ReasonUnknown {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Wrapf builds a new reasoned error from a format string.
func Wrapf(reason ReasonCode, format string, args ...any) error {
	return ReasonedError{Err: fmt.Errorf(format, args...), Reason: reason}
}

// Reason returns the first reason found in err's chain.
func Reason(err error) ReasonCode {
	var re ReasonedError
	if err != nil && errors.As(err, &re) && re.Reason != "" {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
