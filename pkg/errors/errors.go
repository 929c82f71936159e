package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a delivery failure. The relay and coordinator branch on
// the kind, not on the concrete error value: transient failures are retried
// with backoff, permanent ones go straight to the dead-letter path.
type Kind int

const (
	// KindUnknown is the zero value for errors that carry no classification.
	KindUnknown Kind = iota

	// KindTransientBroker covers connection and publish failures expected
	// to resolve on their own (broker restart, network blip).
	KindTransientBroker

	// KindPermanentPublish covers malformed payloads and unroutable
	// messages. Never retried.
	KindPermanentPublish

	// KindIllegalTransition covers status-change events that violate the
	// saga transition table. A logical error, not a delivery error.
	KindIllegalTransition

	// KindLeaseExpired marks work whose claim lease lapsed before the
	// worker finished. The row is reclaimable by any worker.
	KindLeaseExpired

	// KindRetryExhausted marks events that hit the configured retry
	// ceiling and were moved to the dead-letter path.
	KindRetryExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransientBroker:
		return "transient_broker"
	case KindPermanentPublish:
		return "permanent_publish"
	case KindIllegalTransition:
		return "illegal_transition"
	case KindLeaseExpired:
		return "lease_expired"
	case KindRetryExhausted:
		return "retry_exhausted"
	default:
		return "unknown"
	}
}

// Error is an application error carrying a classification kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match two classified errors by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Error constructors

func TransientBroker(msg string, err error) *Error {
	return &Error{Kind: KindTransientBroker, Message: msg, Err: err}
}

func PermanentPublish(msg string, err error) *Error {
	return &Error{Kind: KindPermanentPublish, Message: msg, Err: err}
}

func IllegalTransition(msg string, err error) *Error {
	return &Error{Kind: KindIllegalTransition, Message: msg, Err: err}
}

func LeaseExpired(msg string, err error) *Error {
	return &Error{Kind: KindLeaseExpired, Message: msg, Err: err}
}

func RetryExhausted(msg string, err error) *Error {
	return &Error{Kind: KindRetryExhausted, Message: msg, Err: err}
}

// KindOf extracts the classification from anywhere in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether the error should be retried with backoff.
// Unclassified errors are treated as transient so that an unexpected
// failure never silently discards an event.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindPermanentPublish, KindIllegalTransition:
		return false
	default:
		return true
	}
}

// IsPermanent reports whether the error must bypass retry entirely.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return !IsTransient(err)
}
