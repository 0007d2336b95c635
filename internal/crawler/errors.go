package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies crawl failures.
type Kind int

// Failure kinds surfaced by strategies and the orchestrator.
const (
	KindInternal Kind = iota
	KindValidation
	KindUpstreamHTTP
	KindStaticTimeout
	KindDynamicTimeout
	KindCancelled
	KindLaunchFailure
)

// StatusClientClosedRequest is the non-standard status used for aborted crawls.
const StatusClientClosedRequest = 499

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUpstreamHTTP:
		return "upstream_http"
	case KindStaticTimeout:
		return "static_timeout"
	case KindDynamicTimeout:
		return "dynamic_timeout"
	case KindCancelled:
		return "cancelled"
	case KindLaunchFailure:
		return "launch_failure"
	default:
		return "internal"
	}
}

// Error is a classified crawl failure. Timing carries whatever the failing
// strategy measured before it stopped.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
	Timing  *Timing
	// Timings is filled by the orchestrator with every strategy's partials.
	Timings *Timings
	// Prior is an earlier failure absorbed before this one surfaced.
	Prior error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the failure onto the status code returned to clients.
func (e *Error) HTTPStatus() int {
	if e.Status > 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindStaticTimeout, KindDynamicTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return StatusClientClosedRequest
	case KindUpstreamHTTP:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewError builds a classified error.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation reports a request that failed boundary checks.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// UpstreamHTTP reports a non-2xx response from the target site.
func UpstreamHTTP(status int) *Error {
	return &Error{
		Kind:    KindUpstreamHTTP,
		Status:  status,
		Message: fmt.Sprintf("Request failed with status %d", status),
	}
}

// Cancelled reports a crawl attempt that was superseded or aborted.
func Cancelled(message string) *Error {
	return &Error{Kind: KindCancelled, Message: message}
}

// KindOf returns the kind of err, or KindInternal when unclassified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsCancelled reports whether err is a cancellation-kind failure.
func IsCancelled(err error) bool {
	return err != nil && KindOf(err) == KindCancelled
}

// TimingOf returns the partial timing attached to err, if any.
func TimingOf(err error) *Timing {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Timing
	}
	return nil
}

// WithTiming attaches t to err, classifying it as internal when needed.
func WithTiming(err error, t Timing) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		ce.Timing = &t
		return ce
	}
	return &Error{Kind: KindInternal, Err: err, Timing: &t}
}
