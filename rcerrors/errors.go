// Package rcerrors defines the closed set of error kinds a perron client
// call can fail with, and the typed error that carries request/response/
// timing context alongside a kind.
package rcerrors

import (
	"fmt"
	"strings"

	"github.com/zalando-incubator/perron-go/timing"
)

// Kind discriminates the taxonomy of terminal failures a call can produce.
type Kind string

const (
	KindBodyParseFailed      Kind = "BODY_PARSE_FAILED"
	KindNetwork              Kind = "NETWORK"
	KindConnectionTimeout    Kind = "CONNECTION_TIMEOUT"
	KindReadTimeout          Kind = "READ_TIMEOUT"
	KindUserTimeout          Kind = "USER_TIMEOUT"
	KindBodyStream           Kind = "BODY_STREAM"
	KindRequestFilterFailed  Kind = "REQUEST_FILTER_FAILED"
	KindResponseFilterFailed Kind = "RESPONSE_FILTER_FAILED"
	KindCircuitOpen          Kind = "CIRCUIT_OPEN"
	KindShouldRetryRejected  Kind = "SHOULD_RETRY_REJECTED"
	KindMaxRetriesReached    Kind = "MAX_RETRIES_REACHED"
	KindInternal             Kind = "INTERNAL_ERROR"
)

// IsRequestFailed reports whether kind is one of the HTTP-attempt-level
// kinds grouped under REQUEST_FAILED.
func (k Kind) IsRequestFailed() bool {
	switch k {
	case KindNetwork, KindConnectionTimeout, KindReadTimeout, KindUserTimeout, KindBodyStream:
		return true
	default:
		return false
	}
}

// Params is the minimal request-params surface an Error can attach.
type Params struct {
	Method   string
	Hostname string
	Path     string
}

// Response is the minimal response surface an Error can attach, used so a
// caller can inspect e.g. a failed JSON body without importing the root
// package.
type Response struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// Error is the single error type surfaced to callers of this library.
type Error struct {
	Kind        Kind
	ClientName  string
	Cause       error
	Params      *Params
	Response    *Response
	Timings     *timing.Timings
	RetryErrors []error
}

// New builds an Error, formatting its message as
// "<client-name>: <kind>. <cause-message>" with trailing whitespace trimmed
// when cause has no message.
func New(clientName string, kind Kind, cause error) *Error {
	return &Error{ClientName: clientName, Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s.", e.ClientName, e.Kind)
	if e.Cause != nil {
		if cm := e.Cause.Error(); cm != "" {
			msg = msg + " " + cm
		}
	}
	return strings.TrimRight(msg, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithParams attaches the offending request params and returns e for
// chaining.
func (e *Error) WithParams(p *Params) *Error {
	e.Params = p
	return e
}

// WithResponse attaches the partial response, when one exists.
func (e *Error) WithResponse(r *Response) *Error {
	e.Response = r
	return e
}

// WithTimings attaches the attempt's timings.
func (e *Error) WithTimings(t *timing.Timings) *Error {
	e.Timings = t
	return e
}

// WithRetryErrors attaches the aggregated, oldest-first sequence of errors
// observed across prior attempts in the same call.
func (e *Error) WithRetryErrors(errs []error) *Error {
	e.RetryErrors = errs
	return e
}

// As reports whether err is (or wraps) an *Error, mirroring errors.As for
// callers who don't want to import the stdlib errors package directly.
func As(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// Wrap turns any error that is not already a typed *Error into one with
// kind INTERNAL_ERROR. If err is already an *Error, it is returned
// unchanged.
func Wrap(clientName string, err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return New(clientName, KindInternal, err)
}
