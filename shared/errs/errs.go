package errs

import (
	"errors"
	"fmt"
)

var (
	ErrBadRequest         = errors.New("bad request")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrInternal           = errors.New("internal error")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")

	ErrMalformedMessage  = errors.New("malformed message")
	ErrMalformedEvent    = errors.New("malformed channel event")
	ErrSendFailed        = errors.New("send failed")
	ErrSendTimeout       = errors.New("send not acknowledged")
	ErrNoConversation    = errors.New("no active conversation")
	ErrChannelClosed     = errors.New("channel closed")
	ErrIllegalTransition = errors.New("illegal channel transition")
	ErrUnsupportedMedia  = errors.New("unsupported media type")
	ErrControllerClosed  = errors.New("controller closed")
)

// TransportError is returned for non-2xx HTTP responses.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FromStatus maps an HTTP status to the closest sentinel.
func FromStatus(status int) error {
	switch {
	case status == 400 || status == 422:
		return ErrBadRequest
	case status == 401 || status == 403:
		return ErrUnauthorized
	case status == 404:
		return ErrNotFound
	case status == 429:
		return ErrRateLimited
	case status == 503:
		return ErrServiceUnavailable
	default:
		return ErrInternal
	}
}

// Observer receives errors that are reported but not returned, such as
// discarded inbound data.
type Observer interface {
	Observe(err error)
}

type ObserverFunc func(err error)

func (f ObserverFunc) Observe(err error) { f(err) }

// Discard is an Observer that drops everything.
var Discard Observer = ObserverFunc(func(error) {})
