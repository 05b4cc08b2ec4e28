package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind names a class of failure in the crawl pipeline.
type ErrorKind string

// Error kinds. The kind decides whether an operation is retried and how far
// a failure propagates.
const (
	KindUnknown                 ErrorKind = "unknown"
	KindTransientFetch          ErrorKind = "transient_fetch"
	KindPermanentFetch          ErrorKind = "permanent_fetch"
	KindMalformedListing        ErrorKind = "malformed_listing"
	KindNormalization           ErrorKind = "normalization"
	KindPersistenceConflict     ErrorKind = "persistence_conflict"
	KindPersistenceConnectivity ErrorKind = "persistence_connectivity"
	KindPersistenceRejected     ErrorKind = "persistence_rejected"
	KindFatalConfig             ErrorKind = "fatal_config"
)

// Error attaches a kind and context to an underlying failure.
type Error struct {
	Kind ErrorKind
	Op   string
	// Ref is the URL or natural key the failure concerns.
	Ref string
	Err error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Ref != "" {
		msg += " " + e.Ref
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an *Error.
func NewError(kind ErrorKind, op, ref string, err error) *Error {
	return &Error{Kind: kind, Op: op, Ref: ref, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind carried by err, looking through wrapping. Status
// errors are mapped by code.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Kind()
	}
	return KindUnknown
}

// StatusError reports a non-success HTTP response from an adapter.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// Kind maps the status code onto the fetch taxonomy. Rate limiting and
// request timeouts are transient like server errors.
func (e *StatusError) Kind() ErrorKind {
	switch {
	case e.Code == http.StatusTooManyRequests, e.Code == http.StatusRequestTimeout:
		return KindTransientFetch
	case e.Code >= 500:
		return KindTransientFetch
	case e.Code >= 400:
		return KindPermanentFetch
	default:
		return KindMalformedListing
	}
}

// IsThrottled reports whether err carries a response asking the client to
// slow down.
func IsThrottled(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusTooManyRequests || se.Code == http.StatusServiceUnavailable
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatalConfig
}
