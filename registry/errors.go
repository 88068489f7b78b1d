package registry

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// ErrorKind buckets registry failures so that callers and log readers can
// tell a timeout from a transport failure from an unexpected status code.
type ErrorKind string

const (
	KindUnknown  ErrorKind = "unknown"
	KindTimeout  ErrorKind = "timeout"
	KindNetwork  ErrorKind = "network"
	KindProtocol ErrorKind = "protocol"
	KindAuth     ErrorKind = "auth"
	KindNotFound ErrorKind = "not_found"
	KindClone    ErrorKind = "clone"
)

// Error is a classified registry operation failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind returns the classification of err.
func Kind(err error) ErrorKind {
	if rerr, ok := err.(*Error); ok {
		return rerr.Kind
	}

	return KindUnknown
}

// transportError classifies an error returned by the HTTP client. A deadline
// expiry becomes a timeout error naming the configured duration, everything
// else is a network failure.
func transportError(err error, timeout time.Duration) *Error {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return &Error{Kind: KindTimeout, Err: errors.Errorf("request timed out after %s", timeout)}
	}

	return &Error{Kind: KindNetwork, Err: err}
}
