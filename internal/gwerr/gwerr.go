// Package gwerr defines the error kinds shared by every gateway component.
package gwerr

import (
	"errors"
	"fmt"
)

// Error kinds. Compare with errors.Is.
var (
	ErrConfig          = errors.New("invalid configuration")
	ErrNoRoute         = errors.New("no route matched")
	ErrACLRejected     = errors.New("rejected by access list")
	ErrRateLimited     = errors.New("rate limited")
	ErrNoHost          = errors.New("no available host")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUpstream        = errors.New("upstream failure")
	ErrCacheBackend    = errors.New("cache backend failure")
	ErrPayloadMismatch = errors.New("stage payload mismatch")
)

var kinds = []error{
	ErrConfig, ErrNoRoute, ErrACLRejected, ErrRateLimited, ErrNoHost,
	ErrUpstreamTimeout, ErrUpstream, ErrCacheBackend, ErrPayloadMismatch,
}

// Error carries a kind plus the operation that produced it.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// New wraps err (may be nil) under kind.
func New(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf wraps a formatted message under kind.
func Errorf(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the kind name for logging, or "internal" if err carries
// no known kind.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal"
}
