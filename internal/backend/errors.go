package backend

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failed backend call.
type Kind int

const (
	KindUnavailable Kind = iota + 1
	KindTimeout
	KindRateLimited
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "ok"
	}
}

var (
	ErrUnavailable    = errors.New("backend: unavailable")
	ErrTimeout        = errors.New("backend: timeout")
	ErrRateLimited    = errors.New("backend: rate limited")
	ErrInvalidRequest = errors.New("backend: invalid request")
)

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindRateLimited:
		return ErrRateLimited
	case KindInvalidRequest:
		return ErrInvalidRequest
	default:
		return ErrUnavailable
	}
}

// Error is a classified backend failure. errors.Is matches it against the
// Err* sentinels of its kind.
type Error struct {
	Backend string
	Kind    Kind
	Err     error
}

// Failure wraps err with a kind. Providers use it before the client knows the backend name.
func Failure(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	name := e.Backend
	if name == "" {
		name = "unknown"
	}
	if e.Err == nil {
		return fmt.Sprintf("backend %s: %s", name, e.Kind)
	}
	return fmt.Sprintf("backend %s: %s: %v", name, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf classifies any error. Unclassified errors count as unavailable.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var be *Error
	if errors.As(err, &be) && be.Kind != 0 {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}
