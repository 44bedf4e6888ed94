// Package vecerr defines the error taxonomy shared by every vecdb
// component. Every fallible operation in the engine returns an error whose
// Kind is stable across releases so callers (and the out-of-scope HTTP/RPC
// front-end) can map it to a transport status code without string matching.
package vecerr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a vecdb error. Kinds are part of the
// public contract: callers may switch on Kind but must not depend on the
// wrapped message text.
type Kind int

const (
	// Unknown is the zero value and should not be returned deliberately.
	Unknown Kind = iota
	InvalidArgument
	NotFound
	AlreadyExists
	FailedPrecondition
	Unavailable
	DataLoss
	Internal
	DeadlineExceeded
	ResourceExhausted
	PermissionDenied
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case FailedPrecondition:
		return "FailedPrecondition"
	case Unavailable:
		return "Unavailable"
	case DataLoss:
		return "DataLoss"
	case Internal:
		return "Internal"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	case ResourceExhausted:
		return "ResourceExhausted"
	case PermissionDenied:
		return "PermissionDenied"
	default:
		return "Unknown"
	}
}

// Retryable reports whether callers are documented to retry an error of
// this kind (§7: Unavailable and DeadlineExceeded are retryable).
func (k Kind) Retryable() bool {
	return k == Unavailable || k == DeadlineExceeded
}

// Error wraps an underlying cause with an operation name and a stable
// Kind, generalizing the teacher's StoreError{Op, Err} with the §7 taxonomy.
type Error struct {
	Op   string
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("vecdb: %s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("vecdb: %s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, target) match when target is an *Error with the
// same Kind, e.g. a sentinel built with New("", vecerr.NotFound, "").
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds a new *Error with the given op, kind and formatted message.
func New(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches an op and kind to an existing error. If err already is or
// wraps an *Error, that error's Kind and message are kept and kind is
// ignored. Returns nil if err is nil, mirroring the teacher's wrapError
// helper.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Op: op, Kind: existing.Kind, Msg: existing.Msg, Err: existing}
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind of err, returning Unknown if err is not (or does
// not wrap) a *vecerr.Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
