// Package quilterr defines the error taxonomy the rest of Quilt returns.
// Every public operation in pkg/storage, pkg/ipam, pkg/fabric, pkg/runtime,
// and pkg/engine returns either nil or an *Error so that the (out-of-scope)
// RPC transport can map failures to a wire status without re-deriving the
// kind from a string match.
package quilterr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind is a coarse category of failure.
type Kind string

const (
	InvalidArgument   Kind = "invalid_argument"
	NotFound          Kind = "not_found"
	NameConflict      Kind = "name_conflict"
	IllegalTransition Kind = "illegal_transition"
	ResourceExhausted Kind = "resource_exhausted"
	IoError           Kind = "io_error"
	NetlinkError      Kind = "netlink_error"
	PermissionDenied  Kind = "permission_denied"
	Timeout           Kind = "timeout"
	Internal          Kind = "internal"
)

// Error wraps an underlying cause with a stable Kind and an operation tag.
type Error struct {
	Kind Kind
	Op   string // e.g. "store.SetState", "fabric.Attach"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap attaches op/msg/kind context to an existing error.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// WrapNilable is Wrap, except it passes nil through unchanged. It exists so
// the final line of a method that ends "do this, then return the error" can
// be written as a single return statement.
func WrapNilable(kind Kind, op, msg string, err error) error {
	if err == nil {
		return nil
	}
	return Wrap(kind, op, msg, err)
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal for anything
// that isn't a *quilterr.Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Code maps a Kind onto the closest gRPC status code. Quilt does not
// generate or serve a gRPC service itself (the RPC transport is an
// external collaborator per the module's scope) but the kinds are defined
// in terms of codes/status-compatible semantics so that collaborator can
// translate errors without inventing its own mapping.
func Code(err error) codes.Code {
	switch KindOf(err) {
	case InvalidArgument:
		return codes.InvalidArgument
	case NotFound:
		return codes.NotFound
	case NameConflict:
		return codes.AlreadyExists
	case IllegalTransition:
		return codes.FailedPrecondition
	case ResourceExhausted:
		return codes.ResourceExhausted
	case PermissionDenied:
		return codes.PermissionDenied
	case Timeout:
		return codes.DeadlineExceeded
	case IoError, NetlinkError, Internal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}
