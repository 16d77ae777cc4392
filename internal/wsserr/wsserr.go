// Package wsserr defines the error taxonomy shared by the frame codec,
// handshake codec, transport and connection state machine. Codec
// functions return these sentinels (or wrap them) instead of panicking
// or leaking raw I/O errors across module boundaries.
package wsserr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure so callers can decide whether to retry,
// terminate the connection, or treat it as fatal to the server.
type Kind int

const (
	// Complete is not a failure: the operation produced a full result.
	Complete Kind = iota
	// Incomplete means the buffer does not yet hold a full unit; the
	// caller should retry once more bytes arrive. Never terminates a
	// connection by itself.
	Incomplete
	EndOfStream
	ClosedStream
	ClosedSocket
	SocketException
	DataFormatError
	InternalError
	UnsupportedFeature
	Oversize
	CancellationRequest
	Unknown
)

func (k Kind) String() string {
	switch k {
	case Complete:
		return "complete"
	case Incomplete:
		return "incomplete"
	case EndOfStream:
		return "end_of_stream"
	case ClosedStream:
		return "closed_stream"
	case ClosedSocket:
		return "closed_socket"
	case SocketException:
		return "socket_exception"
	case DataFormatError:
		return "data_format_error"
	case InternalError:
		return "internal_error"
	case UnsupportedFeature:
		return "unsupported_feature"
	case Oversize:
		return "oversize"
	case CancellationRequest:
		return "cancellation_request"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with a human-readable message and, when built by
// Wrap, an underlying cause carrying a stack trace captured via
// pkg/errors.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// New builds a taxonomy error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Wrap builds a taxonomy error of the given kind around an underlying
// cause, attaching a stack trace so the error log entry at
// the connection boundary carries context back to its origin.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: errors.WithStack(cause)}
}

// Is reports whether err carries the given Kind, unwrapping through
// standard error chains.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err. A nil err yields Complete;
// a non-nil err that carries no Kind yields Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return Complete
	}
	return Unknown
}
