// Package errs defines the small set of sentinel error codes shared across
// the scheduler, health monitor, and connection pool/failover manager.
package errs

import "errors"

// Code classifies an error so callers can branch with errors.As instead of
// string matching.
type Code int

const (
	Unknown Code = iota
	NotFound
	InvalidArgument
	Timeout
	PoolExhausted
	PoolClosed
	EndpointUnavailable
	TaskExecutionError
	NodeFailure
	TransportError
	CallbackError
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "NotFound"
	case InvalidArgument:
		return "InvalidArgument"
	case Timeout:
		return "Timeout"
	case PoolExhausted:
		return "PoolExhausted"
	case PoolClosed:
		return "PoolClosed"
	case EndpointUnavailable:
		return "EndpointUnavailable"
	case TaskExecutionError:
		return "TaskExecutionError"
	case NodeFailure:
		return "NodeFailure"
	case TransportError:
		return "TransportError"
	case CallbackError:
		return "CallbackError"
	default:
		return "Unknown"
	}
}

// CodedError pairs a Code with an underlying cause, allowing errors.As to
// recover the code and errors.Unwrap to recover the cause.
type CodedError struct {
	Code Code
	Msg  string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return e.Code.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Code.String() + ": " + e.Msg
}

func (e *CodedError) Unwrap() error { return e.Err }

// New constructs a CodedError with no wrapped cause.
func New(code Code, msg string) error {
	return &CodedError{Code: code, Msg: msg}
}

// Wrap constructs a CodedError wrapping err.
func Wrap(code Code, msg string, err error) error {
	return &CodedError{Code: code, Msg: msg, Err: err}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

var (
	// ErrNotFound is returned for unknown task/node/endpoint ids.
	ErrNotFound = New(NotFound, "not found")
	// ErrTimeout is returned when a bounded wait elapses.
	ErrTimeout = New(Timeout, "timed out")
)
