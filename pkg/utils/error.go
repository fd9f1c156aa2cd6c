package utils

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrAlreadyProcessed  = fmt.Errorf("Slice already processed")
	ErrBadRequest        = fmt.Errorf("Bad request")
	ErrInvalidConfig     = fmt.Errorf("Invalid configuration")
	ErrNoWorker          = fmt.Errorf("No worker available")
	ErrNotFound          = fmt.Errorf("Not found")
	ErrShutdown          = fmt.Errorf("Shutting down")
	ErrTerminalExecution = fmt.Errorf("Execution is terminal")
)

// Code carried by request/response timeouts.
const TimeoutCode = "MESSAGING_TIMEOUT"

type DetailedError interface {
	error
	Details() string
}

// ChainError is a contextual message wrapping the error that caused it.
type ChainError struct {
	Message string
	Cause   error
}

// Wrap err with a formatted message. Returns nil if err is nil.
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &ChainError{
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

func (e *ChainError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *ChainError) Unwrap() error {
	return e.Cause
}

// Details lists the message of every error in the chain, outermost first.
func (e *ChainError) Details() string {
	return ErrorSummary(e)
}

// A request that did not receive a response in time.
type TimeoutError struct {
	MsgID   string
	Type    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Timed out after %v waiting for response to %s (%s)", e.Timeout, e.Type, e.MsgID)
}

func (e *TimeoutError) Code() string {
	return TimeoutCode
}

// Returns true if err is, or wraps, a request/response timeout.
func IsTimeout(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}

// An error reported by the remote peer in a response.
type RemoteError struct {
	Source  string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Source == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (reported by %s)", e.Message, e.Source)
}

// Renders the error chain as one line per cause.
// Joined errors are flattened in order.
func ErrorSummary(err error) string {
	if err == nil {
		return ""
	}

	lines := []string{}
	var walk func(err error, depth int)
	walk = func(err error, depth int) {
		for err != nil {
			if joined, ok := err.(interface{ Unwrap() []error }); ok {
				for _, e := range joined.Unwrap() {
					walk(e, depth)
				}
				return
			}

			msg := err.Error()
			if chain, ok := err.(*ChainError); ok {
				msg = chain.Message
			}
			lines = append(lines, strings.Repeat("  ", depth)+msg)

			err = errors.Unwrap(err)
			depth++
		}
	}
	walk(err, 0)

	return strings.Join(lines, "\n")
}

// Convert errors to errors with grpc status codes
func GrpcError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrNoWorker):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrShutdown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrInvalidConfig):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrTerminalExecution):
		return status.Error(codes.FailedPrecondition, err.Error())
	case IsTimeout(err):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return err
}
