// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for microloop.

package api

import (
	"errors"
	"fmt"
	"syscall"
)

// Common errors used across the library.
var (
	ErrLoopClosed        = errors.New("event loop is closed")
	ErrPoolClosed        = errors.New("worker pool is closed")
	ErrNotRegistered     = errors.New("handle is not registered")
	ErrAlreadyRegistered = errors.New("handle is already registered")
	ErrConnClosed        = errors.New("connection is closed")
	ErrSendInProgress    = errors.New("asynchronous send in progress")
	ErrTimerCancelled    = errors.New("timer is cancelled")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeKernel
	ErrCodeWouldBlock
	ErrCodeProtocol
	ErrCodeConfiguration
	ErrCodeClosed
	ErrCodeInvalidArgument
	ErrCodeInternal
)

// String returns the name of the code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeKernel:
		return "kernel"
	case ErrCodeWouldBlock:
		return "would-block"
	case ErrCodeProtocol:
		return "protocol"
	case ErrCodeConfiguration:
		return "configuration"
	case ErrCodeClosed:
		return "closed"
	case ErrCodeInvalidArgument:
		return "invalid-argument"
	default:
		return "internal"
	}
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap creates a structured error around cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := NewError(code, message)
	e.Err = cause
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KernelError is an unexpected failure of a system call.
type KernelError struct {
	Op    string
	Errno syscall.Errno
}

func (e *KernelError) Error() string {
	return e.Op + ": " + e.Errno.Error()
}

// Unwrap returns the errno so errors.Is matches against unix.Exxx values.
func (e *KernelError) Unwrap() error {
	return e.Errno
}

// NewKernelError wraps err as returned by the syscall named op. Errors that
// are not an errno are wrapped with fmt.Errorf instead.
func NewKernelError(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &KernelError{Op: op, Errno: errno}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsWouldBlock reports whether err means the operation must be retried on
// the next readiness notification.
func IsWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// CodeOf classifies err into an ErrorCode.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if IsWouldBlock(err) {
		return ErrCodeWouldBlock
	}
	var ke *KernelError
	if errors.As(err, &ke) {
		return ErrCodeKernel
	}
	switch {
	case errors.Is(err, ErrLoopClosed), errors.Is(err, ErrPoolClosed), errors.Is(err, ErrConnClosed):
		return ErrCodeClosed
	case errors.Is(err, ErrInvalidArgument):
		return ErrCodeInvalidArgument
	}
	return ErrCodeInternal
}
