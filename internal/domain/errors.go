package domain

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindTransient   ErrorKind = "transient"
	KindFatal       ErrorKind = "fatal"
	KindExhausted   ErrorKind = "exhausted"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindTimeout     ErrorKind = "timeout"
	KindPanic       ErrorKind = "panic"
)

var (
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrRetriesExhausted = errors.New("no result after retries")
	ErrNoResponse       = errors.New("broker returned no response")
	ErrDispatchTimeout  = errors.New("dispatch wait timed out")
	ErrNotConnected     = errors.New("broker not connected")
)

// ValidationError rejects a signal before anything is dispatched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "rejected: " + e.Reason
}

// AdapterError is returned by broker adapters so the retry layer can tell a
// network hiccup from a semantic rejection.
type AdapterError struct {
	Kind    ErrorKind
	Broker  Broker
	Code    string
	Message string
	Err     error
}

func (e *AdapterError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s error %s: %s", e.Broker, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s %s error: %s", e.Broker, e.Kind, msg)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func Transient(broker Broker, code, message string, err error) *AdapterError {
	return &AdapterError{Kind: KindTransient, Broker: broker, Code: code, Message: message, Err: err}
}

func Fatal(broker Broker, code, message string) *AdapterError {
	return &AdapterError{Kind: KindFatal, Broker: broker, Code: code, Message: message}
}

func IsFatal(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Kind == KindFatal
}

// IsTransient treats anything that is not an explicit semantic rejection as
// retryable, including absent responses and network errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRetriesExhausted) {
		return false
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind == KindTransient
	}
	return true
}

// KindOf maps an error onto the result taxonomy reported to callers.
func KindOf(err error) ErrorKind {
	var ve *ValidationError
	var ae *AdapterError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return KindValidation
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrRetriesExhausted):
		return KindExhausted
	case errors.Is(err, ErrDispatchTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &ae):
		return ae.Kind
	default:
		return KindTransient
	}
}
