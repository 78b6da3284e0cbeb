package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies task failures for retry decisions
type ErrorKind string

const (
	ErrorKindTransient        ErrorKind = "transient"
	ErrorKindPermanent        ErrorKind = "permanent"
	ErrorKindInvalidInput     ErrorKind = "invalid_input"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindCanceled         ErrorKind = "canceled"
	ErrorKindHandlerNotFound  ErrorKind = "handler_not_found"
	ErrorKindHeartbeatTimeout ErrorKind = "heartbeat_timeout"
)

// TaskError is the structured error recorded on a failed task. Handlers
// return classified errors; anything unclassified is treated as permanent.
type TaskError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Attempt   int       `json:"attempt,omitempty"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewTransientError builds a retryable error
func NewTransientError(format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: ErrorKindTransient, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// NewPermanentError builds a non-retryable error
func NewPermanentError(format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: ErrorKindPermanent, Message: fmt.Sprintf(format, args...), Retryable: false}
}

// NewInvalidInputError builds a non-retryable precondition error
func NewInvalidInputError(format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: ErrorKindInvalidInput, Message: fmt.Sprintf(format, args...), Retryable: false}
}

// NewTimeoutError builds the error recorded when a handler exceeds its
// wall-clock deadline. Timeouts are retried like transient failures.
func NewTimeoutError(format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: ErrorKindTimeout, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// NewCanceledError builds the terminal error for cascade-canceled tasks
func NewCanceledError(message string) *TaskError {
	return &TaskError{Kind: ErrorKindCanceled, Message: message, Retryable: false}
}

// ClassifyError converts an arbitrary handler error into a TaskError.
// Classified errors pass through; everything else becomes permanent.
func ClassifyError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return &TaskError{Kind: ErrorKindPermanent, Message: err.Error(), Retryable: false}
}
