package utils

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can decide between failing a job and retrying later.
type Kind int

const (
	// KindUnknown is the zero value for errors that were not classified.
	KindUnknown Kind = iota
	// KindConfig marks fatal configuration problems. They are never retried.
	KindConfig
	// KindTransient marks store or network failures after client-level retries were exhausted.
	KindTransient
	// KindBackend marks failures raised inside a detection backend.
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransient:
		return "transient"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// AppError wraps an operation, human-facing message, failure kind, and underlying error.
type AppError struct {
	Op   string
	Msg  string
	Kind Kind
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an unclassified AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// ConfigError constructs a KindConfig AppError.
func ConfigError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindConfig, Err: err}
}

// TransientError constructs a KindTransient AppError.
func TransientError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindTransient, Err: err}
}

// BackendError constructs a KindBackend AppError.
func BackendError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindBackend, Err: err}
}

// KindOf returns the kind of the outermost classified AppError in the chain.
func KindOf(err error) Kind {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return KindUnknown
		}
		if appErr.Kind != KindUnknown {
			return appErr.Kind
		}
		err = appErr.Err
	}
	return KindUnknown
}

// IsConfig reports whether err is a fatal configuration error.
func IsConfig(err error) bool { return KindOf(err) == KindConfig }

// IsTransient reports whether err is an exhausted-retry I/O error.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
