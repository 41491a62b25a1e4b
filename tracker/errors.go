package tracker

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	// ErrNotFound means no tracker state exists for the series.
	ErrNotFound = errors.New("tracker not found")
	// ErrCooldown means a manual refresh arrived inside the cooldown window.
	ErrCooldown = errors.New("refresh cooldown active")
)

// ValidationError is bad caller input, surfaced as a 400 with a stable code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErr(code, message string) error {
	return &ValidationError{Code: code, Message: message}
}

// ErrorClass classifies a poll failure for scheduling decisions.
type ErrorClass int

const (
	// ErrorClassTransient errors are recorded and backed off; polling continues.
	ErrorClassTransient ErrorClass = iota
	// ErrorClassFatal errors mean the output channel is confirmed gone; the
	// tracker auto-stops immediately.
	ErrorClassFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyOutputError decides whether an output-collaborator failure is fatal.
//
// Fatal (channel confirmed gone, no point polling again):
//   - Discord unknown-channel / unknown-message / missing-access responses
//   - 404s from the message endpoints
//
// Everything else (network errors, 5xx, rate limits) is transient.
func ClassifyOutputError(err error) ErrorClass {
	if err == nil {
		return ErrorClassTransient
	}
	lower := strings.ToLower(err.Error())

	// Rate limits and server errors stay transient even though they carry
	// status-code text that overlaps the patterns below.
	if strings.Contains(lower, "429") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "500") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "504") ||
		strings.Contains(lower, "service unavailable") ||
		strings.Contains(lower, "gateway") {
		return ErrorClassTransient
	}

	if strings.Contains(lower, "unknown channel") ||
		strings.Contains(lower, "unknown message") ||
		strings.Contains(lower, "missing access") ||
		strings.Contains(lower, "channel not found") ||
		strings.Contains(lower, "404") {
		return ErrorClassFatal
	}

	return ErrorClassTransient
}

// IsFatalOutputError reports whether err means the channel is gone.
func IsFatalOutputError(err error) bool {
	return err != nil && ClassifyOutputError(err) == ErrorClassFatal
}

func wrapPollErr(stage string, err error) error {
	return fmt.Errorf("%s: %w", stage, err)
}
