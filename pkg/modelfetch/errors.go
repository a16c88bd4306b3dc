// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors returned by the orchestrator and adapters.
// Use errors.Is to check for specific conditions.
var (
	// ErrConflict is returned synchronously by Download when a non-terminal
	// job already exists for the same model name.
	ErrConflict = errors.New("modelfetch: download already in progress")

	// ErrNotFound indicates the artifact or a required file is absent
	// upstream. Never retried.
	ErrNotFound = errors.New("modelfetch: model not found")

	// ErrUnauthorized indicates missing or rejected credentials. Never retried.
	ErrUnauthorized = errors.New("modelfetch: unauthorized")

	// ErrCancelled indicates a user-requested cancellation observed at a
	// checkpoint. It always wins over retry logic.
	ErrCancelled = errors.New("modelfetch: download cancelled")

	// ErrConfiguration indicates the requested source has no usable adapter
	// or credentials. Never retried.
	ErrConfiguration = errors.New("modelfetch: source not configured")

	// ErrTooLarge indicates the artifact exceeds Config.MaxDownloadSize.
	ErrTooLarge = errors.New("modelfetch: artifact exceeds maximum download size")

	// ErrJobUnknown is returned by Cancel for names with no tracked job.
	ErrJobUnknown = errors.New("modelfetch: no such download job")
)

// TransientError marks a failure worth retrying (connection reset, timeout,
// 5xx). Adapters retry these up to Config.RetryAttempts with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IntegrityError is a validation failure. It is terminal: no conversion is
// attempted after it.
type IntegrityError struct {
	Path   string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Reason)
}

// ConversionError is a terminal failure during the conversion phase.
type ConversionError struct {
	Path string
	Err  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion failed for %s: %v", e.Path, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// APIError represents an HTTP error from a registry.
type APIError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Status, e.URL)
}

// IsRetryable returns true if the request might succeed on retry.
func (e *APIError) IsRetryable() bool {
	switch e.StatusCode {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Is implements errors.Is for common error comparisons.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case 401, 403:
		return errors.Is(target, ErrUnauthorized)
	case 404:
		return errors.Is(target, ErrNotFound)
	default:
		return false
	}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.IsRetryable()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// isCancelled folds context cancellation into the ErrCancelled taxonomy.
func isCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// cancelErr maps a context error observed at a checkpoint to ErrCancelled.
func cancelErr(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	return nil
}
