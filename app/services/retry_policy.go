// Package services provides external provider integrations and the technical concerns around them
package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a provider failure; RetryPolicy branches on it
type ErrorKind string

const (
	ErrorKindConfiguration ErrorKind = "configuration_error"
	ErrorKindTransient     ErrorKind = "transient_provider_error"
	ErrorKindRejected      ErrorKind = "rejected_by_provider"
)

// ErrRetriesExhausted wraps the last error once the attempt ceiling is reached
var ErrRetriesExhausted = errors.New("retry attempts exhausted")

// ProviderError is the typed failure returned by every provider client
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func NewConfigurationError(provider, message string) *ProviderError {
	return &ProviderError{Kind: ErrorKindConfiguration, Provider: provider, Message: message}
}

func NewTransientError(provider string, statusCode int, message string, err error) *ProviderError {
	return &ProviderError{Kind: ErrorKindTransient, Provider: provider, StatusCode: statusCode, Message: message, Err: err}
}

func NewRejectedError(provider string, statusCode int, code, message string) *ProviderError {
	return &ProviderError{Kind: ErrorKindRejected, Provider: provider, StatusCode: statusCode, Code: code, Message: message}
}

// KindOf classifies err. Untyped errors are network-level failures and count as transient.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorKindTransient
}

// AsProviderError returns the typed error inside err, if any
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}

// RetryPolicy is a bounded exponential backoff around one provider call
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry is called before each sleep
	OnRetry func(attempt int, err error, delay time.Duration)
	// Sleep replaces the timer, mostly for tests
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

// Backoff returns the delay after the given failed attempt (1-based)
func (p RetryPolicy) Backoff(attempt int, err error) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
	}
	if pe, ok := AsProviderError(err); ok && pe.RetryAfter > d {
		d = pe.RetryAfter
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs op until it succeeds, fails terminally, or the attempt ceiling is reached.
// Configuration and rejection errors are returned after the first call.
func Execute[T any](ctx context.Context, p RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	max := p.attempts()

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if kind := KindOf(err); kind != ErrorKindTransient {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, errors.Join(ctx.Err(), err)
		}
		if attempt == max {
			break
		}

		delay := p.Backoff(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return zero, errors.Join(serr, err)
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, max, lastErr)
}
