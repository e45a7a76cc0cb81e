// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package retry runs operations against external collaborators with
// exponential backoff and jitter. Callers decide which failures are worth
// another attempt through a Classifier.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/mikelane/gitopsd/internal/domain"
)

// Config defines the retry behavior for calls to external systems
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// OnRetry is called before each wait, if set.
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns the backoff used for provider and cluster calls.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Classifier reports whether err should trigger another attempt.
type Classifier func(err error) bool

// Do executes operation with exponential backoff until it succeeds, returns
// a non-retryable error, exhausts its retries or ctx is cancelled.
func Do(ctx context.Context, cfg *Config, retryable Classifier, operation func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if retryable == nil {
		retryable = IsTransient
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr)
		}

		timer := time.NewTimer(Backoff(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// Backoff calculates the wait before retry number attempt (zero based).
func Backoff(cfg *Config, attempt int) time.Duration {
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 2.0
	}
	base := float64(cfg.InitialBackoff) * math.Pow(factor, float64(attempt))

	// jitter in [-20%, +20%)
	jitter := (rand.Float64() * 0.4) - 0.2 //nolint:gosec
	backoff := time.Duration(base * (1 + jitter))

	if backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	return backoff
}

// IsTransient is the default classifier. It accepts errors marked
// domain.ErrTransient, network timeouts, refused connections and the
// Kubernetes API errors that signal an overloaded or restarting server.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if domain.IsBusiness(err) || errors.Is(err, domain.ErrAuthentication) {
		return false
	}
	if errors.Is(err, domain.ErrTransient) {
		return true
	}
	if apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) ||
		apierrors.IsTooManyRequests(err) || apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
