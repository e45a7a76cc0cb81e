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

package cluster

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"syscall"
	"time"

	"k8s.io/client-go/rest"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/gitopsd/internal/events"
)

// Checker reports whether the API server answers.
type Checker func(ctx context.Context) error

// ReadyzChecker calls /readyz through a client-go REST client.
func ReadyzChecker(rc rest.Interface) Checker {
	return func(ctx context.Context) error {
		_, err := rc.Get().AbsPath("/readyz").DoRaw(ctx)
		return err
	}
}

// HealthProvider tracks cluster reachability.
type HealthProvider struct {
	check    Checker
	interval time.Duration
	timeout  time.Duration
	clock    clock.WithTicker
	topic    *events.Topic[events.ConnectivityChanged]

	mu        sync.RWMutex
	connected bool
	lastErr   error
}

// HealthOption configures a HealthProvider.
type HealthOption func(*HealthProvider)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.WithTicker) HealthOption {
	return func(h *HealthProvider) { h.clock = c }
}

// WithCheckTimeout bounds a single check.
func WithCheckTimeout(d time.Duration) HealthOption {
	return func(h *HealthProvider) { h.timeout = d }
}

// NewHealthProvider creates a provider that assumes the cluster is reachable
// until a check says otherwise. topic may be nil.
func NewHealthProvider(check Checker, interval time.Duration, topic *events.Topic[events.ConnectivityChanged], opts ...HealthOption) *HealthProvider {
	h := &HealthProvider{
		check:     check,
		interval:  interval,
		timeout:   5 * time.Second,
		clock:     clock.RealClock{},
		topic:     topic,
		connected: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connected reports the result of the last check.
func (h *HealthProvider) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected
}

// LastError returns the error of the last failed check, or nil.
func (h *HealthProvider) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// Check calls the API server once and publishes a ConnectivityChanged event on a flip.
func (h *HealthProvider) Check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.check(checkCtx)
	cancel()

	h.mu.Lock()
	was := h.connected
	h.connected = err == nil
	h.lastErr = err
	now := h.connected
	h.mu.Unlock()

	if was != now {
		logger := log.FromContext(ctx)
		ev := events.ConnectivityChanged{Connected: now, Timestamp: h.clock.Now()}
		if err != nil {
			ev.Reason = err.Error()
			logger.Info("Cluster became unreachable", "error", err.Error())
		} else {
			logger.Info("Cluster is reachable again")
		}
		if h.topic != nil {
			if pubErr := h.topic.Publish(ctx, ev); pubErr != nil {
				logger.Error(pubErr, "Failed to publish connectivity change")
			}
		}
	}
	return now
}

// Start checks on every tick until ctx is done. It implements manager.Runnable.
func (h *HealthProvider) Start(ctx context.Context) error {
	h.Check(ctx)

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			h.Check(ctx)
		}
	}
}

// NeedLeaderElection checks on every replica.
func (h *HealthProvider) NeedLeaderElection() bool {
	return false
}

func isConnectionError(err error) bool {
	if stderrors.Is(err, syscall.ECONNREFUSED) || stderrors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return stderrors.As(err, &opErr)
}
