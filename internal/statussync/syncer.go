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

package statussync

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/gitopsd/internal/cluster"
	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/events"
	"github.com/mikelane/gitopsd/internal/metrics"
	"github.com/mikelane/gitopsd/internal/orchestrator"
	"github.com/mikelane/gitopsd/internal/store"
)

// Outcome is the answer of WaitForReady.
type Outcome string

const (
	OutcomeReady       Outcome = "ready"
	OutcomeFailed      Outcome = "failed"
	OutcomeReconciling Outcome = "reconciling"
)

// Connectivity reports whether the cluster is reachable.
type Connectivity interface {
	Connected() bool
}

// Report summarizes one project pass.
type Report struct {
	Checked int
	Changed int
	Failed  int
}

// Syncer mirrors cluster-side convergence into the store.
type Syncer struct {
	cluster     *cluster.Client
	store       store.Store
	topic       *events.Topic[events.ResourceConverged]
	health      Connectivity
	interval    time.Duration
	poll        time.Duration
	concurrency int
	clock       clock.WithTicker
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.WithTicker) Option {
	return func(s *Syncer) { s.clock = c }
}

// WithHealth skips sweeps while h reports the cluster unreachable.
func WithHealth(h Connectivity) Option {
	return func(s *Syncer) { s.health = h }
}

// WithConcurrency bounds how many projects a sweep syncs at once.
func WithConcurrency(n int) Option {
	return func(s *Syncer) { s.concurrency = n }
}

// WithPollInterval sets how often WaitForReady re-reads the cluster.
func WithPollInterval(d time.Duration) Option {
	return func(s *Syncer) { s.poll = d }
}

// NewSyncer creates a syncer sweeping every interval. topic may be nil.
func NewSyncer(c *cluster.Client, s store.Store, topic *events.Topic[events.ResourceConverged], interval time.Duration, opts ...Option) *Syncer {
	syncer := &Syncer{
		cluster:     c,
		store:       s,
		topic:       topic,
		interval:    interval,
		poll:        2 * time.Second,
		concurrency: 4,
		clock:       clock.RealClock{},
	}
	for _, opt := range opts {
		opt(syncer)
	}
	return syncer
}

// Start runs a sweep every interval until ctx is canceled.
func (s *Syncer) Start(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	logger := log.FromContext(ctx).WithName("statussync")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := s.SyncAll(ctx); err != nil {
				logger.Error(err, "status sync pass failed")
				// Continue to next tick - don't stop the sweep on transient errors
			}
		}
	}
}

// NeedLeaderElection keeps a single replica sweeping.
func (s *Syncer) NeedLeaderElection() bool {
	return true
}

// SyncAll syncs every project with live GitOps resources.
func (s *Syncer) SyncAll(ctx context.Context) error {
	logger := log.FromContext(ctx)

	if s.health != nil && !s.health.Connected() {
		logger.V(1).Info("Cluster unreachable, skipping status sync pass")
		metrics.StatusSyncPasses.WithLabelValues("skipped").Inc()
		return nil
	}

	projects, err := s.store.ListGitOpsProjects(ctx)
	if err != nil {
		metrics.StatusSyncPasses.WithLabelValues("error").Inc()
		return fmt.Errorf("list gitops projects: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, projectID := range projects {
		g.Go(func() error {
			if _, err := s.SyncProjectStatus(gctx, projectID); err != nil {
				logger.Error(err, "Failed to sync project status", "project", projectID)
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.StatusSyncPasses.WithLabelValues("ok").Inc()
	return nil
}

// SyncProjectStatus syncs every live resource of a project. A resource that
// cannot be read is logged and skipped.
func (s *Syncer) SyncProjectStatus(ctx context.Context, projectID string) (*Report, error) {
	logger := log.FromContext(ctx).WithValues("project", projectID)

	resources, err := s.store.ListGitOpsResources(ctx, projectID)
	if err != nil {
		return nil, domain.WrapGitOps("sync project status", projectID, err)
	}

	report := &Report{}
	for i := range resources {
		r := &resources[i]
		report.Checked++
		before := r.Status
		after, err := s.SyncResource(ctx, r)
		if err != nil {
			report.Failed++
			metrics.StatusSyncResourceErrors.Inc()
			logger.Error(err, "Failed to read GitOps resource", "resource", r.ID, "name", r.Name, "namespace", r.Namespace)
			continue
		}
		if after != before {
			report.Changed++
		}
	}
	logger.V(1).Info("Synced project status", "checked", report.Checked, "changed", report.Changed, "failed", report.Failed)
	return report, nil
}

// SyncResource reads the cluster object mirrored by r, stores its status if
// it changed and returns the resulting status. An object that does not exist
// yet is pending.
func (s *Syncer) SyncResource(ctx context.Context, r *domain.GitOpsResource) (domain.ResourceStatus, error) {
	obj := orchestrator.SyncObject(r)
	var obs Observation
	err := s.cluster.Get(ctx, r.Namespace, r.Name, obj)
	switch {
	case domain.IsNotFound(err):
		obs = Observation{Status: domain.ResourcePending, Revision: r.Revision}
	case err != nil:
		return r.Status, err
	default:
		obs = Observe(obj)
	}

	var errorMessage string
	if obs.Status == domain.ResourceFailed {
		errorMessage = obs.Message
	}
	if obs.Status == r.Status && obs.Revision == r.Revision && errorMessage == ptr.Deref(r.ErrorMessage, "") {
		return r.Status, nil
	}

	upd := store.ResourceStatusUpdate{Status: obs.Status, Revision: obs.Revision}
	if errorMessage != "" {
		upd.ErrorMessage = ptr.To(errorMessage)
	}
	if err := s.store.UpdateGitOpsResourceStatus(ctx, r.ID, upd); err != nil {
		return r.Status, err
	}

	converged := obs.Status != domain.ResourcePending &&
		(obs.Status != r.Status || obs.Revision != r.Revision)
	previous := r.Status
	r.Status, r.Revision, r.ErrorMessage = obs.Status, obs.Revision, upd.ErrorMessage

	log.FromContext(ctx).Info("GitOps resource status changed",
		"resource", r.ID, "name", r.Name, "from", previous, "to", obs.Status, "revision", obs.Revision)

	if converged {
		metrics.ResourcesConverged.WithLabelValues(string(r.Type), string(obs.Status)).Inc()
		if err := s.publish(ctx, r, obs); err != nil {
			return r.Status, err
		}
	}
	return r.Status, nil
}

// SyncNamed syncs the live resource row mirroring the named object, if any.
func (s *Syncer) SyncNamed(ctx context.Context, namespace, name string, typ domain.ResourceType) (domain.ResourceStatus, error) {
	r, err := s.store.FindGitOpsResource(ctx, namespace, name, typ)
	if err != nil {
		return "", err
	}
	return s.SyncResource(ctx, r)
}

func (s *Syncer) publish(ctx context.Context, r *domain.GitOpsResource, obs Observation) error {
	if s.topic == nil {
		return nil
	}
	return s.topic.Publish(ctx, events.ResourceConverged{
		ResourceID:    r.ID,
		ProjectID:     r.ProjectID,
		EnvironmentID: ptr.Deref(r.EnvironmentID, ""),
		Type:          r.Type,
		Status:        obs.Status,
		Revision:      obs.Revision,
		Message:       obs.Message,
		Timestamp:     s.clock.Now(),
	})
}

// WaitForReady polls the resource until it is ready or failed, or timeout
// elapses, in which case it returns OutcomeReconciling and no error.
func (s *Syncer) WaitForReady(ctx context.Context, resourceID string, timeout time.Duration) (Outcome, error) {
	logger := log.FromContext(ctx).WithValues("resource", resourceID)

	deadline := s.clock.NewTimer(timeout)
	defer deadline.Stop()
	ticker := s.clock.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		r, err := s.store.GetGitOpsResource(ctx, resourceID)
		if err != nil {
			return "", err
		}
		status, err := s.SyncResource(ctx, r)
		if err != nil {
			logger.V(1).Info("Failed to read resource while waiting", "error", err.Error())
		}
		switch status {
		case domain.ResourceReady:
			return OutcomeReady, nil
		case domain.ResourceFailed:
			return OutcomeFailed, nil
		}

		select {
		case <-ctx.Done():
			return OutcomeReconciling, ctx.Err()
		case <-deadline.C():
			return OutcomeReconciling, nil
		case <-ticker.C():
		}
	}
}
