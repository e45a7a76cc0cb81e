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

package cleanup

import (
	"context"
	"slices"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// WorkingCopies lists and removes per-project working copies.
// *gitops.Engine implements it.
type WorkingCopies interface {
	WorkingCopies() ([]string, error)
	RemoveWorkingCopy(ctx context.Context, projectID string) error
}

// ProjectLister returns the ids of projects with live GitOps resources.
type ProjectLister interface {
	ListGitOpsProjects(ctx context.Context) ([]string, error)
}

// Scheduler periodically prunes working copies of projects without GitOps.
type Scheduler struct {
	copies   WorkingCopies
	projects ProjectLister
	interval time.Duration
	clock    clock.WithTicker
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.WithTicker) Option {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler creates a new cleanup scheduler with the specified interval.
func NewScheduler(copies WorkingCopies, projects ProjectLister, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		copies:   copies,
		projects: projects,
		interval: interval,
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start prunes on every tick until ctx is done. It implements manager.Runnable.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	logger := log.FromContext(ctx).WithName("cleanup")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := s.Prune(ctx); err != nil {
				// Continue to next tick - don't stop scheduler on transient errors
				logger.Error(err, "cleanup pass failed")
			}
		}
	}
}

// NeedLeaderElection prunes on every replica.
func (s *Scheduler) NeedLeaderElection() bool {
	return false
}

// Prune performs a single pass and returns the ids of the removed copies.
// A failed removal is logged and the pass continues.
func (s *Scheduler) Prune(ctx context.Context) ([]string, error) {
	logger := log.FromContext(ctx)

	copies, err := s.copies.WorkingCopies()
	if err != nil || len(copies) == 0 {
		return nil, err
	}
	live, err := s.projects.ListGitOpsProjects(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, projectID := range copies {
		if slices.Contains(live, projectID) {
			continue
		}
		if err := s.copies.RemoveWorkingCopy(ctx, projectID); err != nil {
			logger.Error(err, "Failed to remove working copy", "project", projectID)
			continue
		}
		logger.Info("Removed working copy", "project", projectID)
		removed = append(removed, projectID)
	}
	return removed, nil
}
