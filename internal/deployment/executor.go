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

package deployment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/gitopsd/internal/cluster"
	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/orchestrator"
)

// Executor applies a direct deployment to the cluster. It returns once the
// change is live or has definitely failed.
type Executor interface {
	Execute(ctx context.Context, d *domain.Deployment, project *domain.Project, env *domain.Environment) error
}

// RolloutError reports a workload that did not become available.
type RolloutError struct {
	Workload string
	Reason   string
}

func (e *RolloutError) Error() string {
	return fmt.Sprintf("rollout of %s failed: %s", e.Workload, e.Reason)
}

const (
	DefaultRolloutTimeout = 5 * time.Minute
	DefaultRolloutPoll    = 2 * time.Second
)

// WorkloadExecutor patches the project's apps/v1 Deployment in the
// environment namespace and waits for the rollout to finish.
type WorkloadExecutor struct {
	cluster *cluster.Client
	timeout time.Duration
	poll    time.Duration
	clock   clock.WithTicker
}

// ExecutorOption configures a WorkloadExecutor.
type ExecutorOption func(*WorkloadExecutor)

// WithRolloutTimeout bounds the wait for a rollout.
func WithRolloutTimeout(d time.Duration) ExecutorOption {
	return func(w *WorkloadExecutor) { w.timeout = d }
}

// WithRolloutPoll sets how often rollout progress is read.
func WithRolloutPoll(d time.Duration) ExecutorOption {
	return func(w *WorkloadExecutor) { w.poll = d }
}

// WithExecutorClock replaces the wall clock, for tests.
func WithExecutorClock(c clock.WithTicker) ExecutorOption {
	return func(w *WorkloadExecutor) { w.clock = c }
}

// NewWorkloadExecutor creates a WorkloadExecutor.
func NewWorkloadExecutor(c *cluster.Client, opts ...ExecutorOption) *WorkloadExecutor {
	w := &WorkloadExecutor{
		cluster: c,
		timeout: DefaultRolloutTimeout,
		poll:    DefaultRolloutPoll,
		clock:   clock.RealClock{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Execute implements Executor.
func (w *WorkloadExecutor) Execute(ctx context.Context, d *domain.Deployment, project *domain.Project, env *domain.Environment) error {
	namespace := orchestrator.NamespaceName(project, env.Type)
	name := orchestrator.WorkloadName(project)

	updated, err := w.cluster.UpdateWorkload(ctx, namespace, name, func(workload *appsv1.Deployment) error {
		return ApplyChanges(workload, d.Changes, d.Version)
	})
	if err != nil {
		return err
	}
	log.FromContext(ctx).Info("Patched workload", "deployment", d.ID, "workload", namespace+"/"+name, "generation", updated.Generation)
	return w.waitForRollout(ctx, namespace, name, updated.Generation)
}

func (w *WorkloadExecutor) waitForRollout(ctx context.Context, namespace, name string, generation int64) error {
	logger := log.FromContext(ctx).WithValues("workload", namespace+"/"+name)
	deadline := w.clock.NewTimer(w.timeout)
	defer deadline.Stop()
	ticker := w.clock.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		workload := &appsv1.Deployment{}
		if err := w.cluster.Get(ctx, namespace, name, workload); err != nil {
			if domain.IsNotFound(err) {
				return err
			}
			logger.V(1).Info("Rollout progress read failed, will retry", "error", err.Error())
		} else if done, err := rolloutComplete(workload, generation); done || err != nil {
			if err != nil {
				return &RolloutError{Workload: namespace + "/" + name, Reason: err.Error()}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C():
			return &RolloutError{Workload: namespace + "/" + name, Reason: fmt.Sprintf("not complete after %s", w.timeout)}
		case <-ticker.C():
		}
	}
}

// rolloutComplete reports whether the controller has observed generation
// and every desired replica runs the new template.
func rolloutComplete(workload *appsv1.Deployment, generation int64) (bool, error) {
	for _, c := range workload.Status.Conditions {
		if c.Type == appsv1.DeploymentProgressing && c.Status == corev1.ConditionFalse && c.Reason == "ProgressDeadlineExceeded" {
			return false, errors.New(c.Message)
		}
	}
	if workload.Status.ObservedGeneration < generation {
		return false, nil
	}
	desired := int32(1)
	if workload.Spec.Replicas != nil {
		desired = *workload.Spec.Replicas
	}
	return workload.Status.UpdatedReplicas == desired &&
		workload.Status.AvailableReplicas >= desired, nil
}

// ApplyChanges writes changes onto the first container of workload. When
// the change set has no image, a non-empty version replaces the image tag.
func ApplyChanges(workload *appsv1.Deployment, changes domain.Changes, version string) error {
	containers := workload.Spec.Template.Spec.Containers
	if len(containers) == 0 {
		return &domain.ConflictError{Kind: "workload", ID: workload.Namespace + "/" + workload.Name, Reason: "has no containers"}
	}
	c := &containers[0]

	switch {
	case changes.Image != nil:
		c.Image = *changes.Image
	case version != "":
		c.Image = withTag(c.Image, version)
	}
	if changes.Replicas != nil {
		workload.Spec.Replicas = changes.Replicas
	}

	keys := make([]string, 0, len(changes.Env))
	for k := range changes.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		i := slices.IndexFunc(c.Env, func(e corev1.EnvVar) bool { return e.Name == k })
		if i >= 0 {
			c.Env[i] = corev1.EnvVar{Name: k, Value: changes.Env[k]}
			continue
		}
		c.Env = append(c.Env, corev1.EnvVar{Name: k, Value: changes.Env[k]})
	}

	if changes.Resources != nil {
		var err error
		if c.Resources.Requests, err = mergeQuantities(c.Resources.Requests, changes.Resources.Requests); err != nil {
			return err
		}
		if c.Resources.Limits, err = mergeQuantities(c.Resources.Limits, changes.Resources.Limits); err != nil {
			return err
		}
	}
	return nil
}

func mergeQuantities(dst corev1.ResourceList, src map[string]string) (corev1.ResourceList, error) {
	if len(src) == 0 {
		return dst, nil
	}
	if dst == nil {
		dst = corev1.ResourceList{}
	}
	for name, value := range src {
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return nil, &domain.ConflictError{Kind: "resource quantity", ID: name, Reason: err.Error()}
		}
		dst[corev1.ResourceName(name)] = q
	}
	return dst, nil
}

// withTag replaces the tag of image, keeping registry and repository.
// Digests are dropped.
func withTag(image, tag string) string {
	if at := strings.Index(image, "@"); at >= 0 {
		image = image[:at]
	}
	if colon := strings.LastIndex(image, ":"); colon > strings.LastIndex(image, "/") {
		image = image[:colon]
	}
	return image + ":" + tag
}
