/*
Copyright (c) 2025 Mike Lane

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package cost

import (
	"context"
	"slices"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/events"
	"github.com/mikelane/gitopsd/internal/metrics"
	"github.com/mikelane/gitopsd/internal/orchestrator"
	"github.com/mikelane/gitopsd/internal/store"
)

// PodLister lists the pods of a namespace. *cluster.Client implements it.
type PodLister interface {
	ListPods(ctx context.Context, namespace string) ([]corev1.Pod, error)
}

// Tracker re-estimates an environment after each successful deployment.
type Tracker struct {
	pods      PodLister
	catalog   store.Catalog
	estimator *Estimator
	// spot lists the environment types scheduled on spot capacity.
	spot []domain.EnvironmentType
}

// NewTracker creates a Tracker. Environments of the spot types are priced
// with the spot discount.
func NewTracker(pods PodLister, catalog store.Catalog, estimator *Estimator, spot ...domain.EnvironmentType) *Tracker {
	if estimator == nil {
		estimator = NewEstimator(nil)
	}
	return &Tracker{pods: pods, catalog: catalog, estimator: estimator, spot: spot}
}

// Subscribe registers the tracker on topic. Call before the bus starts.
func (t *Tracker) Subscribe(topic *events.Topic[events.DeploymentCompleted]) {
	topic.Subscribe("cost-tracker", 0, t.HandleDeploymentCompleted)
}

// HandleDeploymentCompleted re-estimates the environment of a successful
// deployment.
func (t *Tracker) HandleDeploymentCompleted(ctx context.Context, ev events.DeploymentCompleted) {
	if ev.Status != string(domain.DeploymentSuccess) {
		return
	}
	if _, err := t.EstimateEnvironment(ctx, ev.ProjectID, ev.EnvironmentID); err != nil {
		log.FromContext(ctx).Error(err, "Failed to estimate environment cost",
			"project", ev.ProjectID, "environment", ev.EnvironmentID)
	}
}

// EstimateEnvironment estimates the environment's current hourly cost and
// exports it as a gauge.
func (t *Tracker) EstimateEnvironment(ctx context.Context, projectID, environmentID string) (*Estimate, error) {
	project, err := t.catalog.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	env, err := t.catalog.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	namespace := orchestrator.NamespaceName(project, env.Type)
	pods, err := t.pods.ListPods(ctx, namespace)
	if err != nil {
		return nil, err
	}

	useSpot := slices.Contains(t.spot, env.Type)
	est := t.estimator.EstimateEnvironment(pods, useSpot)
	metrics.EnvironmentHourlyCost.WithLabelValues(projectID, environmentID).Set(est.HourlyCost)

	log.FromContext(ctx).Info("Updated cost estimate",
		"namespace", namespace,
		"pods", est.Pods,
		"hourlyCost", formatCost(est.HourlyCost),
		"monthlyCost", formatCost(est.MonthlyCost),
		"useSpot", useSpot)
	return est, nil
}
