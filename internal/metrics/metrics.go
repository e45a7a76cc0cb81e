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

// Package metrics holds the control plane's Prometheus collectors. They are
// registered on the controller-runtime registry, so they are served by the
// manager's metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var factory = promauto.With(ctrlmetrics.Registry)

var (
	// DeploymentsCreated counts inserted deployments by method.
	DeploymentsCreated = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "gitopsd_deployments_created_total",
		Help: "Total deployments created",
	}, []string{"method"})

	// DeploymentsCompleted counts deployments reaching a terminal status.
	DeploymentsCompleted = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "gitopsd_deployments_completed_total",
		Help: "Total deployments completed",
	}, []string{"status"})

	// StatusSyncPasses counts status sweeps by result.
	StatusSyncPasses = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "gitopsd_status_sync_passes_total",
		Help: "Total reconciliation status sweeps",
	}, []string{"result"})

	// StatusSyncResourceErrors counts resources a sweep could not read.
	StatusSyncResourceErrors = factory.NewCounter(prometheus.CounterOpts{
		Name: "gitopsd_status_sync_resource_errors_total",
		Help: "Total per-resource read failures during status sync",
	})

	// ResourcesConverged counts mirrored resources reaching ready or failed.
	ResourcesConverged = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "gitopsd_resources_converged_total",
		Help: "Total GitOps resources observed reaching a terminal status",
	}, []string{"type", "status"})

	// GitCommitDuration observes commit-and-push sequences by result.
	GitCommitDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gitopsd_git_commit_duration_seconds",
		Help:    "Duration of commit and push sequences",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	// EnvironmentHourlyCost is the estimated hourly cost of an environment.
	EnvironmentHourlyCost = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gitopsd_environment_hourly_cost",
		Help: "Estimated hourly cost of an environment's running pods",
	}, []string{"project", "environment"})

	// ClusterConnected is 1 while the cluster API server answers health checks.
	ClusterConnected = factory.NewGauge(prometheus.GaugeOpts{
		Name: "gitopsd_cluster_connected",
		Help: "1 if the cluster API server is reachable",
	})

	// ProviderRetries counts retried calls to Git provider and Kubernetes APIs.
	ProviderRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "gitopsd_provider_retries_total",
		Help: "Total retried Git provider and Kubernetes API calls",
	}, []string{"provider"})

	httpRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "gitopsd_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gitopsd_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)
