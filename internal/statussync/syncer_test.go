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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	clocktesting "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/mikelane/gitopsd/internal/cluster"
	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/events"
	"github.com/mikelane/gitopsd/internal/flux"
	"github.com/mikelane/gitopsd/internal/store"
)

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	require.NoError(t, flux.AddToScheme(scheme))
	return scheme
}

func readyCondition(status metav1.ConditionStatus, reason, message string) []metav1.Condition {
	return []metav1.Condition{{
		Type:               flux.ReadyCondition,
		Status:             status,
		Reason:             reason,
		Message:            message,
		LastTransitionTime: metav1.Now(),
	}}
}

func kustomization(name, namespace string, conditions []metav1.Condition, revision string) *flux.Kustomization {
	k := flux.NewKustomization(flux.SyncOptions{Name: name, Namespace: namespace, Path: "k8s/overlays/staging", SourceName: "shop", SourceNamespace: "flux-system"})
	k.Status.Conditions = conditions
	k.Status.LastAppliedRevision = revision
	return k
}

func gitRepository(name, namespace string, conditions []metav1.Condition, revision string) *flux.GitRepository {
	g := flux.NewGitRepository(flux.SourceOptions{Name: name, Namespace: namespace, URL: "https://github.com/acme/shop.git", Branch: "main"})
	g.Status.Conditions = conditions
	g.Status.Artifact = &flux.Artifact{Revision: revision}
	return g
}

type harness struct {
	store     *store.Memory
	client    client.Client
	syncer    *Syncer
	clock     *clocktesting.FakeClock
	converged chan events.ResourceConverged
}

func newHarness(t *testing.T, funcs interceptor.Funcs, objs ...client.Object) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMemory(),
		clock:     clocktesting.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		converged: make(chan events.ResourceConverged, 16),
	}
	h.client = fake.NewClientBuilder().
		WithScheme(newScheme(t)).
		WithObjects(objs...).
		WithInterceptorFuncs(funcs).
		Build()

	topic := events.NewTopic[events.ResourceConverged]("resource.converged")
	topic.Subscribe("test", 16, func(_ context.Context, ev events.ResourceConverged) {
		h.converged <- ev
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = topic.Start(ctx) }()

	h.syncer = NewSyncer(cluster.NewClient(h.client), h.store, topic, time.Minute,
		WithClock(h.clock), WithPollInterval(time.Second))
	return h
}

func (h *harness) addResource(t *testing.T, r domain.GitOpsResource) *domain.GitOpsResource {
	t.Helper()
	if r.Status == "" {
		r.Status = domain.ResourcePending
	}
	stored, err := h.store.UpsertGitOpsResource(context.Background(), &r)
	require.NoError(t, err)
	return stored
}

func (h *harness) expectEvent(t *testing.T) events.ResourceConverged {
	t.Helper()
	select {
	case ev := <-h.converged:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ResourceConverged")
	}
	return events.ResourceConverged{}
}

func (h *harness) expectNoEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.converged:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMapConditions(t *testing.T) {
	tests := []struct {
		name       string
		conditions []metav1.Condition
		want       domain.ResourceStatus
	}{
		{name: "No conditions", want: domain.ResourcePending},
		{name: "Ready", conditions: readyCondition(metav1.ConditionTrue, "ReconciliationSucceeded", "Applied revision"), want: domain.ResourceReady},
		{name: "Reconciliation failed", conditions: readyCondition(metav1.ConditionFalse, "ReconciliationFailed", "kustomize build failed"), want: domain.ResourceFailed},
		{name: "Artifact failed", conditions: readyCondition(metav1.ConditionFalse, "ArtifactFailed", "auth"), want: domain.ResourceFailed},
		{name: "Progressing", conditions: readyCondition(metav1.ConditionFalse, "Progressing", "reconciling"), want: domain.ResourcePending},
		{name: "Dependency not ready", conditions: readyCondition(metav1.ConditionFalse, "DependencyNotReady", ""), want: domain.ResourcePending},
		{name: "Unknown", conditions: readyCondition(metav1.ConditionUnknown, "Progressing", ""), want: domain.ResourcePending},
		{
			name: "Other condition types are ignored",
			conditions: []metav1.Condition{{
				Type: "Reconciling", Status: metav1.ConditionTrue, Reason: "ProgressingWithRetry",
			}},
			want: domain.ResourcePending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := MapConditions(tt.conditions)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObserveStaleGeneration(t *testing.T) {
	k := kustomization("shop-staging", "shop-staging", readyCondition(metav1.ConditionTrue, "ReconciliationSucceeded", ""), "main@sha1:abc")
	k.Generation = 3
	k.Status.ObservedGeneration = 2
	assert.Equal(t, domain.ResourcePending, Observe(k).Status)

	k.Status.ObservedGeneration = 3
	obs := Observe(k)
	assert.Equal(t, domain.ResourceReady, obs.Status)
	assert.Equal(t, "main@sha1:abc", obs.Revision)

	g := gitRepository("shop", "flux-system", readyCondition(metav1.ConditionTrue, "Succeeded", ""), "main@sha1:def")
	assert.Equal(t, "main@sha1:def", Observe(g).Revision)
}

func TestObserveFailureReportsAttemptedRevision(t *testing.T) {
	k := kustomization("shop-staging", "shop-staging", readyCondition(metav1.ConditionFalse, "ReconciliationFailed", "kustomize build failed"), "main@sha1:old")
	k.Status.LastAttemptedRevision = "main@sha1:new"

	obs := Observe(k)
	assert.Equal(t, domain.ResourceFailed, obs.Status)
	assert.Equal(t, "main@sha1:new", obs.Revision)
	assert.Equal(t, "kustomize build failed", obs.Message)
}

func TestSyncProjectStatusIsolatesReadFailures(t *testing.T) {
	funcs := interceptor.Funcs{
		Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
			if key.Name == "shop-production" {
				return errors.New("connection reset by peer")
			}
			return c.Get(ctx, key, obj, opts...)
		},
	}
	h := newHarness(t, funcs,
		gitRepository("shop", "flux-system", readyCondition(metav1.ConditionTrue, "Succeeded", ""), "main@sha1:aaa"),
		kustomization("shop-staging", "shop-staging", readyCondition(metav1.ConditionFalse, "ReconciliationFailed", "kustomize build failed"), ""),
		kustomization("shop-production", "shop-production", readyCondition(metav1.ConditionTrue, "ReconciliationSucceeded", ""), "main@sha1:aaa"),
	)
	ctx := context.Background()
	source := h.addResource(t, domain.GitOpsResource{ID: "r-src", ProjectID: "p1", Type: domain.ResourceGitSource, Name: "shop", Namespace: "flux-system"})
	staging := h.addResource(t, domain.GitOpsResource{ID: "r-stg", ProjectID: "p1", EnvironmentID: ptr.To("e-stg"), Type: domain.ResourceSyncTarget, Name: "shop-staging", Namespace: "shop-staging"})
	prod := h.addResource(t, domain.GitOpsResource{ID: "r-prd", ProjectID: "p1", EnvironmentID: ptr.To("e-prd"), Type: domain.ResourceSyncTarget, Name: "shop-production", Namespace: "shop-production"})

	report, err := h.syncer.SyncProjectStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, &Report{Checked: 3, Changed: 2, Failed: 1}, report)

	got, err := h.store.GetGitOpsResource(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceReady, got.Status)
	assert.Equal(t, "main@sha1:aaa", got.Revision)

	got, err = h.store.GetGitOpsResource(ctx, staging.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceFailed, got.Status)
	assert.Equal(t, "kustomize build failed", ptr.Deref(got.ErrorMessage, ""))

	got, err = h.store.GetGitOpsResource(ctx, prod.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourcePending, got.Status, "unreadable resource keeps its status")

	seen := map[string]domain.ResourceStatus{}
	for range 2 {
		ev := h.expectEvent(t)
		seen[ev.ResourceID] = ev.Status
	}
	assert.Equal(t, map[string]domain.ResourceStatus{"r-src": domain.ResourceReady, "r-stg": domain.ResourceFailed}, seen)
	h.expectNoEvent(t)
}

func TestSyncResourcePublishesOnlyOnChange(t *testing.T) {
	k := kustomization("shop-staging", "shop-staging", readyCondition(metav1.ConditionTrue, "ReconciliationSucceeded", "Applied revision: main@sha1:aaa"), "main@sha1:aaa")
	h := newHarness(t, interceptor.Funcs{}, k)
	ctx := context.Background()
	r := h.addResource(t, domain.GitOpsResource{ID: "r-stg", ProjectID: "p1", EnvironmentID: ptr.To("e-stg"), Type: domain.ResourceSyncTarget, Name: "shop-staging", Namespace: "shop-staging"})

	status, err := h.syncer.SyncResource(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceReady, status)
	ev := h.expectEvent(t)
	assert.Equal(t, "e-stg", ev.EnvironmentID)
	assert.Equal(t, "main@sha1:aaa", ev.Revision)
	assert.Equal(t, h.clock.Now(), ev.Timestamp)

	r, err = h.store.GetGitOpsResource(ctx, "r-stg")
	require.NoError(t, err)
	_, err = h.syncer.SyncResource(ctx, r)
	require.NoError(t, err)
	h.expectNoEvent(t)

	// A new revision applied by the controller is a new convergence.
	current := &flux.Kustomization{}
	require.NoError(t, h.client.Get(ctx, client.ObjectKeyFromObject(k), current))
	current.Status.LastAppliedRevision = "main@sha1:bbb"
	require.NoError(t, h.client.Update(ctx, current))

	r, err = h.store.GetGitOpsResource(ctx, "r-stg")
	require.NoError(t, err)
	_, err = h.syncer.SyncResource(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "main@sha1:bbb", h.expectEvent(t).Revision)
}

func TestSyncResourceMissingObjectIsPending(t *testing.T) {
	h := newHarness(t, interceptor.Funcs{})
	r := h.addResource(t, domain.GitOpsResource{ID: "r1", ProjectID: "p1", Type: domain.ResourceSyncTarget, Name: "gone", Namespace: "shop-staging", Status: domain.ResourceReady})

	status, err := h.syncer.SyncResource(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourcePending, status)
	h.expectNoEvent(t)
}

func TestSyncNamed(t *testing.T) {
	h := newHarness(t, interceptor.Funcs{},
		kustomization("shop-staging", "shop-staging", readyCondition(metav1.ConditionTrue, "ReconciliationSucceeded", ""), "main@sha1:aaa"))
	h.addResource(t, domain.GitOpsResource{ID: "r-stg", ProjectID: "p1", Type: domain.ResourceSyncTarget, Name: "shop-staging", Namespace: "shop-staging"})

	status, err := h.syncer.SyncNamed(context.Background(), "shop-staging", "shop-staging", domain.ResourceSyncTarget)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceReady, status)

	_, err = h.syncer.SyncNamed(context.Background(), "shop-staging", "unknown", domain.ResourceSyncTarget)
	assert.True(t, domain.IsNotFound(err))
}

type staticHealth bool

func (h staticHealth) Connected() bool { return bool(h) }

func TestSyncAll(t *testing.T) {
	h := newHarness(t, interceptor.Funcs{},
		kustomization("shop-staging", "shop-staging", readyCondition(metav1.ConditionTrue, "ReconciliationSucceeded", ""), "main@sha1:aaa"),
		kustomization("blog-staging", "blog-staging", readyCondition(metav1.ConditionTrue, "ReconciliationSucceeded", ""), "main@sha1:bbb"),
	)
	h.addResource(t, domain.GitOpsResource{ID: "r1", ProjectID: "p1", Type: domain.ResourceSyncTarget, Name: "shop-staging", Namespace: "shop-staging"})
	h.addResource(t, domain.GitOpsResource{ID: "r2", ProjectID: "p2", Type: domain.ResourceSyncTarget, Name: "blog-staging", Namespace: "blog-staging"})
	ctx := context.Background()

	WithHealth(staticHealth(false))(h.syncer)
	require.NoError(t, h.syncer.SyncAll(ctx))
	r, err := h.store.GetGitOpsResource(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResourcePending, r.Status, "disconnected sweep must not touch rows")

	WithHealth(staticHealth(true))(h.syncer)
	require.NoError(t, h.syncer.SyncAll(ctx))
	for _, id := range []string{"r1", "r2"} {
		r, err := h.store.GetGitOpsResource(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.ResourceReady, r.Status, id)
	}
}

func TestWaitForReady(t *testing.T) {
	t.Run("Returns immediately when ready", func(t *testing.T) {
		h := newHarness(t, interceptor.Funcs{},
			kustomization("shop-staging", "shop-staging", readyCondition(metav1.ConditionTrue, "ReconciliationSucceeded", ""), "main@sha1:aaa"))
		h.addResource(t, domain.GitOpsResource{ID: "r1", ProjectID: "p1", Type: domain.ResourceSyncTarget, Name: "shop-staging", Namespace: "shop-staging"})

		outcome, err := h.syncer.WaitForReady(context.Background(), "r1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, OutcomeReady, outcome)
	})

	t.Run("Reports failure", func(t *testing.T) {
		h := newHarness(t, interceptor.Funcs{},
			kustomization("shop-staging", "shop-staging", readyCondition(metav1.ConditionFalse, "HealthCheckFailed", "timeout"), ""))
		h.addResource(t, domain.GitOpsResource{ID: "r1", ProjectID: "p1", Type: domain.ResourceSyncTarget, Name: "shop-staging", Namespace: "shop-staging"})

		outcome, err := h.syncer.WaitForReady(context.Background(), "r1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, outcome)
	})

	t.Run("Times out as reconciling", func(t *testing.T) {
		h := newHarness(t, interceptor.Funcs{},
			kustomization("shop-staging", "shop-staging", readyCondition(metav1.ConditionFalse, "Progressing", ""), ""))
		h.addResource(t, domain.GitOpsResource{ID: "r1", ProjectID: "p1", Type: domain.ResourceSyncTarget, Name: "shop-staging", Namespace: "shop-staging"})

		type result struct {
			outcome Outcome
			err     error
		}
		done := make(chan result, 1)
		go func() {
			outcome, err := h.syncer.WaitForReady(context.Background(), "r1", 10*time.Second)
			done <- result{outcome, err}
		}()

		require.Eventually(t, h.clock.HasWaiters, 2*time.Second, time.Millisecond)
		h.clock.Step(11 * time.Second)

		select {
		case res := <-done:
			require.NoError(t, res.err)
			assert.Equal(t, OutcomeReconciling, res.outcome)
		case <-time.After(2 * time.Second):
			t.Fatal("WaitForReady did not return after the deadline")
		}
	})

	t.Run("Picks up convergence on a later poll", func(t *testing.T) {
		k := kustomization("shop-staging", "shop-staging", readyCondition(metav1.ConditionFalse, "Progressing", ""), "")
		h := newHarness(t, interceptor.Funcs{}, k)
		h.addResource(t, domain.GitOpsResource{ID: "r1", ProjectID: "p1", Type: domain.ResourceSyncTarget, Name: "shop-staging", Namespace: "shop-staging"})

		done := make(chan Outcome, 1)
		go func() {
			outcome, _ := h.syncer.WaitForReady(context.Background(), "r1", time.Minute)
			done <- outcome
		}()
		require.Eventually(t, h.clock.HasWaiters, 2*time.Second, time.Millisecond)

		current := &flux.Kustomization{}
		require.NoError(t, h.client.Get(context.Background(), client.ObjectKeyFromObject(k), current))
		current.Status.Conditions = readyCondition(metav1.ConditionTrue, "ReconciliationSucceeded", "")
		current.Status.LastAppliedRevision = "main@sha1:ccc"
		require.NoError(t, h.client.Update(context.Background(), current))

		h.clock.Step(time.Second)

		select {
		case outcome := <-done:
			assert.Equal(t, OutcomeReady, outcome)
		case <-time.After(2 * time.Second):
			t.Fatal("WaitForReady did not observe convergence")
		}
	})
}
