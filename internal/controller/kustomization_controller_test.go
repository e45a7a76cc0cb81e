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

package controller

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/mikelane/gitopsd/internal/cluster"
	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/flux"
	"github.com/mikelane/gitopsd/internal/statussync"
	"github.com/mikelane/gitopsd/internal/store"
)

type failingSyncer struct{ err error }

func (f failingSyncer) SyncNamed(context.Context, string, string, domain.ResourceType) (domain.ResourceStatus, error) {
	return "", f.err
}

var _ = Describe("Kustomization Controller", func() {
	const (
		name      = "shop-staging"
		namespace = "shop-staging"
	)

	var (
		ctx      context.Context
		memory   *store.Memory
		resource *domain.GitOpsResource
		request  reconcile.Request
	)

	newKustomization := func(managed bool) *flux.Kustomization {
		k := flux.NewKustomization(flux.SyncOptions{
			Name:            name,
			Namespace:       namespace,
			Path:            "k8s/overlays/staging",
			SourceName:      "shop",
			SourceNamespace: "flux-system",
		})
		if managed {
			k.Labels = cluster.ManagedLabels("p1", "e1")
		} else {
			k.Labels = nil
		}
		k.Status.Conditions = []metav1.Condition{{
			Type:               flux.ReadyCondition,
			Status:             metav1.ConditionTrue,
			Reason:             "ReconciliationSucceeded",
			LastTransitionTime: metav1.Now(),
		}}
		k.Status.LastAppliedRevision = "main@sha1:0123456789abcdef0123456789abcdef01234567"
		return k
	}

	newReconciler := func(objs ...client.Object) *KustomizationReconciler {
		c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
		return &KustomizationReconciler{
			Client: c,
			Syncer: statussync.NewSyncer(cluster.NewClient(c), memory, nil, 0),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		memory = store.NewMemory()
		request = reconcile.Request{NamespacedName: types.NamespacedName{Name: name, Namespace: namespace}}

		var err error
		resource, err = memory.UpsertGitOpsResource(ctx, &domain.GitOpsResource{
			ProjectID:     "p1",
			EnvironmentID: ptr.To("e1"),
			RepositoryID:  "r1",
			Type:          domain.ResourceSyncTarget,
			Name:          name,
			Namespace:     namespace,
			Status:        domain.ResourcePending,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Scenario: managed Kustomization becomes ready", func() {
		It("records the ready status and revision", func() {
			r := newReconciler(newKustomization(true))

			result, err := r.Reconcile(ctx, request)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsZero()).To(BeTrue())

			stored, err := memory.GetGitOpsResource(ctx, resource.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(domain.ResourceReady))
			Expect(stored.Revision).To(HavePrefix("main@sha1:0123456"))
		})
	})

	Describe("Scenario: Kustomization not created by the control plane", func() {
		It("leaves the stored status untouched", func() {
			r := newReconciler(newKustomization(false))

			_, err := r.Reconcile(ctx, request)
			Expect(err).NotTo(HaveOccurred())

			stored, err := memory.GetGitOpsResource(ctx, resource.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(domain.ResourcePending))
		})
	})

	Describe("Scenario: Kustomization was deleted", func() {
		It("returns without error", func() {
			r := newReconciler()

			_, err := r.Reconcile(ctx, request)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Scenario: managed Kustomization without a stored mirror", func() {
		It("skips it", func() {
			k := newKustomization(true)
			k.Name = "orphan"
			r := newReconciler(k)

			_, err := r.Reconcile(ctx, reconcile.Request{NamespacedName: types.NamespacedName{Name: "orphan", Namespace: namespace}})
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Scenario: the store is unavailable", func() {
		It("returns the error so the request is retried", func() {
			c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(newKustomization(true)).Build()
			r := &KustomizationReconciler{Client: c, Syncer: failingSyncer{err: errors.New("connection refused")}}

			_, err := r.Reconcile(ctx, request)
			Expect(err).To(MatchError("connection refused"))
		})
	})
})
