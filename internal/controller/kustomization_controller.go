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

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/mikelane/gitopsd/internal/cluster"
	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/flux"
)

// StatusSyncer refreshes the stored mirror of one cluster object.
// *statussync.Syncer implements it.
type StatusSyncer interface {
	SyncNamed(ctx context.Context, namespace, name string, typ domain.ResourceType) (domain.ResourceStatus, error)
}

// KustomizationReconciler reacts to status changes on managed Kustomizations
// so that convergence is recorded without waiting for the next periodic pass.
type KustomizationReconciler struct {
	client.Client
	Syncer StatusSyncer
}

// +kubebuilder:rbac:groups=kustomize.toolkit.fluxcd.io,resources=kustomizations,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=source.toolkit.fluxcd.io,resources=gitrepositories,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=namespaces;secrets,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch
// +kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;update;patch

// Reconcile syncs the stored status of the Kustomization named by req.
func (r *KustomizationReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := logf.FromContext(ctx)

	var k flux.Kustomization
	if err := r.Get(ctx, req.NamespacedName, &k); err != nil {
		// Deleted objects are handled by teardown
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	if !cluster.IsManaged(&k) {
		return ctrl.Result{}, nil
	}

	status, err := r.Syncer.SyncNamed(ctx, req.Namespace, req.Name, domain.ResourceSyncTarget)
	switch {
	case domain.IsNotFound(err):
		log.V(1).Info("Kustomization has no stored mirror, skipping")
		return ctrl.Result{}, nil
	case err != nil:
		log.Error(err, "Failed to sync Kustomization status")
		return ctrl.Result{}, err
	}

	log.V(1).Info("Synced Kustomization status", "status", status)
	return ctrl.Result{}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *KustomizationReconciler) SetupWithManager(mgr ctrl.Manager) error {
	managed := predicate.NewPredicateFuncs(func(obj client.Object) bool {
		return cluster.IsManaged(obj)
	})
	return ctrl.NewControllerManagedBy(mgr).
		For(&flux.Kustomization{}, builder.WithPredicates(managed)).
		Named("kustomization").
		Complete(r)
}
