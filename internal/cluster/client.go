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
	"fmt"
	"maps"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	k8sretry "k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/retry"
)

// Labels stamped on every object the control plane creates.
const (
	LabelManagedBy   = "gitopsd.io/managed-by"
	LabelProject     = "gitopsd.io/project"
	LabelEnvironment = "gitopsd.io/environment"

	managedByValue = "gitopsd"
)

// ManagedLabels returns the label set for objects owned by a project and,
// optionally, one of its environments.
func ManagedLabels(projectID, environmentID string) map[string]string {
	labels := map[string]string{
		LabelManagedBy: managedByValue,
		LabelProject:   projectID,
	}
	if environmentID != "" {
		labels[LabelEnvironment] = environmentID
	}
	return labels
}

// IsManaged reports whether obj carries the managed-by label.
func IsManaged(obj metav1.Object) bool {
	return obj.GetLabels()[LabelManagedBy] == managedByValue
}

// Client performs idempotent operations against the cluster
type Client struct {
	client client.Client
	retry  *retry.Config
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetry retries calls that fail with a transient error. Without it every
// call is attempted once.
func WithRetry(cfg *retry.Config) ClientOption {
	return func(c *Client) {
		c.retry = cfg
	}
}

// NewClient creates a new cluster client
func NewClient(c client.Client, opts ...ClientOption) *Client {
	cl := &Client{client: c}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// do runs op, which must return a classified error, under the retry policy.
func (c *Client) do(ctx context.Context, op func() error) error {
	if c.retry == nil {
		return op()
	}
	return retry.Do(ctx, c.retry, retry.IsTransient, op)
}

// EnsureNamespace creates the namespace or merges labels into an existing one.
func (c *Client) EnsureNamespace(ctx context.Context, name string, labels map[string]string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
		},
	}

	return c.do(ctx, func() error {
		_, err := controllerutil.CreateOrUpdate(ctx, c.client, ns, func() error {
			if ns.Labels == nil {
				ns.Labels = make(map[string]string)
			}
			maps.Copy(ns.Labels, labels)
			return nil
		})
		return classify("ensure namespace", name, err)
	})
}

// DeleteNamespace deletes a namespace. Kubernetes cascades the deletion to
// everything inside it.
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	return c.Delete(ctx, ns)
}

// EnsureSecret creates the secret or brings type, data and labels of an
// existing one in line with desired.
func (c *Client) EnsureSecret(ctx context.Context, desired *corev1.Secret) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      desired.Name,
			Namespace: desired.Namespace,
		},
	}

	return c.do(ctx, func() error {
		_, err := controllerutil.CreateOrUpdate(ctx, c.client, secret, func() error {
			if secret.Labels == nil {
				secret.Labels = make(map[string]string)
			}
			maps.Copy(secret.Labels, desired.Labels)
			if secret.CreationTimestamp.IsZero() {
				secret.Type = desired.Type
			}
			secret.Data = maps.Clone(desired.Data)
			return nil
		})
		return classify("ensure secret", desired.Namespace+"/"+desired.Name, err)
	})
}

// DeleteSecret deletes a secret if it exists.
func (c *Client) DeleteSecret(ctx context.Context, namespace, name string) error {
	secret := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace}}
	return c.Delete(ctx, secret)
}

// Create creates obj. An object that already exists counts as success.
func (c *Client) Create(ctx context.Context, obj client.Object) error {
	return c.do(ctx, func() error {
		if err := c.client.Create(ctx, obj); err != nil && !errors.IsAlreadyExists(err) {
			return classify("create "+kindOf(obj), key(obj), err)
		}
		return nil
	})
}

// Delete deletes obj. An object that is already gone counts as success.
func (c *Client) Delete(ctx context.Context, obj client.Object) error {
	return c.do(ctx, func() error {
		err := c.client.Delete(ctx, obj, client.PropagationPolicy(metav1.DeletePropagationBackground))
		if err != nil && !errors.IsNotFound(err) {
			return classify("delete "+kindOf(obj), key(obj), err)
		}
		return nil
	})
}

// Get reads obj by name and namespace.
func (c *Client) Get(ctx context.Context, namespace, name string, obj client.Object) error {
	return c.do(ctx, func() error {
		err := c.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, obj)
		return classify("get "+kindOf(obj), namespace+"/"+name, err)
	})
}

// UpdateWorkload reads an apps/v1 Deployment, applies mutate and writes it
// back, retrying on optimistic-concurrency conflicts.
func (c *Client) UpdateWorkload(ctx context.Context, namespace, name string, mutate func(*appsv1.Deployment) error) (*appsv1.Deployment, error) {
	workload := &appsv1.Deployment{}
	err := c.do(ctx, func() error {
		err := k8sretry.RetryOnConflict(k8sretry.DefaultRetry, func() error {
			if err := c.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, workload); err != nil {
				return err
			}
			if err := mutate(workload); err != nil {
				return err
			}
			return c.client.Update(ctx, workload)
		})
		return classify("update workload", namespace+"/"+name, err)
	})
	if err != nil {
		return nil, err
	}
	return workload, nil
}

// ListPods lists the pods of a namespace.
func (c *Client) ListPods(ctx context.Context, namespace string) ([]corev1.Pod, error) {
	pods := &corev1.PodList{}
	err := c.do(ctx, func() error {
		return classify("list pods", namespace, c.client.List(ctx, pods, client.InNamespace(namespace)))
	})
	if err != nil {
		return nil, err
	}
	return pods.Items, nil
}

// classify maps API errors onto the domain taxonomy.
func classify(op, target string, err error) error {
	switch {
	case err == nil:
		return nil
	case domain.IsBusiness(err):
		return err
	case errors.IsNotFound(err):
		return &domain.NotFoundError{Kind: "cluster object", ID: target}
	case errors.IsForbidden(err) || errors.IsUnauthorized(err):
		return &domain.PermissionError{Actor: "controller service account", Action: op, Target: target}
	case errors.IsTimeout(err), errors.IsServerTimeout(err), errors.IsTooManyRequests(err),
		errors.IsServiceUnavailable(err), errors.IsInternalError(err):
		return domain.Transient(domain.WrapGitOps(op, target, err))
	case isConnectionError(err):
		return domain.Transient(domain.WrapGitOps(op, target, err))
	default:
		return domain.WrapGitOps(op, target, err)
	}
}

func kindOf(obj client.Object) string {
	if gvk := obj.GetObjectKind().GroupVersionKind(); gvk.Kind != "" {
		return gvk.Kind
	}
	return fmt.Sprintf("%T", obj)
}

func key(obj client.Object) string {
	if obj.GetNamespace() == "" {
		return obj.GetName()
	}
	return obj.GetNamespace() + "/" + obj.GetName()
}
