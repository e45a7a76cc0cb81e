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
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/flux"
)

// Observation is what the cluster reports for one mirrored object.
type Observation struct {
	Status   domain.ResourceStatus
	Revision string
	Message  string
}

// MapConditions maps a condition list to a resource status. Ready=True is
// ready, Ready=False with a reason ending in "Failed" (ReconciliationFailed,
// ArtifactFailed, HealthCheckFailed, ...) is failed, anything else is
// pending.
func MapConditions(conditions []metav1.Condition) (domain.ResourceStatus, string) {
	ready := flux.FindReady(conditions)
	if ready == nil {
		return domain.ResourcePending, ""
	}
	switch ready.Status {
	case metav1.ConditionTrue:
		return domain.ResourceReady, ready.Message
	case metav1.ConditionFalse:
		if strings.HasSuffix(ready.Reason, "Failed") {
			return domain.ResourceFailed, ready.Message
		}
	}
	return domain.ResourcePending, ready.Message
}

// Observe extracts status and revision from a GitRepository or Kustomization.
// Conditions from an older generation are treated as still converging.
func Observe(obj client.Object) Observation {
	var (
		conditions []metav1.Condition
		observed   int64
		revision   string
	)
	switch o := obj.(type) {
	case *flux.GitRepository:
		conditions = o.Status.Conditions
		observed = o.Status.ObservedGeneration
		if o.Status.Artifact != nil {
			revision = o.Status.Artifact.Revision
		}
	case *flux.Kustomization:
		conditions = o.Status.Conditions
		observed = o.Status.ObservedGeneration
		revision = o.Status.LastAppliedRevision
	default:
		return Observation{Status: domain.ResourcePending}
	}

	status, message := MapConditions(conditions)
	if k, ok := obj.(*flux.Kustomization); ok && status == domain.ResourceFailed && k.Status.LastAttemptedRevision != "" {
		revision = k.Status.LastAttemptedRevision
	}
	if observed != 0 && observed < obj.GetGeneration() && status != domain.ResourceFailed {
		status = domain.ResourcePending
	}
	return Observation{Status: status, Revision: revision, Message: message}
}
