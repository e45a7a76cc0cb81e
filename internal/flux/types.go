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

// Struct field names and JSON tags follow the Flux CRD APIs so objects
// round-trip through the API server unchanged. Only the fields the control
// plane reads or writes are modelled.
//
//nolint:govet // fieldalignment warnings ignored - field order matches Flux CRD API
package flux

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var (
	// SourceGroupVersion is the group version of GitRepository.
	SourceGroupVersion = schema.GroupVersion{Group: "source.toolkit.fluxcd.io", Version: "v1"}
	// KustomizeGroupVersion is the group version of Kustomization.
	KustomizeGroupVersion = schema.GroupVersion{Group: "kustomize.toolkit.fluxcd.io", Version: "v1"}

	// SchemeBuilder is used to add go types to the GroupVersionKind scheme
	SchemeBuilder = runtime.NewSchemeBuilder(addKnownTypes)

	// AddToScheme adds both Flux group versions to the given scheme.
	AddToScheme = SchemeBuilder.AddToScheme
)

// Kind names.
const (
	GitRepositoryKind = "GitRepository"
	KustomizationKind = "Kustomization"
)

func addKnownTypes(scheme *runtime.Scheme) error {
	scheme.AddKnownTypes(SourceGroupVersion,
		&GitRepository{},
		&GitRepositoryList{},
	)
	metav1.AddToGroupVersion(scheme, SourceGroupVersion)
	scheme.AddKnownTypes(KustomizeGroupVersion,
		&Kustomization{},
		&KustomizationList{},
	)
	metav1.AddToGroupVersion(scheme, KustomizeGroupVersion)
	return nil
}

// GitRepository is the Flux source that fetches a Git branch
// +kubebuilder:object:root=true
type GitRepository struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
	Spec              GitRepositorySpec   `json:"spec,omitempty"`
	Status            GitRepositoryStatus `json:"status,omitempty"`
}

// GitRepositorySpec specifies the repository to fetch
type GitRepositorySpec struct {
	URL       string                `json:"url"`
	SecretRef *LocalObjectReference `json:"secretRef,omitempty"`
	Interval  metav1.Duration       `json:"interval"`
	Timeout   *metav1.Duration      `json:"timeout,omitempty"`
	Reference *GitRepositoryRef     `json:"ref,omitempty"`
	Suspend   bool                  `json:"suspend,omitempty"`
}

// GitRepositoryRef selects the branch to track
type GitRepositoryRef struct {
	Branch string `json:"branch,omitempty"`
}

// LocalObjectReference names an object in the same namespace
type LocalObjectReference struct {
	Name string `json:"name"`
}

// GitRepositoryStatus is the observed state reported by the source controller
type GitRepositoryStatus struct {
	ObservedGeneration int64              `json:"observedGeneration,omitempty"`
	Conditions         []metav1.Condition `json:"conditions,omitempty"`
	Artifact           *Artifact          `json:"artifact,omitempty"`
}

// Artifact is the fetched revision
type Artifact struct {
	Revision       string      `json:"revision"`
	LastUpdateTime metav1.Time `json:"lastUpdateTime,omitempty"`
}

// DeepCopyObject returns a deep copy of the GitRepository
func (in *GitRepository) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := new(GitRepository)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies all properties of this object into another object of the same type
func (in *GitRepository) DeepCopyInto(out *GitRepository) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
	in.Status.DeepCopyInto(&out.Status)
}

// DeepCopy returns a deep copy of the GitRepository
func (in *GitRepository) DeepCopy() *GitRepository {
	if in == nil {
		return nil
	}
	out := new(GitRepository)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies all properties of this object into another object of the same type
func (in *GitRepositorySpec) DeepCopyInto(out *GitRepositorySpec) {
	*out = *in
	if in.SecretRef != nil {
		out.SecretRef = new(LocalObjectReference)
		*out.SecretRef = *in.SecretRef
	}
	if in.Timeout != nil {
		out.Timeout = new(metav1.Duration)
		*out.Timeout = *in.Timeout
	}
	if in.Reference != nil {
		out.Reference = new(GitRepositoryRef)
		*out.Reference = *in.Reference
	}
}

// DeepCopyInto copies all properties of this object into another object of the same type
func (in *GitRepositoryStatus) DeepCopyInto(out *GitRepositoryStatus) {
	*out = *in
	out.Conditions = copyConditions(in.Conditions)
	if in.Artifact != nil {
		out.Artifact = new(Artifact)
		*out.Artifact = *in.Artifact
		in.Artifact.LastUpdateTime.DeepCopyInto(&out.Artifact.LastUpdateTime)
	}
}

// GitRepositoryList is a list of GitRepository resources
// +kubebuilder:object:root=true
type GitRepositoryList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []GitRepository `json:"items"`
}

// DeepCopyObject returns a deep copy of the GitRepositoryList
func (in *GitRepositoryList) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := new(GitRepositoryList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies all properties of this object into another object of the same type
func (in *GitRepositoryList) DeepCopyInto(out *GitRepositoryList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		in, out := &in.Items, &out.Items
		*out = make([]GitRepository, len(*in))
		for i := range *in {
			(*in)[i].DeepCopyInto(&(*out)[i])
		}
	}
}

// Kustomization applies a path of a source to the cluster
// +kubebuilder:object:root=true
type Kustomization struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
	Spec              KustomizationSpec   `json:"spec,omitempty"`
	Status            KustomizationStatus `json:"status,omitempty"`
}

// KustomizationSpec specifies what to apply and where
type KustomizationSpec struct {
	Interval        metav1.Duration         `json:"interval"`
	RetryInterval   *metav1.Duration        `json:"retryInterval,omitempty"`
	Path            string                  `json:"path,omitempty"`
	Prune           bool                    `json:"prune"`
	SourceRef       CrossNamespaceSourceRef `json:"sourceRef"`
	TargetNamespace string                  `json:"targetNamespace,omitempty"`
	Timeout         *metav1.Duration        `json:"timeout,omitempty"`
	Wait            bool                    `json:"wait,omitempty"`
	Suspend         bool                    `json:"suspend,omitempty"`
}

// CrossNamespaceSourceRef points a Kustomization at its source
type CrossNamespaceSourceRef struct {
	APIVersion string `json:"apiVersion,omitempty"`
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	Namespace  string `json:"namespace,omitempty"`
}

// KustomizationStatus is the observed state reported by the kustomize controller
type KustomizationStatus struct {
	ObservedGeneration    int64              `json:"observedGeneration,omitempty"`
	Conditions            []metav1.Condition `json:"conditions,omitempty"`
	LastAppliedRevision   string             `json:"lastAppliedRevision,omitempty"`
	LastAttemptedRevision string             `json:"lastAttemptedRevision,omitempty"`
}

// DeepCopyObject returns a deep copy of the Kustomization
func (in *Kustomization) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := new(Kustomization)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies all properties of this object into another object of the same type
func (in *Kustomization) DeepCopyInto(out *Kustomization) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
	in.Status.DeepCopyInto(&out.Status)
}

// DeepCopy returns a deep copy of the Kustomization
func (in *Kustomization) DeepCopy() *Kustomization {
	if in == nil {
		return nil
	}
	out := new(Kustomization)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies all properties of this object into another object of the same type
func (in *KustomizationSpec) DeepCopyInto(out *KustomizationSpec) {
	*out = *in
	if in.RetryInterval != nil {
		out.RetryInterval = new(metav1.Duration)
		*out.RetryInterval = *in.RetryInterval
	}
	if in.Timeout != nil {
		out.Timeout = new(metav1.Duration)
		*out.Timeout = *in.Timeout
	}
}

// DeepCopyInto copies all properties of this object into another object of the same type
func (in *KustomizationStatus) DeepCopyInto(out *KustomizationStatus) {
	*out = *in
	out.Conditions = copyConditions(in.Conditions)
}

// KustomizationList is a list of Kustomization resources
// +kubebuilder:object:root=true
type KustomizationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Kustomization `json:"items"`
}

// DeepCopyObject returns a deep copy of the KustomizationList
func (in *KustomizationList) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := new(KustomizationList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies all properties of this object into another object of the same type
func (in *KustomizationList) DeepCopyInto(out *KustomizationList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		in, out := &in.Items, &out.Items
		*out = make([]Kustomization, len(*in))
		for i := range *in {
			(*in)[i].DeepCopyInto(&(*out)[i])
		}
	}
}

func copyConditions(in []metav1.Condition) []metav1.Condition {
	if in == nil {
		return nil
	}
	out := make([]metav1.Condition, len(in))
	for i := range in {
		in[i].DeepCopyInto(&out[i])
	}
	return out
}
