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

package flux

import (
	"strings"
	"time"

	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ReadyCondition is the condition type both controllers maintain.
const ReadyCondition = "Ready"

// OverlayPath returns the repository path synced for an environment type.
func OverlayPath(environmentType string) string {
	return "./k8s/overlays/" + environmentType
}

// SourceOptions describes a GitRepository.
type SourceOptions struct {
	Name      string
	Namespace string
	URL       string
	Branch    string
	// SecretName is empty for public repositories.
	SecretName string
	Interval   time.Duration
	Labels     map[string]string
}

// NewGitRepository renders a GitRepository.
func NewGitRepository(o SourceOptions) *GitRepository {
	repo := &GitRepository{
		TypeMeta: metav1.TypeMeta{
			APIVersion: SourceGroupVersion.String(),
			Kind:       GitRepositoryKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      o.Name,
			Namespace: o.Namespace,
			Labels:    o.Labels,
		},
		Spec: GitRepositorySpec{
			URL:       o.URL,
			Interval:  metav1.Duration{Duration: o.Interval},
			Reference: &GitRepositoryRef{Branch: o.Branch},
		},
	}
	if o.SecretName != "" {
		repo.Spec.SecretRef = &LocalObjectReference{Name: o.SecretName}
	}
	return repo
}

// SyncOptions describes a Kustomization.
type SyncOptions struct {
	Name            string
	Namespace       string
	Path            string
	TargetNamespace string
	SourceName      string
	SourceNamespace string
	Interval        time.Duration
	Timeout         time.Duration
	Labels          map[string]string
}

// NewKustomization renders a pruning Kustomization.
func NewKustomization(o SyncOptions) *Kustomization {
	k := &Kustomization{
		TypeMeta: metav1.TypeMeta{
			APIVersion: KustomizeGroupVersion.String(),
			Kind:       KustomizationKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      o.Name,
			Namespace: o.Namespace,
			Labels:    o.Labels,
		},
		Spec: KustomizationSpec{
			Interval: metav1.Duration{Duration: o.Interval},
			Path:     o.Path,
			Prune:    true,
			SourceRef: CrossNamespaceSourceRef{
				APIVersion: SourceGroupVersion.String(),
				Kind:       GitRepositoryKind,
				Name:       o.SourceName,
				Namespace:  o.SourceNamespace,
			},
			TargetNamespace: o.TargetNamespace,
		},
	}
	if o.Timeout > 0 {
		k.Spec.Timeout = &metav1.Duration{Duration: o.Timeout}
	}
	return k
}

// FindReady returns the Ready condition, or nil.
func FindReady(conditions []metav1.Condition) *metav1.Condition {
	return apimeta.FindStatusCondition(conditions, ReadyCondition)
}

// ParseRevision splits a Flux revision into branch and commit. It accepts
// the current "main@sha1:<hash>" form and the older "main/<hash>" form.
func ParseRevision(revision string) (branch, commit string) {
	if at := strings.LastIndex(revision, "@"); at >= 0 {
		branch = revision[:at]
		commit = revision[at+1:]
		if colon := strings.Index(commit, ":"); colon >= 0 {
			commit = commit[colon+1:]
		}
		return branch, commit
	}
	if slash := strings.LastIndex(revision, "/"); slash >= 0 {
		return revision[:slash], revision[slash+1:]
	}
	if colon := strings.Index(revision, ":"); colon >= 0 {
		return "", revision[colon+1:]
	}
	return "", revision
}
