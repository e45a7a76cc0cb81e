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

package orchestrator

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/mikelane/gitopsd/internal/domain"
)

// maxNameLength is the DNS-1123 label limit shared by namespaces and most
// object names.
const maxNameLength = 63

// NamespaceName returns the namespace holding an environment's workloads
// and its sync target.
func NamespaceName(project *domain.Project, envType domain.EnvironmentType) string {
	return dnsLabel(project.Slug + "-" + string(envType))
}

// SourceName returns the name of a project's Git source object.
func SourceName(project *domain.Project) string {
	return dnsLabel(project.Slug)
}

// SyncName returns the name of an environment's sync target object.
func SyncName(project *domain.Project, envType domain.EnvironmentType) string {
	return dnsLabel(project.Slug + "-" + string(envType))
}

// SecretName returns the name of the Git credential secret.
func SecretName(project *domain.Project) string {
	return dnsLabel(project.Slug + "-git-credentials")
}

// WorkloadName returns the apps/v1 Deployment the direct executor patches.
func WorkloadName(project *domain.Project) string {
	return dnsLabel(project.Slug)
}

// dnsLabel lowercases s and, when it is too long, truncates it and appends
// a short hash so distinct inputs keep distinct names.
func dnsLabel(s string) string {
	s = strings.ToLower(s)
	if len(s) <= maxNameLength {
		return s
	}
	h := sha256.Sum256([]byte(s))
	suffix := fmt.Sprintf("%x", h[:4])
	return strings.TrimRight(s[:maxNameLength-len(suffix)-1], "-") + "-" + suffix
}

// TrackedBranch returns the branch an environment's sync target follows.
// All environments share the project's single Git source, so an
// environment naming another branch than sourceBranch cannot be served.
func TrackedBranch(env *domain.Environment, sourceBranch string) (string, error) {
	if env.GitOps == nil || env.GitOps.Branch == "" || env.GitOps.Branch == sourceBranch {
		return sourceBranch, nil
	}
	return "", &domain.ConflictError{
		Kind:   "environment",
		ID:     env.ID,
		Reason: fmt.Sprintf("branch %q differs from the project's Git source branch %q", env.GitOps.Branch, sourceBranch),
	}
}
