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

// Package store persists the control plane's entities. Postgres is the
// production backend; Memory backs tests and single-process development
// runs. Both enforce the same uniqueness invariants.
package store

import (
	"context"
	"time"

	"github.com/mikelane/gitopsd/internal/domain"
)

// Store is the full persistence surface.
type Store interface {
	Catalog
	Deployments
	Approvals
	Resources
	Credentials

	// InTx runs fn inside a transaction. fn must only use the Store it is
	// given. Any error rolls the transaction back.
	InTx(ctx context.Context, fn func(tx Store) error) error
}

// Catalog exposes the project, environment and repository records owned by
// the surrounding platform. The control plane only reads them.
type Catalog interface {
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	GetEnvironment(ctx context.Context, id string) (*domain.Environment, error)
	ListEnvironments(ctx context.Context, projectID string) ([]domain.Environment, error)
	GetRepository(ctx context.Context, id string) (*domain.Repository, error)
	GetProjectRepository(ctx context.Context, projectID string) (*domain.Repository, error)
	ListOrganizationAdmins(ctx context.Context, organizationID string) ([]string, error)
	HasProjectRole(ctx context.Context, actorID, projectID string, roles ...string) (bool, error)
}

// DeploymentUpdate describes a status transition.
type DeploymentUpdate struct {
	Status       domain.DeploymentStatus
	FinishedAt   *time.Time
	ErrorMessage *string
}

// Deployments persists Deployment rows. Rows are never deleted.
type Deployments interface {
	// CreateDeployment inserts d. It returns a ConflictError when d is
	// running and another deployment already runs in the same environment.
	CreateDeployment(ctx context.Context, d *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	// LockDeployment reads d and holds a row lock until the transaction ends.
	LockDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	FindDeploymentByCommit(ctx context.Context, projectID, environmentID, commit string) (*domain.Deployment, error)
	// TransitionDeployment applies upd only if the current status is one of
	// from, returning a ConflictError otherwise.
	TransitionDeployment(ctx context.Context, id string, from []domain.DeploymentStatus, upd DeploymentUpdate) (*domain.Deployment, error)
	// SetDeploymentCommit records commit unless a hash is already set. A
	// deployment without a version takes the commit's short hash.
	SetDeploymentCommit(ctx context.Context, id, commit string) error
	LatestSuccessfulDeployment(ctx context.Context, projectID, environmentID string, before time.Time, excludeID string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, projectID, environmentID string, limit int) ([]domain.Deployment, error)
}

// Approvals persists per-approver votes.
type Approvals interface {
	CreateApprovalRequests(ctx context.Context, reqs []domain.ApprovalRequest) error
	ListApprovalRequests(ctx context.Context, deploymentID string) ([]domain.ApprovalRequest, error)
	UpdateApprovalRequest(ctx context.Context, r *domain.ApprovalRequest) error
}

// ResourceStatusUpdate is the observed state written back by status sync.
type ResourceStatusUpdate struct {
	Status       domain.ResourceStatus
	ErrorMessage *string
	Revision     string
}

// Resources persists GitOpsResource mirrors.
type Resources interface {
	// UpsertGitOpsResource inserts r unless a live row with the same
	// (namespace, name, type) exists, and returns the stored row.
	UpsertGitOpsResource(ctx context.Context, r *domain.GitOpsResource) (*domain.GitOpsResource, error)
	GetGitOpsResource(ctx context.Context, id string) (*domain.GitOpsResource, error)
	FindGitOpsResource(ctx context.Context, namespace, name string, typ domain.ResourceType) (*domain.GitOpsResource, error)
	ListGitOpsResources(ctx context.Context, projectID string) ([]domain.GitOpsResource, error)
	// ListGitOpsProjects returns the ids of projects with live resources.
	ListGitOpsProjects(ctx context.Context) ([]string, error)
	UpdateGitOpsResourceStatus(ctx context.Context, id string, upd ResourceStatusUpdate) error
	SoftDeleteGitOpsResources(ctx context.Context, projectID string, at time.Time) error
}

// Credentials persists Git credentials. At most one non-revoked credential
// exists per project.
type Credentials interface {
	CreateCredential(ctx context.Context, c *domain.GitCredential) error
	GetCredential(ctx context.Context, id string) (*domain.GitCredential, error)
	GetActiveCredential(ctx context.Context, projectID string) (*domain.GitCredential, error)
	RevokeCredential(ctx context.Context, id string, at time.Time) error
}

// shortCommit is the version recorded for deployments created without one.
func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}

func runningConflict(d *domain.Deployment) error {
	return &domain.ConflictError{
		Kind:   "deployment",
		ID:     d.ID,
		Reason: "another deployment is already running for environment " + d.EnvironmentID,
	}
}
