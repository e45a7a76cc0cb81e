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
	"context"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/gitopsd/api/v1alpha1"
	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/store"
)

// CredentialProvisioner creates and revokes a project's Git credential.
type CredentialProvisioner interface {
	SetupProjectAuth(ctx context.Context, project *domain.Project, repo *domain.Repository, actorID, providerToken string) (*domain.GitCredential, error)
	RevokeCredential(ctx context.Context, projectID string) error
}

// Bootstrapper serves GitOps setup and teardown requests by provisioning the
// credential first and the cluster objects second.
type Bootstrapper struct {
	store        store.Store
	orchestrator *Orchestrator
	credentials  CredentialProvisioner
}

// NewBootstrapper creates a Bootstrapper.
func NewBootstrapper(s store.Store, o *Orchestrator, creds CredentialProvisioner) *Bootstrapper {
	return &Bootstrapper{store: s, orchestrator: o, credentials: creds}
}

// Setup enables GitOps for the project named in req. providerToken is the
// actor's own provider session token; it is used once to create the
// project credential and is not stored.
func (b *Bootstrapper) Setup(ctx context.Context, req *v1alpha1.GitOpsSetupRequest, providerToken string) (*SetupResult, error) {
	logger := log.FromContext(ctx).WithValues("project", req.ProjectID, "actor", req.ActorID)

	project, err := b.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, domain.WrapGitOps("setup", req.ProjectID, err)
	}
	if err := b.authorize(ctx, req.ActorID, project.ID, "setup gitops"); err != nil {
		return nil, err
	}

	repo, err := b.store.GetRepository(ctx, req.RepositoryID)
	if err != nil {
		return nil, domain.WrapGitOps("setup", req.ProjectID, err)
	}
	if repo.ProjectID != project.ID {
		return nil, &domain.NotFoundError{Kind: "repository", ID: req.RepositoryID}
	}
	source := *repo
	if req.RepositoryURL != "" {
		source.URL = req.RepositoryURL
	}
	if req.RepositoryBranch != "" {
		source.DefaultBranch = req.RepositoryBranch
	}

	envs := make([]domain.Environment, 0, len(req.Environments))
	for _, ref := range req.Environments {
		env, err := b.store.GetEnvironment(ctx, ref.ID)
		if err != nil {
			return nil, domain.WrapGitOps("setup", req.ProjectID, err)
		}
		if env.ProjectID != project.ID {
			return nil, &domain.NotFoundError{Kind: "environment", ID: ref.ID}
		}
		envs = append(envs, *env)
	}

	credentialID := ""
	if source.Private {
		cred, err := b.credentials.SetupProjectAuth(ctx, project, &source, req.ActorID, providerToken)
		if err != nil {
			return nil, err
		}
		credentialID = cred.ID
		logger.Info("Project credential ready", "credential", cred.ID, "type", cred.Type)
	}

	return b.orchestrator.SetupProject(ctx, project, &source, envs, credentialID)
}

// Teardown removes the project's GitOps objects and revokes its credential.
func (b *Bootstrapper) Teardown(ctx context.Context, projectID, actorID string) error {
	project, err := b.store.GetProject(ctx, projectID)
	if err != nil {
		return domain.WrapGitOps("teardown", projectID, err)
	}
	if err := b.authorize(ctx, actorID, projectID, "teardown gitops"); err != nil {
		return err
	}
	if err := b.orchestrator.TeardownProject(ctx, project); err != nil {
		return err
	}
	return b.credentials.RevokeCredential(ctx, projectID)
}

func (b *Bootstrapper) authorize(ctx context.Context, actorID, projectID, action string) error {
	ok, err := b.store.HasProjectRole(ctx, actorID, projectID, domain.RoleOwner, domain.RoleAdmin)
	if err != nil {
		return domain.WrapGitOps(action, projectID, err)
	}
	if !ok {
		return &domain.PermissionError{Actor: actorID, Action: action, Target: projectID}
	}
	return nil
}
