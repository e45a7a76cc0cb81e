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

package domain

import (
	"net/url"
	"strings"
	"time"
)

// DeploymentStatus is the lifecycle state of a Deployment.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentRunning    DeploymentStatus = "running"
	DeploymentSuccess    DeploymentStatus = "success"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
)

// Terminal reports whether no further transition is allowed out of s.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentSuccess, DeploymentFailed, DeploymentRolledBack:
		return true
	}
	return false
}

// DeploymentMethod says how a Deployment reaches the cluster.
type DeploymentMethod string

const (
	// MethodDirect applies changes straight to the cluster workload.
	MethodDirect DeploymentMethod = "direct"
	// MethodGitOps commits changes to Git and lets the external controller apply them.
	MethodGitOps DeploymentMethod = "gitops"
)

// Deployment is one attempt to bring an environment to a specific version.
type Deployment struct {
	ID               string
	ProjectID        string
	EnvironmentID    string
	Version          string
	CommitHash       *string
	Branch           string
	Method           DeploymentMethod
	Status           DeploymentStatus
	RequiresApproval bool
	Changes          Changes
	// RollbackOf is the id of the deployment this one supersedes, if any.
	RollbackOf       *string
	GitOpsResourceID *string
	ErrorMessage     *string
	DeployedBy       *string
	StartedAt        time.Time
	FinishedAt       *time.Time
}

// Commit returns the commit hash or an empty string when it is not known yet.
func (d *Deployment) Commit() string {
	if d.CommitHash == nil {
		return ""
	}
	return *d.CommitHash
}

// EnvironmentType names a deployment target tier.
type EnvironmentType string

const (
	EnvDevelopment EnvironmentType = "development"
	EnvStaging     EnvironmentType = "staging"
	EnvProduction  EnvironmentType = "production"
	EnvTesting     EnvironmentType = "testing"
)

// Valid reports whether t is one of the known environment types.
func (t EnvironmentType) Valid() bool {
	switch t {
	case EnvDevelopment, EnvStaging, EnvProduction, EnvTesting:
		return true
	}
	return false
}

// GitOpsConfig is the per-environment GitOps configuration block.
type GitOpsConfig struct {
	Enabled      bool
	Branch       string
	Path         string
	SyncInterval time.Duration
}

// Environment is a named deployment target belonging to a project.
type Environment struct {
	ID        string
	ProjectID string
	Name      string
	Type      EnvironmentType
	GitOps    *GitOpsConfig
}

// GitOpsEnabled reports whether the environment has an enabled GitOps block.
func (e *Environment) GitOpsEnabled() bool {
	return e.GitOps != nil && e.GitOps.Enabled
}

// Project is the read-only view of a project the core needs.
type Project struct {
	ID             string
	OrganizationID string
	Name           string
	Slug           string
}

// Project roles checked by the core. Organization admins pass every check.
const (
	RoleOwner     = "owner"
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
)

// GitProvider identifies a Git hosting provider.
type GitProvider string

const (
	ProviderGitHub GitProvider = "github"
	ProviderGitLab GitProvider = "gitlab"
)

// Repository is a Git repository linked to a project.
type Repository struct {
	ID            string
	ProjectID     string
	Provider      GitProvider
	URL           string
	DefaultBranch string
	// Owner and Name identify the repository at the provider ("owner/name").
	Owner   string
	Name    string
	Private bool
}

// FullName returns "owner/name".
func (r *Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// GitURL returns the URL a Git client authenticating with a credential of
// type t should use. Deploy keys only work over SSH, so HTTP(S) URLs are
// rewritten to ssh://git@host/path for them.
func (r *Repository) GitURL(t CredentialType) string {
	if t != CredentialDeployKey {
		return r.URL
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return r.URL
	}
	path := strings.TrimSuffix(strings.TrimPrefix(u.Path, "/"), "/")
	if !strings.HasSuffix(path, ".git") {
		path += ".git"
	}
	return "ssh://git@" + u.Hostname() + "/" + path
}

// ResourceType distinguishes the two cluster object kinds mirrored by GitOpsResource.
type ResourceType string

const (
	ResourceGitSource  ResourceType = "git-source"
	ResourceSyncTarget ResourceType = "sync-target"
)

// ResourceStatus is the convergence state of a mirrored cluster object.
type ResourceStatus string

const (
	ResourcePending ResourceStatus = "pending"
	ResourceReady   ResourceStatus = "ready"
	ResourceFailed  ResourceStatus = "failed"
)

// GitOpsResource mirrors one cluster object created by the orchestrator.
type GitOpsResource struct {
	ID            string
	ProjectID     string
	EnvironmentID *string
	RepositoryID  string
	Type          ResourceType
	Name          string
	Namespace     string
	Config        map[string]string
	Status        ResourceStatus
	ErrorMessage  *string
	// Revision is the last revision the controller reported for this object.
	Revision  string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// CredentialType is the kind of long-lived Git credential.
type CredentialType string

const (
	CredentialScopedToken CredentialType = "provider_scoped_token"
	CredentialDeployKey   CredentialType = "deploy_key"
)

// GitCredential is a long-lived, narrowly scoped Git access credential.
type GitCredential struct {
	ID         string
	ProjectID  string
	Type       CredentialType
	ExternalID string
	// Username is the basic-auth user paired with a scoped token.
	Username string
	// SecretMaterial is sealed; only internal/credentials can open it.
	SecretMaterial []byte
	// PublicKey is set for deploy keys.
	PublicKey string
	Scopes    []string
	ExpiresAt *time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Active reports whether the credential has not been revoked.
func (c *GitCredential) Active() bool {
	return c.RevokedAt == nil
}

// ApprovalStatus is a single approver's vote.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRequest is one approver's pending or decided vote on a Deployment.
type ApprovalRequest struct {
	ID           string
	DeploymentID string
	ApproverID   string
	Status       ApprovalStatus
	Comment      *string
	DecidedAt    *time.Time
	CreatedAt    time.Time
}
