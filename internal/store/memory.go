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

package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mikelane/gitopsd/internal/domain"
)

// Memory is an in-process Store. Transactions are serialized and roll back
// by restoring a snapshot.
type Memory struct {
	txMu sync.Mutex

	mu          sync.RWMutex
	data        memoryData
	projects    map[string]domain.Project
	envs        map[string]domain.Environment
	repos       map[string]domain.Repository
	orgAdmins   map[string][]string
	memberRoles map[string]map[string]string // project -> user -> role
}

type memoryData struct {
	deployments map[string]domain.Deployment
	approvals   map[string]domain.ApprovalRequest
	resources   map[string]domain.GitOpsResource
	credentials map[string]domain.GitCredential
}

func (d memoryData) clone() memoryData {
	return memoryData{
		deployments: maps.Clone(d.deployments),
		approvals:   maps.Clone(d.approvals),
		resources:   maps.Clone(d.resources),
		credentials: maps.Clone(d.credentials),
	}
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: memoryData{
			deployments: map[string]domain.Deployment{},
			approvals:   map[string]domain.ApprovalRequest{},
			resources:   map[string]domain.GitOpsResource{},
			credentials: map[string]domain.GitCredential{},
		},
		projects:    map[string]domain.Project{},
		envs:        map[string]domain.Environment{},
		repos:       map[string]domain.Repository{},
		orgAdmins:   map[string][]string{},
		memberRoles: map[string]map[string]string{},
	}
}

// AddProject seeds a project.
func (m *Memory) AddProject(p domain.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
}

// AddEnvironment seeds an environment.
func (m *Memory) AddEnvironment(e domain.Environment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs[e.ID] = e
}

// AddRepository seeds a repository.
func (m *Memory) AddRepository(r domain.Repository) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[r.ID] = r
}

// AddOrganizationAdmin seeds an organization admin.
func (m *Memory) AddOrganizationAdmin(organizationID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgAdmins[organizationID] = append(m.orgAdmins[organizationID], userID)
}

// AddProjectMember seeds a project role.
func (m *Memory) AddProjectMember(projectID, userID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memberRoles[projectID] == nil {
		m.memberRoles[projectID] = map[string]string{}
	}
	m.memberRoles[projectID][userID] = role
}

// InTx serializes fn against other transactions and restores the previous
// state if fn fails.
func (m *Memory) InTx(ctx context.Context, fn func(tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.data.clone()
	m.mu.RUnlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.data = snapshot
		m.mu.Unlock()
		return err
	}
	return ctx.Err()
}

func (m *Memory) GetProject(_ context.Context, id string) (*domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "project", ID: id}
	}
	return &p, nil
}

func (m *Memory) GetEnvironment(_ context.Context, id string) (*domain.Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.envs[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "environment", ID: id}
	}
	return &e, nil
}

func (m *Memory) ListEnvironments(_ context.Context, projectID string) ([]domain.Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Environment
	for _, e := range m.envs {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b domain.Environment) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *Memory) GetRepository(_ context.Context, id string) (*domain.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.repos[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "repository", ID: id}
	}
	return &r, nil
}

func (m *Memory) GetProjectRepository(_ context.Context, projectID string) (*domain.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range slices.Sorted(maps.Keys(m.repos)) {
		if r := m.repos[id]; r.ProjectID == projectID {
			return &r, nil
		}
	}
	return nil, &domain.NotFoundError{Kind: "repository for project", ID: projectID}
}

func (m *Memory) ListOrganizationAdmins(_ context.Context, organizationID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.orgAdmins[organizationID]), nil
}

func (m *Memory) HasProjectRole(_ context.Context, actorID, projectID string, roles ...string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if role, ok := m.memberRoles[projectID][actorID]; ok && slices.Contains(roles, role) {
		return true, nil
	}
	if p, ok := m.projects[projectID]; ok && slices.Contains(m.orgAdmins[p.OrganizationID], actorID) {
		return true, nil
	}
	return false, nil
}

func (m *Memory) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.deployments[d.ID]; ok {
		return &domain.ConflictError{Kind: "deployment", ID: d.ID, Reason: "already exists"}
	}
	if d.Status == domain.DeploymentRunning && m.runningLocked(d.ProjectID, d.EnvironmentID, d.ID) {
		return runningConflict(d)
	}
	if d.CommitHash != nil && d.RollbackOf == nil {
		for _, other := range m.data.deployments {
			if other.ProjectID == d.ProjectID && other.EnvironmentID == d.EnvironmentID &&
				other.RollbackOf == nil && other.Commit() == *d.CommitHash {
				return &domain.ConflictError{Kind: "deployment", ID: d.ID, Reason: "commit already recorded for environment"}
			}
		}
	}
	m.data.deployments[d.ID] = *d
	return nil
}

func (m *Memory) runningLocked(projectID, environmentID, exceptID string) bool {
	for id, other := range m.data.deployments {
		if id != exceptID && other.ProjectID == projectID && other.EnvironmentID == environmentID &&
			other.Status == domain.DeploymentRunning {
			return true
		}
	}
	return false
}

func (m *Memory) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data.deployments[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "deployment", ID: id}
	}
	return &d, nil
}

// LockDeployment is GetDeployment; InTx already serializes writers.
func (m *Memory) LockDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return m.GetDeployment(ctx, id)
}

func (m *Memory) FindDeploymentByCommit(_ context.Context, projectID, environmentID, commit string) (*domain.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *domain.Deployment
	for _, d := range m.data.deployments {
		if d.ProjectID == projectID && d.EnvironmentID == environmentID && d.Commit() == commit {
			if found == nil || d.StartedAt.After(found.StartedAt) {
				found = &d
			}
		}
	}
	if found == nil {
		return nil, &domain.NotFoundError{Kind: "deployment for commit", ID: commit}
	}
	return found, nil
}

func (m *Memory) TransitionDeployment(_ context.Context, id string, from []domain.DeploymentStatus, upd DeploymentUpdate) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data.deployments[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "deployment", ID: id}
	}
	if !slices.Contains(from, d.Status) {
		return nil, &domain.ConflictError{
			Kind:   "deployment",
			ID:     id,
			Reason: "cannot move from " + string(d.Status) + " to " + string(upd.Status),
		}
	}
	if upd.Status == domain.DeploymentRunning && m.runningLocked(d.ProjectID, d.EnvironmentID, d.ID) {
		return nil, runningConflict(&d)
	}
	d.Status = upd.Status
	if upd.FinishedAt != nil {
		d.FinishedAt = upd.FinishedAt
	}
	if upd.ErrorMessage != nil {
		d.ErrorMessage = upd.ErrorMessage
	}
	m.data.deployments[id] = d
	return &d, nil
}

func (m *Memory) SetDeploymentCommit(_ context.Context, id, commit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data.deployments[id]
	if !ok {
		return &domain.NotFoundError{Kind: "deployment", ID: id}
	}
	if d.CommitHash == nil {
		d.CommitHash = &commit
		if d.Version == "" {
			d.Version = shortCommit(commit)
		}
		m.data.deployments[id] = d
	}
	return nil
}

func (m *Memory) LatestSuccessfulDeployment(_ context.Context, projectID, environmentID string, before time.Time, excludeID string) (*domain.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *domain.Deployment
	for id, d := range m.data.deployments {
		if id == excludeID || d.ProjectID != projectID || d.EnvironmentID != environmentID ||
			d.Status != domain.DeploymentSuccess || d.StartedAt.After(before) {
			continue
		}
		if found == nil || d.StartedAt.After(found.StartedAt) {
			found = &d
		}
	}
	if found == nil {
		return nil, domain.ErrNoRollbackTarget
	}
	return found, nil
}

func (m *Memory) ListDeployments(_ context.Context, projectID, environmentID string, limit int) ([]domain.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Deployment
	for _, d := range m.data.deployments {
		if d.ProjectID == projectID && d.EnvironmentID == environmentID {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b domain.Deployment) int { return b.StartedAt.Compare(a.StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateApprovalRequests(_ context.Context, reqs []domain.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range reqs {
		for _, other := range m.data.approvals {
			if other.DeploymentID == r.DeploymentID && other.ApproverID == r.ApproverID {
				return &domain.ConflictError{Kind: "approval request", ID: r.DeploymentID, Reason: "approver " + r.ApproverID + " already assigned"}
			}
		}
		m.data.approvals[r.ID] = r
	}
	return nil
}

func (m *Memory) ListApprovalRequests(_ context.Context, deploymentID string) ([]domain.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ApprovalRequest
	for _, r := range m.data.approvals {
		if r.DeploymentID == deploymentID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b domain.ApprovalRequest) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ApproverID, b.ApproverID))
	})
	return out, nil
}

func (m *Memory) UpdateApprovalRequest(_ context.Context, r *domain.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data.approvals[r.ID]
	if !ok {
		return &domain.NotFoundError{Kind: "approval request", ID: r.ID}
	}
	if cur.Status != domain.ApprovalPending {
		return &domain.ConflictError{Kind: "approval request", ID: r.ID, Reason: "already decided"}
	}
	cur.Status, cur.Comment, cur.DecidedAt = r.Status, r.Comment, r.DecidedAt
	m.data.approvals[r.ID] = cur
	return nil
}

func (m *Memory) UpsertGitOpsResource(_ context.Context, r *domain.GitOpsResource) (*domain.GitOpsResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.findResourceLocked(r.Namespace, r.Name, r.Type); existing != nil {
		return existing, nil
	}
	stored := *r
	stored.Config = maps.Clone(r.Config)
	m.data.resources[r.ID] = stored
	return &stored, nil
}

func (m *Memory) findResourceLocked(namespace, name string, typ domain.ResourceType) *domain.GitOpsResource {
	for _, r := range m.data.resources {
		if r.DeletedAt == nil && r.Namespace == namespace && r.Name == name && r.Type == typ {
			return &r
		}
	}
	return nil
}

func (m *Memory) GetGitOpsResource(_ context.Context, id string) (*domain.GitOpsResource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.data.resources[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "gitops resource", ID: id}
	}
	return &r, nil
}

func (m *Memory) FindGitOpsResource(_ context.Context, namespace, name string, typ domain.ResourceType) (*domain.GitOpsResource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r := m.findResourceLocked(namespace, name, typ); r != nil {
		return r, nil
	}
	return nil, &domain.NotFoundError{Kind: "gitops resource", ID: namespace + "/" + name}
}

func (m *Memory) ListGitOpsResources(_ context.Context, projectID string) ([]domain.GitOpsResource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.GitOpsResource
	for _, r := range m.data.resources {
		if r.ProjectID == projectID && r.DeletedAt == nil {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b domain.GitOpsResource) int {
		return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(a.Namespace, b.Namespace), cmp.Compare(a.Name, b.Name))
	})
	return out, nil
}

func (m *Memory) ListGitOpsProjects(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	for _, r := range m.data.resources {
		if r.DeletedAt == nil {
			seen[r.ProjectID] = true
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (m *Memory) UpdateGitOpsResourceStatus(_ context.Context, id string, upd ResourceStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data.resources[id]
	if !ok || r.DeletedAt != nil {
		return &domain.NotFoundError{Kind: "gitops resource", ID: id}
	}
	r.Status = upd.Status
	r.ErrorMessage = upd.ErrorMessage
	if upd.Revision != "" {
		r.Revision = upd.Revision
	}
	r.UpdatedAt = time.Now()
	m.data.resources[id] = r
	return nil
}

func (m *Memory) SoftDeleteGitOpsResources(_ context.Context, projectID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.data.resources {
		if r.ProjectID == projectID && r.DeletedAt == nil {
			r.DeletedAt = &at
			r.UpdatedAt = at
			m.data.resources[id] = r
		}
	}
	return nil
}

func (m *Memory) CreateCredential(_ context.Context, c *domain.GitCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.data.credentials {
		if other.ProjectID == c.ProjectID && other.RevokedAt == nil {
			return &domain.ConflictError{Kind: "git credential", ID: c.ProjectID, Reason: "project already has an active credential"}
		}
	}
	stored := *c
	stored.SecretMaterial = slices.Clone(c.SecretMaterial)
	stored.Scopes = slices.Clone(c.Scopes)
	m.data.credentials[c.ID] = stored
	return nil
}

func (m *Memory) GetCredential(_ context.Context, id string) (*domain.GitCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.data.credentials[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "git credential", ID: id}
	}
	return &c, nil
}

func (m *Memory) GetActiveCredential(_ context.Context, projectID string) (*domain.GitCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.data.credentials {
		if c.ProjectID == projectID && c.RevokedAt == nil {
			return &c, nil
		}
	}
	return nil, &domain.NotFoundError{Kind: "active git credential for project", ID: projectID}
}

func (m *Memory) RevokeCredential(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data.credentials[id]
	if !ok {
		return nil
	}
	if c.RevokedAt == nil {
		c.RevokedAt = &at
		m.data.credentials[id] = c
	}
	return nil
}
