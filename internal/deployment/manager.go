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

package deployment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/gitopsd/api/v1alpha1"
	"github.com/mikelane/gitopsd/internal/approval"
	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/events"
	"github.com/mikelane/gitopsd/internal/flux"
	"github.com/mikelane/gitopsd/internal/gitops"
	"github.com/mikelane/gitopsd/internal/metrics"
	"github.com/mikelane/gitopsd/internal/orchestrator"
	"github.com/mikelane/gitopsd/internal/store"
)

// DefaultExecutionTimeout bounds one background execution.
const DefaultExecutionTimeout = 10 * time.Minute

// Committer writes change sets to Git. *gitops.Engine implements it.
type Committer interface {
	CommitFromChanges(ctx context.Context, req *gitops.CommitRequest) (*gitops.CommitResult, error)
}

// Connectivity reports whether the cluster is reachable.
type Connectivity interface {
	Connected() bool
}

// CreateRequest asks for a new deployment of an environment.
type CreateRequest struct {
	ProjectID     string
	EnvironmentID string
	Version       string
	Changes       domain.Changes
	ActorID       string
	// BaseRevision is the commit a GitOps edit started from, if known.
	BaseRevision string
}

// Manager drives deployments through their lifecycle.
type Manager struct {
	store     store.Store
	bus       *events.Bus
	executor  Executor
	committer Committer
	health    Connectivity
	policy    approval.Policy
	clock     clock.PassiveClock
	timeout   time.Duration

	running sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy replaces the default approval policy.
func WithPolicy(p approval.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithHealth makes direct execution wait for cluster connectivity.
func WithHealth(h Connectivity) Option {
	return func(m *Manager) { m.health = h }
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.PassiveClock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithExecutionTimeout bounds each background execution.
func WithExecutionTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// NewManager creates a Manager and subscribes it to resource convergence,
// so it must be called before the bus is started.
func NewManager(s store.Store, bus *events.Bus, executor Executor, committer Committer, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		bus:       bus,
		executor:  executor,
		committer: committer,
		policy:    approval.DefaultPolicy(),
		clock:     clock.RealClock{},
		timeout:   DefaultExecutionTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	bus.ResourceConverged.Subscribe("deployment-lifecycle", 0, m.HandleResourceConverged)
	return m
}

// Wait blocks until every scheduled execution has returned.
func (m *Manager) Wait() {
	m.running.Wait()
}

// CreateDirect inserts a deployment that is applied straight to the
// cluster workload.
func (m *Manager) CreateDirect(ctx context.Context, req CreateRequest) (*domain.Deployment, error) {
	project, env, err := m.authorize(ctx, req.ActorID, req.ProjectID, req.EnvironmentID, "deploy")
	if err != nil {
		return nil, domain.WrapOperation("create", req.EnvironmentID, err)
	}

	d := m.newDeployment(project, env, req.Version, domain.MethodDirect, req.Changes)
	d.DeployedBy = ptr.To(req.ActorID)
	if err := m.insert(ctx, project, env, d); err != nil {
		return nil, domain.WrapOperation("create", req.EnvironmentID, err)
	}
	return d, nil
}

// CreateFromGitOps records a gitops deployment, commits the change set to
// the environment's manifest and records the resulting commit. The external
// controller applies the change; the deployment completes when status sync
// observes convergence. Environments that require approval get a pending
// deployment and the commit is made once it is approved. A failed commit
// fails the deployment.
func (m *Manager) CreateFromGitOps(ctx context.Context, req CreateRequest) (*domain.Deployment, error) {
	project, env, err := m.authorize(ctx, req.ActorID, req.ProjectID, req.EnvironmentID, "deploy")
	if err != nil {
		return nil, domain.WrapOperation("gitops", req.EnvironmentID, err)
	}
	repo, err := m.trackedRepository(ctx, project)
	if err != nil {
		return nil, domain.WrapOperation("gitops", req.EnvironmentID, err)
	}
	branch, _, err := gitops.Target(env, repo)
	if err != nil {
		return nil, domain.WrapOperation("gitops", req.EnvironmentID, err)
	}
	if req.Changes.IsEmpty() {
		return nil, &domain.ConflictError{Kind: "deployment", ID: env.ID, Reason: "change set is empty"}
	}

	d := m.newDeployment(project, env, req.Version, domain.MethodGitOps, req.Changes)
	d.Branch = branch
	d.DeployedBy = ptr.To(req.ActorID)
	d.GitOpsResourceID = m.syncResourceID(ctx, project, env)

	if d.RequiresApproval {
		if err := m.insert(ctx, project, env, d); err != nil {
			return nil, domain.WrapOperation("gitops", env.ID, err)
		}
		return d, nil
	}

	if err := m.ensureIdle(ctx, env); err != nil {
		return nil, err
	}
	if err := m.store.InTx(ctx, func(tx store.Store) error {
		return m.createIn(ctx, tx, project, d)
	}); err != nil {
		return nil, domain.WrapOperation("gitops", env.ID, err)
	}
	m.publishCreated(ctx, d)

	result, err := m.commit(ctx, project, env, repo, d, req.BaseRevision)
	if err != nil {
		m.complete(ctx, d, domain.DeploymentFailed, err.Error())
		return nil, domain.WrapOperation("gitops", env.ID, err)
	}
	if err := m.store.SetDeploymentCommit(ctx, d.ID, result.Hash); err != nil {
		return nil, domain.WrapOperation("gitops", env.ID, err)
	}
	log.FromContext(ctx).Info("Committed deployment", "deployment", d.ID, "commit", result.Hash)
	return m.store.GetDeployment(ctx, d.ID)
}

// CreateFromGitPush records the outcome of a reconciliation triggered by a
// push outside the control plane. A deployment already referencing the
// commit is updated in place.
func (m *Manager) CreateFromGitPush(ctx context.Context, n *v1alpha1.GitPushNotification) (*domain.Deployment, error) {
	env, err := m.store.GetEnvironment(ctx, n.EnvironmentID)
	if err != nil {
		return nil, err
	}
	if env.ProjectID != n.ProjectID {
		return nil, &domain.NotFoundError{Kind: "environment", ID: n.EnvironmentID}
	}
	status := domain.DeploymentStatus(n.Status)
	if status != domain.DeploymentSuccess && status != domain.DeploymentFailed {
		return nil, &domain.ConflictError{Kind: "git push", ID: n.CommitHash, Reason: "status must be success or failed"}
	}

	for range 2 {
		existing, err := m.store.FindDeploymentByCommit(ctx, n.ProjectID, n.EnvironmentID, n.CommitHash)
		switch {
		case err == nil:
			return m.recordOutcome(ctx, existing, status, n.ErrorMessage)
		case !domain.IsNotFound(err):
			return nil, domain.WrapOperation("git-push", n.CommitHash, err)
		}

		now := m.clock.Now()
		d := &domain.Deployment{
			ID:            uuid.NewString(),
			ProjectID:     n.ProjectID,
			EnvironmentID: n.EnvironmentID,
			Version:       n.Version,
			CommitHash:    ptr.To(n.CommitHash),
			Method:        domain.MethodGitOps,
			Status:        status,
			StartedAt:     now,
			FinishedAt:    ptr.To(now),
		}
		if d.Version == "" {
			d.Version = shortHash(n.CommitHash)
		}
		if env.GitOps != nil {
			d.Branch = env.GitOps.Branch
		}
		if n.GitOpsResourceID != "" {
			d.GitOpsResourceID = ptr.To(n.GitOpsResourceID)
		}
		if status == domain.DeploymentFailed && n.ErrorMessage != "" {
			d.ErrorMessage = ptr.To(n.ErrorMessage)
		}

		err = m.store.CreateDeployment(ctx, d)
		if domain.IsConflict(err) {
			// Lost a race with a concurrent notification for the same commit.
			continue
		}
		if err != nil {
			return nil, domain.WrapOperation("git-push", n.CommitHash, err)
		}
		m.publishCreated(ctx, d)
		m.publishCompleted(ctx, d)
		return d, nil
	}
	return nil, &domain.ConflictError{Kind: "deployment", ID: n.CommitHash, Reason: "concurrent notifications for commit"}
}

func (m *Manager) recordOutcome(ctx context.Context, d *domain.Deployment, status domain.DeploymentStatus, message string) (*domain.Deployment, error) {
	if d.Status == status {
		return d, nil
	}
	upd := store.DeploymentUpdate{Status: status, FinishedAt: ptr.To(m.clock.Now())}
	if status == domain.DeploymentFailed && message != "" {
		upd.ErrorMessage = ptr.To(message)
	}
	from := []domain.DeploymentStatus{domain.DeploymentPending, domain.DeploymentRunning, domain.DeploymentSuccess, domain.DeploymentFailed}
	updated, err := m.store.TransitionDeployment(ctx, d.ID, from, upd)
	if err != nil {
		return nil, domain.WrapOperation("git-push", d.ID, err)
	}
	m.publishCompleted(ctx, updated)
	return updated, nil
}

// Approve records an approving vote. The vote that completes the approval
// set moves the deployment to running and schedules its execution.
func (m *Manager) Approve(ctx context.Context, deploymentID, approverID string, comment *string) (*domain.Deployment, error) {
	d, err := m.vote(ctx, deploymentID, approverID, true, comment)
	return d, domain.WrapOperation("approve", deploymentID, err)
}

// Reject records a rejecting vote. A single rejection fails the deployment.
func (m *Manager) Reject(ctx context.Context, deploymentID, approverID string, comment *string) (*domain.Deployment, error) {
	d, err := m.vote(ctx, deploymentID, approverID, false, comment)
	return d, domain.WrapOperation("reject", deploymentID, err)
}

func (m *Manager) vote(ctx context.Context, deploymentID, approverID string, approve bool, comment *string) (*domain.Deployment, error) {
	var (
		result   *domain.Deployment
		decision approval.Decision
	)
	err := m.store.InTx(ctx, func(tx store.Store) error {
		d, err := tx.LockDeployment(ctx, deploymentID)
		if err != nil {
			return err
		}
		if d.Status != domain.DeploymentPending || !d.RequiresApproval {
			return &domain.ConflictError{Kind: "deployment", ID: d.ID, Reason: "not awaiting approval"}
		}
		reqs, err := tx.ListApprovalRequests(ctx, d.ID)
		if err != nil {
			return err
		}
		now := m.clock.Now()
		voted, err := approval.Vote(reqs, approverID, approve, comment, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateApprovalRequest(ctx, voted); err != nil {
			return err
		}

		decision = approval.Tally(reqs)
		switch decision {
		case approval.DecisionApproved:
			d, err = tx.TransitionDeployment(ctx, d.ID, []domain.DeploymentStatus{domain.DeploymentPending},
				store.DeploymentUpdate{Status: domain.DeploymentRunning})
		case approval.DecisionRejected:
			d, err = tx.TransitionDeployment(ctx, d.ID, []domain.DeploymentStatus{domain.DeploymentPending},
				store.DeploymentUpdate{
					Status:       domain.DeploymentFailed,
					FinishedAt:   ptr.To(now),
					ErrorMessage: ptr.To("rejected by " + approverID),
				})
		}
		result = d
		return err
	})
	if err != nil {
		return nil, err
	}

	log.FromContext(ctx).Info("Recorded approval vote", "deployment", deploymentID, "approver", approverID,
		"approve", approve, "decision", string(decision))
	switch decision {
	case approval.DecisionApproved:
		m.schedule(ctx, result)
	case approval.DecisionRejected:
		m.publishCompleted(ctx, result)
	}
	return result, nil
}

// Rollback supersedes a deployment with a new one carrying the most recent
// earlier successful version of the same environment.
func (m *Manager) Rollback(ctx context.Context, deploymentID, actorID string) (*domain.Deployment, error) {
	original, err := m.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, domain.WrapOperation("rollback", deploymentID, err)
	}
	project, env, err := m.authorize(ctx, actorID, original.ProjectID, original.EnvironmentID, "rollback")
	if err != nil {
		return nil, domain.WrapOperation("rollback", deploymentID, err)
	}
	if original.Status == domain.DeploymentRolledBack {
		return nil, &domain.ConflictError{Kind: "deployment", ID: deploymentID, Reason: "already rolled back"}
	}
	target, err := m.store.LatestSuccessfulDeployment(ctx, original.ProjectID, original.EnvironmentID, original.StartedAt, original.ID)
	if err != nil {
		return nil, domain.WrapOperation("rollback", deploymentID, err)
	}

	d := m.newDeployment(project, env, target.Version, target.Method, target.Changes)
	d.Branch = target.Branch
	d.GitOpsResourceID = target.GitOpsResourceID
	d.RollbackOf = ptr.To(original.ID)
	d.DeployedBy = ptr.To(actorID)
	if target.Method == domain.MethodDirect {
		// A GitOps rollback is a new forward commit, recorded on execution.
		d.CommitHash = target.CommitHash
	}

	err = m.store.InTx(ctx, func(tx store.Store) error {
		superseded := []domain.DeploymentStatus{domain.DeploymentPending, domain.DeploymentRunning, domain.DeploymentSuccess, domain.DeploymentFailed}
		_, err := tx.TransitionDeployment(ctx, original.ID, superseded, store.DeploymentUpdate{
			Status:     domain.DeploymentRolledBack,
			FinishedAt: ptr.To(m.clock.Now()),
		})
		if err != nil {
			return err
		}
		return m.createIn(ctx, tx, project, d)
	})
	if err != nil {
		return nil, domain.WrapOperation("rollback", deploymentID, err)
	}

	log.FromContext(ctx).Info("Rolling back deployment", "deployment", original.ID, "rollback", d.ID, "version", d.Version)
	m.afterInsert(ctx, d)
	return d, nil
}

// HandleResourceConverged completes the running gitops deployment whose
// commit the sync target converged on.
func (m *Manager) HandleResourceConverged(ctx context.Context, ev events.ResourceConverged) {
	if ev.Type != domain.ResourceSyncTarget || ev.EnvironmentID == "" {
		return
	}
	_, commit := flux.ParseRevision(ev.Revision)
	if commit == "" {
		return
	}
	logger := log.FromContext(ctx).WithValues("resource", ev.ResourceID, "commit", commit)

	d, err := m.store.FindDeploymentByCommit(ctx, ev.ProjectID, ev.EnvironmentID, commit)
	if err != nil {
		if !domain.IsNotFound(err) {
			logger.Error(err, "Failed to look up deployment for converged resource")
		}
		return
	}
	if d.Status != domain.DeploymentRunning {
		return
	}
	switch ev.Status {
	case domain.ResourceReady:
		m.complete(ctx, d, domain.DeploymentSuccess, "")
	case domain.ResourceFailed:
		m.complete(ctx, d, domain.DeploymentFailed, ev.Message)
	}
}

// authorize loads the project and environment and checks that actor may
// act on them.
func (m *Manager) authorize(ctx context.Context, actorID, projectID, environmentID, action string) (*domain.Project, *domain.Environment, error) {
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	ok, err := m.store.HasProjectRole(ctx, actorID, projectID, domain.RoleOwner, domain.RoleAdmin, domain.RoleDeveloper)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, &domain.PermissionError{Actor: actorID, Action: action, Target: "project " + projectID}
	}
	env, err := m.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, nil, err
	}
	if env.ProjectID != project.ID {
		return nil, nil, &domain.NotFoundError{Kind: "environment", ID: environmentID}
	}
	return project, env, nil
}

func (m *Manager) newDeployment(project *domain.Project, env *domain.Environment, version string, method domain.DeploymentMethod, changes domain.Changes) *domain.Deployment {
	return &domain.Deployment{
		ID:               uuid.NewString(),
		ProjectID:        project.ID,
		EnvironmentID:    env.ID,
		Version:          version,
		Method:           method,
		Status:           domain.DeploymentPending,
		RequiresApproval: m.policy.RequiresApproval(env),
		Changes:          changes,
		StartedAt:        m.clock.Now(),
	}
}

// insert stores d as pending together with its approval requests, or moves
// it straight to running, then publishes and schedules it.
func (m *Manager) insert(ctx context.Context, project *domain.Project, env *domain.Environment, d *domain.Deployment) error {
	if err := m.store.InTx(ctx, func(tx store.Store) error {
		return m.createIn(ctx, tx, project, d)
	}); err != nil {
		return err
	}
	log.FromContext(ctx).Info("Created deployment", "deployment", d.ID, "environment", env.ID,
		"method", string(d.Method), "status", string(d.Status))
	m.afterInsert(ctx, d)
	return nil
}

func (m *Manager) createIn(ctx context.Context, tx store.Store, project *domain.Project, d *domain.Deployment) error {
	if err := tx.CreateDeployment(ctx, d); err != nil {
		return err
	}
	if !d.RequiresApproval {
		updated, err := tx.TransitionDeployment(ctx, d.ID, []domain.DeploymentStatus{domain.DeploymentPending},
			store.DeploymentUpdate{Status: domain.DeploymentRunning})
		if err != nil {
			return err
		}
		*d = *updated
		return nil
	}
	admins, err := tx.ListOrganizationAdmins(ctx, project.OrganizationID)
	if err != nil {
		return err
	}
	reqs := approval.NewRequests(d.ID, admins, m.clock.Now())
	if len(reqs) == 0 {
		return &domain.ConflictError{Kind: "deployment", ID: d.ID, Reason: "approval required but the organization has no admins"}
	}
	return tx.CreateApprovalRequests(ctx, reqs)
}

func (m *Manager) afterInsert(ctx context.Context, d *domain.Deployment) {
	m.publishCreated(ctx, d)
	if d.Status == domain.DeploymentRunning {
		m.schedule(ctx, d)
	}
}

// ensureIdle refuses a new gitops commit while another deployment of the
// environment is still running.
func (m *Manager) ensureIdle(ctx context.Context, env *domain.Environment) error {
	recent, err := m.store.ListDeployments(ctx, env.ProjectID, env.ID, 20)
	if err != nil {
		return domain.WrapOperation("gitops", env.ID, err)
	}
	for _, d := range recent {
		if d.Status == domain.DeploymentRunning {
			return &domain.ConflictError{Kind: "deployment", ID: d.ID, Reason: "another deployment is running in environment " + env.ID}
		}
	}
	return nil
}

// trackedRepository returns the project's repository with the branch its
// Git source follows, which may differ from the repository default when
// setup asked for another branch.
func (m *Manager) trackedRepository(ctx context.Context, project *domain.Project) (*domain.Repository, error) {
	repo, err := m.store.GetProjectRepository(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	resources, err := m.store.ListGitOpsResources(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range resources {
		if r.Type == domain.ResourceGitSource && r.Config["branch"] != "" {
			tracked := *repo
			tracked.DefaultBranch = r.Config["branch"]
			return &tracked, nil
		}
	}
	return repo, nil
}

// rollbackRevision returns the commit a gitops rollback restores: the
// commit of the deployment it rolls back to.
func (m *Manager) rollbackRevision(ctx context.Context, d *domain.Deployment) (string, error) {
	if d.RollbackOf == nil {
		return "", nil
	}
	original, err := m.store.GetDeployment(ctx, *d.RollbackOf)
	if err != nil {
		return "", err
	}
	target, err := m.store.LatestSuccessfulDeployment(ctx, original.ProjectID, original.EnvironmentID, original.StartedAt, original.ID)
	if err != nil {
		return "", err
	}
	return target.Commit(), nil
}

func (m *Manager) syncResourceID(ctx context.Context, project *domain.Project, env *domain.Environment) *string {
	r, err := m.store.FindGitOpsResource(ctx, orchestrator.NamespaceName(project, env.Type),
		orchestrator.SyncName(project, env.Type), domain.ResourceSyncTarget)
	if err != nil {
		return nil
	}
	return ptr.To(r.ID)
}

func (m *Manager) commit(ctx context.Context, project *domain.Project, env *domain.Environment, repo *domain.Repository, d *domain.Deployment, base string) (*gitops.CommitResult, error) {
	req := &gitops.CommitRequest{
		Project:      project,
		Environment:  env,
		Repository:   repo,
		Changes:      d.Changes,
		Actor:        ptr.Deref(d.DeployedBy, ""),
		BaseRevision: base,
	}
	if d.RollbackOf != nil {
		req.Message = fmt.Sprintf("Roll back %s to %s", env.Name, d.Version)
		revision, err := m.rollbackRevision(ctx, d)
		if err != nil {
			return nil, err
		}
		req.RestoreRevision = revision
	}
	result, err := m.committer.CommitFromChanges(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.Skipped && req.RestoreRevision == "" {
		return nil, &domain.ConflictError{Kind: "deployment", ID: env.ID, Reason: "manifest already has the requested values"}
	}
	return result, nil
}

// schedule executes d in the background. Execution outlives the request
// that triggered it.
func (m *Manager) schedule(ctx context.Context, d *domain.Deployment) {
	ctx = context.WithoutCancel(ctx)
	m.running.Add(1)
	go func() {
		defer m.running.Done()
		ctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		m.execute(ctx, d)
	}()
}

func (m *Manager) execute(ctx context.Context, d *domain.Deployment) {
	logger := log.FromContext(ctx).WithValues("deployment", d.ID, "method", string(d.Method))

	project, err := m.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		logger.Error(err, "Failed to load project for execution")
		return
	}
	env, err := m.store.GetEnvironment(ctx, d.EnvironmentID)
	if err != nil {
		logger.Error(err, "Failed to load environment for execution")
		return
	}

	switch d.Method {
	case domain.MethodGitOps:
		m.executeGitOps(ctx, project, env, d)
	default:
		m.executeDirect(ctx, project, env, d)
	}
}

func (m *Manager) executeDirect(ctx context.Context, project *domain.Project, env *domain.Environment, d *domain.Deployment) {
	logger := log.FromContext(ctx).WithValues("deployment", d.ID)
	if m.health != nil && !m.health.Connected() {
		logger.Info("Cluster unreachable, deployment stays running")
		return
	}
	err := m.executor.Execute(ctx, d, project, env)
	switch {
	case err == nil:
		m.complete(ctx, d, domain.DeploymentSuccess, "")
	case errors.Is(err, domain.ErrTransient) || errors.Is(err, context.DeadlineExceeded):
		logger.Error(err, "Execution interrupted by infrastructure failure, deployment stays running")
	default:
		m.complete(ctx, d, domain.DeploymentFailed, err.Error())
	}
}

func (m *Manager) executeGitOps(ctx context.Context, project *domain.Project, env *domain.Environment, d *domain.Deployment) {
	if d.Commit() != "" {
		return
	}
	repo, err := m.trackedRepository(ctx, project)
	if err != nil {
		m.complete(ctx, d, domain.DeploymentFailed, err.Error())
		return
	}
	result, err := m.commit(ctx, project, env, repo, d, "")
	if err != nil {
		m.complete(ctx, d, domain.DeploymentFailed, err.Error())
		return
	}
	if result.Skipped {
		// The branch already holds the restored manifest.
		log.FromContext(ctx).Info("Manifest already at rollback target", "deployment", d.ID, "commit", result.Hash)
		m.complete(ctx, d, domain.DeploymentSuccess, "")
		return
	}
	if err := m.store.SetDeploymentCommit(ctx, d.ID, result.Hash); err != nil {
		log.FromContext(ctx).Error(err, "Failed to record commit", "deployment", d.ID, "commit", result.Hash)
		return
	}
	log.FromContext(ctx).Info("Committed deployment", "deployment", d.ID, "commit", result.Hash)
}

// complete moves a running deployment to a terminal status and publishes
// the completion. A deployment already completed elsewhere is left alone.
func (m *Manager) complete(ctx context.Context, d *domain.Deployment, status domain.DeploymentStatus, message string) {
	upd := store.DeploymentUpdate{Status: status, FinishedAt: ptr.To(m.clock.Now())}
	if message != "" {
		upd.ErrorMessage = ptr.To(message)
	}
	updated, err := m.store.TransitionDeployment(ctx, d.ID, []domain.DeploymentStatus{domain.DeploymentRunning}, upd)
	if err != nil {
		if domain.IsConflict(err) {
			log.FromContext(ctx).V(1).Info("Deployment already completed", "deployment", d.ID)
			return
		}
		log.FromContext(ctx).Error(err, "Failed to complete deployment", "deployment", d.ID, "status", string(status))
		return
	}
	log.FromContext(ctx).Info("Deployment completed", "deployment", d.ID, "status", string(status))
	m.publishCompleted(ctx, updated)
}

func (m *Manager) publishCreated(ctx context.Context, d *domain.Deployment) {
	metrics.DeploymentsCreated.WithLabelValues(string(d.Method)).Inc()
	err := m.bus.DeploymentCreated.Publish(ctx, events.DeploymentCreated{
		DeploymentID:  d.ID,
		ProjectID:     d.ProjectID,
		EnvironmentID: d.EnvironmentID,
		Method:        d.Method,
		Status:        d.Status,
		Timestamp:     m.clock.Now(),
	})
	if err != nil {
		log.FromContext(ctx).Error(err, "Failed to publish deployment.created", "deployment", d.ID)
	}
}

func (m *Manager) publishCompleted(ctx context.Context, d *domain.Deployment) {
	metrics.DeploymentsCompleted.WithLabelValues(string(d.Status)).Inc()
	err := m.bus.DeploymentCompleted.Publish(ctx, events.DeploymentCompleted{
		DeploymentID:  d.ID,
		ProjectID:     d.ProjectID,
		EnvironmentID: d.EnvironmentID,
		Status:        string(d.Status),
		Timestamp:     m.clock.Now(),
		ErrorMessage:  ptr.Deref(d.ErrorMessage, ""),
	})
	if err != nil {
		log.FromContext(ctx).Error(err, "Failed to publish deployment.completed", "deployment", d.ID)
	}
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
