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
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mikelane/gitopsd/internal/domain"
)

const deploymentColumns = `id, project_id, environment_id, version, commit_hash, branch, deployment_method,
	status, requires_approval, changes, rollback_of, gitops_resource_id, error_message, deployed_by,
	started_at, finished_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	err := row.Scan(&d.ID, &d.ProjectID, &d.EnvironmentID, &d.Version, &d.CommitHash, &d.Branch, &d.Method,
		&d.Status, &d.RequiresApproval, &d.Changes, &d.RollbackOf, &d.GitOpsResourceID, &d.ErrorMessage,
		&d.DeployedBy, &d.StartedAt, &d.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDeployment inserts a deployment row.
func (s *Postgres) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO deployments (`+deploymentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.ID, d.ProjectID, d.EnvironmentID, d.Version, d.CommitHash, d.Branch, d.Method,
		d.Status, d.RequiresApproval, d.Changes, d.RollbackOf, d.GitOpsResourceID, d.ErrorMessage,
		d.DeployedBy, d.StartedAt, d.FinishedAt)
	if isUniqueViolation(err) {
		if d.Status == domain.DeploymentRunning {
			return runningConflict(d)
		}
		return &domain.ConflictError{Kind: "deployment", ID: d.ID, Reason: "commit already recorded for environment"}
	}
	return mapErr("create", "deployment", d.ID, err)
}

// GetDeployment retrieves a deployment by its ID.
func (s *Postgres) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := scanDeployment(s.db.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get", "deployment", id, err)
	}
	return d, nil
}

// LockDeployment retrieves a deployment with SELECT ... FOR UPDATE.
func (s *Postgres) LockDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := scanDeployment(s.db.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr("lock", "deployment", id, err)
	}
	return d, nil
}

// FindDeploymentByCommit returns the newest deployment of commit in an environment.
func (s *Postgres) FindDeploymentByCommit(ctx context.Context, projectID, environmentID, commit string) (*domain.Deployment, error) {
	d, err := scanDeployment(s.db.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE project_id = $1 AND environment_id = $2 AND commit_hash = $3
		 ORDER BY started_at DESC LIMIT 1 FOR UPDATE`, projectID, environmentID, commit))
	if err != nil {
		return nil, mapErr("find", "deployment for commit", commit, err)
	}
	return d, nil
}

// TransitionDeployment moves a deployment to upd.Status if its current
// status is one of from.
func (s *Postgres) TransitionDeployment(ctx context.Context, id string, from []domain.DeploymentStatus, upd DeploymentUpdate) (*domain.Deployment, error) {
	d, err := scanDeployment(s.db.QueryRow(ctx,
		`UPDATE deployments
		 SET status = $2,
		     finished_at = COALESCE($3, finished_at),
		     error_message = COALESCE($4, error_message)
		 WHERE id = $1 AND status = ANY($5)
		 RETURNING `+deploymentColumns,
		id, upd.Status, upd.FinishedAt, upd.ErrorMessage, statusStrings(from)))
	switch {
	case err == nil:
		return d, nil
	case isUniqueViolation(err):
		return nil, &domain.ConflictError{Kind: "deployment", ID: id, Reason: "another deployment is already running for its environment"}
	case errors.Is(err, pgx.ErrNoRows):
		current, getErr := s.GetDeployment(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &domain.ConflictError{
			Kind:   "deployment",
			ID:     id,
			Reason: "cannot move from " + string(current.Status) + " to " + string(upd.Status),
		}
	default:
		return nil, mapErr("transition", "deployment", id, err)
	}
}

// SetDeploymentCommit records the commit hash once. Later calls keep the
// first value.
func (s *Postgres) SetDeploymentCommit(ctx context.Context, id, commit string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE deployments
		 SET version = CASE WHEN version = '' AND commit_hash IS NULL THEN left($2, 7) ELSE version END,
		     commit_hash = COALESCE(commit_hash, $2)
		 WHERE id = $1`, id, commit)
	if err != nil {
		return mapErr("set commit", "deployment", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Kind: "deployment", ID: id}
	}
	return nil
}

// LatestSuccessfulDeployment returns the newest successful deployment
// started before the given time.
func (s *Postgres) LatestSuccessfulDeployment(ctx context.Context, projectID, environmentID string, before time.Time, excludeID string) (*domain.Deployment, error) {
	d, err := scanDeployment(s.db.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE project_id = $1 AND environment_id = $2 AND status = 'success'
		   AND started_at <= $3 AND id <> $4
		 ORDER BY started_at DESC LIMIT 1`, projectID, environmentID, before, excludeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNoRollbackTarget
	}
	if err != nil {
		return nil, mapErr("find", "rollback target", environmentID, err)
	}
	return d, nil
}

// ListDeployments lists an environment's deployments, newest first.
func (s *Postgres) ListDeployments(ctx context.Context, projectID, environmentID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE project_id = $1 AND environment_id = $2
		 ORDER BY started_at DESC LIMIT $3`, projectID, environmentID, limit)
	if err != nil {
		return nil, mapErr("list", "deployments", environmentID, err)
	}
	defer rows.Close()

	var out []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, mapErr("scan", "deployment", environmentID, err)
		}
		out = append(out, *d)
	}
	return out, mapErr("list", "deployments", environmentID, rows.Err())
}

func statusStrings(in []domain.DeploymentStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

const approvalColumns = `id, deployment_id, approver_id, status, comment, decided_at, created_at`

// CreateApprovalRequests inserts one pending row per approver.
func (s *Postgres) CreateApprovalRequests(ctx context.Context, reqs []domain.ApprovalRequest) error {
	for _, r := range reqs {
		_, err := s.db.Exec(ctx,
			`INSERT INTO approval_requests (`+approvalColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ID, r.DeploymentID, r.ApproverID, r.Status, r.Comment, r.DecidedAt, r.CreatedAt)
		if isUniqueViolation(err) {
			return &domain.ConflictError{Kind: "approval request", ID: r.DeploymentID, Reason: "approver " + r.ApproverID + " already assigned"}
		}
		if err != nil {
			return mapErr("create", "approval request", r.DeploymentID, err)
		}
	}
	return nil
}

// ListApprovalRequests lists the votes of a deployment in creation order.
func (s *Postgres) ListApprovalRequests(ctx context.Context, deploymentID string) ([]domain.ApprovalRequest, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE deployment_id = $1 ORDER BY created_at, approver_id`,
		deploymentID)
	if err != nil {
		return nil, mapErr("list", "approval requests", deploymentID, err)
	}
	defer rows.Close()

	var out []domain.ApprovalRequest
	for rows.Next() {
		var r domain.ApprovalRequest
		if err := rows.Scan(&r.ID, &r.DeploymentID, &r.ApproverID, &r.Status, &r.Comment, &r.DecidedAt, &r.CreatedAt); err != nil {
			return nil, mapErr("scan", "approval request", deploymentID, err)
		}
		out = append(out, r)
	}
	return out, mapErr("list", "approval requests", deploymentID, rows.Err())
}

// UpdateApprovalRequest records a decision on a still pending vote.
func (s *Postgres) UpdateApprovalRequest(ctx context.Context, r *domain.ApprovalRequest) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE approval_requests SET status = $2, comment = $3, decided_at = $4
		 WHERE id = $1 AND status = 'pending'`, r.ID, r.Status, r.Comment, r.DecidedAt)
	if err != nil {
		return mapErr("update", "approval request", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ConflictError{Kind: "approval request", ID: r.ID, Reason: "already decided"}
	}
	return nil
}
