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
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mikelane/gitopsd/internal/domain"
)

const resourceColumns = `id, project_id, environment_id, repository_id, type, name, namespace, config,
	status, error_message, revision, created_at, updated_at, deleted_at`

func scanResource(row pgx.Row) (*domain.GitOpsResource, error) {
	var r domain.GitOpsResource
	err := row.Scan(&r.ID, &r.ProjectID, &r.EnvironmentID, &r.RepositoryID, &r.Type, &r.Name, &r.Namespace,
		&r.Config, &r.Status, &r.ErrorMessage, &r.Revision, &r.CreatedAt, &r.UpdatedAt, &r.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertGitOpsResource inserts r or returns the live row it collides with.
func (s *Postgres) UpsertGitOpsResource(ctx context.Context, r *domain.GitOpsResource) (*domain.GitOpsResource, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO gitops_resources (`+resourceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULL)
		 ON CONFLICT (namespace, name, type) WHERE deleted_at IS NULL DO NOTHING`,
		r.ID, r.ProjectID, r.EnvironmentID, r.RepositoryID, r.Type, r.Name, r.Namespace, r.Config,
		r.Status, r.ErrorMessage, r.Revision, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return nil, mapErr("upsert", "gitops resource", r.Namespace+"/"+r.Name, err)
	}
	return s.FindGitOpsResource(ctx, r.Namespace, r.Name, r.Type)
}

// GetGitOpsResource retrieves a resource by its ID, including deleted rows.
func (s *Postgres) GetGitOpsResource(ctx context.Context, id string) (*domain.GitOpsResource, error) {
	r, err := scanResource(s.db.QueryRow(ctx,
		`SELECT `+resourceColumns+` FROM gitops_resources WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get", "gitops resource", id, err)
	}
	return r, nil
}

// FindGitOpsResource retrieves the live resource for a cluster object.
func (s *Postgres) FindGitOpsResource(ctx context.Context, namespace, name string, typ domain.ResourceType) (*domain.GitOpsResource, error) {
	r, err := scanResource(s.db.QueryRow(ctx,
		`SELECT `+resourceColumns+` FROM gitops_resources
		 WHERE namespace = $1 AND name = $2 AND type = $3 AND deleted_at IS NULL`, namespace, name, typ))
	if err != nil {
		return nil, mapErr("find", "gitops resource", namespace+"/"+name, err)
	}
	return r, nil
}

// ListGitOpsResources lists a project's live resources.
func (s *Postgres) ListGitOpsResources(ctx context.Context, projectID string) ([]domain.GitOpsResource, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+resourceColumns+` FROM gitops_resources
		 WHERE project_id = $1 AND deleted_at IS NULL ORDER BY type, namespace, name`, projectID)
	if err != nil {
		return nil, mapErr("list", "gitops resources", projectID, err)
	}
	defer rows.Close()

	var out []domain.GitOpsResource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, mapErr("scan", "gitops resource", projectID, err)
		}
		out = append(out, *r)
	}
	return out, mapErr("list", "gitops resources", projectID, rows.Err())
}

// ListGitOpsProjects returns the projects that have live resources.
func (s *Postgres) ListGitOpsProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT project_id FROM gitops_resources WHERE deleted_at IS NULL ORDER BY project_id`)
	if err != nil {
		return nil, mapErr("list", "gitops projects", "", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("scan", "gitops project", "", err)
		}
		ids = append(ids, id)
	}
	return ids, mapErr("list", "gitops projects", "", rows.Err())
}

// UpdateGitOpsResourceStatus writes back the observed status.
func (s *Postgres) UpdateGitOpsResourceStatus(ctx context.Context, id string, upd ResourceStatusUpdate) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE gitops_resources
		 SET status = $2, error_message = $3, revision = COALESCE(NULLIF($4, ''), revision), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id, upd.Status, upd.ErrorMessage, upd.Revision)
	if err != nil {
		return mapErr("update", "gitops resource", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Kind: "gitops resource", ID: id}
	}
	return nil
}

// SoftDeleteGitOpsResources marks every live resource of a project deleted.
func (s *Postgres) SoftDeleteGitOpsResources(ctx context.Context, projectID string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE gitops_resources SET deleted_at = $2, updated_at = $2
		 WHERE project_id = $1 AND deleted_at IS NULL`, projectID, at)
	return mapErr("soft delete", "gitops resources", projectID, err)
}

const credentialColumns = `id, project_id, type, external_id, username, secret_material, public_key, scopes,
	expires_at, revoked_at, created_at`

func scanCredential(row pgx.Row) (*domain.GitCredential, error) {
	var c domain.GitCredential
	err := row.Scan(&c.ID, &c.ProjectID, &c.Type, &c.ExternalID, &c.Username, &c.SecretMaterial, &c.PublicKey,
		&c.Scopes, &c.ExpiresAt, &c.RevokedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCredential inserts a credential. The partial unique index on
// project_id rejects a second active credential.
func (s *Postgres) CreateCredential(ctx context.Context, c *domain.GitCredential) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO git_credentials (`+credentialColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.ProjectID, c.Type, c.ExternalID, c.Username, c.SecretMaterial, c.PublicKey, c.Scopes,
		c.ExpiresAt, c.RevokedAt, c.CreatedAt)
	if isUniqueViolation(err) {
		return &domain.ConflictError{Kind: "git credential", ID: c.ProjectID, Reason: "project already has an active credential"}
	}
	return mapErr("create", "git credential", c.ProjectID, err)
}

// GetCredential retrieves a credential by its ID.
func (s *Postgres) GetCredential(ctx context.Context, id string) (*domain.GitCredential, error) {
	c, err := scanCredential(s.db.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM git_credentials WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get", "git credential", id, err)
	}
	return c, nil
}

// GetActiveCredential retrieves the project's non-revoked credential.
func (s *Postgres) GetActiveCredential(ctx context.Context, projectID string) (*domain.GitCredential, error) {
	c, err := scanCredential(s.db.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM git_credentials WHERE project_id = $1 AND revoked_at IS NULL`, projectID))
	if err != nil {
		return nil, mapErr("get", "active git credential for project", projectID, err)
	}
	return c, nil
}

// RevokeCredential marks a credential revoked. Revoking twice is a no-op.
func (s *Postgres) RevokeCredential(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE git_credentials SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`, id, at)
	return mapErr("revoke", "git credential", id, err)
}
