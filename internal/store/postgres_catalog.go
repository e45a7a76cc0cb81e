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

// GetProject retrieves a project by its ID.
func (s *Postgres) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var p domain.Project
	err := s.db.QueryRow(ctx,
		`SELECT id, organization_id, name, slug FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Slug)
	if err != nil {
		return nil, mapErr("get", "project", id, err)
	}
	return &p, nil
}

const environmentColumns = `id, project_id, name, type, gitops_enabled, gitops_branch, gitops_path, gitops_sync_interval_seconds`

func scanEnvironment(row pgx.Row) (*domain.Environment, error) {
	var (
		e       domain.Environment
		gitops  domain.GitOpsConfig
		seconds int64
	)
	if err := row.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Type,
		&gitops.Enabled, &gitops.Branch, &gitops.Path, &seconds); err != nil {
		return nil, err
	}
	gitops.SyncInterval = time.Duration(seconds) * time.Second
	if gitops.Enabled || gitops.Path != "" || gitops.Branch != "" {
		e.GitOps = &gitops
	}
	return &e, nil
}

// GetEnvironment retrieves an environment by its ID.
func (s *Postgres) GetEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	e, err := scanEnvironment(s.db.QueryRow(ctx,
		`SELECT `+environmentColumns+` FROM environments WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get", "environment", id, err)
	}
	return e, nil
}

// ListEnvironments lists a project's environments ordered by name.
func (s *Postgres) ListEnvironments(ctx context.Context, projectID string) ([]domain.Environment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+environmentColumns+` FROM environments WHERE project_id = $1 ORDER BY name`, projectID)
	if err != nil {
		return nil, mapErr("list", "environments", projectID, err)
	}
	defer rows.Close()

	var envs []domain.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, mapErr("scan", "environment", projectID, err)
		}
		envs = append(envs, *e)
	}
	return envs, mapErr("list", "environments", projectID, rows.Err())
}

const repositoryColumns = `id, project_id, provider, url, default_branch, owner, name, private`

func scanRepository(row pgx.Row) (*domain.Repository, error) {
	var r domain.Repository
	err := row.Scan(&r.ID, &r.ProjectID, &r.Provider, &r.URL, &r.DefaultBranch, &r.Owner, &r.Name, &r.Private)
	return &r, err
}

// GetRepository retrieves a repository by its ID.
func (s *Postgres) GetRepository(ctx context.Context, id string) (*domain.Repository, error) {
	r, err := scanRepository(s.db.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get", "repository", id, err)
	}
	return r, nil
}

// GetProjectRepository retrieves the repository linked to a project.
func (s *Postgres) GetProjectRepository(ctx context.Context, projectID string) (*domain.Repository, error) {
	r, err := scanRepository(s.db.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE project_id = $1 ORDER BY id LIMIT 1`, projectID))
	if err != nil {
		return nil, mapErr("get", "repository for project", projectID, err)
	}
	return r, nil
}

// ListOrganizationAdmins returns the user ids holding admin or owner roles.
func (s *Postgres) ListOrganizationAdmins(ctx context.Context, organizationID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id FROM organization_members
		 WHERE organization_id = $1 AND role IN ('owner', 'admin') ORDER BY user_id`, organizationID)
	if err != nil {
		return nil, mapErr("list", "organization admins", organizationID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("scan", "organization admin", organizationID, err)
		}
		ids = append(ids, id)
	}
	return ids, mapErr("list", "organization admins", organizationID, rows.Err())
}

// HasProjectRole reports whether actor holds one of roles on the project,
// directly or through an organization admin role.
func (s *Postgres) HasProjectRole(ctx context.Context, actorID, projectID string, roles ...string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM project_members
		     WHERE project_id = $1 AND user_id = $2 AND role = ANY($3)
		 ) OR EXISTS (
		     SELECT 1 FROM organization_members om
		     JOIN projects p ON p.organization_id = om.organization_id
		     WHERE p.id = $1 AND om.user_id = $2 AND om.role IN ('owner', 'admin')
		 )`, projectID, actorID, roles,
	).Scan(&ok)
	if err != nil {
		return false, mapErr("check", "project role", projectID, err)
	}
	return ok, nil
}
