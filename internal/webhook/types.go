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

package webhook

import (
	"time"

	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/gitops"
	"github.com/mikelane/gitopsd/internal/orchestrator"
)

// ProviderTokenHeader carries the actor's provider token on setup requests.
const ProviderTokenHeader = "X-Gitopsd-Provider-Token"

// TeardownRequest disables GitOps for a project.
type TeardownRequest struct {
	ProjectID string `json:"projectId" validate:"required"`
	ActorID   string `json:"actorId" validate:"required"`
}

// CreateDeploymentRequest asks for a new deployment.
type CreateDeploymentRequest struct {
	ProjectID     string         `json:"projectId" validate:"required"`
	EnvironmentID string         `json:"environmentId" validate:"required"`
	Method        string         `json:"method" validate:"required,oneof=direct gitops"`
	Version       string         `json:"version,omitempty"`
	Changes       domain.Changes `json:"changes"`
	ActorID       string         `json:"actorId" validate:"required"`
	BaseRevision  string         `json:"baseRevision,omitempty" validate:"omitempty,hexadecimal"`
}

// VoteRequest approves or rejects a deployment.
type VoteRequest struct {
	ApproverID string  `json:"approverId" validate:"required"`
	Comment    *string `json:"comment,omitempty"`
}

// RollbackRequest supersedes a deployment with the last good version.
type RollbackRequest struct {
	ActorID string `json:"actorId" validate:"required"`
}

// DeploymentResponse is the JSON view of a deployment.
type DeploymentResponse struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"projectId"`
	EnvironmentID    string     `json:"environmentId"`
	Version          string     `json:"version"`
	Method           string     `json:"method"`
	Status           string     `json:"status"`
	RequiresApproval bool       `json:"requiresApproval"`
	CommitHash       *string    `json:"commitHash,omitempty"`
	Branch           string     `json:"branch,omitempty"`
	RollbackOf       *string    `json:"rollbackOf,omitempty"`
	DeployedBy       *string    `json:"deployedBy,omitempty"`
	ErrorMessage     *string    `json:"errorMessage,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

func newDeploymentResponse(d *domain.Deployment) DeploymentResponse {
	return DeploymentResponse{
		ID:               d.ID,
		ProjectID:        d.ProjectID,
		EnvironmentID:    d.EnvironmentID,
		Version:          d.Version,
		Method:           string(d.Method),
		Status:           string(d.Status),
		RequiresApproval: d.RequiresApproval,
		CommitHash:       d.CommitHash,
		Branch:           d.Branch,
		RollbackOf:       d.RollbackOf,
		DeployedBy:       d.DeployedBy,
		ErrorMessage:     d.ErrorMessage,
		StartedAt:        d.StartedAt,
		FinishedAt:       d.FinishedAt,
	}
}

// EnvironmentSetup is the outcome of provisioning one environment.
type EnvironmentSetup struct {
	EnvironmentID string `json:"environmentId"`
	Namespace     string `json:"namespace,omitempty"`
	ResourceID    string `json:"resourceId,omitempty"`
	Status        string `json:"status,omitempty"`
	Error         string `json:"error,omitempty"`
}

// SetupResponse lists the provisioned objects, per environment.
type SetupResponse struct {
	SourceID     string             `json:"sourceId,omitempty"`
	Environments []EnvironmentSetup `json:"environments"`
}

func newSetupResponse(r *orchestrator.SetupResult) SetupResponse {
	out := SetupResponse{Environments: make([]EnvironmentSetup, 0, len(r.Environments))}
	if r.Source != nil {
		out.SourceID = r.Source.ID
	}
	for _, env := range r.Environments {
		e := EnvironmentSetup{EnvironmentID: env.EnvironmentID, Namespace: env.Namespace}
		if env.Resource != nil {
			e.ResourceID = env.Resource.ID
			e.Status = string(env.Resource.Status)
		}
		if env.Err != nil {
			e.Error = env.Err.Error()
		}
		out.Environments = append(out.Environments, e)
	}
	return out
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	// Conflicts lists the fields edited remotely when a commit could not be merged.
	Conflicts []gitops.Conflict `json:"conflicts,omitempty"`
}
