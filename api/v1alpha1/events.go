/*
Copyright (c) 2025 Mike Lane

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package v1alpha1 contains the JSON payloads exchanged with systems outside
// the control plane: the inbound GitOps setup request and Git-triggered
// deployment notification, and the outbound deployment completed event.
package v1alpha1

import (
	"time"
)

// EnvironmentRef identifies an environment inside a GitOps setup request.
type EnvironmentRef struct {
	// ID is the environment id
	ID string `json:"id" validate:"required"`

	// Type is one of development, staging, production or testing
	Type string `json:"type" validate:"required,oneof=development staging production testing"`

	// Name is the display name of the environment
	Name string `json:"name" validate:"required"`
}

// GitOpsSetupRequest asks the control plane to enable GitOps for a project.
type GitOpsSetupRequest struct {
	ProjectID        string `json:"projectId" validate:"required"`
	RepositoryID     string `json:"repositoryId" validate:"required"`
	RepositoryURL    string `json:"repositoryUrl" validate:"required,url"`
	RepositoryBranch string `json:"repositoryBranch" validate:"required"`

	// ActorID is the user whose provider session authorizes credential creation
	ActorID string `json:"actorId" validate:"required"`

	// Environments lists the environments to wire up
	Environments []EnvironmentRef `json:"environments" validate:"required,min=1,dive"`
}

// GitPushNotification reports the outcome of a Git-triggered reconciliation.
type GitPushNotification struct {
	ProjectID        string `json:"projectId" validate:"required"`
	EnvironmentID    string `json:"environmentId" validate:"required"`
	GitOpsResourceID string `json:"gitopsResourceId,omitempty"`
	CommitHash       string `json:"commitHash" validate:"required,hexadecimal,min=7,max=64"`

	// Version is optional; the short commit hash is used when empty
	// +optional
	Version string `json:"version,omitempty"`

	// Status is the reconciliation outcome: success or failed
	Status string `json:"status" validate:"required,oneof=success failed"`

	// +optional
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// DeploymentCompletedEvent is emitted when a deployment reaches success or failed.
type DeploymentCompletedEvent struct {
	DeploymentID  string    `json:"deploymentId"`
	ProjectID     string    `json:"projectId"`
	EnvironmentID string    `json:"environmentId"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`

	// +optional
	ErrorMessage string `json:"errorMessage,omitempty"`
}
