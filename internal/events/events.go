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

// Package events is the in-process event bus that decouples the deployment
// lifecycle from its observers. Each topic is typed, and every subscriber
// gets its own buffered queue drained by a dedicated goroutine, so a slow
// consumer only delays itself.
package events

import (
	"time"

	"github.com/mikelane/gitopsd/api/v1alpha1"
	"github.com/mikelane/gitopsd/internal/domain"
)

// DeploymentCreated is published whenever a Deployment row is inserted.
type DeploymentCreated struct {
	DeploymentID  string
	ProjectID     string
	EnvironmentID string
	Method        domain.DeploymentMethod
	Status        domain.DeploymentStatus
	Timestamp     time.Time
}

// DeploymentCompleted is published when a Deployment reaches success or failed.
type DeploymentCompleted = v1alpha1.DeploymentCompletedEvent

// ResourceConverged is published when a mirrored GitOps resource reaches a
// terminal status.
type ResourceConverged struct {
	ResourceID    string
	ProjectID     string
	EnvironmentID string
	Type          domain.ResourceType
	Status        domain.ResourceStatus
	// Revision is the controller revision string, e.g. "main@sha1:abc123".
	Revision  string
	Message   string
	Timestamp time.Time
}

// ConnectivityChanged is published when cluster reachability flips.
type ConnectivityChanged struct {
	Connected bool
	Reason    string
	Timestamp time.Time
}

// Bus groups the typed topics of the control plane.
type Bus struct {
	DeploymentCreated   *Topic[DeploymentCreated]
	DeploymentCompleted *Topic[DeploymentCompleted]
	ResourceConverged   *Topic[ResourceConverged]
	Connectivity        *Topic[ConnectivityChanged]
}

// NewBus creates a bus with empty topics.
func NewBus() *Bus {
	return &Bus{
		DeploymentCreated:   NewTopic[DeploymentCreated]("deployment.created"),
		DeploymentCompleted: NewTopic[DeploymentCompleted]("deployment.completed"),
		ResourceConverged:   NewTopic[ResourceConverged]("resource.converged"),
		Connectivity:        NewTopic[ConnectivityChanged]("cluster.connectivity"),
	}
}
