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

package github

import (
	"context"
	"time"
)

// Client is the subset of the GitHub API the control plane uses
type Client interface {
	// GetRepository retrieves repository metadata
	GetRepository(ctx context.Context, owner, repo string) (*Repository, error)
	// CreateDeployKey registers a public key on the repository
	CreateDeployKey(ctx context.Context, owner, repo string, key *DeployKey) (*DeployKey, error)
	// DeleteDeployKey removes a deploy key from the repository
	DeleteDeployKey(ctx context.Context, owner, repo string, id int64) error
	// UpdateCommitStatus updates the status of a commit
	UpdateCommitStatus(ctx context.Context, owner, repo, sha string, status *Status) error
}

// Repository represents GitHub repository metadata
type Repository struct {
	FullName      string
	DefaultBranch string
	Private       bool
	CloneURL      string
	SSHURL        string
}

// DeployKey is a repository-scoped SSH key
type DeployKey struct {
	ID        int64
	Title     string
	Key       string // authorized_keys format
	ReadOnly  bool
	CreatedAt time.Time
}

// Status represents a commit status to be set on GitHub
type Status struct {
	State       StatusState // pending, success, error, failure
	TargetURL   string      // URL for more details
	Description string      // Short description of the status
	Context     string      // A unique name for this status check
}

// StatusState represents the state of a commit status
type StatusState string

const (
	// StatusStatePending indicates that the status is pending
	StatusStatePending StatusState = "pending"
	// StatusStateSuccess indicates that the status succeeded
	StatusStateSuccess StatusState = "success"
	// StatusStateError indicates that the status errored
	StatusStateError StatusState = "error"
	// StatusStateFailure indicates that the status failed
	StatusStateFailure StatusState = "failure"
)
