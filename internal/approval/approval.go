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

// Package approval decides which deployments need sign-off and tallies the
// votes cast on them. A single rejection fails the deployment; it runs only
// once every approver has approved.
package approval

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mikelane/gitopsd/internal/domain"
)

// Decision is the outcome of a tally.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Policy lists the environment types whose deployments need approval.
type Policy struct {
	RequireFor []domain.EnvironmentType
}

// DefaultPolicy requires approval for production only.
func DefaultPolicy() Policy {
	return Policy{RequireFor: []domain.EnvironmentType{domain.EnvProduction}}
}

// RequiresApproval reports whether deployments to env need sign-off.
func (p Policy) RequiresApproval(env *domain.Environment) bool {
	return slices.Contains(p.RequireFor, env.Type)
}

// NewRequests creates one pending request per approver. Duplicate approver
// ids get a single request.
func NewRequests(deploymentID string, approvers []string, at time.Time) []domain.ApprovalRequest {
	seen := make(map[string]bool, len(approvers))
	reqs := make([]domain.ApprovalRequest, 0, len(approvers))
	for _, approver := range approvers {
		if seen[approver] {
			continue
		}
		seen[approver] = true
		reqs = append(reqs, domain.ApprovalRequest{
			ID:           uuid.NewString(),
			DeploymentID: deploymentID,
			ApproverID:   approver,
			Status:       domain.ApprovalPending,
			CreatedAt:    at,
		})
	}
	return reqs
}

// Tally combines votes. Any rejection wins, regardless of order; otherwise
// the deployment is approved once no vote is pending. An empty set is
// pending, so a deployment without approvers never runs by default.
func Tally(reqs []domain.ApprovalRequest) Decision {
	if len(reqs) == 0 {
		return DecisionPending
	}
	decision := DecisionApproved
	for _, r := range reqs {
		switch r.Status {
		case domain.ApprovalRejected:
			return DecisionRejected
		case domain.ApprovalPending:
			decision = DecisionPending
		}
	}
	return decision
}

// Vote records approverID's vote in reqs and returns the updated request.
// The approver must hold a pending request on the deployment.
func Vote(reqs []domain.ApprovalRequest, approverID string, approve bool, comment *string, at time.Time) (*domain.ApprovalRequest, error) {
	for i := range reqs {
		r := &reqs[i]
		if r.ApproverID != approverID {
			continue
		}
		if r.Status != domain.ApprovalPending {
			return nil, &domain.ConflictError{Kind: "approval request", ID: r.ID, Reason: "vote already cast: " + string(r.Status)}
		}
		r.Status = domain.ApprovalRejected
		if approve {
			r.Status = domain.ApprovalApproved
		}
		r.Comment = comment
		r.DecidedAt = &at
		out := *r
		return &out, nil
	}
	return nil, &domain.PermissionError{Actor: approverID, Action: "vote", Target: "deployment"}
}
