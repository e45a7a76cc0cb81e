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

package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikelane/gitopsd/internal/domain"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPolicyRequiresApproval(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.RequiresApproval(&domain.Environment{Type: domain.EnvProduction}))
	assert.False(t, p.RequiresApproval(&domain.Environment{Type: domain.EnvStaging}))

	custom := Policy{RequireFor: []domain.EnvironmentType{domain.EnvStaging, domain.EnvProduction}}
	assert.True(t, custom.RequiresApproval(&domain.Environment{Type: domain.EnvStaging}))
	assert.False(t, custom.RequiresApproval(&domain.Environment{Type: domain.EnvDevelopment}))
}

func TestNewRequests(t *testing.T) {
	reqs := NewRequests("d1", []string{"alice", "bob", "alice"}, now)
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, "d1", r.DeploymentID)
		assert.Equal(t, domain.ApprovalPending, r.Status)
		assert.NotEmpty(t, r.ID)
		assert.Equal(t, now, r.CreatedAt)
	}
	assert.NotEqual(t, reqs[0].ID, reqs[1].ID)
}

func statuses(s ...domain.ApprovalStatus) []domain.ApprovalRequest {
	reqs := make([]domain.ApprovalRequest, len(s))
	for i, st := range s {
		reqs[i] = domain.ApprovalRequest{ApproverID: string(rune('a' + i)), Status: st}
	}
	return reqs
}

func TestTally(t *testing.T) {
	tests := []struct {
		name string
		reqs []domain.ApprovalRequest
		want Decision
	}{
		{name: "No approvers", reqs: nil, want: DecisionPending},
		{name: "All pending", reqs: statuses(domain.ApprovalPending, domain.ApprovalPending), want: DecisionPending},
		{name: "Partially approved", reqs: statuses(domain.ApprovalApproved, domain.ApprovalPending), want: DecisionPending},
		{name: "All approved", reqs: statuses(domain.ApprovalApproved, domain.ApprovalApproved), want: DecisionApproved},
		{name: "Single veto after approvals", reqs: statuses(domain.ApprovalApproved, domain.ApprovalRejected), want: DecisionRejected},
		{name: "Veto with others pending", reqs: statuses(domain.ApprovalRejected, domain.ApprovalPending), want: DecisionRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tally(tt.reqs))
		})
	}
}

// Every order of votes reaches the same decision.
func TestTallyIsOrderIndependent(t *testing.T) {
	votes := []domain.ApprovalStatus{domain.ApprovalApproved, domain.ApprovalApproved, domain.ApprovalRejected}
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	for _, order := range orders {
		reqs := statuses(domain.ApprovalPending, domain.ApprovalPending, domain.ApprovalPending)
		var decisions []Decision
		for _, i := range order {
			reqs[i].Status = votes[i]
			decisions = append(decisions, Tally(reqs))
		}
		assert.Equal(t, DecisionRejected, decisions[len(decisions)-1], "order %v", order)
		for _, d := range decisions {
			assert.NotEqual(t, DecisionApproved, d, "order %v must never approve", order)
		}
	}
}

func TestVote(t *testing.T) {
	reqs := NewRequests("d1", []string{"alice", "bob"}, now)
	comment := "looks good"

	got, err := Vote(reqs, "alice", true, &comment, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, got.Status)
	assert.Equal(t, &comment, got.Comment)
	assert.Equal(t, now.Add(time.Minute), *got.DecidedAt)
	assert.Equal(t, domain.ApprovalApproved, reqs[0].Status, "slice is updated in place")
	assert.Equal(t, DecisionPending, Tally(reqs))

	_, err = Vote(reqs, "alice", false, nil, now)
	assert.True(t, domain.IsConflict(err), "double vote: %v", err)

	_, err = Vote(reqs, "mallory", true, nil, now)
	assert.True(t, domain.IsPermission(err), "non approver: %v", err)

	got, err = Vote(reqs, "bob", false, nil, now)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, got.Status)
	assert.Equal(t, DecisionRejected, Tally(reqs))
}
