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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	"github.com/mikelane/gitopsd/api/v1alpha1"
	"github.com/mikelane/gitopsd/internal/approval"
	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/events"
	"github.com/mikelane/gitopsd/internal/gitops"
	"github.com/mikelane/gitopsd/internal/store"
)

const (
	projectID = "proj-1"
	orgID     = "org-1"
	stagingID = "env-staging"
	prodID    = "env-prod"
	developer = "dev-1"
	admin1    = "admin-1"
	admin2    = "admin-2"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeExecutor) Execute(_ context.Context, d *domain.Deployment, _ *domain.Project, _ *domain.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, d.ID)
	return f.err
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeCommitter struct {
	mu       sync.Mutex
	requests []*gitops.CommitRequest
	hash     string
	skipped  bool
	err      error
}

func (f *fakeCommitter) CommitFromChanges(_ context.Context, req *gitops.CommitRequest) (*gitops.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &gitops.CommitResult{Hash: f.hash, Applied: req.Changes, Skipped: f.skipped}, nil
}

type staticHealth bool

func (h staticHealth) Connected() bool { return bool(h) }

type fixture struct {
	manager   *Manager
	store     *store.Memory
	executor  *fakeExecutor
	committer *fakeCommitter
	completed chan events.DeploymentCompleted
	clock     *clocktesting.FakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s := store.NewMemory()
	s.AddProject(domain.Project{ID: projectID, OrganizationID: orgID, Name: "Shop", Slug: "shop"})
	s.AddEnvironment(domain.Environment{ID: stagingID, ProjectID: projectID, Name: "Staging", Type: domain.EnvStaging,
		GitOps: &domain.GitOpsConfig{Enabled: true, Branch: "main"}})
	s.AddEnvironment(domain.Environment{ID: prodID, ProjectID: projectID, Name: "Production", Type: domain.EnvProduction})
	s.AddRepository(domain.Repository{ID: "repo-1", ProjectID: projectID, Provider: domain.ProviderGitHub,
		URL: "https://github.com/acme/shop.git", DefaultBranch: "main", Owner: "acme", Name: "shop"})
	s.AddProjectMember(projectID, developer, domain.RoleDeveloper)
	s.AddOrganizationAdmin(orgID, admin1)
	s.AddOrganizationAdmin(orgID, admin2)

	f := &fixture{
		store:     s,
		executor:  &fakeExecutor{},
		committer: &fakeCommitter{hash: "0123456789abcdef0123456789abcdef01234567"},
		completed: make(chan events.DeploymentCompleted, 16),
		clock:     clocktesting.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	bus := events.NewBus()
	bus.DeploymentCompleted.Subscribe("test", 16, func(_ context.Context, ev events.DeploymentCompleted) {
		f.completed <- ev
	})
	f.manager = NewManager(s, bus, f.executor, f.committer, append([]Option{WithClock(f.clock)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = bus.Start(ctx) }()
	t.Cleanup(cancel)
	return f
}

func (f *fixture) nextCompleted(t *testing.T) events.DeploymentCompleted {
	t.Helper()
	select {
	case ev := <-f.completed:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deployment.completed")
		return events.DeploymentCompleted{}
	}
}

func (f *fixture) deployment(t *testing.T, id string) *domain.Deployment {
	t.Helper()
	d, err := f.store.GetDeployment(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestCreateDirect(t *testing.T) {
	t.Run("runs and completes without approval", func(t *testing.T) {
		f := newFixture(t)
		d, err := f.manager.CreateDirect(context.Background(), CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID, Version: "v2",
			Changes: domain.Changes{Image: ptr.To("shop:v2")}, ActorID: developer,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.DeploymentRunning, d.Status)
		assert.Equal(t, developer, ptr.Deref(d.DeployedBy, ""))

		f.manager.Wait()
		ev := f.nextCompleted(t)
		assert.Equal(t, d.ID, ev.DeploymentID)
		assert.Equal(t, string(domain.DeploymentSuccess), ev.Status)
		assert.Equal(t, []string{d.ID}, f.executor.Calls())

		stored := f.deployment(t, d.ID)
		assert.Equal(t, domain.DeploymentSuccess, stored.Status)
		require.NotNil(t, stored.FinishedAt)
	})

	t.Run("rejects actors without a project role", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.CreateDirect(context.Background(), CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID, Version: "v2", ActorID: "stranger",
		})
		assert.True(t, domain.IsPermission(err))

		list, err := f.store.ListDeployments(context.Background(), projectID, stagingID, 10)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("unknown environment is not found", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.CreateDirect(context.Background(), CreateRequest{
			ProjectID: projectID, EnvironmentID: "nope", ActorID: developer,
		})
		assert.True(t, domain.IsNotFound(err))
	})

	t.Run("production waits for every organization admin", func(t *testing.T) {
		f := newFixture(t)
		d, err := f.manager.CreateDirect(context.Background(), CreateRequest{
			ProjectID: projectID, EnvironmentID: prodID, Version: "v2", ActorID: developer,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.DeploymentPending, d.Status)
		assert.True(t, d.RequiresApproval)

		reqs, err := f.store.ListApprovalRequests(context.Background(), d.ID)
		require.NoError(t, err)
		require.Len(t, reqs, 2)
		f.manager.Wait()
		assert.Empty(t, f.executor.Calls())
	})

	t.Run("infrastructure failure leaves the deployment running", func(t *testing.T) {
		f := newFixture(t)
		f.executor.err = domain.Transient(errors.New("connection refused"))
		d, err := f.manager.CreateDirect(context.Background(), CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID, Version: "v2", ActorID: developer,
		})
		require.NoError(t, err)
		f.manager.Wait()
		assert.Equal(t, domain.DeploymentRunning, f.deployment(t, d.ID).Status)
	})

	t.Run("rollout failure fails the deployment", func(t *testing.T) {
		f := newFixture(t)
		f.executor.err = &RolloutError{Workload: "shop-staging/shop", Reason: "ImagePullBackOff"}
		d, err := f.manager.CreateDirect(context.Background(), CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID, Version: "v2", ActorID: developer,
		})
		require.NoError(t, err)
		ev := f.nextCompleted(t)
		assert.Equal(t, string(domain.DeploymentFailed), ev.Status)
		assert.Contains(t, ev.ErrorMessage, "ImagePullBackOff")
		assert.Equal(t, domain.DeploymentFailed, f.deployment(t, d.ID).Status)
	})

	t.Run("does not execute while the cluster is unreachable", func(t *testing.T) {
		f := newFixture(t, WithHealth(staticHealth(false)))
		d, err := f.manager.CreateDirect(context.Background(), CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID, Version: "v2", ActorID: developer,
		})
		require.NoError(t, err)
		f.manager.Wait()
		assert.Empty(t, f.executor.Calls())
		assert.Equal(t, domain.DeploymentRunning, f.deployment(t, d.ID).Status)
	})

	t.Run("second running deployment in an environment conflicts", func(t *testing.T) {
		f := newFixture(t, WithHealth(staticHealth(false)))
		_, err := f.manager.CreateDirect(context.Background(), CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID, Version: "v2", ActorID: developer,
		})
		require.NoError(t, err)
		_, err = f.manager.CreateDirect(context.Background(), CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID, Version: "v3", ActorID: developer,
		})
		assert.True(t, domain.IsConflict(err))
	})
}

type vote struct {
	approver string
	approve  bool
}

func TestApprovalVotes(t *testing.T) {
	tests := []struct {
		name         string
		votes        []vote
		wantStatus   domain.DeploymentStatus
		wantExecuted bool
		wantLastErr  bool
	}{
		{
			name:         "all approvals start execution",
			votes:        []vote{{admin1, true}, {admin2, true}},
			wantStatus:   domain.DeploymentSuccess,
			wantExecuted: true,
		},
		{
			name:         "approvals in the other order start execution",
			votes:        []vote{{admin2, true}, {admin1, true}},
			wantStatus:   domain.DeploymentSuccess,
			wantExecuted: true,
		},
		{
			name:       "single approval keeps waiting",
			votes:      []vote{{admin1, true}},
			wantStatus: domain.DeploymentPending,
		},
		{
			name:       "rejection fails immediately",
			votes:      []vote{{admin1, false}},
			wantStatus: domain.DeploymentFailed,
		},
		{
			name:       "rejection after an approval still fails",
			votes:      []vote{{admin1, true}, {admin2, false}},
			wantStatus: domain.DeploymentFailed,
		},
		{
			name:        "votes after a rejection are refused",
			votes:       []vote{{admin2, false}, {admin1, true}},
			wantStatus:  domain.DeploymentFailed,
			wantLastErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			d, err := f.manager.CreateDirect(ctx, CreateRequest{
				ProjectID: projectID, EnvironmentID: prodID, Version: "v2", ActorID: developer,
			})
			require.NoError(t, err)

			var lastErr error
			for _, v := range tt.votes {
				if v.approve {
					_, lastErr = f.manager.Approve(ctx, d.ID, v.approver, nil)
				} else {
					_, lastErr = f.manager.Reject(ctx, d.ID, v.approver, ptr.To("not today"))
				}
			}
			if tt.wantLastErr {
				assert.True(t, domain.IsConflict(lastErr), "got %v", lastErr)
			} else {
				require.NoError(t, lastErr)
			}

			f.manager.Wait()
			assert.Equal(t, tt.wantStatus, f.deployment(t, d.ID).Status)
			assert.Equal(t, tt.wantExecuted, len(f.executor.Calls()) == 1)
		})
	}
}

func TestApprovalVotes_NonApproverIsRefused(t *testing.T) {
	f := newFixture(t)
	d, err := f.manager.CreateDirect(context.Background(), CreateRequest{
		ProjectID: projectID, EnvironmentID: prodID, Version: "v2", ActorID: developer,
	})
	require.NoError(t, err)

	_, err = f.manager.Approve(context.Background(), d.ID, developer, nil)
	assert.True(t, domain.IsPermission(err))
}

func TestApprovalVotes_ConcurrentFinalVotesExecuteOnce(t *testing.T) {
	for range 20 {
		f := newFixture(t, WithPolicy(approval.Policy{RequireFor: []domain.EnvironmentType{domain.EnvProduction}}))
		ctx := context.Background()
		d, err := f.manager.CreateDirect(ctx, CreateRequest{
			ProjectID: projectID, EnvironmentID: prodID, Version: "v2", ActorID: developer,
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, a := range []string{admin1, admin2} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = f.manager.Approve(ctx, d.ID, a, nil)
			}()
		}
		wg.Wait()
		f.manager.Wait()

		assert.Len(t, f.executor.Calls(), 1)
		assert.Equal(t, domain.DeploymentSuccess, f.deployment(t, d.ID).Status)
	}
}

func TestCreateFromGitOps(t *testing.T) {
	t.Run("commits and completes on convergence", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		d, err := f.manager.CreateFromGitOps(ctx, CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID,
			Changes: domain.Changes{Image: ptr.To("shop:v2")}, ActorID: developer,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.MethodGitOps, d.Method)
		assert.Equal(t, domain.DeploymentRunning, d.Status)
		assert.Equal(t, f.committer.hash, d.Commit())
		assert.Equal(t, "0123456", d.Version)
		assert.Equal(t, "main", d.Branch)
		require.Len(t, f.committer.requests, 1)
		assert.Equal(t, developer, f.committer.requests[0].Actor)

		f.manager.HandleResourceConverged(ctx, events.ResourceConverged{
			ResourceID:    "res-1",
			ProjectID:     projectID,
			EnvironmentID: stagingID,
			Type:          domain.ResourceSyncTarget,
			Status:        domain.ResourceReady,
			Revision:      "main@sha1:" + f.committer.hash,
		})
		ev := f.nextCompleted(t)
		assert.Equal(t, string(domain.DeploymentSuccess), ev.Status)
		assert.Equal(t, domain.DeploymentSuccess, f.deployment(t, d.ID).Status)
		assert.Empty(t, f.executor.Calls())
	})

	t.Run("ignores convergence of other commits and sources", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		d, err := f.manager.CreateFromGitOps(ctx, CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID,
			Changes: domain.Changes{Replicas: ptr.To[int32](3)}, ActorID: developer,
		})
		require.NoError(t, err)

		f.manager.HandleResourceConverged(ctx, events.ResourceConverged{
			ProjectID: projectID, EnvironmentID: stagingID, Type: domain.ResourceSyncTarget,
			Status: domain.ResourceReady, Revision: "main@sha1:ffffffff",
		})
		f.manager.HandleResourceConverged(ctx, events.ResourceConverged{
			ProjectID: projectID, EnvironmentID: stagingID, Type: domain.ResourceGitSource,
			Status: domain.ResourceReady, Revision: "main@sha1:" + f.committer.hash,
		})
		assert.Equal(t, domain.DeploymentRunning, f.deployment(t, d.ID).Status)
	})

	t.Run("failed reconciliation fails the deployment", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		d, err := f.manager.CreateFromGitOps(ctx, CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID,
			Changes: domain.Changes{Image: ptr.To("shop:v2")}, ActorID: developer,
		})
		require.NoError(t, err)

		f.manager.HandleResourceConverged(ctx, events.ResourceConverged{
			ProjectID: projectID, EnvironmentID: stagingID, Type: domain.ResourceSyncTarget,
			Status: domain.ResourceFailed, Revision: "main@sha1:" + f.committer.hash, Message: "kustomize build failed",
		})
		stored := f.deployment(t, d.ID)
		assert.Equal(t, domain.DeploymentFailed, stored.Status)
		assert.Equal(t, "kustomize build failed", ptr.Deref(stored.ErrorMessage, ""))
	})

	t.Run("environment without GitOps", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.CreateFromGitOps(context.Background(), CreateRequest{
			ProjectID: projectID, EnvironmentID: prodID,
			Changes: domain.Changes{Image: ptr.To("shop:v2")}, ActorID: developer,
		})
		assert.ErrorIs(t, err, domain.ErrGitOpsNotEnabled)
		assert.Empty(t, f.committer.requests)
	})

	t.Run("merge conflict keeps the conflict list and fails the deployment", func(t *testing.T) {
		f := newFixture(t)
		conflicts := []gitops.Conflict{{Field: "replicas", Path: "spec.replicas", Local: "3", Remote: "5"}}
		f.committer.err = &gitops.MergeConflictError{File: "k8s/overlays/staging/deployment.yaml", Base: "0badc0de", Conflicts: conflicts}
		_, err := f.manager.CreateFromGitOps(context.Background(), CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID,
			Changes: domain.Changes{Replicas: ptr.To[int32](3)}, ActorID: developer,
			BaseRevision: "0badc0de",
		})
		assert.True(t, domain.IsConflict(err))
		var mce *gitops.MergeConflictError
		require.ErrorAs(t, err, &mce)
		assert.Equal(t, conflicts, mce.Conflicts)
		require.Len(t, f.committer.requests, 1)
		assert.Equal(t, "0badc0de", f.committer.requests[0].BaseRevision)

		list, err := f.store.ListDeployments(context.Background(), projectID, stagingID, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, domain.DeploymentFailed, list[0].Status)
		assert.Nil(t, list[0].CommitHash)
		assert.Equal(t, string(domain.DeploymentFailed), f.nextCompleted(t).Status)
	})

	t.Run("unchanged manifest is a conflict", func(t *testing.T) {
		f := newFixture(t)
		f.committer.skipped = true
		_, err := f.manager.CreateFromGitOps(context.Background(), CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID,
			Changes: domain.Changes{Replicas: ptr.To[int32](3)}, ActorID: developer,
		})
		assert.True(t, domain.IsConflict(err))

		list, err := f.store.ListDeployments(context.Background(), projectID, stagingID, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, domain.DeploymentFailed, list[0].Status)
	})

	t.Run("nothing is pushed when the row cannot be stored", func(t *testing.T) {
		f := newFixture(t)
		s := &failingTxStore{Store: f.store, err: &domain.ConflictError{Kind: "deployment", ID: "d0", Reason: "another deployment is already running"}}
		manager := NewManager(s, events.NewBus(), f.executor, f.committer, WithClock(f.clock))

		_, err := manager.CreateFromGitOps(context.Background(), CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID,
			Changes: domain.Changes{Image: ptr.To("shop:v2")}, ActorID: developer,
		})
		assert.True(t, domain.IsConflict(err))
		assert.Empty(t, f.committer.requests)
	})

	t.Run("commits to the branch the Git source follows", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.store.AddEnvironment(domain.Environment{ID: "env-qa", ProjectID: projectID, Name: "QA", Type: domain.EnvTesting,
			GitOps: &domain.GitOpsConfig{Enabled: true}})
		_, err := f.store.UpsertGitOpsResource(ctx, &domain.GitOpsResource{
			ID: "src-1", ProjectID: projectID, RepositoryID: "repo-1", Type: domain.ResourceGitSource,
			Name: "shop", Namespace: "flux-system", Config: map[string]string{"branch": "release"},
			Status: domain.ResourcePending,
		})
		require.NoError(t, err)

		d, err := f.manager.CreateFromGitOps(ctx, CreateRequest{
			ProjectID: projectID, EnvironmentID: "env-qa",
			Changes: domain.Changes{Image: ptr.To("shop:v2")}, ActorID: developer,
		})
		require.NoError(t, err)
		assert.Equal(t, "release", d.Branch)
		require.Len(t, f.committer.requests, 1)
		branch, _, err := gitops.Target(f.committer.requests[0].Environment, f.committer.requests[0].Repository)
		require.NoError(t, err)
		assert.Equal(t, "release", branch)

		_, err = f.manager.CreateFromGitOps(ctx, CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID,
			Changes: domain.Changes{Image: ptr.To("shop:v2")}, ActorID: developer,
		})
		assert.True(t, domain.IsConflict(err), "staging asks for main while the source follows release")
		assert.Len(t, f.committer.requests, 1)
	})
}

type failingTxStore struct {
	store.Store
	err error
}

func (s *failingTxStore) InTx(context.Context, func(store.Store) error) error {
	return s.err
}

func TestCreateFromGitOps_ApprovalDefersCommit(t *testing.T) {
	f := newFixture(t, WithPolicy(approval.Policy{RequireFor: []domain.EnvironmentType{domain.EnvStaging}}))
	ctx := context.Background()
	d, err := f.manager.CreateFromGitOps(ctx, CreateRequest{
		ProjectID: projectID, EnvironmentID: stagingID,
		Changes: domain.Changes{Image: ptr.To("shop:v2")}, ActorID: developer,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentPending, d.Status)
	assert.Empty(t, f.committer.requests)

	_, err = f.manager.Approve(ctx, d.ID, admin1, nil)
	require.NoError(t, err)
	_, err = f.manager.Approve(ctx, d.ID, admin2, nil)
	require.NoError(t, err)
	f.manager.Wait()

	stored := f.deployment(t, d.ID)
	assert.Equal(t, domain.DeploymentRunning, stored.Status)
	assert.Equal(t, f.committer.hash, stored.Commit())
	assert.Empty(t, f.executor.Calls())
}

func TestCreateFromGitPush(t *testing.T) {
	commit := "abcdef0123456789"
	notification := func(status string) *v1alpha1.GitPushNotification {
		return &v1alpha1.GitPushNotification{
			ProjectID:     projectID,
			EnvironmentID: stagingID,
			CommitHash:    commit,
			Status:        status,
		}
	}

	t.Run("same commit twice updates one row", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		first, err := f.manager.CreateFromGitPush(ctx, notification("failed"))
		require.NoError(t, err)
		assert.Nil(t, first.DeployedBy)
		assert.Equal(t, "abcdef0", first.Version)
		assert.Equal(t, domain.DeploymentFailed, first.Status)

		second, err := f.manager.CreateFromGitPush(ctx, notification("success"))
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, domain.DeploymentSuccess, second.Status)

		list, err := f.store.ListDeployments(ctx, projectID, stagingID, 10)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("repeated outcome is a no-op", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		first, err := f.manager.CreateFromGitPush(ctx, notification("success"))
		require.NoError(t, err)
		assert.Equal(t, string(domain.DeploymentSuccess), f.nextCompleted(t).Status)

		again, err := f.manager.CreateFromGitPush(ctx, notification("success"))
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		select {
		case ev := <-f.completed:
			t.Fatalf("unexpected second completion %+v", ev)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("completes the running gitops deployment of the commit", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.committer.hash = commit
		d, err := f.manager.CreateFromGitOps(ctx, CreateRequest{
			ProjectID: projectID, EnvironmentID: stagingID,
			Changes: domain.Changes{Image: ptr.To("shop:v2")}, ActorID: developer,
		})
		require.NoError(t, err)

		updated, err := f.manager.CreateFromGitPush(ctx, notification("success"))
		require.NoError(t, err)
		assert.Equal(t, d.ID, updated.ID)
		assert.Equal(t, developer, ptr.Deref(updated.DeployedBy, ""))
	})

	t.Run("environment of another project", func(t *testing.T) {
		f := newFixture(t)
		n := notification("success")
		n.ProjectID = "proj-other"
		_, err := f.manager.CreateFromGitPush(context.Background(), n)
		assert.True(t, domain.IsNotFound(err))
	})
}

func TestRollback(t *testing.T) {
	seed := func(t *testing.T, f *fixture, method ...domain.DeploymentMethod) []*domain.Deployment {
		t.Helper()
		m := domain.MethodDirect
		if len(method) > 0 {
			m = method[0]
		}
		base := f.clock.Now().Add(-time.Hour)
		var out []*domain.Deployment
		for i, spec := range []struct {
			version string
			status  domain.DeploymentStatus
		}{
			{"v1", domain.DeploymentSuccess},
			{"v2", domain.DeploymentSuccess},
			{"v3", domain.DeploymentFailed},
		} {
			d := &domain.Deployment{
				ID:            "d" + string(rune('1'+i)),
				ProjectID:     projectID,
				EnvironmentID: stagingID,
				Version:       spec.version,
				Method:        m,
				Status:        spec.status,
				Changes:       domain.Changes{Image: ptr.To("shop:" + spec.version)},
				StartedAt:     base.Add(time.Duration(i) * time.Minute),
			}
			if m == domain.MethodGitOps {
				d.CommitHash = ptr.To(fmt.Sprintf("c%d%s", i+1, strings.Repeat("0", 39)))
			}
			require.NoError(t, f.store.CreateDeployment(context.Background(), d))
			out = append(out, d)
		}
		return out
	}

	t.Run("targets the latest success, not the latest deployment", func(t *testing.T) {
		f := newFixture(t)
		seeded := seed(t, f)

		d4, err := f.manager.Rollback(context.Background(), seeded[2].ID, developer)
		require.NoError(t, err)
		assert.Equal(t, "v2", d4.Version)
		assert.Equal(t, seeded[2].ID, ptr.Deref(d4.RollbackOf, ""))
		assert.Equal(t, "shop:v2", ptr.Deref(d4.Changes.Image, ""))
		assert.Equal(t, domain.DeploymentRolledBack, f.deployment(t, seeded[2].ID).Status)

		f.manager.Wait()
		assert.Equal(t, domain.DeploymentSuccess, f.deployment(t, d4.ID).Status)
	})

	t.Run("gitops rollback restores the manifest of the latest success", func(t *testing.T) {
		f := newFixture(t)
		seeded := seed(t, f, domain.MethodGitOps)

		d4, err := f.manager.Rollback(context.Background(), seeded[2].ID, developer)
		require.NoError(t, err)
		assert.Equal(t, "v2", d4.Version)
		assert.Nil(t, d4.CommitHash)
		f.manager.Wait()

		require.Len(t, f.committer.requests, 1)
		req := f.committer.requests[0]
		assert.Equal(t, seeded[1].Commit(), req.RestoreRevision)
		assert.Equal(t, "Roll back Staging to v2", req.Message)

		stored := f.deployment(t, d4.ID)
		assert.Equal(t, domain.DeploymentRunning, stored.Status)
		assert.Equal(t, f.committer.hash, stored.Commit())
		assert.Empty(t, f.executor.Calls())
	})

	t.Run("gitops rollback onto an identical manifest succeeds", func(t *testing.T) {
		f := newFixture(t)
		seeded := seed(t, f, domain.MethodGitOps)
		f.committer.skipped = true

		d4, err := f.manager.Rollback(context.Background(), seeded[2].ID, developer)
		require.NoError(t, err)
		f.manager.Wait()

		assert.Equal(t, domain.DeploymentSuccess, f.deployment(t, d4.ID).Status)
		require.Len(t, f.committer.requests, 1)
		assert.Equal(t, seeded[1].Commit(), f.committer.requests[0].RestoreRevision)
	})

	t.Run("no earlier success", func(t *testing.T) {
		f := newFixture(t)
		seeded := seed(t, f)

		_, err := f.manager.Rollback(context.Background(), seeded[0].ID, developer)
		assert.ErrorIs(t, err, domain.ErrNoRollbackTarget)
		assert.Equal(t, domain.DeploymentSuccess, f.deployment(t, seeded[0].ID).Status)
	})

	t.Run("requires a project role", func(t *testing.T) {
		f := newFixture(t)
		seeded := seed(t, f)

		_, err := f.manager.Rollback(context.Background(), seeded[2].ID, "stranger")
		assert.True(t, domain.IsPermission(err))
	})

	t.Run("cannot roll back twice", func(t *testing.T) {
		f := newFixture(t)
		seeded := seed(t, f)

		_, err := f.manager.Rollback(context.Background(), seeded[2].ID, developer)
		require.NoError(t, err)
		_, err = f.manager.Rollback(context.Background(), seeded[2].ID, developer)
		assert.True(t, domain.IsConflict(err))
	})
}
