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

// Package notify reports finished GitOps deployments back to the Git
// provider as commit statuses.
package notify

import (
	"context"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/events"
	"github.com/mikelane/gitopsd/internal/github"
	"github.com/mikelane/gitopsd/internal/store"
)

// ContextPrefix prefixes the status context; the environment name follows.
const ContextPrefix = "gitopsd/"

// Notifier posts a commit status for each completed GitOps deployment on a
// GitHub repository.
type Notifier struct {
	github      github.Client
	deployments store.Deployments
	catalog     store.Catalog
	// targetURL, when set, is formatted with the deployment id.
	targetURL string
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithTargetURL links each status to a page; format must contain one %s
// for the deployment id.
func WithTargetURL(format string) Option {
	return func(n *Notifier) { n.targetURL = format }
}

// NewNotifier creates a Notifier.
func NewNotifier(gh github.Client, s store.Store, opts ...Option) *Notifier {
	n := &Notifier{github: gh, deployments: s, catalog: s}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe registers the notifier on topic. Call before the bus starts.
func (n *Notifier) Subscribe(topic *events.Topic[events.DeploymentCompleted]) {
	topic.Subscribe("commit-status", 0, n.HandleDeploymentCompleted)
}

// HandleDeploymentCompleted publishes the status and logs failures; a
// missing status never affects the deployment.
func (n *Notifier) HandleDeploymentCompleted(ctx context.Context, ev events.DeploymentCompleted) {
	if err := n.Notify(ctx, ev); err != nil {
		log.FromContext(ctx).Error(err, "Failed to publish commit status", "deployment", ev.DeploymentID)
	}
}

// Notify posts the commit status for ev. Deployments that are not GitOps,
// have no commit, or live on another provider are skipped.
func (n *Notifier) Notify(ctx context.Context, ev events.DeploymentCompleted) error {
	d, err := n.deployments.GetDeployment(ctx, ev.DeploymentID)
	if err != nil {
		return err
	}
	if d.Method != domain.MethodGitOps || d.Commit() == "" {
		return nil
	}
	repo, err := n.catalog.GetProjectRepository(ctx, d.ProjectID)
	if err != nil {
		return err
	}
	if repo.Provider != domain.ProviderGitHub {
		return nil
	}
	env, err := n.catalog.GetEnvironment(ctx, d.EnvironmentID)
	if err != nil {
		return err
	}

	status := statusFor(ev, env)
	if n.targetURL != "" {
		status.TargetURL = fmt.Sprintf(n.targetURL, d.ID)
	}
	if err := n.github.UpdateCommitStatus(ctx, repo.Owner, repo.Name, d.Commit(), status); err != nil {
		return err
	}
	log.FromContext(ctx).V(1).Info("Published commit status",
		"repository", repo.FullName(), "commit", d.Commit(), "state", status.State)
	return nil
}

func statusFor(ev events.DeploymentCompleted, env *domain.Environment) *github.Status {
	s := &github.Status{Context: ContextPrefix + env.Name}
	if ev.Status == string(domain.DeploymentSuccess) {
		s.State = github.StatusStateSuccess
		s.Description = "Deployed to " + env.Name
		return s
	}
	s.State = github.StatusStateFailure
	s.Description = "Deployment to " + env.Name + " failed"
	if ev.ErrorMessage != "" {
		s.Description = truncate(ev.ErrorMessage, 140)
	}
	return s
}

// truncate keeps descriptions under GitHub's 140 character limit.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
