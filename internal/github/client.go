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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v66/github"

	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/retry"
)

// githubClient implements the Client interface using go-github
type githubClient struct {
	client      *github.Client
	retryConfig *retry.Config
}

// Option configures a client
type Option func(*githubClient) error

// WithBaseURL points the client at a GitHub Enterprise or test API root
func WithBaseURL(baseURL string) Option {
	return func(c *githubClient) error {
		u, err := url.Parse(baseURL)
		if err != nil {
			return fmt.Errorf("invalid GitHub base URL: %w", err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		c.client.BaseURL = u
		return nil
	}
}

// WithRetryConfig overrides the retry behavior
func WithRetryConfig(cfg *retry.Config) Option {
	return func(c *githubClient) error {
		c.retryConfig = cfg
		return nil
	}
}

// NewClient creates a new GitHub client authenticated with token. The token
// may be a user's session token used for a single call; it is never stored
// beyond the client's lifetime.
func NewClient(token string, opts ...Option) (Client, error) {
	gh := github.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}

	c := &githubClient{
		client:      gh,
		retryConfig: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// GetRepository retrieves repository metadata
func (c *githubClient) GetRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	var r *github.Repository
	err := c.executeWithRetry(ctx, func() error {
		var err error
		r, _, err = c.client.Repositories.Get(ctx, owner, repo)
		return err
	})
	if err != nil {
		return nil, mapError("get repository", owner+"/"+repo, err)
	}

	return &Repository{
		FullName:      r.GetFullName(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
		CloneURL:      r.GetCloneURL(),
		SSHURL:        r.GetSSHURL(),
	}, nil
}

// CreateDeployKey registers key on the repository
func (c *githubClient) CreateDeployKey(ctx context.Context, owner, repo string, key *DeployKey) (*DeployKey, error) {
	req := &github.Key{
		Title:    github.String(key.Title),
		Key:      github.String(key.Key),
		ReadOnly: github.Bool(key.ReadOnly),
	}

	var created *github.Key
	err := c.executeWithRetry(ctx, func() error {
		var err error
		created, _, err = c.client.Repositories.CreateKey(ctx, owner, repo, req)
		return err
	})
	if err != nil {
		return nil, mapError("create deploy key", owner+"/"+repo, err)
	}

	return &DeployKey{
		ID:        created.GetID(),
		Title:     created.GetTitle(),
		Key:       created.GetKey(),
		ReadOnly:  created.GetReadOnly(),
		CreatedAt: created.GetCreatedAt().Time,
	}, nil
}

// DeleteDeployKey removes a deploy key from the repository
func (c *githubClient) DeleteDeployKey(ctx context.Context, owner, repo string, id int64) error {
	err := c.executeWithRetry(ctx, func() error {
		_, err := c.client.Repositories.DeleteKey(ctx, owner, repo, id)
		return err
	})
	if err != nil {
		return mapError("delete deploy key", fmt.Sprintf("%s/%s#%d", owner, repo, id), err)
	}
	return nil
}

// UpdateCommitStatus updates the status of a commit
func (c *githubClient) UpdateCommitStatus(ctx context.Context, owner, repo, sha string, status *Status) error {
	repoStatus := &github.RepoStatus{
		State:       github.String(string(status.State)),
		Description: github.String(status.Description),
		Context:     github.String(status.Context),
	}
	if status.TargetURL != "" {
		repoStatus.TargetURL = github.String(status.TargetURL)
	}

	err := c.executeWithRetry(ctx, func() error {
		_, _, err := c.client.Repositories.CreateStatus(ctx, owner, repo, sha, repoStatus)
		return err
	})
	if err != nil {
		return mapError("update commit status", owner+"/"+repo+"@"+sha, err)
	}

	return nil
}

// executeWithRetry executes an operation with exponential backoff retry
func (c *githubClient) executeWithRetry(ctx context.Context, operation func() error) error {
	return retry.Do(ctx, c.retryConfig, isRetryableError, operation)
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}

	// Check for GitHub API errors
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		case http.StatusForbidden:
			// Check if it's a rate limit error
			return ghErr.Message == "API rate limit exceeded"
		}
		return false
	}

	return retry.IsTransient(err)
}

// mapError converts API failures onto the domain taxonomy
func mapError(op, target string, err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusNotFound:
			return &domain.NotFoundError{Kind: "github resource", ID: target}
		case http.StatusUnauthorized:
			return fmt.Errorf("%s %s: %w: %s", op, target, domain.ErrAuthentication, ghErr.Message)
		case http.StatusForbidden:
			if ghErr.Message != "API rate limit exceeded" {
				return &domain.PermissionError{Actor: "github token", Action: op, Target: target}
			}
		case http.StatusUnprocessableEntity:
			return &domain.ConflictError{Kind: "github resource", ID: target, Reason: ghErr.Message}
		}
	}
	if isRetryableError(err) {
		return domain.Transient(fmt.Errorf("failed to %s %s: %w", op, target, err))
	}
	return fmt.Errorf("failed to %s %s: %w", op, target, err)
}
