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

package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/xanzy/go-gitlab"

	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/retry"
)

// gitlabClient implements the Client interface using go-gitlab
type gitlabClient struct {
	client      *gitlab.Client
	retryConfig *retry.Config
}

type settings struct {
	baseURL     string
	retryConfig *retry.Config
}

// Option configures a client
type Option func(*settings)

// WithBaseURL points the client at a self-managed instance or a test server
func WithBaseURL(baseURL string) Option {
	return func(s *settings) { s.baseURL = baseURL }
}

// WithRetryConfig overrides the retry behavior
func WithRetryConfig(cfg *retry.Config) Option {
	return func(s *settings) { s.retryConfig = cfg }
}

// NewClient creates a GitLab client authenticated with token
func NewClient(token string, opts ...Option) (Client, error) {
	s := &settings{retryConfig: retry.DefaultConfig()}
	for _, opt := range opts {
		opt(s)
	}

	// Retries are driven by retry.Do so they share the classification used
	// for every other provider call.
	clientOpts := []gitlab.ClientOptionFunc{gitlab.WithCustomRetryMax(0)}
	if s.baseURL != "" {
		clientOpts = append(clientOpts, gitlab.WithBaseURL(s.baseURL))
	}

	gl, err := gitlab.NewClient(token, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gitlab client: %w", err)
	}
	return &gitlabClient{client: gl, retryConfig: s.retryConfig}, nil
}

// CreateProjectToken mints a project access token
func (c *gitlabClient) CreateProjectToken(ctx context.Context, project string, opts TokenOptions) (*ProjectToken, error) {
	req := &gitlab.CreateProjectAccessTokenOptions{
		Name:        gitlab.Ptr(opts.Name),
		Scopes:      gitlab.Ptr(opts.Scopes),
		AccessLevel: gitlab.Ptr(gitlab.AccessLevelValue(opts.AccessLevel)),
	}
	if opts.ExpiresAt != nil {
		req.ExpiresAt = gitlab.Ptr(gitlab.ISOTime(*opts.ExpiresAt))
	}

	var token *gitlab.ProjectAccessToken
	err := c.executeWithRetry(ctx, func() error {
		var err error
		token, _, err = c.client.ProjectAccessTokens.CreateProjectAccessToken(project, req, gitlab.WithContext(ctx))
		return err
	})
	if err != nil {
		return nil, mapError("create project token", project, err)
	}

	out := &ProjectToken{
		ID:          token.ID,
		UserID:      token.UserID,
		Name:        token.Name,
		Scopes:      token.Scopes,
		AccessLevel: int(token.AccessLevel),
		Token:       token.Token,
	}
	if token.ExpiresAt != nil {
		t := time.Time(*token.ExpiresAt)
		out.ExpiresAt = &t
	}
	return out, nil
}

// RevokeToken revokes a token by id
func (c *gitlabClient) RevokeToken(ctx context.Context, id int) error {
	err := c.executeWithRetry(ctx, func() error {
		_, err := c.client.PersonalAccessTokens.RevokePersonalAccessToken(id, gitlab.WithContext(ctx))
		return err
	})
	if err != nil {
		return mapError("revoke token", fmt.Sprintf("%d", id), err)
	}
	return nil
}

func (c *gitlabClient) executeWithRetry(ctx context.Context, operation func() error) error {
	return retry.Do(ctx, c.retryConfig, isRetryableError, operation)
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error) bool {
	var glErr *gitlab.ErrorResponse
	if errors.As(err, &glErr) && glErr.Response != nil {
		switch glErr.Response.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return retry.IsTransient(err)
}

// mapError converts API failures onto the domain taxonomy
func mapError(op, target string, err error) error {
	var glErr *gitlab.ErrorResponse
	if errors.As(err, &glErr) && glErr.Response != nil {
		switch glErr.Response.StatusCode {
		case http.StatusNotFound:
			return &domain.NotFoundError{Kind: "gitlab resource", ID: target}
		case http.StatusUnauthorized:
			return fmt.Errorf("%s %s: %w: %s", op, target, domain.ErrAuthentication, glErr.Message)
		case http.StatusForbidden:
			return &domain.PermissionError{Actor: "gitlab token", Action: op, Target: target}
		case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
			return &domain.ConflictError{Kind: "gitlab resource", ID: target, Reason: glErr.Message}
		}
	}
	if isRetryableError(err) {
		return domain.Transient(fmt.Errorf("failed to %s %s: %w", op, target, err))
	}
	return fmt.Errorf("failed to %s %s: %w", op, target, err)
}
