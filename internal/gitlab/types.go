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
	"time"
)

// Client defines the subset of the GitLab API the control plane needs
type Client interface {
	// CreateProjectToken mints an access token scoped to a single project.
	CreateProjectToken(ctx context.Context, project string, opts TokenOptions) (*ProjectToken, error)

	// RevokeToken revokes the token with the given id. The client must be
	// authenticated as the token itself or as a user allowed to revoke it.
	RevokeToken(ctx context.Context, id int) error
}

// TokenOptions describes a project access token to create
type TokenOptions struct {
	Name   string
	Scopes []string
	// AccessLevel is the project role granted to the token's bot user.
	AccessLevel int
	// ExpiresAt is omitted from the request when nil.
	ExpiresAt *time.Time
}

// ProjectToken is a minted project access token. Token is only populated in
// the creation response.
type ProjectToken struct {
	ID          int
	UserID      int
	Name        string
	Scopes      []string
	AccessLevel int
	Token       string
	ExpiresAt   *time.Time
}

// Access levels and scopes used for read-only repository tokens
const (
	ReporterAccess      = 20
	ScopeReadRepository = "read_repository"
)
