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

// Package github provides GitHub API integration for gitopsd.
//
// The client registers read-only deploy keys for projects whose provider has
// no repository-scoped tokens, reads repository metadata, and publishes
// commit statuses once a GitOps deployment finishes.
//
// Authentication:
//
// Deploy key creation runs with the initiating user's own session token,
// passed to NewClient for a single call. Commit statuses use the platform
// token from configuration.
//
// Example usage:
//
//	client, err := github.NewClient(token)
//	if err != nil {
//	    return err
//	}
//	key, err := client.CreateDeployKey(ctx, "owner", "repo", &github.DeployKey{
//	    Title:    "gitopsd: shop",
//	    Key:      publicKey,
//	    ReadOnly: true,
//	})
//
// Retry Logic:
//
// Failed requests are retried with exponential backoff and ±20% jitter
// (see package retry). Rate limits, 429 and 5xx gateway errors are retried.
// Other client errors are not, and are mapped onto the domain error types:
// 404 to NotFoundError, 401 to ErrAuthentication, 403 to PermissionError and
// 422 to ConflictError.
package github
