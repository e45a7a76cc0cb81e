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

// Package webhook is the HTTP ingress of gitopsd.
//
// It receives the events and commands the surrounding platform sends to the
// control plane:
//   - POST /hooks/git-push: the outcome of a Git-triggered reconciliation
//   - POST /hooks/gitops-setup: enable GitOps for a project
//   - POST /hooks/gitops-teardown: disable GitOps and revoke the credential
//   - POST /deployments: create a direct or GitOps deployment
//   - POST /deployments/{id}/approve, /reject and /rollback
//
// Webhook Security:
//
// Every request except GET /healthz must carry an X-Gitopsd-Signature-256
// header holding "sha256=" and the hex HMAC-SHA256 of the raw body, keyed
// with the shared webhook secret. Unsigned or mis-signed requests are
// rejected with HTTP 401. The setup request additionally carries the
// actor's provider token in X-Gitopsd-Provider-Token; it is used once to
// create the project credential and never stored.
//
// Rate Limiting:
//
// Requests are rate-limited per project with a fixed-window token bucket.
// The default limit is 10 requests per second per project. Requests
// exceeding the limit receive HTTP 429 Too Many Requests.
//
// Error Mapping:
//
// Permission errors map to 403, missing records to 404, conflicts to 409,
// a GitOps request for an environment without GitOps to 422, a credential
// the provider rejected to 401 and transient failures to 503.
package webhook
