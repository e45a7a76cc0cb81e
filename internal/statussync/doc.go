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

// Package statussync closes the loop between a GitOps resource being
// declared and it converging.
//
// A Syncer periodically sweeps every project with live GitOps resources,
// reads each mirrored GitRepository or Kustomization from the cluster, maps
// its Ready condition to ready, failed or pending and writes changes back to
// the store. The sweep is authoritative; the controller's watch only
// accelerates it. A resource reaching ready or failed, or a ready resource
// moving to a new revision, is published as a ResourceConverged event so the
// deployment lifecycle can complete the matching deployment.
//
// WaitForReady gives synchronous callers a bounded, best-effort answer and
// returns OutcomeReconciling rather than an error when time runs out.
package statussync
