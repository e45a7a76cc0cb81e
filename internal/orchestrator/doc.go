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

// Package orchestrator makes the cluster reflect that a project has GitOps
// enabled.
//
// SetupProject provisions, per environment, a namespace and a copy of the
// project's Git credential secret, then one Flux GitRepository for the
// project and one pruning Kustomization per environment. Every cluster call
// treats "already exists" as success and every database row is an upsert, so
// setup can be re-run after a partial failure. A failing environment does not
// stop the others; the result lists each environment's outcome.
//
// TeardownProject deletes the environment namespaces and the source object
// and soft-deletes the mirrored rows.
//
// Bootstrapper combines the orchestrator with credential provisioning to
// serve the GitOps setup request end to end.
package orchestrator
