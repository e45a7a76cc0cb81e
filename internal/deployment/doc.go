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

// Package deployment implements the deployment lifecycle.
//
// A Deployment is inserted as pending. When its environment requires
// approval, one ApprovalRequest per organization admin is created and the
// deployment waits; otherwise it moves to running at once and execution is
// scheduled in the background:
//
//	pending -> running -> success | failed
//
// Direct deployments are executed by patching the environment's workload
// and waiting for the rollout. GitOps deployments are executed by committing
// the change set to the environment's manifest; they complete when status
// sync reports the sync target converged at that commit.
//
// Rollback never rewinds a row. It inserts a new deployment carrying the
// last successful version and marks the superseded one rolled_back.
//
// Every insert publishes deployment.created and every terminal transition
// publishes deployment.completed on the event bus.
package deployment
