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

// Package cleanup prunes local Git working copies of projects that no longer
// have GitOps enabled.
//
// The Git operations engine keeps one working copy per project under its
// work directory so that commits only fetch what changed. Teardown removes
// a project's cluster objects and soft-deletes its resource rows but leaves
// the working copy on disk. The Scheduler runs on every replica, since each
// one owns its own disk, and on every tick removes the copies whose project
// has no live GitOps resources. A pruned copy is cloned again by the next
// commit.
//
// Example usage:
//
//	scheduler := cleanup.NewScheduler(engine, store, time.Hour)
//	if err := mgr.Add(scheduler); err != nil {
//		return err
//	}
package cleanup
