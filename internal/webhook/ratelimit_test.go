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

package webhook

import (
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"
)

// TestRateLimiter verifies per-key fixed-window limiting
func TestRateLimiter(t *testing.T) {
	fake := clocktesting.NewFakePassiveClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(2, time.Second)
	rl.clock = fake

	for i := range 2 {
		if !rl.Allow("proj-1") {
			t.Fatalf("request %d rejected within limit", i)
		}
	}
	if rl.Allow("proj-1") {
		t.Error("third request in the window was allowed")
	}
	if !rl.Allow("proj-2") {
		t.Error("other project shares the bucket")
	}

	fake.SetTime(fake.Now().Add(time.Second))
	if !rl.Allow("proj-1") {
		t.Error("bucket was not refilled after the window")
	}
}
