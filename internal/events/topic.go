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

package events

import (
	"context"
	"sync"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// DefaultBuffer is the queue length of a subscriber when none is given.
const DefaultBuffer = 64

// Handler consumes one event.
type Handler[T any] func(ctx context.Context, event T)

type subscription[T any] struct {
	name    string
	queue   chan T
	handler Handler[T]
	once    sync.Once
}

// Topic fans events of one type out to its subscribers.
type Topic[T any] struct {
	name string

	mu   sync.RWMutex
	subs []*subscription[T]
}

// NewTopic creates a topic with the given event name.
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name}
}

// Name returns the event name carried by the topic.
func (t *Topic[T]) Name() string {
	return t.name
}

// Subscribe registers handler under name. Delivery starts once the
// subscription is running, see Start.
func (t *Topic[T]) Subscribe(name string, buffer int, handler Handler[T]) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, &subscription[T]{
		name:    name,
		queue:   make(chan T, buffer),
		handler: handler,
	})
}

// Publish enqueues event for every subscriber. It blocks while a queue is
// full and gives up when ctx is done. Events are never dropped silently.
func (t *Topic[T]) Publish(ctx context.Context, event T) error {
	t.mu.RLock()
	subs := t.subs
	t.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.queue <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Start drains every subscriber queue until ctx is done. It implements
// manager.Runnable.
func (t *Topic[T]) Start(ctx context.Context) error {
	t.mu.RLock()
	subs := t.subs
	t.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		s.once.Do(func() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.drain(ctx, s)
			}()
		})
	}
	wg.Wait()
	return nil
}

func (t *Topic[T]) drain(ctx context.Context, s *subscription[T]) {
	logger := log.FromContext(ctx).WithValues("event", t.name, "subscriber", s.name)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error(nil, "Event handler panicked", "panic", r)
					}
				}()
				s.handler(ctx, ev)
			}()
		}
	}
}

// Start runs all topics of the bus until ctx is done.
func (b *Bus) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, start := range []func(context.Context) error{
		b.DeploymentCreated.Start,
		b.DeploymentCompleted.Start,
		b.ResourceConverged.Start,
		b.Connectivity.Start,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = start(ctx)
		}()
	}
	wg.Wait()
	return nil
}

// NeedLeaderElection runs the bus on every replica, since each one accepts
// requests that publish events.
func (b *Bus) NeedLeaderElection() bool {
	return false
}
