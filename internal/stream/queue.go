// Copyright 2019 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stream provides the buffering stages placed between record
// producers and consumers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrAborted is returned (wrapped) by blocking operations whose context is
// cancelled.
var ErrAborted = errors.New("aborting")

// Queue is a bounded FIFO queue safe for use by several producers and
// consumers.  Producers block while the queue is full and consumers block
// while it is empty and more items are expected.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	head, n  int
	hasMore  bool
	closed   bool
	changed  chan struct{}
	capacity int
}

// NewQueue returns an empty Queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:    make([]T, capacity),
		hasMore:  true,
		changed:  make(chan struct{}),
		capacity: capacity,
	}
}

// notify wakes every waiter.  It must be called with q.mu held.
func (q *Queue[T]) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// wait blocks until ready returns true.  It must be called with q.mu held,
// which is released while waiting.
func (q *Queue[T]) wait(ctx context.Context, ready func() bool) error {
	for !ready() {
		changed := q.changed
		q.mu.Unlock()
		select {
		case <-changed:
			q.mu.Lock()
		case <-ctx.Done():
			q.mu.Lock()
			return fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
		}
	}
	return nil
}

// Push appends item, waiting for space if the queue is full.  hasMore
// reports whether the producer will push further items.  Items pushed after
// Close are discarded.
func (q *Queue[T]) Push(ctx context.Context, item T, hasMore bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.wait(ctx, func() bool { return q.n < q.capacity || q.closed }); err != nil {
		return err
	}
	if q.closed {
		return nil
	}
	q.items[(q.head+q.n)%q.capacity] = item
	q.n++
	q.hasMore = hasMore
	q.notify()
	return nil
}

// SetHasMore records whether more items will be pushed.  Consumers waiting
// on an empty queue return once it is set to false.
func (q *Queue[T]) SetHasMore(hasMore bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hasMore = hasMore
	q.notify()
}

func (q *Queue[T]) available(ctx context.Context) (bool, error) {
	if err := q.wait(ctx, func() bool { return q.n > 0 || !q.hasMore || q.closed }); err != nil {
		return false, err
	}
	return q.n > 0, nil
}

// Peek returns the item at the head of the queue without removing it.  The
// boolean result is false once the queue is empty and no more items are
// expected, or the queue has been closed.
func (q *Queue[T]) Peek(ctx context.Context) (T, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	ok, err := q.available(ctx)
	if !ok {
		return zero, false, err
	}
	return q.items[q.head], true, nil
}

// Poll removes and returns the item at the head of the queue, with the same
// results as Peek.
func (q *Queue[T]) Poll(ctx context.Context) (T, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	ok, err := q.available(ctx)
	if !ok {
		return zero, false, err
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % q.capacity
	q.n--
	q.notify()
	return item, true, nil
}

// Close wakes every blocked caller.  Items already queued can still be
// polled; later pushes are discarded.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.notify()
	}
}

// Size returns the number of queued items.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Done reports whether the queue is empty and no more items are expected.
func (q *Queue[T]) Done() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n == 0 && (!q.hasMore || q.closed)
}

func (q *Queue[T]) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fmt.Sprintf("queue size: %d capacity: %d hasMore: %t closed: %t", q.n, q.capacity, q.hasMore, q.closed)
}
