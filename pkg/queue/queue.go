/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package queue

import (
	"fmt"
	"sync"
)

// Queue is a bounded FIFO buffer with drop-oldest overflow
type Queue[T any] struct {
	mu       sync.Mutex
	entries  []T
	capacity int
	dropped  uint64
}

// New creates a queue holding at most capacity entries (minimum 1)
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Enqueue appends an entry, evicting the oldest one first when full.
// It reports whether an eviction happened.
func (q *Queue[T]) Enqueue(entry T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.entries) >= q.capacity {
		var zero T
		q.entries[0] = zero
		q.entries = q.entries[1:]
		q.dropped++
		evicted = true
	}
	q.entries = append(q.entries, entry)
	return evicted
}

// Flush sends entries in FIFO order and stops at the first failure. The
// failed entry stays at the front. A panic in send counts as a failure.
// It returns the number of entries sent. send must not call back into q.
func (q *Queue[T]) Flush(send func(T) error) (sent int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.entries) > 0 {
		if err = safeSend(send, q.entries[0]); err != nil {
			return sent, err
		}
		var zero T
		q.entries[0] = zero
		q.entries = q.entries[1:]
		sent++
	}
	return sent, nil
}

func safeSend[T any](send func(T) error, entry T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	return send(entry)
}

// Size returns the number of queued entries
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsEmpty reports whether the queue holds no entries
func (q *Queue[T]) IsEmpty() bool {
	return q.Size() == 0
}

// Capacity returns the fixed capacity
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// Dropped returns how many entries were evicted by overflow
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Snapshot returns a copy of the queued entries in order
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.entries))
	copy(out, q.entries)
	return out
}
