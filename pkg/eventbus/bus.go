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

// Package eventbus provides a typed publish/subscribe bus. Subscriber
// lists are copied on write so that observers may subscribe or
// unsubscribe from inside a notification.
package eventbus

import (
	"sync"

	"go.uber.org/zap"
)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Bus fans out values of type T to its subscribers in subscription order
type Bus[T any] struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	subs   []subscriber[T]
	nextID uint64
}

// New creates a new bus. name is used in log fields only.
func New[T any](name string, logger *zap.Logger) *Bus[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus[T]{name: name, logger: logger}
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is idempotent.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	next := make([]subscriber[T], len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	b.subs = append(next, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// SubscribeChan delivers values to ch without blocking. Values are dropped
// with a warning when ch is full.
func (b *Bus[T]) SubscribeChan(ch chan<- T) (unsubscribe func()) {
	return b.Subscribe(func(v T) {
		select {
		case ch <- v:
		default:
			b.logger.Warn("Subscriber channel full, dropping event",
				zap.String("bus", b.name),
			)
		}
	})
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]subscriber[T], 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs = next
}

// Publish notifies every current subscriber synchronously. A panicking
// subscriber is logged and does not affect the others.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		b.notify(s, v)
	}
}

func (b *Bus[T]) notify(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked",
				zap.String("bus", b.name),
				zap.Any("panic", r),
			)
		}
	}()
	s.fn(v)
}

// Len returns the number of subscribers
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
