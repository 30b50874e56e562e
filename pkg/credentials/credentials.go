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

// Package credentials supplies session tokens for connection handshakes
// and notifies clients when the token changes.
package credentials

import (
	"net/http"
	"sync"

	"github.com/wso2/api-platform/realtime/pkg/eventbus"
	"go.uber.org/zap"
)

// Source returns the current session token
type Source interface {
	Token() (string, error)
}

// StaticSource is a fixed token
type StaticSource string

// Token returns the fixed token
func (s StaticSource) Token() (string, error) {
	return string(s), nil
}

// Subscription is a cancel-capable registration with a Notifier
type Subscription interface {
	// Cancel releases the registration. Calling it more than once is a no-op.
	Cancel()
}

// Notifier announces credential refreshes
type Notifier interface {
	Subscribe(onRefresh func()) Subscription
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Broadcaster is a Notifier driven by explicit Notify calls
type Broadcaster struct {
	bus *eventbus.Bus[struct{}]
}

// NewBroadcaster creates a new Broadcaster
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{bus: eventbus.New[struct{}]("credentials", logger)}
}

// Subscribe registers onRefresh until the subscription is cancelled
func (b *Broadcaster) Subscribe(onRefresh func()) Subscription {
	unsubscribe := b.bus.Subscribe(func(struct{}) { onRefresh() })
	return &subscription{cancel: unsubscribe}
}

// Notify signals every subscriber that credentials changed
func (b *Broadcaster) Notify() {
	b.bus.Publish(struct{}{})
}

// Subscribers returns the number of live subscriptions
func (b *Broadcaster) Subscribers() int {
	return b.bus.Len()
}

// Header builds the handshake header carrying the token from src.
// An empty token yields an empty header set.
func Header(src Source, name, scheme string) (http.Header, error) {
	headers := http.Header{}
	if src == nil {
		return headers, nil
	}

	token, err := src.Token()
	if err != nil {
		return nil, err
	}
	if token == "" {
		return headers, nil
	}

	if scheme != "" {
		token = scheme + " " + token
	}
	headers.Set(name, token)
	return headers, nil
}
