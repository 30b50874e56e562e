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

package heartbeat

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor sends a periodic keep-alive while its owner is connected.
// It does not track responses; dead peers are detected by the transport.
type Monitor struct {
	interval time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
}

// New creates a new heartbeat monitor
func New(interval time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		interval: interval,
		logger:   logger,
	}
}

// Start begins ticking. On each tick ping is called only if isConnected
// returns true. A running monitor is stopped first.
func (m *Monitor) Start(ping func() error, isConnected func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	if m.interval <= 0 {
		m.logger.Debug("Heartbeat disabled", zap.Duration("interval", m.interval))
		return
	}

	stop := make(chan struct{})
	m.stop = stop

	go m.run(stop, ping, isConnected)
}

func (m *Monitor) run(stop <-chan struct{}, ping func() error, isConnected func() bool) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !isConnected() {
				continue
			}
			if err := safePing(ping); err != nil {
				m.logger.Warn("Heartbeat ping failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

func safePing(ping func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ping panicked: %v", r)
		}
	}()
	return ping()
}

// Stop cancels the timer. It does not wait for an in-flight ping and is
// safe to call when not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

// Running reports whether the timer is active
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}
