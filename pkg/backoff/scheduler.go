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

package backoff

import (
	"math"
	"sync"
	"time"

	"github.com/wso2/api-platform/realtime/pkg/protocol"
	"go.uber.org/zap"
)

// Delays applied when a Config leaves them unset
const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// Config holds the reconnection delay policy
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts bounds the number of scheduled retries; 0 retries forever
	MaxAttempts int
}

// Scheduler computes and times reconnection attempts with exponential
// backoff. At most one retry is pending at any time.
type Scheduler struct {
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	attempts int
	timer    *time.Timer
	// generation invalidates timers that fired while being cancelled
	generation uint64
}

// New creates a new Scheduler. A non-positive BaseDelay or a MaxDelay
// below BaseDelay is replaced with the defaults.
func New(config Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		config: config.WithDefaults(),
		logger: logger,
	}
}

// WithDefaults returns c with unset or inconsistent delays filled in
func (c Config) WithDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(DefaultMaxDelay, c.BaseDelay)
	}
	return c
}

// Delay returns min(baseDelay * 2^attempt, maxDelay)
func (s *Scheduler) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(s.config.BaseDelay) * math.Pow(2, float64(attempt))
	if delay >= float64(s.config.MaxDelay) {
		return s.config.MaxDelay
	}
	return time.Duration(delay)
}

// ScheduleRetry arms fn to run after the delay for the current attempt and
// increments the attempt counter. A previously pending retry is cancelled.
// When MaxAttempts is set and exhausted, nothing is scheduled and
// protocol.ErrMaxAttemptsExceeded is returned.
func (s *Scheduler) ScheduleRetry(fn func()) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.MaxAttempts > 0 && s.attempts >= s.config.MaxAttempts {
		return 0, protocol.ErrMaxAttemptsExceeded
	}

	s.cancelLocked()

	delay := s.Delay(s.attempts)
	s.attempts++
	gen := s.generation

	s.logger.Debug("Scheduling reconnect",
		zap.Duration("retry_delay", delay),
		zap.Int("attempt", s.attempts),
	)

	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()

		fn()
	})

	return delay, nil
}

// CancelPending cancels an outstanding retry without running it.
// Safe to call when nothing is pending.
func (s *Scheduler) CancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Scheduler) cancelLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// ResetAttempts sets the attempt counter back to zero (called on successful open)
func (s *Scheduler) ResetAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
}

// Attempts returns the number of retries scheduled since the last reset
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Pending reports whether a retry is armed
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Exhausted reports whether MaxAttempts has been reached
func (s *Scheduler) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.MaxAttempts > 0 && s.attempts >= s.config.MaxAttempts
}

// MaxAttempts returns the configured attempt ceiling (0 means unlimited)
func (s *Scheduler) MaxAttempts() int {
	return s.config.MaxAttempts
}
