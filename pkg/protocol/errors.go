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

package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingType is returned when an envelope has no type field
	ErrMissingType = errors.New("envelope missing 'type' field")

	// ErrInvalidType is returned when the type field is empty or not a string
	ErrInvalidType = errors.New("envelope 'type' field must be a non-empty string")

	// ErrNotAnObject is returned when a wire message is valid JSON but not an object
	ErrNotAnObject = errors.New("envelope must be a JSON object")

	// ErrNotConnected is returned when sending without an open connection
	ErrNotConnected = errors.New("not connected")

	// ErrMaxAttemptsExceeded is matched by MaxAttemptsExceededError
	ErrMaxAttemptsExceeded = errors.New("maximum reconnect attempts exceeded")
)

// ConnectionError reports a failed open or handshake
type ConnectionError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("connection to %s failed with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ParseError reports a malformed or type-less envelope
type ParseError struct {
	Raw []byte
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse envelope: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// HandlerError wraps a failure raised inside a registered handler.
// Recovered holds the panic value when the handler panicked.
type HandlerError struct {
	Type      string
	MessageID string
	Err       error
	Recovered any
}

func (e *HandlerError) Error() string {
	if e.Recovered != nil {
		return fmt.Sprintf("handler for %q panicked: %v", e.Type, e.Recovered)
	}
	return fmt.Sprintf("handler for %q failed: %v", e.Type, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// MaxAttemptsExceededError is terminal for automatic recovery of a push stream
type MaxAttemptsExceededError struct {
	Attempts int
	LastErr  error
}

func (e *MaxAttemptsExceededError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("gave up after %d reconnect attempts: %v", e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("gave up after %d reconnect attempts", e.Attempts)
}

func (e *MaxAttemptsExceededError) Unwrap() error { return e.LastErr }

// Is lets errors.Is(err, ErrMaxAttemptsExceeded) match
func (e *MaxAttemptsExceededError) Is(target error) bool {
	return target == ErrMaxAttemptsExceeded
}

// SendError reports an outbound send that did not reach the wire.
// Queued is true when the message was kept for the next connection.
type SendError struct {
	Type   string
	Queued bool
	Err    error
}

func (e *SendError) Error() string {
	if e.Queued {
		return fmt.Sprintf("send %q failed, message queued: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("send %q failed: %v", e.Type, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsConnectionError checks if an error is a connection error
func IsConnectionError(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

// IsParseError checks if an error is a parse error
func IsParseError(err error) bool {
	var target *ParseError
	return errors.As(err, &target)
}

// IsHandlerError checks if an error is a handler error
func IsHandlerError(err error) bool {
	var target *HandlerError
	return errors.As(err, &target)
}

// IsMaxAttemptsExceededError checks if an error is the terminal push-stream error
func IsMaxAttemptsExceededError(err error) bool {
	return errors.Is(err, ErrMaxAttemptsExceeded)
}

// IsSendError checks if an error is a send error
func IsSendError(err error) bool {
	var target *SendError
	return errors.As(err, &target)
}
