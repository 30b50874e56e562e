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

// Package lifecycle holds the connection state machine values and the
// notifications shared by the realtime clients.
package lifecycle

import "github.com/wso2/api-platform/realtime/pkg/protocol"

// State represents the connection state
type State int

const (
	// Disconnected state - no connection
	Disconnected State = iota
	// Connecting state - opening handshake in progress
	Connecting
	// Connected state - active connection
	Connected
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ClosedReason records why the client stopped reconnecting
type ClosedReason int

const (
	// ClosedReasonNone means closes are treated as failures and retried
	ClosedReasonNone ClosedReason = iota
	// ClosedReasonIntentional means Disconnect was called
	ClosedReasonIntentional
	// ClosedReasonServerLogout means the server sent the logout sentinel
	ClosedReasonServerLogout
)

// String returns the string representation of the closed reason
func (r ClosedReason) String() string {
	switch r {
	case ClosedReasonNone:
		return "none"
	case ClosedReasonIntentional:
		return "intentional"
	case ClosedReasonServerLogout:
		return "server_logout"
	default:
		return "unknown"
	}
}

// EventKind identifies a consumer-facing notification
type EventKind int

const (
	EventOpen EventKind = iota
	EventClose
	EventError
	EventMessage
	EventStatus
)

// String returns the string representation of the event kind
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventMessage:
		return "message"
	case EventStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Event is published on the client's event bus
type Event struct {
	Kind EventKind
	// Status events
	From State
	To   State
	// Close events
	CloseCode   int
	CloseReason string
	// Message events
	Envelope *protocol.Envelope
	// Error events
	Err error
}
