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
	"bytes"
	"encoding/json"
	"fmt"
)

// Reserved envelope types handled by the transport itself
const (
	// TypeKeepAlive is sent by the heartbeat monitor
	TypeKeepAlive = "ping"
	// TypeKeepAliveResponse is the server's reply to a keep-alive; it is never dispatched
	TypeKeepAliveResponse = "pong"
	// TypeError carries a server-side error report surfaced on the error path
	TypeError = "error"
)

// Sentinel close frame sent by the server when the session is logged out.
// A client receiving it must not reconnect.
const (
	CloseCodeLogout   = 1000
	CloseReasonLogout = "Logout"
)

// IsLogoutClose reports whether a close code/reason pair is the logout sentinel
func IsLogoutClose(code int, reason string) bool {
	return code == CloseCodeLogout && reason == CloseReasonLogout
}

// Envelope is the unit exchanged in both directions: a type discriminator
// plus arbitrary top-level fields, encoded on the wire as a flat JSON object.
type Envelope struct {
	Type   string
	Fields map[string]json.RawMessage
}

// NewEnvelope builds an envelope of the given type. Object payloads are
// flattened into the envelope; any other payload is carried under "data".
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	if msgType == "" {
		return nil, ErrInvalidType
	}

	env := &Envelope{Type: msgType, Fields: map[string]json.RawMessage{}}
	if payload == nil {
		return env, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %q: %w", msgType, err)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("failed to flatten payload for %q: %w", msgType, err)
		}
		delete(fields, "type")
		env.Fields = fields
		return env, nil
	}

	env.Fields["data"] = raw
	return env, nil
}

// Parse decodes a wire message into an envelope. Malformed JSON and
// envelopes without a string type are reported as *ParseError.
func Parse(data []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &ParseError{Raw: data, Err: err}
	}
	if fields == nil {
		return nil, &ParseError{Raw: data, Err: ErrNotAnObject}
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, &ParseError{Raw: data, Err: ErrMissingType}
	}

	var msgType string
	if err := json.Unmarshal(rawType, &msgType); err != nil || msgType == "" {
		return nil, &ParseError{Raw: data, Err: ErrInvalidType}
	}

	delete(fields, "type")
	return &Envelope{Type: msgType, Fields: fields}, nil
}

// MarshalJSON encodes the envelope as a flat object
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, ErrMissingType
	}

	out := make(map[string]json.RawMessage, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	out["type"] = typ

	return json.Marshal(out)
}

// UnmarshalJSON decodes a flat object, enforcing the type field
func (e *Envelope) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// Field returns the raw value of a top-level field
func (e *Envelope) Field(name string) (json.RawMessage, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// StringField returns a top-level string field, or "" when absent or not a string
func (e *Envelope) StringField(name string) string {
	raw, ok := e.Fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Set marshals v and stores it under name. Setting "type" is rejected.
func (e *Envelope) Set(name string, v any) error {
	if name == "type" {
		return fmt.Errorf("field %q is reserved", name)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal field %q: %w", name, err)
	}
	if e.Fields == nil {
		e.Fields = map[string]json.RawMessage{}
	}
	e.Fields[name] = raw
	return nil
}

// Decode unmarshals the whole envelope, type included, into v
func (e *Envelope) Decode(v any) error {
	data, err := e.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ServerError is the structured payload of a reserved "error" envelope
type ServerError struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"-"`
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
	}
	return "server error: " + e.Message
}

// ParseServerError decodes the data of an "error" event. It returns false
// when the payload is not a JSON object.
func ParseServerError(data []byte) (*ServerError, bool) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, false
	}

	se := &ServerError{Details: fields}
	if msg, ok := fields["message"].(string); ok {
		se.Message = msg
	}
	if code, ok := fields["code"].(string); ok {
		se.Code = code
	}
	return se, true
}
