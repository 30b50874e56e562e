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

package dispatcher

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/realtime/pkg/protocol"
)

func newTestDispatcher(handlers HandlerTable) (*Dispatcher, *[]error) {
	var reported []error
	d := New(Config{
		Handlers: handlers,
		IDs:      NewCounterGenerator("msg"),
		Source:   "test",
		OnError:  func(err error) { reported = append(reported, err) },
	}, nil)
	return d, &reported
}

func TestDispatch_RoutesByType(t *testing.T) {
	var got []string
	handlers := HandlerTable{}
	handlers.Register("score.updated", func(env *protocol.Envelope, mctx Context) error {
		got = append(got, env.StringField("team")+"/"+mctx.MessageID)
		assert.Equal(t, "test", mctx.Source)
		assert.False(t, mctx.ReceivedAt.IsZero())
		return nil
	})

	d, reported := newTestDispatcher(handlers)

	assert.Equal(t, ResultHandled, d.DispatchRaw([]byte(`{"type":"score.updated","team":"red"}`), nil))
	assert.Equal(t, ResultHandled, d.DispatchRaw([]byte(`{"type":"score.updated","team":"blue"}`), nil))

	assert.Equal(t, []string{"red/msg-1", "blue/msg-2"}, got)
	assert.Empty(t, *reported)
}

func TestDispatch_LastRegistrationWins(t *testing.T) {
	var which string
	handlers := HandlerTable{}
	handlers.Register("a", func(*protocol.Envelope, Context) error { which = "first"; return nil })
	handlers.Register("a", func(*protocol.Envelope, Context) error { which = "second"; return nil })

	d, _ := newTestDispatcher(handlers)
	d.Dispatch(&protocol.Envelope{Type: "a"})
	assert.Equal(t, "second", which)
}

func TestDispatch_UnknownTypeIsDropped(t *testing.T) {
	called := false
	handlers := HandlerTable{"known": func(*protocol.Envelope, Context) error { called = true; return nil }}
	d, reported := newTestDispatcher(handlers)

	var result Result
	require.NotPanics(t, func() {
		result = d.DispatchRaw([]byte(`{"type":"mystery"}`), nil)
	})

	assert.Equal(t, ResultUnknown, result)
	assert.False(t, called)
	assert.Empty(t, *reported)
}

func TestDispatch_MissingType(t *testing.T) {
	called := false
	handlers := HandlerTable{"": func(*protocol.Envelope, Context) error { called = true; return nil }}
	d, reported := newTestDispatcher(handlers)

	tests := []struct {
		name string
		run  func() Result
	}{
		{name: "raw without type", run: func() Result { return d.DispatchRaw([]byte(`{"points":1}`), nil) }},
		{name: "raw malformed", run: func() Result { return d.DispatchRaw([]byte(`{oops`), nil) }},
		{name: "nil envelope", run: func() Result { return d.Dispatch(nil) }},
		{name: "empty type", run: func() Result { return d.Dispatch(&protocol.Envelope{}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ResultParseError, tt.run())
		})
	}

	assert.False(t, called)
	require.Len(t, *reported, 4)
	for _, err := range *reported {
		assert.True(t, protocol.IsParseError(err))
	}
}

func TestDispatch_HandlerFailureIsolated(t *testing.T) {
	var delivered []int
	handlers := HandlerTable{
		"step": func(env *protocol.Envelope, mctx Context) error {
			var payload struct {
				N int `json:"n"`
			}
			require.NoError(t, env.Decode(&payload))
			switch payload.N {
			case 2:
				return errors.New("rejected")
			case 3:
				panic("handler bug")
			}
			delivered = append(delivered, payload.N)
			return nil
		},
	}
	d, reported := newTestDispatcher(handlers)

	results := []Result{
		d.DispatchRaw([]byte(`{"type":"step","n":1}`), nil),
		d.DispatchRaw([]byte(`{"type":"step","n":2}`), nil),
		d.DispatchRaw([]byte(`{"type":"step","n":3}`), nil),
		d.DispatchRaw([]byte(`{"type":"step","n":4}`), nil),
	}

	assert.Equal(t, []Result{ResultHandled, ResultHandlerError, ResultHandlerError, ResultHandled}, results)
	assert.Equal(t, []int{1, 4}, delivered)

	require.Len(t, *reported, 2)
	var herr *protocol.HandlerError
	require.ErrorAs(t, (*reported)[0], &herr)
	assert.Equal(t, "step", herr.Type)
	assert.Nil(t, herr.Recovered)

	require.ErrorAs(t, (*reported)[1], &herr)
	assert.Equal(t, "handler bug", herr.Recovered)
}

func TestDispatch_SchemaValidation(t *testing.T) {
	v, err := protocol.NewSchemaValidator([]byte(`{"type":"object","required":["type","id"]}`))
	require.NoError(t, err)

	called := false
	d, reported := newTestDispatcher(HandlerTable{"x": func(*protocol.Envelope, Context) error { called = true; return nil }})

	assert.Equal(t, ResultParseError, d.DispatchRaw([]byte(`{"type":"x"}`), v))
	assert.Equal(t, ResultHandled, d.DispatchRaw([]byte(`{"type":"x","id":"1"}`), v))
	assert.True(t, called)
	assert.Len(t, *reported, 1)
}

func TestDispatch_DefaultUUIDGenerator(t *testing.T) {
	var id string
	d := New(Config{Handlers: HandlerTable{"x": func(_ *protocol.Envelope, mctx Context) error {
		id = mctx.MessageID
		return nil
	}}}, nil)

	d.Dispatch(&protocol.Envelope{Type: "x"})
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

func TestCounterGenerator(t *testing.T) {
	g := NewCounterGenerator("")
	assert.Equal(t, "1", g.NextID())
	assert.Equal(t, "2", g.NextID())

	// Instances do not share state
	other := NewCounterGenerator("ws")
	assert.Equal(t, "ws-1", other.NextID())
	assert.Equal(t, "3", g.NextID())
}

func TestResult_String(t *testing.T) {
	tests := []struct {
		result   Result
		expected string
	}{
		{ResultHandled, "handled"},
		{ResultUnknown, "unknown"},
		{ResultParseError, "parse_error"},
		{ResultHandlerError, "handler_error"},
		{Result(42), "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.result.String())
		})
	}
}
