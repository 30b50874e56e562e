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

package sse

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ginsse "github.com/gin-contrib/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/realtime/pkg/backoff"
	"github.com/wso2/api-platform/realtime/pkg/credentials"
	"github.com/wso2/api-platform/realtime/pkg/dispatcher"
	"github.com/wso2/api-platform/realtime/pkg/lifecycle"
	"github.com/wso2/api-platform/realtime/pkg/protocol"
	"go.uber.org/zap"
)

const waitTimeout = 3 * time.Second

// streamServer serves text/event-stream responses fed from the frames
// channel, or fails every request with status when it is non-zero.
type streamServer struct {
	*httptest.Server

	requests atomic.Int32
	status   atomic.Int32
	headers  chan http.Header
	frames   chan ginsse.Event
	end      chan struct{}
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	s := &streamServer{
		headers: make(chan http.Header, 32),
		frames:  make(chan ginsse.Event, 32),
		end:     make(chan struct{}, 1),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *streamServer) handle(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	select {
	case s.headers <- r.Header.Clone():
	default:
	}

	if status := s.status.Load(); status != 0 {
		http.Error(w, "unavailable", int(status))
		return
	}

	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.end:
			return
		case ev := <-s.frames:
			if err := ginsse.Encode(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *streamServer) waitRequest(t *testing.T) http.Header {
	t.Helper()
	select {
	case h := <-s.headers:
		return h
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for stream request")
		return nil
	}
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		Events:           []string{"score.updated"},
		MaxAttempts:      5,
		BaseDelay:        10 * time.Millisecond,
		MaxDelay:         40 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		CredentialHeader: "Authorization",
		CredentialScheme: "Bearer",
	}
}

func newTestClient(t *testing.T, cfg Config, opts Options) (*Client, chan lifecycle.Event) {
	t.Helper()
	client, err := NewClient(cfg, opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	events := make(chan lifecycle.Event, 256)
	client.Events().SubscribeChan(events)
	return client, events
}

func waitEvent(t *testing.T, events <-chan lifecycle.Event, kind lifecycle.EventKind, match func(lifecycle.Event) bool) lifecycle.Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind && (match == nil || match(ev)) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return lifecycle.Event{}
		}
	}
}

type mutableToken struct {
	mu    sync.Mutex
	token string
}

func (m *mutableToken) Token() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *mutableToken) set(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing url", mutate: func(c *Config) { c.URL = "" }},
		{name: "websocket scheme", mutate: func(c *Config) { c.URL = "ws://localhost/events" }},
		{name: "no events", mutate: func(c *Config) { c.Events = nil }},
		{name: "blank event", mutate: func(c *Config) { c.Events = []string{"a", " "} }},
		{name: "negative max attempts", mutate: func(c *Config) { c.MaxAttempts = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://localhost/events")
			tt.mutate(&cfg)
			_, err := NewClient(cfg, Options{}, nil)
			assert.Error(t, err)
		})
	}
}

func TestNewClient_DefaultsBackoffDelays(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/events")
	cfg.BaseDelay, cfg.MaxDelay = 0, 0
	client, _ := newTestClient(t, cfg, Options{})

	assert.Equal(t, backoff.DefaultBaseDelay, client.config.BaseDelay)
	assert.Equal(t, backoff.DefaultMaxDelay, client.config.MaxDelay)

	client.Connect()
	require.Eventually(t, func() bool { return client.RetryAttempts() == 1 }, waitTimeout, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, client.RetryAttempts())
	assert.True(t, client.RetryPending())
}

func TestClient_DispatchesSubscribedEvents(t *testing.T) {
	server := newStreamServer(t)

	scores := make(chan float64, 4)
	handlers := dispatcher.HandlerTable{
		"score.updated": func(env *protocol.Envelope, _ dispatcher.Context) error {
			var payload struct {
				Home float64 `json:"home"`
			}
			if err := env.Decode(&payload); err != nil {
				return err
			}
			scores <- payload.Home
			return nil
		},
	}

	client, events := newTestClient(t, testConfig(server.URL), Options{
		Handlers:    handlers,
		Credentials: credentials.StaticSource("secret"),
	})
	client.Connect()

	header := server.waitRequest(t)
	assert.Equal(t, "text/event-stream", header.Get("Accept"))
	assert.Equal(t, "no-cache", header.Get("Cache-Control"))
	assert.Equal(t, "Bearer secret", header.Get("Authorization"))
	assert.Empty(t, header.Get("Last-Event-ID"))

	waitEvent(t, events, lifecycle.EventOpen, nil)
	assert.Equal(t, lifecycle.Connected, client.GetState())

	server.frames <- ginsse.Event{Event: "score.updated", Id: "1", Data: map[string]int{"home": 1}}
	server.frames <- ginsse.Event{Event: "not.subscribed", Id: "2", Data: map[string]int{"home": 99}}
	server.frames <- ginsse.Event{Event: "score.updated", Id: "3", Data: map[string]int{"home": 2}}

	for _, want := range []float64{1, 2} {
		select {
		case got := <-scores:
			assert.Equal(t, want, got)
		case <-time.After(waitTimeout):
			t.Fatal("handler not invoked")
		}
	}

	msg := waitEvent(t, events, lifecycle.EventMessage, nil)
	assert.Equal(t, "score.updated", msg.Envelope.Type)
	require.Eventually(t, func() bool { return client.LastEventID() == "3" }, waitTimeout, 10*time.Millisecond)
}

func TestClient_ErrorEventUsesErrorPath(t *testing.T) {
	server := newStreamServer(t)
	cfg := testConfig(server.URL)
	cfg.Events = []string{"score.updated", "error"}

	handlers := dispatcher.HandlerTable{
		"error": func(*protocol.Envelope, dispatcher.Context) error {
			t.Error("error events must not reach the handler table")
			return nil
		},
	}
	client, events := newTestClient(t, cfg, Options{Handlers: handlers})
	client.Connect()
	waitEvent(t, events, lifecycle.EventOpen, nil)

	server.frames <- ginsse.Event{Event: "error", Data: map[string]string{"message": "quota exceeded", "code": "rate_limited"}}

	ev := waitEvent(t, events, lifecycle.EventError, nil)
	var se *protocol.ServerError
	require.True(t, errors.As(ev.Err, &se))
	assert.Equal(t, "quota exceeded", se.Message)
	assert.Equal(t, "rate_limited", se.Code)
	assert.True(t, client.IsConnected())
}

func TestClient_MalformedDataReportsParseError(t *testing.T) {
	server := newStreamServer(t)
	client, events := newTestClient(t, testConfig(server.URL), Options{})
	client.Connect()
	waitEvent(t, events, lifecycle.EventOpen, nil)

	server.frames <- ginsse.Event{Event: "score.updated", Data: "not json"}
	server.frames <- ginsse.Event{Event: "score.updated", Data: "[1,2]"}

	for i := 0; i < 2; i++ {
		ev := waitEvent(t, events, lifecycle.EventError, nil)
		assert.True(t, protocol.IsParseError(ev.Err), "got %v", ev.Err)
	}
	assert.True(t, client.IsConnected())
}

func TestClient_MaxAttemptsExceeded(t *testing.T) {
	server := newStreamServer(t)
	server.status.Store(http.StatusServiceUnavailable)

	client, events := newTestClient(t, testConfig(server.URL), Options{})
	client.Connect()

	terminal := waitEvent(t, events, lifecycle.EventError, func(ev lifecycle.Event) bool {
		return protocol.IsMaxAttemptsExceededError(ev.Err)
	})
	var maxErr *protocol.MaxAttemptsExceededError
	require.True(t, errors.As(terminal.Err, &maxErr))
	assert.Equal(t, 5, maxErr.Attempts)
	assert.True(t, protocol.IsConnectionError(maxErr.LastErr))

	// Let any stray timer fire before counting
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(6), server.requests.Load(), "initial open plus five retries")
	assert.True(t, client.Exhausted())
	assert.False(t, client.RetryPending())

drain:
	for {
		select {
		case ev := <-events:
			assert.False(t, protocol.IsMaxAttemptsExceededError(ev.Err), "terminal error reported twice")
		default:
			break drain
		}
	}

	server.status.Store(0)
	client.ManualReconnect()
	waitEvent(t, events, lifecycle.EventOpen, nil)
	assert.False(t, client.Exhausted())
	assert.Equal(t, 0, client.RetryAttempts())
}

func TestClient_ReopensWithLastEventID(t *testing.T) {
	server := newStreamServer(t)
	client, events := newTestClient(t, testConfig(server.URL), Options{})
	client.Connect()
	server.waitRequest(t)
	waitEvent(t, events, lifecycle.EventOpen, nil)

	server.frames <- ginsse.Event{Event: "score.updated", Id: "42", Retry: 1, Data: map[string]int{"home": 1}}
	waitEvent(t, events, lifecycle.EventMessage, nil)
	server.end <- struct{}{}

	closeEv := waitEvent(t, events, lifecycle.EventClose, nil)
	assert.Equal(t, "stream ended", closeEv.CloseReason)

	header := server.waitRequest(t)
	assert.Equal(t, "42", header.Get("Last-Event-ID"))
	waitEvent(t, events, lifecycle.EventOpen, nil)
}

func TestClient_OversizedEventReopensStream(t *testing.T) {
	server := newStreamServer(t)
	cfg := testConfig(server.URL)
	cfg.MaxEventSize = 512
	client, events := newTestClient(t, cfg, Options{})
	client.Connect()
	server.waitRequest(t)
	waitEvent(t, events, lifecycle.EventOpen, nil)

	server.frames <- ginsse.Event{Event: "score.updated", Id: "7", Data: map[string]int{"home": 1}}
	waitEvent(t, events, lifecycle.EventMessage, nil)
	server.frames <- ginsse.Event{Event: "score.updated", Id: "8", Data: map[string]string{"blob": strings.Repeat("x", 4096)}}

	closeEv := waitEvent(t, events, lifecycle.EventClose, nil)
	assert.NotEqual(t, "stream ended", closeEv.CloseReason)

	header := server.waitRequest(t)
	assert.Equal(t, "7", header.Get("Last-Event-ID"))
	waitEvent(t, events, lifecycle.EventOpen, nil)
}

func TestClient_DisconnectStopsRetries(t *testing.T) {
	server := newStreamServer(t)
	server.status.Store(http.StatusServiceUnavailable)
	cfg := testConfig(server.URL)
	cfg.BaseDelay = 200 * time.Millisecond
	cfg.MaxDelay = time.Second

	client, events := newTestClient(t, cfg, Options{})
	client.Connect()
	waitEvent(t, events, lifecycle.EventClose, nil)
	require.True(t, client.RetryPending())

	client.Disconnect()
	client.Disconnect()
	assert.False(t, client.RetryPending())
	assert.Equal(t, lifecycle.ClosedReasonIntentional, client.ClosedReason())

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), server.requests.Load())
}

func TestClient_DisconnectWhileStreaming(t *testing.T) {
	server := newStreamServer(t)
	client, events := newTestClient(t, testConfig(server.URL), Options{})
	client.Connect()
	waitEvent(t, events, lifecycle.EventOpen, nil)

	client.Disconnect()
	assert.Equal(t, lifecycle.Disconnected, client.GetState())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), server.requests.Load())
	assert.False(t, client.RetryPending())
}

func TestClient_CredentialRefreshReopens(t *testing.T) {
	server := newStreamServer(t)
	token := &mutableToken{token: "t1"}
	refresh := credentials.NewBroadcaster(zap.NewNop())

	client, events := newTestClient(t, testConfig(server.URL), Options{
		Credentials: token,
		Refresh:     refresh,
	})
	client.Connect()
	assert.Equal(t, "Bearer t1", server.waitRequest(t).Get("Authorization"))
	waitEvent(t, events, lifecycle.EventOpen, nil)

	token.set("t2")
	refresh.Notify()

	closeEv := waitEvent(t, events, lifecycle.EventClose, nil)
	assert.Equal(t, "Credential refresh", closeEv.CloseReason)
	assert.Equal(t, "Bearer t2", server.waitRequest(t).Get("Authorization"))
	waitEvent(t, events, lifecycle.EventOpen, nil)

	assert.Equal(t, 0, client.RetryAttempts())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), server.requests.Load())

	client.Disconnect()
	assert.Equal(t, 0, refresh.Subscribers())
}

func TestClient_CredentialRefreshAfterFailedOpen(t *testing.T) {
	server := newStreamServer(t)
	server.status.Store(http.StatusServiceUnavailable)

	cfg := testConfig(server.URL)
	cfg.BaseDelay, cfg.MaxDelay = time.Second, time.Second
	client, events := newTestClient(t, cfg, Options{})

	client.Connect()
	waitEvent(t, events, lifecycle.EventError, nil)
	require.True(t, client.RetryPending())

	client.RefreshCredentials()
	server.waitRequest(t)
	server.waitRequest(t)

	var seen []lifecycle.Event
	var settle <-chan time.Time
	deadline := time.After(waitTimeout)
collect:
	for {
		select {
		case ev := <-events:
			seen = append(seen, ev)
			if ev.Kind == lifecycle.EventError && settle == nil {
				settle = time.After(50 * time.Millisecond)
			}
		case <-settle:
			break collect
		case <-deadline:
			t.Fatal("timed out waiting for the reopen to fail")
		}
	}

	for _, ev := range seen {
		if ev.Kind == lifecycle.EventClose {
			assert.NotEqual(t, "Credential refresh", ev.CloseReason, "no stream was open to close")
		}
	}
	assert.Equal(t, int32(2), server.requests.Load())
}

func TestClient_RejectsNonEventStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxAttempts = 1
	client, events := newTestClient(t, cfg, Options{})
	client.Connect()

	ev := waitEvent(t, events, lifecycle.EventError, nil)
	assert.True(t, protocol.IsConnectionError(ev.Err))
	waitEvent(t, events, lifecycle.EventError, func(ev lifecycle.Event) bool {
		return protocol.IsMaxAttemptsExceededError(ev.Err)
	})
}
