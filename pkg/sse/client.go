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

// Package sse implements the receive-only push-stream client over
// text/event-stream.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/wso2/api-platform/realtime/pkg/backoff"
	"github.com/wso2/api-platform/realtime/pkg/config"
	"github.com/wso2/api-platform/realtime/pkg/credentials"
	"github.com/wso2/api-platform/realtime/pkg/dispatcher"
	"github.com/wso2/api-platform/realtime/pkg/eventbus"
	"github.com/wso2/api-platform/realtime/pkg/lifecycle"
	"github.com/wso2/api-platform/realtime/pkg/metrics"
	"github.com/wso2/api-platform/realtime/pkg/protocol"
	"go.uber.org/zap"
)

// Config holds push-stream client settings
type Config struct {
	URL    string
	Events []string
	// MaxAttempts bounds automatic retries; 0 retries forever
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
	// MaxEventSize bounds one encoded event; 0 means DefaultMaxEventSize
	MaxEventSize     int
	CredentialHeader string
	CredentialScheme string
}

// ConfigFrom builds a client Config from the loaded application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		URL:              cfg.Stream.URL,
		Events:           cfg.Stream.Events,
		MaxAttempts:      cfg.Stream.MaxAttempts,
		BaseDelay:        cfg.Backoff.BaseDelay,
		MaxDelay:         cfg.Backoff.MaxDelay,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		MaxEventSize:     cfg.Stream.MaxEventSize,
		CredentialHeader: cfg.Credentials.Header,
		CredentialScheme: cfg.Credentials.Scheme,
	}
}

// Options carries the collaborators of a Client. All fields are optional.
type Options struct {
	Handlers    dispatcher.HandlerTable
	IDs         dispatcher.IDGenerator
	Credentials credentials.Source
	Refresh     credentials.Notifier
	Validator   *protocol.SchemaValidator
	HTTPClient  *http.Client
}

// Client subscribes to a server-push event stream and dispatches the
// declared event types. Failed opens are retried with backoff until
// MaxAttempts is reached, after which only ManualReconnect resumes.
type Client struct {
	config     Config
	logger     *zap.Logger
	httpClient *http.Client
	events     *eventbus.Bus[lifecycle.Event]
	backoff    *backoff.Scheduler
	dispatcher *dispatcher.Dispatcher
	creds      credentials.Source
	refresh    credentials.Notifier
	validator  *protocol.SchemaValidator
	subscribed map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        lifecycle.State
	closedReason lifecycle.ClosedReason
	generation   uint64
	streamCancel context.CancelFunc
	refreshSub   credentials.Subscription
	lastEventID  string
	lastErr      error
	exhausted    bool
}

// NewClient creates a push-stream client. An explicit http(s) URL and at
// least one event name are required.
func NewClient(cfg Config, opts Options, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("stream url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("stream url must use http or https scheme, got: %s", u.Scheme)
	}
	if len(cfg.Events) == 0 {
		return nil, fmt.Errorf("at least one stream event name is required")
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must not be negative, got: %d", cfg.MaxAttempts)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("client", metrics.ClientStream))

	subscribed := make(map[string]struct{}, len(cfg.Events))
	for _, name := range cfg.Events {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("stream event names must not be empty")
		}
		subscribed[name] = struct{}{}
	}

	delays := backoff.Config{
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
	}.WithDefaults()
	cfg.BaseDelay, cfg.MaxDelay = delays.BaseDelay, delays.MaxDelay

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.HandshakeTimeout
		httpClient = &http.Client{Transport: transport}
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config:     cfg,
		logger:     logger,
		httpClient: httpClient,
		events:     eventbus.New[lifecycle.Event](metrics.ClientStream, logger),
		backoff:    backoff.New(delays, logger),
		creds:      opts.Credentials,
		refresh:    opts.Refresh,
		validator:  opts.Validator,
		subscribed: subscribed,
		ctx:        ctx,
		cancel:     cancel,
		state:      lifecycle.Disconnected,
	}

	c.dispatcher = dispatcher.New(dispatcher.Config{
		Handlers: opts.Handlers,
		IDs:      opts.IDs,
		Source:   metrics.ClientStream,
		OnError:  c.publishError,
	}, logger)

	metrics.SetConnectionState(metrics.ClientStream, lifecycle.Disconnected.String())
	return c, nil
}

// Events returns the bus carrying open, close, error, message and status notifications
func (c *Client) Events() *eventbus.Bus[lifecycle.Event] {
	return c.events
}

// Connect opens the stream asynchronously. It is a no-op while connecting
// or connected.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state != lifecycle.Disconnected {
		c.mu.Unlock()
		return
	}
	c.closedReason = lifecycle.ClosedReasonNone
	c.subscribeRefreshLocked()

	c.logger.Info("Opening event stream",
		zap.String("url", c.config.URL),
		zap.Strings("events", c.config.Events),
	)
	c.openLocked()
	c.mu.Unlock()

	c.publishStatus(lifecycle.Disconnected, lifecycle.Connecting)
}

// ManualReconnect clears a terminal state, resets the attempt counter and
// the backoff delay together, and opens a fresh stream.
func (c *Client) ManualReconnect() {
	c.mu.Lock()
	prev := c.state
	c.closedReason = lifecycle.ClosedReasonNone
	c.exhausted = false
	c.lastErr = nil
	c.backoff.CancelPending()
	c.backoff.ResetAttempts()
	c.subscribeRefreshLocked()

	c.logger.Info("Manual reconnect requested", zap.String("from", prev.String()))
	c.openLocked()
	c.mu.Unlock()

	if prev != lifecycle.Disconnected {
		c.publishStatus(prev, lifecycle.Disconnected)
	}
	c.publishStatus(lifecycle.Disconnected, lifecycle.Connecting)
}

func (c *Client) subscribeRefreshLocked() {
	if c.refresh != nil && c.refreshSub == nil {
		c.refreshSub = c.refresh.Subscribe(c.onCredentialRefresh)
	}
}

// openLocked abandons any current stream and starts a new generation
func (c *Client) openLocked() {
	c.backoff.CancelPending()
	if c.streamCancel != nil {
		c.streamCancel()
	}

	c.generation++
	gen := c.generation
	c.state = lifecycle.Connecting

	ctx, cancel := context.WithCancel(c.ctx)
	c.streamCancel = cancel
	lastEventID := c.lastEventID

	c.wg.Add(1)
	go c.run(ctx, cancel, gen, lastEventID)
}

func (c *Client) run(ctx context.Context, cancel context.CancelFunc, gen uint64, lastEventID string) {
	defer c.wg.Done()
	defer cancel()

	resp, err := c.open(ctx, lastEventID)
	if err != nil {
		c.onOpenFailed(gen, err)
		return
	}
	defer resp.Body.Close()

	if !c.onOpen(gen) {
		return
	}

	for frame, err := range Frames(resp.Body, c.config.MaxEventSize) {
		if err != nil {
			c.onClose(gen, err)
			return
		}

		if !c.recordFrame(gen, frame) {
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) open(ctx context.Context, lastEventID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return nil, &protocol.ConnectionError{URL: c.config.URL, Err: err}
	}

	headers, err := credentials.Header(c.creds, c.config.CredentialHeader, c.config.CredentialScheme)
	if err != nil {
		return nil, &protocol.ConnectionError{
			URL: c.config.URL,
			Err: fmt.Errorf("failed to resolve session credential: %w", err),
		}
	}
	for name, values := range headers {
		req.Header[name] = values
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &protocol.ConnectionError{URL: c.config.URL, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized {
			c.logger.Error("Authentication failed - invalid or expired session credential")
		}
		return nil, &protocol.ConnectionError{
			URL:        c.config.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))),
		}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		resp.Body.Close()
		return nil, &protocol.ConnectionError{
			URL:        c.config.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")),
		}
	}

	return resp, nil
}

func (c *Client) onOpen(gen uint64) bool {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return false
	}
	c.state = lifecycle.Connected
	c.lastErr = nil
	c.backoff.ResetAttempts()
	c.mu.Unlock()

	c.logger.Info("Event stream established", zap.String("url", c.config.URL))
	c.publishStatus(lifecycle.Connecting, lifecycle.Connected)
	c.events.Publish(lifecycle.Event{Kind: lifecycle.EventOpen})
	return true
}

func (c *Client) onOpenFailed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = lifecycle.Disconnected
	c.streamCancel = nil
	c.lastErr = err
	delay, retrying, terminal := c.scheduleRetryLocked()
	c.mu.Unlock()

	c.logger.Warn("Event stream failed to open",
		zap.Error(err),
		zap.Bool("will_retry", retrying),
		zap.Duration("retry_delay", delay),
	)

	c.events.Publish(lifecycle.Event{Kind: lifecycle.EventError, Err: err})
	c.events.Publish(lifecycle.Event{Kind: lifecycle.EventClose, CloseReason: err.Error()})
	c.publishStatus(prev, lifecycle.Disconnected)
	c.publishTerminal(terminal)
}

func (c *Client) onClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = lifecycle.Disconnected
	c.streamCancel = nil

	reason := "stream ended"
	if !errors.Is(err, io.EOF) {
		reason = err.Error()
		c.lastErr = err
	}
	delay, retrying, terminal := c.scheduleRetryLocked()
	c.mu.Unlock()

	c.logger.Warn("Event stream lost",
		zap.String("close_reason", reason),
		zap.Bool("will_retry", retrying),
		zap.Duration("retry_delay", delay),
	)

	c.events.Publish(lifecycle.Event{Kind: lifecycle.EventClose, CloseReason: reason})
	c.publishStatus(prev, lifecycle.Disconnected)
	c.publishTerminal(terminal)
}

// scheduleRetryLocked is the single place where reconnection is decided.
// It returns a terminal error the first time the attempt limit is hit.
func (c *Client) scheduleRetryLocked() (time.Duration, bool, error) {
	if c.closedReason != lifecycle.ClosedReasonNone || c.exhausted {
		return 0, false, nil
	}

	delay, err := c.backoff.ScheduleRetry(c.reconnect)
	if err != nil {
		c.exhausted = true
		return 0, false, &protocol.MaxAttemptsExceededError{
			Attempts: c.backoff.Attempts(),
			LastErr:  c.lastErr,
		}
	}
	metrics.ReconnectAttemptsTotal.WithLabelValues(metrics.ClientStream).Inc()
	return delay, true, nil
}

func (c *Client) publishTerminal(err error) {
	if err == nil {
		return
	}
	metrics.TerminalErrorsTotal.WithLabelValues(metrics.ClientStream).Inc()
	c.logger.Error("Event stream gave up reconnecting", zap.Error(err))
	c.publishError(err)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closedReason != lifecycle.ClosedReasonNone || c.state != lifecycle.Disconnected {
		c.mu.Unlock()
		return
	}
	c.logger.Info("Reopening event stream",
		zap.String("url", c.config.URL),
		zap.Int("retry_count", c.backoff.Attempts()),
	)
	c.openLocked()
	c.mu.Unlock()

	c.publishStatus(lifecycle.Disconnected, lifecycle.Connecting)
}

// recordFrame stores the frame's event ID and reports whether gen is still current
func (c *Client) recordFrame(gen uint64, frame *Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	if frame.ID != "" {
		c.lastEventID = frame.ID
	}
	return true
}

func (c *Client) handleFrame(frame *Frame) {
	if frame.Name == protocol.TypeError {
		c.handleServerError(frame.Data)
		return
	}

	if _, ok := c.subscribed[frame.Name]; !ok {
		c.logger.Debug("Ignoring unsubscribed event", zap.String("event", frame.Name))
		return
	}

	env, err := c.envelopeFor(frame.Name, frame.Data)
	if err != nil {
		c.dispatcher.Reject(err)
		return
	}

	result := c.dispatcher.Dispatch(env)
	if result != dispatcher.ResultParseError {
		c.events.Publish(lifecycle.Event{Kind: lifecycle.EventMessage, Envelope: env})
	}
}

// envelopeFor builds an envelope from event data. The event name is the
// type discriminator unless the data carries its own "type".
func (c *Client) envelopeFor(name string, data []byte) (*protocol.Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &protocol.ParseError{Raw: data, Err: err}
	}
	if fields == nil {
		return nil, &protocol.ParseError{Raw: data, Err: protocol.ErrNotAnObject}
	}

	if _, ok := fields["type"]; !ok {
		typ, err := json.Marshal(name)
		if err != nil {
			return nil, &protocol.ParseError{Raw: data, Err: err}
		}
		fields["type"] = typ
		if data, err = json.Marshal(fields); err != nil {
			return nil, &protocol.ParseError{Raw: data, Err: err}
		}
	}

	return protocol.ParseWith(c.validator, data)
}

func (c *Client) handleServerError(data []byte) {
	se, ok := protocol.ParseServerError(data)
	if !ok {
		c.logger.Warn("Ignoring unstructured error event", zap.ByteString("data", data))
		return
	}
	c.logger.Warn("Server reported an error", zap.String("message", se.Message), zap.String("code", se.Code))
	c.publishError(se)
}

// Disconnect closes the stream and stops all reconnection activity.
// It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closedReason = lifecycle.ClosedReasonIntentional
	c.backoff.CancelPending()
	c.generation++
	prev := c.state
	c.state = lifecycle.Disconnected

	streamCancel := c.streamCancel
	c.streamCancel = nil
	sub := c.refreshSub
	c.refreshSub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if streamCancel != nil {
		streamCancel()
	}

	if prev != lifecycle.Disconnected {
		c.logger.Info("Event stream closed", zap.String("from", prev.String()))
		c.events.Publish(lifecycle.Event{Kind: lifecycle.EventClose, CloseReason: "Client disconnecting"})
		c.publishStatus(prev, lifecycle.Disconnected)
	}
}

// Close disconnects and waits for background goroutines. It must not be
// called from a handler.
func (c *Client) Close() error {
	c.Disconnect()
	c.cancel()
	c.wg.Wait()
	return nil
}

// onCredentialRefresh reopens the stream with the new credential without
// consuming a retry attempt. A client that has given up stays down.
func (c *Client) onCredentialRefresh() {
	c.mu.Lock()
	if c.closedReason != lifecycle.ClosedReasonNone || c.exhausted {
		c.mu.Unlock()
		return
	}
	if c.state == lifecycle.Disconnected && !c.backoff.Pending() {
		c.mu.Unlock()
		return
	}
	prev := c.state
	hadStream := c.streamCancel != nil
	c.state = lifecycle.Disconnected
	c.openLocked()
	c.mu.Unlock()

	metrics.CredentialRefreshTotal.WithLabelValues(metrics.ClientStream).Inc()
	c.logger.Info("Session credential refreshed, reopening event stream", zap.String("from", prev.String()))

	if hadStream {
		c.events.Publish(lifecycle.Event{Kind: lifecycle.EventClose, CloseReason: "Credential refresh"})
	}
	if prev != lifecycle.Disconnected {
		c.publishStatus(prev, lifecycle.Disconnected)
	}
	c.publishStatus(lifecycle.Disconnected, lifecycle.Connecting)
}

// RefreshCredentials forces the same reopen cycle as a credential-refresh notification
func (c *Client) RefreshCredentials() {
	c.onCredentialRefresh()
}

func (c *Client) publishStatus(from, to lifecycle.State) {
	if from == to {
		return
	}
	c.logger.Info("Connection state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	metrics.SetConnectionState(metrics.ClientStream, to.String())
	c.events.Publish(lifecycle.Event{Kind: lifecycle.EventStatus, From: from, To: to})
}

func (c *Client) publishError(err error) {
	c.events.Publish(lifecycle.Event{Kind: lifecycle.EventError, Err: err})
}

// GetState returns the current connection state (thread-safe)
func (c *Client) GetState() lifecycle.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true if the stream is currently open
func (c *Client) IsConnected() bool {
	return c.GetState() == lifecycle.Connected
}

// ClosedReason returns why automatic reconnection is disabled, if it is
func (c *Client) ClosedReason() lifecycle.ClosedReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedReason
}

// Exhausted reports whether the attempt limit was reached
func (c *Client) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// LastEventID returns the most recent event id received on any stream
func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// RetryAttempts returns the backoff attempt count since the last successful open
func (c *Client) RetryAttempts() int {
	return c.backoff.Attempts()
}

// RetryPending reports whether a reopen is scheduled
func (c *Client) RetryPending() bool {
	return c.backoff.Pending()
}
