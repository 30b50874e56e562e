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

package wsclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/realtime/pkg/backoff"
	"github.com/wso2/api-platform/realtime/pkg/credentials"
	"github.com/wso2/api-platform/realtime/pkg/dispatcher"
	"github.com/wso2/api-platform/realtime/pkg/eventbus"
	"github.com/wso2/api-platform/realtime/pkg/heartbeat"
	"github.com/wso2/api-platform/realtime/pkg/lifecycle"
	"github.com/wso2/api-platform/realtime/pkg/metrics"
	"github.com/wso2/api-platform/realtime/pkg/outbox"
	"github.com/wso2/api-platform/realtime/pkg/protocol"
	"github.com/wso2/api-platform/realtime/pkg/queue"
	"go.uber.org/zap"
)

// Options carries the collaborators of a Client. All fields are optional.
type Options struct {
	Handlers    dispatcher.HandlerTable
	IDs         dispatcher.IDGenerator
	Credentials credentials.Source
	Refresh     credentials.Notifier
	Validator   *protocol.SchemaValidator
	Outbox      *outbox.Store
}

// Client maintains a bidirectional connection, reconnecting with backoff,
// queueing sends while offline and dispatching inbound envelopes.
type Client struct {
	config     Config
	logger     *zap.Logger
	dialer     *websocket.Dialer
	events     *eventbus.Bus[lifecycle.Event]
	backoff    *backoff.Scheduler
	heartbeat  *heartbeat.Monitor
	queue      *queue.Queue[*protocol.Envelope]
	dispatcher *dispatcher.Dispatcher
	creds      credentials.Source
	refresh    credentials.Notifier
	validator  *protocol.SchemaValidator
	outbox     *outbox.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        lifecycle.State
	closedReason lifecycle.ClosedReason
	conn         *websocket.Conn
	// generation is bumped whenever the current connection is abandoned;
	// callbacks carrying an older value are ignored
	generation uint64
	dialCancel context.CancelFunc
	refreshSub credentials.Subscription
}

// NewClient creates a new persistent-connection client. Unset backoff
// delays take the backoff package defaults. Entries saved in the outbox,
// if any, are loaded into the outbound queue.
func NewClient(cfg Config, opts Options, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("client", metrics.ClientWebSocket))

	delays := backoff.Config{BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay}.WithDefaults()
	cfg.BaseDelay, cfg.MaxDelay = delays.BaseDelay, delays.MaxDelay

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config: cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			},
		},
		events:    eventbus.New[lifecycle.Event](metrics.ClientWebSocket, logger),
		backoff:   backoff.New(delays, logger),
		heartbeat: heartbeat.New(cfg.HeartbeatInterval, logger),
		queue:     queue.New[*protocol.Envelope](cfg.QueueCapacity),
		creds:     opts.Credentials,
		refresh:   opts.Refresh,
		validator: opts.Validator,
		outbox:    opts.Outbox,
		ctx:       ctx,
		cancel:    cancel,
		state:     lifecycle.Disconnected,
	}

	c.dispatcher = dispatcher.New(dispatcher.Config{
		Handlers: opts.Handlers,
		IDs:      opts.IDs,
		Source:   metrics.ClientWebSocket,
		OnError:  c.publishError,
	}, logger)

	if cfg.InsecureSkipVerify {
		logger.Debug("TLS certificate verification disabled (insecure_skip_verify=true)")
	}

	if c.outbox != nil {
		if err := c.restoreOutbox(); err != nil {
			cancel()
			return nil, err
		}
	}

	metrics.SetConnectionState(metrics.ClientWebSocket, lifecycle.Disconnected.String())
	return c, nil
}

// Events returns the bus carrying open, close, error, message and status notifications
func (c *Client) Events() *eventbus.Bus[lifecycle.Event] {
	return c.events
}

// Connect opens the connection asynchronously. It is a no-op while
// connecting or connected, and clears a previous intentional close.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state != lifecycle.Disconnected {
		c.mu.Unlock()
		return
	}

	c.closedReason = lifecycle.ClosedReasonNone
	if c.refresh != nil && c.refreshSub == nil {
		c.refreshSub = c.refresh.Subscribe(c.onCredentialRefresh)
	}

	c.logger.Info("Connecting", zap.String("url", c.config.URL), zap.Int("retry_count", c.backoff.Attempts()))
	c.openLocked()
	c.mu.Unlock()

	c.publishStatus(lifecycle.Disconnected, lifecycle.Connecting)
}

// openLocked starts a dial for a new connection generation
func (c *Client) openLocked() {
	c.backoff.CancelPending()
	if c.dialCancel != nil {
		c.dialCancel()
	}

	c.generation++
	gen := c.generation
	c.state = lifecycle.Connecting

	ctx, cancel := context.WithCancel(c.ctx)
	c.dialCancel = cancel

	c.wg.Add(1)
	go c.dial(ctx, cancel, gen)
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer c.wg.Done()
	defer cancel()

	headers, err := credentials.Header(c.creds, c.config.CredentialHeader, c.config.CredentialScheme)
	if err != nil {
		c.onOpenFailed(gen, &protocol.ConnectionError{
			URL: c.config.URL,
			Err: fmt.Errorf("failed to resolve session credential: %w", err),
		})
		return
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if err != nil {
		connErr := &protocol.ConnectionError{URL: c.config.URL, Err: err}
		if resp != nil {
			connErr.StatusCode = resp.StatusCode
			if resp.StatusCode == http.StatusUnauthorized {
				c.logger.Error("Authentication failed - invalid or expired session credential")
			}
		}
		c.onOpenFailed(gen, connErr)
		return
	}

	c.onOpen(gen, conn)
}

func (c *Client) onOpen(gen uint64, conn *websocket.Conn) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		conn.Close()
		return
	}

	c.conn = conn
	c.dialCancel = nil
	c.state = lifecycle.Connected
	c.backoff.ResetAttempts()
	c.heartbeat.Start(c.ping, c.IsConnected)

	sent, err := c.queue.Flush(c.writeLocked)
	depth := c.queue.Size()
	c.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(metrics.ClientWebSocket).Set(float64(depth))
	if sent > 0 {
		metrics.MessagesSentTotal.WithLabelValues(metrics.ClientWebSocket, "flushed").Add(float64(sent))
	}
	if err != nil {
		c.logger.Warn("Outbound queue flush interrupted",
			zap.Int("sent", sent),
			zap.Int("remaining", depth),
			zap.Error(err),
		)
	}

	c.logger.Info("Connection established", zap.String("url", c.config.URL), zap.Int("flushed", sent))
	c.publishStatus(lifecycle.Connecting, lifecycle.Connected)
	c.events.Publish(lifecycle.Event{Kind: lifecycle.EventOpen})

	c.wg.Add(1)
	go c.readLoop(gen, conn)
}

func (c *Client) onOpenFailed(gen uint64, err *protocol.ConnectionError) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}

	c.dialCancel = nil
	prev := c.state
	c.state = lifecycle.Disconnected
	delay, retrying := c.scheduleRetryLocked()
	c.mu.Unlock()

	c.logger.Warn("Connection failed",
		zap.Error(err),
		zap.Bool("will_retry", retrying),
		zap.Duration("retry_delay", delay),
	)

	c.events.Publish(lifecycle.Event{Kind: lifecycle.EventError, Err: err})
	c.events.Publish(lifecycle.Event{Kind: lifecycle.EventClose, CloseCode: websocket.CloseAbnormalClosure})
	c.publishStatus(prev, lifecycle.Disconnected)
}

// scheduleRetryLocked is the single place where reconnection is decided
func (c *Client) scheduleRetryLocked() (time.Duration, bool) {
	if c.closedReason != lifecycle.ClosedReasonNone {
		return 0, false
	}

	delay, err := c.backoff.ScheduleRetry(c.reconnect)
	if err != nil {
		// Only reachable with a bounded scheduler
		c.logger.Error("Reconnect not scheduled", zap.Error(err))
		return 0, false
	}
	metrics.ReconnectAttemptsTotal.WithLabelValues(metrics.ClientWebSocket).Inc()
	return delay, true
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closedReason != lifecycle.ClosedReasonNone || c.state != lifecycle.Disconnected {
		c.mu.Unlock()
		return
	}
	c.logger.Info("Reconnecting", zap.String("url", c.config.URL), zap.Int("retry_count", c.backoff.Attempts()))
	c.openLocked()
	c.mu.Unlock()

	c.publishStatus(lifecycle.Disconnected, lifecycle.Connecting)
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			c.onClose(gen, err)
			return
		}

		if c.currentGeneration() != gen {
			return
		}

		if messageType != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text message", zap.Int("message_type", messageType))
			continue
		}

		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	env, err := protocol.ParseWith(c.validator, message)
	if err != nil {
		c.dispatcher.Reject(err)
		return
	}

	switch env.Type {
	case protocol.TypeKeepAliveResponse:
		c.logger.Debug("Received keep-alive response")
		return
	case protocol.TypeError:
		c.publishServerError(env)
		return
	}

	result := c.dispatcher.Dispatch(env)
	if result != dispatcher.ResultParseError {
		c.events.Publish(lifecycle.Event{Kind: lifecycle.EventMessage, Envelope: env})
	}
}

func (c *Client) publishServerError(env *protocol.Envelope) {
	data, err := env.MarshalJSON()
	if err != nil {
		return
	}
	se, ok := protocol.ParseServerError(data)
	if !ok {
		return
	}
	c.logger.Warn("Server reported an error", zap.String("message", se.Message), zap.String("code", se.Code))
	c.publishError(se)
}

func (c *Client) onClose(gen uint64, err error) {
	code, reason := closeDetails(err)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}

	c.conn = nil
	c.heartbeat.Stop()
	prev := c.state
	c.state = lifecycle.Disconnected

	var sub credentials.Subscription
	if protocol.IsLogoutClose(code, reason) {
		c.closedReason = lifecycle.ClosedReasonServerLogout
		sub = c.refreshSub
		c.refreshSub = nil
	}

	delay, retrying := c.scheduleRetryLocked()
	closedReason := c.closedReason
	c.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}

	c.logger.Warn("Connection lost",
		zap.Int("close_code", code),
		zap.String("close_reason", reason),
		zap.String("closed_reason", closedReason.String()),
		zap.Bool("will_retry", retrying),
		zap.Duration("retry_delay", delay),
	)

	c.events.Publish(lifecycle.Event{Kind: lifecycle.EventClose, CloseCode: code, CloseReason: reason})
	c.publishStatus(prev, lifecycle.Disconnected)
}

// closeDetails extracts the close code and reason from a read error
func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, ""
}

// Send transmits an envelope of msgType immediately when connected. When
// not connected, or when the write fails, the envelope is queued for the
// next connection and a *protocol.SendError is returned.
func (c *Client) Send(msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return c.SendEnvelope(env)
}

// SendEnvelope is Send for a prebuilt envelope. An "id" field is assigned
// from the client's ID generator when absent.
func (c *Client) SendEnvelope(env *protocol.Envelope) error {
	if _, ok := env.Field("id"); !ok {
		if err := env.Set("id", c.dispatcher.NextID()); err != nil {
			return err
		}
	}

	c.mu.Lock()
	var sendErr *protocol.SendError
	if c.state != lifecycle.Connected || c.conn == nil {
		sendErr = &protocol.SendError{Type: env.Type, Queued: true, Err: protocol.ErrNotConnected}
	} else if err := c.writeLocked(env); err != nil {
		sendErr = &protocol.SendError{Type: env.Type, Queued: true, Err: err}
	}

	evicted := false
	if sendErr != nil {
		evicted = c.queue.Enqueue(env)
	}
	depth := c.queue.Size()
	c.mu.Unlock()

	if sendErr == nil {
		metrics.MessagesSentTotal.WithLabelValues(metrics.ClientWebSocket, "sent").Inc()
		return nil
	}

	metrics.MessagesSentTotal.WithLabelValues(metrics.ClientWebSocket, "queued").Inc()
	metrics.QueueDepth.WithLabelValues(metrics.ClientWebSocket).Set(float64(depth))
	if evicted {
		metrics.QueueDroppedTotal.WithLabelValues(metrics.ClientWebSocket).Inc()
		c.logger.Warn("Outbound queue full, dropped oldest message", zap.Int("capacity", c.queue.Capacity()))
	}

	c.logger.Debug("Message queued", zap.String("type", env.Type), zap.Int("queue_depth", depth), zap.Error(sendErr.Err))
	c.publishError(sendErr)
	return sendErr
}

// writeLocked writes env to the current connection; c.mu must be held
func (c *Client) writeLocked(env *protocol.Envelope) error {
	if c.conn == nil {
		return protocol.ErrNotConnected
	}
	if c.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteJSON(env)
}

func (c *Client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != lifecycle.Connected {
		return protocol.ErrNotConnected
	}
	if err := c.writeLocked(&protocol.Envelope{Type: protocol.TypeKeepAlive}); err != nil {
		return err
	}
	metrics.HeartbeatsSentTotal.WithLabelValues(metrics.ClientWebSocket).Inc()
	return nil
}

// Disconnect closes the connection and stops all reconnection activity.
// It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closedReason = lifecycle.ClosedReasonIntentional
	c.heartbeat.Stop()
	c.backoff.CancelPending()

	conn := c.conn
	c.conn = nil
	c.generation++
	prev := c.state
	c.state = lifecycle.Disconnected

	dialCancel := c.dialCancel
	c.dialCancel = nil
	sub := c.refreshSub
	c.refreshSub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if dialCancel != nil {
		dialCancel()
	}
	if conn != nil {
		closeConn(conn, "Client disconnecting")
	}

	if prev != lifecycle.Disconnected {
		c.logger.Info("Disconnected", zap.String("from", prev.String()))
		c.events.Publish(lifecycle.Event{Kind: lifecycle.EventClose, CloseCode: websocket.CloseNormalClosure, CloseReason: "Client disconnecting"})
		c.publishStatus(prev, lifecycle.Disconnected)
	}
}

// Close disconnects, waits for background goroutines and saves the
// outbound queue to the outbox. It must not be called from a handler.
func (c *Client) Close() error {
	c.Disconnect()
	c.cancel()
	c.wg.Wait()

	if c.outbox == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.outbox.Save(ctx, metrics.ClientWebSocket, c.queue.Snapshot()); err != nil {
		return fmt.Errorf("failed to save outbound queue: %w", err)
	}
	return nil
}

func (c *Client) restoreOutbox() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries, err := c.outbox.Load(ctx, metrics.ClientWebSocket)
	if err != nil {
		return fmt.Errorf("failed to restore outbound queue: %w", err)
	}
	for _, env := range entries {
		c.queue.Enqueue(env)
	}
	if len(entries) > 0 {
		c.logger.Info("Restored outbound queue from outbox", zap.Int("entries", len(entries)))
	}
	metrics.QueueDepth.WithLabelValues(metrics.ClientWebSocket).Set(float64(c.queue.Size()))
	return nil
}

// onCredentialRefresh closes the current connection and opens a new one
// immediately, leaving the backoff attempt count untouched.
func (c *Client) onCredentialRefresh() {
	c.mu.Lock()
	if c.closedReason != lifecycle.ClosedReasonNone {
		c.mu.Unlock()
		return
	}
	// Never connected; nothing to reopen
	if c.state == lifecycle.Disconnected && !c.backoff.Pending() {
		c.mu.Unlock()
		return
	}

	conn := c.conn
	c.conn = nil
	c.heartbeat.Stop()
	prev := c.state
	c.state = lifecycle.Disconnected
	c.openLocked()
	c.mu.Unlock()

	metrics.CredentialRefreshTotal.WithLabelValues(metrics.ClientWebSocket).Inc()
	c.logger.Info("Session credential refreshed, reconnecting", zap.String("from", prev.String()))

	if conn != nil {
		closeConn(conn, "Credential refresh")
		c.events.Publish(lifecycle.Event{Kind: lifecycle.EventClose, CloseCode: websocket.CloseNormalClosure, CloseReason: "Credential refresh"})
	}
	if prev != lifecycle.Disconnected {
		c.publishStatus(prev, lifecycle.Disconnected)
	}
	c.publishStatus(lifecycle.Disconnected, lifecycle.Connecting)
}

// RefreshCredentials forces the same close-and-reopen cycle as a
// credential-refresh notification
func (c *Client) RefreshCredentials() {
	c.onCredentialRefresh()
}

func closeConn(conn *websocket.Conn, reason string) {
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (c *Client) publishStatus(from, to lifecycle.State) {
	if from == to {
		return
	}
	c.logger.Info("Connection state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	metrics.SetConnectionState(metrics.ClientWebSocket, to.String())
	c.events.Publish(lifecycle.Event{Kind: lifecycle.EventStatus, From: from, To: to})
}

func (c *Client) publishError(err error) {
	c.events.Publish(lifecycle.Event{Kind: lifecycle.EventError, Err: err})
}

func (c *Client) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// GetState returns the current connection state (thread-safe)
func (c *Client) GetState() lifecycle.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true if the client is currently connected
func (c *Client) IsConnected() bool {
	return c.GetState() == lifecycle.Connected
}

// ClosedReason returns why automatic reconnection is disabled, if it is
func (c *Client) ClosedReason() lifecycle.ClosedReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedReason
}

// QueueSize returns the number of messages waiting for a connection
func (c *Client) QueueSize() int {
	return c.queue.Size()
}

// RetryAttempts returns the backoff attempt count since the last successful open
func (c *Client) RetryAttempts() int {
	return c.backoff.Attempts()
}

// RetryPending reports whether a reconnect is scheduled
func (c *Client) RetryPending() bool {
	return c.backoff.Pending()
}
