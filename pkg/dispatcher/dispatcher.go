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
	"fmt"
	"time"

	"github.com/wso2/api-platform/realtime/pkg/metrics"
	"github.com/wso2/api-platform/realtime/pkg/protocol"
	"go.uber.org/zap"
)

// Context carries per-delivery metadata to a handler
type Context struct {
	MessageID  string
	ReceivedAt time.Time
	Source     string
}

// Handler processes one envelope. A returned error or a panic is reported
// as a *protocol.HandlerError and does not stop later deliveries.
type Handler func(env *protocol.Envelope, mctx Context) error

// HandlerTable maps an envelope type to its handler. It is owned by the
// consumer and must not be mutated while a client is connected.
type HandlerTable map[string]Handler

// Register adds or replaces the handler for msgType
func (t HandlerTable) Register(msgType string, h Handler) {
	t[msgType] = h
}

// Result describes what happened to a dispatched envelope
type Result int

const (
	// ResultHandled means a handler ran without error
	ResultHandled Result = iota
	// ResultUnknown means no handler was registered for the type
	ResultUnknown
	// ResultParseError means the envelope was malformed or had no type
	ResultParseError
	// ResultHandlerError means the handler returned an error or panicked
	ResultHandlerError
)

// String returns the string representation of the result
func (r Result) String() string {
	switch r {
	case ResultHandled:
		return "handled"
	case ResultUnknown:
		return "unknown"
	case ResultParseError:
		return "parse_error"
	case ResultHandlerError:
		return "handler_error"
	default:
		return "invalid"
	}
}

// Config holds dispatcher construction parameters
type Config struct {
	Handlers HandlerTable
	// IDs defaults to UUIDGenerator
	IDs IDGenerator
	// Source labels logs and metrics, e.g. "websocket" or "stream"
	Source string
	// OnError receives ParseError and HandlerError reports
	OnError func(error)
}

// Dispatcher routes inbound envelopes to registered handlers, one at a time
// and in the order they are handed to it.
type Dispatcher struct {
	handlers HandlerTable
	ids      IDGenerator
	source   string
	onError  func(error)
	logger   *zap.Logger
}

// New creates a new dispatcher
func New(cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := cfg.IDs
	if ids == nil {
		ids = UUIDGenerator{}
	}
	handlers := cfg.Handlers
	if handlers == nil {
		handlers = HandlerTable{}
	}
	return &Dispatcher{
		handlers: handlers,
		ids:      ids,
		source:   cfg.Source,
		onError:  cfg.OnError,
		logger:   logger,
	}
}

// DispatchRaw parses data, optionally validating it first, and dispatches it
func (d *Dispatcher) DispatchRaw(data []byte, validator *protocol.SchemaValidator) Result {
	env, err := protocol.ParseWith(validator, data)
	if err != nil {
		return d.Reject(err)
	}
	return d.Dispatch(env)
}

// Reject reports a message that failed to parse before reaching Dispatch
func (d *Dispatcher) Reject(err error) Result {
	d.logger.Warn("Dropping malformed message",
		zap.String("source", d.source),
		zap.Error(err),
	)
	d.report(err)
	d.observe(ResultParseError)
	return ResultParseError
}

// Dispatch invokes the handler registered for env.Type.
// Unregistered types are logged at debug level and dropped.
func (d *Dispatcher) Dispatch(env *protocol.Envelope) Result {
	if env == nil || env.Type == "" {
		err := &protocol.ParseError{Err: protocol.ErrMissingType}
		d.logger.Warn("Message missing 'type' field", zap.String("source", d.source))
		d.report(err)
		d.observe(ResultParseError)
		return ResultParseError
	}

	handler, ok := d.handlers[env.Type]
	if !ok || handler == nil {
		d.logger.Debug("No handler registered for message type",
			zap.String("source", d.source),
			zap.String("type", env.Type),
		)
		d.observe(ResultUnknown)
		return ResultUnknown
	}

	mctx := Context{
		MessageID:  d.ids.NextID(),
		ReceivedAt: time.Now(),
		Source:     d.source,
	}

	if err := d.invoke(handler, env, mctx); err != nil {
		d.logger.Error("Message handler failed",
			zap.String("source", d.source),
			zap.String("type", env.Type),
			zap.String("message_id", mctx.MessageID),
			zap.Error(err),
		)
		d.report(err)
		d.observe(ResultHandlerError)
		return ResultHandlerError
	}

	d.observe(ResultHandled)
	return ResultHandled
}

func (d *Dispatcher) invoke(handler Handler, env *protocol.Envelope, mctx Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &protocol.HandlerError{
				Type:      env.Type,
				MessageID: mctx.MessageID,
				Err:       fmt.Errorf("panic: %v", r),
				Recovered: r,
			}
		}
	}()

	if herr := handler(env, mctx); herr != nil {
		return &protocol.HandlerError{Type: env.Type, MessageID: mctx.MessageID, Err: herr}
	}
	return nil
}

func (d *Dispatcher) report(err error) {
	if d.onError != nil {
		d.onError(err)
	}
}

func (d *Dispatcher) observe(r Result) {
	metrics.MessagesDispatchedTotal.WithLabelValues(d.source, r.String()).Inc()
}

// NextID exposes the dispatcher's generator for outbound message IDs
func (d *Dispatcher) NextID() string {
	return d.ids.NextID()
}
