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

package mockserver

import (
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/realtime/pkg/protocol"
	"go.uber.org/zap"
)

const (
	historySize      = 100
	streamBufferSize = 32
)

// streamFrame is one event queued for a push-stream subscriber
type streamFrame struct {
	ID       string
	Name     string
	Envelope *protocol.Envelope
	// Final ends the stream after this frame is written
	Final bool
}

// wsPeer serialises writes to one websocket connection
type wsPeer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *wsPeer) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteJSON(v)
}

func (p *wsPeer) close(code int, reason string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	return p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Hub fans published envelopes out to every websocket peer and push-stream subscriber
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	peers   map[*wsPeer]struct{}
	streams map[chan streamFrame]struct{}
	history []streamFrame
	nextID  uint64
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		peers:   make(map[*wsPeer]struct{}),
		streams: make(map[chan streamFrame]struct{}),
	}
}

func (h *Hub) addPeer(conn *websocket.Conn) *wsPeer {
	p := &wsPeer{conn: conn}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	total := len(h.peers)
	h.mu.Unlock()

	h.logger.Info("Websocket peer connected", zap.Int("peers", total))
	return p
}

func (h *Hub) removePeer(p *wsPeer) {
	h.mu.Lock()
	delete(h.peers, p)
	total := len(h.peers)
	h.mu.Unlock()

	h.logger.Info("Websocket peer disconnected", zap.Int("peers", total))
}

// subscribe registers a stream and returns the frames published after
// lastEventID that are still in history
func (h *Hub) subscribe(lastEventID string) (chan streamFrame, []streamFrame) {
	ch := make(chan streamFrame, streamBufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams[ch] = struct{}{}

	if lastEventID == "" {
		return ch, nil
	}
	last, err := strconv.ParseUint(lastEventID, 10, 64)
	if err != nil {
		return ch, nil
	}

	var replay []streamFrame
	for _, f := range h.history {
		id, _ := strconv.ParseUint(f.ID, 10, 64)
		if id > last {
			replay = append(replay, f)
		}
	}
	return ch, replay
}

func (h *Hub) unsubscribe(ch chan streamFrame) {
	h.mu.Lock()
	delete(h.streams, ch)
	h.mu.Unlock()
}

// Publish delivers env to all peers and streams and returns the number of
// recipients it reached
func (h *Hub) Publish(env *protocol.Envelope) int {
	h.mu.Lock()
	h.nextID++
	frame := streamFrame{
		ID:       strconv.FormatUint(h.nextID, 10),
		Name:     env.Type,
		Envelope: env,
	}
	h.history = append(h.history, frame)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}

	peers := make([]*wsPeer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	streams := make([]chan streamFrame, 0, len(h.streams))
	for ch := range h.streams {
		streams = append(streams, ch)
	}
	h.mu.Unlock()

	delivered := 0
	for _, p := range peers {
		if err := p.writeJSON(env); err != nil {
			h.logger.Warn("Failed to deliver to websocket peer", zap.Error(err))
			continue
		}
		delivered++
	}
	for _, ch := range streams {
		select {
		case ch <- frame:
			delivered++
		default:
			h.logger.Warn("Stream subscriber channel full, dropping event", zap.String("type", env.Type))
		}
	}

	h.logger.Debug("Published envelope", zap.String("type", env.Type), zap.Int("delivered", delivered))
	return delivered
}

// Logout closes every websocket with the logout sentinel and ends every
// stream with an error event. It returns the number of sessions ended.
func (h *Hub) Logout() int {
	h.mu.Lock()
	peers := make([]*wsPeer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	streams := make([]chan streamFrame, 0, len(h.streams))
	for ch := range h.streams {
		streams = append(streams, ch)
	}
	h.mu.Unlock()

	for _, p := range peers {
		if err := p.close(protocol.CloseCodeLogout, protocol.CloseReasonLogout); err != nil {
			h.logger.Warn("Failed to send logout close", zap.Error(err))
		}
	}

	env, _ := protocol.NewEnvelope(protocol.TypeError, map[string]string{
		"message": protocol.CloseReasonLogout,
		"code":    "logout",
	})
	for _, ch := range streams {
		select {
		case ch <- streamFrame{Name: protocol.TypeError, Envelope: env, Final: true}:
		default:
			h.logger.Warn("Stream subscriber channel full, dropping logout")
		}
	}

	h.logger.Info("Logged out all sessions", zap.Int("websocket", len(peers)), zap.Int("streams", len(streams)))
	return len(peers) + len(streams)
}

// Counts returns the number of connected websocket peers and stream subscribers
func (h *Hub) Counts() (peers, streams int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers), len(h.streams)
}
