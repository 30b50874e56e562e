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

// Package mockserver provides a development server that speaks both the
// websocket and the text/event-stream channels.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/realtime/pkg/protocol"
	"go.uber.org/zap"
)

const (
	// RequestIDHeader is echoed on every response
	RequestIDHeader = "X-Request-ID"
	loggerKey       = "logger"
)

// Config holds mock server settings
type Config struct {
	Port int
	// Token, when set, is required as "Bearer <token>" on /ws and /events
	Token string
}

// Server routes websocket, stream and control requests to a Hub
type Server struct {
	config   Config
	logger   *zap.Logger
	hub      *Hub
	router   *gin.Engine
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
}

// New creates a mock server
func New(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config: cfg,
		logger: logger,
		hub:    NewHub(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	router := gin.New()
	router.Use(requestIDMiddleware(logger))
	router.Use(loggingMiddleware(logger))
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/ws", s.requireToken, s.handleWebSocket)
	router.GET("/events", s.requireToken, s.handleEvents)
	router.POST("/publish", s.handlePublish)
	router.POST("/logout", s.handleLogout)

	s.router = router
	return s
}

// Handler returns the HTTP handler serving all routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the server's fan-out hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured port and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting mock server", zap.String("address", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Mock server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop ends every session with the logout signal and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.hub.Logout()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	peers, streams := s.hub.Counts()
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"websocket": peers,
		"streams":   streams,
	})
}

func (s *Server) requireToken(c *gin.Context) {
	if s.config.Token == "" {
		c.Next()
		return
	}
	if c.GetHeader("Authorization") != "Bearer "+s.config.Token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "invalid session credential"})
		return
	}
	c.Next()
}

func (s *Server) handleWebSocket(c *gin.Context) {
	log := requestLogger(c, s.logger)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	peer := s.hub.addPeer(conn)
	defer s.hub.removePeer(peer)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("Websocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := protocol.Parse(data)
		if err != nil {
			_ = peer.writeJSON(map[string]string{
				"type":    protocol.TypeError,
				"message": err.Error(),
				"code":    "bad_envelope",
			})
			continue
		}

		if env.Type == protocol.TypeKeepAlive {
			if err := peer.writeJSON(map[string]string{"type": protocol.TypeKeepAliveResponse}); err != nil {
				return
			}
			continue
		}

		s.hub.Publish(env)
	}
}

func (s *Server) handleEvents(c *gin.Context) {
	log := requestLogger(c, s.logger)

	frames, replay := s.hub.subscribe(c.GetHeader("Last-Event-ID"))
	defer s.hub.unsubscribe(frames)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for _, f := range replay {
		writeFrame(c.Writer, f)
	}
	if len(replay) > 0 {
		log.Info("Replayed events after Last-Event-ID", zap.Int("count", len(replay)))
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case f := <-frames:
			writeFrame(w, f)
			return !f.Final
		}
	})
}

func writeFrame(w io.Writer, f streamFrame) {
	_ = sse.Encode(w, sse.Event{
		Id:    f.ID,
		Event: f.Name,
		Data:  f.Envelope,
	})
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}
}

func (s *Server) handlePublish(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "failed to read body"})
		return
	}

	env, err := protocol.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	delivered := s.hub.Publish(env)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "type": env.Type, "delivered": delivered})
}

func (s *Server) handleLogout(c *gin.Context) {
	ended := s.hub.Logout()
	c.JSON(http.StatusOK, gin.H{"status": "logged_out", "sessions": ended})
}

func requestIDMiddleware(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(loggerKey, base.With(zap.String("request_id", requestID)))
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

func loggingMiddleware(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		requestLogger(c, base).Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// requestLogger returns the request-scoped logger set by requestIDMiddleware
func requestLogger(c *gin.Context, fallback *zap.Logger) *zap.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*zap.Logger); ok {
			return l
		}
	}
	return fallback
}
