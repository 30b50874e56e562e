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

package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wso2/api-platform/realtime/pkg/config"
	"go.uber.org/zap"
)

// Health status values reported by /health
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// HealthReport is the /health response body
type HealthReport struct {
	Status  string            `json:"status"`
	Clients map[string]string `json:"clients"`
}

// Server exposes the Prometheus registry together with the connection
// state of every client that has reported one.
type Server struct {
	port       int
	httpServer *http.Server
	log        *zap.Logger
	addr       net.Addr
}

// NewServer creates a metrics server listening on cfg.Port. Port 0 picks
// a free port, available from Addr once started.
func NewServer(cfg *config.MetricsConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Init(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, currentHealth(), log)
	})
	// /ready fails until every reporting client is connected
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		report := currentHealth()
		code := http.StatusOK
		if report.Status != HealthOK || len(report.Clients) == 0 {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, report, log)
	})

	return &Server{
		port: cfg.Port,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		log: log,
	}
}

func currentHealth() HealthReport {
	report := HealthReport{Status: HealthOK, Clients: ConnectionStates()}
	for _, state := range report.Clients {
		if state != "connected" {
			report.Status = HealthDegraded
			break
		}
	}
	return report
}

func writeHealth(w http.ResponseWriter, code int, report HealthReport, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.Debug("Failed to write health report", zap.Error(err))
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to bind port %d: %w", s.port, err)
	}
	s.addr = ln.Addr()
	s.log.Info("Metrics server listening", zap.String("addr", s.addr.String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server stopped unexpectedly", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop shuts the server down, waiting for in-flight scrapes until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	if s.addr == nil {
		return nil
	}
	s.log.Info("Stopping metrics server")
	return s.httpServer.Shutdown(ctx)
}
