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

// Package cli wires configuration, logging, metrics and credentials for
// the rtclient commands.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/wso2/api-platform/realtime/pkg/config"
	"github.com/wso2/api-platform/realtime/pkg/credentials"
	"github.com/wso2/api-platform/realtime/pkg/logger"
	"github.com/wso2/api-platform/realtime/pkg/metrics"
	"github.com/wso2/api-platform/realtime/pkg/outbox"
	"github.com/wso2/api-platform/realtime/pkg/protocol"
	"go.uber.org/zap"
)

// Runtime holds the process-wide collaborators shared by both clients
type Runtime struct {
	Config      *config.Config
	Logger      *zap.Logger
	Credentials credentials.Source
	// Refresh fires credential-refresh notifications; SIGHUP triggers it too
	Refresh   *credentials.Broadcaster
	Validator *protocol.SchemaValidator

	metricsServer *metrics.Server
	fileSource    *credentials.FileSource
	outbox        *outbox.Store
}

// Bootstrap loads configuration and builds the runtime. An empty
// configPath uses defaults plus RT_ environment variables.
func Bootstrap(configPath string) (*Runtime, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rt := &Runtime{Config: cfg, Logger: log}

	if err := rt.initCredentials(); err != nil {
		rt.Close()
		return nil, err
	}

	if cfg.Schema.EnvelopeSchemaFile != "" {
		rt.Validator, err = protocol.NewSchemaValidatorFromFile(cfg.Schema.EnvelopeSchemaFile)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to load envelope schema: %w", err)
		}
		log.Info("Inbound envelope validation enabled", zap.String("schema", cfg.Schema.EnvelopeSchemaFile))
	}

	if cfg.Metrics.Enabled {
		metrics.SetEnabled(true)
		metrics.Init()
		rt.metricsServer = metrics.NewServer(&cfg.Metrics, log)
		if err := rt.metricsServer.Start(); err != nil {
			rt.Close()
			return nil, err
		}
	}

	return rt, nil
}

func (rt *Runtime) initCredentials() error {
	creds := rt.Config.Credentials

	if creds.TokenFile != "" {
		src, err := credentials.NewFileSource(creds.TokenFile, rt.Logger)
		if err != nil {
			return fmt.Errorf("failed to load token file: %w", err)
		}
		rt.fileSource = src
		rt.Credentials = src
		rt.Refresh = src.Broadcaster
		return nil
	}

	rt.Refresh = credentials.NewBroadcaster(rt.Logger)
	if creds.Token != "" {
		rt.Credentials = credentials.StaticSource(creds.Token)
	}
	return nil
}

// Outbox opens the durable queue store when enabled in configuration.
// It returns nil when disabled.
func (rt *Runtime) Outbox() (*outbox.Store, error) {
	if !rt.Config.Outbox.Enabled {
		return nil, nil
	}
	if rt.outbox != nil {
		return rt.outbox, nil
	}

	store, err := outbox.Open(rt.Config.Outbox.Path, rt.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	rt.outbox = store
	return store, nil
}

// RefreshCredentials notifies every subscribed client to reconnect
func (rt *Runtime) RefreshCredentials() {
	rt.Logger.Info("Credential refresh requested")
	rt.Refresh.Notify()
}

// Close releases everything Bootstrap created
func (rt *Runtime) Close() {
	if rt.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.metricsServer.Stop(ctx); err != nil {
			rt.Logger.Error("Failed to stop metrics server", zap.Error(err))
		}
		cancel()
	}
	if rt.fileSource != nil {
		if err := rt.fileSource.Close(); err != nil {
			rt.Logger.Warn("Failed to stop token file watcher", zap.Error(err))
		}
	}
	if rt.outbox != nil {
		if err := rt.outbox.Close(); err != nil {
			rt.Logger.Warn("Failed to close outbox", zap.Error(err))
		}
	}
	_ = rt.Logger.Sync()
}
