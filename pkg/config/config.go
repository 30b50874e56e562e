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

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables used to configure the realtime clients
	EnvPrefix = "RT_"
)

// Config holds all configuration for the realtime clients and mock server
type Config struct {
	Logging     LoggingConfig     `koanf:"logging"`
	WebSocket   WebSocketConfig   `koanf:"websocket"`
	Stream      StreamConfig      `koanf:"stream"`
	Backoff     BackoffConfig     `koanf:"backoff"`
	Heartbeat   HeartbeatConfig   `koanf:"heartbeat"`
	Queue       QueueConfig       `koanf:"queue"`
	Outbox      OutboxConfig      `koanf:"outbox"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Schema      SchemaConfig      `koanf:"schema"`
	Mock        MockConfig        `koanf:"mock"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// WebSocketConfig holds persistent-connection client configuration
type WebSocketConfig struct {
	URL                string        `koanf:"url"`                  // Explicit endpoint; overrides origin + path
	Origin             string        `koanf:"origin"`               // http(s) origin the endpoint is derived from
	Path               string        `koanf:"path"`                 // Fixed path appended to the origin
	InsecureSkipVerify bool          `koanf:"insecure_skip_verify"` // Skip TLS certificate verification
	HandshakeTimeout   time.Duration `koanf:"handshake_timeout"`
	WriteTimeout       time.Duration `koanf:"write_timeout"`
}

// StreamConfig holds push-stream client configuration
type StreamConfig struct {
	URL              string        `koanf:"url"`
	Events           []string      `koanf:"events"`       // Event names to subscribe to
	MaxAttempts      int           `koanf:"max_attempts"` // Retry ceiling before a terminal error
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	MaxEventSize     int           `koanf:"max_event_size"` // Upper bound in bytes for one encoded event
}

// BackoffConfig holds reconnection delay configuration
type BackoffConfig struct {
	BaseDelay time.Duration `koanf:"base_delay"`
	MaxDelay  time.Duration `koanf:"max_delay"`
}

// HeartbeatConfig holds keep-alive configuration
type HeartbeatConfig struct {
	Interval time.Duration `koanf:"interval"` // 0 disables the heartbeat
}

// QueueConfig holds outbound queue configuration
type QueueConfig struct {
	Capacity int `koanf:"capacity"`
}

// OutboxConfig holds durable outbound queue configuration
type OutboxConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"` // SQLite database file
}

// CredentialsConfig holds handshake credential configuration
type CredentialsConfig struct {
	Token     string `koanf:"token"`      // Static session token
	TokenFile string `koanf:"token_file"` // Watched token file; takes precedence over Token
	Header    string `koanf:"header"`     // Handshake header carrying the token
	Scheme    string `koanf:"scheme"`     // Prefix such as "Bearer"; empty sends the raw token
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// SchemaConfig holds inbound envelope validation configuration
type SchemaConfig struct {
	EnvelopeSchemaFile string `koanf:"envelope_schema_file"`
}

// MockConfig holds mock server configuration
type MockConfig struct {
	Port int `koanf:"port"`
}

// LoadConfig loads configuration from file, environment variables, and defaults
// Priority: Environment variables > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	// Config file is optional for the client tools
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envKey maps RT_ prefixed variables to config keys
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)

	switch s {
	case "ws_url":
		return "websocket.url"
	case "stream_url":
		return "stream.url"
	case "stream_events":
		return "stream.events"
	case "token":
		return "credentials.token"
	case "token_file":
		return "credentials.token_file"
	case "log_level":
		return "logging.level"
	default:
		// Double underscore is a literal underscore, single underscore a level separator
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
		return s
	}
}

// defaultConfig returns a Config struct with default configuration values
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Origin:           "http://localhost:8080",
			Path:             "/ws",
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		Stream: StreamConfig{
			MaxAttempts:      5,
			HandshakeTimeout: 10 * time.Second,
			MaxEventSize:     64 * 1024,
		},
		Backoff: BackoffConfig{
			BaseDelay: time.Second,
			MaxDelay:  30 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
		},
		Queue: QueueConfig{
			Capacity: 100,
		},
		Outbox: OutboxConfig{
			Enabled: false,
			Path:    "./data/outbox.db",
		},
		Credentials: CredentialsConfig{
			Header: "Authorization",
			Scheme: "Bearer",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9091,
		},
		Mock: MockConfig{
			Port: 8080,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateLoggingConfig,
		c.validateWebSocketConfig,
		c.validateStreamConfig,
		c.validateBackoffConfig,
		c.validateQueueConfig,
		c.validateCredentialsConfig,
		c.validatePorts,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}

	if c.Heartbeat.Interval < 0 {
		return fmt.Errorf("heartbeat.interval must not be negative, got: %s", c.Heartbeat.Interval)
	}
	if c.Outbox.Enabled && c.Outbox.Path == "" {
		return fmt.Errorf("outbox.path is required when outbox is enabled")
	}
	return nil
}

func (c *Config) validateLoggingConfig() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be either 'json' or 'console', got: %s", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateWebSocketConfig() error {
	ws := c.WebSocket

	if ws.URL != "" {
		u, err := url.Parse(ws.URL)
		if err != nil {
			return fmt.Errorf("websocket.url is invalid: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("websocket.url must use ws or wss scheme, got: %s", u.Scheme)
		}
	} else if ws.Origin != "" {
		u, err := url.Parse(ws.Origin)
		if err != nil {
			return fmt.Errorf("websocket.origin is invalid: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("websocket.origin must use http or https scheme, got: %s", u.Scheme)
		}
	}

	if ws.Path != "" && !strings.HasPrefix(ws.Path, "/") {
		return fmt.Errorf("websocket.path must start with '/', got: %s", ws.Path)
	}
	if ws.HandshakeTimeout <= 0 {
		return fmt.Errorf("websocket.handshake_timeout must be positive, got: %s", ws.HandshakeTimeout)
	}
	if ws.WriteTimeout <= 0 {
		return fmt.Errorf("websocket.write_timeout must be positive, got: %s", ws.WriteTimeout)
	}
	return nil
}

func (c *Config) validateStreamConfig() error {
	if c.Stream.MaxAttempts < 0 {
		return fmt.Errorf("stream.max_attempts must not be negative, got: %d", c.Stream.MaxAttempts)
	}
	if c.Stream.HandshakeTimeout <= 0 {
		return fmt.Errorf("stream.handshake_timeout must be positive, got: %s", c.Stream.HandshakeTimeout)
	}
	if c.Stream.MaxEventSize <= 0 {
		return fmt.Errorf("stream.max_event_size must be positive, got: %d", c.Stream.MaxEventSize)
	}
	if c.Stream.URL != "" {
		u, err := url.Parse(c.Stream.URL)
		if err != nil {
			return fmt.Errorf("stream.url is invalid: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("stream.url must use http or https scheme, got: %s", u.Scheme)
		}
	}
	for i, name := range c.Stream.Events {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("stream.events[%d] must not be empty", i)
		}
	}
	return nil
}

func (c *Config) validateBackoffConfig() error {
	if c.Backoff.BaseDelay <= 0 {
		return fmt.Errorf("backoff.base_delay must be positive, got: %s", c.Backoff.BaseDelay)
	}
	if c.Backoff.MaxDelay <= 0 {
		return fmt.Errorf("backoff.max_delay must be positive, got: %s", c.Backoff.MaxDelay)
	}
	if c.Backoff.BaseDelay > c.Backoff.MaxDelay {
		return fmt.Errorf("backoff.base_delay (%s) must be <= backoff.max_delay (%s)",
			c.Backoff.BaseDelay, c.Backoff.MaxDelay)
	}
	return nil
}

func (c *Config) validateQueueConfig() error {
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be at least 1, got: %d", c.Queue.Capacity)
	}
	return nil
}

func (c *Config) validateCredentialsConfig() error {
	if (c.Credentials.Token != "" || c.Credentials.TokenFile != "") && c.Credentials.Header == "" {
		return fmt.Errorf("credentials.header is required when a token is configured")
	}
	return nil
}

func (c *Config) validatePorts() error {
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got: %d", c.Metrics.Port)
	}
	if c.Mock.Port < 1 || c.Mock.Port > 65535 {
		return fmt.Errorf("mock.port must be between 1 and 65535, got: %d", c.Mock.Port)
	}
	return nil
}
