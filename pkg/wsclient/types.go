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
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/wso2/api-platform/realtime/pkg/config"
)

// DefaultPath is appended to the origin when no explicit URL is given
const DefaultPath = "/ws"

// Config holds persistent-connection client settings
type Config struct {
	URL                string
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	HeartbeatInterval  time.Duration
	QueueCapacity      int
	// CredentialHeader and CredentialScheme shape the handshake token header
	CredentialHeader string
	CredentialScheme string
}

// ConfigFrom builds a client Config from the loaded application config
func ConfigFrom(cfg *config.Config) (Config, error) {
	endpoint, err := ResolveEndpoint(cfg.WebSocket.URL, cfg.WebSocket.Origin, cfg.WebSocket.Path)
	if err != nil {
		return Config{}, err
	}

	return Config{
		URL:                endpoint,
		InsecureSkipVerify: cfg.WebSocket.InsecureSkipVerify,
		HandshakeTimeout:   cfg.WebSocket.HandshakeTimeout,
		WriteTimeout:       cfg.WebSocket.WriteTimeout,
		BaseDelay:          cfg.Backoff.BaseDelay,
		MaxDelay:           cfg.Backoff.MaxDelay,
		HeartbeatInterval:  cfg.Heartbeat.Interval,
		QueueCapacity:      cfg.Queue.Capacity,
		CredentialHeader:   cfg.Credentials.Header,
		CredentialScheme:   cfg.Credentials.Scheme,
	}, nil
}

// ResolveEndpoint returns explicitURL when set, otherwise derives a ws(s)
// URL from an http(s) origin plus path.
func ResolveEndpoint(explicitURL, origin, path string) (string, error) {
	if explicitURL != "" {
		u, err := url.Parse(explicitURL)
		if err != nil {
			return "", fmt.Errorf("invalid websocket url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return "", fmt.Errorf("websocket url must use ws or wss scheme, got: %s", u.Scheme)
		}
		return explicitURL, nil
	}

	if origin == "" {
		return "", fmt.Errorf("either a websocket url or an origin is required")
	}

	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("invalid origin: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("origin must use http or https scheme, got: %s", u.Scheme)
	}

	if path == "" {
		path = DefaultPath
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}
