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

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wso2/api-platform/realtime/internal/cli"
	"github.com/wso2/api-platform/realtime/pkg/lifecycle"
	"github.com/wso2/api-platform/realtime/pkg/protocol"
	"github.com/wso2/api-platform/realtime/pkg/sse"
	"go.uber.org/zap"
)

const (
	StreamCmdLiteral = "stream"
	StreamCmdExample = `# Subscribe to two event types
rtclient stream --url http://localhost:8080/events --events score.updated,team.joined`

	EventsFlag = "events"
)

var (
	streamURL    string
	streamEvents []string
)

var streamCmd = &cobra.Command{
	Use:     StreamCmdLiteral,
	Short:   "Subscribe to a server-push event stream",
	Long:    "Opens a text/event-stream subscription and prints every declared event. After stream.max_attempts consecutive failures it stops retrying until it receives SIGHUP.",
	Example: StreamCmdExample,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStreamCommand(cmd.Context())
	},
}

func init() {
	streamCmd.Flags().StringVar(&streamURL, URLFlag, "", "Explicit http:// or https:// stream endpoint")
	streamCmd.Flags().StringSliceVar(&streamEvents, EventsFlag, nil, "Comma-separated event names to subscribe to")
}

func runStreamCommand(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	printer, err := cli.NewPrinter(outputFormat, os.Stdout)
	if err != nil {
		return err
	}

	rt, err := cli.Bootstrap(configPath)
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.Logger

	cfg := sse.ConfigFrom(rt.Config)
	if streamURL != "" {
		cfg.URL = streamURL
	}
	if len(streamEvents) > 0 {
		cfg.Events = streamEvents
	}

	client, err := sse.NewClient(cfg, sse.Options{
		Credentials: rt.Credentials,
		Refresh:     rt.Refresh,
		Validator:   rt.Validator,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create stream client: %w", err)
	}

	unsubscribe := client.Events().Subscribe(printEvents(printer, log))
	defer unsubscribe()
	unsubscribeGiveUp := client.Events().Subscribe(func(ev lifecycle.Event) {
		if ev.Kind == lifecycle.EventError && protocol.IsMaxAttemptsExceededError(ev.Err) {
			log.Warn("Stream client gave up reconnecting, send SIGHUP to retry", zap.Int("pid", os.Getpid()))
		}
	})
	defer unsubscribeGiveUp()

	log.Info("Starting stream client", zap.String("url", cfg.URL), zap.Strings("events", cfg.Events))
	client.Connect()

	sig := cli.WaitForShutdown(ctx, streamHangupHandler(client, rt.RefreshCredentials))
	log.Info("Shutting down stream client", zap.Any("signal", sig))

	return client.Close()
}

// streamHangupHandler resumes a client that has given up reconnecting and
// otherwise treats SIGHUP as a credential refresh
func streamHangupHandler(client *sse.Client, refresh func()) func() {
	return func() {
		if client.Exhausted() {
			client.ManualReconnect()
			return
		}
		refresh()
	}
}
