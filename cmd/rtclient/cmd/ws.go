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
	"github.com/wso2/api-platform/realtime/pkg/protocol"
	"github.com/wso2/api-platform/realtime/pkg/wsclient"
	"go.uber.org/zap"
)

const (
	WsCmdLiteral = "ws"
	WsCmdExample = `# Connect to the websocket endpoint derived from the configured origin
rtclient ws

# Connect to an explicit endpoint and send two messages once connected
rtclient ws --url ws://localhost:8080/ws --send 'chat={"text":"hi"}' --send hello -o yaml`

	URLFlag  = "url"
	SendFlag = "send"
)

var (
	wsURL      string
	wsMessages []string
)

var wsCmd = &cobra.Command{
	Use:     WsCmdLiteral,
	Short:   "Open a persistent websocket connection",
	Long:    "Connects to the websocket endpoint, prints every inbound envelope and keeps reconnecting until interrupted or logged out by the server.",
	Example: WsCmdExample,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWsCommand(cmd.Context())
	},
}

func init() {
	wsCmd.Flags().StringVar(&wsURL, URLFlag, "", "Explicit ws:// or wss:// endpoint; overrides websocket.origin and websocket.path")
	wsCmd.Flags().StringArrayVar(&wsMessages, SendFlag, nil, "Message to send as type or type=JSON; repeatable")
}

func runWsCommand(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	printer, err := cli.NewPrinter(outputFormat, os.Stdout)
	if err != nil {
		return err
	}

	outbound := make([]*protocol.Envelope, 0, len(wsMessages))
	for _, arg := range wsMessages {
		env, err := cli.ParseSendArg(arg)
		if err != nil {
			return err
		}
		outbound = append(outbound, env)
	}

	rt, err := cli.Bootstrap(configPath)
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.Logger

	if wsURL != "" {
		rt.Config.WebSocket.URL = wsURL
	}
	cfg, err := wsclient.ConfigFrom(rt.Config)
	if err != nil {
		return fmt.Errorf("invalid websocket endpoint: %w", err)
	}

	store, err := rt.Outbox()
	if err != nil {
		return err
	}

	client, err := wsclient.NewClient(cfg, wsclient.Options{
		Credentials: rt.Credentials,
		Refresh:     rt.Refresh,
		Validator:   rt.Validator,
		Outbox:      store,
	}, log)
	if err != nil {
		return err
	}

	unsubscribe := client.Events().Subscribe(printEvents(printer, log))
	defer unsubscribe()

	// Sends before Connect land in the queue and flush on open, in order
	for _, env := range outbound {
		_ = client.SendEnvelope(env)
	}

	log.Info("Starting websocket client", zap.String("url", cfg.URL))
	client.Connect()

	sig := cli.WaitForShutdown(ctx, rt.RefreshCredentials)
	log.Info("Shutting down websocket client", zap.Any("signal", sig))

	if err := client.Close(); err != nil {
		log.Error("Failed to close websocket client", zap.Error(err))
		return err
	}
	return nil
}
