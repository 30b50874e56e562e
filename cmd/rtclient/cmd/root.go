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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wso2/api-platform/realtime/internal/cli"
	"github.com/wso2/api-platform/realtime/pkg/lifecycle"
	"go.uber.org/zap"
)

const (
	CliName = "rtclient"

	ConfigFlag = "config"
	OutputFlag = "output"
)

var (
	configPath   string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   CliName,
	Short: "rtclient connects to realtime endpoints and prints what they deliver",
	Long: "rtclient opens a persistent websocket or a server-push event stream, " +
		"reconnecting with exponential backoff, and prints every received envelope.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, ConfigFlag, "c", "", "Path to a TOML configuration file")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, OutputFlag, "o", cli.FormatJSON, "Envelope output format: json or yaml")

	rootCmd.AddCommand(wsCmd)
	rootCmd.AddCommand(streamCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Oops. An error occurred while executing %s: %v\n", CliName, err)
		os.Exit(1)
	}
}

// printEvents renders message events with printer and logs the rest
func printEvents(printer *cli.Printer, log *zap.Logger) func(lifecycle.Event) {
	return func(ev lifecycle.Event) {
		switch ev.Kind {
		case lifecycle.EventMessage:
			if err := printer.Print(ev.Envelope); err != nil {
				log.Error("Failed to print envelope", zap.Error(err))
			}
		case lifecycle.EventError:
			log.Warn("Client reported an error", zap.Error(ev.Err))
		case lifecycle.EventClose:
			log.Info("Connection closed",
				zap.Int("close_code", ev.CloseCode),
				zap.String("close_reason", ev.CloseReason),
			)
		}
	}
}
