// Command chat is a terminal client for the chat relay.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	tokenFlag  string
	peerFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Terminal client for one-to-one chat",
	Long: `chat signs in with a relay token, keeps the open conversation in sync
over websocket and polling, and reads commands from stdin. Type /help once
connected.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (yaml, json or toml)")
	rootCmd.Flags().StringVarP(&tokenFlag, "token", "t", "", "bearer token, overrides client.token")
	rootCmd.Flags().StringVarP(&peerFlag, "peer", "p", "", "user id to open a conversation with on start")
}
