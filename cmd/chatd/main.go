// Command chatd runs the chat relay.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chatd",
	Short: "One-to-one chat relay",
	Long: `chatd stores conversations and fans messages out to connected clients
over websocket, with REST endpoints for history, sends and uploads.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml, json or toml)")
	rootCmd.AddCommand(serveCmd, tokenCmd)
}
