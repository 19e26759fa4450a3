package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fathima-sithara/chat-app/shared/config"
	jwtv "github.com/fathima-sithara/chat-app/shared/jwt"
)

var (
	tokenName string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a development token signed with relay.jwt_secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Relay.JWTSecret == "" {
			return errors.New("relay.jwt_secret is not set")
		}
		tok, err := jwtv.Sign(cfg.Relay.JWTSecret, jwtv.Identity{
			UserID:      args[0],
			Username:    args[0],
			DisplayName: tokenName,
		}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime, 0 for none")
}
