package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wa-gateway-lite/internal/auth"
)

func newTokenCommand(v *viper.Viper) *cobra.Command {
	var operator string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the control routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := viperEnv{v: v}
			cfg := auth.DefaultTokenConfig(env.Getenv("API_SECRET"))
			if !cfg.Enabled() {
				return fmt.Errorf("API_SECRET is not set")
			}
			if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
				seconds, err := strconv.Atoi(raw)
				if err != nil || seconds <= 0 {
					return fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
				}
				cfg.Expiry = time.Duration(seconds) * time.Second
			}
			if ttl > 0 {
				cfg.Expiry = ttl
			}
			tok, err := auth.CreateToken(operator, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "operator", "subject recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (overrides TOKEN_EXPIRY_SECONDS)")
	return cmd
}
