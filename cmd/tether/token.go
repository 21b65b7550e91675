package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherlabs/tether/internal/middleware"
)

func newTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a control-surface JWT",
		Long: `Mint a JWT for the REST API and the observer WebSocket. This is the
operator credential; device agents use pairing tokens instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Auth.AccessSecret == "" {
				return errors.New("auth.access_secret is not set")
			}
			if ttl == 0 {
				ttl = time.Duration(c.Auth.AccessExpire) * time.Second
			}

			token, err := middleware.CreateToken(c.Auth.AccessSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "operator", "subject claim for the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: auth.access_expire from config)")
	return cmd
}
