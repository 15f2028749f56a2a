package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/botpanel/internal/auth"
	"github.com/narvanalabs/botpanel/pkg/config"
)

var (
	tokenSubject string
	tokenExpiry  time.Duration

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with PANEL_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}
)

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().DurationVar(&tokenExpiry, "expiry", 0, "token lifetime (default PANEL_JWT_EXPIRY)")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.AuthEnabled() {
		return errors.New("PANEL_JWT_SECRET is not set, authentication is disabled")
	}

	svc, err := auth.NewService(&auth.Config{
		JWTSecret:   []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
	}, nil)
	if err != nil {
		return err
	}
	token, err := svc.GenerateToken(tokenSubject, tokenExpiry)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
