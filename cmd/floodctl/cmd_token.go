package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"floodworker/pkg/auth"
)

var tokenFlags struct {
	user   string
	role   string
	expiry time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a site session token for testing the gateway",
	RunE:  runToken,
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenFlags.user, "user", "", "User ID placed in the id claim (required)")
	f.StringVar(&tokenFlags.role, "role", "", "Optional role claim")
	f.DurationVar(&tokenFlags.expiry, "expiry", 24*time.Hour, "Token lifetime")

	_ = tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is not configured")
	}
	jc := auth.DefaultJWTConfig(cfg.JWTSecret)
	jc.TokenExpiry = tokenFlags.expiry
	svc, err := auth.NewJWTService(jc)
	if err != nil {
		return err
	}
	token, err := svc.GenerateToken(tokenFlags.user, auth.Role(tokenFlags.role))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
