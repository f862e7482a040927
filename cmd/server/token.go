package main

import (
	"fmt"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/auth"
	"github.com/KevinKickass/OpenPressCore/internal/config"
	"github.com/spf13/cobra"
)

var (
	tokenOperator string
	tokenRole     string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator token",
	Long: `Sign a JWT for the REST, WebSocket and gRPC surfaces with the secret
from the environment variable named by auth.jwt_secret_env.

Roles:
  viewer    read status
  operator  read status, send commands and setpoints

Example:
  presscore token --operator anna --role operator --ttl 12h`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenOperator, "operator", "", "Operator name")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "operator", "Role (viewer, operator)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default auth.token_ttl)")
	tokenCmd.MarkFlagRequired("operator")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ttl := tokenTTL
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}

	token, err := auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), ttl).IssueToken(tokenOperator, tokenRole)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
