package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	libconfig "aquatrack/backend/libs/config"
	"aquatrack/backend/services/usage-service/internal/auth"
	"aquatrack/backend/services/usage-service/internal/config"
)

var tokenRole string

var issueTokenCmd = &cobra.Command{
	Use:     "issue-token ACCOUNT_ID",
	Short:   "Print a signed access token for an account",
	Example: `  usage-service issue-token ops --role admin`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if err := libconfig.LoadConfig(cfg); err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("jwt secret is not configured")
		}
		if tokenRole != auth.RoleUser && tokenRole != auth.RoleAdmin {
			return fmt.Errorf("unknown role %q", tokenRole)
		}

		tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		token, err := tokens.GenerateToken(args[0], tokenRole)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var hashDeviceKeyCmd = &cobra.Command{
	Use:   "hash-device-key KEY",
	Short: "Print the bcrypt hash to store for a device key",
	Long:  `The key may also be passed on stdin as "-" to keep it out of shell history.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if err := libconfig.LoadConfig(cfg); err != nil {
			return err
		}

		key := args[0]
		if key == "-" {
			if _, err := fmt.Fscanln(os.Stdin, &key); err != nil {
				return fmt.Errorf("read key: %w", err)
			}
		}

		hash, err := auth.NewDeviceKeys(nil, cfg.Auth.DeviceKeyCost).Hash(key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	issueTokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleUser, "Role claim: user or admin")
	rootCmd.AddCommand(issueTokenCmd, hashDeviceKeyCmd)
}
