package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-slot-reservation/internal/auth"
)

var (
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a bearer token signed with JWT_SECRET",
	Long: `Prints an HS256 token for local testing and operator calls to the
internal endpoints.

Examples:
  slotctl token P-1001
  slotctl token ops --role admin --ttl 15m`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenRole, "role", "r", auth.RolePatient, "Role claim (patient, doctor, admin)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	switch tokenRole {
	case auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", tokenRole)
	}

	tok, err := auth.NewVerifier(cfg.JWTSecret).Sign(auth.Caller{Subject: args[0], Role: tokenRole}, tokenTTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
