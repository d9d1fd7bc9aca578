package main

import (
	"fmt"
	"time"

	"github.com/erdodo/notion-sub004/internal/auth"
	"github.com/erdodo/notion-sub004/internal/rbac"
	"github.com/spf13/cobra"
)

var (
	tokenName string
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <userId>",
	Short: "Issue a bearer token signed with JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := rbac.Normalize(tokenRole)
		if string(role) != tokenRole {
			return fmt.Errorf("unknown role %q (valid: viewer, editor, admin)", tokenRole)
		}
		token, err := auth.IssueToken([]byte(cfg.JWTSecret), args[0], tokenName, string(role), tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name carried in the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(rbac.RoleEditor), "role: viewer, editor or admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
}
