package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/qualys/dbcompliance/internal/auth"
)

var (
	tokenOwner string
	tokenRole  string
	tokenTTL   time.Duration

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE:  runToken,
	}
)

func init() {
	tokenCmd.Flags().StringVar(&tokenOwner, "owner", "", "Owner id carried in the token (default credentials.owner_id)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(auth.RoleViewer), "Role: auditor or viewer")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default auth.access_token_expiry)")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	role, err := auth.ParseRole(tokenRole)
	if err != nil {
		return err
	}

	owner := tokenOwner
	if owner == "" {
		owner = cfg.Credentials.OwnerID
	}
	if owner == "" {
		owner = defaultOwner
	}

	svc := auth.NewService(auth.Config{
		JWTSecret:         cfg.Auth.JWTSecret,
		AccessTokenExpiry: cfg.Auth.AccessTokenExpiry,
		Issuer:            cfg.Auth.Issuer,
	})
	tok, err := svc.Issue(owner, role, tokenTTL)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tok)
}
