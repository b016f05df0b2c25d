package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/preciousoreva/oiat/internal/config"
	"github.com/preciousoreva/oiat/internal/qbo/tokens"
)

// newStoreTokenCmd seeds the token store after an operator OAuth
// bootstrap (the authorize-code dance happens in the browser; the
// resulting token pair is pasted here once per tenant).
func newStoreTokenCmd() *cobra.Command {
	var (
		tenant    string
		realm     string
		access    string
		refresh   string
		expiresIn time.Duration
		env       string
	)
	cmd := &cobra.Command{
		Use:   "store-token",
		Short: "Persist an OAuth token pair for a tenant realm",
		RunE: func(cmd *cobra.Command, _ []string) error {
			clientID, clientSecret, err := config.OAuthClient()
			if err != nil {
				return err
			}
			tokenPath, _ := cmd.Flags().GetString("token-db")
			store, err := tokens.Open(tokenPath, clientID, clientSecret)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.StoreFromOAuth(cmd.Context(), tenant, realm, access, refresh, expiresIn, env); err != nil {
				return err
			}
			fmt.Printf("stored token for %s/%s\n", tenant, realm)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "company key")
	cmd.Flags().StringVar(&realm, "realm", "", "remote realm id")
	cmd.Flags().StringVar(&access, "access-token", "", "access token")
	cmd.Flags().StringVar(&refresh, "refresh-token", "", "refresh token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", time.Hour, "access token lifetime")
	cmd.Flags().StringVar(&env, "env", "production", "environment tag")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("realm")
	_ = cmd.MarkFlagRequired("access-token")
	_ = cmd.MarkFlagRequired("refresh-token")
	return cmd
}
