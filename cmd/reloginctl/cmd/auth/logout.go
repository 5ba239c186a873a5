package auth

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/relogin/cmd/reloginctl/internal/config"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.MustFromContext(cmd.Context())

		store, err := cfg.ClientProvider.Store()
		if err != nil {
			return err
		}
		if err := store.DeleteCredentials(); err != nil {
			return fmt.Errorf("failed to delete credentials: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Logged out successfully")
		return nil
	},
}
