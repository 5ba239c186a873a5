package auth

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/relogin/cmd/reloginctl/internal/config"
	"github.com/terraconstructs/relogin/pkg/login"
)

var (
	clientID     string
	clientSecret string
	issuer       string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with the identity provider",
	Long: `Logs in ahead of time so calls do not get challenged.

Two methods are supported:
1. Interactive Login (default): Initiates a device authorization flow for human users.
2. Service Account Login: Uses a client ID and secret for non-interactive authentication.
   Use the --client-id and --client-secret flags, or RELOGIN_CLIENT_ID and RELOGIN_CLIENT_SECRET.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.MustFromContext(cmd.Context())

		store, err := cfg.ClientProvider.Store()
		if err != nil {
			return err
		}

		iss := issuer
		if iss == "" {
			iss = cfg.OIDC.Issuer
		}
		if iss == "" {
			return errors.New("no OIDC issuer configured (use --issuer or RELOGIN_OIDC_ISSUER)")
		}

		id, secret := clientID, clientSecret
		if id == "" && secret == "" {
			if ok, env := login.CheckEnvCreds(); ok {
				fmt.Println("Using service account credentials from environment variables.")
				id, secret = env.ClientID, env.ClientSecret
			}
		}

		// Service account flow
		if id != "" && secret != "" {
			fmt.Println("Authenticating as service account...")
			creds, err := login.LoginWithServiceAccount(cmd.Context(), iss, id, secret, login.WithLogger(cfg.Logger))
			if err != nil {
				return err
			}
			if err := store.SaveCredentials(creds); err != nil {
				return fmt.Errorf("failed to save credentials: %w", err)
			}
			fmt.Println("------------------------------------------------------------")
			fmt.Printf("✅ Service account login successful!\n")
			fmt.Printf("Authenticated with client ID: %s\n", id)
			return nil
		}

		if cfg.NonInteractive {
			return errors.New("interactive login disabled; provide --client-id and --client-secret")
		}

		meta, creds, err := login.LoginWithDeviceCode(cmd.Context(), iss, cfg.OIDC.ClientID, login.WithLogger(cfg.Logger))
		if err != nil {
			return err
		}
		if err := store.SaveCredentials(creds); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}

		fmt.Println("------------------------------------------------------------")
		fmt.Printf("✅ Interactive login successful!\n")
		fmt.Printf("Authenticated as: %s (%s)\n", meta.User, meta.Email)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&clientID, "client-id", "", "Client ID for service account authentication")
	loginCmd.Flags().StringVar(&clientSecret, "client-secret", "", "Client secret for service account authentication")
	loginCmd.Flags().StringVar(&issuer, "issuer", "", "OIDC issuer URL (env: RELOGIN_OIDC_ISSUER)")
}
