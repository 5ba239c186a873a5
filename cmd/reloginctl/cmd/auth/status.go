package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/terraconstructs/relogin/cmd/reloginctl/internal/config"
	"github.com/terraconstructs/relogin/pkg/login"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display authentication status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.MustFromContext(cmd.Context())

		creds, err := cfg.ClientProvider.Credentials()
		if errors.Is(err, login.ErrNotLoggedIn) {
			return fmt.Errorf("not logged in; run `reloginctl auth login` or make a call and log in when prompted")
		}
		if err != nil {
			return err
		}

		pterm.DefaultSection.Println("Authentication Status")
		rows := pterm.TableData{
			{"Issuer", valueOr(creds.Issuer, cfg.OIDC.Issuer)},
			{"Client ID", valueOr(creds.ClientID, cfg.OIDC.ClientID)},
			{"Principal", valueOr(creds.PrincipalID, "-")},
			{"Expires", expiry(creds)},
			{"Refreshable", fmt.Sprintf("%t", creds.RefreshToken != "")},
		}

		// Opaque tokens are fine; only JWTs get a claims section.
		if claims, err := login.SummarizeToken(creds.AccessToken); err == nil {
			rows = append(rows,
				[]string{"Subject", valueOr(claims.Subject, "-")},
				[]string{"Email", valueOr(claims.Email, "-")},
				[]string{"Audience", valueOr(strings.Join(claims.Audience, ", "), "-")},
			)
		}

		return pterm.DefaultTable.WithData(rows).Render()
	},
}

func expiry(creds *login.Credentials) string {
	if creds.ExpiresAt.IsZero() {
		return "never"
	}
	s := creds.ExpiresAt.Local().Format(time.RFC1123)
	if creds.IsExpired() {
		return s + " (expired)"
	}
	return s
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
