package login

import (
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotLoggedIn is returned by a CredentialStore that holds no credentials.
var ErrNotLoggedIn = errors.New("not logged in")

// Credentials represents the authentication credentials.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	PrincipalID  string    `json:"principal_id,omitempty"` // "sa:{clientID}" or "user:{subject}"
	Issuer       string    `json:"issuer,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
}

func (c *Credentials) IsExpired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Token converts the credentials to an oauth2 token.
func (c *Credentials) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    c.TokenType,
		RefreshToken: c.RefreshToken,
		Expiry:       c.ExpiresAt,
	}
}

// CredentialStore persists credentials between runs.
type CredentialStore interface {
	SaveCredentials(*Credentials) error
	// LoadCredentials returns ErrNotLoggedIn when nothing is stored.
	LoadCredentials() (*Credentials, error)
	DeleteCredentials() error
}
