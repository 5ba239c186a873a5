// Package login obtains and refreshes OAuth2 credentials from an OIDC provider
// and attaches them to outgoing requests.
package login

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/client/rp/cli"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// LoginSuccessMetadata contains information about the successful login,
// useful for displaying a confirmation message to the user.
type LoginSuccessMetadata struct {
	// User is the 'sub' claim from the ID token.
	User string
	// Email is the 'email' claim, if present.
	Email string
	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time
}

type options struct {
	httpClient  *http.Client
	scopes      []string
	out         io.Writer
	openBrowser bool
	logger      *zap.Logger
}

// Option configures a login call.
type Option func(*options)

// WithHTTPClient sets the client used for discovery and token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithScopes overrides the requested scopes.
func WithScopes(scopes ...string) Option {
	return func(o *options) {
		if len(scopes) > 0 {
			o.scopes = scopes
		}
	}
}

// WithOutput sets where device code instructions are written (default stdout).
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithBrowser controls whether the verification URL is opened automatically.
func WithBrowser(open bool) Option {
	return func(o *options) { o.openBrowser = open }
}

// WithLogger sets the logger for non-fatal login diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(defaultScopes []string, opts []Option) *options {
	o := &options{
		httpClient:  defaultHTTPClient(),
		scopes:      defaultScopes,
		out:         os.Stdout,
		openBrowser: true,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var (
	interactiveScopes = []string{oidc.ScopeOpenID, oidc.ScopeProfile, oidc.ScopeEmail, oidc.ScopeOfflineAccess}
	serviceScopes     = []string{oidc.ScopeOpenID, oidc.ScopeProfile, oidc.ScopeEmail}
)

// discover resolves the issuer's endpoints. Public clients pass an empty secret.
func discover(ctx context.Context, issuer, clientID, clientSecret string, o *options) (rp.RelyingParty, error) {
	party, err := rp.NewRelyingPartyOIDC(ctx, issuer, clientID, clientSecret, "", o.scopes, rp.WithHTTPClient(o.httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider at %s: %w", issuer, err)
	}
	return party, nil
}

// LoginWithDeviceCode runs the OIDC device authorization grant (RFC 8628)
// against issuer. The user code and verification URL are written to the
// configured output, and the call blocks until the user approves, denies,
// or ctx ends.
func LoginWithDeviceCode(ctx context.Context, issuer, clientID string, opts ...Option) (*LoginSuccessMetadata, *Credentials, error) {
	o := buildOptions(interactiveScopes, opts)

	party, err := discover(ctx, issuer, clientID, "", o)
	if err != nil {
		return nil, nil, err
	}

	device, err := rp.DeviceAuthorization(ctx, o.scopes, party, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start device authorization flow: %w", err)
	}
	printDeviceCodeInstructions(o.out, device)
	if o.openBrowser && device.VerificationURIComplete != "" {
		cli.OpenBrowser(device.VerificationURIComplete)
	}

	interval := time.Duration(device.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	token, err := rp.DeviceAccessToken(ctx, device.DeviceCode, interval, party)
	if err != nil {
		return nil, nil, fmt.Errorf("device authorization failed: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	creds := &Credentials{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt,
		Issuer:       issuer,
		ClientID:     clientID,
	}
	meta := &LoginSuccessMetadata{ExpiresAt: expiresAt}

	if token.IDToken == "" {
		return meta, creds, nil
	}
	claims, err := rp.VerifyIDToken[*oidc.IDTokenClaims](ctx, token.IDToken, party.IDTokenVerifier())
	if err != nil {
		// The access token is still usable; only the display identity is lost.
		o.logger.Warn("failed to verify ID token", zap.Error(err))
		return meta, creds, nil
	}
	creds.PrincipalID = "user:" + claims.Subject
	meta.User = claims.Subject
	meta.Email = claims.Email
	return meta, creds, nil
}

// LoginWithServiceAccount runs the OAuth2 client credentials grant. Discovery
// only supplies the token endpoint.
func LoginWithServiceAccount(ctx context.Context, issuer, clientID, clientSecret string, opts ...Option) (*Credentials, error) {
	o := buildOptions(serviceScopes, opts)

	party, err := discover(ctx, issuer, clientID, clientSecret, o)
	if err != nil {
		return nil, err
	}

	grant := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     party.OAuthConfig().Endpoint.TokenURL,
		Scopes:       o.scopes,
	}
	token, err := grant.Token(context.WithValue(ctx, oauth2.HTTPClient, o.httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange client credentials for token: %w", err)
	}

	return &Credentials{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry,
		RefreshToken: token.RefreshToken,
		PrincipalID:  "sa:" + clientID,
		Issuer:       issuer,
		ClientID:     clientID,
	}, nil
}

// RefreshToken exchanges refreshToken for new credentials. The old refresh
// token is kept when the provider does not rotate it.
func RefreshToken(ctx context.Context, issuer, clientID, refreshToken string, opts ...Option) (*Credentials, error) {
	o := buildOptions(interactiveScopes, opts)

	party, err := discover(ctx, issuer, clientID, "", o)
	if err != nil {
		return nil, err
	}

	source := party.OAuthConfig().TokenSource(
		context.WithValue(ctx, oauth2.HTTPClient, o.httpClient),
		&oauth2.Token{RefreshToken: refreshToken},
	)
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	creds := &Credentials{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		Issuer:       issuer,
		ClientID:     clientID,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}
	return creds, nil
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func printDeviceCodeInstructions(w io.Writer, device *oidc.DeviceAuthorizationResponse) {
	fmt.Fprintf(w, "\nTo log in, open %s and enter the code %s\n", device.VerificationURI, device.UserCode)
	if device.VerificationURIComplete != "" {
		fmt.Fprintf(w, "or go straight to %s\n", device.VerificationURIComplete)
	}
	fmt.Fprintln(w, "Waiting for authorization...")
}

// EnvCreds are service account credentials taken from the environment.
type EnvCreds struct {
	ClientID     string
	ClientSecret string
}

// CheckEnvCreds reads service account credentials from RELOGIN_CLIENT_ID and RELOGIN_CLIENT_SECRET.
func CheckEnvCreds() (bool, EnvCreds) {
	creds := EnvCreds{
		ClientID:     os.Getenv("RELOGIN_CLIENT_ID"),
		ClientSecret: os.Getenv("RELOGIN_CLIENT_SECRET"),
	}
	return creds.ClientID != "" && creds.ClientSecret != "", creds
}
