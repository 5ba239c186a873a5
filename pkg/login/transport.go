package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// RefreshFunc exchanges expired credentials for fresh ones.
type RefreshFunc func(ctx context.Context, creds *Credentials) (*Credentials, error)

// NewRefresher returns a RefreshFunc that uses the issuer and client recorded
// in the credentials, falling back to the given defaults.
func NewRefresher(issuer, clientID string, opts ...Option) RefreshFunc {
	return func(ctx context.Context, creds *Credentials) (*Credentials, error) {
		if creds.RefreshToken == "" {
			return nil, errors.New("no refresh token")
		}
		iss, cid := issuer, clientID
		if creds.Issuer != "" {
			iss = creds.Issuer
		}
		if creds.ClientID != "" {
			cid = creds.ClientID
		}
		fresh, err := RefreshToken(ctx, iss, cid, creds.RefreshToken, opts...)
		if err != nil {
			return nil, err
		}
		fresh.PrincipalID = creds.PrincipalID
		return fresh, nil
	}
}

// Transport attaches the stored access token to every request. The store is
// read on each request so a login that completes mid-call takes effect on the
// next attempt. Without stored credentials the request is sent anonymously.
type Transport struct {
	Base    http.RoundTripper
	Store   CredentialStore
	Refresh RefreshFunc
	Logger  *zap.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	creds, err := t.credentials(req.Context())
	if err != nil {
		return nil, err
	}
	if creds != nil {
		req = req.Clone(req.Context())
		creds.Token().SetAuthHeader(req)
	}
	return t.base().RoundTrip(req)
}

func (t *Transport) credentials(ctx context.Context) (*Credentials, error) {
	creds, err := t.Store.LoadCredentials()
	if errors.Is(err, ErrNotLoggedIn) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if !creds.IsExpired() || creds.RefreshToken == "" || t.Refresh == nil {
		return creds, nil
	}

	fresh, err := t.Refresh(ctx, creds)
	if err != nil {
		// The server rejects the stale token and issues a login challenge.
		t.logger().Debug("token refresh failed", zap.Error(err))
		return creds, nil
	}
	if err := t.Store.SaveCredentials(fresh); err != nil {
		t.logger().Warn("failed to save refreshed credentials", zap.Error(err))
	}
	return fresh, nil
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *zap.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return zap.NewNop()
}
