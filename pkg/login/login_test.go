package login_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/relogin/pkg/login"
)

// fakeIssuer serves OIDC discovery and a token endpoint.
type fakeIssuer struct {
	*httptest.Server
	grants atomic.Value
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()
	f := &fakeIssuer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                        f.URL,
			"authorization_endpoint":        f.URL + "/authorize",
			"token_endpoint":                f.URL + "/token",
			"device_authorization_endpoint": f.URL + "/device",
			"jwks_uri":                      f.URL + "/keys",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		grant := r.PostForm.Get("grant_type")
		f.grants.Store(grant)

		resp := map[string]any{
			"access_token": "access-" + grant,
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if grant == "refresh_token" {
			resp["refresh_token"] = "rotated"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func TestLoginWithServiceAccount(t *testing.T) {
	idp := newFakeIssuer(t)

	creds, err := login.LoginWithServiceAccount(context.Background(), idp.URL, "robot", "s3cret")
	require.NoError(t, err)

	assert.Equal(t, "client_credentials", idp.grants.Load())
	assert.Equal(t, "access-client_credentials", creds.AccessToken)
	assert.Equal(t, "sa:robot", creds.PrincipalID)
	assert.Equal(t, idp.URL, creds.Issuer)
	assert.False(t, creds.IsExpired())
}

func TestRefreshToken(t *testing.T) {
	idp := newFakeIssuer(t)

	creds, err := login.RefreshToken(context.Background(), idp.URL, "reloginctl", "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "refresh_token", idp.grants.Load())
	assert.Equal(t, "access-refresh_token", creds.AccessToken)
	assert.Equal(t, "rotated", creds.RefreshToken)
}

func TestLoginFailsForUnknownIssuer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := login.LoginWithServiceAccount(context.Background(), ts.URL, "robot", "s3cret")
	assert.ErrorContains(t, err, "failed to discover OIDC provider")
}

func TestCheckEnvCreds(t *testing.T) {
	t.Setenv("RELOGIN_CLIENT_ID", "robot")
	t.Setenv("RELOGIN_CLIENT_SECRET", "")
	ok, _ := login.CheckEnvCreds()
	assert.False(t, ok)

	t.Setenv("RELOGIN_CLIENT_SECRET", "s3cret")
	ok, env := login.CheckEnvCreds()
	assert.True(t, ok)
	assert.Equal(t, "robot", env.ClientID)
}

func TestTransportAttachesBearer(t *testing.T) {
	var seen atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
	}))
	defer ts.Close()

	store := login.NewMemoryStore()
	client := &http.Client{Transport: &login.Transport{Store: store}}

	_, err := client.Get(ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "", seen.Load(), "no header when logged out")

	require.NoError(t, store.SaveCredentials(&login.Credentials{
		AccessToken: "abc",
		TokenType:   "bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))
	_, err = client.Get(ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", seen.Load())
}

func TestTransportRefreshesExpiredCredentials(t *testing.T) {
	var seen atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
	}))
	defer ts.Close()

	store := login.NewMemoryStore()
	require.NoError(t, store.SaveCredentials(&login.Credentials{
		AccessToken:  "stale",
		RefreshToken: "r1",
		PrincipalID:  "user:alice",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	transport := &login.Transport{
		Store: store,
		Refresh: func(ctx context.Context, creds *login.Credentials) (*login.Credentials, error) {
			assert.Equal(t, "r1", creds.RefreshToken)
			return &login.Credentials{AccessToken: "fresh", TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	_, err := (&http.Client{Transport: transport}).Get(ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "Bearer fresh", seen.Load())

	saved, err := store.LoadCredentials()
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.AccessToken)
}

func TestTransportKeepsStaleTokenWhenRefreshFails(t *testing.T) {
	var seen atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
	}))
	defer ts.Close()

	store := login.NewMemoryStore()
	require.NoError(t, store.SaveCredentials(&login.Credentials{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))
	transport := &login.Transport{
		Store: store,
		Refresh: func(context.Context, *login.Credentials) (*login.Credentials, error) {
			return nil, errors.New("refresh token revoked")
		},
	}
	_, err := (&http.Client{Transport: transport}).Get(ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "Bearer stale", seen.Load())
}

func TestNewRefresherUsesRecordedIssuer(t *testing.T) {
	idp := newFakeIssuer(t)
	refresh := login.NewRefresher("https://unused.example.com", "reloginctl")

	fresh, err := refresh(context.Background(), &login.Credentials{
		RefreshToken: "r1",
		Issuer:       idp.URL,
		PrincipalID:  "user:alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "access-refresh_token", fresh.AccessToken)
	assert.Equal(t, "user:alice", fresh.PrincipalID)

	_, err = refresh(context.Background(), &login.Credentials{})
	assert.Error(t, err)
}

func TestSummarizeToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "alice",
		"iss":   "https://idp.example.com",
		"aud":   "reloginctl",
		"email": "alice@example.com",
		"exp":   exp.Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	summary, err := login.SummarizeToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", summary.Subject)
	assert.Equal(t, "https://idp.example.com", summary.Issuer)
	assert.Equal(t, []string{"reloginctl"}, summary.Audience)
	assert.Equal(t, "alice@example.com", summary.Email)
	assert.True(t, exp.Equal(summary.ExpiresAt))

	_, err = login.SummarizeToken("opaque-token")
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	store := login.NewMemoryStore()
	_, err := store.LoadCredentials()
	assert.ErrorIs(t, err, login.ErrNotLoggedIn)

	require.NoError(t, store.SaveCredentials(&login.Credentials{AccessToken: "a"}))
	creds, err := store.LoadCredentials()
	require.NoError(t, err)
	assert.Equal(t, "a", creds.AccessToken)

	require.NoError(t, store.DeleteCredentials())
	_, err = store.LoadCredentials()
	assert.ErrorIs(t, err, login.ErrNotLoggedIn)
}
