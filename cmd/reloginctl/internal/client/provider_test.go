package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/relogin/pkg/login"
	"github.com/terraconstructs/relogin/pkg/relogin"
	"github.com/terraconstructs/relogin/pkg/relogin/marker"
)

// protectedServer answers "ok" to requests carrying "Bearer fresh" and 401
// otherwise, with 401s turned into relogin challenges.
func protectedServer(t *testing.T) *httptest.Server {
	t.Helper()
	handler := marker.Middleware(marker.Options{Issuer: "https://idp.example.com"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer fresh" {
				http.Error(w, "token expired", http.StatusUnauthorized)
				return
			}
			body, _ := io.ReadAll(r.Body)
			_, _ = w.Write(append([]byte("ok:"), body...))
		}))
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func savingLogin(logins *atomic.Int32) LoginFactory {
	return func(store login.CredentialStore) relogin.LoginFunc {
		return func(ctx context.Context, failure *relogin.AuthFailure) error {
			logins.Add(1)
			return store.SaveCredentials(&login.Credentials{AccessToken: "fresh", TokenType: "Bearer"})
		}
	}
}

func TestProviderHTTPClientReauthenticates(t *testing.T) {
	ts := protectedServer(t)
	var logins atomic.Int32
	store := login.NewMemoryStore()
	require.NoError(t, store.SaveCredentials(&login.Credentials{AccessToken: "stale", TokenType: "Bearer"}))

	p := NewProvider(Options{
		ServerURL: ts.URL,
		Store:     store,
		MaxCycles: 3,
		Login:     savingLogin(&logins),
	})
	defer p.Close()

	httpClient, err := p.HTTPClient()
	require.NoError(t, err)
	again, err := p.HTTPClient()
	require.NoError(t, err)
	assert.Same(t, httpClient, again)

	resp, err := httpClient.Post(ts.URL+"/rpc", "text/plain", strings.NewReader("ping"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok:ping", string(body))
	assert.Equal(t, int32(1), logins.Load())
}

func TestProviderRequestTimeoutExcludesLogin(t *testing.T) {
	ts := protectedServer(t)
	var logins atomic.Int32

	p := NewProvider(Options{
		ServerURL:      ts.URL,
		Store:          login.NewMemoryStore(),
		RequestTimeout: 200 * time.Millisecond,
		Login: func(store login.CredentialStore) relogin.LoginFunc {
			return func(ctx context.Context, failure *relogin.AuthFailure) error {
				logins.Add(1)
				time.Sleep(500 * time.Millisecond) // user approving the device code
				return store.SaveCredentials(&login.Credentials{AccessToken: "fresh", TokenType: "Bearer"})
			}
		},
	})
	defer p.Close()

	httpClient, err := p.HTTPClient()
	require.NoError(t, err)
	assert.Zero(t, httpClient.Timeout)

	resp, err := httpClient.Post(ts.URL+"/rpc", "text/plain", strings.NewReader("ping"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok:ping", string(body))

	sender, err := p.Sender("/rpc")
	require.NoError(t, err)
	out, err := sender.Do(context.Background(), []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, "ok:again", string(out))
	assert.Equal(t, int32(1), logins.Load())
}

func TestProviderSender(t *testing.T) {
	ts := protectedServer(t)
	var logins atomic.Int32

	p := NewProvider(Options{
		ServerURL: ts.URL,
		Store:     login.NewMemoryStore(),
		Login:     savingLogin(&logins),
	})
	defer p.Close()

	sender, err := p.Sender("/rpc")
	require.NoError(t, err)

	body, err := sender.Do(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "ok:hello", string(body))
	assert.Equal(t, int32(1), logins.Load())
}

func TestProviderLoginFailureSurfaces(t *testing.T) {
	ts := protectedServer(t)
	declined := errors.New("declined")

	p := NewProvider(Options{
		ServerURL: ts.URL,
		Store:     login.NewMemoryStore(),
		Login: func(login.CredentialStore) relogin.LoginFunc {
			return func(context.Context, *relogin.AuthFailure) error { return declined }
		},
	})
	defer p.Close()

	sender, err := p.Sender("/rpc")
	require.NoError(t, err)

	_, err = sender.Do(context.Background(), []byte("hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, relogin.ErrLoginCancelled)
	assert.ErrorIs(t, err, declined)
}

func TestProviderConfigurationErrors(t *testing.T) {
	t.Run("missing login flow", func(t *testing.T) {
		p := NewProvider(Options{ServerURL: "http://localhost", Store: login.NewMemoryStore()})
		_, err := p.HTTPClient()
		assert.Error(t, err)
	})

	t.Run("unknown policy", func(t *testing.T) {
		var logins atomic.Int32
		p := NewProvider(Options{
			ServerURL: "http://localhost",
			Store:     login.NewMemoryStore(),
			Policy:    "sometimes",
			Login:     savingLogin(&logins),
		})
		_, err := p.Interceptor()
		assert.ErrorIs(t, err, relogin.ErrUnknownPolicy)
	})

	t.Run("bare interceptor has no transport", func(t *testing.T) {
		var logins atomic.Int32
		p := NewProvider(Options{ServerURL: "http://localhost", Store: login.NewMemoryStore(), Login: savingLogin(&logins)})
		interceptor, err := p.Interceptor()
		require.NoError(t, err)
		_, err = interceptor.Do(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, relogin.ErrNoTransport)
	})

	t.Run("file store in credentials dir", func(t *testing.T) {
		p := NewProvider(Options{CredentialsDir: t.TempDir()})
		_, err := p.Credentials()
		assert.ErrorIs(t, err, login.ErrNotLoggedIn)
	})
}
