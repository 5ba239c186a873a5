package relogin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportExchange(t *testing.T) {
	var gotMethod, gotLoginable, gotTenant string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotLoginable = r.Header.Get(LoginableHeader)
		gotTenant = r.Header.Get("X-Tenant")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Request-Id", "abc")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "queued")
	}))
	defer ts.Close()

	transport := NewHTTPTransport(ts.URL,
		WithHeader("X-Tenant", "blue"),
		WithHTTPClient(ts.Client()),
	)
	resp, err := transport.Exchange(context.Background(), []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "true", gotLoginable)
	assert.Equal(t, "blue", gotTenant)
	assert.Equal(t, "payload", string(gotBody))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, resp.Success())
	assert.Equal(t, "queued", string(resp.Body))
	assert.Equal(t, "abc", resp.Header.Get("X-Request-Id"))
}

func TestHTTPTransportReportsErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer ts.Close()

	resp, err := NewHTTPTransport(ts.URL, WithMethod(http.MethodPut)).Exchange(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, resp.Success())
	assert.Contains(t, string(resp.Body), "nope")
}

func TestHTTPTransportConnectionFault(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewHTTPTransport(url).Exchange(context.Background(), []byte("x"))
	assert.Error(t, err)
}

func TestFailureIs(t *testing.T) {
	f := loginCancelled(nil)
	assert.Equal(t, CancelledMessage, f.Message)
	assert.ErrorIs(t, f, ErrLoginCancelled)
	assert.NotErrorIs(t, f, ErrServerFailure)
	assert.False(t, f.Cancellable)
	assert.Equal(t, "LoginCancelled: login cancelled", f.Error())
}

func TestContinuationFuncsSkipsNil(t *testing.T) {
	var got []byte
	c := once(ContinuationFuncs{Success: func(body []byte) { got = body }})
	c.OnFailure(loginCancelled(nil))
	c.OnSuccess([]byte("late"))
	assert.Nil(t, got, "only the first delivery counts")
}
