package relogin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registeredSession(t *testing.T, c Coordinator) *Session {
	t.Helper()
	s := newSession([]byte("payload"), &AuthFailure{Type: "AuthenticationRequired"})
	reg, err := c.Register(s)
	require.NoError(t, err)
	s.attach(reg)
	return s
}

func waitDone(t *testing.T, s *Session) (SessionState, error) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s not resolved", s.ID())
	}
	return s.Outcome()
}

func TestFlowCoordinatorResumesOnSuccessfulLogin(t *testing.T) {
	logins := make(chan *AuthFailure, 1)
	c := NewFlowCoordinator(func(ctx context.Context, failure *AuthFailure) error {
		logins <- failure
		return nil
	})

	s := registeredSession(t, c)
	assert.Equal(t, 1, c.Pending())
	require.NoError(t, c.StartLogin(context.Background(), s, s.Failure()))

	state, cause := waitDone(t, s)
	assert.Equal(t, StateResumed, state)
	assert.NoError(t, cause)
	assert.Equal(t, "AuthenticationRequired", (<-logins).Type)
	assert.Equal(t, 0, c.Pending())
}

func TestFlowCoordinatorCancelsOnLoginError(t *testing.T) {
	loginErr := errors.New("device code expired")
	c := NewFlowCoordinator(func(ctx context.Context, failure *AuthFailure) error {
		return loginErr
	})

	s := registeredSession(t, c)
	require.NoError(t, c.StartLogin(context.Background(), s, s.Failure()))

	state, cause := waitDone(t, s)
	assert.Equal(t, StateCancelled, state)
	assert.ErrorIs(t, cause, loginErr)
}

func TestFlowCoordinatorRecoversPanickingLogin(t *testing.T) {
	c := NewFlowCoordinator(func(ctx context.Context, failure *AuthFailure) error {
		panic("boom")
	})

	s := registeredSession(t, c)
	require.NoError(t, c.StartLogin(context.Background(), s, s.Failure()))

	state, cause := waitDone(t, s)
	assert.Equal(t, StateCancelled, state)
	assert.ErrorContains(t, cause, "panicked")
}

func TestFlowCoordinatorLoginOutlivesCaller(t *testing.T) {
	deadlines := make(chan bool, 1)
	c := NewFlowCoordinator(func(ctx context.Context, failure *AuthFailure) error {
		_, ok := ctx.Deadline()
		deadlines <- ok
		return ctx.Err()
	}, WithLoginTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := registeredSession(t, c)
	require.NoError(t, c.StartLogin(ctx, s, s.Failure()))

	state, _ := waitDone(t, s)
	assert.Equal(t, StateResumed, state)
	assert.True(t, <-deadlines)
}

func TestFlowCoordinatorCoalescesConcurrentLogins(t *testing.T) {
	release := make(chan struct{})
	calls := make(chan struct{}, 10)
	c := NewFlowCoordinator(func(ctx context.Context, failure *AuthFailure) error {
		calls <- struct{}{}
		<-release
		return nil
	})

	first := registeredSession(t, c)
	require.NoError(t, c.StartLogin(context.Background(), first, first.Failure()))
	second := registeredSession(t, c)
	require.NoError(t, c.StartLogin(context.Background(), second, second.Failure()))
	assert.Equal(t, 2, c.Pending())

	close(release)
	for _, s := range []*Session{first, second} {
		state, _ := waitDone(t, s)
		assert.Equal(t, StateResumed, state)
	}
	assert.Len(t, calls, 1)
}

func TestFlowCoordinatorIndependentLogins(t *testing.T) {
	calls := make(chan struct{}, 10)
	c := NewFlowCoordinator(func(ctx context.Context, failure *AuthFailure) error {
		calls <- struct{}{}
		return nil
	}, WithPolicy(PolicyIndependent))

	first := registeredSession(t, c)
	second := registeredSession(t, c)
	require.NoError(t, c.StartLogin(context.Background(), first, first.Failure()))
	require.NoError(t, c.StartLogin(context.Background(), second, second.Failure()))

	for _, s := range []*Session{first, second} {
		state, _ := waitDone(t, s)
		assert.Equal(t, StateResumed, state)
	}
	assert.Len(t, calls, 2)
}

func TestFlowCoordinatorReleaseRemovesSession(t *testing.T) {
	c := NewFlowCoordinator(nil)
	s := registeredSession(t, c)
	assert.Equal(t, 1, c.Pending())

	s.Cancel(context.Canceled)
	assert.Equal(t, 0, c.Pending())

	// A login started for an already resolved session is a no-op.
	assert.NoError(t, c.StartLogin(context.Background(), s, s.Failure()))
}

func TestFlowCoordinatorClose(t *testing.T) {
	c := NewFlowCoordinator(func(ctx context.Context, failure *AuthFailure) error { return nil })
	s := registeredSession(t, c)

	c.Close()
	state, cause := waitDone(t, s)
	assert.Equal(t, StateCancelled, state)
	assert.ErrorIs(t, cause, ErrCoordinatorClosed)

	_, err := c.Register(newSession(nil, &AuthFailure{Type: "x"}))
	assert.ErrorIs(t, err, ErrCoordinatorClosed)
	assert.ErrorIs(t, c.StartLogin(context.Background(), s, s.Failure()), ErrCoordinatorClosed)
}

func TestFlowCoordinatorRejectsDuplicateRegistration(t *testing.T) {
	c := NewFlowCoordinator(nil)
	s := newSession(nil, &AuthFailure{Type: "x"})
	_, err := c.Register(s)
	require.NoError(t, err)
	_, err = c.Register(s)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "", want: PolicyCoalesce},
		{in: "coalesce", want: PolicyCoalesce},
		{in: " Independent ", want: PolicyIndependent},
		{in: "serial", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownPolicy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
