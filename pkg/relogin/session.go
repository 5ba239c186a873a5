package relogin

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	StatePending SessionState = iota
	StateAwaitingLogin
	StateResumed
	StateCancelled
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateAwaitingLogin:
		return "AwaitingLogin"
	case StateResumed:
		return "Resumed"
	case StateCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Terminal reports whether the state is a resolution.
func (s SessionState) Terminal() bool {
	return s == StateResumed || s == StateCancelled
}

type sessionTrigger int

const (
	triggerRegistered sessionTrigger = iota
	triggerResume
	triggerCancel
)

// Session binds one suspended call to the login that will resolve it. A
// coordinator resolves a session by calling Resume or Cancel; only the first
// resolution takes effect.
type Session struct {
	id      string
	payload []byte
	failure *AuthFailure

	mu           sync.Mutex
	fsm          *stateless.StateMachine
	registration Registration
	released     sync.Once
	cause        error
	done         chan struct{}
}

func newSession(payload []byte, failure *AuthFailure) *Session {
	s := &Session{
		id:      uuid.NewString(),
		payload: payload,
		failure: failure,
		done:    make(chan struct{}),
	}

	fsm := stateless.NewStateMachine(StatePending)
	// A coalesced login may finish between Register and the Registered
	// trigger, so Pending accepts both resolutions.
	fsm.Configure(StatePending).
		Permit(triggerRegistered, StateAwaitingLogin).
		Permit(triggerResume, StateResumed).
		Permit(triggerCancel, StateCancelled)
	fsm.Configure(StateAwaitingLogin).
		Permit(triggerResume, StateResumed).
		Permit(triggerCancel, StateCancelled)
	fsm.Configure(StateResumed).
		OnEntry(s.resolve).
		Ignore(triggerRegistered).
		Ignore(triggerResume).
		Ignore(triggerCancel)
	fsm.Configure(StateCancelled).
		OnEntry(s.resolve).
		Ignore(triggerRegistered).
		Ignore(triggerResume).
		Ignore(triggerCancel)
	s.fsm = fsm

	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Payload returns the bound request payload. Callers must not modify it.
func (s *Session) Payload() []byte { return s.payload }

// Failure returns the auth failure that suspended the call.
func (s *Session) Failure() *AuthFailure { return s.failure }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

// Resume resolves the session so the call is re-sent. Calls after the first
// resolution are no-ops.
func (s *Session) Resume() {
	s.fire(triggerResume, nil)
}

// Cancel resolves the session so the call fails with a login cancellation
// carrying cause. Calls after the first resolution are no-ops.
func (s *Session) Cancel(cause error) {
	s.fire(triggerCancel, cause)
}

// Done is closed once the session is resolved.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the state and cancel cause. Only meaningful after Done is closed.
func (s *Session) Outcome() (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(), s.cause
}

// attach records the coordinator registration and moves the session to
// AwaitingLogin. A session already resolved releases reg immediately.
func (s *Session) attach(reg Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.registration = reg
	if s.state().Terminal() {
		s.release()
		return
	}
	_ = s.fsm.Fire(triggerRegistered)
}

func (s *Session) fire(trigger sessionTrigger, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state().Terminal() {
		return
	}
	if trigger == triggerCancel {
		s.cause = cause
	}
	_ = s.fsm.Fire(trigger)
}

// resolve runs on entry to a terminal state with s.mu held.
func (s *Session) resolve(_ context.Context, _ ...any) error {
	s.release()
	close(s.done)
	return nil
}

func (s *Session) release() {
	if s.registration == nil {
		return
	}
	s.released.Do(s.registration.Release)
}

func (s *Session) state() SessionState {
	return s.fsm.MustState().(SessionState)
}
