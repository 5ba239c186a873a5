package relogin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCoordinatorClosed = errors.New("relogin: coordinator closed")
	ErrAlreadyRegistered = errors.New("relogin: session already registered")
	ErrUnknownPolicy     = errors.New("relogin: unknown login policy")
)

// Coordinator runs the interactive login for suspended calls. It eventually
// resolves every registered session through Session.Resume or Session.Cancel.
type Coordinator interface {
	// Register records interest in a login for s. It may be called while a
	// login for another session is already running.
	Register(s *Session) (Registration, error)
	// StartLogin begins, or joins, a login for s. It must not block until the
	// login completes.
	StartLogin(ctx context.Context, s *Session, failure *AuthFailure) error
}

// Registration is released once the session it was issued for is resolved.
type Registration interface {
	Release()
}

// LoginFunc performs one interactive login. A nil error resumes the waiting
// calls; any error cancels them.
type LoginFunc func(ctx context.Context, failure *AuthFailure) error

// Policy decides how concurrent auth failures share logins.
type Policy int

const (
	// PolicyCoalesce runs one login at a time. Every session registered while it
	// runs is resolved by its outcome.
	PolicyCoalesce Policy = iota
	// PolicyIndependent runs a separate login for each session.
	PolicyIndependent
)

func (p Policy) String() string {
	switch p {
	case PolicyCoalesce:
		return "coalesce"
	case PolicyIndependent:
		return "independent"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "coalesce" or "independent".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "coalesce":
		return PolicyCoalesce, nil
	case "independent":
		return PolicyIndependent, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// FlowCoordinator is a Coordinator backed by a LoginFunc.
type FlowCoordinator struct {
	login   LoginFunc
	policy  Policy
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	pending  map[string]*Session
	inflight bool
	closed   bool
}

// CoordinatorOption configures a FlowCoordinator.
type CoordinatorOption func(*FlowCoordinator)

// WithPolicy sets the concurrency policy (default PolicyCoalesce).
func WithPolicy(p Policy) CoordinatorOption {
	return func(c *FlowCoordinator) { c.policy = p }
}

// WithLoginTimeout bounds each login run. Zero means no bound.
func WithLoginTimeout(d time.Duration) CoordinatorOption {
	return func(c *FlowCoordinator) { c.timeout = d }
}

// WithCoordinatorLogger sets the coordinator's logger.
func WithCoordinatorLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *FlowCoordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewFlowCoordinator returns a coordinator that calls login to authenticate.
func NewFlowCoordinator(login LoginFunc, opts ...CoordinatorOption) *FlowCoordinator {
	c := &FlowCoordinator{
		login:   login,
		policy:  PolicyCoalesce,
		logger:  zap.NewNop(),
		pending: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register implements Coordinator.
func (c *FlowCoordinator) Register(s *Session) (Registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCoordinatorClosed
	}
	if _, ok := c.pending[s.ID()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, s.ID())
	}
	c.pending[s.ID()] = s
	return &registration{coordinator: c, id: s.ID()}, nil
}

// StartLogin implements Coordinator.
func (c *FlowCoordinator) StartLogin(ctx context.Context, s *Session, failure *AuthFailure) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCoordinatorClosed
	}
	if _, ok := c.pending[s.ID()]; !ok {
		// Taken by a login that finished after Register.
		return nil
	}

	switch c.policy {
	case PolicyIndependent:
		c.logger.Info("starting login", zap.String("session_id", s.ID()), zap.String("failure_type", failure.Type))
		go c.run(ctx, failure, func() []*Session { return c.take(s.ID()) })
	default:
		if c.inflight {
			c.logger.Debug("joining running login", zap.String("session_id", s.ID()))
			return nil
		}
		c.inflight = true
		c.logger.Info("starting login", zap.String("session_id", s.ID()), zap.String("failure_type", failure.Type))
		go c.run(ctx, failure, c.takeAll)
	}
	return nil
}

// Pending returns the number of registered sessions awaiting resolution.
func (c *FlowCoordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close cancels every pending session and rejects further registrations.
func (c *FlowCoordinator) Close() {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*Session, 0, len(c.pending))
	for id, s := range c.pending {
		sessions = append(sessions, s)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Cancel(ErrCoordinatorClosed)
	}
}

func (c *FlowCoordinator) run(ctx context.Context, failure *AuthFailure, take func() []*Session) {
	// The login outlives the call that triggered it; other sessions may be waiting on it.
	loginCtx := context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		loginCtx, cancel = context.WithTimeout(loginCtx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	err := c.invoke(loginCtx, failure)
	sessions := take()

	if err != nil {
		c.logger.Warn("login failed",
			zap.Error(err),
			zap.Int("sessions", len(sessions)),
			zap.Duration("duration", time.Since(start)),
		)
		for _, s := range sessions {
			s.Cancel(err)
		}
		return
	}

	c.logger.Info("login succeeded",
		zap.Int("sessions", len(sessions)),
		zap.Duration("duration", time.Since(start)),
	)
	for _, s := range sessions {
		s.Resume()
	}
}

func (c *FlowCoordinator) invoke(ctx context.Context, failure *AuthFailure) (err error) {
	if c.login == nil {
		return errors.New("no login flow configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("login flow panicked: %v", r)
		}
	}()
	return c.login(ctx, failure)
}

// takeAll removes every pending session and ends the running coalesced login.
func (c *FlowCoordinator) takeAll() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inflight = false
	sessions := make([]*Session, 0, len(c.pending))
	for id, s := range c.pending {
		sessions = append(sessions, s)
		delete(c.pending, id)
	}
	return sessions
}

func (c *FlowCoordinator) take(id string) []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return []*Session{s}
}

func (c *FlowCoordinator) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

type registration struct {
	coordinator *FlowCoordinator
	id          string
	once        sync.Once
}

func (r *registration) Release() {
	r.once.Do(func() { r.coordinator.release(r.id) })
}

var _ Coordinator = (*FlowCoordinator)(nil)
