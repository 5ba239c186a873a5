package client

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terraconstructs/relogin/cmd/reloginctl/internal/auth"
	"github.com/terraconstructs/relogin/pkg/login"
	"github.com/terraconstructs/relogin/pkg/relogin"
)

// LoginFactory builds the login run when a call is challenged. It receives the
// store the resulting credentials must be written to.
type LoginFactory func(store login.CredentialStore) relogin.LoginFunc

// Options configures a Provider.
type Options struct {
	ServerURL      string
	CredentialsDir string
	Issuer         string
	ClientID       string
	Policy         string
	MaxCycles      int
	LoginTimeout   time.Duration
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Metrics        relogin.Metrics
	Login          LoginFactory

	// Store overrides the file-backed credential store.
	Store login.CredentialStore
}

// Provider yields re-authenticating HTTP clients and senders backed by the
// credential store. Every component is built once and shared across commands.
type Provider struct {
	opts Options

	storeOnce sync.Once
	store     login.CredentialStore
	storeErr  error

	interceptorOnce sync.Once
	coordinator     *relogin.FlowCoordinator
	interceptor     *relogin.Interceptor
	interceptorErr  error

	httpOnce sync.Once
	httpCli  *http.Client
	httpErr  error
}

// NewProvider constructs a new Provider.
func NewProvider(opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Provider{opts: opts}
}

// ServerURL returns the configured server base URL.
func (p *Provider) ServerURL() string {
	return p.opts.ServerURL
}

// Store returns the credential store.
func (p *Provider) Store() (login.CredentialStore, error) {
	p.storeOnce.Do(func() {
		if p.opts.Store != nil {
			p.store = p.opts.Store
			return
		}
		store, err := auth.NewFileStore(p.opts.CredentialsDir)
		if err != nil {
			p.storeErr = fmt.Errorf("failed to create credential store: %w", err)
			return
		}
		p.store = store
	})
	return p.store, p.storeErr
}

// Credentials loads the stored credentials.
func (p *Provider) Credentials() (*login.Credentials, error) {
	store, err := p.Store()
	if err != nil {
		return nil, err
	}
	return store.LoadCredentials()
}

// Interceptor returns the shared interceptor. It carries no transport of its
// own: bind one with WithTransport, or use HTTPClient or Sender. Sending
// through it directly fails with relogin.ErrNoTransport.
func (p *Provider) Interceptor() (*relogin.Interceptor, error) {
	p.interceptorOnce.Do(func() {
		store, err := p.Store()
		if err != nil {
			p.interceptorErr = err
			return
		}
		if p.opts.Login == nil {
			p.interceptorErr = errors.New("no login flow configured")
			return
		}
		policy, err := relogin.ParsePolicy(p.opts.Policy)
		if err != nil {
			p.interceptorErr = err
			return
		}

		coordOpts := []relogin.CoordinatorOption{
			relogin.WithPolicy(policy),
			relogin.WithCoordinatorLogger(p.opts.Logger),
		}
		if p.opts.LoginTimeout > 0 {
			coordOpts = append(coordOpts, relogin.WithLoginTimeout(p.opts.LoginTimeout))
		}
		p.coordinator = relogin.NewFlowCoordinator(p.opts.Login(store), coordOpts...)

		opts := []relogin.Option{
			relogin.WithCoordinator(p.coordinator),
			relogin.WithLogger(p.opts.Logger),
			relogin.WithMaxLoginCycles(p.opts.MaxCycles),
			relogin.WithExchangeTimeout(p.opts.RequestTimeout),
		}
		if p.opts.Metrics != nil {
			opts = append(opts, relogin.WithMetrics(p.opts.Metrics))
		}
		p.interceptor = relogin.New(nil, opts...)
	})
	return p.interceptor, p.interceptorErr
}

// HTTPClient returns an http.Client that attaches stored credentials and
// transparently re-authenticates when the server answers with a login challenge.
func (p *Provider) HTTPClient() (*http.Client, error) {
	p.httpOnce.Do(func() {
		interceptor, err := p.Interceptor()
		if err != nil {
			p.httpErr = err
			return
		}
		store, _ := p.Store()

		bearer := &login.Transport{
			Base:    http.DefaultTransport,
			Store:   store,
			Refresh: login.NewRefresher(p.opts.Issuer, p.opts.ClientID, login.WithLogger(p.opts.Logger)),
			Logger:  p.opts.Logger,
		}
		// RequestTimeout bounds each exchange inside the interceptor, never the
		// wait for a login, so the client itself carries no Timeout.
		p.httpCli = &http.Client{
			Transport: relogin.NewRoundTripper(bearer, interceptor),
		}
	})
	if p.httpErr != nil {
		return nil, p.httpErr
	}
	return p.httpCli, nil
}

// Sender returns an interceptor that posts raw payloads to path on the server.
func (p *Provider) Sender(path string) (*relogin.Interceptor, error) {
	interceptor, err := p.Interceptor()
	if err != nil {
		return nil, err
	}
	endpoint, err := url.JoinPath(p.opts.ServerURL, path)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	store, _ := p.Store()

	// Bearer credentials without the relogin RoundTripper; the interceptor
	// itself handles challenges on this path.
	httpClient := &http.Client{
		Transport: &login.Transport{
			Base:    http.DefaultTransport,
			Store:   store,
			Refresh: login.NewRefresher(p.opts.Issuer, p.opts.ClientID, login.WithLogger(p.opts.Logger)),
			Logger:  p.opts.Logger,
		},
	}
	return interceptor.WithTransport(relogin.NewHTTPTransport(endpoint, relogin.WithHTTPClient(httpClient))), nil
}

// Close cancels any sessions still waiting on a login.
func (p *Provider) Close() {
	if p.coordinator != nil {
		p.coordinator.Close()
	}
}
