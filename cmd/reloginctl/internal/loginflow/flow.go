// Package loginflow is the terminal login used when a call hits an auth challenge.
package loginflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/terraconstructs/relogin/pkg/login"
	"github.com/terraconstructs/relogin/pkg/relogin"
)

var (
	// ErrDeclined is returned when the user refuses to log in.
	ErrDeclined = errors.New("login declined")
	// ErrNonInteractive is returned when a login is needed but prompts are disabled.
	ErrNonInteractive = errors.New("login required but interactive prompts are disabled (run `reloginctl auth login` first)")
	// ErrNoIssuer is returned when neither the challenge nor configuration names an issuer.
	ErrNoIssuer = errors.New("no OIDC issuer in login challenge or configuration")
)

// Options configures a Flow.
type Options struct {
	Store          login.CredentialStore
	Issuer         string // fallback when the challenge carries none
	ClientID       string // fallback when the challenge carries none
	NonInteractive bool
	Logger         *zap.Logger

	// Confirm asks the user whether to log in. Defaults to a pterm prompt.
	Confirm func(message string) (bool, error)
	// EnvCreds reports service account credentials. Defaults to login.CheckEnvCreds.
	EnvCreds func() (bool, login.EnvCreds)
	// DeviceLogin defaults to login.LoginWithDeviceCode.
	DeviceLogin func(ctx context.Context, issuer, clientID string) (*login.LoginSuccessMetadata, *login.Credentials, error)
	// ServiceLogin defaults to login.LoginWithServiceAccount.
	ServiceLogin func(ctx context.Context, issuer, clientID, clientSecret string) (*login.Credentials, error)
}

// Flow runs logins for a relogin.FlowCoordinator.
type Flow struct {
	opts Options
}

// New returns a Flow with defaults filled in.
func New(opts Options) *Flow {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Confirm == nil {
		opts.Confirm = func(message string) (bool, error) {
			return pterm.DefaultInteractiveConfirm.WithDefaultValue(true).Show(message)
		}
	}
	if opts.EnvCreds == nil {
		opts.EnvCreds = login.CheckEnvCreds
	}
	if opts.DeviceLogin == nil {
		opts.DeviceLogin = func(ctx context.Context, issuer, clientID string) (*login.LoginSuccessMetadata, *login.Credentials, error) {
			return login.LoginWithDeviceCode(ctx, issuer, clientID, login.WithLogger(opts.Logger))
		}
	}
	if opts.ServiceLogin == nil {
		opts.ServiceLogin = func(ctx context.Context, issuer, clientID, clientSecret string) (*login.Credentials, error) {
			return login.LoginWithServiceAccount(ctx, issuer, clientID, clientSecret, login.WithLogger(opts.Logger))
		}
	}
	return &Flow{opts: opts}
}

// Login satisfies relogin.LoginFunc.
func (f *Flow) Login(ctx context.Context, failure *relogin.AuthFailure) error {
	issuer, clientID := f.opts.Issuer, f.opts.ClientID
	if failure != nil && failure.Issuer != "" {
		issuer = failure.Issuer
	}
	if failure != nil && failure.ClientID != "" {
		clientID = failure.ClientID
	}
	if issuer == "" {
		return ErrNoIssuer
	}

	// Service accounts never prompt.
	if ok, env := f.opts.EnvCreds(); ok {
		f.opts.Logger.Info("re-authenticating service account", zap.String("client_id", env.ClientID))
		creds, err := f.opts.ServiceLogin(ctx, issuer, env.ClientID, env.ClientSecret)
		if err != nil {
			return err
		}
		return f.save(creds)
	}

	if f.opts.NonInteractive {
		return ErrNonInteractive
	}

	message := "Authentication required."
	if failure != nil && failure.Message != "" {
		message = fmt.Sprintf("Authentication required: %s.", failure.Message)
	}
	ok, err := f.opts.Confirm(message + " Log in now?")
	if err != nil {
		return fmt.Errorf("login prompt: %w", err)
	}
	if !ok {
		return ErrDeclined
	}

	meta, creds, err := f.opts.DeviceLogin(ctx, issuer, clientID)
	if err != nil {
		return err
	}
	if err := f.save(creds); err != nil {
		return err
	}
	if meta != nil && meta.User != "" {
		pterm.Success.Printf("Logged in as %s\n", meta.User)
	}
	return nil
}

func (f *Flow) save(creds *login.Credentials) error {
	if err := f.opts.Store.SaveCredentials(creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}
