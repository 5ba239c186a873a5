package relogin

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by *Failure through errors.Is.
var (
	ErrTransport      = errors.New("relogin: transport error")
	ErrServerFailure  = errors.New("relogin: server failure")
	ErrLoginCancelled = errors.New("relogin: login cancelled")
)

// ErrNoTransport is the cause of the transport failure delivered when an
// Interceptor without a transport is asked to send.
var ErrNoTransport = errors.New("relogin: interceptor has no transport")

// CancelledMessage is the message carried by every login cancellation failure.
const CancelledMessage = "login cancelled"

// FailureKind classifies a Failure.
type FailureKind int

const (
	// KindTransportError is a connection-level fault. It is surfaced immediately and never retried.
	KindTransportError FailureKind = iota + 1
	// KindServerFailure is a non-success status (or an exhausted login-cycle budget).
	KindServerFailure
	// KindLoginCancelled is delivered after the interactive login was cancelled.
	KindLoginCancelled
)

func (k FailureKind) String() string {
	switch k {
	case KindTransportError:
		return "TransportError"
	case KindServerFailure:
		return "ServerFailure"
	case KindLoginCancelled:
		return "LoginCancelled"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// Failure is the value delivered to Continuation.OnFailure.
type Failure struct {
	Kind    FailureKind
	Message string

	// Cancellable reports whether upstream request layers may still act on the
	// failure (abort pending work, schedule a retry). Login cancellations are final
	// and always carry false.
	Cancellable bool

	// Response is the raw exchange result for KindServerFailure produced by a
	// non-success status. It is nil for every other failure.
	Response *Response

	// Err is the underlying cause, if any.
	Err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches the sentinel error for the failure kind.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrTransport:
		return f.Kind == KindTransportError
	case ErrServerFailure:
		return f.Kind == KindServerFailure
	case ErrLoginCancelled:
		return f.Kind == KindLoginCancelled
	}
	return false
}

func transportFailure(err error) *Failure {
	return &Failure{
		Kind:        KindTransportError,
		Message:     err.Error(),
		Cancellable: true,
		Err:         err,
	}
}

func serverFailure(resp *Response) *Failure {
	return &Failure{
		Kind:        KindServerFailure,
		Message:     fmt.Sprintf("%d %s", resp.StatusCode, resp.Body),
		Cancellable: true,
		Response:    resp,
	}
}

func loginLimitFailure(cycles int) *Failure {
	return &Failure{
		Kind:        KindServerFailure,
		Message:     fmt.Sprintf("re-authentication limit reached after %d login cycles", cycles),
		Cancellable: true,
	}
}

func loginCancelled(cause error) *Failure {
	msg := CancelledMessage
	if cause != nil {
		msg = CancelledMessage + ": " + cause.Error()
	}
	return &Failure{
		Kind:        KindLoginCancelled,
		Message:     msg,
		Cancellable: false,
		Err:         cause,
	}
}
