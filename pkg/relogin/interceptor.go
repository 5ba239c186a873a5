// Package relogin makes a request/response transport re-authenticate transparently.
//
// A server that wants the client to log in answers a loginable request with a
// successful status and a body that starts with Marker. The Interceptor detects
// that body, suspends the call, asks a Coordinator to run a login, and re-sends
// the original payload once the login succeeds. Callers only ever observe the
// final outcome.
package relogin

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	instrumentationName = "github.com/terraconstructs/relogin/pkg/relogin"

	// DefaultMaxLoginCycles bounds the logins a single call may trigger.
	DefaultMaxLoginCycles = 5
)

// Metrics receives interceptor measurements. internal/telemetry.ClientMetrics
// implements it on OpenTelemetry instruments.
type Metrics interface {
	RecordExchange(ctx context.Context, status int, duration time.Duration, err error)
	RecordLoginCycle(ctx context.Context, failureType string)
	RecordOutcome(ctx context.Context, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RecordExchange(context.Context, int, time.Duration, error) {}
func (nopMetrics) RecordLoginCycle(context.Context, string)                   {}
func (nopMetrics) RecordOutcome(context.Context, string)                      {}

// Interceptor sends payloads through an Exchanger and handles marker bodies.
// It holds no per-call state and is safe for concurrent use.
type Interceptor struct {
	transport   Exchanger
	codec       *Codec
	coordinator Coordinator
	logger      *zap.Logger
	metrics     Metrics
	tracer      trace.Tracer
	maxCycles   int
	timeout     time.Duration
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithCoordinator enables re-authentication. Without a coordinator marker
// bodies are delivered as ordinary successes.
func WithCoordinator(c Coordinator) Option {
	return func(i *Interceptor) { i.coordinator = c }
}

// WithLogger sets the interceptor's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(i *Interceptor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithCodec replaces DefaultCodec.
func WithCodec(c *Codec) Option {
	return func(i *Interceptor) {
		if c != nil {
			i.codec = c
		}
	}
}

// WithMaxLoginCycles bounds the logins one call may trigger. Values <= 0 remove the bound.
func WithMaxLoginCycles(n int) Option {
	return func(i *Interceptor) { i.maxCycles = n }
}

// WithExchangeTimeout bounds each exchange separately. Time spent waiting for
// a login is not counted, so a slow interactive login does not fail the call.
func WithExchangeTimeout(d time.Duration) Option {
	return func(i *Interceptor) { i.timeout = d }
}

// WithMetrics records measurements for every call.
func WithMetrics(m Metrics) Option {
	return func(i *Interceptor) {
		if m != nil {
			i.metrics = m
		}
	}
}

// WithTracerProvider sets the tracer provider (default otel.GetTracerProvider()).
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(i *Interceptor) {
		if tp != nil {
			i.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// New returns an Interceptor sending through transport. A nil transport is
// allowed for interceptors that are only used as a template for WithTransport
// or NewRoundTripper; sending through one fails with ErrNoTransport.
func New(transport Exchanger, opts ...Option) *Interceptor {
	i := &Interceptor{
		transport: transport,
		codec:     DefaultCodec(),
		logger:    zap.NewNop(),
		metrics:   nopMetrics{},
		tracer:    otel.Tracer(instrumentationName),
		maxCycles: DefaultMaxLoginCycles,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// WithTransport returns a copy of the interceptor that sends through transport.
func (i *Interceptor) WithTransport(transport Exchanger) *Interceptor {
	cp := *i
	cp.transport = transport
	return &cp
}

// Send delivers payload and reports the outcome to cont exactly once. It
// returns immediately; the exchange and any login run on another goroutine.
func (i *Interceptor) Send(ctx context.Context, payload []byte, cont Continuation) {
	go i.run(ctx, bytes.Clone(payload), once(cont))
}

// Do is the blocking form of Send. The returned error is a *Failure.
func (i *Interceptor) Do(ctx context.Context, payload []byte) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	results := make(chan result, 1)
	i.Send(ctx, payload, ContinuationFuncs{
		Success: func(body []byte) { results <- result{body: body} },
		Failure: func(f *Failure) { results <- result{err: f} },
	})
	r := <-results
	return r.body, r.err
}

func (i *Interceptor) run(ctx context.Context, payload []byte, cont Continuation) {
	ctx, span := i.tracer.Start(ctx, "relogin.Send", trace.WithAttributes(
		attribute.Int("relogin.payload_bytes", len(payload)),
	))
	defer span.End()

	cycles := 0
	for attempt := 1; ; attempt++ {
		resp, err := i.exchange(ctx, payload)
		if err != nil {
			i.logger.Debug("exchange failed", zap.Int("attempt", attempt), zap.Error(err))
			i.fail(ctx, span, cont, transportFailure(err))
			return
		}
		if !resp.Success() {
			i.fail(ctx, span, cont, serverFailure(resp))
			return
		}

		var failure *AuthFailure
		if i.coordinator != nil {
			failure, _ = i.codec.Detect(resp.Body)
		}
		if failure == nil {
			span.SetAttributes(attribute.Int("relogin.login_cycles", cycles))
			i.metrics.RecordOutcome(ctx, "success")
			cont.OnSuccess(resp.Body)
			return
		}

		if i.maxCycles > 0 && cycles >= i.maxCycles {
			i.logger.Warn("login cycle limit reached",
				zap.Int("cycles", cycles),
				zap.String("failure_type", failure.Type),
			)
			i.fail(ctx, span, cont, loginLimitFailure(cycles))
			return
		}
		cycles++

		span.AddEvent("login required", trace.WithAttributes(
			attribute.String("relogin.failure_type", failure.Type),
			attribute.Int("relogin.cycle", cycles),
		))
		i.metrics.RecordLoginCycle(ctx, failure.Type)

		if f := i.awaitLogin(ctx, payload, failure); f != nil {
			i.fail(ctx, span, cont, f)
			return
		}
		i.logger.Debug("login resolved, resending", zap.Int("cycle", cycles))
	}
}

func (i *Interceptor) exchange(ctx context.Context, payload []byte) (*Response, error) {
	if i.transport == nil {
		return nil, ErrNoTransport
	}
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := i.transport.Exchange(ctx, payload)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	i.metrics.RecordExchange(ctx, status, time.Since(start), err)
	return resp, err
}

// awaitLogin suspends the call until a coordinator resolves its session. It
// returns nil when the call should be re-sent.
func (i *Interceptor) awaitLogin(ctx context.Context, payload []byte, failure *AuthFailure) *Failure {
	s := newSession(payload, failure)
	logger := i.logger.With(zap.String("session_id", s.ID()), zap.String("failure_type", failure.Type))

	reg, err := i.coordinator.Register(s)
	if err != nil {
		logger.Warn("register login session", zap.Error(err))
		return loginCancelled(fmt.Errorf("register login session: %w", err))
	}
	s.attach(reg)

	if !s.State().Terminal() {
		logger.Info("login required, waiting for login")
		if err := i.coordinator.StartLogin(ctx, s, failure); err != nil {
			logger.Warn("start login", zap.Error(err))
			s.Cancel(fmt.Errorf("start login: %w", err))
		}
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Cancel(ctx.Err())
		<-s.Done()
	}

	state, cause := s.Outcome()
	if state == StateResumed {
		return nil
	}
	logger.Info("login cancelled", zap.Error(cause))
	return loginCancelled(cause)
}

func (i *Interceptor) fail(ctx context.Context, span trace.Span, cont Continuation, f *Failure) {
	span.SetStatus(codes.Error, f.Kind.String())
	span.RecordError(f)
	i.metrics.RecordOutcome(ctx, f.Kind.String())
	cont.OnFailure(f)
}
