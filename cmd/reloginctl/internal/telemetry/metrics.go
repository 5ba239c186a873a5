package telemetry

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terraconstructs/relogin/pkg/relogin"
)

// ClientMetrics holds metric instruments for loginable RPC calls.
// It implements relogin.Metrics.
type ClientMetrics struct {
	ExchangeCounter  metric.Int64Counter     // Total exchanges, including resends after login
	ExchangeDuration metric.Float64Histogram // Exchange latency
	LoginCycles      metric.Int64Counter     // Logins triggered by auth failures
	CallOutcomes     metric.Int64Counter     // Final outcome per logical call
}

var _ relogin.Metrics = (*ClientMetrics)(nil)

// NewClientMetrics creates ClientMetrics from the global meter provider.
func NewClientMetrics() (*ClientMetrics, error) {
	return NewClientMetricsFromMeter(otel.Meter("reloginctl/client"))
}

// NewClientMetricsFromMeter creates ClientMetrics on the given meter.
func NewClientMetricsFromMeter(meter metric.Meter) (*ClientMetrics, error) {
	exchangeCounter, err := meter.Int64Counter(
		"relogin.exchange.count",
		metric.WithDescription("Total number of request/response exchanges"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, err
	}

	// Buckets: 5ms .. 10s
	exchangeDuration, err := meter.Float64Histogram(
		"relogin.exchange.duration",
		metric.WithDescription("Exchange duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		return nil, err
	}

	loginCycles, err := meter.Int64Counter(
		"relogin.login.count",
		metric.WithDescription("Total number of logins triggered by auth failures"),
		metric.WithUnit("{login}"),
	)
	if err != nil {
		return nil, err
	}

	callOutcomes, err := meter.Int64Counter(
		"relogin.call.count",
		metric.WithDescription("Total number of logical calls by outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	return &ClientMetrics{
		ExchangeCounter:  exchangeCounter,
		ExchangeDuration: exchangeDuration,
		LoginCycles:      loginCycles,
		CallOutcomes:     callOutcomes,
	}, nil
}

// RecordExchange records one exchange. Connection faults are recorded with status "error".
func (m *ClientMetrics) RecordExchange(ctx context.Context, status int, duration time.Duration, err error) {
	code := strconv.Itoa(status)
	if err != nil {
		code = "error"
	}
	attrs := metric.WithAttributes(attribute.String(AttrHTTPStatusCode, code))

	m.ExchangeCounter.Add(ctx, 1, attrs)
	m.ExchangeDuration.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}

// RecordLoginCycle records a login triggered by failureType.
func (m *ClientMetrics) RecordLoginCycle(ctx context.Context, failureType string) {
	m.LoginCycles.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrFailureType, failureType)))
}

// RecordOutcome records the final outcome of a call.
func (m *ClientMetrics) RecordOutcome(ctx context.Context, outcome string) {
	m.CallOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrCallOutcome, outcome)))
}

// Common metric attribute keys
const (
	AttrHTTPStatusCode = "http.status_code"
	AttrFailureType    = "relogin.failure_type"
	AttrCallOutcome    = "relogin.outcome"
)
