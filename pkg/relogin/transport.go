package relogin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LoginableHeader is set to "true" on every outbound request so the server
// knows the client understands marker bodies.
const LoginableHeader = "X-Relogin-Loginable"

// Response is the raw result of one exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Success reports whether the status is in the 2xx range.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Exchanger performs exactly one request/response exchange per call. It returns
// an error only for connection-level faults; every status is reported through
// the Response.
type Exchanger interface {
	Exchange(ctx context.Context, payload []byte) (*Response, error)
}

// ExchangerFunc adapts a function to Exchanger.
type ExchangerFunc func(ctx context.Context, payload []byte) (*Response, error)

func (f ExchangerFunc) Exchange(ctx context.Context, payload []byte) (*Response, error) {
	return f(ctx, payload)
}

// HTTPTransport posts payloads to a fixed endpoint.
type HTTPTransport struct {
	endpoint string
	method   string
	header   http.Header
	client   *http.Client
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient sets the client used for exchanges.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithMethod overrides the request method (default POST).
func WithMethod(method string) TransportOption {
	return func(t *HTTPTransport) {
		t.method = method
	}
}

// WithHeader adds a header sent with every exchange.
func WithHeader(key, value string) TransportOption {
	return func(t *HTTPTransport) {
		t.header.Add(key, value)
	}
}

// WithHeaders merges h into the headers sent with every exchange.
func WithHeaders(h http.Header) TransportOption {
	return func(t *HTTPTransport) {
		for k, vs := range h {
			for _, v := range vs {
				t.header.Add(k, v)
			}
		}
	}
}

// NewHTTPTransport returns a transport posting to endpoint.
func NewHTTPTransport(endpoint string, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		endpoint: endpoint,
		method:   http.MethodPost,
		header:   make(http.Header),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Exchange issues a single request and reads the full response body.
func (t *HTTPTransport) Exchange(ctx context.Context, payload []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, t.method, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range t.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Header.Set(LoginableHeader, "true")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

var _ Exchanger = (*HTTPTransport)(nil)
