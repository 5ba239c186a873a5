package relogin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// RoundTripper makes an http.Client loginable. Each request body is buffered
// so it can be replayed after a login; marker responses never reach the caller.
//
// Only unary calls are intercepted. Requests with a streaming content type
// (Connect streaming, gRPC, gRPC-Web) go straight to the base transport
// without the loginable header, so servers answer them with plain errors.
type RoundTripper struct {
	base        http.RoundTripper
	interceptor *Interceptor
}

// NewRoundTripper wraps base (http.DefaultTransport when nil). The
// interceptor's own transport is ignored; exchanges go through base.
func NewRoundTripper(base http.RoundTripper, interceptor *Interceptor) *RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RoundTripper{base: base, interceptor: interceptor}
}

// RoundTrip implements http.RoundTripper. Non-2xx responses are returned as
// ordinary responses so clients can parse their error bodies; transport faults
// and login cancellations are returned as errors.
func (t *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if isStreaming(req.Header.Get("Content-Type")) {
		return t.base.RoundTrip(req)
	}

	var payload []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		payload, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
	}

	ex := &requestExchanger{base: t.base, req: req}
	body, err := t.interceptor.WithTransport(ex).Do(req.Context(), payload)
	if err != nil {
		var f *Failure
		if errors.As(err, &f) && f.Kind == KindServerFailure && f.Response != nil {
			return toHTTPResponse(req, f.Response, f.Response.Body), nil
		}
		return nil, err
	}
	return toHTTPResponse(req, ex.lastResponse(), body), nil
}

func isStreaming(contentType string) bool {
	for _, prefix := range []string{"application/connect+", "application/grpc"} {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

// requestExchanger replays one http.Request with a fresh body per attempt.
type requestExchanger struct {
	base http.RoundTripper
	req  *http.Request

	mu   sync.Mutex
	last *Response
}

func (e *requestExchanger) Exchange(ctx context.Context, payload []byte) (*Response, error) {
	req := e.req.Clone(ctx)
	req.Body = io.NopCloser(bytes.NewReader(payload))
	req.ContentLength = int64(len(payload))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set(LoginableHeader, "true")

	resp, err := e.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
	e.mu.Lock()
	e.last = out
	e.mu.Unlock()
	return out, nil
}

func (e *requestExchanger) lastResponse() *Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return &Response{StatusCode: http.StatusOK, Header: make(http.Header)}
	}
	return e.last
}

func toHTTPResponse(req *http.Request, r *Response, body []byte) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Content-Length")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

var _ http.RoundTripper = (*RoundTripper)(nil)
