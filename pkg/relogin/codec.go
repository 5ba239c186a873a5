package relogin

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Marker prefixes a response body that carries an embedded AuthFailure instead of
// an ordinary RPC payload.
const Marker = "//EX["

var markerBytes = []byte(Marker)

// ErrMalformedFailure is returned by Decode when a marker body cannot be decoded.
var ErrMalformedFailure = errors.New("relogin: malformed auth failure payload")

// AuthFailure is the decoded signal that the caller must re-authenticate.
type AuthFailure struct {
	// Type names the failure, e.g. "AuthenticationRequired". Required on the wire.
	Type    string `mapstructure:"type"`
	Message string `mapstructure:"message"`

	// Issuer and ClientID tell the login flow where to authenticate.
	Issuer   string   `mapstructure:"issuer"`
	ClientID string   `mapstructure:"clientId"`
	LoginURL string   `mapstructure:"loginUrl"`
	Scopes   []string `mapstructure:"scopes"`
}

// Codec detects and decodes marker bodies. A Codec is immutable and safe for concurrent use.
type Codec struct {
	unmarshal protojson.UnmarshalOptions
	marshal   protojson.MarshalOptions
	logger    func() *zap.Logger
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithCodecLogger sets the logger used to report undecodable marker bodies.
func WithCodecLogger(logger *zap.Logger) CodecOption {
	return func(c *Codec) {
		c.logger = func() *zap.Logger { return logger }
	}
}

// NewCodec builds a Codec. Without WithCodecLogger it logs through zap.L().
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{
		unmarshal: protojson.UnmarshalOptions{DiscardUnknown: true},
		marshal:   protojson.MarshalOptions{},
		logger:    zap.L,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var defaultCodec = sync.OnceValue(func() *Codec { return NewCodec() })

// DefaultCodec returns the process-wide codec, built on first use.
func DefaultCodec() *Codec {
	return defaultCodec()
}

// HasMarker reports whether body starts with Marker, ignoring leading whitespace.
func HasMarker(body []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(body, " \t\r\n"), markerBytes)
}

// Detect returns the AuthFailure embedded in body. Bodies without the marker are
// reported as absent without decoding. Bodies that carry the marker but fail to
// decode are logged and also reported as absent, so callers deliver them unchanged.
func (c *Codec) Detect(body []byte) (*AuthFailure, bool) {
	if !HasMarker(body) {
		return nil, false
	}
	failure, err := c.Decode(body)
	if err != nil {
		c.logger().Warn("ignoring undecodable auth failure payload",
			zap.Error(err),
			zap.Int("body_bytes", len(body)),
		)
		return nil, false
	}
	return failure, true
}

// Decode parses a marker body. The text after "//EX" is a JSON array holding
// exactly one auth failure object.
func (c *Codec) Decode(body []byte) (*AuthFailure, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if !bytes.HasPrefix(trimmed, markerBytes) {
		return nil, fmt.Errorf("%w: missing marker", ErrMalformedFailure)
	}

	var list structpb.ListValue
	if err := c.unmarshal.Unmarshal(trimmed[len(markerBytes)-1:], &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFailure, err)
	}
	if len(list.GetValues()) != 1 {
		return nil, fmt.Errorf("%w: expected one object, got %d values", ErrMalformedFailure, len(list.GetValues()))
	}
	obj := list.GetValues()[0].GetStructValue()
	if obj == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedFailure)
	}

	var failure AuthFailure
	if err := mapstructure.Decode(obj.AsMap(), &failure); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFailure, err)
	}
	if failure.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFailure)
	}
	return &failure, nil
}

// Encode renders failure in marker form.
func (c *Codec) Encode(failure *AuthFailure) ([]byte, error) {
	if failure == nil || failure.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFailure)
	}

	fields := map[string]any{"type": failure.Type}
	if failure.Message != "" {
		fields["message"] = failure.Message
	}
	if failure.Issuer != "" {
		fields["issuer"] = failure.Issuer
	}
	if failure.ClientID != "" {
		fields["clientId"] = failure.ClientID
	}
	if failure.LoginURL != "" {
		fields["loginUrl"] = failure.LoginURL
	}
	if len(failure.Scopes) > 0 {
		scopes := make([]any, len(failure.Scopes))
		for i, s := range failure.Scopes {
			scopes[i] = s
		}
		fields["scopes"] = scopes
	}

	list, err := structpb.NewList([]any{fields})
	if err != nil {
		return nil, fmt.Errorf("build auth failure payload: %w", err)
	}
	data, err := c.marshal.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("marshal auth failure payload: %w", err)
	}

	data = bytes.TrimLeft(data, " \t\r\n")
	out := make([]byte, 0, len(markerBytes)-1+len(data))
	out = append(out, markerBytes[:len(markerBytes)-1]...)
	return append(out, data...), nil
}
