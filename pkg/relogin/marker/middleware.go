// Package marker emits relogin challenges from an HTTP server.
//
// Middleware rewrites 401 responses to loginable requests into successful
// responses carrying a marker body, which relogin clients turn into a login.
// Requests without the loginable header keep receiving the plain 401.
package marker

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/terraconstructs/relogin/pkg/relogin"
)

// DefaultFailureType is the AuthFailure type emitted when Options.Type is empty.
const DefaultFailureType = "AuthenticationRequired"

// Options describes the challenge sent to clients.
type Options struct {
	Type     string
	Issuer   string
	ClientID string
	LoginURL string
	Scopes   []string

	Codec  *relogin.Codec
	Logger *zap.Logger
}

// Middleware returns chi-compatible middleware that converts 401 responses into
// marker challenges for loginable requests.
func Middleware(opts Options) func(http.Handler) http.Handler {
	if opts.Type == "" {
		opts.Type = DefaultFailureType
	}
	if opts.Codec == nil {
		opts.Codec = relogin.DefaultCodec()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Loginable(r) {
				next.ServeHTTP(w, r)
				return
			}

			cw := &challengeWriter{ResponseWriter: w}
			next.ServeHTTP(cw, r)
			if !cw.challenged {
				return
			}

			body, err := opts.Codec.Encode(&relogin.AuthFailure{
				Type:     opts.Type,
				Message:  strings.TrimSpace(string(cw.message)),
				Issuer:   opts.Issuer,
				ClientID: opts.ClientID,
				LoginURL: opts.LoginURL,
				Scopes:   opts.Scopes,
			})
			if err != nil {
				opts.Logger.Error("encode relogin challenge", zap.Error(err))
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			opts.Logger.Debug("sent relogin challenge",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			h := w.Header()
			h.Del("Content-Length")
			h.Del("WWW-Authenticate")
			h.Set("Content-Type", "text/plain; charset=utf-8")
			h.Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
		})
	}
}

// Loginable reports whether the request was sent by a relogin client.
func Loginable(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get(relogin.LoginableHeader), "true")
}

// maxMessageBytes caps how much of the handler's 401 body becomes the challenge message.
const maxMessageBytes = 512

// challengeWriter holds back a 401 so it can be replaced with a challenge.
type challengeWriter struct {
	http.ResponseWriter
	wroteHeader bool
	challenged  bool
	message     []byte
}

func (w *challengeWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if code == http.StatusUnauthorized {
		w.challenged = true
		return
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *challengeWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.challenged {
		if room := maxMessageBytes - len(w.message); room > 0 {
			w.message = append(w.message, b[:min(room, len(b))]...)
		}
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

func (w *challengeWriter) Flush() {
	if w.challenged {
		return
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *challengeWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
