package httpx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"log/slog"

	"kaapeh-copiloto/shared/authx"
	"kaapeh-copiloto/shared/logx"
)

type requestIDKey struct{}

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Details   any    `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, r *http.Request, statusCode int, code string, message string, details any) {
	WriteJSON(w, statusCode, ErrorEnvelope{
		Error: ErrorBody{
			Code:      code,
			Message:   message,
			RequestID: RequestIDFromContext(r.Context()),
			Details:   details,
		},
	})
}

const DefaultMaxBodyBytes = 1 << 20

var ErrBodyTooLarge = errors.New("request body too large")

// DecodeJSON reads a single JSON document from the request body into dst.
// Unknown fields are rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	return decodeJSON(w, r, maxBytes, dst, true)
}

// DecodeJSONLenient is DecodeJSON for bodies from clients that may send
// fields this server does not know; those fields are ignored.
func DecodeJSONLenient(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	return decodeJSON(w, r, maxBytes, dst, false)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any, strict bool) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return ErrBodyTooLarge
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		default:
			return fmt.Errorf("invalid json: %w", err)
		}
	}
	if dec.More() {
		return errors.New("invalid json: trailing data")
	}
	return nil
}

func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

func WithRecover(l logx.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := string(debug.Stack())
				if p, ok := rec.(*handlerPanic); ok {
					rec, stack = p.value, string(p.stack)
				}
				attrs := []slog.Attr{
					slog.String("request_id", RequestIDFromContext(r.Context())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.Any("error", rec),
				}
				if strings.ToLower(l.Env()) != "prod" {
					attrs = append(attrs, slog.String("stack", stack))
				}
				l.Error(r.Context(), "panic", "panic recovered", attrs...)

				WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type RequestLogOptions struct {
	SkipPaths map[string]bool
}

func WithRequestLog(l logx.Logger, opts RequestLogOptions, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.SkipPaths != nil && opts.SkipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		sink := &authSink{}

		next.ServeHTTP(lrw, r.WithContext(context.WithValue(r.Context(), authSinkKey{}, sink)))

		duration := time.Since(start)
		attrs := []slog.Attr{
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status_code", lrw.statusCode),
			slog.Int64("duration_ms", duration.Milliseconds()),
			slog.String("client_ip", clientIP(r)),
		}
		if auth, ok := sink.get(); ok {
			attrs = append(attrs, slog.String("user_id", auth.UserID.String()), slog.String("role", auth.Role))
		}
		l.Info(
			r.Context(),
			"http_request",
			"http request",
			attrs...,
		)
	})
}

// WithTimeout runs next in its own goroutine under a deadline. A panic in
// that goroutine is re-raised on the request goroutine so WithRecover sees it.
func WithTimeout(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		done := make(chan *handlerPanic, 1)
		crw := newCaptureResponseWriter()

		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					done <- &handlerPanic{value: rec, stack: debug.Stack()}
					return
				}
				done <- nil
			}()
			next.ServeHTTP(crw, r.WithContext(ctx))
		}()

		select {
		case p := <-done:
			if p != nil {
				panic(p)
			}
			crw.copyTo(w)
		case <-ctx.Done():
			WriteError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timeout", nil)
		}
	})
}

// handlerPanic carries a panic out of the WithTimeout goroutine along with
// the stack where it happened.
type handlerPanic struct {
	value any
	stack []byte
}

func WrapServeMux(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, pattern := mux.Handler(r)
		if pattern == "" {
			next.ServeHTTP(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

type authSinkKey struct{}

type authSink struct {
	mu   sync.Mutex
	auth *authx.AuthContext
}

func (s *authSink) get() (authx.AuthContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth == nil {
		return authx.AuthContext{}, false
	}
	return *s.auth, true
}

// PublishAuth lets inner handlers surface the authenticated caller to the
// request log, which runs outside the auth middleware.
func PublishAuth(ctx context.Context, auth authx.AuthContext) {
	if sink, ok := ctx.Value(authSinkKey{}).(*authSink); ok {
		sink.mu.Lock()
		sink.auth = &auth
		sink.mu.Unlock()
	}
}

// PublishedAuth returns what an inner handler passed to PublishAuth.
func PublishedAuth(ctx context.Context) (authx.AuthContext, bool) {
	if sink, ok := ctx.Value(authSinkKey{}).(*authSink); ok {
		return sink.get()
	}
	return authx.AuthContext{}, false
}

func (w *loggingResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

type captureResponseWriter struct {
	header     http.Header
	statusCode int
	body       []byte
}

func newCaptureResponseWriter() *captureResponseWriter {
	return &captureResponseWriter{
		header:     make(http.Header),
		statusCode: http.StatusOK,
	}
}

func (w *captureResponseWriter) Header() http.Header {
	return w.header
}

func (w *captureResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
}

func (w *captureResponseWriter) Write(p []byte) (int, error) {
	w.body = append(w.body, p...)
	return len(p), nil
}

func (w *captureResponseWriter) copyTo(dst http.ResponseWriter) {
	for k, v := range w.header {
		for _, vv := range v {
			dst.Header().Add(k, vv)
		}
	}
	dst.WriteHeader(w.statusCode)
	_, _ = dst.Write(w.body)
}

func clientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func ClientIP(r *http.Request) string {
	return clientIP(r)
}
