package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"consultation-client/internal/domain"
	"consultation-client/internal/infra/i18n"
	"consultation-client/internal/infra/identity"
	"consultation-client/internal/infra/logging"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Middleware func(http.Handler) http.Handler

func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// TraceID reuses an inbound X-Request-ID or mints one, and echoes it back.
func TraceID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
			if tid == "" || len(tid) > 128 {
				tid = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", tid)
			ctx := logging.WithTraceID(r.Context(), tid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequestLog(logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &respWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(ww, r)
			l := logging.With(ww.ctx(r), logger)
			l.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.status).
				Dur("duration", time.Since(start)).
				Msg("http_request")
		})
	}
}

type respWriter struct {
	http.ResponseWriter
	status int
	userID string
}

func (w *respWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps event streams working through the wrapper.
func (w *respWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *respWriter) ctx(r *http.Request) context.Context {
	if w.userID == "" {
		return r.Context()
	}
	return logging.WithUserID(r.Context(), w.userID)
}

type localeKey struct{}

// Localize picks a message language from Accept-Language for error bodies.
func Localize(c *i18n.Catalog) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tr := c.Negotiate(r.Header.Get("Accept-Language"))
			w.Header().Set("Content-Language", tr.Lang())
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), localeKey{}, tr)))
		})
	}
}

func Recover(logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					l := logging.With(r.Context(), logger)
					l.Error().Interface("panic", rec).Msg("panic recovered")
					writeErrorBody(w, r, http.StatusInternalServerError, errorBody{Code: domain.CodeInternal, Message: "internal error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func Timeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type userKey struct{}

// UserID returns the authenticated user id stored by Authenticate.
func UserID(ctx context.Context) string {
	s, _ := ctx.Value(userKey{}).(string)
	return s
}

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Authenticate requires a valid bearer token. With trustHeader set (dev
// mode) a bare X-User-ID header is accepted instead.
func Authenticate(v TokenVerifier, trustHeader bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var uid string
			if tok, ok := identity.BearerToken(r); ok && v != nil {
				id, err := v.Verify(tok)
				if err != nil {
					writeErrorBody(w, r, http.StatusUnauthorized, errorBody{Code: codeUnauthenticated, Message: err.Error()})
					return
				}
				uid = id
			} else if trustHeader {
				uid = strings.TrimSpace(r.Header.Get("X-User-ID"))
			}
			if uid == "" {
				writeErrorBody(w, r, http.StatusUnauthorized, errorBody{Code: codeUnauthenticated, Message: "missing credentials"})
				return
			}
			if rw, ok := w.(*respWriter); ok {
				rw.userID = uid
			}
			ctx := context.WithValue(r.Context(), userKey{}, uid)
			ctx = logging.WithUserID(ctx, uid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Limiter is a shared fixed-window counter.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimit caps mutating requests per user. Limiter faults let the request
// through.
func RateLimit(l Limiter, limit int, keyFn func(userID, action string) string, logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		if l == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			action := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			ok, err := l.Allow(r.Context(), keyFn(UserID(r.Context()), action), limit, time.Minute)
			if err != nil {
				lg := logging.With(r.Context(), logger)
				lg.Warn().Err(err).Msg("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", "60")
				writeErrorBody(w, r, http.StatusTooManyRequests, errorBody{Code: codeRateLimited, Message: "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
