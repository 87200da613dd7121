package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"consultation-client/internal/domain/ports/adapter"
	"consultation-client/internal/infra/i18n"
	"consultation-client/internal/usecase"
)

// HealthChecker reports the backend's own health.
type HealthChecker interface {
	Health(ctx context.Context) (*adapter.BackendHealth, error)
}

// Deps wires the bridge server. Limiter and Verifier are optional.
type Deps struct {
	Flows    usecase.FlowManager
	Gate     usecase.PaymentGate
	Health   HealthChecker
	Verifier TokenVerifier
	Limiter  Limiter
	// RateKey builds the limiter key for a user action.
	RateKey   func(userID, action string) string
	RateLimit int
	Timeout   time.Duration
	Dev       bool
	// Messages localizes error bodies; nil leaves them untranslated.
	Messages *i18n.Catalog
	Logger   *zerolog.Logger
}

// Server exposes the consultation flow to a browser front-end.
type Server struct {
	deps Deps
	log  *zerolog.Logger

	// closing is closed when shutdown starts so open event streams end.
	closing   chan struct{}
	closeOnce sync.Once
}

func NewServer(deps Deps) *Server {
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}
	if deps.RateKey == nil {
		deps.RateKey = func(userID, action string) string { return userID + ":" + action }
	}
	return &Server{deps: deps, log: deps.Logger, closing: make(chan struct{})}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(), RequestLog(s.log), Recover(s.log))
	if s.deps.Messages != nil {
		r.Use(Localize(s.deps.Messages))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tiers", s.handleTiers)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(s.deps.Verifier, s.deps.Dev))
			r.Use(RateLimit(s.deps.Limiter, s.deps.RateLimit, s.deps.RateKey, s.log))

			// Event streams outlive the request timeout.
			r.Get("/flow/events", s.handleEvents)

			r.Group(func(r chi.Router) {
				r.Use(Timeout(s.deps.Timeout))
				r.Get("/flow", s.handleFlow)
				r.Post("/flow/tier", s.handleSelectTier)
				r.Post("/flow/checkout", s.handleCheckout)
				r.Post("/flow/payment", s.handleConfirmPayment)
				r.Post("/flow/submit", s.handleSubmit)
				r.Post("/flow/retry", s.handleRetry)
				r.Post("/flow/reset", s.handleReset)
				r.Post("/flow/acknowledge", s.handleAcknowledge)
				r.Get("/flow/artifact", s.handleArtifact)
				r.Get("/flow/preview", s.handlePreview)
				r.Get("/history", s.handleHistory)
			})
		})
	})
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.closeStreams)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("bridge api listening")
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info().Msg("bridge api shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}
