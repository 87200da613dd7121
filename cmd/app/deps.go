package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"consultation-client/internal/config"
	"consultation-client/internal/domain"
	"consultation-client/internal/domain/ports/adapter"
	"consultation-client/internal/domain/ports/repository"
	"consultation-client/internal/infra/adapters/backend"
	"consultation-client/internal/infra/db/postgres"
	"consultation-client/internal/infra/logging"
	"consultation-client/internal/infra/memory"
	red "consultation-client/internal/infra/redis"
	"consultation-client/internal/infra/security"
	"consultation-client/internal/usecase"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg     *config.Config
	logger  *zerolog.Logger
	backend adapter.Backend
	repo    repository.FlowRepository
	limiter *red.RateLimiter // nil without a redis connection
	gate    usecase.PaymentGate
	flows   usecase.FlowManager

	closers []func()
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.LoadConfig(opts.configPath, opts.dev)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	a := &app{cfg: cfg, logger: logger}

	// ---- Backend ----
	var be adapter.Backend
	if cfg.Backend.BaseURL == "" {
		mem := backend.NewMemoryBackend()
		mem.AutoPay = true
		mem.AutoRetryCredit = true
		be = mem
		logger.Warn().Msg("[DEV MODE] no backend.base_url; using the in-memory report service")
	} else {
		hc, err := backend.NewHTTPClient(cfg.Backend.BaseURL,
			backend.WithRequestTimeout(cfg.Backend.RequestTimeout),
			backend.WithUserAgent("consult/"+Version),
		)
		if err != nil {
			return nil, err
		}
		be = hc
	}
	a.backend = backend.NewLimitedBackend(be, cfg.Backend.MaxConcurrent)

	// ---- Flow store ----
	switch cfg.Store.Driver {
	case "redis":
		rc, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		a.repo = red.NewFlowRepo(rc, cfg.Store.TTL)
		a.limiter = red.NewRateLimiter(rc)
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if cfg.Store.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		a.repo = postgres.NewFlowRepo(pool)
		if cfg.Store.Cache {
			rc, err := red.NewClient(ctx, &cfg.Redis)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("redis: %w", err)
			}
			a.closers = append(a.closers, func() { _ = rc.Close() })
			a.repo = postgres.NewFlowRepoCacheDecorator(a.repo, rc, 0, logger)
			a.limiter = red.NewRateLimiter(rc)
		}
	default:
		a.repo = memory.NewFlowRepo()
	}
	if key := cfg.Store.EncryptionKey; key != "" {
		c, err := security.NewCipher(key)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.repo = security.NewSealedFlowRepo(a.repo, c)
	}

	// ---- Use cases ----
	dev := cfg.Runtime.Dev
	a.gate = usecase.NewPaymentGate(a.backend, logger, dev)
	a.flows = usecase.NewFlowManager(usecase.FlowDeps{
		Gate:      a.gate,
		Jobs:      a.backend,
		Artifacts: usecase.NewArtifactRetriever(a.backend, cfg.Backend.DownloadTimeout, logger),
		Repo:      a.repo,
		Logger:    logger,
		Settings: usecase.FlowSettings{
			MinBackgroundLength:    cfg.Submission.MinBackgroundLength,
			PollInterval:           cfg.Poll.Interval,
			PollRequestTimeout:     cfg.Poll.RequestTimeout,
			RequestCreditOnFailure: cfg.Retry.RequestCreditOnFailure,
			RetryCheckTimeout:      cfg.Retry.CheckTimeout,
			Dev:                    dev,
		},
	})
	// Flows close first so their last state reaches the store.
	a.closers = append(a.closers, a.flows.Close)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) user(opts *rootOptions) (string, error) {
	uid := strings.TrimSpace(opts.userID)
	if uid == "" {
		uid = strings.TrimSpace(a.cfg.Identity.UserID)
	}
	if uid == "" {
		return "", fmt.Errorf("%w: no user id (use --user or %sIDENTITY_USER_ID)", domain.ErrValidation, config.EnvPrefix)
	}
	return uid, nil
}

func (a *app) flow(ctx context.Context, opts *rootOptions) (usecase.FlowController, error) {
	uid, err := a.user(opts)
	if err != nil {
		return nil, err
	}
	return a.flows.Get(ctx, uid)
}

// withApp wires the graph for one command and tears it down afterwards.
func withApp(ctx context.Context, opts *rootOptions, fn func(*app) error) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// exitCode gives scripts a stable signal per failure category.
func exitCode(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 130
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownTier):
		return 2
	case errors.Is(err, domain.ErrPaymentConsumed), errors.Is(err, domain.ErrPaymentUnverified):
		return 3
	case errors.Is(err, domain.ErrJobFailed):
		return 4
	case errors.Is(err, domain.ErrNotReady), errors.Is(err, domain.ErrInvalidTransition):
		return 5
	}
	return 1
}
