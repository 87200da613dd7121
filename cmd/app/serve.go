package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"consultation-client/internal/infra/api"
	"consultation-client/internal/infra/i18n"
	"consultation-client/internal/infra/identity"
	"consultation-client/internal/infra/metrics"
	red "consultation-client/internal/infra/redis"
	"consultation-client/internal/infra/scheduler"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge API for a browser front-end",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				return serve(cmd.Context(), a, port)
			})
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default api.port)")
	return cmd
}

func serve(ctx context.Context, a *app, port int) error {
	cfg := a.cfg
	if port == 0 {
		port = cfg.API.Port
	}

	var verifier api.TokenVerifier
	switch {
	case cfg.API.HMACSecret != "":
		verifier = identity.NewVerifier(cfg.API.HMACSecret, cfg.API.Issuer)
	case !cfg.Runtime.Dev:
		return errors.New("api.hmac_secret is required outside dev mode")
	default:
		a.logger.Warn().Msg("[DEV MODE] trusting X-User-ID; no token verification")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(Version, Commit)

	deps := api.Deps{
		Flows:     a.flows,
		Gate:      a.gate,
		Health:    a.backend,
		Verifier:  verifier,
		RateKey:   red.UserActionKey,
		RateLimit: cfg.API.RateLimit,
		Timeout:   cfg.API.Timeout,
		Dev:       cfg.Runtime.Dev,
		Messages:  i18n.Default(),
		Logger:    a.logger,
	}
	if a.limiter != nil {
		deps.Limiter = a.limiter
	}
	srv := api.NewServer(deps)

	sweeper := scheduler.NewScheduler(time.Minute, cfg.API.IdleFlowTTL, a.flows, a.logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, fmt.Sprintf(":%d", port))
	})
	g.Go(func() error {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				a.logger.Info().Int("active_flows", len(a.flows.Active())).Msg("bridge heartbeat")
			}
		}
	})
	return g.Wait()
}
