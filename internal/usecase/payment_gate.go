// File: internal/usecase/payment_gate.go
package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/adapter"
	"consultation-client/internal/infra/logging"
	"consultation-client/internal/infra/metrics"
)

// Compile-time check
var _ PaymentGate = (*paymentGate)(nil)

type PaymentGate interface {
	Tiers() []model.TierInfo
	// CreateSession opens a hosted checkout. Nothing is paid until the user
	// completes it at CheckoutURL.
	CreateSession(ctx context.Context, userID string, tier model.Tier) (*model.CheckoutSession, error)
	// VerifySession asks the backend about a reference. Valid=false is a
	// normal answer; only transport or backend faults are errors.
	VerifySession(ctx context.Context, reference string) (*model.PaymentVerification, error)
	// RequestRetryCredit moves a failed job's payment to pending_retry.
	RequestRetryCredit(ctx context.Context, reference string) (*model.RetryCredit, error)
	History(ctx context.Context, userID string) ([]model.PaymentRecord, error)
}

type paymentGate struct {
	backend adapter.PaymentBackend
	logger  *zerolog.Logger
	dev     bool

	verify singleflight.Group
}

func NewPaymentGate(backend adapter.PaymentBackend, logger *zerolog.Logger, dev bool) *paymentGate {
	return &paymentGate{backend: backend, logger: logger, dev: dev}
}

func (g *paymentGate) Tiers() []model.TierInfo { return model.Tiers() }

func (g *paymentGate) CreateSession(ctx context.Context, userID string, tier model.Tier) (*model.CheckoutSession, error) {
	log := logging.With(ctx, g.logger)
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrSessionCreation)
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %w: %q", domain.ErrSessionCreation, domain.ErrUnknownTier, tier)
	}

	sess, err := g.backend.CreateCheckoutSession(ctx, userID, tier)
	metrics.IncCheckout(string(tier), err)
	if err != nil {
		log.Warn().Err(err).Str("tier", string(tier)).Msg("checkout session rejected")
		return nil, fmt.Errorf("%w: %w", domain.ErrSessionCreation, err)
	}
	log.Info().Str("tier", string(tier)).Str("session_id", sess.SessionID).Msg("checkout session created")
	return sess, nil
}

func (g *paymentGate) VerifySession(ctx context.Context, reference string) (*model.PaymentVerification, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return &model.PaymentVerification{Valid: false, Reason: "empty payment reference"}, nil
	}
	log := logging.With(ctx, g.logger)

	// Concurrent confirmations of the same return URL share one request.
	v, err, shared := g.verify.Do(reference, func() (any, error) {
		return g.backend.VerifyPayment(ctx, reference)
	})
	if err != nil {
		metrics.IncPaymentVerify(false, err)
		log.Warn().Err(err).Str("payment_id", logging.Redact(reference, g.dev)).Msg("payment verification failed")
		return nil, fmt.Errorf("%w: %w", domain.ErrVerification, err)
	}
	out := *v.(*model.PaymentVerification)
	if !shared {
		metrics.IncPaymentVerify(out.Valid, nil)
	}
	log.Debug().
		Str("payment_id", logging.Redact(reference, g.dev)).
		Bool("valid", out.Valid).
		Str("status", string(out.Status)).
		Msg("payment verified")
	return &out, nil
}

func (g *paymentGate) RequestRetryCredit(ctx context.Context, reference string) (*model.RetryCredit, error) {
	credit, err := g.backend.RequestRetryCredit(ctx, reference)
	if err != nil {
		return nil, err
	}
	logging.With(ctx, g.logger).Info().
		Str("payment_id", logging.Redact(reference, g.dev)).
		Bool("refund_issued", credit.RefundIssued).
		Msg("retry credit requested")
	return credit, nil
}

func (g *paymentGate) History(ctx context.Context, userID string) ([]model.PaymentRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrValidation)
	}
	return g.backend.PaymentHistory(ctx, userID)
}
