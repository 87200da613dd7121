// File: internal/usecase/retry_policy.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/infra/logging"
	"consultation-client/internal/infra/metrics"
)

// Compile-time check
var _ RetryPolicy = (*retryPolicy)(nil)

type RetryPolicy interface {
	// CheckEligibility asks the backend whether the reference earned a free
	// retry. It fails closed: any error or other status means no.
	CheckEligibility(ctx context.Context, reference string) bool
	// Retry resubmits the retained submission once, if the last decision allows it.
	Retry(ctx context.Context) (*model.Job, error)
	CanRetry() bool
	// Restore reinstates a decision loaded from a persisted flow.
	Restore(reference string, allowed bool)
	Revoke()
}

type retryDecision struct {
	reference string
	allowed   bool
}

type retryPolicy struct {
	gate      PaymentGate
	submitter SubmissionCoordinator
	logger    *zerolog.Logger
	dev       bool

	mu       sync.Mutex
	decision retryDecision
}

func NewRetryPolicy(gate PaymentGate, submitter SubmissionCoordinator, logger *zerolog.Logger, dev bool) *retryPolicy {
	return &retryPolicy{gate: gate, submitter: submitter, logger: logger, dev: dev}
}

func (r *retryPolicy) CheckEligibility(ctx context.Context, reference string) bool {
	log := logging.With(ctx, r.logger)
	allowed := false
	v, err := r.gate.VerifySession(ctx, reference)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("retry eligibility check failed; denying retry")
	case v.Status == model.PaymentStatusPendingRetry:
		allowed = true
	}

	r.mu.Lock()
	r.decision = retryDecision{reference: reference, allowed: allowed}
	r.mu.Unlock()

	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	metrics.IncRetryDecision(decision)
	log.Info().
		Str("payment_id", logging.Redact(reference, r.dev)).
		Str("decision", decision).
		Msg("retry eligibility decided")
	return allowed
}

func (r *retryPolicy) Retry(ctx context.Context) (*model.Job, error) {
	log := logging.With(ctx, r.logger)
	sub, ok := r.submitter.Retained()
	if !ok {
		// The UI should never offer a retry without a retained submission.
		log.Error().Msg("retry requested with no retained submission")
		return nil, domain.ErrNoRetainedSubmission
	}

	r.mu.Lock()
	d := r.decision
	r.mu.Unlock()
	if !d.allowed || d.reference != sub.PaymentReference {
		return nil, fmt.Errorf("%w: payment %s", domain.ErrRetryNotAuthorized, logging.Redact(sub.PaymentReference, r.dev))
	}

	job, err := r.submitter.Resubmit(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentConsumed) || errors.Is(err, domain.ErrPaymentUnverified) {
			r.Revoke()
		}
		return nil, err
	}
	r.Revoke()
	log.Info().Str("job_id", job.ID).Msg("free retry submitted")
	return job, nil
}

func (r *retryPolicy) CanRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decision.allowed
}

func (r *retryPolicy) Restore(reference string, allowed bool) {
	r.mu.Lock()
	r.decision = retryDecision{reference: reference, allowed: allowed}
	r.mu.Unlock()
}

func (r *retryPolicy) Revoke() {
	r.mu.Lock()
	r.decision = retryDecision{}
	r.mu.Unlock()
}
