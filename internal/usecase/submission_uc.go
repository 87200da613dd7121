// File: internal/usecase/submission_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/adapter"
	"consultation-client/internal/infra/logging"
	"consultation-client/internal/infra/metrics"
)

// Compile-time check
var _ SubmissionCoordinator = (*submissionUC)(nil)

type SubmissionCoordinator interface {
	// Submit validates locally, then binds background to the payment reference.
	Submit(ctx context.Context, userID, background, reference string) (*model.Job, error)
	// Resubmit sends the retained submission again. Used for the free retry.
	Resubmit(ctx context.Context) (*model.Job, error)
	Retained() (model.Submission, bool)
	// Restore reloads a retained submission, e.g. from a persisted flow.
	Restore(sub model.Submission)
	Forget()
}

type submissionUC struct {
	jobs   adapter.JobBackend
	logger *zerolog.Logger
	minLen int
	dev    bool

	mu       sync.Mutex
	retained model.Submission
}

func NewSubmissionCoordinator(jobs adapter.JobBackend, minBackgroundLength int, logger *zerolog.Logger, dev bool) *submissionUC {
	if minBackgroundLength <= 0 {
		minBackgroundLength = model.DefaultMinBackgroundLength
	}
	return &submissionUC{jobs: jobs, logger: logger, minLen: minBackgroundLength, dev: dev}
}

func (s *submissionUC) Submit(ctx context.Context, userID, background, reference string) (*model.Job, error) {
	if err := model.ValidateBackground(background, s.minLen); err != nil {
		metrics.IncSubmission(domain.CodeValidation)
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		metrics.IncSubmission(domain.CodeValidation)
		return nil, fmt.Errorf("%w: empty user id", domain.ErrValidation)
	}
	if strings.TrimSpace(reference) == "" {
		metrics.IncSubmission(domain.CodePaymentUnverified)
		return nil, fmt.Errorf("%w: no payment reference", domain.ErrPaymentUnverified)
	}
	return s.send(ctx, model.Submission{UserID: userID, Background: background, PaymentReference: reference})
}

func (s *submissionUC) Resubmit(ctx context.Context) (*model.Job, error) {
	sub, ok := s.Retained()
	if !ok {
		return nil, domain.ErrNoRetainedSubmission
	}
	return s.send(ctx, sub)
}

func (s *submissionUC) send(ctx context.Context, sub model.Submission) (*model.Job, error) {
	log := logging.With(ctx, s.logger)
	defer logging.TraceDuration(log, "SubmissionCoordinator.send")()

	job, err := s.jobs.SubmitJob(ctx, sub)
	if err != nil {
		err = classifySubmitError(err)
		metrics.IncSubmission(domain.Code(err))
		log.Warn().Err(err).
			Str("payment_id", logging.Redact(sub.PaymentReference, s.dev)).
			Msg("submission rejected")
		return nil, err
	}
	metrics.IncSubmission(domain.CodeNone)

	s.mu.Lock()
	s.retained = sub
	s.mu.Unlock()

	log.Info().
		Str("job_id", job.ID).
		Str("payment_id", logging.Redact(sub.PaymentReference, s.dev)).
		Int("background_len", len(sub.Background)).
		Msg("job submitted")
	return job, nil
}

// classifySubmitError maps the backend's answer onto the submission taxonomy:
// 402 means the reference is missing or spent, 403 that it is not verified
// for this user; everything else may be retried with the same arguments.
func classifySubmitError(err error) error {
	switch domain.StatusOf(err) {
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %w", domain.ErrPaymentConsumed, err)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %w", domain.ErrPaymentUnverified, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrSubmission, err)
}

func (s *submissionUC) Retained() (model.Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retained, !s.retained.Empty()
}

func (s *submissionUC) Restore(sub model.Submission) {
	s.mu.Lock()
	s.retained = sub
	s.mu.Unlock()
}

func (s *submissionUC) Forget() {
	s.mu.Lock()
	s.retained = model.Submission{}
	s.mu.Unlock()
}
