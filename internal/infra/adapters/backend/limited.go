package backend

import (
	"context"
	"io"

	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.Backend = (*limitedBackend)(nil)

// limitedBackend caps in-flight backend requests. A bridge serving many
// users polls once per active job; the cap keeps bursts off the backend.
type limitedBackend struct {
	inner adapter.Backend
	sem   chan struct{}
}

func NewLimitedBackend(inner adapter.Backend, maxConcurrent int) adapter.Backend {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedBackend{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedBackend) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *limitedBackend) release() { <-l.sem }

func (l *limitedBackend) CreateCheckoutSession(ctx context.Context, userID string, tier model.Tier) (*model.CheckoutSession, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.inner.CreateCheckoutSession(ctx, userID, tier)
}

func (l *limitedBackend) VerifyPayment(ctx context.Context, reference string) (*model.PaymentVerification, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.inner.VerifyPayment(ctx, reference)
}

func (l *limitedBackend) RequestRetryCredit(ctx context.Context, reference string) (*model.RetryCredit, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.inner.RequestRetryCredit(ctx, reference)
}

func (l *limitedBackend) PaymentHistory(ctx context.Context, userID string) ([]model.PaymentRecord, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.inner.PaymentHistory(ctx, userID)
}

func (l *limitedBackend) SubmitJob(ctx context.Context, sub model.Submission) (*model.Job, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.inner.SubmitJob(ctx, sub)
}

func (l *limitedBackend) JobStatus(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.inner.JobStatus(ctx, jobID)
}

// DownloadReport only limits the request itself; streaming the body does
// not hold a slot.
func (l *limitedBackend) DownloadReport(ctx context.Context, jobID string) (io.ReadCloser, model.ArtifactMeta, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, model.ArtifactMeta{JobID: jobID, Size: -1}, err
	}
	defer l.release()
	return l.inner.DownloadReport(ctx, jobID)
}

func (l *limitedBackend) PreviewReport(ctx context.Context, jobID string) (string, error) {
	if err := l.acquire(ctx); err != nil {
		return "", err
	}
	defer l.release()
	return l.inner.PreviewReport(ctx, jobID)
}

func (l *limitedBackend) MarkdownReport(ctx context.Context, jobID string) (string, error) {
	if err := l.acquire(ctx); err != nil {
		return "", err
	}
	defer l.release()
	return l.inner.MarkdownReport(ctx, jobID)
}

func (l *limitedBackend) Health(ctx context.Context) (*adapter.BackendHealth, error) {
	return l.inner.Health(ctx)
}
