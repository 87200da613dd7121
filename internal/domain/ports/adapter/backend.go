package adapter

import (
	"context"
	"io"

	"consultation-client/internal/domain/model"
)

// PaymentBackend is the port for the backend's payment routes. The payment
// processor itself is never called directly; the backend fronts it.
type PaymentBackend interface {
	// CreateCheckoutSession opens a hosted checkout for the tier. The tier is sent verbatim.
	CreateCheckoutSession(ctx context.Context, userID string, tier model.Tier) (*model.CheckoutSession, error)
	// VerifyPayment is idempotent. An unknown or spent reference is Valid=false, not an error.
	VerifyPayment(ctx context.Context, reference string) (*model.PaymentVerification, error)
	// RequestRetryCredit asks the backend to refund a failed job's payment and
	// mark it pending_retry.
	RequestRetryCredit(ctx context.Context, reference string) (*model.RetryCredit, error)
	PaymentHistory(ctx context.Context, userID string) ([]model.PaymentRecord, error)
}

// JobBackend is the port for job submission, status and results.
type JobBackend interface {
	SubmitJob(ctx context.Context, sub model.Submission) (*model.Job, error)
	JobStatus(ctx context.Context, jobID string) (*model.JobSnapshot, error)
	// DownloadReport returns the raw artifact stream; the caller closes it.
	DownloadReport(ctx context.Context, jobID string) (io.ReadCloser, model.ArtifactMeta, error)
	PreviewReport(ctx context.Context, jobID string) (string, error)
	MarkdownReport(ctx context.Context, jobID string) (string, error)
}

// BackendHealth is the backend's self-reported state.
type BackendHealth struct {
	Status string         `json:"status"`
	Redis  string         `json:"redis,omitempty"`
	Queue  map[string]int `json:"queue,omitempty"`
}

// Backend is the full report-generation service.
type Backend interface {
	PaymentBackend
	JobBackend
	Health(ctx context.Context) (*BackendHealth, error)
}
