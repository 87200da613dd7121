//go:build !integration

package usecase_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/adapter"
	"consultation-client/internal/infra/adapters/backend"
	"consultation-client/internal/infra/memory"
	"consultation-client/internal/usecase"
)

func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// ---- Mock Backend (adapter) ----

// MockBackend lets each test script the calls it cares about. Unscripted
// calls return a 500 BackendError so accidental traffic is visible.
type MockBackend struct {
	mu    sync.Mutex
	calls map[string]int
	jobs  map[string]int // JobStatus calls per job id

	CreateCheckoutSessionFunc func(ctx context.Context, userID string, tier model.Tier) (*model.CheckoutSession, error)
	VerifyPaymentFunc         func(ctx context.Context, reference string) (*model.PaymentVerification, error)
	RequestRetryCreditFunc    func(ctx context.Context, reference string) (*model.RetryCredit, error)
	PaymentHistoryFunc        func(ctx context.Context, userID string) ([]model.PaymentRecord, error)
	SubmitJobFunc             func(ctx context.Context, sub model.Submission) (*model.Job, error)
	JobStatusFunc             func(ctx context.Context, jobID string) (*model.JobSnapshot, error)
	DownloadReportFunc        func(ctx context.Context, jobID string) (io.ReadCloser, model.ArtifactMeta, error)
	PreviewReportFunc         func(ctx context.Context, jobID string) (string, error)
	MarkdownReportFunc        func(ctx context.Context, jobID string) (string, error)
}

var _ adapter.Backend = (*MockBackend)(nil)

func (m *MockBackend) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	m.calls[op]++
}

func (m *MockBackend) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockBackend) StatusCalls(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID]
}

func unscripted(op string) error {
	return &domain.BackendError{Op: op, StatusCode: 500, Detail: "unscripted call"}
}

func (m *MockBackend) CreateCheckoutSession(ctx context.Context, userID string, tier model.Tier) (*model.CheckoutSession, error) {
	m.record("CreateCheckoutSession")
	if m.CreateCheckoutSessionFunc != nil {
		return m.CreateCheckoutSessionFunc(ctx, userID, tier)
	}
	return nil, unscripted("create checkout session")
}

func (m *MockBackend) VerifyPayment(ctx context.Context, reference string) (*model.PaymentVerification, error) {
	m.record("VerifyPayment")
	if m.VerifyPaymentFunc != nil {
		return m.VerifyPaymentFunc(ctx, reference)
	}
	return nil, unscripted("verify payment")
}

func (m *MockBackend) RequestRetryCredit(ctx context.Context, reference string) (*model.RetryCredit, error) {
	m.record("RequestRetryCredit")
	if m.RequestRetryCreditFunc != nil {
		return m.RequestRetryCreditFunc(ctx, reference)
	}
	return nil, unscripted("request retry credit")
}

func (m *MockBackend) PaymentHistory(ctx context.Context, userID string) ([]model.PaymentRecord, error) {
	m.record("PaymentHistory")
	if m.PaymentHistoryFunc != nil {
		return m.PaymentHistoryFunc(ctx, userID)
	}
	return nil, unscripted("payment history")
}

func (m *MockBackend) SubmitJob(ctx context.Context, sub model.Submission) (*model.Job, error) {
	m.record("SubmitJob")
	if m.SubmitJobFunc != nil {
		return m.SubmitJobFunc(ctx, sub)
	}
	return nil, unscripted("submit job")
}

func (m *MockBackend) JobStatus(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	m.record("JobStatus")
	m.mu.Lock()
	if m.jobs == nil {
		m.jobs = map[string]int{}
	}
	m.jobs[jobID]++
	m.mu.Unlock()
	if m.JobStatusFunc != nil {
		return m.JobStatusFunc(ctx, jobID)
	}
	return nil, unscripted("job status")
}

func (m *MockBackend) DownloadReport(ctx context.Context, jobID string) (io.ReadCloser, model.ArtifactMeta, error) {
	m.record("DownloadReport")
	if m.DownloadReportFunc != nil {
		return m.DownloadReportFunc(ctx, jobID)
	}
	return nil, model.ArtifactMeta{}, unscripted("download report")
}

func (m *MockBackend) PreviewReport(ctx context.Context, jobID string) (string, error) {
	m.record("PreviewReport")
	if m.PreviewReportFunc != nil {
		return m.PreviewReportFunc(ctx, jobID)
	}
	return "", unscripted("preview report")
}

func (m *MockBackend) MarkdownReport(ctx context.Context, jobID string) (string, error) {
	m.record("MarkdownReport")
	if m.MarkdownReportFunc != nil {
		return m.MarkdownReportFunc(ctx, jobID)
	}
	return "", unscripted("markdown report")
}

func (m *MockBackend) Health(ctx context.Context) (*adapter.BackendHealth, error) {
	m.record("Health")
	return &adapter.BackendHealth{Status: "healthy"}, nil
}

// scriptedStatus returns the snapshots in order, repeating the last one.
func scriptedStatus(snaps ...model.JobSnapshot) func(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		s := snaps[i]
		if i < len(snaps)-1 {
			i++
		}
		s.JobID = jobID
		s.HasProgress = true
		return &s, nil
	}
}

func verified(status model.PaymentStatus) func(ctx context.Context, ref string) (*model.PaymentVerification, error) {
	return func(ctx context.Context, ref string) (*model.PaymentVerification, error) {
		return &model.PaymentVerification{Reference: ref, Valid: status.Usable(), Status: status}, nil
	}
}

func body(b []byte) io.ReadCloser { return io.NopCloser(bytes.NewReader(b)) }

// ---- Flow wiring helpers ----

// countingBackend wraps the in-memory backend and counts status requests per job.
type countingBackend struct {
	*backend.MemoryBackend
	mu   sync.Mutex
	jobs map[string]int
}

func newCountingBackend() *countingBackend {
	b := backend.NewMemoryBackend()
	b.AutoPay = true
	return &countingBackend{MemoryBackend: b, jobs: map[string]int{}}
}

func (c *countingBackend) JobStatus(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	c.mu.Lock()
	c.jobs[jobID]++
	c.mu.Unlock()
	return c.MemoryBackend.JobStatus(ctx, jobID)
}

func (c *countingBackend) StatusCalls(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[jobID]
}

const testPoll = 5 * time.Millisecond

func testSettings() usecase.FlowSettings {
	return usecase.FlowSettings{
		MinBackgroundLength: model.DefaultMinBackgroundLength,
		PollInterval:        testPoll,
		PollRequestTimeout:  time.Second,
		RetryCheckTimeout:   time.Second,
	}
}

func newFlowDeps(b adapter.Backend, repo *memory.FlowRepo, settings usecase.FlowSettings) usecase.FlowDeps {
	logger := newTestLogger()
	return usecase.FlowDeps{
		Gate:      usecase.NewPaymentGate(b, logger, false),
		Jobs:      b,
		Artifacts: usecase.NewArtifactRetriever(b, time.Second, logger),
		Repo:      repo,
		Logger:    logger,
		Settings:  settings,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
