package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/adapter"
)

var _ adapter.Backend = (*MemoryBackend)(nil)

// MemoryBackend is an in-process stand-in for the report service, used by
// tests and by --dev runs. Jobs advance one step per status request.
type MemoryBackend struct {
	mu  sync.Mutex
	seq int64

	payments map[string]*memPayment // reference -> payment
	jobs     map[string]*memJob
	calls    map[string]int

	// AutoPay marks checkout payments paid as soon as the session is created.
	AutoPay bool
	// AutoRetryCredit moves a failed job's payment to pending_retry, which the
	// real service does through its refund route.
	AutoRetryCredit bool
	// Step is the progress added per status request (default 25).
	Step int

	failNext string
}

type memPayment struct {
	userID    string
	tier      model.Tier
	amount    float64
	status    model.PaymentStatus
	jobID     string
	createdAt time.Time
}

type memJob struct {
	id         string
	userID     string
	paymentRef string
	background string
	status     model.JobStatus
	progress   int
	failWith   string
	failAt     int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		payments: make(map[string]*memPayment),
		jobs:     make(map[string]*memJob),
		calls:    make(map[string]int),
		Step:     25,
	}
}

func (m *MemoryBackend) next(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_%d", prefix, m.seq)
}

func (m *MemoryBackend) record(op string) { m.calls[op]++ }

// Calls returns how many times op was invoked (e.g. "SubmitJob").
func (m *MemoryBackend) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// AddPayment seeds a payment as if the processor webhook had recorded it.
func (m *MemoryBackend) AddPayment(ref, userID string, status model.PaymentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[ref] = &memPayment{userID: userID, tier: model.TierBasic, amount: 6, status: status, createdAt: time.Now()}
}

// SetPaymentStatus overrides a payment's status; unknown references are ignored.
func (m *MemoryBackend) SetPaymentStatus(ref string, status model.PaymentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[ref]; ok {
		p.status = status
	}
}

func (m *MemoryBackend) PaymentStatus(ref string) model.PaymentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[ref]; ok {
		return p.status
	}
	return model.PaymentStatusUnknown
}

// FailNextJob makes the next submitted job fail with msg once it is processing.
func (m *MemoryBackend) FailNextJob(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = msg
}

func (m *MemoryBackend) CreateCheckoutSession(ctx context.Context, userID string, tier model.Tier) (*model.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateCheckoutSession")
	info, ok := model.LookupTier(tier)
	if !ok || userID == "" {
		return nil, &domain.BackendError{Op: "create checkout session", StatusCode: 422, Detail: "invalid tier or user"}
	}
	session := m.next("cs")
	ref := m.next("pay")
	status := model.PaymentStatusPending
	if m.AutoPay {
		status = model.PaymentStatusPaid
	}
	m.payments[ref] = &memPayment{
		userID:    userID,
		tier:      tier,
		amount:    float64(info.PriceCents) / 100,
		status:    status,
		createdAt: time.Now(),
	}
	return &model.CheckoutSession{
		CheckoutURL: "https://checkout.invalid/" + session + "?payment_id=" + ref,
		SessionID:   session,
	}, nil
}

func (m *MemoryBackend) VerifyPayment(ctx context.Context, reference string) (*model.PaymentVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("VerifyPayment")
	p, ok := m.payments[reference]
	if !ok {
		return &model.PaymentVerification{Reference: reference, Valid: false, Reason: "Payment not found"}, nil
	}
	v := &model.PaymentVerification{Reference: reference, Valid: p.status.Usable(), Status: p.status, UserID: p.userID}
	if !v.Valid {
		v.Reason = "Payment already " + string(p.status)
	}
	return v, nil
}

func (m *MemoryBackend) RequestRetryCredit(ctx context.Context, reference string) (*model.RetryCredit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RequestRetryCredit")
	p, ok := m.payments[reference]
	if !ok {
		return nil, &domain.BackendError{Op: "request retry credit", StatusCode: 404, Detail: "Payment not found"}
	}
	job := m.jobs[p.jobID]
	if p.status != model.PaymentStatusConsumed || job == nil || job.status != model.JobStatusFailed {
		return nil, &domain.BackendError{Op: "request retry credit", StatusCode: 400, Detail: "Cannot refund payment with status " + string(p.status)}
	}
	p.status = model.PaymentStatusPendingRetry
	return &model.RetryCredit{Reference: reference, RefundIssued: true, Status: "success"}, nil
}

func (m *MemoryBackend) PaymentHistory(ctx context.Context, userID string) ([]model.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PaymentHistory")
	var out []model.PaymentRecord
	for ref, p := range m.payments {
		if p.userID != userID {
			continue
		}
		out = append(out, model.PaymentRecord{Reference: ref, Amount: p.amount, Status: p.status, JobID: p.jobID, CreatedAt: p.createdAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryBackend) SubmitJob(ctx context.Context, sub model.Submission) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SubmitJob")
	const op = "submit job"
	p, ok := m.payments[sub.PaymentReference]
	if !ok {
		return nil, &domain.BackendError{Op: op, StatusCode: 402, Detail: "Payment not found. Please complete payment first."}
	}
	if p.userID != sub.UserID {
		return nil, &domain.BackendError{Op: op, StatusCode: 403, Detail: "Payment does not belong to this user"}
	}
	if !p.status.Usable() {
		code := 402
		if p.status == model.PaymentStatusPending {
			code = 403
		}
		return nil, &domain.BackendError{Op: op, StatusCode: code, Detail: fmt.Sprintf("Payment already %s. Please make a new payment.", p.status)}
	}
	job := &memJob{
		id:         m.next("job"),
		userID:     sub.UserID,
		paymentRef: sub.PaymentReference,
		background: sub.Background,
		status:     model.JobStatusQueued,
	}
	if m.failNext != "" {
		job.failWith, job.failAt = m.failNext, 50
		m.failNext = ""
	}
	m.jobs[job.id] = job
	p.status = model.PaymentStatusConsumed
	p.jobID = job.id
	return &model.Job{ID: job.id, Status: model.JobStatusQueued, EstimatedTime: "10-15 minutes"}, nil
}

func (m *MemoryBackend) JobStatus(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("JobStatus")
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, &domain.BackendError{Op: "job status", StatusCode: 404, Detail: "Job " + jobID + " not found"}
	}
	m.advance(j)
	snap := &model.JobSnapshot{
		JobID:       j.id,
		Status:      j.status,
		Progress:    j.progress,
		HasProgress: true,
		ObservedAt:  time.Now(),
	}
	if j.status == model.JobStatusFailed {
		snap.Error = j.failWith
	}
	return snap, nil
}

func (m *MemoryBackend) advance(j *memJob) {
	switch j.status {
	case model.JobStatusQueued:
		j.status = model.JobStatusProcessing
	case model.JobStatusProcessing:
		step := m.Step
		if step <= 0 {
			step = 25
		}
		j.progress += step
		if j.failWith != "" && j.progress >= j.failAt {
			j.status = model.JobStatusFailed
			if m.AutoRetryCredit {
				if p, ok := m.payments[j.paymentRef]; ok && p.jobID == j.id {
					p.status = model.PaymentStatusPendingRetry
				}
			}
			return
		}
		if j.progress >= 100 {
			j.progress = 100
			j.status = model.JobStatusCompleted
		}
	}
}

// ReportBytes is the artifact served for a completed job. It deliberately
// contains non-UTF-8 bytes so encoding bugs show up.
func ReportBytes(jobID string) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n%")
	b.Write([]byte{0xe2, 0xe3, 0xcf, 0xd3, 0x00, 0xff, 0x0a})
	b.WriteString("% report " + jobID + "\n%%EOF\n")
	return b.Bytes()
}

func (m *MemoryBackend) completedJob(op, jobID string) (*memJob, error) {
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, &domain.BackendError{Op: op, StatusCode: 404, Detail: "Job not found"}
	}
	if j.status != model.JobStatusCompleted {
		return nil, &domain.BackendError{Op: op, StatusCode: 400, Detail: "Report not ready yet. Current status: " + string(j.status)}
	}
	return j, nil
}

func (m *MemoryBackend) DownloadReport(ctx context.Context, jobID string) (io.ReadCloser, model.ArtifactMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DownloadReport")
	meta := model.ArtifactMeta{JobID: jobID, Size: -1}
	if _, err := m.completedJob("download report", jobID); err != nil {
		return nil, meta, err
	}
	data := ReportBytes(jobID)
	meta.Filename = filenameFrom("", jobID)
	meta.ContentType = "application/pdf"
	meta.Size = int64(len(data))
	return io.NopCloser(bytes.NewReader(data)), meta, nil
}

func (m *MemoryBackend) PreviewReport(ctx context.Context, jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PreviewReport")
	if _, err := m.completedJob("preview report", jobID); err != nil {
		return "", err
	}
	return "<html><body><h1>Report " + jobID + "</h1></body></html>", nil
}

func (m *MemoryBackend) MarkdownReport(ctx context.Context, jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MarkdownReport")
	j, err := m.completedJob("markdown report", jobID)
	if err != nil {
		return "", err
	}
	return "# Report " + j.id + "\n\n" + j.background + "\n", nil
}

func (m *MemoryBackend) Health(ctx context.Context) (*adapter.BackendHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Health")
	q := map[string]int{}
	for _, j := range m.jobs {
		q[string(j.status)]++
	}
	return &adapter.BackendHealth{Status: "healthy", Redis: "memory", Queue: q}, nil
}
