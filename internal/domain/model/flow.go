package model

import (
	"fmt"
	"strings"
	"time"

	"consultation-client/internal/domain"

	"github.com/oklog/ulid/v2"
)

// Flow is the single mutable record of one client session: the selected
// tier, the payment, the retained submission and the current job. It is
// changed only through the transition methods below and is safe to
// serialize at any point.
type Flow struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	Tier             Tier          `json:"tier,omitempty"`
	PaymentReference string        `json:"payment_id,omitempty"`
	PaymentStatus    PaymentStatus `json:"payment_status,omitempty"`

	// Retained after a successful submission so a retry needs no re-entry.
	Background         string `json:"background,omitempty"`
	SubmittedReference string `json:"submitted_payment_id,omitempty"`

	JobID         string    `json:"job_id,omitempty"`
	Status        JobStatus `json:"status"`
	Progress      int       `json:"progress"`
	Message       string    `json:"message,omitempty"`
	EstimatedTime string    `json:"estimated_time,omitempty"`
	JobError      string    `json:"job_error,omitempty"`
	LastSeq       uint64    `json:"last_seq,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`

	RetryChecked bool `json:"retry_checked"`
	CanRetry     bool `json:"can_retry"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewFlowID returns a sortable flow identifier.
func NewFlowID() string { return strings.ToLower(ulid.Make().String()) }

func NewFlow(userID string, now time.Time) *Flow {
	return &Flow{
		ID:        NewFlowID(),
		UserID:    userID,
		Status:    JobStatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (f *Flow) touch(now time.Time) {
	f.Version++
	f.UpdatedAt = now
}

func invalid(op string, s JobStatus) error {
	return fmt.Errorf("%w: %s while %s", domain.ErrInvalidTransition, op, s)
}

// Busy reports whether a job is queued or processing.
func (f *Flow) Busy() bool { return f.Status.Active() }

// Snapshot is the job-facing part of the record.
func (f *Flow) Snapshot() JobSnapshot {
	return JobSnapshot{
		JobID:       f.JobID,
		Status:      f.Status,
		Progress:    f.Progress,
		HasProgress: true,
		Message:     f.Message,
		Error:       f.JobError,
		Seq:         f.LastSeq,
	}
}

// SelectTier records the tier to pay for.
func (f *Flow) SelectTier(t Tier, now time.Time) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownTier, t)
	}
	f.Tier = t
	f.ErrorCode = domain.CodeNone
	f.touch(now)
	return nil
}

// BindPayment records a verified, usable payment reference for the next
// submission. The running job, if any, keeps its own reference.
func (f *Flow) BindPayment(ref string, status PaymentStatus, now time.Time) error {
	if ref == "" || !status.Usable() {
		return fmt.Errorf("%w: payment %q is %q", domain.ErrPaymentUnverified, ref, status)
	}
	f.PaymentReference = ref
	f.PaymentStatus = status
	f.ErrorCode = domain.CodeNone
	f.touch(now)
	return nil
}

// RejectPayment drops an unusable reference so the caller goes back to checkout.
func (f *Flow) RejectPayment(status PaymentStatus, code string, now time.Time) {
	f.PaymentReference = ""
	f.PaymentStatus = status
	f.ErrorCode = code
	f.touch(now)
}

// PaymentReady reports whether a verified reference is bound.
func (f *Flow) PaymentReady() bool {
	return f.PaymentReference != "" && f.PaymentStatus.Usable()
}

// StartJob binds a freshly created job. Progress restarts at zero; any
// previous job is abandoned.
func (f *Flow) StartJob(job Job, background, ref string, now time.Time) error {
	if job.ID == "" {
		return invalid("start job without id", f.Status)
	}
	if job.ID == f.JobID {
		return invalid("restart job "+job.ID, f.Status)
	}
	f.JobID = job.ID
	f.Status = JobStatusQueued
	f.Progress = 0
	f.Message = job.Message
	f.EstimatedTime = job.EstimatedTime
	f.JobError = ""
	f.LastSeq = 0
	f.Background = background
	f.SubmittedReference = ref
	f.PaymentReference = ref
	f.PaymentStatus = PaymentStatusConsumed
	f.ErrorCode = domain.CodeNone
	f.RetryChecked = false
	f.CanRetry = false
	f.touch(now)
	return nil
}

// Observe applies a polled snapshot with the monotonic merge rule. It
// returns false when the snapshot was stale or for another job.
func (f *Flow) Observe(s JobSnapshot, now time.Time) bool {
	if f.JobID == "" || s.JobID != f.JobID {
		return false
	}
	merged, ok := f.Snapshot().Advance(s)
	if !ok {
		return false
	}
	if merged.Status == f.Status && merged.Progress == f.Progress &&
		merged.Message == f.Message && merged.Error == f.JobError {
		f.LastSeq = merged.Seq
		return false
	}
	f.Status = merged.Status
	f.Progress = merged.Progress
	f.Message = merged.Message
	f.JobError = merged.Error
	f.LastSeq = merged.Seq
	if f.Status == JobStatusFailed {
		f.ErrorCode = domain.CodeJobFailed
	}
	f.touch(now)
	return true
}

// SetRetryDecision stores the single eligibility answer for a failed job.
func (f *Flow) SetRetryDecision(canRetry bool, now time.Time) error {
	if f.Status != JobStatusFailed {
		return invalid("retry decision", f.Status)
	}
	f.RetryChecked = true
	f.CanRetry = canRetry
	if canRetry && f.PaymentReference == f.SubmittedReference {
		f.PaymentStatus = PaymentStatusPendingRetry
	}
	f.touch(now)
	return nil
}

// Fail records a semantic error code without touching job state.
func (f *Flow) Fail(code string, now time.Time) {
	f.ErrorCode = code
	f.touch(now)
}

// Reset is the user's "start over": everything retained is discarded.
func (f *Flow) Reset(now time.Time) {
	*f = Flow{
		ID:        f.ID,
		UserID:    f.UserID,
		Status:    JobStatusIdle,
		Version:   f.Version,
		CreatedAt: f.CreatedAt,
	}
	f.touch(now)
}

// Acknowledge drops a completed job once its artifact has been received.
func (f *Flow) Acknowledge(now time.Time) error {
	if f.Status != JobStatusCompleted {
		return invalid("acknowledge", f.Status)
	}
	f.Reset(now)
	return nil
}
