// File: internal/usecase/flow_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/adapter"
	"consultation-client/internal/domain/ports/repository"
	"consultation-client/internal/infra/logging"
)

// Compile-time check
var _ FlowController = (*flowController)(nil)

// FlowController drives one client session from tier selection to download.
// Operations are serialized; at most one job is polled at a time.
type FlowController interface {
	Snapshot() model.Flow
	SelectTier(ctx context.Context, tier model.Tier) (model.Flow, error)
	Checkout(ctx context.Context) (*model.CheckoutSession, error)
	// ConfirmPayment accepts a bare reference or the processor's return URL.
	ConfirmPayment(ctx context.Context, refOrURL string) (model.Flow, error)
	Submit(ctx context.Context, background string) (model.Flow, error)
	SubmitProfile(ctx context.Context, profile model.BackgroundProfile) (model.Flow, error)
	Retry(ctx context.Context) (model.Flow, error)
	Reset(ctx context.Context) (model.Flow, error)
	Download(ctx context.Context, w io.Writer) (*model.ArtifactMeta, error)
	Fetch(ctx context.Context) (*model.Artifact, error)
	Preview(ctx context.Context) (string, error)
	Acknowledge(ctx context.Context) (model.Flow, error)
	// Wait blocks until the current job is terminal (and its retry decision
	// stored) or ctx ends.
	Wait(ctx context.Context) (model.Flow, error)
	// Subscribe delivers the latest record after each change. Slow readers
	// only ever see the newest state.
	Subscribe() (<-chan model.Flow, func())
	Close()
}

// FlowSettings are the tunables a controller needs.
type FlowSettings struct {
	MinBackgroundLength    int
	PollInterval           time.Duration
	PollRequestTimeout     time.Duration
	RequestCreditOnFailure bool
	RetryCheckTimeout      time.Duration
	Dev                    bool
}

// FlowDeps are shared by every controller a manager creates.
type FlowDeps struct {
	Gate      PaymentGate
	Jobs      adapter.JobBackend
	Artifacts ArtifactRetriever
	Repo      repository.FlowRepository
	Logger    *zerolog.Logger
	Settings  FlowSettings
	Now       func() time.Time
}

const persistTimeout = 5 * time.Second

type flowController struct {
	deps      FlowDeps
	submitter *submissionUC
	retry     *retryPolicy
	poller    StatusPoller
	logger    *zerolog.Logger

	base       context.Context
	baseCancel context.CancelFunc

	opMu sync.Mutex // serializes user operations

	mu         sync.Mutex // guards everything below
	rec        model.Flow
	gen        uint64
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	subs       map[int]chan model.Flow
	nextSub    int
	closed     bool
	// unloaded is set when the stored record could not be read; saves
	// wait until the store confirms there is nothing to overwrite.
	unloaded bool
}

// NewFlowController wraps rec. A persisted record is resumed: the retained
// submission and retry decision are restored and an active job is polled again.
func NewFlowController(rec *model.Flow, deps FlowDeps) *flowController {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := deps.Settings
	base, cancel := context.WithCancel(context.Background())
	base = logging.WithFlowID(logging.WithUserID(base, rec.UserID), rec.ID)

	f := &flowController{
		deps:       deps,
		submitter:  NewSubmissionCoordinator(deps.Jobs, s.MinBackgroundLength, deps.Logger, s.Dev),
		poller:     NewStatusPoller(deps.Jobs, s.PollInterval, s.PollRequestTimeout, deps.Logger),
		logger:     logging.With(base, deps.Logger),
		base:       base,
		baseCancel: cancel,
		rec:        *rec,
		subs:       make(map[int]chan model.Flow),
	}
	f.retry = NewRetryPolicy(deps.Gate, f.submitter, deps.Logger, s.Dev)

	if rec.Background != "" && rec.SubmittedReference != "" {
		f.submitter.Restore(model.Submission{
			UserID:           rec.UserID,
			Background:       rec.Background,
			PaymentReference: rec.SubmittedReference,
		})
	}
	if rec.RetryChecked {
		f.retry.Restore(rec.SubmittedReference, rec.CanRetry)
	}

	f.mu.Lock()
	// A failed job without a stored decision still owes its eligibility check.
	if rec.Busy() || (rec.Status == model.JobStatusFailed && !rec.RetryChecked) {
		f.startPollingLocked(rec.Snapshot())
	}
	f.mu.Unlock()
	return f
}

func (f *flowController) Snapshot() model.Flow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec
}

func (f *flowController) opContext(ctx context.Context) context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctx = logging.WithUserID(ctx, f.rec.UserID)
	return logging.WithFlowID(ctx, f.rec.ID)
}

// update applies fn to the record, then persists and broadcasts it.
func (f *flowController) update(fn func(r *model.Flow) error) (model.Flow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := fn(&f.rec)
	f.commitLocked()
	return f.rec, err
}

func (f *flowController) commitLocked() {
	if f.deps.Repo != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(f.base), persistTimeout)
		if f.persistableLocked(ctx) {
			cp := f.rec
			if err := f.deps.Repo.Save(ctx, &cp); err != nil {
				f.logger.Error().Err(err).Int64("version", f.rec.Version).Msg("persist flow failed")
			}
		}
		cancel()
	}
	for _, ch := range f.subs {
		select {
		case ch <- f.rec:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- f.rec
		}
	}
}

// deferPersistence holds back saves until the store is readable again.
func (f *flowController) deferPersistence() {
	f.mu.Lock()
	f.unloaded = true
	f.mu.Unlock()
}

func (f *flowController) persistableLocked(ctx context.Context) bool {
	if !f.unloaded {
		return true
	}
	stored, err := f.deps.Repo.Get(ctx, f.rec.UserID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		f.unloaded = false
		return true
	case err != nil:
		f.logger.Warn().Err(err).Msg("store still unreadable; flow not persisted")
	default:
		f.logger.Warn().
			Str("stored_flow_id", stored.ID).
			Str("stored_status", string(stored.Status)).
			Msg("stored flow not loaded; flow not persisted")
	}
	return false
}

func (f *flowController) fail(err error) (model.Flow, error) {
	code := domain.Code(err)
	out, _ := f.update(func(r *model.Flow) error {
		r.Fail(code, f.deps.Now())
		return nil
	})
	return out, err
}

func (f *flowController) SelectTier(ctx context.Context, tier model.Tier) (model.Flow, error) {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	return f.update(func(r *model.Flow) error { return r.SelectTier(tier, f.deps.Now()) })
}

func (f *flowController) Checkout(ctx context.Context) (*model.CheckoutSession, error) {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	ctx = f.opContext(ctx)

	rec := f.Snapshot()
	if rec.Tier == "" {
		_, err := f.fail(fmt.Errorf("%w: no tier selected", domain.ErrUnknownTier))
		return nil, err
	}
	sess, err := f.deps.Gate.CreateSession(ctx, rec.UserID, rec.Tier)
	if err != nil {
		_, err = f.fail(err)
		return nil, err
	}
	return sess, nil
}

func (f *flowController) ConfirmPayment(ctx context.Context, refOrURL string) (model.Flow, error) {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	return f.confirmLocked(f.opContext(ctx), refOrURL)
}

func (f *flowController) confirmLocked(ctx context.Context, refOrURL string) (model.Flow, error) {
	ref, cancelled, err := model.ParseCheckoutReturn(refOrURL)
	switch {
	case cancelled:
		return f.fail(fmt.Errorf("%w: checkout cancelled", domain.ErrPaymentUnverified))
	case err != nil:
		return f.fail(fmt.Errorf("%w: %w", domain.ErrPaymentUnverified, err))
	}

	v, err := f.deps.Gate.VerifySession(ctx, ref)
	if err != nil {
		return f.fail(err)
	}
	userID := f.Snapshot().UserID
	if !v.Valid || (v.UserID != "" && v.UserID != userID) {
		reject := fmt.Errorf("%w: payment %s is %q", domain.ErrPaymentUnverified, logging.Redact(ref, f.deps.Settings.Dev), v.Status)
		if v.Valid {
			reject = fmt.Errorf("%w: payment belongs to another user", domain.ErrPaymentUnverified)
		} else if v.Status == model.PaymentStatusConsumed || v.Status == model.PaymentStatusRefunded || v.Reason == "Payment not found" {
			reject = fmt.Errorf("%w: %s", domain.ErrPaymentConsumed, v.Reason)
		}
		out, _ := f.update(func(r *model.Flow) error {
			r.RejectPayment(v.Status, domain.Code(reject), f.deps.Now())
			return nil
		})
		return out, reject
	}
	return f.update(func(r *model.Flow) error { return r.BindPayment(ref, v.Status, f.deps.Now()) })
}

func (f *flowController) SubmitProfile(ctx context.Context, profile model.BackgroundProfile) (model.Flow, error) {
	return f.Submit(ctx, profile.Compose())
}

func (f *flowController) Submit(ctx context.Context, background string) (model.Flow, error) {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	ctx = f.opContext(ctx)
	log := logging.With(ctx, f.deps.Logger)

	if err := model.ValidateBackground(background, f.deps.Settings.MinBackgroundLength); err != nil {
		return f.fail(err)
	}
	rec := f.Snapshot()
	if rec.PaymentReference != "" && spent(rec.PaymentStatus) {
		err := fmt.Errorf("%w: payment already %s", domain.ErrPaymentConsumed, rec.PaymentStatus)
		out, _ := f.update(func(r *model.Flow) error {
			r.RejectPayment(r.PaymentStatus, domain.Code(err), f.deps.Now())
			return nil
		})
		return out, err
	}
	if !rec.PaymentReady() {
		return f.fail(fmt.Errorf("%w: no verified payment bound", domain.ErrPaymentUnverified))
	}

	// The previous job, if any, is abandoned: its poller must be gone
	// before the new job exists.
	wasBusy := f.stopPolling()
	job, err := f.submitter.Submit(ctx, rec.UserID, background, rec.PaymentReference)
	if err != nil {
		out, _ := f.update(func(r *model.Flow) error {
			if errors.Is(err, domain.ErrPaymentConsumed) {
				r.RejectPayment(model.PaymentStatusConsumed, domain.Code(err), f.deps.Now())
			} else {
				r.Fail(domain.Code(err), f.deps.Now())
			}
			if wasBusy && r.Busy() {
				f.startPollingLocked(r.Snapshot())
			}
			return nil
		})
		return out, err
	}
	f.retry.Revoke()
	log.Info().Str("job_id", job.ID).Bool("abandoned_previous", wasBusy).Msg("flow job started")
	return f.start(*job, background, rec.PaymentReference)
}

func (f *flowController) Retry(ctx context.Context) (model.Flow, error) {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	ctx = f.opContext(ctx)

	if rec := f.Snapshot(); rec.Status != model.JobStatusFailed {
		return rec, fmt.Errorf("%w: retry while %s", domain.ErrInvalidTransition, rec.Status)
	}
	f.stopPolling()
	job, err := f.retry.Retry(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrPaymentConsumed) {
			return f.fail(err)
		}
		sub, _ := f.submitter.Retained()
		out, _ := f.update(func(r *model.Flow) error {
			if r.PaymentReference == "" || r.PaymentReference == sub.PaymentReference {
				r.RejectPayment(model.PaymentStatusConsumed, domain.Code(err), f.deps.Now())
			} else {
				r.Fail(domain.Code(err), f.deps.Now())
			}
			r.CanRetry = false
			return nil
		})
		return out, err
	}
	sub, _ := f.submitter.Retained()
	return f.start(*job, sub.Background, sub.PaymentReference)
}

// spent reports whether a bound payment has already backed a job.
func spent(s model.PaymentStatus) bool {
	return s == model.PaymentStatusConsumed || s == model.PaymentStatusRefunded
}

func (f *flowController) start(job model.Job, background, ref string) (model.Flow, error) {
	return f.update(func(r *model.Flow) error {
		if err := r.StartJob(job, background, ref, f.deps.Now()); err != nil {
			return err
		}
		f.startPollingLocked(r.Snapshot())
		return nil
	})
}

func (f *flowController) Reset(ctx context.Context) (model.Flow, error) {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	f.stopPolling()
	f.submitter.Forget()
	f.retry.Revoke()
	out, err := f.update(func(r *model.Flow) error {
		r.Reset(f.deps.Now())
		return nil
	})
	logging.With(f.opContext(ctx), f.deps.Logger).Info().Msg("flow reset")
	return out, err
}

func (f *flowController) completedJob() (string, error) {
	rec := f.Snapshot()
	if rec.Status != model.JobStatusCompleted {
		return "", fmt.Errorf("%w: job is %s", domain.ErrNotReady, rec.Status)
	}
	return rec.JobID, nil
}

func (f *flowController) Download(ctx context.Context, w io.Writer) (*model.ArtifactMeta, error) {
	jobID, err := f.completedJob()
	if err != nil {
		return nil, err
	}
	return f.deps.Artifacts.Download(f.opContext(ctx), jobID, w)
}

func (f *flowController) Fetch(ctx context.Context) (*model.Artifact, error) {
	jobID, err := f.completedJob()
	if err != nil {
		return nil, err
	}
	return f.deps.Artifacts.Fetch(f.opContext(ctx), jobID)
}

func (f *flowController) Preview(ctx context.Context) (string, error) {
	jobID, err := f.completedJob()
	if err != nil {
		return "", err
	}
	return f.deps.Artifacts.Preview(f.opContext(ctx), jobID)
}

func (f *flowController) Acknowledge(ctx context.Context) (model.Flow, error) {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	out, err := f.update(func(r *model.Flow) error { return r.Acknowledge(f.deps.Now()) })
	if err == nil {
		f.submitter.Forget()
		f.retry.Revoke()
	}
	return out, err
}

func (f *flowController) Wait(ctx context.Context) (model.Flow, error) {
	f.mu.Lock()
	done := f.pollDone
	f.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return f.Snapshot(), ctx.Err()
		}
	}
	return f.Snapshot(), nil
}

func (f *flowController) Subscribe() (<-chan model.Flow, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan model.Flow, 1)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// idle reports whether nothing is polling or listening.
func (f *flowController) idle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollDone != nil {
		select {
		case <-f.pollDone:
		default:
			return false
		}
	}
	return len(f.subs) == 0 && !f.rec.Busy()
}

func (f *flowController) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	f.stopPolling()
	f.baseCancel()
}

// startPollingLocked launches the poller for from.JobID. Caller holds mu and
// has already stopped any previous poller.
func (f *flowController) startPollingLocked(from model.JobSnapshot) {
	if f.closed {
		return
	}
	f.gen++
	gen := f.gen
	ctx, cancel := context.WithCancel(logging.WithJobID(f.base, from.JobID))
	done := make(chan struct{})
	f.pollCancel, f.pollDone = cancel, done

	go func() {
		defer close(done)
		final, err := f.poller.Resume(ctx, from, func(s model.JobSnapshot) { f.observe(gen, s) })
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, domain.ErrJobFailed) {
			f.onFailed(ctx, gen, final)
		}
	}()
}

// stopPolling cancels the current poller and waits for it to exit. It
// reports whether a job was still being polled.
func (f *flowController) stopPolling() bool {
	f.mu.Lock()
	cancel, done := f.pollCancel, f.pollDone
	f.pollCancel, f.pollDone = nil, nil
	f.gen++
	busy := f.rec.Busy()
	f.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return busy
}

func (f *flowController) observe(gen uint64, s model.JobSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return
	}
	if f.rec.Observe(s, f.deps.Now()) {
		f.commitLocked()
	}
}

// onFailed runs the single eligibility check owed to a failed job.
func (f *flowController) onFailed(ctx context.Context, gen uint64, final model.JobSnapshot) {
	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return
	}
	// A restored record never passed through observe.
	if f.rec.Status != model.JobStatusFailed {
		if f.rec.Observe(final, f.deps.Now()) {
			f.commitLocked()
		}
	}
	ref := f.rec.SubmittedReference
	f.mu.Unlock()

	log := logging.With(ctx, f.deps.Logger)
	log.Warn().Str("job_error", final.Error).Msg("job failed")
	if ref == "" {
		log.Error().Msg("failed job has no submitted payment reference")
	}

	s := f.deps.Settings
	cctx := ctx
	if s.RetryCheckTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.RetryCheckTimeout)
		defer cancel()
	}
	if s.RequestCreditOnFailure && ref != "" {
		if _, err := f.deps.Gate.RequestRetryCredit(cctx, ref); err != nil {
			log.Warn().Err(err).Msg("retry credit request failed")
		}
	}
	allowed := ref != "" && f.retry.CheckEligibility(cctx, ref)
	if ctx.Err() != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return
	}
	if err := f.rec.SetRetryDecision(allowed, f.deps.Now()); err != nil {
		log.Error().Err(err).Msg("store retry decision")
		return
	}
	f.commitLocked()
}
