// File: internal/usecase/status_poller.go
package usecase

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/adapter"
	"consultation-client/internal/infra/logging"
	"consultation-client/internal/infra/metrics"
)

// Compile-time check
var _ StatusPoller = (*statusPoller)(nil)

// EmitFunc receives every accepted snapshot, in order, from the polling goroutine.
type EmitFunc func(model.JobSnapshot)

type StatusPoller interface {
	// Poll watches a freshly submitted job until it is terminal or ctx ends.
	// A failed job returns the last snapshot and a *domain.JobFailedError.
	Poll(ctx context.Context, jobID string, emit EmitFunc) (model.JobSnapshot, error)
	// Resume is Poll starting from an already observed snapshot, so a
	// restored job never reports less progress than it had.
	Resume(ctx context.Context, from model.JobSnapshot, emit EmitFunc) (model.JobSnapshot, error)
}

type statusPoller struct {
	jobs           adapter.JobBackend
	interval       time.Duration
	requestTimeout time.Duration
	logger         *zerolog.Logger
}

// NewStatusPoller does not clamp interval; config.Sanitize keeps it in range.
func NewStatusPoller(jobs adapter.JobBackend, interval, requestTimeout time.Duration, logger *zerolog.Logger) *statusPoller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &statusPoller{jobs: jobs, interval: interval, requestTimeout: requestTimeout, logger: logger}
}

func (p *statusPoller) Poll(ctx context.Context, jobID string, emit EmitFunc) (model.JobSnapshot, error) {
	return p.Resume(ctx, model.JobSnapshot{JobID: jobID, Status: model.JobStatusQueued}, emit)
}

func (p *statusPoller) Resume(ctx context.Context, from model.JobSnapshot, emit EmitFunc) (model.JobSnapshot, error) {
	ctx = logging.WithJobID(ctx, from.JobID)
	log := logging.With(ctx, p.logger)
	done := metrics.PollerStarted()
	defer done()

	cur := from
	if cur.Status.Terminal() {
		return cur, terminalErr(cur)
	}
	seq := cur.Seq

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	log.Debug().Dur("interval", p.interval).Msg("polling started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("polling cancelled")
			return cur, ctx.Err()
		case <-ticker.C:
		}

		seq++
		snap, err := p.fetch(ctx, cur.JobID)
		if err != nil {
			if ctx.Err() != nil {
				return cur, ctx.Err()
			}
			// Transient: keep the last good state and try again next tick.
			log.Warn().Err(err).Uint64("seq", seq).Msg("status request failed")
			continue
		}
		snap.Seq = seq

		next, ok := cur.Advance(*snap)
		if !ok {
			log.Debug().Uint64("seq", seq).Str("status", string(snap.Status)).Msg("snapshot dropped")
			continue
		}
		cur = next
		if emit != nil {
			emit(cur)
		}
		if cur.Status.Terminal() {
			metrics.IncJobTerminal(string(cur.Status))
			log.Info().Str("status", string(cur.Status)).Int("progress", cur.Progress).Msg("job finished")
			return cur, terminalErr(cur)
		}
	}
}

func (p *statusPoller) fetch(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	rctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()
	start := time.Now()
	snap, err := p.jobs.JobStatus(rctx, jobID)
	metrics.ObservePoll(time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if snap.JobID == "" {
		snap.JobID = jobID
	}
	return snap, nil
}

func terminalErr(s model.JobSnapshot) error {
	if s.Status == model.JobStatusFailed {
		return &domain.JobFailedError{JobID: s.JobID, Message: s.Error}
	}
	return nil
}
