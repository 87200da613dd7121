//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/usecase"
)

type recorder struct {
	mu    sync.Mutex
	snaps []model.JobSnapshot
}

func (r *recorder) emit(s model.JobSnapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) progress() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.snaps))
	for i, s := range r.snaps {
		out[i] = s.Progress
	}
	return out
}

func TestStatusPoller_StaleProgressIgnored(t *testing.T) {
	mb := &MockBackend{}
	mb.JobStatusFunc = scriptedStatus(
		model.JobSnapshot{Status: model.JobStatusProcessing, Progress: 40},
		model.JobSnapshot{Status: model.JobStatusProcessing, Progress: 30},
		model.JobSnapshot{Status: model.JobStatusCompleted, Progress: 95},
	)
	p := usecase.NewStatusPoller(mb, testPoll, time.Second, newTestLogger())
	rec := &recorder{}

	final, err := p.Poll(context.Background(), "job_abc", rec.emit)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	got := rec.progress()
	if len(got) != 3 || got[0] != 40 || got[1] != 40 {
		t.Fatalf("observed progress %v, want [40 40 100]", got)
	}
	if final.Status != model.JobStatusCompleted || final.Progress != 100 {
		t.Errorf("final = %+v, want completed at 100", final)
	}
	if n := mb.StatusCalls("job_abc"); n != 3 {
		t.Errorf("status requests = %d, polling must stop at the terminal state", n)
	}
}

func TestStatusPoller_MonotonicUnderShuffledResponses(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		var snaps []model.JobSnapshot
		for i := 0; i < 12; i++ {
			st := model.JobStatusProcessing
			if rng.Intn(4) == 0 {
				st = model.JobStatusQueued // stale status
			}
			snaps = append(snaps, model.JobSnapshot{Status: st, Progress: rng.Intn(130) - 10})
		}
		snaps = append(snaps, model.JobSnapshot{Status: model.JobStatusCompleted})

		mb := &MockBackend{JobStatusFunc: scriptedStatus(snaps...)}
		p := usecase.NewStatusPoller(mb, time.Millisecond, time.Second, newTestLogger())
		rec := &recorder{}
		if _, err := p.Poll(context.Background(), "job_x", rec.emit); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}

		prev := 0
		var prevStatus model.JobStatus
		for i, s := range rec.snaps {
			if s.Progress < prev || s.Progress < 0 || s.Progress > 100 {
				t.Fatalf("round %d step %d: progress %d after %d", round, i, s.Progress, prev)
			}
			if prevStatus == model.JobStatusProcessing && s.Status == model.JobStatusQueued {
				t.Fatalf("round %d step %d: status moved backwards", round, i)
			}
			prev, prevStatus = s.Progress, s.Status
		}
		if prev != 100 {
			t.Fatalf("round %d: final progress %d", round, prev)
		}
	}
}

func TestStatusPoller_FailedCarriesOpaqueMessage(t *testing.T) {
	mb := &MockBackend{}
	mb.JobStatusFunc = scriptedStatus(
		model.JobSnapshot{Status: model.JobStatusProcessing, Progress: 20},
		model.JobSnapshot{Status: model.JobStatusFailed, Error: "LLM timeout"},
	)
	p := usecase.NewStatusPoller(mb, testPoll, time.Second, newTestLogger())

	final, err := p.Poll(context.Background(), "job_abc", nil)
	if !errors.Is(err, domain.ErrJobFailed) {
		t.Fatalf("expected ErrJobFailed, got %v", err)
	}
	var jf *domain.JobFailedError
	if !errors.As(err, &jf) || jf.Message != "LLM timeout" || jf.JobID != "job_abc" {
		t.Errorf("unexpected failure %#v", err)
	}
	if final.Status != model.JobStatusFailed || final.Progress != 20 {
		t.Errorf("final = %+v", final)
	}
}

func TestStatusPoller_TransientErrorsKeepState(t *testing.T) {
	mb := &MockBackend{}
	var mu sync.Mutex
	n := 0
	mb.JobStatusFunc = func(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		switch n {
		case 1:
			return &model.JobSnapshot{JobID: jobID, Status: model.JobStatusProcessing, Progress: 50, HasProgress: true}, nil
		case 2, 3:
			return nil, &domain.BackendError{Op: "job status", StatusCode: 502}
		default:
			return &model.JobSnapshot{JobID: jobID, Status: model.JobStatusCompleted}, nil
		}
	}
	p := usecase.NewStatusPoller(mb, testPoll, time.Second, newTestLogger())
	rec := &recorder{}

	final, err := p.Poll(context.Background(), "job_abc", rec.emit)
	if err != nil {
		t.Fatalf("transient errors must not fail the job: %v", err)
	}
	if got := rec.progress(); len(got) != 2 || got[0] != 50 || got[1] != 100 {
		t.Errorf("observed %v, want [50 100]", got)
	}
	if final.Status != model.JobStatusCompleted {
		t.Errorf("final = %+v", final)
	}
}

func TestStatusPoller_CancelStopsRequests(t *testing.T) {
	mb := &MockBackend{JobStatusFunc: scriptedStatus(model.JobSnapshot{Status: model.JobStatusProcessing, Progress: 10})}
	p := usecase.NewStatusPoller(mb, testPoll, time.Second, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Poll(ctx, "job_abc", nil)
		done <- err
	}()
	if !waitFor(time.Second, func() bool { return mb.StatusCalls("job_abc") >= 2 }) {
		t.Fatal("poller never issued requests")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	after := mb.StatusCalls("job_abc")
	time.Sleep(5 * testPoll)
	if got := mb.StatusCalls("job_abc"); got != after {
		t.Errorf("requests after cancel: %d -> %d", after, got)
	}
}

func TestStatusPoller_ResumeNeverRegresses(t *testing.T) {
	mb := &MockBackend{}
	mb.JobStatusFunc = scriptedStatus(
		model.JobSnapshot{Status: model.JobStatusProcessing, Progress: 10},
		model.JobSnapshot{Status: model.JobStatusCompleted},
	)
	p := usecase.NewStatusPoller(mb, testPoll, time.Second, newTestLogger())
	rec := &recorder{}

	from := model.JobSnapshot{JobID: "job_abc", Status: model.JobStatusProcessing, Progress: 60, HasProgress: true, Seq: 9}
	if _, err := p.Resume(context.Background(), from, rec.emit); err != nil {
		t.Fatal(err)
	}
	if got := rec.progress(); got[0] != 60 {
		t.Errorf("resumed progress regressed: %v", got)
	}

	// A terminal starting point returns at once without any request.
	calls := mb.Calls("JobStatus")
	_, err := p.Resume(context.Background(), model.JobSnapshot{JobID: "job_zzz", Status: model.JobStatusFailed, Error: "boom"}, nil)
	if !errors.Is(err, domain.ErrJobFailed) {
		t.Errorf("want ErrJobFailed, got %v", err)
	}
	if mb.Calls("JobStatus") != calls {
		t.Error("terminal resume must not poll")
	}
}
