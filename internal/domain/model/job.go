package model

import (
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusIdle       JobStatus = "idle" // no job yet, or after a reset
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ParseJobStatus maps the backend's wire status. "pending" is the backend's
// name for queued. Unknown values map to "".
func ParseJobStatus(s string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued":
		return JobStatusQueued
	case "processing", "running":
		return JobStatusProcessing
	case "completed", "complete", "done":
		return JobStatusCompleted
	case "failed", "error":
		return JobStatusFailed
	case "idle":
		return JobStatusIdle
	}
	return ""
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Active reports whether a job in this status is still being polled.
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusProcessing
}

// rank orders statuses along the only allowed direction of travel.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 1
	case JobStatusProcessing:
		return 2
	case JobStatusCompleted, JobStatusFailed:
		return 3
	}
	return 0
}

// Job is the backend's acknowledgement of a submission.
type Job struct {
	ID            string    `json:"job_id"`
	Status        JobStatus `json:"status"`
	Progress      int       `json:"progress"`
	Message       string    `json:"message,omitempty"`
	EstimatedTime string    `json:"estimated_time,omitempty"`
}

// JobSnapshot is one observation of a job's state.
type JobSnapshot struct {
	JobID       string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress"`
	HasProgress bool      `json:"-"`
	Message     string    `json:"message,omitempty"` // free-text progress note, if the backend sends one
	Error       string    `json:"error,omitempty"`   // opaque; only set on failed
	Seq         uint64    `json:"seq"`
	ObservedAt  time.Time `json:"observed_at"`
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Advance merges next into s and reports whether next was accepted.
// Rules: other job ids, stale sequence numbers and anything arriving after a
// terminal state are dropped; status never moves backwards; progress never
// decreases and is forced to 100 on completion.
func (s JobSnapshot) Advance(next JobSnapshot) (JobSnapshot, bool) {
	if s.JobID != "" && next.JobID != "" && next.JobID != s.JobID {
		return s, false
	}
	if s.Status.Terminal() {
		return s, false
	}
	if next.Seq != 0 && next.Seq <= s.Seq {
		return s, false
	}
	if next.Status == "" || next.Status == JobStatusIdle {
		return s, false
	}

	out := s
	if out.JobID == "" {
		out.JobID = next.JobID
	}
	if next.Seq != 0 {
		out.Seq = next.Seq
	}
	if !next.ObservedAt.IsZero() {
		out.ObservedAt = next.ObservedAt
	}
	if next.Status.rank() > out.Status.rank() {
		out.Status = next.Status
	}
	if next.HasProgress {
		if p := clampProgress(next.Progress); p > out.Progress {
			out.Progress = p
		}
		out.HasProgress = true
	}
	if next.Message != "" {
		out.Message = next.Message
	}
	switch out.Status {
	case JobStatusCompleted:
		out.Progress = 100
		out.HasProgress = true
	case JobStatusFailed:
		out.Error = next.Error
	}
	return out, true
}
