package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		submissionsTotal,
		pollRequestsTotal,
		pollRequestDuration,
		jobsTerminalTotal,
		activePollers,
		artifactBytesTotal,
	)
}

var (
	// result: ok|validation|payment_consumed|payment_unverified|submission
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_submissions_total",
			Help: "Job submissions by result code.",
		},
		[]string{"result"},
	)

	pollRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_poll_requests_total",
			Help: "Status poll requests by result (ok|error).",
		},
		[]string{"result"},
	)

	pollRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consult_poll_request_duration_seconds",
			Help:    "Latency of individual status poll requests.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	jobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_jobs_terminal_total",
			Help: "Jobs observed reaching a terminal state, by status.",
		},
		[]string{"status"}, // 'completed', 'failed'
	)

	activePollers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consult_active_pollers",
			Help: "Status pollers currently running.",
		},
	)

	artifactBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "consult_artifact_bytes_total",
			Help: "Bytes of report artifacts downloaded.",
		},
	)
)

func IncSubmission(code string) {
	if code == "" {
		code = "ok"
	}
	submissionsTotal.WithLabelValues(norm(code)).Inc()
}

func ObservePoll(d time.Duration, err error) {
	pollRequestsTotal.WithLabelValues(result(err)).Inc()
	pollRequestDuration.Observe(d.Seconds())
}

func IncJobTerminal(status string) {
	jobsTerminalTotal.WithLabelValues(norm(status)).Inc()
}

// PollerStarted increments the active poller gauge and returns its decrement.
func PollerStarted() func() {
	activePollers.Inc()
	return activePollers.Dec
}

func AddArtifactBytes(n int64) {
	if n > 0 {
		artifactBytesTotal.Add(float64(n))
	}
}
