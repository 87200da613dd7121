//go:build !integration

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestPollerGaugeBalances(t *testing.T) {
	var before dto.Metric
	_ = activePollers.Write(&before)

	done := PollerStarted()
	var during dto.Metric
	_ = activePollers.Write(&during)
	if during.GetGauge().GetValue() != before.GetGauge().GetValue()+1 {
		t.Fatalf("gauge did not increase")
	}
	done()
	var after dto.Metric
	_ = activePollers.Write(&after)
	if after.GetGauge().GetValue() != before.GetGauge().GetValue() {
		t.Fatalf("gauge did not return to baseline")
	}
}

func TestCountersByLabel(t *testing.T) {
	okBefore := counterValue(t, pollRequestsTotal.WithLabelValues("ok"))
	errBefore := counterValue(t, pollRequestsTotal.WithLabelValues("error"))

	ObservePoll(10*time.Millisecond, nil)
	ObservePoll(10*time.Millisecond, errors.New("boom"))
	ObservePoll(10*time.Millisecond, errors.New("boom"))

	if got := counterValue(t, pollRequestsTotal.WithLabelValues("ok")) - okBefore; got != 1 {
		t.Errorf("ok delta = %v", got)
	}
	if got := counterValue(t, pollRequestsTotal.WithLabelValues("error")) - errBefore; got != 2 {
		t.Errorf("error delta = %v", got)
	}

	IncSubmission("")
	if counterValue(t, submissionsTotal.WithLabelValues("ok")) < 1 {
		t.Error("empty submission code should count as ok")
	}
}

func TestMustRegisterIsIdempotent(t *testing.T) {
	MustRegister()
	MustRegister()
}
