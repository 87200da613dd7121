//go:build !integration

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"consultation-client/internal/config"
)

func TestWith_AttachesContextIDs(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, config.LogConfig{Level: "debug", Format: "json"}, false)

	ctx := WithTraceID(context.Background(), "t-1")
	ctx = WithUserID(ctx, "user_1")
	ctx = WithJobID(ctx, "job_abc")
	With(ctx, base).Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v (%q)", err, buf.String())
	}
	for k, want := range map[string]string{"trace_id": "t-1", "user_id": "user_1", "job_id": "job_abc"} {
		if line[k] != want {
			t.Errorf("%s = %v, want %s", k, line[k], want)
		}
	}
	if _, ok := line["flow_id"]; ok {
		t.Error("flow_id should be absent when not in context")
	}
}

func TestNewWithWriter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, config.LogConfig{Level: "warn", Format: "json"}, false)
	l.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	l.Warn().Msg("kept")
	if buf.Len() == 0 {
		t.Fatal("warn should be written")
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("pay_123", false); got != "***" {
		t.Errorf("short value = %q", got)
	}
	if got := Redact("pay_1234567890", false); got != "pay_...90" {
		t.Errorf("long value = %q", got)
	}
	if got := Redact("pay_1234567890", true); got != "pay_1234567890" {
		t.Errorf("dev mode should not redact, got %q", got)
	}
}
