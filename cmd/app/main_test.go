//go:build !integration

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/infra/i18n"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cfg := filepath.Join(t.TempDir(), "missing.yaml")
	cmd.SetArgs(append([]string{"--config", cfg}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTiersCommand(t *testing.T) {
	out, err := execute(t, "", "tiers")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"basic", "advanced", "upgrade", "6.00 USD", "12.00 USD"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestVerifyUnknownPaymentInDev(t *testing.T) {
	_, err := execute(t, "", "--dev", "--user", "user_1", "verify", "pay_nope")
	if !errors.Is(err, domain.ErrPaymentConsumed) {
		t.Fatalf("want ErrPaymentConsumed, got %v", err)
	}
	if exitCode(err) != 3 {
		t.Errorf("exit code = %d", exitCode(err))
	}
	if !strings.Contains(err.Error(), "hint:") {
		t.Errorf("missing hint: %v", err)
	}
}

func TestHintsFollowLang(t *testing.T) {
	defer func() { messages = i18n.Default().For(i18n.DefaultLang) }()

	_, err := execute(t, "", "--dev", "--lang", "zh-CN", "--user", "user_1", "verify", "pay_nope")
	if err == nil || !strings.Contains(err.Error(), "重新下单") {
		t.Errorf("expected a chinese hint, got %v", err)
	}
	if got := statusLabel(model.JobStatusProcessing); got != "生成中" {
		t.Errorf("status label = %q", got)
	}
}

func TestCommandsNeedAUser(t *testing.T) {
	t.Setenv("CONSULT_IDENTITY_USER_ID", "")
	_, err := execute(t, "", "--dev", "reset")
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("want ErrValidation, got %v", err)
	}
}

func TestHealthInDev(t *testing.T) {
	out, err := execute(t, "", "--dev", "health")
	if err != nil || !strings.Contains(out, "healthy") {
		t.Errorf("health: %q %v", out, err)
	}
}

func TestExitCodes(t *testing.T) {
	cases := map[error]int{
		errors.New("boom"):                               1,
		domain.ErrValidation:                             2,
		domain.ErrPaymentUnverified:                      3,
		&domain.JobFailedError{JobID: "j"}:               4,
		domain.ErrNotReady:                               5,
		context.Canceled:                                 130,
		fmt.Errorf("wrapped: %w", domain.ErrUnknownTier): 2,
	}
	for err, want := range cases {
		if got := exitCode(err); got != want {
			t.Errorf("exitCode(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestSubmitTextSources(t *testing.T) {
	so := &submitOptions{file: "-"}
	got, err := so.text(strings.NewReader("from stdin"))
	if err != nil || got != "from stdin" {
		t.Errorf("stdin: %q %v", got, err)
	}
	so = &submitOptions{background: "inline"}
	if got, _ := so.text(nil); got != "inline" {
		t.Errorf("inline: %q", got)
	}
	if got, _ := (&submitOptions{}).text(nil); got != "" {
		t.Errorf("profile mode should read no text, got %q", got)
	}
}

func TestProgressBar(t *testing.T) {
	if got := progressBar(50); strings.Count(got, "#") != 15 {
		t.Errorf("progressBar(50) = %s", got)
	}
	if got := progressBar(150); strings.Count(got, "#") != 30 {
		t.Errorf("progressBar(150) = %s", got)
	}
}
