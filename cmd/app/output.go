package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/infra/i18n"
)

// messages holds user-facing strings for the selected --lang.
var messages = i18n.Default().For(i18n.DefaultLang)

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func statusLabel(s model.JobStatus) string { return messages.T("status." + string(s)) }

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printFlow writes a one-screen summary of the record.
func printFlow(w io.Writer, opts *rootOptions, rec model.Flow) error {
	if opts.jsonOut {
		return printJSON(w, rec)
	}
	fmt.Fprintf(w, "flow     %s (user %s)\n", rec.ID, rec.UserID)
	if rec.Tier != "" {
		fmt.Fprintf(w, "tier     %s\n", rec.Tier)
	}
	if rec.PaymentReference != "" {
		fmt.Fprintf(w, "payment  %s [%s]\n", rec.PaymentReference, rec.PaymentStatus)
	}
	if rec.JobID != "" {
		fmt.Fprintf(w, "job      %s %s %d%%\n", rec.JobID, statusLabel(rec.Status), rec.Progress)
	} else {
		fmt.Fprintf(w, "status   %s\n", statusLabel(rec.Status))
	}
	if rec.JobError != "" {
		fmt.Fprintf(w, "error    %s\n", rec.JobError)
	}
	if rec.Status == model.JobStatusFailed && rec.RetryChecked {
		if rec.CanRetry {
			fmt.Fprintln(w, "retry    "+messages.T("retry.available"))
		} else {
			fmt.Fprintln(w, "retry    "+messages.T("retry.unavailable"))
		}
	}
	return nil
}

func progressBar(pct int) string {
	const width = 30
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := pct * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func printProgress(w io.Writer, rec model.Flow) {
	line := fmt.Sprintf("%s %3d%% %s", progressBar(rec.Progress), rec.Progress, statusLabel(rec.Status))
	if rec.Message != "" {
		line += "  " + rec.Message
	}
	fmt.Fprintln(w, line)
}

// hint turns a semantic error code into the next step for the user.
func hint(err error) string {
	code := domain.Code(err)
	if code == domain.CodeNone {
		return ""
	}
	h, _ := messages.Lookup("hint." + code)
	return h
}
