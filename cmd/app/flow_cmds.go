package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/infra/identity"
	"consultation-client/internal/usecase"
)

func tiersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "List service tiers and prices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tiers := model.Tiers()
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, tiers)
			}
			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tTIER\tPRICE\tFEATURES")
			for _, t := range tiers {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", t.Number, t.Tier, t.Price(), strings.Join(t.Features, ", "))
			}
			return tw.Flush()
		},
	}
}

func checkoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkout <tier>",
		Short: "Select a tier and open a hosted checkout session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := model.ParseTier(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				f, err := a.flow(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if _, err := f.SelectTier(cmd.Context(), tier); err != nil {
					return err
				}
				sess, err := f.Checkout(cmd.Context())
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), sess)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Open this URL to pay:")
				fmt.Fprintln(cmd.OutOrStdout(), sess.CheckoutURL)
				fmt.Fprintln(cmd.OutOrStdout(), "Then run: consult verify <return-url or payment id>")
				return nil
			})
		},
	}
}

func verifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <payment-id | return-url>",
		Short: "Verify a completed checkout and bind the payment to this flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				f, err := a.flow(cmd.Context(), opts)
				if err != nil {
					return err
				}
				rec, err := f.ConfirmPayment(cmd.Context(), args[0])
				if err != nil {
					return withHint(err)
				}
				return printFlow(cmd.OutOrStdout(), opts, rec)
			})
		},
	}
}

type submitOptions struct {
	background string
	file       string
	profile    model.BackgroundProfile
	wait       bool
}

func submitCmd(opts *rootOptions) *cobra.Command {
	so := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit your background for a report (uses the verified payment)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := so.text(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				f, err := a.flow(cmd.Context(), opts)
				if err != nil {
					return err
				}
				var rec model.Flow
				if text != "" {
					rec, err = f.Submit(cmd.Context(), text)
				} else {
					rec, err = f.SubmitProfile(cmd.Context(), so.profile)
				}
				if err != nil {
					return withHint(err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "submitted job %s (estimated %s)\n", rec.JobID, orDash(rec.EstimatedTime))
				if !so.wait {
					return printFlow(cmd.OutOrStdout(), opts, rec)
				}
				return followAndReport(cmd, opts, f)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&so.background, "background", "b", "", "background text")
	fl.StringVarP(&so.file, "file", "f", "", "read background text from a file ('-' for stdin)")
	fl.StringVar(&so.profile.School, "school", "", "profile: school")
	fl.StringVar(&so.profile.Major, "major", "", "profile: major")
	fl.StringVar(&so.profile.GPA, "gpa", "", "profile: GPA")
	fl.StringVar(&so.profile.Experience, "experience", "", "profile: work and research experience")
	fl.StringVar(&so.profile.Goals, "goals", "", "profile: goals")
	fl.StringVar(&so.profile.TargetRegions, "regions", "", "profile: target regions")
	fl.StringVar(&so.profile.Budget, "budget", "", "profile: budget")
	fl.StringVar(&so.profile.Notes, "notes", "", "profile: anything else")
	fl.BoolVarP(&so.wait, "wait", "w", true, "follow the job until it finishes")
	cmd.MarkFlagsMutuallyExclusive("background", "file")
	return cmd
}

func (so *submitOptions) text(stdin io.Reader) (string, error) {
	switch {
	case so.background != "":
		return so.background, nil
	case so.file == "-":
		b, err := io.ReadAll(stdin)
		return string(b), err
	case so.file != "":
		b, err := os.ReadFile(so.file)
		return string(b), err
	}
	return "", nil
}

func watchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the current job until it completes or fails",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				f, err := a.flow(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if f.Snapshot().Status == model.JobStatusIdle {
					return fmt.Errorf("%w: no job to watch", domain.ErrInvalidTransition)
				}
				return followAndReport(cmd, opts, f)
			})
		},
	}
}

func retryCmd(opts *rootOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Resubmit the retained background for free after a failed job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				f, err := a.flow(cmd.Context(), opts)
				if err != nil {
					return err
				}
				// A restored failed flow may still owe its eligibility check.
				if _, err := f.Wait(cmd.Context()); err != nil {
					return err
				}
				rec, err := f.Retry(cmd.Context())
				if err != nil {
					return withHint(err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "resubmitted as job %s\n", rec.JobID)
				if !wait {
					return printFlow(cmd.OutOrStdout(), opts, rec)
				}
				return followAndReport(cmd, opts, f)
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", true, "follow the job until it finishes")
	return cmd
}

func downloadCmd(opts *rootOptions) *cobra.Command {
	var (
		outPath string
		ack     bool
	)
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the finished report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				f, err := a.flow(cmd.Context(), opts)
				if err != nil {
					return err
				}
				return download(cmd, f, outPath, ack)
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file or directory (default: server filename in the current directory)")
	cmd.Flags().BoolVar(&ack, "ack", false, "clear the finished job after a successful download")
	return cmd
}

// download writes to a temp file first so a broken transfer leaves nothing behind.
func download(cmd *cobra.Command, f usecase.FlowController, outPath string, ack bool) error {
	dir := "."
	name := ""
	if outPath != "" {
		if st, err := os.Stat(outPath); err == nil && st.IsDir() {
			dir = outPath
		} else {
			dir, name = filepath.Dir(outPath), filepath.Base(outPath)
		}
	}
	tmp, err := os.CreateTemp(dir, ".consult-report-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	meta, err := f.Download(cmd.Context(), tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return withHint(err)
	}
	if name == "" {
		name = filepath.Base(meta.Filename)
	}
	dst := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes)\n", dst, meta.Size)
	if ack {
		_, err = f.Acknowledge(cmd.Context())
	}
	return err
}

func resetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Start over: forget the tier, payment and retained background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				f, err := a.flow(cmd.Context(), opts)
				if err != nil {
					return err
				}
				rec, err := f.Reset(cmd.Context())
				if err != nil {
					return err
				}
				return printFlow(cmd.OutOrStdout(), opts, rec)
			})
		},
	}
}

func historyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List past consultation payments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				uid, err := a.user(opts)
				if err != nil {
					return err
				}
				rows, err := a.gate.History(cmd.Context(), uid)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return printJSON(out, rows)
				}
				if len(rows) == 0 {
					fmt.Fprintln(out, "no payments yet")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
				fmt.Fprintln(tw, "PAYMENT\tAMOUNT\tSTATUS\tJOB\tCREATED")
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%.2f\t%s\t%s\t%s\n", r.Reference, r.Amount, r.Status, orDash(r.JobID), r.CreatedAt.Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
}

func healthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the report service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				h, err := a.backend.Health(cmd.Context())
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), h)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "status %s", h.Status)
				for k, v := range h.Queue {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s=%d", k, v)
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
}

func tokenCmd(opts *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the bridge API (needs api.hmac_secret)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				if a.cfg.API.HMACSecret == "" {
					return errors.New("api.hmac_secret is not set")
				}
				uid, err := a.user(opts)
				if err != nil {
					return err
				}
				tok, err := identity.NewVerifier(a.cfg.API.HMACSecret, a.cfg.API.Issuer).Mint(uid, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// followAndReport prints progress until the job is terminal and its retry
// decision is known.
func followAndReport(cmd *cobra.Command, opts *rootOptions, f usecase.FlowController) error {
	rec, err := follow(cmd.Context(), f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if err := printFlow(cmd.OutOrStdout(), opts, rec); err != nil {
		return err
	}
	if rec.Status == model.JobStatusFailed {
		return &domain.JobFailedError{JobID: rec.JobID, Message: rec.JobError}
	}
	if rec.Status == model.JobStatusCompleted && !opts.jsonOut {
		fmt.Fprintln(cmd.OutOrStdout(), "report ready: consult download")
	}
	return nil
}

func follow(ctx context.Context, f usecase.FlowController, progress io.Writer) (model.Flow, error) {
	updates, unsubscribe := f.Subscribe()
	defer unsubscribe()

	type result struct {
		rec model.Flow
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := f.Wait(ctx)
		done <- result{rec, err}
	}()

	printProgress(progress, f.Snapshot())
	last := -1
	for {
		select {
		case rec := <-updates:
			if rec.Progress != last {
				last = rec.Progress
				printProgress(progress, rec)
			}
		case r := <-done:
			return r.rec, r.err
		}
	}
}

func withHint(err error) error {
	if h := hint(err); h != "" {
		return fmt.Errorf("%w\nhint: %s", err, h)
	}
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
