package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/usecase"
)

// runCmd walks one user through tier, payment, submission, progress and
// download in a single process.
func runCmd(opts *rootOptions) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Interactive end-to-end consultation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				f, err := a.flow(cmd.Context(), opts)
				if err != nil {
					return err
				}
				s := &session{cmd: cmd, opts: opts, flow: f, in: bufio.NewReader(cmd.InOrStdin()), out: cmd.OutOrStdout()}
				return s.run(outPath)
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "where to save the report")
	return cmd
}

type session struct {
	cmd  *cobra.Command
	opts *rootOptions
	flow usecase.FlowController
	in   *bufio.Reader
	out  io.Writer
}

func (s *session) ask(prompt string) (string, error) {
	fmt.Fprint(s.out, prompt)
	line, err := s.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// askBlock reads lines until an empty one.
func (s *session) askBlock(prompt string) (string, error) {
	fmt.Fprintln(s.out, prompt)
	var lines []string
	for {
		line, err := s.in.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" || err != nil {
			if line != "" {
				lines = append(lines, line)
			}
			if len(lines) == 0 && err != nil {
				return "", err
			}
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, line)
	}
}

func (s *session) run(outPath string) error {
	ctx := s.cmd.Context()
	rec := s.flow.Snapshot()

	// Resume where a previous session stopped.
	switch {
	case rec.Status.Active() || rec.Status == model.JobStatusFailed:
		fmt.Fprintf(s.out, "resuming job %s\n", rec.JobID)
		return s.follow(outPath)
	case rec.Status == model.JobStatusCompleted:
		return download(s.cmd, s.flow, outPath, true)
	}

	if !rec.PaymentReady() {
		if err := s.pay(); err != nil {
			return err
		}
	}

	for {
		text, err := s.askBlock("Describe your background (school, GPA, experience, goals). Finish with an empty line:")
		if err != nil {
			return err
		}
		if _, err = s.flow.Submit(ctx, text); err == nil {
			break
		}
		if !errors.Is(err, domain.ErrValidation) {
			return withHint(err)
		}
		fmt.Fprintln(s.out, "  ", err)
	}
	return s.follow(outPath)
}

func (s *session) pay() error {
	ctx := s.cmd.Context()
	for _, t := range model.Tiers() {
		fmt.Fprintf(s.out, "  %d) %-9s %s\n", t.Number, t.Tier, t.Price())
	}
	var tier model.Tier
	for {
		answer, err := s.ask("Choose a tier [1-3]: ")
		if err != nil {
			return err
		}
		if tier, err = model.ParseTier(answer); err == nil {
			break
		}
		fmt.Fprintln(s.out, "  unknown tier")
	}
	if _, err := s.flow.SelectTier(ctx, tier); err != nil {
		return err
	}
	sess, err := s.flow.Checkout(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Pay here: %s\n", sess.CheckoutURL)

	for {
		ref, err := s.ask("Paste the return URL or payment id: ")
		if err != nil {
			return err
		}
		if ref == "" {
			continue
		}
		rec, err := s.flow.ConfirmPayment(ctx, ref)
		if err == nil {
			fmt.Fprintf(s.out, "payment %s verified\n", rec.PaymentReference)
			return nil
		}
		if errors.Is(err, domain.ErrVerification) {
			return err
		}
		fmt.Fprintln(s.out, "  ", withHint(err))
	}
}

func (s *session) follow(outPath string) error {
	ctx := s.cmd.Context()
	for {
		rec, err := follow(ctx, s.flow, s.cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		switch rec.Status {
		case model.JobStatusCompleted:
			return download(s.cmd, s.flow, outPath, true)
		case model.JobStatusFailed:
			fmt.Fprintf(s.out, "the job failed: %s\n", orDash(rec.JobError))
			if !rec.CanRetry {
				return &domain.JobFailedError{JobID: rec.JobID, Message: rec.JobError}
			}
			answer, err := s.ask("A free retry is available. Retry now? [Y/n]: ")
			if err != nil {
				return err
			}
			if strings.HasPrefix(strings.ToLower(answer), "n") {
				return &domain.JobFailedError{JobID: rec.JobID, Message: rec.JobError}
			}
			if _, err := s.flow.Retry(ctx); err != nil {
				return withHint(err)
			}
		default:
			return fmt.Errorf("%w: job stopped in state %s", domain.ErrInvalidTransition, rec.Status)
		}
	}
}
