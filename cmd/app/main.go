// File: cmd/app/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"consultation-client/internal/infra/i18n"
)

var (
	Version = "dev"
	Commit  = "none"
)

type rootOptions struct {
	configPath string
	dev        bool
	userID     string
	jsonOut    bool
	lang       string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "consult",
		Short:         "Client for the paid consultation report service",
		Version:       Version + " (" + Commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "config.yaml", "path to YAML config file")
	pf.BoolVar(&opts.dev, "dev", false, "developer mode: in-memory backend when no base url is set, verbose errors")
	pf.StringVarP(&opts.userID, "user", "u", "", "user id (defaults to identity.user_id)")
	pf.BoolVar(&opts.jsonOut, "json", false, "print records as JSON")
	pf.StringVar(&opts.lang, "lang", "", "message language: "+strings.Join(i18n.Default().Languages(), ", ")+" (default $CONSULT_LANG, then $LANG)")
	root.PersistentPreRun = func(*cobra.Command, []string) {
		messages = i18n.Default().For(firstNonEmpty(opts.lang, os.Getenv("CONSULT_LANG"), os.Getenv("LANG")))
	}

	root.AddCommand(
		tiersCmd(opts),
		checkoutCmd(opts),
		verifyCmd(opts),
		submitCmd(opts),
		watchCmd(opts),
		retryCmd(opts),
		downloadCmd(opts),
		resetCmd(opts),
		historyCmd(opts),
		healthCmd(opts),
		tokenCmd(opts),
		runCmd(opts),
		serveCmd(opts),
	)
	return root
}
