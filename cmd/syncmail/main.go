package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cepmail/backend/internal/app"
	"github.com/cepmail/backend/internal/config"
	"github.com/cepmail/backend/internal/db"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/spf13/cobra"
)

type options struct {
	timeout     time.Duration
	showThreads bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "syncmail",
		Short:        "Import new committee mail and backfill sent message ids, then exit",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := db.NewConnection(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.CloseConnection(pool)

			if err := app.Migrate(ctx, cfg, pool); err != nil {
				return err
			}

			a, err := app.New(cfg, pool)
			if err != nil {
				return err
			}
			defer a.Close()

			return run(ctx, a, cfg.IMAPInboxFolder, opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Give up on the pass after this long")
	flags.BoolVar(&opts.showThreads, "threads", false, "Print the server's REFERENCES threading of the inbox after syncing")

	return cmd
}

func run(ctx context.Context, a *app.App, inboxFolder string, opts options, out io.Writer) error {
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	start := time.Now()
	processed, err := a.Poller.RunPass(ctx)
	if err != nil {
		return fmt.Errorf("sync pass failed after %d messages: %w", processed, err)
	}
	log.Printf("syncmail: pass finished in %s", time.Since(start).Round(time.Millisecond))
	_, _ = fmt.Fprintf(out, "processed %d message(s)\n", processed)

	if !opts.showThreads {
		return nil
	}

	session, err := a.IMAP.Open(ctx, inboxFolder, true)
	if err != nil {
		return err
	}
	defer session.Close()

	threads, err := session.Threads(ctx)
	if err != nil {
		return err
	}
	printThreads(out, threads)
	return nil
}

// printThreads writes one line per message, indented by its depth in the thread.
func printThreads(out io.Writer, threads []*sortthread.Thread) {
	_, _ = fmt.Fprintf(out, "%d thread(s)\n", len(threads))
	var walk func(thread *sortthread.Thread, depth int)
	walk = func(thread *sortthread.Thread, depth int) {
		_, _ = fmt.Fprintf(out, "%sUID %d\n", strings.Repeat("  ", depth), thread.Id)
		for _, child := range thread.Children {
			walk(child, depth+1)
		}
	}
	for _, thread := range threads {
		walk(thread, 0)
	}
}
