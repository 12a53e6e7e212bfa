package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/exam-importer/internal/backoff"
	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/ingest"
	"github.com/JakeFAU/exam-importer/internal/progress"
	"github.com/JakeFAU/exam-importer/internal/server"
)

// passwordEnv is read when --password is not given.
const passwordEnv = "IMPORTER_SOURCE_PASSWORD"

// notifyInterrupt registers for operator stop signals. Tests replace it.
var notifyInterrupt = func(c chan<- os.Signal) func() {
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	return func() { signal.Stop(c) }
}

type runFlags struct {
	login    string
	password string
	owner    string
	quiet    bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Import questions live and print progress",
		Long: `run opens the producer stream with the given source login and imports every
question it receives. Press Ctrl-C once to stop the stream and finish the
questions already received; press it again to drop them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			if f.password == "" {
				f.password = os.Getenv(passwordEnv)
			}
			return runLive(cmd, e, f)
		},
	}
	cmd.Flags().StringVar(&f.login, "login", "", "source-system login")
	cmd.Flags().StringVar(&f.password, "password", "", "source-system password (default $"+passwordEnv+")")
	cmd.Flags().StringVar(&f.owner, "owner", "cli", "owner recorded on imported questions and awards")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "print only the final summary")
	return cmd
}

func runLive(cmd *cobra.Command, e *env, f runFlags) error {
	ctx := cmd.Context()
	logger := e.logger
	cfg := e.cfg

	infra, err := server.OpenInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close(context.WithoutCancel(ctx))

	client, err := infra.StreamClient()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	pc := cfg.Progress
	hub := progress.NewHub(progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxBatchEvents,
		MaxBatchWait:   pc.MaxBatchWait,
		SinkTimeout:    pc.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         logger.Named("progress_hub"),
	}, progress.NewReporter(out, f.quiet))
	defer func() {
		if cerr := hub.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("progress hub close failed", zap.Error(cerr))
		}
	}()

	bc := cfg.Backoff
	run, err := ingest.NewRun(ingest.Deps{
		Connector: client,
		Persister: infra.Persister(),
		History:   infra.History,
		Emitter:   hub,
		OpenRetry: backoff.New(backoff.Config{
			Name:        "stream_open",
			MaxAttempts: bc.MaxAttempts,
			Step:        bc.Step,
			Stagger:     bc.Stagger,
		}, logger),
		Logger: logger,
	}, ingest.Options{
		OwnerID:     f.owner,
		Credentials: importer.Credentials{Login: f.login, Password: f.password},
	})
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 2)
	stop := notifyInterrupt(sigs)
	defer stop()

	if err := run.Start(ctx); err != nil {
		return err
	}

	go func() {
		interrupts := 0
		for {
			select {
			case <-run.Done():
				return
			case <-sigs:
				interrupts++
				if interrupts == 1 {
					fmt.Fprintln(out, "stopping: finishing questions already received (Ctrl-C again to drop them)")
					run.Cancel(ingest.CancelSoft)
					continue
				}
				fmt.Fprintln(out, "stopping now: dropping queued questions")
				run.Cancel(ingest.CancelHard)
				return
			}
		}
	}()

	res, err := run.Wait(ctx)
	if err != nil {
		return err
	}
	if ferr := hub.Flush(context.WithoutCancel(ctx)); ferr != nil {
		logger.Warn("progress flush failed", zap.Error(ferr))
	}

	fmt.Fprintf(out, "%s %s in %s | %s\n", res.RunID, res.Status, res.Duration.Round(time.Millisecond), progress.Summary(res.Metrics))
	if res.Status == importer.RunFailed {
		if res.Err != nil {
			return fmt.Errorf("import failed: %w", res.Err)
		}
		return errors.New("import failed")
	}
	return nil
}
