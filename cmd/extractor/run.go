package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"etl-extract/internal/config"
	"etl-extract/internal/extractor"
	"etl-extract/internal/progress"
	"etl-extract/internal/sink"
	"etl-extract/internal/source"
	"etl-extract/internal/store"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		resume     bool
		noBar      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the extraction described by a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !cmd.Flags().Changed("log-level") {
				if err := setLogLevel(cfg.LogLevel); err != nil {
					return err
				}
			}
			rep, err := runExtraction(cmd.Context(), cfg, resume, !noBar)
			fmt.Fprintln(cmd.OutOrStdout(), rep.Message())
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&resume, "resume", false, "Continue from the checkpoints of a previous run")
	cmd.Flags().BoolVar(&noBar, "no-progress", false, "Disable the progress bar")
	return cmd
}

func runExtraction(ctx context.Context, cfg *config.Config, resume, bar bool) (extractor.Report, error) {
	rep := extractor.Report{ExtractKey: cfg.ExtractKey, State: extractor.StateFailed}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := progress.Open(ctx, cfg.Progress)
	if err != nil {
		rep.Err = err
		return rep, fmt.Errorf("failed to open progress channel: %w", err)
	}
	defer ch.Close()
	logrus.AddHook(progress.NewLogHook(ch))

	// Initialise source connection with retry logic.
	conn, err := source.Open(ctx, cfg.Source, cfg.Retry)
	if err != nil {
		rep.Err = err
		return rep, fmt.Errorf("failed to connect to source: %w", err)
	}
	defer conn.Close()

	st, err := store.OpenOutput(cfg.Output, cfg.ExtractKey)
	if err != nil {
		rep.Err = err
		return rep, fmt.Errorf("failed to open output: %w", err)
	}
	defer st.Close()

	// Wrap the store with automatic retry logic for a busy database file.
	st = sink.NewRetryStore(st, cfg.Retry.Attempts, cfg.Retry.DelayMS, store.IsBusy)

	opts := extractor.Options{Resume: resume}
	var display *rowBar
	if bar {
		display = newRowBar(ctx, cfg.ExtractKey)
		opts.Hooks = display.hooks()
	}
	ext := extractor.New(cfg, conn, st, ch, opts)

	// The first interrupt stops at the next chunk boundary, the second
	// cancels outright.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		logrus.Info("interrupt received, stopping at the next chunk boundary…")
		if err := ext.Request(progress.CmdStop); err != nil {
			logrus.Warnf("stop request rejected: %v", err)
		}
		select {
		case <-sigCh:
			logrus.Warn("second interrupt received, cancelling")
			cancel()
		case <-ctx.Done():
		}
	}()

	go progress.Watch(ctx, ch, cfg.ExtractKey, cfg.Progress.Poll(), ext.Request)

	rep, err = ext.Run(ctx, cfg.Definitions())
	display.finish(rep)
	return rep, err
}
