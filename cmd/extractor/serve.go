package main

import (
	"context"
	"errors"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"etl-extract/internal/api"
	"etl-extract/internal/config"
	"etl-extract/internal/progress"
)

func newServeCmd() *cobra.Command {
	var (
		addr string
		pc   config.ProgressConfig
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve extraction jobs over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("addr") {
				if port := os.Getenv("API_PORT"); port != "" {
					addr = ":" + port
				}
			}
			if pc.Type == "" {
				pc.Type = config.ProgressMemory
				if pc.Addr != "" {
					pc.Type = config.ProgressRedis
				}
			}
			if pc.TTLSeconds <= 0 {
				pc.TTLSeconds = 24 * 60 * 60
			}
			return serve(cmd.Context(), addr, pc)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address (API_PORT overrides the port)")
	cmd.Flags().StringVar(&pc.Type, "progress", "", "Progress channel type (memory, redis)")
	cmd.Flags().StringVar(&pc.Addr, "redis-addr", "", "Redis address for progress and control")
	cmd.Flags().IntVar(&pc.DB, "redis-db", 0, "Redis database")
	cmd.Flags().IntVar(&pc.TTLSeconds, "progress-ttl", 0, "Lifetime of progress keys in seconds")
	return cmd
}

func serve(ctx context.Context, addr string, pc config.ProgressConfig) error {
	ch, err := progress.Open(ctx, pc)
	if err != nil {
		return err
	}
	defer ch.Close()
	logrus.AddHook(progress.NewLogHook(ch))

	srv := api.NewServer(api.DefaultDeps(ch))

	var g run.Group
	{
		sctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return srv.Run(sctx, addr)
			},
			func(error) {
				cancel()
			},
		)
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		logrus.Infof("received %s, server stopped", sigErr.Signal)
		return nil
	}
	return err
}
