package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"etl-extract/internal/progress"
)

type redisFlags struct {
	addr string
	db   int
}

func (f *redisFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "redis-addr", "localhost:6379", "Redis address of the progress channel")
	cmd.Flags().IntVar(&f.db, "redis-db", 0, "Redis database")
}

func (f *redisFlags) dial(cmd *cobra.Command) (*progress.RedisChannel, error) {
	return progress.DialRedis(cmd.Context(), f.addr, f.db, 24*time.Hour)
}

func newControlCmd() *cobra.Command {
	var rf redisFlags
	cmd := &cobra.Command{
		Use:   "control <extract-key> <pause|resume|stop>",
		Short: "Send a control command to a running extraction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := progress.ParseCommand(args[1])
			if err != nil {
				return err
			}
			ch, err := rf.dial(cmd)
			if err != nil {
				return err
			}
			defer ch.Close()
			if err := ch.PushControl(cmd.Context(), args[0], c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s sent to %s\n", c, args[0])
			return nil
		},
	}
	rf.register(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	var (
		rf   redisFlags
		logs int
	)
	cmd := &cobra.Command{
		Use:   "status <extract-key>",
		Short: "Show status, progress and recent log lines of an extraction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := rf.dial(cmd)
			if err != nil {
				return err
			}
			defer ch.Close()
			ctx := cmd.Context()
			id := args[0]

			status, err := ch.Status(ctx, id)
			if err != nil {
				return err
			}
			pct, err := ch.Progress(ctx, id)
			if err != nil {
				return err
			}
			if status == "" {
				status = "unknown"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s (%d%%)\n", id, status, pct)

			lines, err := ch.Logs(ctx, id)
			if err != nil {
				return err
			}
			if logs > 0 && len(lines) > logs {
				lines = lines[len(lines)-logs:]
			}
			for _, l := range lines {
				fmt.Fprintln(out, l)
			}
			return nil
		},
	}
	rf.register(cmd)
	cmd.Flags().IntVar(&logs, "logs", 10, "Number of log lines to show (0 for all)")
	return cmd
}
