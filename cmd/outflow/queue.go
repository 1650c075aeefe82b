package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/outflowhq/outflow/internal/dispatch"
	"github.com/outflowhq/outflow/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage job queues",
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show per-queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(qo *queueOperations) error {
				return qo.listQueues(cmd)
			})
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue totals and recent dead jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(qo *queueOperations) error {
				return qo.showStats(cmd)
			})
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry-dead <queue>",
		Short: "Requeue dead jobs for another round of attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt64("limit")
			return withBroker(cmd, func(qo *queueOperations) error {
				return qo.retryDead(cmd, args[0], limit)
			})
		},
	}
	retryCmd.Flags().Int64("limit", 50, "maximum number of jobs to requeue")

	queueCmd.AddCommand(listCmd, statsCmd, retryCmd)
}

type queueOperations struct {
	broker queue.Broker
}

func newQueueOperations(broker queue.Broker) *queueOperations {
	return &queueOperations{broker: broker}
}

// withBroker connects to the configured broker for the duration of one
// inspection command. Unlike serve, an unreachable broker is a hard
// error here; inspecting the null broker would only report zeros.
func withBroker(cmd *cobra.Command, fn func(*queueOperations) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	broker, err := queue.Connect(cmd.Context(), queue.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to queue broker at %s: %w", cfg.Redis.Addr, err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = broker.Close(ctx)
	}()

	return fn(newQueueOperations(broker))
}

func (qo *queueOperations) listQueues(cmd *cobra.Command) error {
	ctx := cmd.Context()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tREADY\tDELAYED\tDEAD")
	for _, name := range dispatch.AllQueues() {
		d, err := qo.broker.Queue(name).Depth(ctx)
		if err != nil {
			return fmt.Errorf("failed to read depth of %s: %w", name, err)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", name, d.Ready, d.Delayed, d.Dead)
	}
	return w.Flush()
}

func (qo *queueOperations) showStats(cmd *cobra.Command) error {
	ctx := cmd.Context()

	type deadEntry struct {
		queue string
		job   *queue.Job
	}
	var totals queue.Depth
	var dead []deadEntry

	for _, name := range dispatch.AllQueues() {
		q := qo.broker.Queue(name)
		d, err := q.Depth(ctx)
		if err != nil {
			return fmt.Errorf("failed to read depth of %s: %w", name, err)
		}
		totals.Ready += d.Ready
		totals.Delayed += d.Delayed
		totals.Dead += d.Dead

		if d.Dead > 0 {
			jobs, err := q.DeadJobs(ctx, 10)
			if err != nil {
				return fmt.Errorf("failed to read dead jobs of %s: %w", name, err)
			}
			for _, job := range jobs {
				dead = append(dead, deadEntry{queue: name, job: job})
			}
		}
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Queue Statistics")
	fmt.Fprintln(w, "----------------")
	fmt.Fprintf(w, "Ready:\t%d\n", totals.Ready)
	fmt.Fprintf(w, "Delayed:\t%d\n", totals.Delayed)
	fmt.Fprintf(w, "Dead:\t%d\n", totals.Dead)
	if err := w.Flush(); err != nil {
		return err
	}

	if len(dead) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	dw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(dw, "ID\tQUEUE\tATTEMPTS\tLAST ERROR")
	for _, e := range dead {
		fmt.Fprintf(dw, "%s\t%s\t%d\t%s\n",
			e.job.ID, e.queue, e.job.Attempts, truncate(e.job.LastError, 60))
	}
	return dw.Flush()
}

func (qo *queueOperations) retryDead(cmd *cobra.Command, name string, limit int64) error {
	if !validQueue(name) {
		return fmt.Errorf("unknown queue %q, expected one of: %s",
			name, strings.Join(dispatch.AllQueues(), ", "))
	}

	requeued, err := qo.broker.Queue(name).RetryDead(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("failed to retry dead jobs on %s: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d dead jobs from %s\n", requeued, name)
	return nil
}

func validQueue(name string) bool {
	for _, q := range dispatch.AllQueues() {
		if q == name {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
