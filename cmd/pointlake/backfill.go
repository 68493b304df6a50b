package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pointlake/pointlake/internal/backfill"
	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/metrics"
	"github.com/pointlake/pointlake/internal/state"
	"github.com/pointlake/pointlake/internal/storage/colds3"
	"github.com/pointlake/pointlake/internal/storage/stateredis"
	"github.com/pointlake/pointlake/internal/upstream"
)

func backfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Manage historical backfill jobs",
		Long: `Backfill jobs fetch deep history from the vendor API and write it
straight to cold parquet day files, resumable day by day. Jobs are plain
records in the state store: start enqueues one here and the serve
process (or start --run) works through it.`,
	}
	cmd.AddCommand(backfillStartCmd(), backfillStatusCmd(), backfillCancelCmd())
	return cmd
}

func backfillStartCmd() *cobra.Command {
	var req backfill.StartRequest
	var run bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Enqueue a backfill job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m := metrics.New()

			st, err := stateredis.Open(cfg.State)
			if err != nil {
				return err
			}
			defer st.Close()

			deps := backfill.Deps{State: st, Metrics: m}
			if run {
				cold, err := colds3.Open(cmd.Context(), cfg.Cold)
				if err != nil {
					return err
				}
				up, err := upstream.New(cfg.Upstream, m)
				if err != nil {
					return err
				}
				deps.Cold = cold
				deps.Upstream = up
			}

			w := backfill.New(cfg, deps)
			job, err := w.Start(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !run {
				return printJob(job)
			}

			// Drive the job to a terminal state in this process. Each
			// tick covers at most the configured day budget.
			for !job.Terminal() {
				if err := w.Tick(cmd.Context()); err != nil {
					return err
				}
				if job, err = w.Status(cmd.Context(), job.ID); err != nil {
					return err
				}
			}
			if err := printJob(job); err != nil {
				return err
			}
			if job.Status == state.JobFailed {
				return fmt.Errorf("backfill job %s failed: %s", job.ID, job.LastError)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Site, "site", "", "site to backfill (required)")
	cmd.Flags().StringVar(&req.StartDate, "start", "", "first day, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&req.EndDate, "end", "", "last day inclusive, YYYY-MM-DD (required)")
	cmd.Flags().BoolVar(&req.Resume, "resume", false, "pick up the newest unfinished job for this range instead of starting over")
	cmd.Flags().BoolVar(&req.ContinueOnError, "continue-on-error", false, "skip bad days instead of failing the job")
	cmd.Flags().BoolVar(&run, "run", false, "work the job to completion in this process instead of leaving it for serve")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func backfillStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a backfill job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			w, st, err := jobWorker(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			job, err := w.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(job)
		},
	}
}

func backfillCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a backfill job",
		Long: `Cancel flips the job record so the worker stops at the next day
boundary. Days already written stay in the cold store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			w, st, err := jobWorker(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			job, err := w.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(job)
		},
	}
}

// jobWorker builds a backfill worker with just enough wiring for job
// record operations. Status and cancel never touch the cold store or
// the vendor API.
func jobWorker(cfg *config.Config) (*backfill.Worker, *stateredis.Store, error) {
	st, err := stateredis.Open(cfg.State)
	if err != nil {
		return nil, nil, err
	}
	w := backfill.New(cfg, backfill.Deps{State: st, Metrics: metrics.New()})
	return w, st, nil
}

func printJob(job *state.BackfillJob) error {
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}
