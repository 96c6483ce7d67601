package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
	"github.com/JakeFAU/acquisition-engine/internal/jobs"
)

type runFlags struct {
	name     string
	source   string
	category string
	target   int
	priority int
	standard string
	poll     time.Duration
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one job to a terminal state and print its summary",
		Long: `run submits a single job, either from flags or from a named standard job,
waits until it completes, fails or is interrupted, and prints the final job as
JSON. An interrupt cancels the job in drain mode.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJob(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "", "job name")
	cmd.Flags().StringVar(&f.source, "source", "", "source id")
	cmd.Flags().StringVar(&f.category, "category", "", "category within the source")
	cmd.Flags().IntVar(&f.target, "target", 0, "number of records to save (0 uses jobs.default_target)")
	cmd.Flags().IntVar(&f.priority, "priority", 0, "job priority")
	cmd.Flags().StringVar(&f.standard, "standard", "", "submit a configured standard job by name")
	cmd.Flags().DurationVar(&f.poll, "poll", time.Second, "status poll interval")
	return cmd
}

func runJob(cmd *cobra.Command, f runFlags) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	if f.standard == "" && (f.source == "" || f.category == "") {
		return errors.New("either --standard or both --source and --category are required")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	// Workers run on the command context; the signal only triggers the drain.
	a.Start(cmd.Context())
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("engine shutdown", zap.Error(err))
		}
	}()

	var submitted string
	if f.standard != "" {
		res, err := a.Jobs.SubmitStandard(ctx, f.standard)
		if err != nil {
			return err
		}
		submitted = res.JobID
	} else {
		res, err := a.Jobs.Submit(ctx, acquire.JobSpec{
			Name:        f.name,
			Source:      f.source,
			Category:    f.category,
			TargetCount: f.target,
			Priority:    f.priority,
		})
		if err != nil {
			return err
		}
		e.logger.Info("job submitted", zap.String("job_id", res.JobID), zap.Duration("estimate", res.EstimatedDuration))
		submitted = res.JobID
	}

	job, err := waitTerminal(ctx, a.Jobs, submitted, f.poll, shutdownTimeout)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if job.Status == acquire.JobStatusFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
	}
	return nil
}

// jobWatcher is the slice of the jobs manager run needs.
type jobWatcher interface {
	Get(ctx context.Context, id string) (acquire.Job, error)
	Cancel(ctx context.Context, id string, mode acquire.CancelMode) (jobs.CancelResult, error)
	Settled(id string) bool
}

// waitTerminal polls until the job is terminal. When ctx ends first the job
// is cancelled in drain mode and waitTerminal keeps polling until its
// in-flight tasks have finished, for at most drain.
func waitTerminal(ctx context.Context, w jobWatcher, id string, poll, drain time.Duration) (acquire.Job, error) {
	if poll <= 0 {
		poll = time.Second
	}
	bg := context.WithoutCancel(ctx)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	done := ctx.Done()
	var deadline <-chan time.Time
	interrupted := false
	for {
		job, err := w.Get(bg, id)
		if err != nil {
			return acquire.Job{}, err
		}
		if job.Status.Terminal() && (!interrupted || w.Settled(id)) {
			return job, nil
		}
		select {
		case <-done:
			done = nil
			interrupted = true
			if _, err := w.Cancel(bg, id, acquire.CancelDrain); err != nil {
				return acquire.Job{}, err
			}
			timer := time.NewTimer(drain)
			defer timer.Stop()
			deadline = timer.C
		case <-deadline:
			return job, fmt.Errorf("job %s still draining after %s", id, drain)
		case <-ticker.C:
		}
	}
}
