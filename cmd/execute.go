package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/planwright/planwright/internal/executor"
	"github.com/planwright/planwright/internal/progress"
	"github.com/planwright/planwright/internal/service"
)

var executeCmd = &cobra.Command{
	Use:   "execute <plan>",
	Short: "Execute a plan on its SQL warehouse",
	Long: `Execute compiles a plan, checks it against the guardrails and runs the
statements on the plan's warehouse in order. Transient failures are retried
with exponential backoff up to execution_config.max_retries; any statement
that still fails stops the execution. The outcome is recorded in the audit
log of the environment's store.

<plan> is a plan file or the id of a saved plan.`,
	Example: `  # Execute a plan file against the default environment
  planwright execute plans/orders.yaml

  # Execute the latest saved revision in staging with a live progress view
  planwright execute orders --environment staging --progress

  # Execute a specific revision on behalf of a scheduler
  planwright execute orders --version 4 --as airflow`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

var (
	executeVersion     int
	executeProgress    bool
	executeAs          string
	executeTimeout     time.Duration
	executeID          string
	executeMetricsFile string
)

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().IntVar(&executeVersion, "version", 0, "Saved plan version (when <plan> is a plan id)")
	executeCmd.Flags().BoolVar(&executeProgress, "progress", false, "Show a live progress view")
	executeCmd.Flags().StringVar(&executeAs, "as", "", "Principal recorded as initiated_by (defaults to the current user)")
	executeCmd.Flags().DurationVar(&executeTimeout, "timeout", 0, "Per-statement timeout (overrides execution_config.timeout_seconds)")
	executeCmd.Flags().StringVar(&executeID, "execution-id", "", "Execution id (generated when empty)")
	executeCmd.Flags().StringVar(&executeMetricsFile, "metrics-file", "", "Write execution metrics in Prometheus text format to this file")
}

func runExecute(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	p, err := a.resolvePlan(ctx, args[0], executeVersion)
	if err != nil {
		return err
	}
	tracker, err := a.newTracker(ctx)
	if err != nil {
		return err
	}
	svc := a.newService(service.WithRunner(tracker))

	id := executeID
	if id == "" {
		id = uuid.NewString()
	}
	// Stopping lets the statement in flight finish. Cancel reaches a running
	// execution; cancelling ctx covers one that has not started yet.
	stopExecution := func() {
		if err := tracker.Cancel(id); err != nil {
			a.log.Debug("cancel not delivered to tracker", zap.Error(err))
		}
		cancel()
	}
	stopSignals := notifyStop(cmd.ErrOrStderr(), stopExecution)
	defer stopSignals()

	opts := service.ExecuteOptions{
		InitiatedBy: initiatedBy(),
		ExecutionID: id,
		Timeout:     executeTimeout,
	}

	var exec *executor.Execution
	if executeProgress {
		// Compile once up front so the view knows how many statements to show;
		// invalid or blocked plans fail here before the view starts.
		compiled, cerr := svc.Compile(p)
		if cerr != nil {
			return cerr
		}
		if cerr := svc.Check(compiled).Err(); cerr != nil {
			return cerr
		}
		title := fmt.Sprintf("%s v%d", compiled.PlanID, compiled.PlanVersion)
		exec, err = progress.Run(ctx, title, len(compiled.Statements), cmd.InOrStdin(), cmd.OutOrStdout(), stopExecution,
			func(ctx context.Context, onEvent func(executor.Event)) (*executor.Execution, error) {
				opts.OnEvent = onEvent
				return svc.Execute(ctx, p, opts)
			})
	} else {
		opts.OnEvent = progress.Printer(cmd.ErrOrStderr())
		exec, err = svc.Execute(ctx, p, opts)
	}

	if merr := a.writeMetrics(executeMetricsFile); merr != nil {
		a.log.Warn("metrics not written", zap.Error(merr))
	}
	if exec != nil {
		printExecution(cmd, exec)
	}
	return err
}

// notifyStop calls stop on the first SIGINT or SIGTERM and then restores the
// default handling, so a second interrupt terminates the process. The
// returned function stops listening.
func notifyStop(w io.Writer, stop func()) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			signal.Stop(sigs)
			_, _ = fmt.Fprintln(w, warningText("stopping after the current statement; interrupt again to abort"))
			stop()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func printExecution(cmd *cobra.Command, exec *executor.Execution) {
	out := cmd.OutOrStdout()
	line := fmt.Sprintf("execution %s %s", exec.ID, exec.Status)
	if exec.Status == executor.StatusSucceeded {
		_, _ = fmt.Fprintln(out, successText(line))
		return
	}
	_, _ = fmt.Fprintln(out, warningText(line))
}

func initiatedBy() string {
	if executeAs != "" {
		return executeAs
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}
