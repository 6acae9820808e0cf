package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/refrace/internal/config"
	"github.com/roach88/refrace/internal/harness"
	"github.com/roach88/refrace/internal/journal"
	"github.com/roach88/refrace/internal/memrepo"
	"github.com/roach88/refrace/internal/metrics"
)

// RunResult is the JSON payload of the run command.
type RunResult struct {
	RunID  string          `json:"run_id,omitempty"`
	Report *harness.Report `json:"report"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script.yaml>",
		Short: "Run a staged script against the ref store",
		Long: `Run a staged script against the configured backend.

The backend is provisioned with the script's schema, one session is opened
per client, and the stages run in order on a fixed worker pool. A stage
with a failed item stops the run and the first failure is reported.

Exit status is 0 when every stage completes, 1 when a stage fails and 2
when the command itself cannot run.

Examples:
  refrace run ./scripts/diverge.yaml
  refrace run --backend mysql --host 127.0.0.1 --port 3306 ./scripts/race.yaml
  refrace run --journal ./refrace.db --metrics-out ./refrace.prom --format json ./scripts/retry.yaml`,
		Args:          usageArgs(cobra.ExactArgs(1)),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runScript(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closer := newLogger(opts, cmd.ErrOrStderr(), cfg.LogFile)
	defer closer.Close()

	script, err := harness.LoadScript(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load script", err)
	}
	formatter.VerboseLog("Loaded script %q: %d stage(s), %d session(s)", script.Name, len(script.Stages), len(script.Sessions()))

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := newBackend(cfg, logger)
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("error closing backend", slog.String("error", err.Error()))
		}
	}()

	collector := metrics.New()
	runOpts := harness.Options{
		Database: cfg.Database,
		Workers:  cfg.Workers,
		Metrics:  collector,
		Logger:   logger,
	}
	runner := harness.NewRunner(backend, runOpts)

	var (
		j     *journal.Journal
		runID string
		rec   *journal.Recorder
	)
	if cfg.Journal != "" {
		j, err = journal.Open(cfg.Journal)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := j.Close(); closeErr != nil {
				logger.Error("error closing journal", slog.String("error", closeErr.Error()))
			}
		}()

		run, err := j.BeginRun(ctx, journal.Run{
			Script:  script.Name,
			Backend: backend.Name(),
			Workers: runner.PoolSize(script),
			Stages:  len(script.Stages),
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to record run", err)
		}
		runID = run.ID
		rec = journal.NewRecorder(ctx, j, runID, logger)
		runOpts.Observer = rec
		runner = harness.NewRunner(backend, runOpts)
		formatter.VerboseLog("Journaling run %s to %s", runID, cfg.Journal)
	}

	report, runErr := runner.Run(ctx, script)

	if j != nil {
		status, failure := journal.StatusAborted, ""
		if report != nil && report.Status == harness.StatusComplete {
			status = journal.StatusComplete
		}
		if runErr != nil {
			failure = runErr.Error()
		}
		// The run context may already be cancelled; the final status still
		// has to land.
		if err := j.FinishRun(context.WithoutCancel(ctx), runID, status, failure); err != nil {
			logger.Error("failed to finish journal run", slog.String("run", runID), slog.String("error", err.Error()))
		}
		if err := rec.Err(); err != nil {
			logger.Warn("journal is incomplete", slog.String("run", runID), slog.String("error", err.Error()))
		}
	}

	if cfg.MetricsOut != "" {
		if err := collector.WriteTextfile(cfg.MetricsOut); err != nil {
			if formatter.IsJSON() {
				_ = formatter.Error(ErrCodeWriteFailed, err.Error(), nil)
			}
			return WrapExitError(ExitCommandError, "failed to write metrics", err)
		}
		formatter.VerboseLog("Wrote metrics to %s", cfg.MetricsOut)
	}

	if report == nil {
		if formatter.IsJSON() {
			_ = formatter.Error(ErrCodeSetup, runErr.Error(), nil)
		}
		return WrapExitError(ExitCommandError, "run setup failed", runErr)
	}

	result := RunResult{RunID: runID, Report: report}
	if err := outputRun(formatter, result, runErr); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", err)
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "run aborted", runErr)
	}
	return nil
}

// newBackend builds the configured session backend.
func newBackend(cfg config.Config, logger *slog.Logger) harness.Backend {
	if cfg.Backend == config.BackendMySQL {
		return harness.NewMySQLBackend(cfg.Session(cfg.Database), cfg.ConnectRetries, logger)
	}
	return harness.NewMemoryBackend(
		memrepo.WithLatency(cfg.Latency),
		memrepo.WithLogger(logger),
	)
}

func outputRun(f *OutputFormatter, result RunResult, runErr error) error {
	if f.IsJSON() {
		if runErr == nil {
			return f.Success(result)
		}
		return f.Error(runErrorCode(runErr), runErr.Error(), result)
	}

	if err := result.Report.WriteText(f.Writer); err != nil {
		return err
	}
	if result.RunID != "" {
		fmt.Fprintf(f.Writer, "run: %s\n", result.RunID)
	}
	return nil
}

func runErrorCode(err error) string {
	var failure *harness.StageFailure
	if errors.As(err, &failure) {
		return ErrCodeStageFailed
	}
	return ErrCodeRunStopped
}

// commandContext returns cmd's context, or Background when the command was
// executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
