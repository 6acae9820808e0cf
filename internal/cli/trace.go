package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/refrace/internal/journal"
	"github.com/roach88/refrace/internal/workpool"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	RunID string
	Item  string // optional - filter to one item
	List  bool
}

// TraceRun is a journaled run in trace output.
type TraceRun struct {
	ID      string `json:"id"`
	Script  string `json:"script"`
	Backend string `json:"backend"`
	Workers int    `json:"workers"`
	Stages  int    `json:"stages"`
	Seq     int64  `json:"seq"`
	Status  string `json:"status"`
	Failure string `json:"failure,omitempty"`
}

// TraceEvent is one journaled pool event in trace output.
type TraceEvent struct {
	Seq       int64  `json:"seq"`
	Kind      string `json:"kind"`
	Stage     int    `json:"stage"`
	StageName string `json:"stage_name"`
	Item      string `json:"item,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	OpIndex   int    `json:"op_index,omitempty"`
	Op        string `json:"op,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedUS int64  `json:"elapsed_us,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Run      TraceRun     `json:"run"`
	Timeline []TraceEvent `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for a run.
type TraceStats struct {
	TotalEvents int `json:"total_events"`
	Items       int `json:"items"`
	Retries     int `json:"retries"`
	FailedOps   int `json:"failed_ops"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the journaled timeline of a run",
		Long: `Show the event timeline of a journaled run.

Events are listed in journal order: stage starts and finishes, item
attempts and retries, and every operation with its error. Without --run
the most recent run is shown.

Examples:
  refrace trace --journal ./refrace.db --list
  refrace trace --journal ./refrace.db
  refrace trace --journal ./refrace.db --run 0190c1d2-... --item b --format json`,
		Args:          usageArgs(cobra.NoArgs),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id to trace (default: latest run)")
	cmd.Flags().StringVar(&opts.Item, "item", "", "filter to one item (session name)")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list journaled runs instead of tracing one")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	ctx := commandContext(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Journal == "" {
		return NewExitError(ExitCommandError, "journal is required (--journal)")
	}
	if _, err := os.Stat(cfg.Journal); err != nil {
		if formatter.IsJSON() {
			_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		}
		return WrapExitError(ExitCommandError, "journal not found", err)
	}

	j, err := journal.Open(cfg.Journal)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	if opts.List {
		runs, err := j.Runs(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list runs", err)
		}
		out := make([]TraceRun, len(runs))
		for i, r := range runs {
			out[i] = traceRun(r)
		}
		if formatter.IsJSON() {
			return formatter.Success(out)
		}
		writeRunList(formatter.Writer, out)
		return nil
	}

	var run journal.Run
	if opts.RunID != "" {
		run, err = j.Run(ctx, opts.RunID)
	} else {
		run, err = j.LatestRun(ctx)
	}
	if err != nil {
		if errors.Is(err, journal.ErrRunNotFound) && formatter.IsJSON() {
			_ = formatter.Error(ErrCodeJournal, err.Error(), nil)
		}
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	entries, err := j.Events(ctx, run.ID, opts.Item)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	result := buildTrace(run, entries)
	if formatter.IsJSON() {
		return formatter.Success(result)
	}
	writeTraceText(formatter.Writer, result, opts.Verbose)
	return nil
}

func traceRun(r journal.Run) TraceRun {
	return TraceRun{
		ID:      r.ID,
		Script:  r.Script,
		Backend: r.Backend,
		Workers: r.Workers,
		Stages:  r.Stages,
		Seq:     r.Seq,
		Status:  r.Status,
		Failure: r.Failure,
	}
}

// buildTrace converts journal entries to a timeline and tallies them.
func buildTrace(run journal.Run, entries []journal.Entry) TraceResult {
	result := TraceResult{
		Run:      traceRun(run),
		Timeline: make([]TraceEvent, 0, len(entries)),
	}
	items := make(map[string]bool)
	for _, e := range entries {
		result.Timeline = append(result.Timeline, TraceEvent{
			Seq:       e.Seq,
			Kind:      e.Kind,
			Stage:     e.StageIndex,
			StageName: e.StageName,
			Item:      e.Item,
			Attempt:   e.Attempt,
			OpIndex:   e.OpIndex,
			Op:        e.Op,
			Error:     e.Error,
			ElapsedUS: e.Elapsed.Microseconds(),
		})
		if e.Item != "" {
			items[e.Item] = true
		}
		switch {
		case e.Kind == workpool.ItemRetried.String():
			result.Stats.Retries++
		case e.Kind == workpool.OpFinished.String() && e.Error != "":
			result.Stats.FailedOps++
		}
	}
	result.Stats.TotalEvents = len(result.Timeline)
	result.Stats.Items = len(items)
	return result
}

func writeRunList(w io.Writer, runs []TraceRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs journaled.")
		return
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %-8s  %s (%s, %s, %s)\n",
			r.ID, r.Status, r.Script, r.Backend,
			plural(r.Workers, "worker"), plural(r.Stages, "stage"))
	}
}

func writeTraceText(w io.Writer, result TraceResult, verbose bool) {
	r := result.Run
	fmt.Fprintf(w, "Trace for Run: %s\n", r.ID)
	fmt.Fprintf(w, "Script: %s (%s, %s)\n", r.Script, r.Backend, plural(r.Workers, "worker"))
	fmt.Fprintf(w, "Status: %s\n", r.Status)
	if r.Failure != "" {
		fmt.Fprintf(w, "Failure: %s\n", r.Failure)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, e := range result.Timeline {
		formatTraceEvent(w, e, verbose)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Events: %d\n", result.Stats.TotalEvents)
	fmt.Fprintf(w, "  Items:        %d\n", result.Stats.Items)
	fmt.Fprintf(w, "  Retries:      %d\n", result.Stats.Retries)
	fmt.Fprintf(w, "  Failed Ops:   %d\n", result.Stats.FailedOps)
}

// formatTraceEvent writes one timeline line. Op starts are only shown in
// verbose mode; their finish line carries the same information.
func formatTraceEvent(w io.Writer, e TraceEvent, verbose bool) {
	elapsed := time.Duration(e.ElapsedUS) * time.Microsecond
	switch e.Kind {
	case workpool.StageStarted.String():
		fmt.Fprintf(w, "  [%d] STAGE %d %s started\n", e.Seq, e.Stage, e.StageName)
	case workpool.StageFinished.String():
		fmt.Fprintf(w, "  [%d] STAGE %d %s finished in %s\n", e.Seq, e.Stage, e.StageName, elapsed)
	case workpool.ItemStarted.String():
		fmt.Fprintf(w, "  [%d]   ITEM %s attempt %d\n", e.Seq, e.Item, e.Attempt)
	case workpool.ItemRetried.String():
		fmt.Fprintf(w, "  [%d]   RETRY %s after attempt %d: %s\n", e.Seq, e.Item, e.Attempt, e.Error)
	case workpool.ItemFinished.String():
		status := "ok"
		if e.Error != "" {
			status = "FAILED: " + e.Error
		}
		fmt.Fprintf(w, "  [%d]   DONE %s %s\n", e.Seq, e.Item, status)
	case workpool.OpStarted.String():
		if verbose {
			fmt.Fprintf(w, "  [%d]     op %d %s\n", e.Seq, e.OpIndex, e.Op)
		}
	case workpool.OpFinished.String():
		if e.Error != "" {
			fmt.Fprintf(w, "  [%d]     op %d %s ✗ %s\n", e.Seq, e.OpIndex, e.Op, e.Error)
			return
		}
		fmt.Fprintf(w, "  [%d]     op %d %s ✓ %s\n", e.Seq, e.OpIndex, e.Op, elapsed)
	default:
		fmt.Fprintf(w, "  [%d] %s\n", e.Seq, e.Kind)
	}
}
