package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/roach88/refrace/internal/harness"
)

// ScriptValidation is the validation outcome for one script file.
type ScriptValidation struct {
	Path     string   `json:"path"`
	Valid    bool     `json:"valid"`
	Name     string   `json:"name,omitempty"`
	Stages   int      `json:"stages,omitempty"`
	Sessions []string `json:"sessions,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <script.yaml>...",
		Short: "Validate scripts without running them",
		Long: `Validate one or more scripts without touching a backend.

Each file is parsed as YAML, checked against the embedded script schema and
then checked structurally: one operation per step, known error kinds and
resolution policies, and no session used twice within a stage.`,
		Args:          usageArgs(cobra.MinimumNArgs(1)),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	results := make([]ScriptValidation, 0, len(paths))
	invalid := 0
	for _, path := range paths {
		formatter.VerboseLog("Validating %s", path)
		script, err := harness.LoadScript(path)
		if err != nil {
			var pathErr *fs.PathError
			if errors.As(err, &pathErr) {
				if formatter.IsJSON() {
					_ = formatter.Error(ErrCodeNotFound, err.Error(), map[string]string{"path": path})
				}
				return WrapExitError(ExitCommandError, "cannot read script", err)
			}
			invalid++
			results = append(results, ScriptValidation{Path: path, Error: err.Error()})
			continue
		}
		results = append(results, ScriptValidation{
			Path:     path,
			Valid:    true,
			Name:     script.Name,
			Stages:   len(script.Stages),
			Sessions: script.Sessions(),
		})
	}

	if formatter.IsJSON() {
		if invalid > 0 {
			if err := formatter.Error(ErrCodeScriptInvalid, fmt.Sprintf("%d of %d script(s) invalid", invalid, len(paths)), results); err != nil {
				return WrapExitError(ExitCommandError, "failed to write output", err)
			}
		} else if err := formatter.Success(results); err != nil {
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
	} else {
		writeValidationText(formatter.Writer, results)
	}

	if invalid > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d script(s) invalid", invalid, len(paths)))
	}
	return nil
}

func writeValidationText(w io.Writer, results []ScriptValidation) {
	for _, r := range results {
		if !r.Valid {
			fmt.Fprintf(w, "✗ %s: %s\n", r.Path, r.Error)
			continue
		}
		fmt.Fprintf(w, "✓ %s: %s (%s, %s)\n", r.Path, r.Name,
			plural(r.Stages, "stage"), plural(len(r.Sessions), "session"))
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
