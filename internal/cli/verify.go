package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/coedit/internal/engine"
)

// VerifyResult holds the overall verification result.
type VerifyResult struct {
	Events      []engine.VerifyReport `json:"events"`
	TotalEvents int                   `json:"total_events"`
	AllValid    bool                  `json:"all_valid"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := rootOpts

	cmd := &cobra.Command{
		Use:   "verify [event-id...]",
		Short: "Audit version chains against their content hashes",
		Long: `Re-derive every version ID from its content and check the chain:
contiguous sequence numbers, each version's first parent is its
predecessor, merge parents are older versions of the same event.

Without arguments every event the principal can read is verified.

Exit codes:
  0 - All chains verified
  1 - At least one chain has problems
  2 - Command error (database not found, etc.)

Examples:
  coedit verify --as alice
  coedit verify ev-1 ev-2 --as alice --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, args, cmd)
		},
	}

	return cmd
}

func runVerify(opts *RootOptions, eventIDs []string, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	return withApp(opts, cmd, func(ctx context.Context, app *App) error {
		if len(eventIDs) == 0 {
			page, err := app.Engine.Events(ctx, principal, engine.EventFilter{IncludeDeleted: true})
			if err != nil {
				return reportError(opts, cmd, "failed to list events", err)
			}
			for _, ev := range page.Events {
				eventIDs = append(eventIDs, ev.ID)
			}
		}

		result := VerifyResult{
			Events:   make([]engine.VerifyReport, 0, len(eventIDs)),
			AllValid: true,
		}
		for _, id := range eventIDs {
			report, err := app.Engine.Verify(ctx, principal, id)
			if err != nil {
				return reportError(opts, cmd, fmt.Sprintf("failed to verify %s", id), err)
			}
			result.Events = append(result.Events, report)
			if !report.OK() {
				result.AllValid = false
			}
		}
		result.TotalEvents = len(result.Events)

		if opts.Format == "json" {
			if err := opts.formatter(cmd).Success(result); err != nil {
				return err
			}
		} else {
			outputVerifyText(cmd, result)
		}

		if !result.AllValid {
			return NewExitError(ExitFailure, "verification found problems")
		}
		return nil
	})
}

func outputVerifyText(cmd *cobra.Command, result VerifyResult) {
	w := cmd.OutOrStdout()
	if result.TotalEvents == 0 {
		fmt.Fprintln(w, "No events to verify.")
		return
	}
	for _, r := range result.Events {
		if r.OK() {
			fmt.Fprintf(w, "✓ %s (%d versions)\n", r.EventID, r.Versions)
			continue
		}
		fmt.Fprintf(w, "✗ %s (%d versions)\n", r.EventID, r.Versions)
		for _, p := range r.Problems {
			fmt.Fprintf(w, "  %s\n", p)
		}
	}
	fmt.Fprintln(w)
	if result.AllValid {
		fmt.Fprintf(w, "All %d event(s) verified\n", result.TotalEvents)
	}
}
