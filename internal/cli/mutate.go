package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/coedit/internal/engine"
	"github.com/roach88/coedit/internal/ir"
)

// MutateOptions holds flags shared by create and update.
type MutateOptions struct {
	*RootOptions
	PayloadFlags
	EventID string
	Base    string
	Comment string
}

func addPayloadFlags(cmd *cobra.Command, p *PayloadFlags) {
	cmd.Flags().StringVar(&p.Payload, "payload", "", "full payload as a JSON object")
	cmd.Flags().StringVar(&p.PayloadFile, "payload-file", "", "full payload from a JSON or YAML file")
	cmd.Flags().StringArrayVar(&p.Set, "set", nil, "set a field: field=value (repeatable)")
	cmd.Flags().StringArrayVar(&p.Unset, "unset", nil, "remove a field (repeatable)")
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an event; the acting principal becomes its owner",
		Long: `Create an event from a payload. The acting principal becomes the owner.

Examples:
  coedit create --as alice --payload '{"title":"Standup"}'
  coedit create --as alice --id ev-1 --payload-file meeting.yaml
  coedit create --as alice --set title=Standup --set is_recurring=true`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.EventID, "id", "", "event ID (generated when empty)")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "comment recorded on the version")
	addPayloadFlags(cmd, &opts.PayloadFlags)

	return cmd
}

func runCreate(opts *MutateOptions, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	if !opts.hasPayload() && !opts.hasEdits() {
		return NewExitError(ExitCommandError, "create needs --payload, --payload-file or --set")
	}
	proposed, err := opts.build(nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid payload", err)
	}

	return withApp(opts.RootOptions, cmd, func(ctx context.Context, app *App) error {
		res, err := app.Engine.Mutate(ctx, principal, ir.MutationRequest{
			EventID:  opts.EventID,
			Proposed: proposed,
			Comment:  opts.Comment,
		})
		return reportMutation(opts.RootOptions, cmd, app, res, err)
	})
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <event-id>",
		Short: "Propose a new version of an event",
		Long: `Propose a new version computed from a base version.

Without --base the edit applies to the current version. With --base, the
edit is computed from that older version and merged with whatever changed
since; edits to the same field end in a conflict (exit code 3).

Examples:
  coedit update ev-1 --as bob --set location="Room 4"
  coedit update ev-1 --as carol --base 6f1c... --set title=Retro --unset description
  coedit update ev-1 --as bob --payload-file meeting.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Base, "base", "", "version ID the edit was computed from (default: current version)")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "comment recorded on the version")
	addPayloadFlags(cmd, &opts.PayloadFlags)

	return cmd
}

func runUpdate(opts *MutateOptions, eventID string, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	if !opts.hasPayload() && !opts.hasEdits() {
		return NewExitError(ExitCommandError, "update needs --set, --unset, --payload or --payload-file")
	}

	return withApp(opts.RootOptions, cmd, func(ctx context.Context, app *App) error {
		var (
			base ir.Version
			err  error
		)
		if opts.Base == "" {
			base, err = app.Engine.Head(ctx, principal, eventID)
		} else {
			base, err = app.Engine.SnapshotAt(ctx, principal, opts.Base)
		}
		if err != nil {
			return reportError(opts.RootOptions, cmd, "failed to load base version", err)
		}

		proposed, err := opts.build(base.Payload)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid payload", err)
		}
		res, err := app.Engine.Mutate(ctx, principal, ir.MutationRequest{
			EventID:       eventID,
			BaseVersionID: base.ID,
			Proposed:      proposed,
			Comment:       opts.Comment,
		})
		return reportMutation(opts.RootOptions, cmd, app, res, err)
	})
}

// RollbackOptions holds flags for the rollback command.
type RollbackOptions struct {
	*RootOptions
	Comment string
}

// NewRollbackCommand creates the rollback command.
func NewRollbackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RollbackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rollback <event-id> <version-id>",
		Short: "Restore an earlier version as a new version",
		Long: `Append a new version whose payload copies an earlier one.
History is never rewritten. Rolling back also restores a deleted event.

Example:
  coedit rollback ev-1 6f1c... --as alice --comment "undo room change"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Comment, "comment", "", "comment (default: rolled back to version N)")

	return cmd
}

func runRollback(opts *RollbackOptions, eventID, versionID string, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	return withApp(opts.RootOptions, cmd, func(ctx context.Context, app *App) error {
		res, err := app.Engine.Rollback(ctx, principal, eventID, versionID, opts.Comment)
		return reportMutation(opts.RootOptions, cmd, app, res, err)
	})
}

// DeleteOptions holds flags for the delete command.
type DeleteOptions struct {
	*RootOptions
	Base string
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete <event-id>",
		Short: "Delete an event (owner only)",
		Long: `Append a tombstone version. The history stays readable and a
rollback restores the event.

Example:
  coedit delete ev-1 --as alice`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Base, "base", "", "version ID the deletion is based on (default: current version)")

	return cmd
}

func runDelete(opts *DeleteOptions, eventID string, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	return withApp(opts.RootOptions, cmd, func(ctx context.Context, app *App) error {
		res, err := app.Engine.Delete(ctx, principal, eventID, opts.Base)
		return reportMutation(opts.RootOptions, cmd, app, res, err)
	})
}

// reportMutation prints a mutation result and maps its outcome to an exit
// code.
func reportMutation(opts *RootOptions, cmd *cobra.Command, app *App, res *engine.Result, err error) error {
	out := opts.formatter(cmd)
	for _, rec := range app.Changes() {
		out.VerboseLog("notified %s seq %d (%s)", rec.EventID, rec.Seq, rec.Summary.Kind)
	}

	if opts.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: res, TraceID: res.EventID}
		if err != nil {
			resp.Status = "error"
			resp.Error = &CLIError{Code: errorCode(err), Message: res.Reason}
		}
		if encErr := out.Response(resp); encErr != nil {
			return encErr
		}
	} else {
		writeResultText(cmd.OutOrStdout(), res)
	}

	if err != nil {
		return WrapExitError(exitCodeFor(err), fmt.Sprintf("%s %s", res.EventID, res.Outcome), err)
	}
	return nil
}

// reportError prints a non-mutation failure and returns it with an exit code.
func reportError(opts *RootOptions, cmd *cobra.Command, message string, err error) error {
	if opts.Format == "json" {
		_ = opts.formatter(cmd).Error(errorCode(err), err.Error(), nil)
	}
	return WrapExitError(exitCodeFor(err), message, err)
}

func writeResultText(w io.Writer, res *engine.Result) {
	switch res.Outcome {
	case engine.OutcomeAccepted:
		v := res.Version
		fields := strings.Join(v.Summary.Fields(), ", ")
		fmt.Fprintf(w, "✓ %s v%d %s [%s]\n", v.EventID, v.Seq, v.Summary.Kind, fields)
		fmt.Fprintf(w, "  version: %s\n", v.ID)
		if res.Merged {
			fmt.Fprintln(w, "  merged with concurrent changes")
		}

	case engine.OutcomeConflict:
		fmt.Fprintf(w, "✗ conflict on %s: %s\n", res.EventID, res.Reason)
		if c := res.Conflict; c != nil {
			fmt.Fprintf(w, "  current version: v%d %s\n", c.Head.Seq, c.Head.ID)
			fmt.Fprintf(w, "  conflicting fields: %s\n", strings.Join(c.Fields, ", "))
			for _, ch := range c.HeadChanges {
				fmt.Fprintf(w, "    theirs %s\n", formatChange(ch))
			}
			for _, ch := range c.ProposedChanges {
				fmt.Fprintf(w, "    yours  %s\n", formatChange(ch))
			}
		}

	default:
		fmt.Fprintf(w, "✗ %s %s: %s\n", res.EventID, res.Outcome, res.Reason)
	}
}
