package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/coedit/internal/engine"
	"github.com/roach88/coedit/internal/ir"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	Version string
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show the current version of an event, or a past snapshot",
		Long: `Show an event's payload. The current version by default; with
--version, the snapshot exactly as it was appended.

Examples:
  coedit show ev-1 --as bob
  coedit show ev-1 --as bob --version 6f1c...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Version, "version", "", "version ID to show (default: current)")

	return cmd
}

func runShow(opts *ShowOptions, eventID string, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	return withApp(opts.RootOptions, cmd, func(ctx context.Context, app *App) error {
		var v ir.Version
		if opts.Version == "" {
			v, err = app.Engine.Head(ctx, principal, eventID)
		} else {
			v, err = app.Engine.SnapshotAt(ctx, principal, opts.Version)
			if err == nil && v.EventID != eventID {
				err = fmt.Errorf("version %s belongs to event %s", opts.Version, v.EventID)
			}
		}
		if err != nil {
			return reportError(opts.RootOptions, cmd, "failed to read version", err)
		}

		if opts.Format == "json" {
			return opts.formatter(cmd).Success(v)
		}
		writeVersionText(cmd.OutOrStdout(), v, true)
		return nil
	})
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := rootOpts

	cmd := &cobra.Command{
		Use:   "history <event-id>",
		Short: "List an event's versions, newest first",
		Long: `List every version of an event, newest first, with the fields each
version changed.

Example:
  coedit history ev-1 --as bob -v`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args[0], cmd)
		},
	}

	return cmd
}

func runHistory(opts *RootOptions, eventID string, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	return withApp(opts, cmd, func(ctx context.Context, app *App) error {
		seq, err := app.Engine.History(ctx, principal, eventID)
		if err != nil {
			return reportError(opts, cmd, "failed to read history", err)
		}

		versions := []ir.Version{}
		for v, err := range seq {
			if err != nil {
				return reportError(opts, cmd, "failed to read history", err)
			}
			versions = append(versions, v)
		}

		if opts.Format == "json" {
			return opts.formatter(cmd).Success(versions)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "History for %s (%d versions)\n", eventID, len(versions))
		for _, v := range versions {
			writeVersionText(w, v, opts.Verbose)
		}
		return nil
	})
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	opts := rootOpts

	cmd := &cobra.Command{
		Use:   "diff <from-version> <to-version>",
		Short: "Compare two versions of one event",
		Long: `List the top-level fields that differ between two versions of the
same event, going from the first to the second.

Example:
  coedit diff 6f1c... 91ab... --as bob`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(opts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runDiff(opts *RootOptions, from, to string, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	return withApp(opts, cmd, func(ctx context.Context, app *App) error {
		changes, err := app.Engine.Diff(ctx, principal, from, to)
		if err != nil {
			return reportError(opts, cmd, "failed to diff versions", err)
		}
		if changes == nil {
			changes = []ir.FieldChange{}
		}

		if opts.Format == "json" {
			return opts.formatter(cmd).Success(changes)
		}
		w := cmd.OutOrStdout()
		if len(changes) == 0 {
			fmt.Fprintln(w, "(no changes)")
			return nil
		}
		for _, ch := range changes {
			fmt.Fprintf(w, "  %s\n", formatChange(ch))
		}
		return nil
	})
}

// NewChangelogCommand creates the changelog command.
func NewChangelogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := rootOpts

	cmd := &cobra.Command{
		Use:   "changelog <event-id>",
		Short: "Show an event's audit log, newest first",
		Long: `Show who changed what: one entry per version (create, update,
merge, rollback, delete) and one per share or permission change.

Example:
  coedit changelog ev-1 --as alice --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChangelog(opts, args[0], cmd)
		},
	}

	return cmd
}

func runChangelog(opts *RootOptions, eventID string, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	return withApp(opts, cmd, func(ctx context.Context, app *App) error {
		entries, err := app.Engine.Changelog(ctx, principal, eventID)
		if err != nil {
			return reportError(opts, cmd, "failed to read changelog", err)
		}
		if entries == nil {
			entries = []ir.ChangelogEntry{}
		}

		if opts.Format == "json" {
			return opts.formatter(cmd).Success(entries)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Changelog for %s\n", eventID)
		for _, e := range entries {
			writeChangelogText(w, e, opts.Verbose)
		}
		return nil
	})
}

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	From             string
	To               string
	Title            string
	Location         string
	ExcludeRecurring bool
	IncludeDeleted   bool
	Offset           int
	Limit            int
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the events the acting principal can read",
		Long: `List the events the acting principal can read, ordered by ID.

--from and --to select events overlapping the window: --from keeps events
ending at or after it, --to keeps events starting at or before it. Deleted
events are hidden unless --include-deleted is given.

Examples:
  coedit events --as alice
  coedit events --as alice --from 2026-03-01T00:00:00Z --to 2026-03-31T23:59:59Z
  coedit events --as alice --title standup --no-recurring --limit 10 --offset 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "keep events ending at or after this RFC 3339 time")
	cmd.Flags().StringVar(&opts.To, "to", "", "keep events starting at or before this RFC 3339 time")
	cmd.Flags().StringVar(&opts.Title, "title", "", "keep events whose title contains this text")
	cmd.Flags().StringVar(&opts.Location, "location", "", "keep events whose location contains this text")
	cmd.Flags().BoolVar(&opts.ExcludeRecurring, "no-recurring", false, "hide recurring events")
	cmd.Flags().BoolVar(&opts.IncludeDeleted, "include-deleted", false, "list deleted events too")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "skip this many matching events")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "list at most this many events (0: no limit)")

	return cmd
}

func (o *EventsOptions) filter() (engine.EventFilter, error) {
	f := engine.EventFilter{
		Title:            o.Title,
		Location:         o.Location,
		ExcludeRecurring: o.ExcludeRecurring,
		IncludeDeleted:   o.IncludeDeleted,
		Offset:           o.Offset,
		Limit:            o.Limit,
	}
	var err error
	if o.From != "" {
		if f.From, err = time.Parse(time.RFC3339, o.From); err != nil {
			return f, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if o.To != "" {
		if f.To, err = time.Parse(time.RFC3339, o.To); err != nil {
			return f, fmt.Errorf("invalid --to: %w", err)
		}
	}
	return f, nil
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	filter, err := opts.filter()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}
	return withApp(opts.RootOptions, cmd, func(ctx context.Context, app *App) error {
		page, err := app.Engine.Events(ctx, principal, filter)
		if err != nil {
			return reportError(opts.RootOptions, cmd, "failed to list events", err)
		}

		if opts.Format == "json" {
			return opts.formatter(cmd).Success(page)
		}
		w := cmd.OutOrStdout()
		if len(page.Events) == 0 {
			fmt.Fprintln(w, "No events.")
			return nil
		}
		for _, ev := range page.Events {
			status := ""
			if ev.Deleted {
				status = "  (deleted)"
			}
			fmt.Fprintf(w, "  %s  owner=%s  v%d  %s%s\n",
				ev.ID, ev.Owner, ev.HeadSeq, truncateID(ev.HeadVersionID), status)
		}
		if len(page.Events) < page.Total {
			fmt.Fprintf(w, "Showing %d-%d of %d\n", page.Offset+1, page.Offset+len(page.Events), page.Total)
		}
		return nil
	})
}

func writeVersionText(w io.Writer, v ir.Version, withPayload bool) {
	status := ""
	if v.Tombstone {
		status = " (deleted)"
	}
	fmt.Fprintf(w, "  [v%d] %s by %s at %s%s\n",
		v.Seq, v.Summary.Kind, v.Author, v.Timestamp.Format(time.RFC3339), status)
	fmt.Fprintf(w, "       ID: %s\n", truncateID(v.ID))
	if fields := v.Summary.Fields(); len(fields) > 0 {
		fmt.Fprintf(w, "       Changed: %s\n", strings.Join(fields, ", "))
	}
	if v.Summary.Comment != "" {
		fmt.Fprintf(w, "       Comment: %s\n", v.Summary.Comment)
	}
	if withPayload {
		fmt.Fprintf(w, "       Payload: %s\n", formatObject(v.Payload))
	}
}

func writeChangelogText(w io.Writer, e ir.ChangelogEntry, verbose bool) {
	ts := e.Timestamp.Format(time.RFC3339)
	switch e.Kind {
	case ir.ChangeShare, ir.ChangePermissionChange:
		fmt.Fprintf(w, "  %s %s by %s: %s %s -> %s\n",
			ts, e.Kind, e.Actor, e.Principal, roleName(e.OldRole), roleName(e.NewRole))
	default:
		fmt.Fprintf(w, "  %s %s by %s (%s)\n", ts, e.Kind, e.Actor, truncateID(e.VersionID))
		if e.Comment != "" {
			fmt.Fprintf(w, "      %s\n", e.Comment)
		}
		if verbose {
			for _, ch := range e.Changes {
				fmt.Fprintf(w, "      %s\n", formatChange(ch))
			}
		}
	}
}

func roleName(r ir.Role) string {
	if r == ir.RoleNone {
		return "none"
	}
	return r.String()
}

// formatChange renders one field change as "field: old -> new".
func formatChange(ch ir.FieldChange) string {
	return fmt.Sprintf("%s: %s -> %s", ch.Field, formatValue(ch.Old), formatValue(ch.New))
}

// formatValue renders a payload value as canonical JSON. An absent value
// renders as "(unset)".
func formatValue(v ir.Value) string {
	if v == nil {
		return "(unset)"
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func formatObject(obj ir.Object) string {
	if obj == nil {
		obj = ir.Object{}
	}
	return formatValue(obj)
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
