package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/coedit/internal/ir"
)

// NewShareCommand creates the share command.
func NewShareCommand(rootOpts *RootOptions) *cobra.Command {
	opts := rootOpts

	cmd := &cobra.Command{
		Use:   "share <event-id> <principal=role>...",
		Short: "Grant roles on an event (owner only)",
		Long: `Grant editor or viewer roles on an event. Granting to a principal
that already holds a role replaces it and is logged as a permission change.

Example:
  coedit share ev-1 bob=editor carol=viewer --as alice`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShare(opts, args[0], args[1:], cmd)
		},
	}

	return cmd
}

func runShare(opts *RootOptions, eventID string, pairs []string, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	grants, err := ParseGrants(pairs)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid grants", err)
	}

	return withApp(opts, cmd, func(ctx context.Context, app *App) error {
		assigned, err := app.Access.Share(ctx, principal, eventID, grants)
		if err != nil {
			return reportError(opts, cmd, "share failed", err)
		}
		if assigned == nil {
			assigned = []ir.RoleAssignment{}
		}

		if opts.Format == "json" {
			return opts.formatter(cmd).Success(assigned)
		}
		w := cmd.OutOrStdout()
		for _, a := range assigned {
			fmt.Fprintf(w, "✓ %s is now %s on %s\n", a.Principal, a.Role, eventID)
		}
		return nil
	})
}

// NewSetRoleCommand creates the set-role command.
func NewSetRoleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := rootOpts

	cmd := &cobra.Command{
		Use:   "set-role <event-id> <principal> <role>",
		Short: "Change a principal's role (owner only)",
		Long: `Change the role of a principal the event is already shared with.
The owner's own role cannot be changed.

Example:
  coedit set-role ev-1 carol editor --as alice`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetRole(opts, args[0], args[1], args[2], cmd)
		},
	}

	return cmd
}

func runSetRole(opts *RootOptions, eventID, target, roleName string, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	role, err := ir.ParseRole(roleName)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid role", err)
	}

	return withApp(opts, cmd, func(ctx context.Context, app *App) error {
		a, err := app.Access.ChangeRole(ctx, principal, eventID, target, role)
		if err != nil {
			return reportError(opts, cmd, "role change failed", err)
		}
		if opts.Format == "json" {
			return opts.formatter(cmd).Success(a)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is now %s on %s\n", a.Principal, a.Role, eventID)
		return nil
	})
}

// NewRevokeCommand creates the revoke command.
func NewRevokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := rootOpts

	cmd := &cobra.Command{
		Use:           "revoke <event-id> <principal>",
		Short:         "Remove a principal's access (owner only)",
		Example:       `  coedit revoke ev-1 bob --as alice`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRevoke(opts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runRevoke(opts *RootOptions, eventID, target string, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	return withApp(opts, cmd, func(ctx context.Context, app *App) error {
		change, err := app.Access.Revoke(ctx, principal, eventID, target)
		if err != nil {
			return reportError(opts, cmd, "revoke failed", err)
		}
		if opts.Format == "json" {
			return opts.formatter(cmd).Success(change)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s no longer has access to %s (was %s)\n",
			change.Principal, eventID, change.OldRole)
		return nil
	})
}

// PermissionsOptions holds flags for the permissions command.
type PermissionsOptions struct {
	*RootOptions
	Log bool
}

// PermissionsResult is the JSON shape of the permissions command.
type PermissionsResult struct {
	EventID     string                `json:"event_id"`
	Assignments []ir.RoleAssignment   `json:"assignments"`
	Log         []ir.PermissionChange `json:"log,omitempty"`
}

// NewPermissionsCommand creates the permissions command.
func NewPermissionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PermissionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "permissions <event-id>",
		Short: "List who holds which role on an event",
		Long: `List the event's role assignments, owner first. Requires editor
access. With --log, also print the permission change log.

Example:
  coedit permissions ev-1 --as bob --log`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPermissions(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Log, "log", false, "include the permission change log")

	return cmd
}

func runPermissions(opts *PermissionsOptions, eventID string, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	return withApp(opts.RootOptions, cmd, func(ctx context.Context, app *App) error {
		result := PermissionsResult{EventID: eventID}
		result.Assignments, err = app.Access.List(ctx, principal, eventID)
		if err != nil {
			return reportError(opts.RootOptions, cmd, "failed to list permissions", err)
		}
		if opts.Log {
			result.Log, err = app.Access.Log(ctx, principal, eventID)
			if err != nil {
				return reportError(opts.RootOptions, cmd, "failed to read permission log", err)
			}
		}

		if opts.Format == "json" {
			return opts.formatter(cmd).Success(result)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Permissions for %s\n", eventID)
		for _, a := range result.Assignments {
			fmt.Fprintf(w, "  %-16s %s\n", a.Principal, a.Role)
		}
		if opts.Log {
			fmt.Fprintln(w, "Log:")
			for _, c := range result.Log {
				fmt.Fprintf(w, "  %s %s by %s: %s %s -> %s\n",
					c.Timestamp.Format(time.RFC3339), c.Kind, c.Actor,
					c.Principal, roleName(c.OldRole), roleName(c.NewRole))
			}
		}
		return nil
	})
}
