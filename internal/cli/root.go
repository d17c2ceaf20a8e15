// Package cli implements the coedit command line: event mutations, history
// and permission management over a local or Postgres version store, plus
// the scenario test runner.
package cli

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"
)

// PrincipalEnv supplies --as when the flag is not given.
const PrincipalEnv = "COEDIT_PRINCIPAL"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	Config    string // optional YAML or JSON config file
	Database  string // overrides database.dsn
	Principal string // acting principal
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the coedit CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "coedit",
		Short: "coedit - versioned, permissioned collaborative events",
		Long: `coedit keeps every edit to a shared event as an immutable version.

Concurrent edits to different fields merge automatically; edits to the
same field end in a conflict that carries the current version and a diff.
Owners share events with editors and viewers.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "config file (YAML or JSON)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database DSN, overrides database.dsn")
	cmd.PersistentFlags().StringVar(&opts.Principal, "as", os.Getenv(PrincipalEnv), "acting principal (default $"+PrincipalEnv+")")

	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewCreateBatchCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewRollbackCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewDiffCommand(opts))
	cmd.AddCommand(NewChangelogCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewShareCommand(opts))
	cmd.AddCommand(NewSetRoleCommand(opts))
	cmd.AddCommand(NewRevokeCommand(opts))
	cmd.AddCommand(NewPermissionsCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// requirePrincipal returns the acting principal or a command error.
func (o *RootOptions) requirePrincipal() (string, error) {
	if o.Principal == "" {
		return "", NewExitError(ExitCommandError, "no principal: pass --as or set "+PrincipalEnv)
	}
	return o.Principal, nil
}

// formatter builds an OutputFormatter over cmd's writers.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
