package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// FileValidation is the validation result for one payload file.
type FileValidation struct {
	File  string `json:"file"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Schema string           `json:"schema"`
	Valid  bool             `json:"valid"`
	Files  []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <payload-file>...",
		Short: "Check payload files against the event schema",
		Long: `Check JSON or YAML payload files against the configured CUE schema
without touching the database.

Examples:
  coedit validate meeting.yaml
  coedit validate --config coedit.yaml drafts/*.json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, files []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	sch, err := loadSchema(cfg)
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load schema", err)
	}
	formatter.VerboseLog("Validating against %s", sch.Name())

	result := ValidationResult{Schema: sch.Name(), Valid: true}
	for _, file := range files {
		fv := FileValidation{File: file, Valid: true}
		payload, err := LoadPayloadFile(file)
		if err == nil {
			err = sch.Validate(payload)
		}
		if err != nil {
			fv.Valid = false
			fv.Error = err.Error()
			result.Valid = false
		}
		result.Files = append(result.Files, fv)
	}

	if opts.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result}
		if !result.Valid {
			resp.Status = "error"
			resp.Error = &CLIError{Code: ErrCodeInvalid, Message: "payload validation failed"}
		}
		if err := formatter.Response(resp); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, fv := range result.Files {
			if fv.Valid {
				fmt.Fprintf(w, "✓ %s\n", fv.File)
				continue
			}
			fmt.Fprintf(w, "✗ %s\n  %s\n", fv.File, fv.Error)
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "payload validation failed")
	}
	return nil
}
