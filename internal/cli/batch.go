package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/coedit/internal/engine"
	"github.com/roach88/coedit/internal/ir"
)

// BatchResult is the output of create-batch.
type BatchResult struct {
	Created int              `json:"created"`
	Results []*engine.Result `json:"results"`
}

// NewCreateBatchCommand creates the create-batch command.
func NewCreateBatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := rootOpts

	cmd := &cobra.Command{
		Use:   "create-batch <batch-file>",
		Short: "Create several events from one file",
		Long: `Create several events owned by the acting principal.

The file (JSON or YAML) holds an "events" list. Each entry has a payload and
may name an id and a comment. Every payload is validated before anything is
written; a bad entry rejects the whole batch.

Example file:
  events:
    - id: standup
      payload: {title: Standup, is_recurring: true}
    - payload: {title: Retro}
      comment: imported

Examples:
  coedit create-batch --as alice events.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreateBatch(opts, args[0], cmd)
		},
	}

	return cmd
}

func runCreateBatch(opts *RootOptions, path string, cmd *cobra.Command) error {
	principal, err := opts.requirePrincipal()
	if err != nil {
		return err
	}
	reqs, err := LoadBatchFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid batch file", err)
	}

	return withApp(opts, cmd, func(ctx context.Context, app *App) error {
		results, err := app.Engine.CreateBatch(ctx, principal, reqs)
		if err != nil && len(results) == 0 {
			return reportError(opts, cmd, "batch rejected", err)
		}

		out := opts.formatter(cmd)
		for _, rec := range app.Changes() {
			out.VerboseLog("notified %s seq %d (%s)", rec.EventID, rec.Seq, rec.Summary.Kind)
		}
		result := BatchResult{Results: results}
		for _, res := range results {
			if res.Outcome == engine.OutcomeAccepted {
				result.Created++
			}
		}

		if opts.Format == "json" {
			resp := CLIResponse{Status: "ok", Data: result}
			if err != nil {
				resp.Status = "error"
				resp.Error = &CLIError{Code: errorCode(err), Message: err.Error()}
			}
			if encErr := out.Response(resp); encErr != nil {
				return encErr
			}
		} else {
			w := cmd.OutOrStdout()
			for _, res := range results {
				writeResultText(w, res)
			}
			fmt.Fprintf(w, "Created %d of %d events\n", result.Created, len(reqs))
		}

		if err != nil {
			return WrapExitError(exitCodeFor(err), "batch stopped", err)
		}
		return nil
	})
}

// LoadBatchFile reads a create-batch file into creation requests.
func LoadBatchFile(path string) ([]ir.MutationRequest, error) {
	doc, err := LoadPayloadFile(path)
	if err != nil {
		return nil, err
	}
	list, ok := doc["events"].(ir.Array)
	if !ok {
		return nil, fmt.Errorf("%s: want an \"events\" list", path)
	}

	reqs := make([]ir.MutationRequest, 0, len(list))
	for i, item := range list {
		entry, ok := item.(ir.Object)
		if !ok {
			return nil, fmt.Errorf("events[%d]: want an object", i)
		}
		payload, ok := entry["payload"].(ir.Object)
		if !ok {
			return nil, fmt.Errorf("events[%d]: payload must be an object", i)
		}
		req := ir.MutationRequest{Proposed: payload}
		for key, v := range entry {
			switch key {
			case "payload":
			case "id", "comment":
				s, ok := v.(ir.String)
				if !ok {
					return nil, fmt.Errorf("events[%d]: %s must be a string", i, key)
				}
				if key == "id" {
					req.EventID = string(s)
				} else {
					req.Comment = string(s)
				}
			default:
				return nil, fmt.Errorf("events[%d]: unknown field %q", i, key)
			}
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
