package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/coedit/internal/ir"
	"github.com/roach88/coedit/internal/notify"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Count int // stop after this many records; 0 means until interrupted
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch [event-id]",
		Short: "Stream change records from Redis",
		Long: `Subscribe to the Redis channels change records are forwarded to and
print each record as it arrives. Requires redis.enabled in the config.

Without an event ID every event's channel is watched.

Examples:
  coedit watch --config coedit.yaml
  coedit watch ev-1 --as bob --config coedit.yaml --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID := ""
			if len(args) == 1 {
				eventID = args[0]
			}
			return runWatch(opts, eventID, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many records")

	return cmd
}

func runWatch(opts *WatchOptions, eventID string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled {
		return NewExitError(ExitCommandError, "redis forwarding is disabled: set redis.enabled or COEDIT_REDIS_ENABLED")
	}

	return withApp(opts.RootOptions, cmd, func(ctx context.Context, app *App) error {
		pattern := cfg.Redis.ChannelPrefix + "*"
		if eventID != "" {
			principal, err := opts.requirePrincipal()
			if err != nil {
				return err
			}
			if _, err := app.Engine.Head(ctx, principal, eventID); err != nil {
				return reportError(opts.RootOptions, cmd, "cannot watch event", err)
			}
			pattern = cfg.Redis.ChannelPrefix + eventID
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		go func() {
			select {
			case sig := <-sigChan:
				app.Logger.Info("received signal, shutting down", "signal", sig)
				cancel()
			case <-ctx.Done():
			}
		}()

		client := notify.DialRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer client.Close()

		sub := client.PSubscribe(ctx, pattern)
		defer sub.Close()
		if _, err := sub.Receive(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to subscribe", err)
		}
		app.Logger.Info("watching", "pattern", pattern)

		w := cmd.OutOrStdout()
		seen := 0
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				var rec ir.ChangeRecord
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					app.Logger.Warn("undecodable change record", "channel", msg.Channel, "error", err)
					continue
				}
				writeRecord(w, opts.Format, msg.Payload, rec)
				seen++
				if opts.Count > 0 && seen >= opts.Count {
					return nil
				}
			}
		}
	})
}

// writeRecord prints one change record: the canonical JSON as received, or
// a one-line summary.
func writeRecord(w io.Writer, format, raw string, rec ir.ChangeRecord) {
	if format == "json" {
		fmt.Fprintln(w, raw)
		return
	}
	fmt.Fprintf(w, "%s v%d %s by %s [%s] %s\n",
		rec.EventID, rec.Seq, rec.Summary.Kind, rec.Summary.Author,
		strings.Join(rec.Summary.Fields(), ", "), truncateID(rec.VersionID))
}
