package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/coedit/internal/access"
	"github.com/roach88/coedit/internal/config"
	"github.com/roach88/coedit/internal/engine"
	"github.com/roach88/coedit/internal/ir"
	"github.com/roach88/coedit/internal/notify"
	"github.com/roach88/coedit/internal/schema"
	"github.com/roach88/coedit/internal/store"
	"github.com/roach88/coedit/internal/telemetry"
)

// App is everything a command needs: the store, the engine on top of it,
// the permission manager and the change notifiers.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *store.Store
	Engine   *engine.Engine
	Access   *access.Manager
	Notifier *notify.Notifier

	changes   *notify.Subscription
	redis     *redis.Client
	forwarder *notify.RedisForwarder
	fwdDone   chan struct{}
}

// loadConfig reads --config, then applies --db.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database.DSN = opts.Database
	}
	return cfg, nil
}

// newLogger builds the slog handler described by cfg. --verbose forces debug.
func newLogger(cfg *config.Config, verbose bool, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

// loadSchema returns the configured payload schema, or the built-in one.
func loadSchema(cfg *config.Config) (*schema.Schema, error) {
	if cfg.Schema.Path == "" {
		return schema.Default()
	}
	return schema.Load(cfg.Schema.Path, cfg.Schema.Definition)
}

// openApp wires an App from the global flags. The caller must Close it.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	sch, err := loadSchema(cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load schema", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	logger.Debug("database ready", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)

	metrics, err := telemetry.Global()
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create metrics", err)
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Notifier: notify.New(cfg.Notify.BufferSize),
	}
	app.changes = app.Notifier.Subscribe("")

	engineOpts := []engine.Option{
		engine.WithGranularity(cfg.MergeSettings().Granularity),
		engine.WithMaxAttempts(cfg.Merge.MaxAttempts),
		engine.WithStoreRetries(cfg.Store.Retries, cfg.Store.Backoff),
		engine.WithSchema(sch),
		engine.WithNotifier(app.Notifier),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
	}
	if cfg.Redis.Enabled {
		app.startForwarder(ctx)
		engineOpts = append(engineOpts, engine.WithNotifier(app.forwarder))
	}

	app.Engine = engine.New(st, st, engineOpts...)
	app.Access = access.NewManager(st, st, access.WithLogger(logger))
	return app, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	dialect, err := store.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}

	var st *store.Store
	switch dialect {
	case store.DialectPostgres:
		st, err = store.OpenPostgres(ctx, cfg.Database.DSN)
	default:
		st, err = store.Open(cfg.Database.DSN)
	}
	if err != nil {
		return nil, err
	}
	st.SetPageSize(cfg.Database.PageSize)
	return st, nil
}

// startForwarder relays accepted versions to Redis until Close.
func (a *App) startForwarder(ctx context.Context) {
	rc := a.Config.Redis
	a.redis = notify.DialRedis(rc.Addr, rc.Password, rc.DB)
	a.forwarder = notify.NewRedisForwarder(a.redis,
		notify.WithChannelPrefix(rc.ChannelPrefix),
		notify.WithForwarderLogger(a.Logger))
	a.fwdDone = make(chan struct{})

	// Close stops the forwarder after draining; the command context must not
	// cut the drain short.
	fwdCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(a.fwdDone)
		_ = a.forwarder.Run(fwdCtx)
	}()
}

// Changes returns the change records published since the last call.
func (a *App) Changes() []ir.ChangeRecord {
	var out []ir.ChangeRecord
	for {
		select {
		case rec := <-a.changes.C():
			out = append(out, rec)
		default:
			return out
		}
	}
}

// Close drains the Redis forwarder, then closes the store.
func (a *App) Close() error {
	a.changes.Close()
	if a.forwarder != nil {
		a.forwarder.Stop()
		<-a.fwdDone
		forwarded, failed := a.forwarder.Stats()
		a.Logger.Debug("redis forwarder drained", "forwarded", forwarded, "failed", failed)
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn("close redis client", "error", err)
		}
	}
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// commandContext returns cmd's context, or Background when it has none.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withApp opens an App, runs fn and closes the App.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, app *App) error) (err error) {
	ctx := commandContext(cmd)
	app, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil && err == nil {
			err = WrapExitError(ExitCommandError, "failed to close database", closeErr)
		}
	}()
	return fn(ctx, app)
}
