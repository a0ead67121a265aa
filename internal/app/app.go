// Package app wires all turnline subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithArchiveDB, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/turnline-ai/turnline/internal/call"
	"github.com/turnline-ai/turnline/internal/config"
	"github.com/turnline-ai/turnline/internal/dialog"
	"github.com/turnline-ai/turnline/internal/health"
	"github.com/turnline-ai/turnline/internal/httpapi"
	"github.com/turnline-ai/turnline/internal/observe"
	"github.com/turnline-ai/turnline/internal/telemetry"
)

const httpShutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes: telemetry aggregation, the call manager,
// and the HTTP API serving both.
type App struct {
	cfg *config.Config
	log *slog.Logger

	agg     *telemetry.Aggregator
	rec     *telemetry.Recorder
	archive *telemetry.Archive
	metrics *observe.Metrics
	manager *call.Manager
	api     *httpapi.Server
	httpSrv *http.Server
	watcher *config.Watcher

	// archiveDB is non-nil when a durable event archive is configured or
	// injected.
	archiveDB telemetry.DB

	// levelVar, when provided, lets config hot reload adjust log verbosity.
	levelVar *slog.LevelVar

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the base logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithLevelVar hands the App the level variable driving the process logger so
// config hot reload can adjust verbosity.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithMetrics injects a metrics set instead of initialising the global OTel
// providers. Intended for tests using a manual reader.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithArchiveDB injects a database handle for the event archive instead of
// dialling telemetry.archive_dsn.
func WithArchiveDB(db telemetry.DB) Option {
	return func(a *App) { a.archiveDB = db }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers call.Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	if err := a.initObserve(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	if err := a.initCalls(providers); err != nil {
		return nil, fmt.Errorf("app: init call manager: %w", err)
	}
	a.initHTTP()

	return a, nil
}

// initObserve sets up the OTel providers and metric instruments unless a
// metrics set was injected.
func (a *App) initObserve(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "turnline"})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdown)

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initTelemetry builds the aggregator, the optional Postgres archive, and the
// recorder fanning out to both.
func (a *App) initTelemetry(ctx context.Context) error {
	a.agg = telemetry.NewAggregator(a.log)
	sinks := []telemetry.Sink{a.agg}

	if a.archiveDB == nil && a.cfg.Telemetry.ArchiveDSN != "" {
		pool, err := pgxpool.New(ctx, a.cfg.Telemetry.ArchiveDSN)
		if err != nil {
			return fmt.Errorf("connect archive: %w", err)
		}
		a.archiveDB = pool
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
	}

	if a.archiveDB != nil {
		a.archive = telemetry.NewArchive(a.archiveDB, a.log)
		if err := a.archive.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate archive: %w", err)
		}
		sinks = append(sinks, a.archive)
		a.log.Info("event archive enabled")
	}

	a.rec = telemetry.NewRecorder(a.log, sinks)
	if err := a.metrics.ObserveDroppedEvents(a.rec.Dropped); err != nil {
		return fmt.Errorf("register dropped-events gauge: %w", err)
	}
	return nil
}

// initCalls builds the call manager from the pipeline config.
func (a *App) initCalls(providers call.Providers) error {
	disableBargeIn := false
	if a.cfg.Pipeline.BargeIn != nil {
		disableBargeIn = !*a.cfg.Pipeline.BargeIn
	}

	m, err := call.NewManager(call.ManagerConfig{
		Providers:           providers,
		SampleRate:          a.cfg.Pipeline.SampleRate,
		FrameDuration:       time.Duration(a.cfg.Pipeline.FrameDurationMs) * time.Millisecond,
		VADAggressiveness:   a.cfg.Pipeline.VADAggressiveness,
		VADHangover:         time.Duration(a.cfg.Pipeline.VADHangoverMs) * time.Millisecond,
		Language:            a.cfg.Providers.STT.Language,
		Voice:               a.cfg.Providers.TTS.Voice,
		DisableBargeIn:      disableBargeIn,
		SpeculativePartials: a.cfg.Dialog.SpeculativePartials,
		PartialConfidence:   a.cfg.Dialog.PartialConfidence,
		Recorder:            a.rec,
		Metrics:             a.metrics,
		Logger:              a.log,
	})
	if err != nil {
		return err
	}
	a.manager = m

	if err := a.metrics.ObserveActiveCalls(func() int64 {
		return int64(m.ActiveCalls())
	}); err != nil {
		return fmt.Errorf("register active-calls gauge: %w", err)
	}
	return nil
}

// initHTTP assembles the health checkers, the API server, and the listener.
func (a *App) initHTTP() {
	checkers := []health.Checker{
		{Name: "providers", Check: func(context.Context) error { return nil }},
	}
	if a.archiveDB != nil {
		db := a.archiveDB
		checkers = append(checkers, health.Checker{
			Name: "archive",
			Check: func(ctx context.Context) error {
				_, err := db.Exec(ctx, "SELECT 1")
				return err
			},
		})
	}

	a.api = httpapi.New(
		httpapi.Config{DefaultWindowSec: uint32(a.cfg.Telemetry.MetricsWindowSec)},
		a.agg, a.manager, health.New(checkers...), a.metrics, a.log,
	)
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Manager exposes the call manager, mainly for tests.
func (a *App) Manager() *call.Manager { return a.manager }

// Handler exposes the HTTP routing table, mainly for tests.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// WatchConfig starts a polling watcher on path and applies safe changes as
// they land: log level, dialog policy for new calls, and the default summary
// window. Pipeline and provider changes require a restart and are ignored.
func (a *App) WatchConfig(path string) error {
	w, err := config.NewWatcher(path, a.applyConfig)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.watcher = w
	return nil
}

// applyConfig is the watcher callback translating a config diff into live
// adjustments.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		if a.levelVar != nil {
			a.levelVar.Set(slogLevel(d.NewLogLevel))
			a.log.Info("log level changed", "level", d.NewLogLevel)
		} else {
			a.log.Warn("log level changed but no level var is wired; restart to apply")
		}
	}

	if d.DialogChanged {
		p, err := builtinPolicy(d.NewDialog)
		switch {
		case err != nil:
			a.log.Error("dialog config change rejected", "err", err)
		case p == nil:
			a.log.Warn("dialog provider change requires restart",
				"response_mode", d.NewDialog.ResponseMode)
		default:
			a.manager.SetPolicy(p)
			a.log.Info("dialog policy updated for new calls",
				"response_mode", d.NewDialog.ResponseMode)
		}
	}

	if d.MetricsWindowChanged {
		a.api.SetDefaultWindow(uint32(d.NewMetricsWindowSec))
		a.log.Info("default summary window changed", "window_sec", d.NewMetricsWindowSec)
	}
}

// builtinPolicy constructs the deterministic policies that are safe to swap
// at runtime. Provider-backed policies carry credentials and return nil.
func builtinPolicy(dlg config.DialogConfig) (dialog.Policy, error) {
	switch dlg.ResponseMode {
	case config.ResponseEcho:
		return dialog.EchoPolicy{}, nil
	case config.ResponseScripted:
		return dialog.NewScriptedPolicy(dlg.Script)
	default:
		return nil, nil
	}
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Run serves the HTTP API until ctx is cancelled, then drains the listener.
// A clean, signal-driven stop returns nil.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("turnline serving", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := a.httpSrv.Shutdown(shCtx); err != nil {
			return fmt.Errorf("app: drain http: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Shutdown tears down all subsystems: stop watching config, hang up every
// call, drain the telemetry queue, then release external resources in
// reverse-init order. It respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_calls", a.manager.ActiveCalls())

		if a.watcher != nil {
			a.watcher.Stop()
		}

		if err := a.manager.Shutdown(ctx); err != nil {
			a.log.Warn("call manager shutdown error", "err", err)
			shutdownErr = err
		}

		// All pipelines have stopped; no more marks are produced, so the
		// queue can drain completely.
		a.rec.Close()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
