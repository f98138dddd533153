// Package app wires the Wordsmith subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New builds the validator, the
// rephrase service and the route table, Run serves until the context is
// cancelled, and Shutdown drains in-flight requests and runs the registered
// closers in order.
//
// For testing, inject a metrics sink or log level via functional options and
// exercise [App.Handler] with net/http/httptest.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/wordsmith/internal/api"
	"github.com/MrWong99/wordsmith/internal/config"
	"github.com/MrWong99/wordsmith/internal/guard"
	"github.com/MrWong99/wordsmith/internal/health"
	"github.com/MrWong99/wordsmith/internal/observe"
	"github.com/MrWong99/wordsmith/internal/rephrase"
	"github.com/MrWong99/wordsmith/internal/resilience"
	"github.com/MrWong99/wordsmith/pkg/provider/llm"
)

// shutdownGrace bounds how long Run waits for in-flight requests after its
// context is cancelled.
const shutdownGrace = 10 * time.Second

// Providers holds the model backends built by main.go via the config
// registry. A nil LLM leaves the server up but every model request fails
// with 503. A nil STAR routes STAR requests to LLM.
type Providers struct {
	LLM  *resilience.LLMFallback
	STAR *resilience.LLMFallback
}

// App owns all subsystem lifetimes of the Wordsmith server.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New.
	metrics *observe.Metrics
	level   *slog.LevelVar
	guard   *guard.Validator
	svc     *rephrase.Service
	health  *health.Handler
	handler http.Handler
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands New the level variable backing the process logger so
// that config reloads can change verbosity in place.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithCloser registers fn to run during Shutdown, after the HTTP server has
// stopped. Closers run in registration order.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the already-constructed providers. It does
// not start listening; call Run for that.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}

	// ── 1. Input guard ───────────────────────────────────────────────────
	a.guard = guard.New(guard.WithLimits(guardLimits(cfg.Guard)))

	// ── 2. Rephrase service ──────────────────────────────────────────────
	a.initService()

	// ── 3. Routes ────────────────────────────────────────────────────────
	if err := a.initRoutes(ctx); err != nil {
		return nil, fmt.Errorf("app: init routes: %w", err)
	}

	// ── 4. HTTP server ───────────────────────────────────────────────────
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initService builds the rephrase service over the configured providers.
// Nil fallback groups are passed as nil interfaces so the service reports
// ErrNoProvider instead of calling through a typed nil.
func (a *App) initService() {
	opts := []rephrase.Option{
		rephrase.WithMode(rephrase.Mode(a.cfg.Extract.Mode)),
		rephrase.WithMaxSynonyms(a.cfg.Extract.MaxSynonyms),
		rephrase.WithTemperature(a.cfg.Extract.Temperature),
		rephrase.WithMetrics(a.metrics),
	}
	if a.providers.STAR != nil {
		opts = append(opts, rephrase.WithSTARProvider(a.providers.STAR))
	}

	var primary llm.Provider
	if a.providers.LLM != nil {
		primary = a.providers.LLM
	}
	a.svc = rephrase.New(primary, opts...)
}

// initRoutes assembles the mux: API routes, health probes and the metrics
// scrape endpoint, all behind the observability middleware.
func (a *App) initRoutes(_ context.Context) error {
	mux := http.NewServeMux()

	api.New(a.svc,
		api.WithValidator(a.guard),
		api.WithMaxBodyBytes(a.cfg.Server.MaxBodyBytes),
		api.WithMetrics(a.metrics),
	).Register(mux)

	checkers := []health.Checker{fallbackChecker("llm", a.providers.LLM)}
	if a.providers.STAR != nil {
		checkers = append(checkers, fallbackChecker("star_llm", a.providers.STAR))
	}
	a.health = health.New(checkers...)
	a.health.Register(mux)

	path := a.cfg.Telemetry.MetricsPath
	if path == "" {
		path = config.DefaultMetricsPath
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("metrics path %q must start with /", path)
	}
	mux.Handle("GET "+path, promhttp.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
	return nil
}

// fallbackChecker adapts a failover group into a readiness check that names
// the breaker state of every entry when the group is down.
func fallbackChecker(name string, fb *resilience.LLMFallback) health.Checker {
	if fb == nil {
		return health.ReporterChecker(name, nil, nil)
	}
	return health.ReporterChecker(name, fb, func() string {
		return describeStatus(fb.Status())
	})
}

func describeStatus(entries []resilience.EntryStatus) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.Name + "=" + e.State.String()
	}
	return strings.Join(parts, ", ")
}

func guardLimits(g config.GuardConfig) guard.Limits {
	return guard.Limits{MaxLength: g.MaxLength, MaxSpecialChars: g.MaxSpecialChars}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Service returns the rephrase service.
func (a *App) Service() *rephrase.Service {
	return a.svc
}

// Validator returns the input guard shared by all routes.
func (a *App) Validator() *guard.Validator {
	return a.guard
}

// HealthChecks lists the readiness checks, comma separated.
func (a *App) HealthChecks() string {
	return a.health.Names()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the listener fails. On
// cancellation in-flight requests get a grace period to finish and Run
// returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening",
			"addr", a.server.Addr,
			"tls", a.cfg.Server.TLS != nil,
		)
		err := a.serve()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: stop http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (a *App) serve() error {
	if tls := a.cfg.Server.TLS; tls != nil {
		return a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	}
	return a.server.ListenAndServe()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig hot-applies the reloadable parts of a config change: log
// level, guard thresholds and the synonym bound. Everything else is logged
// as needing a restart. It is meant to be used as the [config.Watcher]
// callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		slog.Debug("config reloaded without changes")
		return
	}

	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.GuardChanged {
		a.guard.SetLimits(guardLimits(d.NewGuard))
		slog.Info("guard limits changed",
			"max_length", d.NewGuard.MaxLength,
			"max_special_chars", d.NewGuard.MaxSpecialChars,
		)
	}
	if d.MaxSynonymsChanged {
		a.svc.SetMaxSynonyms(d.NewMaxSynonyms)
		slog.Info("max synonyms changed", "max_synonyms", d.NewMaxSynonyms)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server and tears down all subsystems in
// registration order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
