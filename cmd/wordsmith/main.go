// Command wordsmith is the main entry point for the Wordsmith rephrasing server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/wordsmith/internal/app"
	"github.com/MrWong99/wordsmith/internal/config"
	"github.com/MrWong99/wordsmith/internal/observe"
	"github.com/MrWong99/wordsmith/internal/resilience"
	"github.com/MrWong99/wordsmith/pkg/provider/llm"
	"github.com/MrWong99/wordsmith/pkg/provider/llm/anyllm"
	"github.com/MrWong99/wordsmith/pkg/provider/llm/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	cfg, err := loadConfig(*envFile, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wordsmith: %v\n", err)
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.Info("wordsmith starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("telemetry setup failed", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBackends(reg)
	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("cannot build providers", "err", err, "registered", reg.LLMNames())
		return 1
	}
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLogLevel(level),
		app.WithCloser(func() error {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return otelShutdown(flushCtx)
		}),
	)
	if err != nil {
		slog.Error("cannot create application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Error("cannot watch config", "err", err)
		return 1
	}
	defer watcher.Stop()
	go reloadOnHangup(ctx, watcher)

	slog.Info("server ready, press Ctrl+C to shut down", "checks", application.HealthChecks())
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server stopped", "err", err)
		return 1
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown incomplete", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads envFile into the environment, when it exists, and then
// the YAML config, whose ${VAR} references may point into it.
func loadConfig(envFile, configPath string) (*config.Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", configPath)
	}
	return cfg, err
}

// reloadOnHangup re-reads the config on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		changed, err := w.Reload()
		switch {
		case err != nil:
			slog.Error("config reload failed, keeping previous config", "err", err)
		case !changed:
			slog.Info("config unchanged")
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBackends binds every backend name a providers entry may use.
// openai goes through its own SDK for JSON mode, timeouts and retries; the
// rest share the any-llm-go adapter.
func registerBackends(reg *config.Registry) {
	reg.RegisterLLM("openai", newOpenAI)
	for _, backend := range anyllm.Backends() {
		if backend != "openai" {
			reg.RegisterLLM(backend, anyLLMFactory(backend))
		}
	}
}

func newOpenAI(entry config.ProviderEntry) (llm.Provider, error) {
	var opts []openai.Option
	if entry.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(entry.BaseURL))
	}
	if entry.Timeout > 0 {
		opts = append(opts, openai.WithTimeout(entry.Timeout))
	}
	if org, ok := entry.Options["organization"].(string); ok && org != "" {
		opts = append(opts, openai.WithOrganization(org))
	}
	if n, ok := entry.Options["max_retries"].(int); ok {
		opts = append(opts, openai.WithMaxRetries(n))
	}
	p, err := openai.New(entry.APIKey, entry.Model, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func anyLLMFactory(backend string) config.LLMFactory {
	return func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			slog.Warn("timeout is ignored for this backend", "provider", backend, "timeout", entry.Timeout)
		}
		p, err := anyllm.New(backend, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// buildProviders instantiates the configured backends and wraps each chain
// in a failover group with per-entry circuit breakers.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	providers := &app.Providers{}
	if cfg.Providers.LLM.Name == "" {
		return providers, nil
	}

	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:   cfg.Providers.CircuitBreaker.MaxFailures,
			ResetTimeout:  cfg.Providers.CircuitBreaker.ResetTimeout,
			HalfOpenMax:   cfg.Providers.CircuitBreaker.HalfOpenMax,
			OnStateChange: breakerTransitions(metrics),
		},
		Observe: observeProvider(metrics),
	}

	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("providers.llm: %w", err)
	}
	providers.LLM = resilience.NewLLMFallback(primary, entryLabel(cfg.Providers.LLM), fbCfg)

	for i, entry := range cfg.Providers.Fallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("providers.fallbacks[%d]: %w", i, err)
		}
		providers.LLM.AddFallback(entryLabel(entry), p)
	}

	if entry := cfg.Providers.StarLLM; entry.Name != "" {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("providers.star_llm: %w", err)
		}
		providers.STAR = resilience.NewLLMFallback(p, entryLabel(entry), fbCfg)
	}

	return providers, nil
}

// observeProvider reports every attempt that reached a backend.
func observeProvider(metrics *observe.Metrics) func(name string, err error) {
	return func(name string, err error) {
		ctx := context.Background()
		switch {
		case err == nil:
			metrics.RecordProviderRequest(ctx, name, "llm", "ok")
		case resilience.IsCancellation(err):
			metrics.RecordProviderRequest(ctx, name, "llm", "canceled")
		default:
			metrics.RecordProviderRequest(ctx, name, "llm", "error")
			metrics.RecordProviderError(ctx, name, "llm")
			slog.Warn("provider request failed", "provider", name, "err", err)
		}
	}
}

// breakerTransitions counts every circuit breaker state change per backend.
func breakerTransitions(metrics *observe.Metrics) func(name string, from, to resilience.State) {
	return func(name string, _, to resilience.State) {
		metrics.RecordBreakerTransition(context.Background(), name, to.String())
	}
}

// entryLabel names a backend in metrics, logs and readiness output.
func entryLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       Wordsmith startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STAR LLM", cfg.Providers.StarLLM.Name, cfg.Providers.StarLLM.Model)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", len(cfg.Providers.Fallbacks))
	fmt.Printf("║  Answer mode     : %-19s ║\n", cfg.Extract.Mode)
	fmt.Printf("║  Max length      : %-19d ║\n", cfg.Guard.MaxLength)
	fmt.Printf("║  Max synonyms    : %-19d ║\n", cfg.Extract.MaxSynonyms)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
