// Package tsugi is the public API for embedding the Tsugi run
// orchestration server.
//
// Consumers import this package to construct and extend the server
// without forking it:
//
//	app, err := tsugi.New(
//	    tsugi.WithVersion(version),
//	    tsugi.WithLogger(logger),
//	    tsugi.WithCapability("publish", myPublishTool),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: tsugi (root) imports
// internal/*, but internal/* never imports tsugi (root). Public types
// (ToolResult, Capability, Generator) are standalone declarations;
// adapters to the internal types live here because this is the only file
// that sees both sides of the boundary.
package tsugi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"

	"github.com/tsugi-ai/tsugi/api"
	"github.com/tsugi-ai/tsugi/internal/auth"
	"github.com/tsugi-ai/tsugi/internal/blob"
	"github.com/tsugi-ai/tsugi/internal/config"
	"github.com/tsugi-ai/tsugi/internal/dispatch"
	"github.com/tsugi-ai/tsugi/internal/engine"
	"github.com/tsugi-ai/tsugi/internal/llm"
	"github.com/tsugi-ai/tsugi/internal/mcp"
	"github.com/tsugi-ai/tsugi/internal/planner"
	"github.com/tsugi-ai/tsugi/internal/ratelimit"
	"github.com/tsugi-ai/tsugi/internal/server"
	"github.com/tsugi-ai/tsugi/internal/storage"
	"github.com/tsugi-ai/tsugi/internal/telemetry"
	"github.com/tsugi-ai/tsugi/internal/tools"
	"github.com/tsugi-ai/tsugi/internal/worker"
	"github.com/tsugi-ai/tsugi/migrations"
)

// App is the Tsugi server lifecycle. Construct with New(), run with
// Run(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store
	srv          *server.Server
	wrk          *worker.Worker // nil when the worker is disabled
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Tsugi server. It connects to the store, runs
// migrations, wires all subsystems, and returns a ready-to-run App. It
// does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger := o.logger
	if logger == nil {
		logger = newLogger(cfg.LogLevel)
	}

	logger.Info("tsugi starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Select the store: Postgres for deployments, SQLite for local mode.
	var store storage.Store
	if cfg.UsesPostgres() {
		pg, err := storage.NewPostgres(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := pg.RunMigrations(context.Background(), migrations.FS); err != nil {
			pg.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		store = pg
		logger.Info("storage: postgres")
	} else {
		sq, err := storage.NewSQLite(cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		store = sq
		logger.Info("storage: sqlite", "path", cfg.DatabaseURL)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Artifact storage.
	var blobs blob.Store
	if cfg.ArtifactDir != "" {
		fsStore, err := blob.NewFS(cfg.ArtifactDir)
		if err != nil {
			store.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		blobs = fsStore
		logger.Info("artifacts: filesystem", "dir", cfg.ArtifactDir)
	} else {
		blobs = blob.NewMemory()
		logger.Info("artifacts: in-memory")
	}

	// Text generator for the planner and the LLM-backed tools. An
	// external override takes priority over provider auto-detection.
	var gen llm.Generator
	if o.generator != nil {
		gen = generatorAdapter{g: o.generator}
	} else {
		gen = newGenerator(cfg, logger)
	}

	// Planner chain: model-backed when a generator exists, template
	// fallback always. The engine carries its own template fallback too,
	// so a planner error can never fail a run.
	tmpl, err := planner.NewTemplatePlanner()
	if err != nil {
		store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("planner: %w", err)
	}
	var p planner.Planner = tmpl
	if gen != nil && cfg.PlannerProvider != "template" {
		p = planner.Chained{
			Primary:  planner.LLMPlanner{Gen: gen, Timeout: cfg.PlannerTimeout},
			Fallback: tmpl,
		}
	}

	// Capabilities.
	d := dispatch.New(cfg.ToolTimeout, logger)
	toolCfg := tools.Config{
		Gen:           gen,
		Blobs:         blobs,
		ChartRenderer: &tools.ChartRenderer{Interpreter: cfg.ChartInterpreter, ScriptDir: cfg.ChartScriptDir, Blobs: blobs},
	}
	if cfg.SearchBaseURL != "" {
		toolCfg.Search = &tools.Search{BaseURL: cfg.SearchBaseURL, Blobs: blobs}
	} else {
		toolCfg.Search = &tools.Search{Blobs: blobs} // degrades to a no-source result
	}
	tools.Register(d, toolCfg)
	for name, fn := range o.capabilities {
		d.Register(name, capabilityAdapter{fn: fn})
	}
	logger.Info("capabilities registered", "actions", d.Actions())

	eng := engine.New(store, p, d, logger)

	mcpSrv := mcp.New(eng, store, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		mem := ratelimit.NewMemoryLimiter(ratelimit.Rule{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst})
		mem.Limit("ip", ratelimit.Rule{RPS: cfg.RateLimitAuthRPS, Burst: cfg.RateLimitAuthBurst})
		limiter = mem
		logger.Info("rate limiting: memory token bucket",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst,
			"auth_rps", cfg.RateLimitAuthRPS, "auth_burst", cfg.RateLimitAuthBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.Config{
		Store:               store,
		Engine:              eng,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	if err := srv.Handlers().SeedAdmin(context.Background(), cfg.AdminAPIKey); err != nil {
		store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	var wrk *worker.Worker
	if cfg.WorkerSchedule != "" {
		wrk = worker.New(store, eng, logger, cfg.WorkerSchedule, cfg.WorkerConcurrency)
	} else {
		logger.Info("worker: disabled (no schedule)")
	}

	return &App{
		cfg:          cfg,
		store:        store,
		srv:          srv,
		wrk:          wrk,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background worker and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically; callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	if a.wrk != nil {
		if err := a.wrk.Start(); err != nil {
			return fmt.Errorf("worker: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains the HTTP server, stops the worker (letting an
// in-flight sweep finish), and closes the store and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var firstErr error
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if a.wrk != nil {
		if err := a.wrk.Stop(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.limiter.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.store.Close()
	if err := a.otelShutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	a.logger.Info("tsugi stopped")
	return firstErr
}

// newGenerator picks a text generator from configuration. "auto" prefers
// Anthropic, then OpenAI, then none (template planning only).
func newGenerator(cfg config.Config, logger *slog.Logger) llm.Generator {
	switch cfg.PlannerProvider {
	case "anthropic":
		logger.Info("generator: anthropic", "model", cfg.AnthropicModel)
		return newAnthropic(cfg)
	case "openai":
		logger.Info("generator: openai", "model", cfg.OpenAIModel)
		return newOpenAI(cfg)
	case "template":
		logger.Info("generator: none (template planning)")
		return nil
	default: // "auto"
		if cfg.AnthropicAPIKey != "" {
			logger.Info("generator: anthropic (auto)", "model", cfg.AnthropicModel)
			return newAnthropic(cfg)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("generator: openai (auto)", "model", cfg.OpenAIModel)
			return newOpenAI(cfg)
		}
		logger.Info("generator: none (no API keys, template planning)")
		return nil
	}
}

func newAnthropic(cfg config.Config) llm.Generator {
	return llm.NewAnthropic(func(o *llm.AnthropicOptions) {
		o.APIKey = cfg.AnthropicAPIKey
		if cfg.AnthropicModel != "" {
			o.Model = anthropic.Model(cfg.AnthropicModel)
		}
	})
}

func newOpenAI(cfg config.Config) llm.Generator {
	return llm.NewOpenAI(func(o *llm.OpenAIOptions) {
		o.APIKey = cfg.OpenAIAPIKey
		if cfg.OpenAIModel != "" {
			o.Model = cfg.OpenAIModel
		}
	})
}

// newLogger builds the default slog logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lv}))
}
