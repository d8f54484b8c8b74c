package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/evoforge/substrate/internal/agent"
	"github.com/evoforge/substrate/internal/agent/providers"
	"github.com/evoforge/substrate/internal/config"
	"github.com/evoforge/substrate/internal/evolution"
	"github.com/evoforge/substrate/internal/infra"
	"github.com/evoforge/substrate/internal/memory"
	"github.com/evoforge/substrate/internal/memory/embeddings"
	"github.com/evoforge/substrate/internal/memory/embeddings/openai"
	"github.com/evoforge/substrate/internal/observability"
)

// substrate bundles the four subsystems that serve wires together and
// keeps alive for the life of the process.
type substrate struct {
	cfg        *config.Config
	metrics    *observability.Metrics
	logger     *observability.Logger
	tracer     *observability.Tracer
	tracerStop func(context.Context) error
	dispatcher *agent.Dispatcher
	pipeline   *agent.Pipeline
	memory     *memory.Engine
	loop       *evolution.Loop
	components *infra.ComponentManager
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration substrate",
		Long: `Run the orchestration substrate: load configuration, construct the
Runtime Dispatcher, Tool Invocation Pipeline, Memory Engine, and Dev/Prod
Evolution Loop, and block until a shutdown signal arrives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		AddSource: debug,
	})
	slogLogger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(slogLogger)

	logger.Info(ctx, "starting orchestration substrate", "version", version, "commit", commit, "config", configPath)

	s, err := buildSubstrate(cfg, logger, slogLogger)
	if err != nil {
		return fmt.Errorf("failed to construct substrate: %w", err)
	}
	if err := s.components.Start(ctx); err != nil {
		return fmt.Errorf("failed to start substrate components: %w", err)
	}

	coordinator := infra.NewShutdownCoordinator(30*time.Second, slogLogger)
	coordinator.RegisterConnection("components", s.components.Stop)

	done := coordinator.OnSignal()

	logger.Info(ctx, "orchestration substrate ready",
		"providers", len(cfg.Providers),
		"tools", len(s.pipeline.AsLLMTools()),
		"health", s.components.Health(ctx),
	)

	<-done
	logger.Info(ctx, "orchestration substrate stopped")
	return nil
}

// buildSubstrate constructs every subsystem from cfg but does not start
// any network listener: the CLI's other subcommands (propose, approve,
// deploy, ...) reuse it to operate on the same wiring as serve.
func buildSubstrate(cfg *config.Config, logger *observability.Logger, slogLogger *slog.Logger) (*substrate, error) {
	metrics := observability.NewMetrics()

	tracer, tracerStop := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "substrate",
		ServiceVersion: version,
		Environment:    os.Getenv("SUBSTRATE_ENV"),
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})

	dispatcher := agent.NewDispatcher(metrics, cfg.CircuitBreaker.Cooldown())
	registerProviders(dispatcher, cfg)

	pipeline := agent.NewPipeline(pipelineConfigFromConfig(cfg, metrics))

	memCfg := memory.DefaultConfig()
	memCfg.DBPath = cfg.Memory.DBPath
	memCfg.LogDir = cfg.Memory.LogDir
	memCfg.Debounce = cfg.Watcher.Debounce()
	memCfg.CacheMaxSize = cfg.Memory.CacheMaxSize
	memCfg.CacheMaxAge = cfg.Memory.CacheMaxAge()
	memCfg.PostgresDSN = cfg.Memory.PostgresDSN
	memCfg.Logger = slogLogger
	if embedder, err := embedderFromConfig(cfg); err != nil {
		slogLogger.Warn("semantic search disabled", "error", err)
	} else {
		memCfg.Embedder = embedder
	}

	engine, err := memory.NewEngine(memCfg)
	if err != nil {
		return nil, fmt.Errorf("construct memory engine: %w", err)
	}

	loop, err := evolution.NewLoop(cfg.Envs.DevEnvironment(), cfg.Envs.ProdEnvironment(), slogLogger)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("construct evolution loop: %w", err)
	}

	components := infra.NewComponentManager(slogLogger)
	components.Register(infra.NewSimpleComponent("tracer", slogLogger,
		func(context.Context) error { return nil },
		tracerStop,
	))
	components.Register(infra.NewSimpleComponent("memory-engine", slogLogger,
		func(context.Context) error { return nil },
		func(context.Context) error { return engine.Close() },
	))

	return &substrate{
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		tracer:     tracer,
		tracerStop: tracerStop,
		dispatcher: dispatcher,
		pipeline:   pipeline,
		memory:     engine,
		loop:       loop,
		components: components,
	}, nil
}

// registerProviders wires every configured provider's key set into the
// dispatcher. A provider name with no matching adapter is skipped rather
// than treated as fatal, so a config can list keys for a provider this
// build does not compile an adapter for.
func registerProviders(dispatcher *agent.Dispatcher, cfg *config.Config) {
	for name, pc := range cfg.Providers {
		switch name {
		case "anthropic":
			dispatcher.RegisterProvider(name, providers.NewAnthropicProvider(providers.AnthropicConfig{
				BaseURL: pc.BaseURL,
			}), pc.Keys)
		case "ollama":
			dispatcher.RegisterProvider(name, providers.NewOllamaProvider(providers.OllamaConfig{
				BaseURL: pc.BaseURL,
			}), pc.Keys)
		}
	}
}

func pipelineConfigFromConfig(cfg *config.Config, metrics *observability.Metrics) agent.PipelineConfig {
	pcfg := agent.DefaultPipelineConfig()
	pcfg.BaseDirectory = cfg.Security.BaseDirectory
	pcfg.Metrics = metrics
	pcfg.CircuitBreaker = infra.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.CircuitBreaker.Cooldown(),
	}
	for tool, limit := range cfg.RateLimit {
		pcfg.PerToolTokensPerMinute[tool] = float64(limit)
	}
	for tool, limit := range cfg.Concurrency {
		pcfg.PerToolConcurrency[tool] = int64(limit)
	}
	return pcfg
}

// embedderFromConfig builds the Memory Engine's optional semantic search
// embedder from the dispatcher's own provider credentials: an "openai"
// entry in providers supplies the embedding API key too, since OpenAI's
// embeddings endpoint uses the same key as its chat completions.
func embedderFromConfig(cfg *config.Config) (embeddings.Provider, error) {
	oa, ok := cfg.Providers["openai"]
	if !ok || len(oa.Keys) == 0 {
		return nil, fmt.Errorf("no openai provider configured")
	}
	provider, err := openai.New(openai.Config{
		APIKey:  oa.Keys[0],
		BaseURL: oa.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	return embeddings.NewCachingProvider(provider, 10*time.Minute, 5000), nil
}
