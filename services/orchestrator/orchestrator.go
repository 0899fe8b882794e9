// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the EarthAgent service: it wires the agent
// components together and serves them over HTTP and WebSocket.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210, LLMBackend: "ollama"}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/EarthAgent/pkg/secrets"
	"github.com/AleutianAI/EarthAgent/services/agent/analysis"
	"github.com/AleutianAI/EarthAgent/services/agent/dispatcher"
	"github.com/AleutianAI/EarthAgent/services/agent/fallback"
	"github.com/AleutianAI/EarthAgent/services/agent/ratelimit"
	"github.com/AleutianAI/EarthAgent/services/agent/session"
	"github.com/AleutianAI/EarthAgent/services/agent/tools"
	"github.com/AleutianAI/EarthAgent/services/agent/tools/builtin"
	"github.com/AleutianAI/EarthAgent/services/llm"
	"github.com/AleutianAI/EarthAgent/services/orchestrator/handlers"
	"github.com/AleutianAI/EarthAgent/services/orchestrator/middleware"
	"github.com/AleutianAI/EarthAgent/services/orchestrator/observability"
	"github.com/AleutianAI/EarthAgent/services/orchestrator/routes"
)

// EnvironmentProduction disables diagnostics endpoints.
const EnvironmentProduction = "production"

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the agent service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the server fails, then shuts
	// down gracefully.
	Run(ctx context.Context) error

	// Shutdown releases every component. Safe to call more than once.
	Shutdown(ctx context.Context) error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds service configuration. Zero values take defaults in New.
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// Environment is "development" or "production". Default: development
	Environment string

	ServiceName string
	Version     string

	// GinMode sets the Gin framework mode: "debug", "release" or "test".
	GinMode string

	// LLMBackend selects the model provider: "openai", "anthropic"
	// ("claude"), or "ollama". Default: "ollama"
	LLMBackend string
	LLMModel   string
	LLMBaseURL string
	LLMAPIKey  *secrets.Secret
	LLMTimeout time.Duration
	LLMParams  llm.GenerationParams

	// Model overrides LLMBackend with a ready client.
	Model llm.LLMClient

	WeatherBaseURL string
	WeatherAPIKey  *secrets.Secret

	// ToolTimeout is the default per-tool timeout. Default: 30s
	ToolTimeout time.Duration

	// CachePath stores tool results on disk. Empty keeps them in memory.
	CachePath string

	// CacheDisabled turns off tool result caching.
	CacheDisabled bool

	SessionCapacity int
	MaxHistory      int
	RateLimit       ratelimit.Config

	// ModelTimeout bounds tool-selection calls. Default: 60s
	ModelTimeout time.Duration

	// AnalysisTimeout bounds analysis and fallback calls. Default: 60s
	AnalysisTimeout time.Duration

	MaxPending   int
	SystemPrompt string

	Connection handlers.ConnectionConfig

	// OTelEndpoint is the OTLP gRPC collector. Empty disables tracing.
	OTelEndpoint string

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration

	// MetricsRegistry receives all metrics. Default: a fresh registry with
	// Go and process collectors.
	MetricsRegistry *prometheus.Registry

	Logger *slog.Logger
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config Config
	logger *slog.Logger

	router      *gin.Engine
	llmClient   llm.LLMClient
	registry    *tools.Registry
	cache       *tools.Cache
	store       *session.Store
	limiter     *ratelimit.Limiter
	dispatcher  *dispatcher.Dispatcher
	connections *handlers.ConnectionManager
	metrics     *observability.AgentMetrics
	gatherer    *prometheus.Registry

	tracerCleanup func(context.Context)

	shutdownOnce sync.Once
	shutdownErr  error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the Service.
//
// # Description
//
// New initializes, in order: tracing (when an OTLP endpoint is set),
// metrics, the model client, the tool registry and executor, the session
// store, the rate limiter, the analysis and fallback passes, the dispatcher,
// the WebSocket connection manager and the HTTP routes.
//
// # Outputs
//
//   - Service: Ready-to-run service.
//   - error: Non-nil if a required component fails to initialize.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	s.logger = s.config.Logger

	if s.config.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.gatherer = s.config.MetricsRegistry
	if s.gatherer == nil {
		s.gatherer = prometheus.NewRegistry()
		s.gatherer.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = observability.NewAgentMetrics(s.gatherer)

	if err := s.initLLMClient(); err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	if err := s.initTools(); err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to initialize tools: %w", err)
	}
	if err := s.initAgent(); err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to initialize agent: %w", err)
	}
	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves until ctx is done or the listener fails.
func (s *service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting EarthAgent server", "port", s.config.Port, "environment", s.config.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down EarthAgent server")
		sdCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		httpErr := srv.Shutdown(sdCtx)
		return errors.Join(httpErr, s.Shutdown(sdCtx))
	})
	return g.Wait()
}

// Shutdown closes connections, drains the dispatcher and releases resources.
func (s *service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.connections.CloseAll()
		err := s.dispatcher.Close(ctx)
		if err != nil {
			s.logger.Warn("Dispatcher did not drain before the shutdown deadline", "error", err)
		}
		s.shutdownErr = errors.Join(err, s.cleanup(ctx))
	})
	return s.shutdownErr
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "EarthAgent"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "ollama"
	}
	if cfg.LLMTimeout == 0 {
		cfg.LLMTimeout = 120 * time.Second
	}
	if cfg.ToolTimeout == 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.ModelTimeout == 0 {
		cfg.ModelTimeout = 60 * time.Second
	}
	if cfg.AnalysisTimeout == 0 {
		cfg.AnalysisTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if len(cfg.RateLimit.Policies) == 0 {
		def := ratelimit.DefaultConfig()
		def.Now = cfg.RateLimit.Now
		cfg.RateLimit = def
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("earthagent"),
			semconv.ServiceVersionKey.String(s.config.Version),
		))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}
	s.logger.Info("Tracing enabled", "endpoint", s.config.OTelEndpoint)
	return cleanup, nil
}

// initLLMClient creates the model client for the configured backend.
func (s *service) initLLMClient() error {
	if s.config.Model != nil {
		s.llmClient = s.config.Model
		return nil
	}

	var err error
	switch s.config.LLMBackend {
	case "openai":
		s.llmClient, err = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  s.config.LLMAPIKey,
			Model:   s.config.LLMModel,
			BaseURL: s.config.LLMBaseURL,
		})
	case "claude", "anthropic":
		s.llmClient, err = llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:  s.config.LLMAPIKey,
			Model:   s.config.LLMModel,
			BaseURL: s.config.LLMBaseURL,
			Timeout: s.config.LLMTimeout,
		})
	case "ollama":
		s.llmClient, err = llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL: s.config.LLMBaseURL,
			Model:   s.config.LLMModel,
			Timeout: s.config.LLMTimeout,
		})
	default:
		return fmt.Errorf("unknown LLM backend %q", s.config.LLMBackend)
	}
	if err != nil {
		return err
	}
	s.logger.Info("LLM backend configured", "backend", s.config.LLMBackend, "model", s.llmClient.Model())
	return nil
}

// initTools registers the built-in tools and opens the result cache.
func (s *service) initTools() error {
	s.registry = tools.NewRegistry()
	owm := builtin.NewOpenWeatherMap(s.config.WeatherBaseURL, s.config.WeatherAPIKey, s.config.ToolTimeout)
	if err := builtin.Register(s.registry, owm); err != nil {
		return err
	}
	if !owm.Configured() {
		s.logger.Warn("OpenWeatherMap API key not set, weather lookups will fail and fall back")
	}
	s.registry.Freeze()

	if !s.config.CacheDisabled {
		cache, err := tools.OpenCache(tools.CacheConfig{Path: s.config.CachePath, Logger: s.logger})
		if err != nil {
			return fmt.Errorf("open tool cache: %w", err)
		}
		s.cache = cache
	}
	s.logger.Info("Tool registry frozen", "tools", s.registry.Names(), "cache", s.cache != nil)
	return nil
}

// initAgent wires the session store, rate limiter and dispatcher.
func (s *service) initAgent() error {
	limiter, err := ratelimit.New(s.config.RateLimit)
	if err != nil {
		return err
	}
	s.limiter = limiter

	s.store = session.NewStore(session.Config{
		Capacity:   s.config.SessionCapacity,
		MaxHistory: s.config.MaxHistory,
		Logger:     s.logger,
	})
	s.store.OnEvict(s.limiter.Forget)
	s.store.OnEvict(s.metrics.SessionEvicted)

	execOpts := tools.DefaultExecutorOptions()
	execOpts.DefaultTimeout = s.config.ToolTimeout
	execOpts.Cache = s.cache
	executor := tools.NewExecutor(s.registry, &execOpts).WithLogger(s.logger)

	pipeline, err := analysis.New(s.llmClient, analysis.Config{
		Timeout: s.config.AnalysisTimeout,
		Params:  s.config.LLMParams,
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}

	s.dispatcher, err = dispatcher.New(dispatcher.Config{
		Sessions: s.store,
		Limiter:  s.limiter,
		Executor: executor,
		Model:    s.llmClient,
		Analysis: pipeline,
		Fallback: fallback.New(s.llmClient, fallback.Config{
			Timeout: s.config.AnalysisTimeout,
			Params:  s.config.LLMParams,
			Logger:  s.logger,
		}),
		SystemPrompt: s.config.SystemPrompt,
		Params:       s.config.LLMParams,
		ModelTimeout: s.config.ModelTimeout,
		MaxPending:   s.config.MaxPending,
		Metrics:      s.metrics,
		Logger:       s.logger,
	})
	if err != nil {
		return err
	}

	s.connections = handlers.NewConnectionManager(s.store, s.dispatcher, s.config.Connection, s.metrics, s.logger)
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), middleware.RequestID(),
		middleware.AccessLog(s.logger, "/health", "/ready", "/metrics"))
	if s.tracerCleanup != nil {
		s.router.Use(otelgin.Middleware("earthagent"))
	}

	deps := routes.Dependencies{
		Info:        handlers.ServiceInfo{Name: s.config.ServiceName, Version: s.config.Version},
		Registry:    s.registry,
		Connections: s.connections,
		Ready:       s.readinessChecks(),
		Metrics:     promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}),
	}
	if s.config.Environment != EnvironmentProduction {
		deps.Debug = &handlers.DebugSources{
			Sessions:    s.store,
			Connections: s.connections,
			Pending:     s.dispatcher,
			RateBuckets: s.limiter,
		}
	}
	routes.SetupRoutes(s.router, deps)
}

func (s *service) readinessChecks() map[string]handlers.ReadinessCheck {
	return map[string]handlers.ReadinessCheck{
		"model": func() error {
			if s.llmClient == nil {
				return errors.New("model client is not configured")
			}
			return nil
		},
		"tools": func() error {
			if !s.registry.Frozen() {
				return errors.New("tool registry is not frozen")
			}
			if s.registry.Count() == 0 {
				return errors.New("tool registry is empty")
			}
			return nil
		},
	}
}

// cleanup releases the cache and tracer.
func (s *service) cleanup(ctx context.Context) error {
	var err error
	if s.cache != nil {
		if cerr := s.cache.Close(); cerr != nil {
			err = fmt.Errorf("close tool cache: %w", cerr)
		}
		s.cache = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(ctx)
		s.tracerCleanup = nil
	}
	return err
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
