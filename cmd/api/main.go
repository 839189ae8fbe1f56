package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/attractor-set/pg-rag-orchestrator/internal/auth"
	"github.com/attractor-set/pg-rag-orchestrator/internal/checkpoint"
	"github.com/attractor-set/pg-rag-orchestrator/internal/config"
	"github.com/attractor-set/pg-rag-orchestrator/internal/gateway"
	"github.com/attractor-set/pg-rag-orchestrator/internal/metrics"
	"github.com/attractor-set/pg-rag-orchestrator/internal/orchestration"
	"github.com/attractor-set/pg-rag-orchestrator/internal/sqlguard"
	"github.com/attractor-set/pg-rag-orchestrator/pkg/logx"

	_ "github.com/attractor-set/pg-rag-orchestrator/docs" // swagger docs
)

// @title PG RAG Orchestrator API
// @version 1.0
// @description Question-to-SQL orchestration API
// @description
// @description Converts natural-language questions into validated, executed SQL through
// @description a pipeline of remote reasoning steps: intent triage, schema retrieval,
// @description generation, validation with bounded rework, and execution.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the JWT token.

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logx.Init(logx.Opts{Environment: cfg.Environment})

	if err := initTracer(); err != nil {
		logx.Fatal().Err(err).Msg("failed to initialize tracer")
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool = connectPostgres(cfg.DatabaseURL)
		defer pool.Close()
	}

	store, err := buildStore(cfg, pool)
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to initialize checkpoint store")
	}

	jwtManager, err := auth.NewJWTManager(cfg.JWTSecret)
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to initialize JWT manager")
	}

	pipelineMetrics, err := metrics.NewPipelineMetrics()
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	steps := orchestration.NewHTTPStepClient(orchestration.StepClientConfig{
		Endpoints: map[orchestration.Step]string{
			orchestration.StepIntent:   cfg.IntentAgentURL,
			orchestration.StepSchema:   cfg.SchemaAgentURL,
			orchestration.StepGenerate: cfg.SQLGenAgentURL,
			orchestration.StepValidate: cfg.ValidateAgentURL,
			orchestration.StepExecute:  cfg.ExecuteAgentURL,
		},
		Token:        cfg.AgentAPIToken,
		Timeout:      cfg.StepTimeout,
		Retries:      cfg.StepTransportRetries,
		RetryBackoff: cfg.StepRetryBackoff,
	})

	hub := gateway.NewHub()

	engine := orchestration.NewEngine(orchestration.EngineConfig{
		Steps: steps,
		Store: store,
		Guard: &sqlguard.Guard{
			StrictPGFunctions: cfg.StrictPGFunctions,
			MaxLength:         cfg.MaxSQLLength,
		},
		Metrics:    pipelineMetrics,
		Sink:       hub,
		MaxRetries: cfg.MaxValidationAttempts,
	})

	handler := gateway.NewHandler(engine, jwtManager, pool)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLoggingMiddleware())

	router.GET("/health", handler.Health)
	router.GET("/ready", handler.Ready)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := router.Group("/api")
	api.POST("/auth/login", handler.Login)

	protected := api.Group("")
	protected.Use(auth.RequireAuth(jwtManager))
	protected.POST("/chat", handler.Chat)
	protected.GET("/threads/:id", handler.GetThread)
	protected.GET("/threads/:id/stream", hub.StreamTurns)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logx.Info().Int("port", cfg.Port).Str("backend", cfg.CheckpointBackend).Msg("starting orchestrator API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logx.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logx.Fatal().Err(err).Msg("server forced to shutdown")
	}
	logx.Info().Msg("server exited")
}

func connectPostgres(dbURL string) *pgxpool.Pool {
	var pool *pgxpool.Pool
	var err error
	for i := 0; i < 10; i++ {
		pool, err = pgxpool.New(context.Background(), dbURL)
		if err == nil {
			err = pool.Ping(context.Background())
			if err == nil {
				logx.Info().Msg("connected to PostgreSQL")
				return pool
			}
		}
		logx.Warn().Int("attempt", i+1).Err(err).Msg("waiting for database")
		time.Sleep(3 * time.Second)
	}
	logx.Fatal().Err(err).Msg("failed to connect to database after retries")
	return nil
}

func buildStore(cfg *config.Config, pool *pgxpool.Pool) (checkpoint.Store, error) {
	switch cfg.CheckpointBackend {
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("postgres backend requires DATABASE_URL")
		}
		store := checkpoint.NewPostgresStore(pool)
		if err := store.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return checkpoint.NewRedisStore(client, cfg.RedisThreadTTL), nil
	case "memory":
		logx.Warn().Msg("using in-memory checkpoint store, state is lost on restart")
		return checkpoint.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}

// initTracer initializes OpenTelemetry tracing
func initTracer() error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	return nil
}

// requestLoggingMiddleware logs every request with latency and status
func requestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		userID, _ := c.Get("user_id")
		ev := logx.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Str("client_ip", c.ClientIP())
		if userID != nil {
			ev = ev.Interface("user_id", userID)
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Msg("request")
	}
}
