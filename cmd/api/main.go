package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/config"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/gateway"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/metrics"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/orchestration"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/proposer"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/store"
)

// @title Pipeline Builder API
// @version 1.0
// @description Conversational data-pipeline builder.
// @description
// @description A session turns a natural-language description into a graph of source, transform
// @description and destination nodes, asking follow-up questions until every required field is filled.

// @contact.name API Support
// @contact.email support@bizmatters.dev

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

func main() {
	// Initialize OpenTelemetry
	tp, err := initTracer()
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	turnMetrics, err := metrics.NewTurnMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}

	p, checks, err := newProposer(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize proposer: %v", err)
	}

	details, storeChecks, closeStores := newDetailStore(cfg)
	defer closeStores()
	checks = append(checks, storeChecks...)

	manager := orchestration.NewManager(p, details, orchestration.Options{
		ProposerTimeout: cfg.Proposer.Timeout,
		IdleTimeout:     cfg.Sessions.IdleTimeout,
		QueueSize:       cfg.Sessions.QueueSize,
		Metrics:         turnMetrics,
	})

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go manager.RunReaper(reaperCtx, time.Minute)

	// Initialize gateway layer
	handler := gateway.NewHandler(manager, checks...)
	socket := gateway.NewSessionSocket(manager, turnMetrics)

	// Setup Gin router
	router := gin.Default()

	// Add structured JSON logging middleware
	router.Use(structuredLoggingMiddleware())

	gateway.RegisterRoutes(router, handler, socket)

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting Pipeline Builder API server on port %s\n", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Websocket connections are hijacked, so Shutdown does not wait for them
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	manager.Shutdown()

	if err := tp.Shutdown(ctx); err != nil {
		log.Printf("Failed to flush traces: %v", err)
	}

	log.Println("Server exited")
}

// newProposer picks the remote proposer when a URL is configured and the
// built-in catalog proposer otherwise
func newProposer(cfg *config.Config) (proposer.Proposer, []gateway.ReadinessCheck, error) {
	if cfg.Proposer.URL != "" {
		client := proposer.NewRemoteClient(cfg.Proposer.URL)
		log.Printf("Using remote proposer at %s", cfg.Proposer.URL)
		return client, []gateway.ReadinessCheck{{
			Name: "proposer",
			Check: func(ctx context.Context) error {
				if !client.IsHealthy(ctx) {
					return errors.New("proposer is unavailable")
				}
				return nil
			},
		}}, nil
	}

	var catalog *proposer.Catalog
	if cfg.Proposer.CatalogFile != "" {
		var err error
		catalog, err = proposer.LoadCatalog(cfg.Proposer.CatalogFile)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Loaded connector catalog from %s", cfg.Proposer.CatalogFile)
	}
	p := proposer.NewCatalogProposer(catalog)
	p.ThinkDelay = cfg.Proposer.ThinkDelay
	log.Println("Using built-in catalog proposer")
	return p, nil, nil
}

// newDetailStore chains the configured node-detail backends, Redis first
func newDetailStore(cfg *config.Config) (store.DetailStore, []gateway.ReadinessCheck, func()) {
	var chain store.Chain
	var checks []gateway.ReadinessCheck
	var closers []func()

	if cfg.Redis.Addr != "" {
		redisStore := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, store.WithPrefix(cfg.Redis.Prefix))
		chain = append(chain, redisStore)
		checks = append(checks, gateway.ReadinessCheck{Name: "redis", Check: redisStore.Ping})
		closers = append(closers, func() { redisStore.Close() })
		log.Printf("Node details: Redis at %s", cfg.Redis.Addr)
	}

	if cfg.Database.URL != "" {
		pool := connectPostgres(cfg.Database.URL)
		pgStore := store.NewPostgresStore(pool)
		if err := pgStore.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("Failed to prepare node_details table: %v", err)
		}
		chain = append(chain, pgStore)
		checks = append(checks, gateway.ReadinessCheck{Name: "postgres", Check: pool.Ping})
		closers = append(closers, pool.Close)
		log.Println("Node details: PostgreSQL")
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(chain) == 0 {
		return nil, checks, closeAll
	}
	return chain, checks, closeAll
}

// connectPostgres opens a pool, retrying while the database starts
func connectPostgres(dbURL string) *pgxpool.Pool {
	log.Println("Connecting to PostgreSQL database...")
	var pool *pgxpool.Pool
	var err error

	for i := 0; i < 10; i++ {
		pool, err = pgxpool.New(context.Background(), dbURL)
		if err == nil {
			err = pool.Ping(context.Background())
			if err == nil {
				break
			}
			pool.Close()
		}
		log.Printf("Waiting for database... (attempt %d/10): %v", i+1, err)
		time.Sleep(3 * time.Second)
	}

	if err != nil {
		log.Fatalf("Failed to connect to database after retries: %v", err)
	}
	log.Println("Connected to PostgreSQL database")
	return pool
}

// initTracer initializes OpenTelemetry tracing
func initTracer() (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// structuredLoggingMiddleware provides structured JSON logging for all requests
func structuredLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)

		logEntry := map[string]interface{}{
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		}

		if sessionID := c.Param("session_id"); sessionID != "" {
			logEntry["session_id"] = sessionID
		}

		if len(c.Errors) > 0 {
			logEntry["errors"] = c.Errors.String()
		}

		logJSON, _ := json.Marshal(logEntry)
		log.Println(string(logJSON))
	}
}
