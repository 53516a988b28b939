package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/adapters"
	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/emitters"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/sink"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/throttler"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg)
	ctx := context.Background()

	tp, err := setupTracing(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to set up tracing, continuing without export")
	}
	if tp != nil {
		tracing.SetTracer(tp.Tracer(cfg.AppName))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	// Database
	sqlxDB, err := connectDatabase(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer sqlxDB.Close()

	if err := runMigrations(cfg, sqlxDB, logger); err != nil {
		logger.WithError(err).Error("Failed to run migrations")
		os.Exit(1)
	}

	db := database.NewDatabaseInstance(sqlxDB, logger)

	// Redis
	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to Redis")
		os.Exit(1)
	}
	defer redisClient.Close()

	streams := redis.NewStreams(redisClient)
	dlq := redis.NewDeadLetterQueue(redisClient, redis.DefaultDLQStream, logger)
	locker := redis.NewLocker(redisClient, "fern:lock:")
	rateLimiter := redis.NewRateLimiter(redisClient, "fern:ratelimit:")

	// Repositories
	integrationRepo := repositories.NewIntegrationRepository(db, logger)
	runRepo := repositories.NewRunRepository(db, logger)
	streamRepo := repositories.NewStreamRepository(db, logger)
	dataRepo := repositories.NewStreamDataRepository(db, logger)
	webhookRepo := repositories.NewWebhookRepository(db, logger)
	maintenanceRepo := repositories.NewMaintenanceRepository(db, logger)

	// Pipeline plumbing
	em := emitters.NewEmitters(streams, emitters.RetryConfig{}, logger)
	thr := throttler.New(rateLimiter, cfg.ThrottleMaxWait, logger)
	httpClient := httpclient.NewClient(httpclient.DefaultConfig(), logger)
	authManager := auth.NewManager(redisClient, httpClient, logger)

	producer := sink.NewProducer(sink.ParseConfig(cfg.KafkaBrokers, cfg.KafkaDataTopic, cfg.KafkaFailedTopic), logger)
	defer producer.Close()

	registry := adapters.NewRegistry()
	registry.Register(adapters.NewGitHubAdapter())
	registry.Register(adapters.NewDiscordAdapter())

	orch := orchestrator.New(
		integrationRepo, runRepo, streamRepo, dataRepo, webhookRepo,
		em, registry, thr, authManager, httpClient, producer,
		orchestrator.Config{
			MaxRetries:     cfg.PipelineMaxRetries,
			RedriveBackoff: cfg.PipelineRedriveBackoff,
		},
		logger,
	)

	processors := buildProcessors(cfg, streams, dlq, orch, logger)

	sweeper := orchestrator.NewSweeper(maintenanceRepo, em, locker, orchestrator.SweeperConfig{
		Interval:     cfg.SweeperInterval,
		ClaimTimeout: cfg.SweeperClaimTimeout,
	}, logger)

	// HTTP server
	checker := health.NewChecker(sqlxDB, redisClient.Redis(), version)
	e := buildEcho(cfg, logger, checker)

	handlers.NewWebhookIngestHandler(integrationRepo, webhookRepo, em, logger).RegisterRoutes(e)

	api := e.Group("/api/v1")
	if cfg.AuthEnabled {
		api.Use(middleware.Authentication(logger, cfg.AuthIssuerURL, cfg.AuthClientID))
	}
	handlers.NewIntegrationHandler(integrationRepo, runRepo, em).RegisterRoutes(api)
	handlers.NewRunHandler(runRepo, streamRepo).RegisterRoutes(api)
	handlers.NewWebhookOpsHandler(webhookRepo, em, registry, logger).RegisterRoutes(api)
	handlers.NewDLQHandler(dlq, streams, logger).RegisterRoutes(api)
	handlers.NewTenantHandler(integrationRepo, logger).RegisterRoutes(api)

	// Startup graph: workers before the sweeper, HTTP last
	boot := startup.NewStartup[any](logger, cfg.StartupMaxAttempts)
	for i := range processors {
		boot.AddDependency(processors[i])
	}
	if cfg.SweeperEnabled {
		boot.AddDependency(&component{
			name:    "sweeper",
			deps:    processorNames(processors),
			startFn: sweeper.Start,
			stopFn:  sweeper.Stop,
		})
	}
	boot.AddDependency(&component{
		name: "http-server",
		startFn: func(context.Context) error {
			go func() {
				if err := e.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Error("HTTP server stopped unexpectedly")
				}
			}()
			return nil
		},
		stopFn: e.Shutdown,
	})

	if err := boot.Start(ctx); err != nil {
		logger.WithError(err).Error("Startup failed")
		os.Exit(1)
	}
	checker.SetReady(true)
	logger.Infof("%s listening on :%d", cfg.AppName, cfg.Port)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("Received %s, shutting down", sig)

	checker.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := boot.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
		os.Exit(1)
	}
}

// component adapts plain start/stop funcs to the startup graph
type component struct {
	name    string
	deps    []string
	startFn func(ctx context.Context) error
	stopFn  func(ctx context.Context) error
}

func (c *component) GetName() string { return c.name }

func (c *component) DependsOn() []string { return c.deps }
func (c *component) Start(ctx context.Context) error {
	if c.startFn == nil {
		return nil
	}
	return c.startFn(ctx)
}
func (c *component) Stop(ctx context.Context) error {
	if c.stopFn == nil {
		return nil
	}
	return c.stopFn(ctx)
}

// buildProcessors creates one lane-aware processor per pipeline stage
func buildProcessors(cfg config.Config, streams *redis.Streams, dlq *redis.DeadLetterQueue, orch *orchestrator.Orchestrator, logger ectologger.Logger) []*component {
	stages := []struct {
		stage   string
		workers int
		handler queue.Handler
	}{
		{queue.StageRuns, cfg.RunWorkerCount, orch.HandleRun},
		{queue.StageStreams, cfg.StreamWorkerCount, orch.HandleStream},
		{queue.StageData, cfg.DataWorkerCount, orch.HandleData},
		{queue.StageWebhooks, cfg.WebhookWorkerCount, orch.HandleWebhook},
	}

	components := make([]*component, 0, len(stages))
	for _, s := range stages {
		pcfg := queue.DefaultProcessorConfig(s.stage, queue.LaneStreams(s.stage))
		pcfg.WorkerCount = s.workers
		pcfg.MaxRetries = cfg.PipelineMaxRetries
		processor := queue.NewProcessor(streams, dlq, s.handler, pcfg, logger)
		components = append(components, &component{
			name:    s.stage + "-processor",
			startFn: processor.Start,
			stopFn:  processor.Stop,
		})
	}
	return components
}

func processorNames(processors []*component) []string {
	names := make([]string, 0, len(processors))
	for _, p := range processors {
		names = append(names, p.name)
	}
	return names
}

// buildEcho assembles the HTTP server with the shared middleware stack
func buildEcho(cfg config.Config, logger ectologger.Logger, checker *health.Checker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}

func newLogger(cfg config.Config) ectologger.Logger {
	var zapLogger *zap.Logger
	if cfg.PrettyLogs {
		zapLogger, _ = zap.NewDevelopment()
	} else {
		zapLogger, _ = zap.NewProduction()
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func connectDatabase(cfg config.Config) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword,
		cfg.DatabaseName, cfg.DatabaseSSLMode)

	db, err := sqlx.Connect(cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)
	return db, nil
}

func runMigrations(cfg config.Config, db *sqlx.DB, logger ectologger.Logger) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return err
	}

	ms := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	return ms.Migrate(cfg.DatabaseName, driver)
}

func setupTracing(ctx context.Context, cfg config.Config) (*sdktrace.TracerProvider, error) {
	if !cfg.OTLPEnabled {
		return sdktrace.NewTracerProvider(), nil
	}

	exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: cfg.OTLPInsecure,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)), nil
}
