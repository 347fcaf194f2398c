package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Health-Education-England/tis-trainee-forms/internal/bus"
	"github.com/Health-Education-England/tis-trainee-forms/internal/handlers"
	"github.com/Health-Education-England/tis-trainee-forms/internal/logger"
	"github.com/Health-Education-England/tis-trainee-forms/internal/metrics"
	appmiddleware "github.com/Health-Education-England/tis-trainee-forms/internal/middleware"
	"github.com/Health-Education-England/tis-trainee-forms/internal/pdf"
	"github.com/Health-Education-England/tis-trainee-forms/internal/publisher"
	"github.com/Health-Education-England/tis-trainee-forms/internal/repository"
	"github.com/Health-Education-England/tis-trainee-forms/internal/services"
	"github.com/Health-Education-England/tis-trainee-forms/internal/storage"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
)

// dependencies holds the wired application components.
type dependencies struct {
	db           *sqlx.DB
	eventBus     *bus.RedisBus
	publisher    *publisher.Publisher
	formHandler  *handlers.FormHandler
	adminHandler *handlers.AdminHandler
	metricsReg   *prometheus.Registry
	log          zerolog.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Msg("starting trainee forms service")

	deps, err := setupDependencies(cfg, log)
	if err != nil {
		return fmt.Errorf("initialising dependencies: %w", err)
	}
	defer func() {
		if closeErr := deps.db.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("closing database connection failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The drain loop runs alongside the HTTP server and stops with it.
	go deps.publisher.Run(ctx)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      setupRouter(deps, cfg),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Msg("HTTP server listening")
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case err = <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func setupDependencies(cfg *config, log zerolog.Logger) (*dependencies, error) {
	db, err := repository.NewPostgresDB(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	log.Info().Msg("database connection established")

	objectStore, err := storage.NewMinioClient(storage.MinioConfig{
		Endpoint:        cfg.MinioEndpoint,
		AccessKeyID:     cfg.MinioUser,
		SecretAccessKey: cfg.MinioPassword,
		BucketName:      cfg.MinioBucket,
	}, log)
	if err != nil {
		closeDB(db, log)
		return nil, fmt.Errorf("connecting to object storage: %w", err)
	}

	eventBus, err := bus.NewRedisBus(bus.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.RedisStream,
	}, log)
	if err != nil {
		closeDB(db, log)
		return nil, fmt.Errorf("connecting to message bus: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	outboxRepo := repository.NewPostgresOutboxRepository(db, log)
	versionRepo := repository.NewPostgresFormVersionRepository(db, outboxRepo, log)
	lockRepo := repository.NewPostgresJobLockRepository(db)

	formService := services.NewFormService(versionRepo, m, log)
	snapshotService := services.NewSnapshotService(versionRepo, pdf.NewRenderer(), objectStore, m, cfg.RenderTimeout, log)

	pub := publisher.New(outboxRepo, lockRepo, eventBus, m, publisher.Config{
		Interval:  cfg.DrainInterval,
		BatchSize: cfg.DrainBatchSize,
		LeaseFor:  cfg.DrainLeaseFor,
	}, log)

	return &dependencies{
		db:           db,
		eventBus:     eventBus,
		publisher:    pub,
		formHandler:  handlers.NewFormHandler(formService, snapshotService, log),
		adminHandler: handlers.NewAdminHandler(pub, log),
		metricsReg:   registry,
		log:          log,
	}, nil
}

func setupRouter(deps *dependencies, cfg *config) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.metricsReg, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(appmiddleware.Authenticator([]byte(cfg.JWTSecret), deps.log))
			r.Mount("/forms", deps.formHandler.Routes())
			// Operator traffic carries the same gateway-issued tokens as
			// trainee traffic; nothing under /api is served anonymously.
			r.Mount("/admin", deps.adminHandler.Routes())
		})
	})

	return r
}

func closeDB(db *sqlx.DB, log zerolog.Logger) {
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("closing database connection failed")
	}
}
