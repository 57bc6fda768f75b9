package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aivideostudio/studio-gateway/internal/api"
	"github.com/aivideostudio/studio-gateway/internal/config"
	"github.com/aivideostudio/studio-gateway/internal/db"
	"github.com/aivideostudio/studio-gateway/internal/events"
	"github.com/aivideostudio/studio-gateway/internal/gateway"
	"github.com/aivideostudio/studio-gateway/internal/logging"
	"github.com/aivideostudio/studio-gateway/internal/media"
	"github.com/aivideostudio/studio-gateway/internal/metrics"
	"github.com/aivideostudio/studio-gateway/internal/project"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting studio gateway",
		"version", config.Version,
		"commit", config.GitCommit,
		"store", cfg.StoreBackend(),
		"media_base_url", cfg.MediaBaseURL(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	publisher := openPublisher(cfg, logger)
	defer publisher.Close()

	m := metrics.New()

	projectSvc := project.NewService(repo, logging.WithComponent(logger, "project"))
	projectSvc.SetStoreTimeout(cfg.TimeoutStore())
	projectSvc.SetPublisher(publisher)
	projectSvc.SetMetrics(m)

	// A sqlite store is owned by this process alone, so anything still
	// processing was cut off by the previous shutdown.
	if cfg.StoreBackend() == config.StoreSQLite {
		if n, err := projectSvc.RecoverInterrupted(ctx); err != nil {
			logger.Warn("failed to mark interrupted projects", "error", err)
		} else if n > 0 {
			logger.Info("marked interrupted projects as failed", "count", n)
		}
	}

	mediaClient := media.NewClient(cfg.MediaBaseURL(), logging.WithComponent(logger, "media"))
	probe := media.NewCachedProbe(mediaClient, logger)

	probeCtx, probeCancel := context.WithTimeout(ctx, cfg.TimeoutShort())
	if h, err := probe.Refresh(probeCtx); err != nil {
		logger.Warn("media service not reachable at startup", "error", err)
	} else {
		logger.Info("media service reachable", "status", h.Status)
	}
	probeCancel()

	gw := gateway.New(mediaClient, projectSvc, logger)
	gw.SetMetrics(m)
	gw.SetTimeouts(cfg.TimeoutVideo(), cfg.TimeoutStore())

	sweeper := project.NewSweeper(projectSvc, cfg.SweepInterval(), cfg.ProcessingStaleAfter(), logging.WithComponent(logger, "sweeper"))
	go sweeper.Start(ctx)

	apiServer := api.NewServer(api.ServerConfig{
		BindAddr:       cfg.BindAddr(),
		Port:           cfg.Port(),
		Projects:       projectSvc,
		Gateway:        gw,
		Downloads:      mediaClient,
		Probe:          probe,
		Store:          projectSvc,
		Metrics:        m,
		CORSOrigins:    cfg.CORSOrigins(),
		JWTSecret:      cfg.JWTSecret(),
		JWTAudience:    cfg.JWTAudience(),
		MaxUploadBytes: cfg.MaxUploadBytes(),
		MaxUploadFiles: cfg.MaxUploadFiles(),
		Timeouts: api.Timeouts{
			Short:    cfg.TimeoutShort(),
			Generate: cfg.TimeoutGenerate(),
			Video:    cfg.TimeoutVideo(),
		},
		Logger:    logger,
		StartTime: startTime,
		Version:   config.Version,
	})

	auth := "disabled"
	if cfg.JWTSecret() != "" {
		auth = "bearer (HS256)"
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                 AI VIDEO STUDIO GATEWAY %-17s ║\n", "v"+config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:     http://%-36s ║\n", apiServer.Addr())
	fmt.Printf("║  Media:       %-43s ║\n", truncate(cfg.MediaBaseURL(), 43))
	fmt.Printf("║  Store:       %-43s ║\n", cfg.StoreBackend())
	fmt.Printf("║  Auth:        %-43s ║\n", auth)
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// openStore builds the project repository for the configured backend and
// returns a func releasing it.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (project.Repository, func() error, error) {
	noop := func() error { return nil }

	switch cfg.StoreBackend() {
	case config.StorePostgres:
		database, err := db.NewPostgres(ctx, cfg.PostgresDSN(), logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to initialize postgres: %w", err)
		}
		logger.Info("using postgres store", "dsn", logging.SanitizeDSN(cfg.PostgresDSN()))
		return project.NewRepository(database.Conn(), database.Dialect()), database.Close, nil

	case config.StoreSupabase:
		logger.Info("using supabase store", "url", cfg.SupabaseURL())
		return project.NewSupabaseRepository(cfg.SupabaseURL(), cfg.SupabaseKey(), nil), noop, nil

	default:
		database, err := db.New(cfg.SQLitePath(), logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to initialize database: %w", err)
		}
		logger.Info("using sqlite store", "path", cfg.SQLitePath())
		return project.NewRepository(database.Conn(), database.Dialect()), database.Close, nil
	}
}

// openPublisher connects to RabbitMQ when configured and falls back to a
// logging stub otherwise, or when the broker is unreachable.
func openPublisher(cfg config.Config, logger *slog.Logger) events.Publisher {
	if cfg.AMQPURL() == "" {
		return events.NewStubPublisher(logger)
	}

	pub, err := events.NewAMQPPublisher(cfg.AMQPURL(), cfg.AMQPQueue(), logging.WithComponent(logger, "events"))
	if err != nil {
		logger.Warn("status events disabled, rabbitmq unavailable", "error", err)
		return events.NewStubPublisher(logger)
	}
	logger.Info("publishing status events", "queue", cfg.AMQPQueue())
	return pub
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
