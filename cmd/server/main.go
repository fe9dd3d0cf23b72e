package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigmarket/ordersync/internal/chat"
	"github.com/gigmarket/ordersync/internal/config"
	"github.com/gigmarket/ordersync/internal/db"
	"github.com/gigmarket/ordersync/internal/db/repository"
	"github.com/gigmarket/ordersync/internal/events"
	"github.com/gigmarket/ordersync/internal/kv"
	"github.com/gigmarket/ordersync/internal/models"
	"github.com/gigmarket/ordersync/internal/notice"
	"github.com/gigmarket/ordersync/internal/router"
	"github.com/gigmarket/ordersync/internal/service"
	"github.com/gigmarket/ordersync/internal/store"
	"github.com/gigmarket/ordersync/internal/telemetry"
	"github.com/gigmarket/ordersync/internal/transport"
	"github.com/gigmarket/ordersync/internal/websockets"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// hashPassword prints the bcrypt hash to paste into an operator entry
func hashPassword(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: server hash-password <password>")
	}
	hash, err := service.HashPassword(args[0])
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func run(logger *slog.Logger) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, logger)

	// Session state and snapshots
	var (
		kvStore   kv.Store
		snapshots service.SnapshotRepository
		health    router.HealthChecker
	)
	if cfg.Database.Driver == "memory" {
		kvStore = kv.NewMemory()
	} else {
		database, err := db.Open(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		if err := database.Migrate(); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}

		repos := repository.NewRepositories(database)
		kvStore = repos.KV
		snapshots = repos.Snapshots
		health = database
	}

	// Events fan out to WebSocket clients and, when configured, NATS
	bus := events.NewBus(logger)
	hub := websockets.NewHub(logger)
	bus.Subscribe(hub.Handle)

	if cfg.NATS.URL != "" {
		publisher, err := events.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer publisher.Close()
		bus.Subscribe(publisher.Handle)
	}

	client := transport.NewClient(transport.Config{
		Endpoint: cfg.Backend.Endpoint,
		Timeout:  cfg.Backend.Timeout,
	}, logger.With("component", "transport"))

	st := store.New(logger)
	orders := service.NewOrderService(client, st, snapshots, bus, cfg.Backend.SelfID, cfg.Backend.Timeout, logger)
	coordinator := service.NewCoordinator(client, st, snapshots, bus, cfg.Backend.SelfID, cfg.Backend.Timeout, logger)
	loop := chat.NewLoop(client, bus, notice.New(bus, cfg.Sync.NoticeThreshold, cfg.Sync.NoticeMinInterval), chat.Config{
		Interval:         cfg.Sync.ChatInterval,
		MaxInterval:      cfg.Sync.ChatMaxInterval,
		FailureThreshold: cfg.Sync.FailureThreshold,
		Timeout:          cfg.Backend.Timeout,
		ReconcileWindow:  cfg.Sync.ReconcileWindow,
		SelfID:           cfg.Backend.SelfID,
	}, logger)
	engine := service.NewEngine(st, orders, coordinator, loop, kvStore, logger)
	defer engine.Close()

	if err := engine.Warm(ctx); err != nil {
		logger.Warn("failed to warm order store", "error", err)
	}
	if _, err := engine.Resume(ctx); err != nil && !errors.Is(err, models.ErrNoActiveOrder) {
		logger.Warn("failed to resume active order", "error", err)
	}

	query := service.Query{ToID: cfg.Backend.SelfID, CompanyID: cfg.Backend.CompanyID}
	go orders.Watch(ctx, query, cfg.Sync.OrdersInterval)
	go hub.Run(ctx)

	auth := service.NewAuthService(cfg.Operators, service.JWTConfig{
		Secret:    cfg.JWT.Secret,
		ExpiresIn: cfg.JWT.ExpiresIn,
	})

	server := &http.Server{
		Addr: cfg.Server.Address,
		Handler: router.New(router.Options{
			Engine:         engine,
			Auth:           auth,
			Hub:            hub,
			Query:          query,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Health:         health,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "address", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("failed to flush traces", "error", err)
	}

	logger.Info("server exited properly")
	return nil
}
