// Obselis transcoding engine: a persistent job queue that turns a media
// library into space-efficient streaming renditions.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/Brocrad/Obselis-sub002/internal/config"
	"github.com/Brocrad/Obselis-sub002/internal/database"
	"github.com/Brocrad/Obselis-sub002/internal/events"
	applog "github.com/Brocrad/Obselis-sub002/internal/logger"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/api"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/cleanup"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		applog.Error("fatal", applog.Err("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "obselis",
		Level:      hclog.LevelFromString(os.Getenv("LOG_LEVEL")),
		JSONFormat: os.Getenv("LOG_FORMAT") == "json",
	})

	configMgr, err := config.NewManager(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer configMgr.Close()
	cfg := configMgr.Get()

	if err := os.MkdirAll(cfg.OutputDirectory, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDirectory, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	db, err := database.Initialize(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus(events.DefaultConfig(), logger)
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer bus.Stop(context.Background())

	fanout, err := events.NewWebSocketFanout(bus, logger)
	if err != nil {
		return fmt.Errorf("failed to start websocket fanout: %w", err)
	}
	defer fanout.Close()

	manager := transcoding.NewManager(logger, cfg, db, bus)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job manager: %w", err)
	}

	cleanupCfg := cleanup.DefaultConfig()
	cleanupCfg.OutputDirectory = cfg.OutputDirectory
	cleanupCfg.Interval = cfg.CleanupInterval
	cleanupSvc := cleanup.NewService(logger, db, manager.Storage(), manager.Tracker(), bus, cleanupCfg)
	cleanupSvc.Start(ctx)

	if configPath != "" {
		configMgr.OnReload(func(next *config.Config) {
			// Directory and concurrency changes need a restart; the
			// reload path only swaps the tunables read per operation.
			logger.Info("configuration reloaded")
			event := events.NewEvent(events.EventConfigReloaded, "system",
				"Configuration reloaded", "")
			bus.PublishAsync(event)
		})
		if err := configMgr.Watch(); err != nil {
			logger.Warn("config watch unavailable", "error", err)
		}
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api.NewHandler(logger, manager, cleanupSvc, fanout).RegisterRoutes(router)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	event := events.NewEvent(events.EventSystemStarted, "system", "Engine started", "")
	bus.PublishAsync(event)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	cleanupSvc.Stop()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("job manager shutdown failed", "error", err)
	}

	stopped := events.NewEvent(events.EventSystemStopped, "system", "Engine stopped", "")
	bus.Publish(context.Background(), stopped)

	logger.Info("shutdown complete")
	return nil
}
