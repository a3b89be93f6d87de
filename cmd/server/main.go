package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matthewtrundle/BloomMac-sub009/internal/api"
	"github.com/matthewtrundle/BloomMac-sub009/internal/app"
	"github.com/matthewtrundle/BloomMac-sub009/internal/config"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/errreport"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	app.ConfigureLogging(cfg.Log)

	flush, err := errreport.Init(cfg.Sentry, version)
	if err != nil {
		logger.Warn("[Server] sentry disabled", "error", err)
	}
	defer flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	handlers := api.NewHandlers(a.Processor, a.Enroller, a.Linker)
	router := api.SetupRoutes(handlers, api.NewHealthChecker(a.DB, a.Redis, version), api.RouterConfig{
		AdminToken:     cfg.Server.AdminToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        a.Metrics,
		Gatherer:       a.Registry,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// A manual pass may run up to the pass timeout.
		WriteTimeout: cfg.Drip.PassTimeout() + 10*time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("[Server] listening", "addr", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	logger.Info("[Server] shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("[Server] shutdown error", "error", err)
	}
	logger.Info("[Server] stopped")
}
