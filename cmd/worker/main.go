package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matthewtrundle/BloomMac-sub009/internal/app"
	"github.com/matthewtrundle/BloomMac-sub009/internal/config"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/errreport"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
	"github.com/matthewtrundle/BloomMac-sub009/internal/scheduler"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	once := flag.Bool("once", false, "run a single pass, print the result as JSON and exit (status 2 if any enrollment failed)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	app.ConfigureLogging(cfg.Log)

	flush, err := errreport.Init(cfg.Sentry, version)
	if err != nil {
		logger.Warn("[Worker] sentry disabled", "error", err)
	}
	defer flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	sched, err := scheduler.New(a.Processor, cfg.Drip.Schedule, a.Policy.Location, cfg.Drip.PassTimeout())
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	if *once {
		res, err := sched.RunOnce(ctx)
		if err != nil {
			log.Fatalf("Pass failed: %v", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			log.Fatalf("Encode result: %v", err)
		}
		if len(res.Failures()) > 0 {
			flush()
			os.Exit(2)
		}
		return
	}

	sched.Start()
	logger.Info("[Worker] running", "schedule", cfg.Drip.Schedule, "timezone", cfg.Drip.Timezone, "version", version)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("[Worker] shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Error("[Worker] pass did not stop in time", "error", err)
	}
	logger.Info("[Worker] stopped")
}
