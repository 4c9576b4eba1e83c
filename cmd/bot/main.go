package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ob-scalp-bot/internal/app"
	"ob-scalp-bot/internal/config"
	"ob-scalp-bot/internal/logging"
	"ob-scalp-bot/internal/metrics"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", *configPath))

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", prom.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
		log.Info("metrics listener started", zap.String("addr", cfg.Metrics.Listen))
	}

	application, err := app.New(cfg, log, m)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}
	log.Info("app initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && err != context.Canceled {
		log.Error("app terminated", zap.Error(err))
		os.Exit(1)
	}
}
