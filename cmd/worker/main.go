package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"carbon-telemetry/internal/config"
	"carbon-telemetry/internal/emissions"
	"carbon-telemetry/internal/queue"
	"carbon-telemetry/internal/store"
	"carbon-telemetry/internal/telemetry"
	"carbon-telemetry/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(redisClient, cfg.VisibilityTimeout)

	factors, err := st.EmissionFactors(ctx)
	if err != nil {
		log.Warn("emission factor table unavailable, using builtins", "error", err)
	}
	computer := emissions.NewComputer(st, emissions.NewFactorTable(factors), log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	processor := worker.NewProcessor(q, computer, log, cfg.WorkerPollInterval)
	log.Info("worker started", "poll_interval", cfg.WorkerPollInterval, "visibility", cfg.VisibilityTimeout)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "error", err)
	}
}

func newLogger(env string) *slog.Logger {
	if env == "dev" {
		return slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
