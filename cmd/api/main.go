package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"carbon-telemetry/internal/api"
	"carbon-telemetry/internal/auth"
	"carbon-telemetry/internal/config"
	"carbon-telemetry/internal/emissions"
	"carbon-telemetry/internal/ingest"
	"carbon-telemetry/internal/models"
	"carbon-telemetry/internal/queue"
	"carbon-telemetry/internal/ratelimit"
	"carbon-telemetry/internal/store"
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

	limiter := ratelimit.New(ctx, redisClient, st, cfg.StoreTimeout, log)
	escalator := ratelimit.NewEscalator(limiter, st,
		func(ctx context.Context, ev models.AuditEvent) { _ = st.AppendAudit(ctx, ev) },
		log, cfg.AbuseWindow, cfg.AbuseThreshold, cfg.BlockDuration)
	resolver := auth.NewResolver(st, log)

	factors, err := st.EmissionFactors(ctx)
	if err != nil {
		log.Warn("emission factor table unavailable, using builtins", "error", err)
	}
	computer := emissions.NewComputer(st, emissions.NewFactorTable(factors), log)
	svc := ingest.NewService(st)

	var q *queue.ComputeQueue
	if !cfg.SyncCompute {
		q = queue.New(redisClient, cfg.VisibilityTimeout)
	}

	server := api.New(cfg, st, resolver, limiter, escalator, svc, computer, q, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", "port", cfg.HTTPPort, "sync_compute", cfg.SyncCompute)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) *slog.Logger {
	if env == "dev" {
		return slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
