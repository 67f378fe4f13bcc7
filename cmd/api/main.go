package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meeting-transcript-pipeline/internal/api"
	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/pipeline"
	"meeting-transcript-pipeline/internal/queue"
	"meeting-transcript-pipeline/internal/ratelimit"
	"meeting-transcript-pipeline/internal/store"
	"meeting-transcript-pipeline/internal/vault"
	"meeting-transcript-pipeline/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	log := logging.NewLogger(logging.Config{
		Level:       cfg.LogLevel,
		ServiceName: "transcript-api",
		Environment: cfg.Env,
		JSONFormat:  cfg.LogFormat == "json",
	})
	if err != nil {
		log.Error("load config", logging.Err(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Error("open store", logging.Err(err), logging.F("driver", cfg.StoreDriver))
		os.Exit(1)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", logging.Err(err))
		os.Exit(1)
	}

	cipher, err := vault.NewCipher(cfg.CredentialEncryptionKey)
	if err != nil {
		log.Error("credential cipher", logging.Err(err))
		os.Exit(1)
	}

	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient, cfg.VisibilityTimeout)

	server := api.New(api.Deps{
		Enqueuer:   pipeline.NewRuntime(pipeline.Runtime{Config: cfg, Log: log, Queue: q}),
		Secrets:    vault.New(st, cipher, cfg.CredentialCacheTTL),
		Queue:      q,
		Deliveries: st,
		Limiter:    ratelimit.NewTokenBucket(redisClient, "rl:webhook", cfg.WebhookRateCapacity, cfg.WebhookRateRefill, time.Hour),
		Verifier:   webhook.Verifier{MaxSkew: cfg.WebhookMaxSkew},
		Log:        log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("api listening", logging.F("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", logging.Err(err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("api stopped")
}
