package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"golang.org/x/sync/errgroup"

	"meeting-transcript-pipeline/internal/archive"
	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/intake"
	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/mail"
	"meeting-transcript-pipeline/internal/minutes"
	"meeting-transcript-pipeline/internal/pipeline"
	"meeting-transcript-pipeline/internal/queue"
	"meeting-transcript-pipeline/internal/ratelimit"
	"meeting-transcript-pipeline/internal/recording"
	"meeting-transcript-pipeline/internal/store"
	"meeting-transcript-pipeline/internal/telemetry"
	"meeting-transcript-pipeline/internal/transcript"
	"meeting-transcript-pipeline/internal/vault"
)

func main() {
	cfg, err := config.Load()
	log := logging.NewLogger(logging.Config{
		Level:       cfg.LogLevel,
		ServiceName: "transcript-worker",
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
	creds := vault.New(st, cipher, cfg.CredentialCacheTTL)

	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient, cfg.VisibilityTimeout)

	httpClient := &http.Client{Timeout: cfg.ExternalCallTimeout}
	providerLimiter := ratelimit.NewTokenBucket(redisClient, "rl:provider", cfg.ProviderRateCapacity, cfg.ProviderRateRefill, time.Hour)
	retriever := recording.NewRetriever(creds, recording.NewClient(recording.ClientConfig{
		BaseURL:    cfg.ZoomAPIBaseURL,
		TokenURL:   cfg.ZoomOAuthTokenURL,
		HTTPClient: httpClient,
		Redis:      redisClient,
	}), providerLimiter, log)

	var stt transcript.Transcriber
	if cfg.OpenAIAPIKey != "" {
		stt = transcript.NewWhisperClient(transcript.WhisperConfig{
			BaseURL:    cfg.OpenAIBaseURL,
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.TranscriptionModel,
			Language:   cfg.TranscriptionLanguage,
			HTTPClient: httpClient,
		})
	} else {
		log.Warn("OPENAI_API_KEY not set, speech-to-text fallback disabled")
	}
	extractor := transcript.NewExtractor(stt, nil, transcript.Limits{
		MaxCaptionBytes: cfg.MaxCaptionBytes,
		MaxAudioBytes:   cfg.MaxAudioBytes,
	}, log)

	sender, err := mail.NewSESSender(ctx, cfg.AWSRegion, cfg.MailEndpoint, cfg.MailFrom)
	if err != nil {
		log.Error("mail sender", logging.Err(err))
		os.Exit(1)
	}
	arch, err := archive.FromConfig(ctx, cfg)
	if err != nil {
		log.Error("archive", logging.Err(err))
		os.Exit(1)
	}

	rt := pipeline.NewRuntime(pipeline.Runtime{
		Config:    cfg,
		Log:       log,
		Queue:     q,
		Store:     st,
		Retriever: retriever,
		Extractor: extractor,
		Minutes: minutes.NewGenerator(minutes.Config{
			BaseURL:    cfg.OpenAIBaseURL,
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.SummaryModel,
			HTTPClient: httpClient,
		}, log),
		Mail:    sender,
		Archive: arch,
		Locker:  redislock.New(redisClient),
	})

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", logging.Err(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	if len(cfg.KafkaBrokers) > 0 {
		consumer := intake.NewConsumer(cfg, rt, log)
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(gctx) })
		log.Info("kafka intake enabled", logging.F("topic", cfg.KafkaTopic), logging.F("group", cfg.KafkaGroupID))
	}

	log.Info("worker started",
		logging.F("store", cfg.StoreDriver),
		logging.F("visibility", cfg.VisibilityTimeout.String()),
		logging.F("archive", arch.Enabled()))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", logging.Err(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("worker stopped")
}
