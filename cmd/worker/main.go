package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"visualization/internal/adapter/repo"
	"visualization/internal/cache"
	"visualization/internal/content"
	"visualization/internal/domain"
	"visualization/internal/httpapi"
	"visualization/internal/infra"
	"visualization/internal/notify"
	"visualization/internal/providers/genimg"
	"visualization/internal/providers/prompt"
	"visualization/internal/queue"
	"visualization/internal/service"
	"visualization/internal/storage"
	"visualization/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	jobRepo := repo.NewJobRepository(pool)
	if err := jobRepo.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker: schema setup failed")
	}

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	var (
		jobQueue domain.JobQueue
		jobCache domain.SummaryCache
	)
	if rdb != nil {
		jobQueue = queue.NewRedis(rdb, cfg.QueueKey, cfg.AvgProcessing)
		jobCache = cache.NewRedis(rdb, logger)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("worker: using redis queue")
	} else {
		jobQueue = queue.NewMemory(cfg.AvgProcessing)
		jobCache = cache.Noop{}
		logger.Warn().Msg("worker: redis not configured, using in-memory queue")
	}

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}
	contentClient, err := content.NewClient(content.Options{
		BaseURL:    cfg.ContentBaseURL,
		APIKey:     cfg.ContentAPIKey,
		HTTPClient: httpClient,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure content client")
	}

	promptGen, err := prompt.NewHTTPGenerator(prompt.HTTPOptions{
		BaseURL:    cfg.PromptBaseURL,
		APIKey:     cfg.PromptAPIKey,
		HTTPClient: httpClient,
		Fallback:   prompt.NewStaticGenerator(),
		OnFallback: func(reason string, err error) {
			logger.Warn().Err(err).Str("reason", reason).Msg("worker: prompt service unavailable, using static fallback")
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure prompt generator")
	}

	genClient, err := genimg.NewClient(genimg.Options{
		BaseURL:    cfg.GenBaseURL,
		APIKey:     cfg.GenAPIKey,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure generation client")
	}
	registry := genimg.NewRegistry(initProviders(genClient), cfg.DefaultModel)

	hub := notify.NewHub(logger)

	jobs := service.NewJobs(service.Options{
		Repo:       jobRepo,
		Queue:      jobQueue,
		Content:    contentClient,
		Store:      fileStore,
		Notifier:   hub,
		Cache:      jobCache,
		Logger:     logger,
		MaxRetries: cfg.MaxRetries,
	})

	processor := worker.NewProcessor(worker.ProcessorOptions{
		Repo:         jobRepo,
		Content:      contentClient,
		Prompts:      promptGen,
		Registry:     registry,
		Store:        fileStore,
		Notifier:     hub,
		Cache:        jobCache,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
		PollAttempts: cfg.PollAttempts,
	})

	app := httpapi.NewApp(jobs, logger)
	router := httpapi.NewRouter(app, hub, http.FileServer(http.Dir(storagePath)))
	server := infra.NewHTTPServer(cfg, router)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("worker: http server listening")
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("worker: http server failed")
		}
	}()

	worker.NewPool(jobQueue, jobRepo, processor, logger, cfg.Workers).Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker: http shutdown failed")
	}
	logger.Info().Msg("worker: stopped")
}

func initProviders(client *genimg.Client) map[string]genimg.Provider {
	return map[string]genimg.Provider{
		"dalle3":           client,
		"midjourney":       client,
		"stable-diffusion": client,
		"flux":             client,
	}
}
