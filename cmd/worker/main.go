// Package main はワーカープロセスのエントリーポイントです。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/deep-eval/internal/config"
	"github.com/yourusername/deep-eval/internal/evaluation"
	"github.com/yourusername/deep-eval/internal/jobs"
	"github.com/yourusername/deep-eval/internal/logging"
	"github.com/yourusername/deep-eval/internal/notify"
	"github.com/yourusername/deep-eval/internal/ocr"
	"github.com/yourusername/deep-eval/internal/pdf"
	"github.com/yourusername/deep-eval/internal/pipeline"
	"github.com/yourusername/deep-eval/internal/queue"
	"github.com/yourusername/deep-eval/internal/stages"
	"github.com/yourusername/deep-eval/internal/storage"
	"github.com/yourusername/deep-eval/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).With("service", "worker")
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings() {
		logger.Warn("config.warning", "detail", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to parse redis url", "err", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	store, err := setupStorage(ctx, cfg)
	if err != nil {
		logger.Error("failed to set up storage", "err", err)
		os.Exit(1)
	}

	list, err := stages.New(stages.Deps{
		Downloader: pdf.NewDownloader(cfg.DownloadTimeout, cfg.MaxDownloadBytes),
		OCR: ocr.NewClient(ocr.Options{
			APIKey:    cfg.VertexAPIKey,
			ProjectID: cfg.VertexProjectID,
			Location:  cfg.VertexLocation,
			Model:     cfg.VertexModel,
			Timeout:   cfg.VertexTimeout,
			Retries:   2,
		}, logger),
		Evaluator: evaluation.NewClient(evaluation.Options{
			APIKey:      cfg.OpenAIAPIKey,
			AssistantID: cfg.OpenAIAssistantID,
			BaseURL:     cfg.OpenAIBaseURL,
			PollEvery:   cfg.OpenAIPollEvery,
			MaxWait:     cfg.OpenAIMaxWait,
		}, logger),
		Annotator: &pdf.Annotator{},
		Storage:   store,
	})
	if err != nil {
		logger.Error("failed to build stages", "err", err)
		os.Exit(1)
	}
	runner, err := pipeline.NewRunner(list...)
	if err != nil {
		logger.Error("failed to build pipeline", "err", err)
		os.Exit(1)
	}

	broker := queue.NewRedisBroker(rdb, queue.Options{
		Name:              cfg.QueueName,
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.PullInterval,
	})
	pool, err := worker.NewPool(broker, jobs.NewStore(rdb, cfg.QueueName, cfg.ResultRetention), runner, worker.Options{
		Concurrency:          cfg.WorkerConcurrency,
		SoftLimit:            cfg.SoftTimeLimit,
		HardLimit:            cfg.HardTimeLimit,
		MaxDeliveries:        cfg.MaxDeliveries,
		ScratchRoot:          cfg.ScratchDir,
		KeepScratchOnFailure: cfg.KeepScratchOnFailure,
	}, logger)
	if err != nil {
		logger.Error("failed to create worker pool", "err", err)
		os.Exit(1)
	}

	var deliverer *notify.Deliverer
	if cfg.CallbackURL != "" {
		deliverer = notify.NewDeliverer(cfg.CallbackURL, cfg.ProcessTriggerURL, cfg.CallbackTimeout, logger)
	}
	notifier, err := notify.NewManager(notify.Options{
		RedisURL:   cfg.RedisURL,
		MaxRetry:   cfg.CallbackMaxRetry,
		Timeout:    cfg.CallbackTimeout * 3,
		SweepEvery: cfg.ScratchMaxAge / 4,
	}, deliverer, notify.NewSweeper(cfg.ScratchDir, cfg.ScratchMaxAge, logger), logger)
	if err != nil {
		logger.Error("failed to create notifier", "err", err)
		os.Exit(1)
	}
	if err := notifier.Start(); err != nil {
		logger.Error("failed to start notifier", "err", err)
		os.Exit(1)
	}
	defer notifier.Shutdown()
	if deliverer != nil {
		pool.SetNotifier(notifier)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		broker.RunRequeuer(ctx, cfg.RequeueInterval, logger)
	}()
	go func() {
		defer wg.Done()
		worker.NewHeartbeat(rdb, cfg.QueueName, cfg.HeartbeatInterval).Run(ctx, pool, logger)
	}()

	if err := pool.Run(ctx); err != nil {
		logger.Error("worker pool stopped with error", "err", err)
	}
	wg.Wait()
	logger.Info("worker.stopped")
}

func setupStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.UseSpaces() {
		return storage.NewSpaces(ctx, storage.SpacesOptions{
			Key:      cfg.SpacesKey,
			Secret:   cfg.SpacesSecret,
			Region:   cfg.SpacesRegion,
			Bucket:   cfg.SpacesBucket,
			Endpoint: cfg.SpacesEndpoint,
		})
	}
	return storage.NewLocal(cfg.LocalStoreDir, cfg.LocalStoreURL)
}
