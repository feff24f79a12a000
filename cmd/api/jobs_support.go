package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/deep-eval/internal/config"
	"github.com/yourusername/deep-eval/internal/jobs"
	"github.com/yourusername/deep-eval/internal/queue"
	"github.com/yourusername/deep-eval/internal/worker"
)

// jobServices は API 側で使うジョブ関連の部品です。
type jobServices struct {
	rdb        *redis.Client
	broker     *queue.RedisBroker
	dispatcher *jobs.Dispatcher
	status     *jobs.StatusReader
	heartbeat  *worker.Heartbeat
}

func setupJobs(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*jobServices, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// 起動時に Redis がなくても受付は QueueUnavailable で応答できるので続行する
		logger.Warn("redis.ping_failed", "err", err)
	}

	store := jobs.NewStore(rdb, cfg.QueueName, cfg.ResultRetention)
	broker := queue.NewRedisBroker(rdb, queue.Options{
		Name:              cfg.QueueName,
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.PullInterval,
	})
	return &jobServices{
		rdb:        rdb,
		broker:     broker,
		dispatcher: jobs.NewDispatcher(store, broker, cfg.StatusURLPrefix, logger),
		status:     jobs.NewStatusReader(store),
		heartbeat:  worker.NewHeartbeat(rdb, cfg.QueueName, cfg.HeartbeatInterval),
	}, nil
}

func (s *jobServices) Close() {
	_ = s.rdb.Close()
}
