package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/deep-eval/internal/jobs"
)

// Options は Manager の設定です。
type Options struct {
	RedisURL    string
	Concurrency int
	MaxRetry    int
	Timeout     time.Duration
	// SweepEvery が 0 なら作業ディレクトリの定期掃除を登録しません。
	SweepEvery time.Duration
}

// Manager は asynq のクライアント・サーバー・スケジューラーをまとめます。
type Manager struct {
	opts      Options
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    *slog.Logger
}

// NewManager は Manager を初期化します。deliverer が nil なら配信は行いません。
func NewManager(opts Options, deliverer *Deliverer, sweeper *Sweeper, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.MaxRetry < 0 {
		opts.MaxRetry = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}

	aLog := asynqLogger{logger.With("component", "asynq")}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: opts.Concurrency,
		Queues:      map[string]int{queueName: 1},
		Logger:      aLog,
		LogLevel:    asynq.WarnLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn("notify.task.failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "err", err)
		}),
	})

	mux := asynq.NewServeMux()
	m := &Manager{
		opts:   opts,
		client: asynq.NewClient(opt),
		server: server,
		mux:    mux,
		logger: logger,
	}
	if deliverer != nil {
		mux.HandleFunc(TypeDeliver, deliverer.HandleDeliver)
	}
	if sweeper != nil && opts.SweepEvery > 0 {
		mux.HandleFunc(TypeSweep, sweeper.HandleSweep)
		m.scheduler = asynq.NewScheduler(opt, &asynq.SchedulerOpts{Logger: aLog, LogLevel: asynq.WarnLevel})
		interval := fmt.Sprintf("@every %s", opts.SweepEvery)
		if _, err := m.scheduler.Register(interval, asynq.NewTask(TypeSweep, nil), asynq.Queue(queueName), asynq.MaxRetry(0)); err != nil {
			_ = m.client.Close()
			return nil, fmt.Errorf("register sweep: %w", err)
		}
	}
	return m, nil
}

// Start はサーバーとスケジューラーをバックグラウンドで起動します。
func (m *Manager) Start() error {
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if m.scheduler != nil {
		if err := m.scheduler.Start(); err != nil {
			m.server.Shutdown()
			return fmt.Errorf("start asynq scheduler: %w", err)
		}
	}
	return nil
}

// Shutdown はスケジューラー・サーバー・クライアントを閉じます。
func (m *Manager) Shutdown() {
	if m.scheduler != nil {
		m.scheduler.Shutdown()
	}
	m.server.Shutdown()
	if err := m.client.Close(); err != nil {
		m.logger.Warn("notify.client.close_failed", "err", err)
	}
}

// Notify は成功したジョブの結果を配信キューへ投入します。
// 同じジョブの配信は1件にまとめます。
func (m *Manager) Notify(ctx context.Context, env jobs.Envelope, result json.RawMessage) error {
	task, err := newDeliverTask(env, result, asynq.MaxRetry(m.opts.MaxRetry), asynq.Timeout(m.opts.Timeout))
	if err != nil {
		return err
	}
	info, err := m.client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			m.logger.Info("notify.enqueue.duplicate", "job_id", env.JobID)
			return nil
		}
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	m.logger.Info("notify.enqueue.accepted", "job_id", env.JobID, "task_id", info.ID)
	return nil
}

// asynqLogger は asynq のログを slog に流します。
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Error(fmt.Sprint(args...)) }
