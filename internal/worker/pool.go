// Package worker はブローカーからエンベロープを取り出してパイプラインを実行するワーカープールです。
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/deep-eval/internal/jobs"
	"github.com/yourusername/deep-eval/internal/pipeline"
	"github.com/yourusername/deep-eval/internal/queue"
)

// Broker はプールが使うブローカーの操作です。
type Broker interface {
	Pull(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
}

// Store はプールが使う結果ストアの操作です。
type Store interface {
	Restore(ctx context.Context, env jobs.Envelope) error
	Claim(ctx context.Context, jobID string, attempt int64) (*jobs.ClaimResult, error)
	UpdateProgress(ctx context.Context, jobID string, attempt int64, percent int, stage string) error
	Complete(ctx context.Context, jobID string, attempt int64, result json.RawMessage) error
	Fail(ctx context.Context, jobID string, attempt int64, info *jobs.ErrorInfo) error
}

// Pipeline は1回の試行を実行します。
type Pipeline interface {
	Run(ctx context.Context, pc *pipeline.Context, soft <-chan struct{}, report pipeline.Reporter) (any, error)
}

// Notifier は成功したジョブの結果を外部へ届けます。
type Notifier interface {
	Notify(ctx context.Context, env jobs.Envelope, result json.RawMessage) error
}

// Options はプールの設定です。
type Options struct {
	ID                   string
	Concurrency          int
	SoftLimit            time.Duration
	HardLimit            time.Duration
	MaxDeliveries        int64
	ScratchRoot          string
	KeepScratchOnFailure bool
	// PullBackoff はブローカーのエラー時に待つ時間です。
	PullBackoff time.Duration
}

// Pool は固定数のワーカーを動かします。各ワーカーは一度に1件だけ取り出します。
type Pool struct {
	broker   Broker
	store    Store
	pipeline Pipeline
	notifier Notifier
	opts     Options
	logger   *slog.Logger

	busy      atomic.Int64
	processed atomic.Int64
	started   time.Time
}

// NewPool は Pool を作成します。
func NewPool(broker Broker, store Store, p Pipeline, opts Options, logger *slog.Logger) (*Pool, error) {
	if broker == nil || store == nil || p == nil {
		return nil, errors.New("broker, store and pipeline are required")
	}
	if opts.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", opts.Concurrency)
	}
	if opts.SoftLimit <= 0 || opts.HardLimit <= opts.SoftLimit {
		return nil, fmt.Errorf("hard limit (%s) must exceed soft limit (%s)", opts.HardLimit, opts.SoftLimit)
	}
	if opts.ScratchRoot == "" {
		opts.ScratchRoot = os.TempDir()
	}
	if opts.PullBackoff <= 0 {
		opts.PullBackoff = 5 * time.Second
	}
	if opts.ID == "" {
		host, _ := os.Hostname()
		opts.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		broker:   broker,
		store:    store,
		pipeline: p,
		opts:     opts,
		logger:   logger.With("worker_id", opts.ID),
	}, nil
}

// SetNotifier は成功時の通知先を設定します。
func (p *Pool) SetNotifier(n Notifier) {
	p.notifier = n
}

// ID はプールの識別子です。
func (p *Pool) ID() string { return p.opts.ID }

// Busy は実行中の試行数を返します。
func (p *Pool) Busy() int64 { return p.busy.Load() }

// Processed は終了（成功・失敗問わず）まで処理した試行数を返します。
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Run はワーカーを起動し、ctx が終了して全ワーカーが手持ちの試行を終えるまで戻りません。
// 試行中のジョブは ctx の終了では打ち切らず、ハードリミットまで走らせます。
func (p *Pool) Run(ctx context.Context) error {
	p.started = time.Now()
	if err := os.MkdirAll(p.opts.ScratchRoot, 0o750); err != nil {
		return fmt.Errorf("failed to create scratch root: %w", err)
	}
	p.logger.Info("worker.pool.start",
		"concurrency", p.opts.Concurrency,
		"soft_limit", p.opts.SoftLimit.String(),
		"hard_limit", p.opts.HardLimit.String())

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
	p.logger.Info("worker.pool.stopped", "processed", p.processed.Load())
	return nil
}

func (p *Pool) loop(ctx context.Context, slot int) {
	log := p.logger.With("slot", slot)
	for {
		if ctx.Err() != nil {
			return
		}
		d, err := p.broker.Pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("worker.pull.failed", "err", err, "retry_in", p.opts.PullBackoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PullBackoff):
			}
			continue
		}
		p.busy.Add(1)
		p.Handle(context.WithoutCancel(ctx), d)
		p.busy.Add(-1)
	}
}
