package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/yourusername/deep-eval/internal/jobs"
	"github.com/yourusername/deep-eval/internal/pipeline"
	"github.com/yourusername/deep-eval/internal/queue"
)

type runResult struct {
	out any
	err error
}

// Handle は1件の配信を処理します。
// 終端状態の書き込みに成功した場合にだけ ACK し、失敗した場合は再配信に任せます。
func (p *Pool) Handle(ctx context.Context, d *queue.Delivery) {
	var env jobs.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil || env.JobID == "" {
		p.logger.Error("worker.envelope.invalid", "message_id", d.ID, "err", err)
		p.ack(ctx, d, p.logger)
		return
	}
	log := p.logger.With("job_id", env.JobID, "attempt", d.Attempt)
	defer p.processed.Add(1)

	if p.opts.MaxDeliveries > 0 && d.Attempt > p.opts.MaxDeliveries {
		info := &jobs.ErrorInfo{
			Kind:    jobs.KindWorkerCrash,
			Message: fmt.Sprintf("delivered %d times without reaching a terminal state", d.Attempt),
		}
		log.Error("worker.job.crash_loop", "max_deliveries", p.opts.MaxDeliveries)
		if err := p.store.Restore(ctx, env); err != nil {
			log.Error("worker.job.restore_failed", "err", err)
			return
		}
		p.finish(ctx, d, env, nil, info, log)
		return
	}

	claim, err := p.store.Claim(ctx, env.JobID, d.Attempt)
	if errors.Is(err, jobs.ErrNotFound) {
		// キューにある限りジョブは生きているので、レコードを作り直して実行する
		log.Warn("worker.job.record_missing")
		if err := p.store.Restore(ctx, env); err != nil {
			log.Error("worker.job.restore_failed", "err", err)
			return
		}
		claim, err = p.store.Claim(ctx, env.JobID, d.Attempt)
	}
	switch {
	case errors.Is(err, jobs.ErrTerminal):
		log.Info("worker.job.already_terminal")
		p.ack(ctx, d, log)
		return
	case errors.Is(err, jobs.ErrStaleAttempt):
		log.Warn("worker.job.superseded")
		return
	case err != nil:
		log.Error("worker.job.claim_failed", "err", err)
		return
	}
	if claim.Recovered {
		log.Warn("worker.job.redelivered",
			"kind", jobs.KindWorkerCrash,
			"previous_attempt", claim.PreviousAttempt)
	}

	log.Info("worker.job.start", "doc_ref", env.DocRef)
	started := time.Now()
	result, info := p.execute(ctx, env, d.Attempt, log)
	if info != nil {
		log.Error("worker.job.failed",
			"kind", info.Kind, "stage", info.Stage, "err", info.Message,
			"elapsed", time.Since(started).String())
	} else {
		log.Info("worker.job.succeeded", "elapsed", time.Since(started).String())
	}
	p.finish(ctx, d, env, result, info, log)
}

// execute はソフト/ハードの2段階の制限の下でパイプラインを実行します。
// ハードリミットに達した試行のゴルーチンは放棄し、以後の書き込みは無効にします。
func (p *Pool) execute(ctx context.Context, env jobs.Envelope, attempt int64, log *slog.Logger) (json.RawMessage, *jobs.ErrorInfo) {
	pc, err := pipeline.NewContext(p.opts.ScratchRoot, env, attempt, log)
	if err != nil {
		return nil, &jobs.ErrorInfo{Kind: jobs.KindStageFailure, Stage: "prepare", Message: err.Error()}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	soft := make(chan struct{})
	softTimer := time.AfterFunc(p.opts.SoftLimit, func() {
		log.Warn("worker.job.soft_limit", "limit", p.opts.SoftLimit.String())
		close(soft)
	})
	defer softTimer.Stop()
	hardTimer := time.NewTimer(p.opts.HardLimit)
	defer hardTimer.Stop()

	var abandoned atomic.Bool
	report := func(stage string, percent int) {
		if abandoned.Load() {
			return
		}
		if err := p.store.UpdateProgress(ctx, env.JobID, attempt, percent, stage); err != nil {
			log.Warn("worker.job.progress_failed", "stage", stage, "err", err)
		}
	}

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("worker.job.panic", "panic", r, "stack", string(debug.Stack()))
				done <- runResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := p.pipeline.Run(runCtx, pc, soft, report)
		done <- runResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			p.reclaim(pc, true, log)
			return nil, jobs.InfoFrom(res.err, "")
		}
		p.reclaim(pc, false, log)
		payload, err := json.Marshal(res.out)
		if err != nil {
			return nil, &jobs.ErrorInfo{Kind: jobs.KindStageFailure, Stage: "result", Message: err.Error()}
		}
		return payload, nil
	case <-hardTimer.C:
		abandoned.Store(true)
		cancel()
		// 放棄したゴルーチンがまだ書き込んでいる可能性があるため、失敗時の保持設定に関係なく削除する
		if err := pc.Cleanup(); err != nil {
			log.Warn("worker.scratch.cleanup_failed", "dir", pc.Dir, "err", err)
		}
		return nil, &jobs.ErrorInfo{
			Kind:    jobs.KindHardTimeoutExceeded,
			Message: fmt.Sprintf("attempt exceeded hard time limit of %s", p.opts.HardLimit),
		}
	}
}

func (p *Pool) reclaim(pc *pipeline.Context, failed bool, log *slog.Logger) {
	if failed && p.opts.KeepScratchOnFailure {
		log.Info("worker.scratch.kept", "dir", pc.Dir)
		return
	}
	if err := pc.Cleanup(); err != nil {
		log.Warn("worker.scratch.cleanup_failed", "dir", pc.Dir, "err", err)
	}
}

// finish は終端状態を書き込み、成功したら ACK します。
func (p *Pool) finish(ctx context.Context, d *queue.Delivery, env jobs.Envelope, result json.RawMessage, info *jobs.ErrorInfo, log *slog.Logger) {
	var err error
	if info != nil {
		err = p.store.Fail(ctx, env.JobID, d.Attempt, info)
	} else {
		err = p.store.Complete(ctx, env.JobID, d.Attempt, result)
	}
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrTerminal), errors.Is(err, jobs.ErrNotFound):
		log.Warn("worker.job.terminal_write_skipped", "err", err)
	case errors.Is(err, jobs.ErrStaleAttempt):
		// 新しい試行が所有しているので ACK もしない
		log.Warn("worker.job.superseded", "err", err)
		return
	default:
		log.Error("worker.job.terminal_write_failed", "err", err)
		return
	}

	p.ack(ctx, d, log)

	if err == nil && info == nil && p.notifier != nil {
		if nerr := p.notifier.Notify(ctx, env, result); nerr != nil {
			log.Error("worker.job.notify_failed", "err", nerr)
		}
	}
}

func (p *Pool) ack(ctx context.Context, d *queue.Delivery, log *slog.Logger) {
	if err := p.broker.Ack(ctx, d); err != nil {
		if errors.Is(err, queue.ErrStaleDelivery) {
			log.Warn("worker.ack.stale", "message_id", d.ID)
			return
		}
		log.Error("worker.ack.failed", "message_id", d.ID, "err", err)
	}
}
