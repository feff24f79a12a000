package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/deep-eval/internal/jobs"
	"github.com/yourusername/deep-eval/internal/pipeline"
	"github.com/yourusername/deep-eval/internal/queue"
)

type harness struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	broker *queue.RedisBroker
	store  *jobs.Store
	disp   *jobs.Dispatcher
	logger *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := queue.NewRedisBroker(rdb, queue.Options{Name: "t", VisibilityTimeout: time.Minute, PollInterval: 5 * time.Millisecond})
	store := jobs.NewStore(rdb, "t", time.Hour)
	return &harness{
		mr:     mr,
		rdb:    rdb,
		broker: broker,
		store:  store,
		disp:   jobs.NewDispatcher(store, broker, "/status", logger),
		logger: logger,
	}
}

func (h *harness) submit(t *testing.T) string {
	t.Helper()
	accepted, err := h.disp.Submit(context.Background(), jobs.SubmitInput{
		DocRef:        "https://example.com/a.pdf",
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	return accepted.JobID
}

func (h *harness) pool(t *testing.T, runner Pipeline, soft, hard time.Duration) *Pool {
	t.Helper()
	p, err := NewPool(h.broker, h.store, runner, Options{
		ID:            "test",
		Concurrency:   1,
		SoftLimit:     soft,
		HardLimit:     hard,
		MaxDeliveries: 3,
		ScratchRoot:   t.TempDir(),
		PullBackoff:   10 * time.Millisecond,
	}, h.logger)
	require.NoError(t, err)
	return p
}

func (h *harness) record(t *testing.T, id string) *jobs.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func (h *harness) pull(t *testing.T) *queue.Delivery {
	t.Helper()
	d, err := h.broker.TryPull(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func stage(name string, marker int, fn func(ctx context.Context) error) pipeline.Stage {
	return pipeline.Stage{Name: name, Marker: marker, Run: func(ctx context.Context, _ *pipeline.Context, _ any) (any, error) {
		if fn != nil {
			if err := fn(ctx); err != nil {
				return nil, err
			}
		}
		return map[string]string{"stage": name}, nil
	}}
}

func runner(t *testing.T, stages ...pipeline.Stage) *pipeline.Runner {
	t.Helper()
	r, err := pipeline.NewRunner(stages...)
	require.NoError(t, err)
	return r
}

type captureNotifier struct {
	mu    sync.Mutex
	calls []jobs.Envelope
}

func (n *captureNotifier) Notify(_ context.Context, env jobs.Envelope, _ json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, env)
	return nil
}

func TestFastJobSucceeds(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t)
	p := h.pool(t, runner(t, stage("download", 25, nil), stage("ocr", 50, nil), stage("evaluate", 75, nil), stage("annotate", 100, nil)), time.Second, 2*time.Second)
	notifier := &captureNotifier{}
	p.SetNotifier(notifier)

	p.Handle(context.Background(), h.pull(t))

	rec := h.record(t, id)
	assert.Equal(t, jobs.StateSucceeded, rec.State)
	assert.Equal(t, 100, rec.Progress)
	assert.JSONEq(t, `{"stage":"annotate"}`, string(rec.Result))
	assert.Nil(t, rec.Error)

	stats, err := h.broker.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
	require.Len(t, notifier.calls, 1)
	assert.Equal(t, "corr-1", notifier.calls[0].CorrelationID)
}

func TestQueuedJobOutlivesResultRetention(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t)
	h.mr.FastForward(3 * time.Hour)

	var ran bool
	p := h.pool(t, runner(t, stage("only", 100, func(context.Context) error {
		ran = true
		return nil
	})), time.Second, 2*time.Second)
	p.Handle(context.Background(), h.pull(t))

	assert.True(t, ran)
	rec := h.record(t, id)
	assert.Equal(t, jobs.StateSucceeded, rec.State)
	assert.Equal(t, time.Hour, h.mr.TTL("t:job:"+id))
}

func TestMissingRecordIsRestoredFromEnvelope(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t)
	h.mr.Del("t:job:" + id)

	var ran bool
	p := h.pool(t, runner(t, stage("only", 100, func(context.Context) error {
		ran = true
		return nil
	})), time.Second, 2*time.Second)
	p.Handle(context.Background(), h.pull(t))

	assert.True(t, ran)
	rec := h.record(t, id)
	assert.Equal(t, jobs.StateSucceeded, rec.State)
	assert.Equal(t, "corr-1", rec.CorrelationID)
	assert.Equal(t, int64(1), rec.Attempt)

	stats, err := h.broker.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}

func TestSubmitDoesNotWaitForBusyPool(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	blocked := stage("ocr", 50, func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	})
	p := h.pool(t, runner(t, blocked), 5*time.Second, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		close(release)
		cancel()
		<-done
	})

	first := h.submit(t)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not start")
	}

	begin := time.Now()
	second := h.submit(t)
	assert.Less(t, time.Since(begin), 200*time.Millisecond)

	assert.Equal(t, jobs.StateRunning, h.record(t, first).State)
	assert.Equal(t, jobs.StatePending, h.record(t, second).State)
	stats, err := h.broker.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestBlockedStageHitsHardLimit(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t)
	release := make(chan struct{})
	defer close(release)
	blocked := stage("ocr", 50, func(context.Context) error {
		<-release // コンテキストを無視して止まり続ける
		return nil
	})
	p := h.pool(t, runner(t, stage("download", 25, nil), blocked), 50*time.Millisecond, 150*time.Millisecond)

	start := time.Now()
	p.Handle(context.Background(), h.pull(t))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 150*time.Millisecond+500*time.Millisecond)
	rec := h.record(t, id)
	assert.Equal(t, jobs.StateFailed, rec.State)
	require.NotNil(t, rec.Error)
	assert.Equal(t, jobs.KindHardTimeoutExceeded, rec.Error.Kind)
	assert.Nil(t, rec.Result)
	assert.Equal(t, 25, rec.Progress)
}

func TestSlowStageHitsSoftLimit(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t)
	slow := stage("ocr", 50, func(context.Context) error {
		time.Sleep(80 * time.Millisecond)
		return nil
	})
	p := h.pool(t, runner(t, stage("download", 25, nil), slow, stage("evaluate", 75, nil)), 20*time.Millisecond, 2*time.Second)

	p.Handle(context.Background(), h.pull(t))

	rec := h.record(t, id)
	assert.Equal(t, jobs.StateFailed, rec.State)
	require.NotNil(t, rec.Error)
	assert.Equal(t, jobs.KindSoftTimeoutExceeded, rec.Error.Kind)
	assert.Equal(t, "evaluate", rec.Error.Stage)
	assert.Equal(t, 50, rec.Progress)
}

func TestRedeliveryAfterCrashReachesOneTerminalState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t)

	// 1回目の試行は RUNNING にしたまま ACK せずに消える
	first := h.pull(t)
	_, err := h.store.Claim(ctx, id, first.Attempt)
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateProgress(ctx, id, first.Attempt, 50, "ocr"))

	_, err = h.broker.Requeue(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)

	second := h.pull(t)
	assert.Equal(t, int64(2), second.Attempt)

	p := h.pool(t, runner(t, stage("download", 25, nil), stage("annotate", 100, nil)), time.Second, 2*time.Second)
	p.Handle(ctx, second)

	rec := h.record(t, id)
	assert.Equal(t, jobs.StateSucceeded, rec.State)
	assert.Equal(t, int64(2), rec.Attempt)

	// 古い試行の遅れた書き込みは拒否される
	assert.ErrorIs(t, h.store.Fail(ctx, id, first.Attempt, &jobs.ErrorInfo{Kind: jobs.KindStageFailure}), jobs.ErrTerminal)
	assert.ErrorIs(t, h.broker.Ack(ctx, first), queue.ErrStaleDelivery)
	assert.Equal(t, jobs.StateSucceeded, h.record(t, id).State)
}

func TestTerminalRecordIsAckedAndSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t)

	_, err := h.store.Claim(ctx, id, 1)
	require.NoError(t, err)
	require.NoError(t, h.store.Complete(ctx, id, 1, json.RawMessage(`{"done":true}`)))

	called := false
	p := h.pool(t, runner(t, stage("only", 100, func(context.Context) error { called = true; return nil })), time.Second, 2*time.Second)
	p.Handle(ctx, h.pull(t))

	assert.False(t, called)
	stats, err := h.broker.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
	assert.JSONEq(t, `{"done":true}`, string(h.record(t, id).Result))
}

func TestCrashLoopGuardFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t)

	var d *queue.Delivery
	for i := 0; i < 4; i++ {
		d = h.pull(t)
		_, err := h.broker.Requeue(ctx, time.Now().Add(2*time.Minute))
		require.NoError(t, err)
	}
	d = h.pull(t)
	require.Equal(t, int64(5), d.Attempt)

	p := h.pool(t, runner(t, stage("only", 100, nil)), time.Second, 2*time.Second)
	p.Handle(ctx, d)

	rec := h.record(t, id)
	assert.Equal(t, jobs.StateFailed, rec.State)
	require.NotNil(t, rec.Error)
	assert.Equal(t, jobs.KindWorkerCrash, rec.Error.Kind)
}

func TestPoolRunReportsProgressBetweenStages(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t)
	gate := make(chan struct{})
	p := h.pool(t, runner(t,
		stage("download", 25, nil),
		stage("ocr", 50, nil),
		stage("evaluate", 75, func(context.Context) error { <-gate; return nil }),
		stage("annotate", 100, nil),
	), 5*time.Second, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		rec, err := h.store.Get(context.Background(), id)
		return err == nil && rec != nil && rec.State == jobs.StateRunning && rec.Progress == 50
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "ocr", h.record(t, id).Stage)

	close(gate)
	require.Eventually(t, func() bool {
		rec, err := h.store.Get(context.Background(), id)
		return err == nil && rec != nil && rec.State == jobs.StateSucceeded
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 100, h.record(t, id).Progress)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestHeartbeatListsRunningPool(t *testing.T) {
	h := newHarness(t)
	p := h.pool(t, runner(t, stage("only", 100, nil)), time.Second, 2*time.Second)
	hb := NewHeartbeat(h.rdb, "t", 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx, p, h.logger)
		close(done)
	}()

	require.Eventually(t, func() bool {
		beats, err := hb.List(context.Background())
		return err == nil && len(beats) == 1 && beats[0].ID == "test"
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	beats, err := hb.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, beats)
}

func TestHeartbeatRemoveFailureIsLogged(t *testing.T) {
	h := newHarness(t)
	hb := NewHeartbeat(h.rdb, "t", time.Second)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h.mr.SetError("ERR heartbeat store down")
	hb.remove("t:workers:test", logger)

	assert.Contains(t, buf.String(), "worker.heartbeat.remove_failed")
	assert.Contains(t, buf.String(), "key=t:workers:test")
}
