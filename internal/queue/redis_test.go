package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, visibility time.Duration) (*RedisBroker, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := NewRedisBroker(rdb, Options{Name: "test", VisibilityTimeout: visibility, PollInterval: 10 * time.Millisecond})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBrokerIsFIFO(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Enqueue(ctx, id, []byte("body-"+id)))
	}

	for _, want := range []string{"a", "b", "c"} {
		d, err := b.TryPull(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, want, d.ID)
		assert.Equal(t, "body-"+want, string(d.Body))
		assert.Equal(t, int64(1), d.Attempt)
	}

	d, err := b.TryPull(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestBrokerAckRemovesMessage(t *testing.T) {
	b, clock := newTestBroker(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, "a", []byte("x")))

	d, err := b.TryPull(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, d))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	*clock = clock.Add(2 * time.Minute)
	ids, err := b.Requeue(ctx, *clock)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestBrokerRedeliversAfterVisibilityTimeout(t *testing.T) {
	b, clock := newTestBroker(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, "a", []byte("x")))
	require.NoError(t, b.Enqueue(ctx, "b", []byte("y")))

	first, err := b.TryPull(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID)

	ids, err := b.Requeue(ctx, clock.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, ids)

	*clock = clock.Add(61 * time.Second)
	ids, err = b.Requeue(ctx, *clock)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	// 戻されたメッセージは後続より先に取り出される
	again, err := b.TryPull(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", again.ID)
	assert.Equal(t, int64(2), again.Attempt)

	assert.ErrorIs(t, b.Ack(ctx, first), ErrStaleDelivery)
	require.NoError(t, b.Ack(ctx, again))
}

func TestBrokerLateAckBeforeRedeliveryWins(t *testing.T) {
	b, clock := newTestBroker(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, "a", []byte("x")))

	d, err := b.TryPull(ctx)
	require.NoError(t, err)

	*clock = clock.Add(2 * time.Minute)
	_, err = b.Requeue(ctx, *clock)
	require.NoError(t, err)

	require.NoError(t, b.Ack(ctx, d))

	next, err := b.TryPull(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestBrokerPullHonoursContext(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d, err := b.Pull(ctx)
	assert.Nil(t, d)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBrokerPullWaitsForMessage(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = b.Enqueue(context.Background(), "late", []byte("z"))
	}()

	d, err := b.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", d.ID)
}
