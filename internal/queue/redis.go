package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// pullScript はキュー末尾からIDを取り出し、in-flight 集合に期限付きで登録し、配信回数を増やします。
var pullScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
local key = ARGV[2] .. id
local body = redis.call('HGET', key, 'body')
if not body then
  return {id, '', -1}
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local n = redis.call('HINCRBY', key, 'deliveries', 1)
return {id, body, n}
`)

// ackScript は配信回数が一致する場合だけメッセージを削除します。
var ackScript = redis.NewScript(`
local n = redis.call('HGET', KEYS[2], 'deliveries')
if not n or tonumber(n) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// requeueScript は期限切れの in-flight メッセージをキューの先頭側（次に取り出される側）へ戻します。
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return ids
`)

// Options は RedisBroker の設定です。
type Options struct {
	Name              string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	// RequeueBatch は一度の Requeue で戻す最大件数です。
	RequeueBatch int
}

// RedisBroker は Redis の LIST / ZSET / HASH で実装したブローカーです。
//
//	<name>:pending   LIST  取り出し待ちのID（LPUSH で投入、RPOP で取り出し）
//	<name>:inflight  ZSET  取り出し済みのID（スコアは可視性期限のミリ秒）
//	<name>:msg:<id>  HASH  body と deliveries
type RedisBroker struct {
	rdb  redis.UniversalClient
	opts Options
	now  func() time.Time

	pendingKey  string
	inflightKey string
	msgPrefix   string
}

// NewRedisBroker は RedisBroker を作成します。
func NewRedisBroker(rdb redis.UniversalClient, opts Options) *RedisBroker {
	if opts.Name == "" {
		opts.Name = "deep-eval"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 20 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.RequeueBatch <= 0 {
		opts.RequeueBatch = 100
	}
	return &RedisBroker{
		rdb:         rdb,
		opts:        opts,
		now:         time.Now,
		pendingKey:  opts.Name + ":pending",
		inflightKey: opts.Name + ":inflight",
		msgPrefix:   opts.Name + ":msg:",
	}
}

// Enqueue はメッセージを投入します。
func (b *RedisBroker) Enqueue(ctx context.Context, id string, body []byte) error {
	if id == "" {
		return fmt.Errorf("message id is required")
	}
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.msgPrefix+id, "body", body, "deliveries", 0, "enqueued_at", b.now().UnixMilli())
		pipe.LPush(ctx, b.pendingKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

// Pull はメッセージが届くか ctx が終了するまで待ちます。
func (b *RedisBroker) Pull(ctx context.Context) (*Delivery, error) {
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()
	for {
		d, err := b.TryPull(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryPull は待たずに1件取り出します。キューが空なら nil を返します。
func (b *RedisBroker) TryPull(ctx context.Context) (*Delivery, error) {
	for {
		deadline := b.now().Add(b.opts.VisibilityTimeout)
		res, err := pullScript.Run(ctx, b.rdb,
			[]string{b.pendingKey, b.inflightKey},
			deadline.UnixMilli(), b.msgPrefix,
		).Slice()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, fmt.Errorf("pull: %w", err)
		}
		if len(res) != 3 {
			return nil, fmt.Errorf("pull: unexpected reply %v", res)
		}
		id, _ := res[0].(string)
		body, _ := res[1].(string)
		n, _ := res[2].(int64)
		if n < 0 {
			// ACK 済みのメッセージのIDが残っていた場合は読み飛ばす
			continue
		}
		return &Delivery{ID: id, Body: []byte(body), Attempt: n, Deadline: deadline}, nil
	}
}

// Ack はメッセージの処理完了を通知します。
// 既に再配信されている場合は ErrStaleDelivery を返します。
func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return fmt.Errorf("delivery is nil")
	}
	ok, err := ackScript.Run(ctx, b.rdb,
		[]string{b.inflightKey, b.msgPrefix + d.ID},
		d.ID, d.Attempt,
	).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	if ok == 0 {
		return ErrStaleDelivery
	}
	return nil
}

// Requeue は可視性期限が now 以前のメッセージをキューへ戻し、そのIDを返します。
func (b *RedisBroker) Requeue(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := requeueScript.Run(ctx, b.rdb,
		[]string{b.inflightKey, b.pendingKey},
		now.UnixMilli(), b.opts.RequeueBatch,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("requeue: %w", err)
	}
	return ids, nil
}

// Stats は待機中と処理中の件数を返します。
func (b *RedisBroker) Stats(ctx context.Context) (Stats, error) {
	pipe := b.rdb.Pipeline()
	pending := pipe.LLen(ctx, b.pendingKey)
	inflight := pipe.ZCard(ctx, b.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Pending: pending.Val(), InFlight: inflight.Val()}, nil
}

// RunRequeuer は interval ごとに Requeue を実行します。ctx が終了するまで戻りません。
func (b *RedisBroker) RunRequeuer(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := b.Requeue(ctx, b.now())
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("queue.requeue.failed", "err", err)
				}
				continue
			}
			if len(ids) > 0 {
				logger.Warn("queue.requeue.expired", "count", len(ids), "ids", ids)
			}
		}
	}
}
