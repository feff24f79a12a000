package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Beat はワーカーが定期的に書き込む生存情報です。
type Beat struct {
	ID          string    `json:"id"`
	Concurrency int       `json:"concurrency"`
	Busy        int64     `json:"busy"`
	Processed   int64     `json:"processed"`
	StartedAt   time.Time `json:"started_at"`
	SeenAt      time.Time `json:"seen_at"`
}

// Heartbeat はプールの生存情報を TTL 付きで Redis に書き込みます。
type Heartbeat struct {
	rdb      redis.UniversalClient
	prefix   string
	interval time.Duration
}

// NewHeartbeat は Heartbeat を作成します。
func NewHeartbeat(rdb redis.UniversalClient, namespace string, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Heartbeat{rdb: rdb, prefix: namespace + ":workers:", interval: interval}
}

// Run は ctx が終了するまで pool の状態を書き込み続けます。終了時にキーを消します。
func (h *Heartbeat) Run(ctx context.Context, pool *Pool, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	key := h.prefix + pool.ID()
	started := time.Now().UTC()
	write := func() {
		beat := Beat{
			ID:          pool.ID(),
			Concurrency: pool.opts.Concurrency,
			Busy:        pool.Busy(),
			Processed:   pool.Processed(),
			StartedAt:   started,
			SeenAt:      time.Now().UTC(),
		}
		payload, err := json.Marshal(beat)
		if err != nil {
			return
		}
		if err := h.rdb.Set(ctx, key, payload, 3*h.interval).Err(); err != nil && ctx.Err() == nil {
			logger.Warn("worker.heartbeat.failed", "err", err)
		}
	}

	write()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.remove(key, logger)
			return
		case <-ticker.C:
			write()
		}
	}
}

// remove は停止時にハートビートを消します。ctx は既に終了しているので別の期限で実行します。
func (h *Heartbeat) remove(key string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.rdb.Del(ctx, key).Err(); err != nil {
		logger.Warn("worker.heartbeat.remove_failed", "key", key, "err", err)
	}
}

// List は生存中のワーカーを返します。
func (h *Heartbeat) List(ctx context.Context) ([]Beat, error) {
	var (
		beats  []Beat
		cursor uint64
	)
	for {
		keys, next, err := h.rdb.Scan(ctx, cursor, h.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan heartbeats: %w", err)
		}
		if len(keys) > 0 {
			values, err := h.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("read heartbeats: %w", err)
			}
			for _, v := range values {
				s, ok := v.(string)
				if !ok {
					continue
				}
				var beat Beat
				if err := json.Unmarshal([]byte(s), &beat); err == nil {
					beats = append(beats, beat)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(beats, func(i, j int) bool { return beats[i].ID < beats[j].ID })
	return beats, nil
}
