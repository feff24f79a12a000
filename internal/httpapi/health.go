package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/deep-eval/internal/queue"
	"github.com/yourusername/deep-eval/internal/worker"
)

const (
	serviceName    = "deep-eval-api"
	serviceVersion = "0.1.0"
)

// WorkerLister は生存中のワーカーを返します。
type WorkerLister interface {
	List(ctx context.Context) ([]worker.Beat, error)
}

// QueueStats はキューの長さを返します。
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// infoKeys は /health/redis で返す INFO の項目です。
var infoKeys = []string{"redis_version", "uptime_in_seconds", "connected_clients", "used_memory_human"}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// WorkersHandler は GET /health/workers のハンドラーを返します。
// ハートビートが1件もなければ 503 を返します。
func WorkersHandler(lister WorkerLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		beats, err := lister.List(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "error",
				"message": "ワーカー情報の取得に失敗しました。",
			})
			return
		}
		var busy, capacity int64
		for _, b := range beats {
			busy += b.Busy
			capacity += int64(b.Concurrency)
		}
		status, code := "ok", http.StatusOK
		if len(beats) == 0 {
			status, code = "no_workers", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":   status,
			"workers":  beats,
			"busy":     busy,
			"capacity": capacity,
		})
	}
}

// RedisHandler は GET /health/redis のハンドラーを返します。
// PING に失敗した場合だけ 503 です。INFO が取れない場合は info_error に理由を入れます。
func RedisHandler(rdb redis.UniversalClient, stats QueueStats) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		start := time.Now()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "error",
				"message": "Redis に接続できません。",
			})
			return
		}
		payload := gin.H{
			"status":  "ok",
			"ping_ms": time.Since(start).Milliseconds(),
		}

		if raw, err := rdb.Info(ctx).Result(); err != nil {
			payload["info_error"] = err.Error()
		} else {
			payload["info"] = parseInfo(raw, infoKeys)
		}

		if stats != nil {
			if s, err := stats.Stats(ctx); err != nil {
				payload["queue_error"] = err.Error()
			} else {
				payload["queue"] = gin.H{"pending": s.Pending, "in_flight": s.InFlight}
			}
		}
		c.JSON(http.StatusOK, payload)
	}
}

// parseInfo は INFO 応答から keys に含まれる項目だけを取り出します。
func parseInfo(raw string, keys []string) map[string]string {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	out := map[string]string{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if ok && want[k] {
			out[k] = v
		}
	}
	return out
}
