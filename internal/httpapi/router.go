package httpapi

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RouterDeps はルーターが使う依存です。
type RouterDeps struct {
	Submitter      Submitter
	Status         StatusService
	Workers        WorkerLister
	Queue          QueueStats
	Redis          redis.UniversalClient
	AllowedOrigins string
	// RequireAPIKey と RateLimit は投入エンドポイントに掛けるミドルウェアです。nil なら使いません。
	RequireAPIKey gin.HandlerFunc
	RateLimit     gin.HandlerFunc
}

// NewRouter は gin のルーターを組み立てます。
func NewRouter(deps RouterDeps) *gin.Engine {
	// デフォルトミドルウェア: Logger, Recovery
	router := gin.Default()

	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	if origins := splitOrigins(deps.AllowedOrigins); len(origins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = origins
		corsConfig.AllowHeaders = []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-API-Key",
		}
		router.Use(cors.New(corsConfig))
	}

	router.GET("/health", handleHealth)
	if deps.Workers != nil {
		router.GET("/health/workers", WorkersHandler(deps.Workers))
	}
	if deps.Redis != nil {
		router.GET("/health/redis", RedisHandler(deps.Redis, deps.Queue))
	}

	status := StatusHandler(deps.Status)
	router.GET("/status/:id", status)

	api := router.Group("/api")
	{
		api.GET("/status/:id", status)

		submit := []gin.HandlerFunc{}
		if deps.RateLimit != nil {
			submit = append(submit, deps.RateLimit)
		}
		if deps.RequireAPIKey != nil {
			submit = append(submit, deps.RequireAPIKey)
		}
		submit = append(submit, SubmitHandler(deps.Submitter))
		api.POST("/jobs", submit...)
		// 旧クライアント向けの別名
		api.POST("/data", submit...)
	}
	return router
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
