// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/deep-eval/internal/auth"
	"github.com/yourusername/deep-eval/internal/config"
	"github.com/yourusername/deep-eval/internal/httpapi"
	"github.com/yourusername/deep-eval/internal/logging"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).With("service", "api")
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings() {
		logger.Warn("config.warning", "detail", w)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	js, err := setupJobs(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to set up jobs", "err", err)
		os.Exit(1)
	}
	defer js.Close()

	authManager := auth.NewManager(cfg.APIKeyHash)
	if !authManager.Enabled() {
		logger.Warn("auth.disabled", "detail", "API_KEY_HASH is empty; submissions are not authenticated")
	}

	// ルーティングの設定
	router := httpapi.NewRouter(httpapi.RouterDeps{
		Submitter:      js.dispatcher,
		Status:         js.status,
		Workers:        js.heartbeat,
		Queue:          js.broker,
		Redis:          js.rdb,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RequireAPIKey:  authManager.RequireAPIKey(),
		RateLimit:      auth.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware(),
	})

	// サーバーの起動
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("api.listen", "addr", srv.Addr, "mode", cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api.serve_failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api.shutdown_failed", "err", err)
	}
	logger.Info("api.stopped")
}
