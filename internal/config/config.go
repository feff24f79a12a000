// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証/レート制限
	APIKeyHash     string  // bcryptでハッシュ化されたAPIキー（空の場合は認証なし）
	RateLimitRPS   float64 // 投入エンドポイントの秒間リクエスト数
	RateLimitBurst int     // 投入エンドポイントのバースト数

	// ジョブ/キュー設定
	RedisURL          string        // ブローカー/結果ストア用Redis接続URL
	QueueName         string        // キュー名（Redisキーの接頭辞に使用）
	StatusURLPrefix   string        // status_url の接頭辞
	WorkerConcurrency int           // ワーカープールのサイズ
	SoftTimeLimit     time.Duration // ソフトタイムアウト（ステージ境界で協調的に停止）
	HardTimeLimit     time.Duration // ハードタイムアウト（試行を強制的に打ち切る）
	VisibilityTimeout time.Duration // 未ACKメッセージが再配信されるまでの時間
	RequeueInterval   time.Duration // 可視性タイムアウト切れの再投入間隔
	PullInterval      time.Duration // 空キュー時のポーリング間隔
	MaxDeliveries     int64         // 同一メッセージの最大配信回数
	ResultRetention   time.Duration // ジョブレコードの保持期間
	HeartbeatInterval time.Duration // ワーカーのハートビート間隔

	// スクラッチ領域
	ScratchDir           string        // 試行ごとの作業ディレクトリのルート
	KeepScratchOnFailure bool          // 失敗時に作業ディレクトリを残すか
	ScratchMaxAge        time.Duration // 孤立した作業ディレクトリを削除するまでの時間

	// ダウンロード設定
	DownloadTimeout  time.Duration // PDFダウンロードのタイムアウト
	MaxDownloadBytes int64         // ダウンロードするPDFの最大サイズ（バイト）

	// Vertex AI (OCR)
	VertexAPIKey    string
	VertexProjectID string
	VertexLocation  string
	VertexModel     string
	VertexTimeout   time.Duration

	// OpenAI (評価)
	OpenAIAPIKey      string
	OpenAIAssistantID string
	OpenAIBaseURL     string
	OpenAIPollEvery   time.Duration
	OpenAIMaxWait     time.Duration

	// ストレージ設定（DigitalOcean Spaces 互換）
	SpacesKey      string
	SpacesSecret   string
	SpacesRegion   string
	SpacesBucket   string
	SpacesEndpoint string
	LocalStoreDir  string // Spaces 未設定時の保存先
	LocalStoreURL  string // ローカル保存時の公開URLのベース

	// 結果通知
	CallbackURL       string
	ProcessTriggerURL string
	CallbackMaxRetry  int
	CallbackTimeout   time.Duration

	// ログ設定
	LogLevel  string
	LogFormat string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 認証/レート制限
		APIKeyHash:     getEnv("API_KEY_HASH", ""),
		RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 10),

		// ジョブ/キュー設定
		RedisURL:          getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueName:         getEnv("QUEUE_NAME", "deep-eval"),
		StatusURLPrefix:   getEnv("STATUS_URL_PREFIX", "/status"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		SoftTimeLimit:     getEnvAsDuration("SOFT_TIME_LIMIT", 840*time.Second),
		HardTimeLimit:     getEnvAsDuration("HARD_TIME_LIMIT", 900*time.Second),
		VisibilityTimeout: getEnvAsDuration("VISIBILITY_TIMEOUT", 1200*time.Second),
		RequeueInterval:   getEnvAsDuration("REQUEUE_INTERVAL", 5*time.Second),
		PullInterval:      getEnvAsDuration("PULL_INTERVAL", 200*time.Millisecond),
		MaxDeliveries:     getEnvAsInt64("MAX_DELIVERIES", 3),
		ResultRetention:   getEnvAsDuration("RESULT_RETENTION", 24*time.Hour),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 10*time.Second),

		// スクラッチ領域
		ScratchDir:           getEnv("SCRATCH_DIR", filepath.Join(os.TempDir(), "deep-eval")),
		KeepScratchOnFailure: getEnvAsBool("KEEP_SCRATCH_ON_FAILURE", false),
		ScratchMaxAge:        getEnvAsDuration("SCRATCH_MAX_AGE", 2*time.Hour),

		// ダウンロード設定
		DownloadTimeout:  getEnvAsDuration("DOWNLOAD_TIMEOUT", 120*time.Second),
		MaxDownloadBytes: getEnvAsInt64("MAX_DOWNLOAD_BYTES", 52428800), // 50MB

		// Vertex AI
		VertexAPIKey:    getEnv("VERTEX_API_KEY", ""),
		VertexProjectID: getEnv("VERTEX_PROJECT_ID", ""),
		VertexLocation:  getEnv("VERTEX_LOCATION", "us-central1"),
		VertexModel:     getEnv("VERTEX_MODEL_NAME", "gemini-2.5-pro"),
		VertexTimeout:   getEnvAsDuration("VERTEX_TIMEOUT", 600*time.Second),

		// OpenAI
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIAssistantID: getEnv("OPENAI_ASSISTANT_ID", ""),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIPollEvery:   getEnvAsDuration("OPENAI_POLL_INTERVAL", 3*time.Second),
		OpenAIMaxWait:     getEnvAsDuration("OPENAI_MAX_WAIT", 10*time.Minute),

		// ストレージ設定
		SpacesKey:      getEnv("SPACES_KEY", ""),
		SpacesSecret:   getEnv("SPACES_SECRET", ""),
		SpacesRegion:   getEnv("SPACES_REGION", "blr1"),
		SpacesBucket:   getEnv("SPACES_BUCKET", ""),
		SpacesEndpoint: getEnv("SPACES_ENDPOINT", ""),
		LocalStoreDir:  getEnv("LOCAL_STORE_DIR", "./data/results"),
		LocalStoreURL:  getEnv("LOCAL_STORE_URL", "http://localhost:8080/files"),

		// 結果通知
		CallbackURL:       getEnv("CALLBACK_URL", ""),
		ProcessTriggerURL: getEnv("PROCESS_TRIGGER_URL", ""),
		CallbackMaxRetry:  getEnvAsInt("CALLBACK_MAX_RETRY", 3),
		CallbackTimeout:   getEnvAsDuration("CALLBACK_TIMEOUT", 30*time.Second),

		// ログ設定
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if config.SpacesEndpoint == "" && config.SpacesRegion != "" {
		config.SpacesEndpoint = fmt.Sprintf("https://%s.digitaloceanspaces.com", config.SpacesRegion)
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if c.SoftTimeLimit <= 0 {
		return fmt.Errorf("SOFT_TIME_LIMIT must be positive")
	}
	if c.HardTimeLimit <= c.SoftTimeLimit {
		return fmt.Errorf("HARD_TIME_LIMIT (%s) must be greater than SOFT_TIME_LIMIT (%s)", c.HardTimeLimit, c.SoftTimeLimit)
	}
	if c.MaxDeliveries < 0 {
		return fmt.Errorf("MAX_DELIVERIES must not be negative")
	}

	// 本番環境では外部サービスの設定を必須にする
	if c.GinMode == "release" {
		if c.APIKeyHash == "" {
			return fmt.Errorf("API_KEY_HASH is required in release mode")
		}
	}

	return nil
}

// Warnings は起動時に警告として出力すべき設定上の問題を返します。
// 起動は止めません。
func (c *Config) Warnings() []string {
	var warnings []string
	if c.VisibilityTimeout <= c.HardTimeLimit {
		warnings = append(warnings, fmt.Sprintf(
			"VISIBILITY_TIMEOUT (%s) should exceed HARD_TIME_LIMIT (%s); running jobs may be redelivered to a second worker",
			c.VisibilityTimeout, c.HardTimeLimit))
	}
	if c.ResultRetention <= 0 {
		warnings = append(warnings, "RESULT_RETENTION is not positive; job records will never expire")
	}
	if c.CallbackURL == "" {
		warnings = append(warnings, "CALLBACK_URL is empty; results will not be delivered")
	}
	return warnings
}

// UseSpaces は Spaces へのアップロード設定が揃っているかを返します。
func (c *Config) UseSpaces() bool {
	return c.SpacesKey != "" && c.SpacesSecret != "" && c.SpacesBucket != ""
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "90s" のような期間表記と、秒数のみの整数表記の両方を受け付けます。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	if seconds, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
