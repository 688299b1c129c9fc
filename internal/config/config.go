// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// キュー/ワーカー設定
	QueueRedisURL     string        // Asynq・状態ストア用Redis接続URL
	WorkerConcurrency int           // ワーカーの同時実行数
	JobRetryAttempts  int           // ジョブの最大再試行回数
	RetryBackoffBase  time.Duration // 再試行バックオフの基準遅延

	// 受付制御設定
	MaxTotalPendingJobs int           // 受付可能な未完了ジョブ数の上限
	ReservationTTL      time.Duration // 予約の有効期限
	DailyJobQuota       int           // 1日あたりのジョブ投入上限（0で無制限）

	// ジョブ状態設定
	JobTTL time.Duration // ジョブ状態レコードの保持期間

	// ダウンロード設定
	DownloadTokenTTL time.Duration // ダウンロードURLの有効期限
	DownloadMaxCount int           // ウィンドウあたりのダウンロード発行上限
	DownloadWindow   time.Duration // ダウンロード制限のウィンドウ幅
	PublicBaseURL    string        // statusUrl/downloadUrl 生成に使うベースURL
	MaxUploadSize    int64         // 単一アップロードの最大サイズ（バイト）

	// ストレージ設定
	StorageDir string // ローカルBLOBストアのルートディレクトリ
	StagingDir string // プロセッサ作業ディレクトリのルート

	// ポーリング設定（cmd/poll用）
	PollInterval    time.Duration // ポーリング間隔
	PollMaxAttempts int           // ポーリングの最大試行回数
	PollTimeout     time.Duration // ポーリング全体のタイムアウト
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		JobRetryAttempts:  getEnvAsInt("JOB_RETRY_ATTEMPTS", 3),
		RetryBackoffBase:  getEnvAsDuration("RETRY_BACKOFF_BASE", 5*time.Second),

		MaxTotalPendingJobs: getEnvAsInt("MAX_TOTAL_PENDING_JOBS", 100),
		ReservationTTL:      getEnvAsDuration("RESERVATION_TTL", 10*time.Minute),
		DailyJobQuota:       getEnvAsInt("DAILY_JOB_QUOTA", 0),

		JobTTL: getEnvAsDuration("JOB_TTL", 24*time.Hour),

		DownloadTokenTTL: getEnvAsDuration("DOWNLOAD_TOKEN_TTL", 60*time.Second),
		DownloadMaxCount: getEnvAsInt("DOWNLOAD_MAX_COUNT", 10),
		DownloadWindow:   getEnvAsDuration("DOWNLOAD_WINDOW", time.Minute),
		PublicBaseURL:    getEnv("PUBLIC_BASE_URL", ""),
		MaxUploadSize:    getEnvAsInt64("MAX_UPLOAD_SIZE", 104857600), // 100MB

		StorageDir: getEnv("STORAGE_DIR", filepath.Join(os.TempDir(), "fileflow", "blobs")),
		StagingDir: getEnv("STAGING_DIR", filepath.Join(os.TempDir(), "fileflow", "staging")),

		PollInterval:    getEnvAsDuration("POLL_INTERVAL", 2*time.Second),
		PollMaxAttempts: getEnvAsInt("POLL_MAX_ATTEMPTS", 150),
		PollTimeout:     getEnvAsDuration("POLL_TIMEOUT", 5*time.Minute),
	}

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
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive (got %d)", c.WorkerConcurrency)
	}
	if c.JobRetryAttempts < 0 {
		return fmt.Errorf("JOB_RETRY_ATTEMPTS must not be negative (got %d)", c.JobRetryAttempts)
	}
	if c.MaxTotalPendingJobs <= 0 {
		return fmt.Errorf("MAX_TOTAL_PENDING_JOBS must be positive (got %d)", c.MaxTotalPendingJobs)
	}

	// 本番環境では認証・接続設定を厳格にチェックする
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
	}

	return nil
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

// getEnvAsDuration は環境変数を time.ParseDuration 形式で取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
