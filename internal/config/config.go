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

// ジョブ状態の保存先
const (
	JobStoreMemory = "memory"
	JobStoreRedis  = "redis"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // ログレベル (trace, debug, info, warn, error)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り、* で全許可）

	// ディレクトリ設定
	VideoPath  string // 動画ファイルの保存先
	ResultPath string // 解析結果(CSV)の出力先

	// ワーカー設定
	WorkerPath string // 解析ワーカー（jar または実行ファイル）のパス
	JavaPath   string // java 実行ファイルのパス
	FFmpegPath string // サムネイル生成に使う ffmpeg のパス

	// ファイル制限
	MaxUploadSize int64 // アップロード1件あたりの最大サイズ（バイト）

	// ジョブ設定
	JobStore               string // ジョブ状態の保存先 (memory, redis)
	JobRedisURL            string // JobStore=redis のときの接続URL
	JobExpireMinutes       int    // ジョブ状態の有効期限（分、0で無期限）
	MaxConcurrentJobs      int    // 同時に実行できるワーカー数（0で無制限）
	JobTimeoutSeconds      int    // ワーカー1件あたりのタイムアウト（秒、0で無制限）
	ShutdownTimeoutSeconds int    // シャットダウン時にワーカー終了を待つ秒数
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:     getEnv("PORT", "3000"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		// ディレクトリ設定
		VideoPath:  getEnv("VIDEO_PATH", "./videos"),
		ResultPath: getEnv("RESULT_PATH", "./results"),

		// ワーカー設定
		WorkerPath: getEnv("JAR_PATH", "../Processor/target/centroidFinderVideo-jar-with-dependencies.jar"),
		JavaPath:   getEnv("JAVA_PATH", "java"),
		FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),

		// ファイル制限
		MaxUploadSize: getEnvAsInt64("MAX_UPLOAD_SIZE", 1<<30), // 1GB

		// ジョブ設定
		JobStore:               strings.ToLower(getEnv("JOB_STORE", JobStoreMemory)),
		JobRedisURL:            getEnv("JOB_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireMinutes:       getEnvAsInt("JOB_EXPIRE_MINUTES", 0),
		MaxConcurrentJobs:      getEnvAsInt("MAX_CONCURRENT_JOBS", 0),
		JobTimeoutSeconds:      getEnvAsInt("JOB_TIMEOUT_SECONDS", 0),
		ShutdownTimeoutSeconds: getEnvAsInt("SHUTDOWN_TIMEOUT_SECONDS", 10),
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
	switch c.JobStore {
	case JobStoreMemory, JobStoreRedis:
	default:
		return fmt.Errorf("JOB_STORE must be %q or %q (got %q)", JobStoreMemory, JobStoreRedis, c.JobStore)
	}
	if c.JobStore == JobStoreRedis && c.JobRedisURL == "" {
		return fmt.Errorf("JOB_REDIS_URL is required when JOB_STORE=redis")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if c.JobExpireMinutes < 0 || c.MaxConcurrentJobs < 0 || c.JobTimeoutSeconds < 0 || c.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("job limits must not be negative")
	}

	// 本番環境ではパスの明示を必須にする
	if c.GinMode == "release" {
		if c.VideoPath == "" {
			return fmt.Errorf("VIDEO_PATH is required in release mode")
		}
		if c.ResultPath == "" {
			return fmt.Errorf("RESULT_PATH is required in release mode")
		}
		if c.WorkerPath == "" {
			return fmt.Errorf("JAR_PATH is required in release mode")
		}
	}

	return nil
}

// JobTimeout はワーカー1件あたりのタイムアウトを返します（0は無制限）。
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

// JobTTL はジョブ状態の有効期限を返します（0は無期限）。
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.JobExpireMinutes) * time.Minute
}

// ShutdownTimeout はシャットダウン時の待機時間を返します。
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// AllowedOrigins は CORS 許可オリジンを配列で返します。
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
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
