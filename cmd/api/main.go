// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/sal-tracker/internal/config"
	"github.com/yourusername/sal-tracker/internal/jobs"
	"github.com/yourusername/sal-tracker/internal/storage"
	"github.com/yourusername/sal-tracker/internal/video"
	"github.com/yourusername/sal-tracker/internal/worker"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "sal-tracker",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: cfg.GinMode == gin.ReleaseMode,
	})
}

func run(cfg *config.Config, logger hclog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local := storage.NewLocal(cfg.VideoPath, cfg.ResultPath)
	if err := local.EnsureDirs(); err != nil {
		return err
	}

	store, closeStore, err := setupStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	manager, err := setupJobs(cfg, local, store, logger)
	if err != nil {
		return err
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.Use(cors.New(corsConfig(cfg)))

	// ルーティングの設定
	setupRoutes(router, &services{
		cfg:         cfg,
		logger:      logger,
		local:       local,
		thumbnailer: video.NewThumbnailer(cfg.FFmpegPath),
		manager:     manager,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting API server", "addr", srv.Addr, "mode", cfg.GinMode, "store", cfg.JobStore)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	// 新しいリクエストを止めてから実行中のワーカーを待つ
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("workers terminated before finishing", "error", err)
	}
	return nil
}

// corsConfig は CORS_ALLOWED_ORIGINS から CORS 設定を作ります。
func corsConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.DefaultConfig()
	origins := cfg.AllowedOrigins()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	return corsCfg
}

// setupStore は JOB_STORE に応じてジョブ状態の保存先を用意します。
func setupStore(ctx context.Context, cfg *config.Config, logger hclog.Logger) (jobs.Store, func(), error) {
	if cfg.JobStore != config.JobStoreRedis {
		return jobs.NewMemoryStore(), func() {}, nil
	}

	opt, err := redis.ParseURL(cfg.JobRedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid JOB_REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	store := jobs.NewRedisStore(rdb, cfg.JobTTL())
	recovered, err := store.RecoverOrphans(ctx)
	if err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to recover jobs: %w", err)
	}
	if len(recovered) > 0 {
		logger.Warn("marked jobs left running by a previous process as failed", "count", len(recovered))
	}
	return store, func() { _ = rdb.Close() }, nil
}

// setupJobs はワーカーランナーとジョブマネージャーを組み立てます。
func setupJobs(cfg *config.Config, local *storage.Local, store jobs.Store, logger hclog.Logger) (*jobs.Manager, error) {
	resultDir, err := filepath.Abs(local.ResultDir())
	if err != nil {
		return nil, err
	}
	runner := worker.NewRunner(worker.Options{
		Path:     cfg.WorkerPath,
		JavaPath: cfg.JavaPath,
		Env:      []string{"RESULT_PATH=" + resultDir},
	}, logger)

	return jobs.NewManager(store, local, runner, jobs.Options{
		MaxConcurrent: cfg.MaxConcurrentJobs,
		Timeout:       cfg.JobTimeout(),
	}, logger)
}
