package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/yourusername/sal-tracker/internal/config"
	"github.com/yourusername/sal-tracker/internal/storage"
	"github.com/yourusername/sal-tracker/internal/video"
)

// services はハンドラーが依存するものをまとめたものです。
type services struct {
	cfg         *config.Config
	logger      hclog.Logger
	local       *storage.Local
	thumbnailer video.FrameExtractor
	manager     jobManager
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "sal-tracker-api",
		"version": "0.1.0",
	})
}

// setupRoutes はエンドポイントを登録します。
func setupRoutes(router *gin.Engine, s *services) {
	router.GET("/health", handleHealth)

	httpLog := s.logger.Named("http")

	router.GET("/thumbnail/:filename", video.ThumbnailHandler(s.local, s.thumbnailer, httpLog))

	// GET の /process/:name はステータス照会と結果ファイル配信で同じパラメータ名を共有する
	process := router.Group("/process")
	{
		process.POST("/:filename", submitHandler(s.manager))
		process.GET("/:name/status", jobStatusHandler(s.manager))
		process.GET("/:name", video.ResultHandler(s.local, httpLog))
	}

	api := router.Group("/api")
	{
		api.GET("/videos", video.ListHandler(s.local, httpLog))
		api.POST("/upload", video.UploadHandler(s.local, s.cfg.MaxUploadSize, httpLog))
		api.GET("/jobs", jobListHandler(s.manager))
		api.GET("/jobs/:id", jobRecordHandler(s.manager))
	}
}
