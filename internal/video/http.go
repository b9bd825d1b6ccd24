// Package video は動画一覧・サムネイル・アップロード・解析結果配信の HTTP ハンドラーを提供します。
package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/yourusername/sal-tracker/internal/storage"
)

const uploadField = "video"

// Catalog は動画ディレクトリの参照を提供します。
type Catalog interface {
	ListVideos(ctx context.Context) ([]string, error)
	HasVideo(ctx context.Context, name string) (bool, error)
	VideoPath(name string) string
}

// Uploads はアップロードされた動画を保存します。
type Uploads interface {
	SaveVideo(name string, r io.Reader) (string, error)
}

// Results は解析結果ファイルを開きます。
type Results interface {
	OpenResult(name string) (*os.File, os.FileInfo, error)
}

// FrameExtractor は動画から静止画を取り出します。
type FrameExtractor interface {
	Frame(ctx context.Context, videoPath string) ([]byte, error)
}

// ListHandler は GET /api/videos のハンドラーを返します。
func ListHandler(catalog Catalog, logger hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		names, err := catalog.ListVideos(c.Request.Context())
		if err != nil {
			logger.Error("failed to list videos", "error", err)
			respondError(c, http.StatusInternalServerError, "Failed to read video directory")
			return
		}
		c.JSON(http.StatusOK, names)
	}
}

// ThumbnailHandler は GET /thumbnail/:filename のハンドラーを返します。
func ThumbnailHandler(catalog Catalog, frames FrameExtractor, logger hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, err := storage.CleanName(c.Param("filename"))
		if err != nil {
			respondError(c, http.StatusNotFound, "Video not found.")
			return
		}

		ok, err := catalog.HasVideo(c.Request.Context(), name)
		if err != nil {
			logger.Error("failed to look up video", "video", name, "error", err)
			respondError(c, http.StatusInternalServerError, "Error generating thumbnail")
			return
		}
		if !ok {
			respondError(c, http.StatusNotFound, "Video not found.")
			return
		}

		frame, err := frames.Frame(c.Request.Context(), catalog.VideoPath(name))
		if err != nil {
			logger.Error("failed to generate thumbnail", "video", name, "error", err)
			respondError(c, http.StatusInternalServerError, "Error generating thumbnail")
			return
		}
		c.Data(http.StatusOK, "image/jpeg", frame)
	}
}

// UploadHandler は POST /api/upload のハンドラーを返します。
// multipart の video フィールドを受け取り、中身が動画であれば動画ディレクトリへ保存します。
func UploadHandler(uploads Uploads, maxBytes int64, logger hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)

		header, err := c.FormFile(uploadField)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(c, http.StatusRequestEntityTooLarge, "Uploaded file is too large.")
				return
			}
			respondError(c, http.StatusBadRequest, "No video file uploaded.")
			return
		}
		if header.Size > maxBytes {
			respondError(c, http.StatusRequestEntityTooLarge, "Uploaded file is too large.")
			return
		}

		file, err := header.Open()
		if err != nil {
			logger.Error("failed to open upload", "error", err)
			respondError(c, http.StatusInternalServerError, "Failed to store upload.")
			return
		}
		defer file.Close()

		mtype, err := mimetype.DetectReader(file)
		if err != nil {
			logger.Error("failed to inspect upload", "error", err)
			respondError(c, http.StatusInternalServerError, "Failed to store upload.")
			return
		}
		if !strings.HasPrefix(mtype.String(), "video/") {
			respondError(c, http.StatusUnsupportedMediaType, "Uploaded file is not a video.")
			return
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			logger.Error("failed to rewind upload", "error", err)
			respondError(c, http.StatusInternalServerError, "Failed to store upload.")
			return
		}

		name, err := uploads.SaveVideo(filepath.Base(header.Filename), file)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidName) {
				respondError(c, http.StatusBadRequest, "Invalid file name.")
				return
			}
			logger.Error("failed to save upload", "file", header.Filename, "error", err)
			respondError(c, http.StatusInternalServerError, "Failed to store upload.")
			return
		}

		logger.Info("video uploaded", "video", name, "type", mtype.String(), "size", header.Size)
		c.String(http.StatusOK, "Uploaded to /videos/%s", name)
	}
}

// ResultHandler は GET /process/:name のハンドラーを返します。
// ワーカーが書き出した CSV をそのまま返します。
func ResultHandler(results Results, logger hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, info, err := results.OpenResult(c.Param("name"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidName) {
				respondError(c, http.StatusNotFound, "Result not found.")
				return
			}
			logger.Error("failed to open result", "name", c.Param("name"), "error", err)
			respondError(c, http.StatusInternalServerError, "Failed to read result.")
			return
		}
		defer file.Close()

		c.DataFromReader(http.StatusOK, info.Size(), "text/csv; charset=utf-8", file, map[string]string{
			"Content-Disposition": fmt.Sprintf("inline; filename=%q", info.Name()),
			"Cache-Control":       "no-store",
		})
	}
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
