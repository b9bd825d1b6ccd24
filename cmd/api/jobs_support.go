package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/sal-tracker/internal/jobs"
)

// jobManager はジョブ関連ハンドラーが使う操作です。
type jobManager interface {
	Submit(ctx context.Context, req jobs.Request) (string, error)
	Status(ctx context.Context, jobID string) (*jobs.StatusView, error)
	Get(ctx context.Context, jobID string) (*jobs.Record, error)
	List(ctx context.Context) ([]*jobs.Record, error)
}

// submitHandler は POST /process/:filename のハンドラーです。
// ワーカーの起動だけを行い、完了を待たずに 202 でジョブIDを返します。
func submitHandler(manager jobManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, err := manager.Submit(c.Request.Context(), jobs.Request{
			Filename:    c.Param("filename"),
			TargetColor: c.Query("targetColor"),
			Threshold:   c.Query("threshold"),
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
	}
}

// jobStatusHandler は GET /process/:name/status のハンドラーです。
// ワーカーの失敗もジョブの状態として 200 で返します。
func jobStatusHandler(manager jobManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := manager.Status(c.Request.Context(), c.Param("name"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func jobListHandler(manager jobManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := manager.List(c.Request.Context())
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

func jobRecordHandler(manager jobManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := manager.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

// respondWithError は jobs.Error の種類を HTTP ステータスに変換して返します。
func respondWithError(c *gin.Context, err error) {
	var jobErr *jobs.Error
	if !errors.As(err, &jobErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	status := http.StatusInternalServerError
	switch jobErr.Kind {
	case jobs.KindInvalidRequest:
		status = http.StatusBadRequest
	case jobs.KindNotFound:
		status = http.StatusNotFound
	case jobs.KindBusy:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": jobErr.Message})
}
