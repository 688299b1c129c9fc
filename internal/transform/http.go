package transform

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/fileflow/internal/jobs"
)

// SubmitService はジョブ投入を提供します。
type SubmitService interface {
	Submit(ctx context.Context, operation string, file *multipart.FileHeader) (*Submission, error)
}

// StatusService はジョブ状態の照会を提供します。
type StatusService interface {
	Status(ctx context.Context, jobID string) (*jobs.Record, error)
}

// CancelService はジョブ取消を提供します。
type CancelService interface {
	Cancel(ctx context.Context, jobID string) error
}

// DownloadService はダウンロードURLの発行と実体の取得を提供します。
type DownloadService interface {
	IssueDownload(ctx context.Context, jobID string) (*DownloadHandle, error)
	ServeDownload(ctx context.Context, token string) (*DownloadContent, error)
}

// SubmitHandler は POST /api/transform/:operation のハンドラーを返します。
func SubmitHandler(svc SubmitService) gin.HandlerFunc {
	return func(c *gin.Context) {
		operation := strings.TrimSpace(c.Param("operation"))
		if operation == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "操作の種類を指定してください。",
			})
			return
		}

		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data でファイルを送信してください。",
			})
			return
		}

		submission, err := svc.Submit(c.Request.Context(), operation, file)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, submission)
	}
}

// StatusHandler は GET /api/jobs/:id のハンドラーを返します。
// 存在しない・期限切れのジョブは404で、失敗したジョブ（200 + failed）とは
// 明確に区別されます。
func StatusHandler(svc StatusService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := svc.Status(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}

		payload := gin.H{
			"jobId":     record.JobID,
			"operation": record.Operation,
			"status":    record.Status,
			"progress":  record.Progress,
			"message":   record.Message,
			"createdAt": record.CreatedAt,
			"updatedAt": record.UpdatedAt,
		}
		if record.OutputRef != "" {
			payload["outputRef"] = record.OutputRef
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}

		c.JSON(http.StatusOK, payload)
	}
}

// CancelHandler は POST /api/jobs/:id/cancel のハンドラーを返します。
func CancelHandler(svc CancelService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		if err := svc.Cancel(c.Request.Context(), jobID); err != nil {
			respondWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// IssueDownloadHandler は POST /api/jobs/:id/download のハンドラーを返します。
func IssueDownloadHandler(svc DownloadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		handle, err := svc.IssueDownload(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, handle)
	}
}

// ServeDownloadHandler は GET /api/downloads/:token のハンドラーを返します。
func ServeDownloadHandler(svc DownloadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.Param("token"))
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "トークンを指定してください。",
			})
			return
		}

		content, err := svc.ServeDownload(c.Request.Context(), token)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer content.Reader.Close()

		encodedName := url.PathEscape(content.FileName)
		c.Header("Content-Type", content.ContentType)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", content.FileName, encodedName))
		c.Header("Cache-Control", "no-store")
		c.DataFromReader(http.StatusOK, content.Size, content.ContentType, content.Reader, nil)
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しないか、保持期間を過ぎています。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case "INVALID_INPUT":
		return http.StatusBadRequest
	case "JOB_NOT_FOUND", "DOWNLOAD_EXPIRED":
		return http.StatusNotFound
	case "NOT_READY":
		return http.StatusConflict
	case "LIMIT_EXCEEDED":
		return http.StatusRequestEntityTooLarge
	case "CAPACITY_EXCEEDED", "QUOTA_EXCEEDED", "RATE_LIMITED":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
