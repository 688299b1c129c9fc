package main

import (
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/fileflow/internal/admission"
	"github.com/yourusername/fileflow/internal/auth"
	"github.com/yourusername/fileflow/internal/config"
	"github.com/yourusername/fileflow/internal/jobs"
	"github.com/yourusername/fileflow/internal/processor"
	"github.com/yourusername/fileflow/internal/storage"
	"github.com/yourusername/fileflow/internal/transform"
)

// pipeline はプロセス起動時に一度だけ組み立てる依存一式です。
// グローバルな接続状態は持たず、すべてここから各コンポーネントへ渡します。
type pipeline struct {
	manager *jobs.Manager
	service *transform.Service
}

func setupPipeline(cfg *config.Config) (*pipeline, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	logger := log.Default()

	store := jobs.NewStore(rdb, cfg.JobTTL)

	blobs, err := storage.NewLocalStore(cfg.StorageDir)
	if err != nil {
		return nil, err
	}

	workspace := processor.NewWorkspace(cfg.StagingDir)
	registry := processor.NewRegistry()
	if err := registry.Register("archive", processor.NewArchive(workspace, blobs)); err != nil {
		return nil, err
	}

	manager, err := jobs.NewManager(cfg, store, registry, logger)
	if err != nil {
		return nil, err
	}

	controller, err := admission.NewController(
		manager,
		admission.NewRedisLedger(rdb),
		cfg.MaxTotalPendingJobs,
		cfg.ReservationTTL,
		logger,
	)
	if err != nil {
		return nil, err
	}
	// キュー投入成功のたびに最古の予約をキュー実体へ引き継ぐ
	manager.OnEnqueued(controller.NotifyEnqueued)

	quota := admission.NewQuota(rdb, cfg.DailyJobQuota)
	downloads := transform.NewDownloads(rdb, cfg.DownloadTokenTTL, cfg.DownloadMaxCount, cfg.DownloadWindow)

	service, err := transform.NewService(cfg, controller, quota, manager, store, blobs, registry, downloads, logger)
	if err != nil {
		return nil, err
	}

	return &pipeline{
		manager: manager,
		service: service,
	}, nil
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, p *pipeline) {
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		// トークン自体が認可情報なのでダウンロード実体は認証の外に置く
		api.GET("/downloads/:token", transform.ServeDownloadHandler(p.service))

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			protected.POST("/transform/:operation", transform.SubmitHandler(p.service))
			protected.GET("/jobs/:id", transform.StatusHandler(p.service))
			protected.POST("/jobs/:id/cancel", transform.CancelHandler(p.service))
			protected.POST("/jobs/:id/download", transform.IssueDownloadHandler(p.service))
		}
	}
}
