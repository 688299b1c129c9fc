package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/yourusername/fileflow/internal/admission"
	"github.com/yourusername/fileflow/internal/config"
	"github.com/yourusername/fileflow/internal/jobs"
	"github.com/yourusername/fileflow/internal/processor"
	"github.com/yourusername/fileflow/internal/storage"
)

// Admitter は受付制御を表します。
type Admitter interface {
	TryAdmit(ctx context.Context) (string, error)
	Release(ctx context.Context, reservationID string) error
}

// QuotaConsumer は投入数クォータの消費を表します。
type QuotaConsumer interface {
	Consume(ctx context.Context) error
}

// Queue はジョブのキュー投入と取消を表します。
type Queue interface {
	Enqueue(ctx context.Context, payload *jobs.TaskPayload) error
	Cancel(ctx context.Context, jobID string) error
}

// RecordReader はジョブ状態の参照を表します。
type RecordReader interface {
	Get(ctx context.Context, jobID string) (*jobs.Record, error)
}

// Submission はジョブ投入APIの応答です。
type Submission struct {
	JobID            string `json:"jobId"`
	StatusURL        string `json:"statusUrl"`
	DownloadURL      string `json:"downloadUrl"`
	Operation        string `json:"operation"`
	OriginalFileName string `json:"originalFileName"`
}

// DownloadHandle は短命ダウンロードURLの発行結果です。
type DownloadHandle struct {
	URL         string `json:"url"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	ExpiresIn   int    `json:"expiresIn"`
}

// DownloadContent はダウンロード実体のストリームとメタデータです。
type DownloadContent struct {
	Reader      io.ReadCloser
	Size        int64
	FileName    string
	ContentType string
}

// Service は変換ジョブAPIのユースケースをまとめたものです。
// 依存はプロセス起動時に一度だけ組み立てて渡します。
type Service struct {
	cfg       *config.Config
	admitter  Admitter
	quota     QuotaConsumer
	queue     Queue
	records   RecordReader
	blobs     storage.BlobStore
	registry  *processor.Registry
	downloads *Downloads
	logger    *log.Logger
}

// NewService は Service を作成します。
func NewService(cfg *config.Config, admitter Admitter, quota QuotaConsumer, queue Queue, records RecordReader, blobs storage.BlobStore, registry *processor.Registry, downloads *Downloads, logger *log.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if admitter == nil || queue == nil || records == nil || blobs == nil || registry == nil || downloads == nil {
		return nil, errors.New("service dependency is nil")
	}
	return &Service{
		cfg:       cfg,
		admitter:  admitter,
		quota:     quota,
		queue:     queue,
		records:   records,
		blobs:     blobs,
		registry:  registry,
		downloads: downloads,
		logger:    logger,
	}, nil
}

// Submit は検証済みのアップロードをジョブとして受け付けます。
// 容量予約 → クォータ消費 → 入力BLOB保存 → レコード作成＋キュー投入
// の順で進み、予約はリクエスト完了時に必ず解放されます（冪等）。
func (s *Service) Submit(ctx context.Context, operation string, file *multipart.FileHeader) (*Submission, error) {
	if file == nil {
		return nil, newError("INVALID_INPUT", "ファイルを選択してください。", nil)
	}
	operation = strings.TrimSpace(operation)
	if _, ok := s.registry.Lookup(operation); !ok {
		return nil, newError("INVALID_INPUT", fmt.Sprintf("未対応の操作です: %s", operation), nil)
	}
	if s.cfg.MaxUploadSize > 0 && file.Size > s.cfg.MaxUploadSize {
		return nil, newError("LIMIT_EXCEEDED", "ファイルサイズが上限を超えています。", nil)
	}

	reservationID, err := s.admitter.TryAdmit(ctx)
	if err != nil {
		if errors.Is(err, admission.ErrBusy) {
			return nil, newError("CAPACITY_EXCEEDED", "現在処理待ちのジョブが多いため受け付けられません。しばらくしてからお試しください。", err)
		}
		return nil, newError("INTERNAL_ERROR", "受付処理に失敗しました。", err)
	}
	defer func() {
		// 成功時は transferred の後始末、失敗時は容量の返却になる
		if releaseErr := s.admitter.Release(context.WithoutCancel(ctx), reservationID); releaseErr != nil {
			s.logf("failed to release reservation id=%s: %v", reservationID, releaseErr)
		}
	}()

	// クォータの消費は容量の確保より後。混雑による429の再試行で
	// 日次のクォータが減っていくことはない。
	if s.quota != nil {
		if err := s.quota.Consume(ctx); err != nil {
			if errors.Is(err, admission.ErrQuotaExceeded) {
				return nil, newError("QUOTA_EXCEEDED", "本日のジョブ投入上限に達しました。", err)
			}
			return nil, newError("QUOTA_EXCEEDED", "ジョブ投入数の確認に失敗したため受付を見送りました。", err)
		}
	}

	jobID := uuid.NewString()
	originalName := sanitizeFilename(file.Filename)
	inputRef := path.Join(jobID, "in", originalName)

	src, err := file.Open()
	if err != nil {
		return nil, newError("INVALID_INPUT", "アップロードファイルの読み込みに失敗しました。", err)
	}
	defer src.Close()

	if _, err := s.blobs.Put(ctx, inputRef, src); err != nil {
		return nil, newError("INTERNAL_ERROR", "入力ファイルの保存に失敗しました。", err)
	}

	payload := &jobs.TaskPayload{
		JobID:        jobID,
		Operation:    operation,
		InputRef:     inputRef,
		OriginalName: originalName,
	}
	if err := s.queue.Enqueue(ctx, payload); err != nil {
		// レコードは Enqueue 側で failed 済み。入力BLOBだけ片付ける。
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), inputRef); delErr != nil {
			s.logf("failed to delete input blob job=%s: %v", jobID, delErr)
		}
		return nil, newError("INTERNAL_ERROR", "ジョブのキュー投入に失敗しました。", err)
	}

	return &Submission{
		JobID:            jobID,
		StatusURL:        s.buildURL("/api/jobs/" + jobID),
		DownloadURL:      s.buildURL("/api/jobs/" + jobID + "/download"),
		Operation:        operation,
		OriginalFileName: originalName,
	}, nil
}

// Status はジョブ状態を返します。存在しない（または期限切れの）ジョブは
// jobs.ErrNotFound のまま返し、失敗したジョブとは区別します。
func (s *Service) Status(ctx context.Context, jobID string) (*jobs.Record, error) {
	return s.records.Get(ctx, jobID)
}

// Cancel はジョブの取消を試みます。
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	return s.queue.Cancel(ctx, jobID)
}

// IssueDownload は完了ジョブの成果物に対する短命ダウンロードURLを発行します。
// 発行回数はジョブ単位のウィンドウで制限されます。
func (s *Service) IssueDownload(ctx context.Context, jobID string) (*DownloadHandle, error) {
	record, err := s.records.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record.Status != jobs.StatusCompleted || record.OutputRef == "" {
		return nil, newError("NOT_READY", "ジョブがまだ完了していません。", nil)
	}

	if err := s.downloads.Allow(ctx, jobID); err != nil {
		if errors.Is(err, errDownloadLimited) {
			return nil, newError("RATE_LIMITED", "ダウンロードの発行回数が上限に達しました。しばらくしてからお試しください。", err)
		}
		return nil, newError("INTERNAL_ERROR", "ダウンロードURLの発行に失敗しました。", err)
	}

	fileName := path.Base(record.OutputRef)
	token, err := s.downloads.Issue(ctx, jobID, record.OutputRef, fileName)
	if err != nil {
		return nil, newError("INTERNAL_ERROR", "ダウンロードURLの発行に失敗しました。", err)
	}

	return &DownloadHandle{
		URL:         s.buildURL("/api/downloads/" + token),
		FileName:    fileName,
		ContentType: s.detectContentType(ctx, record.OutputRef),
		ExpiresIn:   int(s.downloads.TokenTTL().Seconds()),
	}, nil
}

// ServeDownload はトークンを検証し、成果物のストリームを返します。
func (s *Service) ServeDownload(ctx context.Context, token string) (*DownloadContent, error) {
	payload, err := s.downloads.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, errTokenNotFound) {
			return nil, newError("DOWNLOAD_EXPIRED", "ダウンロードURLが無効または期限切れです。", err)
		}
		return nil, newError("INTERNAL_ERROR", "ダウンロードの検証に失敗しました。", err)
	}

	size, err := s.blobs.Stat(ctx, payload.OutputRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, newError("DOWNLOAD_EXPIRED", "成果物が見つかりませんでした。", err)
		}
		return nil, newError("INTERNAL_ERROR", "成果物の取得に失敗しました。", err)
	}

	reader, err := s.blobs.Open(ctx, payload.OutputRef)
	if err != nil {
		return nil, newError("INTERNAL_ERROR", "成果物の取得に失敗しました。", err)
	}

	return &DownloadContent{
		Reader:      reader,
		Size:        size,
		FileName:    payload.FileName,
		ContentType: s.detectContentType(ctx, payload.OutputRef),
	}, nil
}

// detectContentType は成果物の先頭バイトからContent-Typeを推定します。
// 推定に失敗した場合は application/octet-stream にフォールバックします。
func (s *Service) detectContentType(ctx context.Context, ref string) string {
	reader, err := s.blobs.Open(ctx, ref)
	if err != nil {
		return "application/octet-stream"
	}
	defer reader.Close()

	mtype, err := mimetype.DetectReader(reader)
	if err != nil {
		return "application/octet-stream"
	}
	return mtype.String()
}

func (s *Service) buildURL(p string) string {
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	return base + p
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// sanitizeFilename はアップロードファイル名からパス要素を取り除きます。
func sanitizeFilename(name string) string {
	name = filepath.Base(filepath.Clean(name))
	name = strings.ReplaceAll(name, "..", "")
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "upload.bin"
	}
	return name
}
