package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/fileflow/internal/config"
	"github.com/yourusername/fileflow/internal/processor"
)

const (
	taskTypeTransform = "transform:process"
	queueName         = "transform"

	// バックオフ遅延の上限
	maxRetryDelay = 10 * time.Minute
)

// StatusStore はジョブ状態の読み書きに必要な操作を表します。
// 本番では *Store（Redis実装）を渡します。
type StatusStore interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, jobID string) (*Record, error)
	MarkProcessing(ctx context.Context, jobID string, attempt int) error
	UpdateProgress(ctx context.Context, jobID string, percent int, message string) error
	MarkCompleted(ctx context.Context, jobID, outputRef string) error
	MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error
	MarkCancelled(ctx context.Context, jobID string) error
}

// TaskPayload は変換ジョブのペイロードです。
type TaskPayload struct {
	JobID        string          `json:"jobId"`
	Operation    string          `json:"operation"`
	InputRef     string          `json:"inputRef"`
	OriginalName string          `json:"originalName,omitempty"`
	Options      json.RawMessage `json:"options,omitempty"`
}

// Manager はジョブの投入・取消とワーカープールの管理を担います。
type Manager struct {
	cfg        *config.Config
	client     *asynq.Client
	server     *asynq.Server
	mux        *asynq.ServeMux
	inspector  *asynq.Inspector
	store      StatusStore
	registry   *processor.Registry
	logger     *log.Logger
	onEnqueued func(ctx context.Context)
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store StatusStore, registry *processor.Registry, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			RetryDelayFunc: retryDelayFunc(cfg.RetryBackoffBase),
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:       cfg,
		client:    client,
		server:    server,
		mux:       mux,
		inspector: asynq.NewInspector(opt),
		store:     store,
		registry:  registry,
		logger:    logger,
	}
	mux.HandleFunc(taskTypeTransform, manager.handleTransformTask)
	return manager, nil
}

// OnEnqueued はキュー投入成功時に呼ばれるフックを設定します。
// 受付制御の「予約→キュー実体」の引き継ぎ通知に使用します。
func (m *Manager) OnEnqueued(fn func(ctx context.Context)) {
	m.onEnqueued = fn
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	_ = m.inspector.Close()
	return m.client.Close()
}

// Enqueue はジョブ状態レコードを作成してからキューへ投入します。
// キュー投入に失敗した場合はレコードを failed にしてからエラーを返すため、
// 投入済みとして応答したジョブの状態が参照できなくなることはありません。
func (m *Manager) Enqueue(ctx context.Context, payload *TaskPayload) error {
	if payload == nil {
		return fmt.Errorf("payload is nil")
	}
	if payload.JobID == "" {
		return fmt.Errorf("payload.JobID is required")
	}
	if payload.Operation == "" {
		return fmt.Errorf("payload.Operation is required")
	}

	record := &Record{
		JobID:        payload.JobID,
		Operation:    payload.Operation,
		Status:       StatusQueued,
		Progress:     0,
		Message:      "キュー投入待ち",
		InputRef:     payload.InputRef,
		OriginalName: payload.OriginalName,
	}
	if err := m.store.Create(ctx, record); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeTransform, body, asynq.Queue(queueName))
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(m.cfg.JobRetryAttempts),
	)
	if err != nil {
		if markErr := m.store.MarkFailed(ctx, payload.JobID, &ErrorInfo{
			Code:    "ENQUEUE_FAILED",
			Message: "ジョブのキュー投入に失敗しました",
		}); markErr != nil {
			m.logf("failed to mark enqueue failure job=%s: %v", payload.JobID, markErr)
		}
		return fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}

	if m.onEnqueued != nil {
		m.onEnqueued(ctx)
	}
	return nil
}

// Cancel はジョブの取消を試みます。
// 未実行のジョブはキューから取り除き cancelled にします。実行中のジョブは
// 協調的な取消要求のみ行い、プロセッサ側のチェックに委ねます。
// 終端状態のジョブには何もしません。
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return nil
	}

	switch record.Status {
	case StatusQueued:
		if err := m.inspector.DeleteTask(queueName, jobID); err != nil &&
			!errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
			return err
		}
		return m.store.MarkCancelled(ctx, jobID)
	case StatusProcessing:
		if err := m.inspector.CancelProcessing(jobID); err != nil {
			m.logf("failed to request cancellation job=%s: %v", jobID, err)
		}
		return nil
	default:
		return nil
	}
}

// PendingTotal はキュー内の未完了タスク数（待機中＋実行中＋再試行待ち）を返します。
func (m *Manager) PendingTotal(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := m.inspector.GetQueueInfo(queueName)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return info.Pending + info.Active + info.Scheduled + info.Retry, nil
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// retryDelayFunc は指数バックオフ＋ジッターの遅延関数を返します。
// 同時に失敗したジョブが同時刻に再試行で殺到しないようジッターを加えます。
func retryDelayFunc(base time.Duration) asynq.RetryDelayFunc {
	if base <= 0 {
		base = 5 * time.Second
	}
	return func(n int, err error, task *asynq.Task) time.Duration {
		delay := base << uint(n)
		if delay > maxRetryDelay || delay <= 0 {
			delay = maxRetryDelay
		}
		jitter := time.Duration(rand.Int63n(int64(delay/2) + 1))
		return delay + jitter
	}
}
