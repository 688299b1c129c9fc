package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/yourusername/fileflow/internal/processor"
)

// handleTransformTask はワーカーのエントリーポイントです。
// at-least-once 配送を前提に、終端状態のジョブへの再配送は無視します。
// プロセッサの失敗（panic含む）は必ず failed の書き込みに到達させ、
// 再試行の判断はキューの再試行ポリシーに委ねます。
func (m *Manager) handleTransformTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	record, err := m.store.Get(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// TTL切れ等でレコードが消えたジョブは実行しても報告先がない
			m.logf("job record missing, skipping job=%s", payload.JobID)
			return nil
		}
		return err
	}

	// 重複配送ガード。failed は再試行で processing に戻れるため対象外。
	if record.Status == StatusCompleted || record.Status == StatusCancelled {
		m.logf("job already terminal, skipping job=%s status=%s", payload.JobID, record.Status)
		return nil
	}

	attempt := retryCountFrom(ctx) + 1
	if err := m.store.MarkProcessing(ctx, payload.JobID, attempt); err != nil {
		return err
	}

	fn, ok := m.registry.Lookup(payload.Operation)
	if !ok {
		if markErr := m.store.MarkFailed(ctx, payload.JobID, &ErrorInfo{
			Code:    "UNKNOWN_OPERATION",
			Message: fmt.Sprintf("未対応の操作です: %s", payload.Operation),
		}); markErr != nil {
			m.logf("failed to mark unknown operation job=%s: %v", payload.JobID, markErr)
		}
		return fmt.Errorf("unknown operation %q: %w", payload.Operation, asynq.SkipRetry)
	}

	job := processor.Job{
		ID:           payload.JobID,
		Operation:    payload.Operation,
		InputRef:     payload.InputRef,
		OriginalName: payload.OriginalName,
		Options:      payload.Options,
	}
	outputRef, procErr := m.invokeProcessor(ctx, fn, job)
	if procErr == nil {
		return m.store.MarkCompleted(ctx, payload.JobID, outputRef)
	}

	if errors.Is(procErr, context.Canceled) {
		// 協調的な取消要求が実行中に届いたケース
		if markErr := m.store.MarkCancelled(context.WithoutCancel(ctx), payload.JobID); markErr != nil {
			m.logf("failed to mark cancelled job=%s: %v", payload.JobID, markErr)
		}
		return nil
	}

	errInfo := &ErrorInfo{
		Code:    "PROCESSING_FAILED",
		Message: procErr.Error(),
	}
	if markErr := m.store.MarkFailed(ctx, payload.JobID, errInfo); markErr != nil {
		m.logf("failed to mark failure job=%s: %v", payload.JobID, markErr)
	}

	// エラーを返すとキューが attempts を上限に再試行する。
	// 上限到達後は failed のまま残り、最後のエラーが記録されている。
	return procErr
}

// invokeProcessor はプロセッサを panic 隔離付きで実行します。
// 進捗報告コールバックはジョブを所有するこのワーカーだけが書き込みます。
func (m *Manager) invokeProcessor(ctx context.Context, fn processor.Func, job processor.Job) (outputRef string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	report := func(percent int, message string) {
		if uerr := m.store.UpdateProgress(ctx, job.ID, percent, message); uerr != nil {
			m.logf("failed to update progress job=%s: %v", job.ID, uerr)
		}
	}
	return fn(ctx, job, report)
}

// retryCountFrom は Asynq サーバー外（テスト等）から呼ばれた場合は0を返します。
func retryCountFrom(ctx context.Context) int {
	if n, ok := asynq.GetRetryCount(ctx); ok {
		return n
	}
	return 0
}
