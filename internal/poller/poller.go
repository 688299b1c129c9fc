// Package poller はジョブ状態のクライアント側ポーリングプロトコルを提供します。
// キューへの受付を、進捗コールバック付きの同期的な呼び出しに見せかけます。
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/fileflow/internal/jobs"
)

// ErrPollingTimedOut はポーリングの上限（試行回数または経過時間）に
// 達したことを表します。ジョブの失敗とは異なり、サーバー側では
// ジョブがまだ実行中である可能性があります。
var ErrPollingTimedOut = errors.New("polling timed out")

// JobError はジョブ自体が終端の失敗・取消に至ったことを表します。
type JobError struct {
	Status  jobs.Status
	Message string
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job finished with status %s", e.Status)
	}
	return fmt.Sprintf("job finished with status %s: %s", e.Status, e.Message)
}

// Status はポーリングで取得するジョブ状態のスナップショットです。
type Status struct {
	JobID     string
	Status    jobs.Status
	Progress  int
	Message   string
	OutputRef string
	Error     string
}

// StatusFetcher はジョブ状態を1回取得する手段です。
type StatusFetcher interface {
	Fetch(ctx context.Context, jobID string) (*Status, error)
}

// Poller は一定間隔でジョブ状態を取得し、終端状態まで待機します。
type Poller struct {
	fetcher     StatusFetcher
	interval    time.Duration
	maxAttempts int
	timeout     time.Duration
}

// New は Poller を作成します。非正の値にはデフォルトを適用します。
func New(fetcher StatusFetcher, interval time.Duration, maxAttempts int, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 150
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Poller{
		fetcher:     fetcher,
		interval:    interval,
		maxAttempts: maxAttempts,
		timeout:     timeout,
	}
}

// Poll はジョブが終端状態になるまでポーリングします。
// 成功時は成果物の参照キーを返します。試行回数と経過時間の両方で
// 上限を設け、先に達した方で ErrPollingTimedOut を返します。
// 一時的な取得エラーも同じ上限の範囲内で再試行します。
// ctx の取消は各イテレーションの先頭で確認され、サーバー側の
// ジョブには影響を与えずにポーリングだけを打ち切ります。
func (p *Poller) Poll(ctx context.Context, jobID string, onProgress func(percent int, message string)) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("jobID is required")
	}

	deadline := time.Now().Add(p.timeout)
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		status, err := p.fetcher.Fetch(ctx, jobID)
		if err != nil {
			// 一時的な取得エラー。終端状態の確認を優先するため、
			// 上限に達するまではそのまま再試行する。
			lastErr = err
		} else {
			switch status.Status {
			case jobs.StatusCompleted:
				return status.OutputRef, nil
			case jobs.StatusFailed:
				return "", &JobError{Status: status.Status, Message: status.Error}
			case jobs.StatusCancelled:
				return "", &JobError{Status: status.Status, Message: status.Message}
			default:
				if onProgress != nil {
					onProgress(status.Progress, status.Message)
				}
			}
		}

		if attempt >= p.maxAttempts || !time.Now().Before(deadline) {
			if lastErr != nil {
				return "", fmt.Errorf("%w (last fetch error: %v)", ErrPollingTimedOut, lastErr)
			}
			return "", ErrPollingTimedOut
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.interval):
		}
	}
}
