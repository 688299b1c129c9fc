// Package jobs は非同期ジョブの状態管理とキュー投入・実行を提供します。
package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal は終端状態かどうかを返します。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition は状態遷移が許可されているかを返します。
// queued → processing → {completed | failed} を基本とし、
// failed → processing はキューの再試行で到達します。
// cancelled は queued / processing からのみ到達します。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled || to == StatusProcessing
	case StatusFailed:
		// キューの再試行により同一ジョブIDで再実行される
		return to == StatusProcessing
	default:
		return false
	}
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID        string     `json:"jobId"`
	Operation    string     `json:"operation"`
	Status       Status     `json:"status"`
	Progress     int        `json:"progress"`
	Message      string     `json:"message,omitempty"`
	InputRef     string     `json:"inputRef,omitempty"`
	OutputRef    string     `json:"outputRef,omitempty"`
	OriginalName string     `json:"originalName,omitempty"`
	Attempts     int        `json:"attempts"`
	Error        *ErrorInfo `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	FailedAt     *time.Time `json:"failedAt,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt"`
}
