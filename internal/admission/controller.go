// Package admission はジョブ受付前の容量制御を提供します。
// キュー内の未完了ジョブ数と「これから投入される」予約数の合計を
// 上限以下に保ちます。上限の管理はキュー自体ではなくこのパッケージの責務です。
package admission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// ErrBusy は容量超過により受付できないことを表します（HTTP 429相当）。
var ErrBusy = errors.New("capacity exceeded")

// ReservationState は予約の状態です。
type ReservationState string

const (
	// StateReserved は容量を確保済みで、まだキュー実体が存在しない状態です。
	StateReserved ReservationState = "reserved"
	// StateTransferred はキュー実体に引き継がれた状態です。
	// 以後この予約は容量計算に含まれません（キュー側で数えられるため）。
	StateTransferred ReservationState = "transferred"
	// StateUnknown は予約が存在しない（期限切れ等）ことを表します。
	StateUnknown ReservationState = ""
)

// QueueStats はキュー内の未完了タスク数を参照するためのインターフェースです。
type QueueStats interface {
	PendingTotal(ctx context.Context) (int, error)
}

// Ledger は予約台帳です。到着順を保持し、各予約の状態をTTL付きで保存します。
type Ledger interface {
	// Reserve は台帳上の予約数が slots 未満である場合に限り、予約を
	// 台帳の末尾に追加して状態を reserved で保存します。確認と追加は
	// 単一のアトミックな操作として行い、満杯なら ErrBusy を返します。
	Reserve(ctx context.Context, id string, ttl time.Duration, slots int) error
	// PopOldest は最も古い予約IDを取り除いて返します。空なら "" を返します。
	PopOldest(ctx context.Context) (string, error)
	// MarkTransferred は予約の状態を transferred に変更します。
	MarkTransferred(ctx context.Context, id string) error
	// State は予約の現在状態を返します。存在しなければ StateUnknown です。
	State(ctx context.Context, id string) (ReservationState, error)
	// Remove は予約を台帳と状態の両方から取り除きます。
	Remove(ctx context.Context, id string) error
	// Drop は状態のみ削除します（台帳には既に存在しない予約用）。
	Drop(ctx context.Context, id string) error
	// Count は台帳上の予約数を返します。
	Count(ctx context.Context) (int, error)
	// List は台帳上の予約IDを古い順に返します。
	List(ctx context.Context) ([]string, error)
}

// Controller は受付制御を行います。
type Controller struct {
	queue  QueueStats
	ledger Ledger
	max    int
	ttl    time.Duration
	logger *log.Logger
}

// NewController は Controller を作成します。
func NewController(queue QueueStats, ledger Ledger, maxPending int, reservationTTL time.Duration, logger *log.Logger) (*Controller, error) {
	if queue == nil {
		return nil, errors.New("queue stats is nil")
	}
	if ledger == nil {
		return nil, errors.New("ledger is nil")
	}
	if maxPending <= 0 {
		return nil, fmt.Errorf("maxPending must be positive (got %d)", maxPending)
	}
	return &Controller{
		queue:  queue,
		ledger: ledger,
		max:    maxPending,
		ttl:    reservationTTL,
		logger: logger,
	}, nil
}

// TryAdmit は容量を確認し、空きがあれば予約を作成してIDを返します。
// 容量超過の場合は ErrBusy を返し、いかなる変更も行いません。
// 予約数の確認と追加は Ledger.Reserve の中で単一のアトミックな
// 操作として行われるため、同時に呼ばれても上限を超えて予約されることは
// ありません。キュー件数は直前の読み取り値を使いますが、キューは
// 予約の引き継ぎ経由でしか増えないため、合計の上限は破れません
// （完了直後の読み取り遅れは受付を厳しめに見積もるだけ）。
func (c *Controller) TryAdmit(ctx context.Context) (string, error) {
	c.pruneExpired(ctx)

	queued, err := c.queue.PendingTotal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to count queued jobs: %w", err)
	}

	id := uuid.NewString()
	if err := c.ledger.Reserve(ctx, id, c.ttl, c.max-queued); err != nil {
		if errors.Is(err, ErrBusy) {
			return "", ErrBusy
		}
		return "", fmt.Errorf("failed to reserve capacity: %w", err)
	}
	return id, nil
}

// NotifyEnqueued はキューへの投入成功を受けて、最も古い予約を
// transferred に引き継ぎます。予約と投入されたジョブの対応はFIFOの
// 近似であり、厳密な紐付けは行いません（両者が同じ上限を分け合うため、
// 個々の対応の正確さは上限の維持に影響しません）。
func (c *Controller) NotifyEnqueued(ctx context.Context) {
	id, err := c.ledger.PopOldest(ctx)
	if err != nil {
		c.logf("failed to pop reservation: %v", err)
		return
	}
	if id == "" {
		return
	}
	if err := c.ledger.MarkTransferred(ctx, id); err != nil {
		c.logf("failed to mark reservation transferred id=%s: %v", id, err)
	}
}

// Release は予約を解放します。冪等であり、リクエストの完了・中断・
// タイムアウトのどこから呼ばれても安全です。
// transferred の予約は状態の削除のみ（容量はキュー実体が表している）、
// reserved の予約は台帳からも取り除いて容量を返却します。
func (c *Controller) Release(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	state, err := c.ledger.State(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read reservation state: %w", err)
	}

	switch state {
	case StateTransferred:
		return c.ledger.Drop(ctx, id)
	case StateReserved:
		return c.ledger.Remove(ctx, id)
	default:
		// 期限切れ等で状態が消えていても、台帳の残骸は掃除しておく
		return c.ledger.Remove(ctx, id)
	}
}

// pruneExpired は状態キーがTTLで消えたのに台帳に残っている予約を取り除きます。
// 掃除に失敗しても受付自体は続行します（残骸は容量を厳しめに見積もるだけ）。
func (c *Controller) pruneExpired(ctx context.Context) {
	ids, err := c.ledger.List(ctx)
	if err != nil {
		c.logf("failed to list reservations: %v", err)
		return
	}
	for _, id := range ids {
		state, err := c.ledger.State(ctx, id)
		if err != nil {
			c.logf("failed to read reservation state id=%s: %v", id, err)
			continue
		}
		if state == StateUnknown {
			if err := c.ledger.Remove(ctx, id); err != nil {
				c.logf("failed to prune reservation id=%s: %v", id, err)
			}
		}
	}
}

func (c *Controller) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
