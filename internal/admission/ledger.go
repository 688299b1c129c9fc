package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ledgerListKey         = "admission:reservations"
	reservationKeyPrefix  = "admission:reservation:"
	defaultReservationTTL = 10 * time.Minute

	// 予約追加の楽観的ロックが競合した場合の再試行上限。
	// 超過した場合はフェイルクローズ（受付拒否）します。
	maxReserveRetries = 5
)

// RedisLedger は Redis 上の予約台帳です。
// 到着順はリスト（RPUSH/LPOP）で保持し、各予約の状態は
// TTL付きの個別キーに保存します。個々の操作は単一のアトミックな
// Redisコマンド（またはパイプライン）で完結します。
type RedisLedger struct {
	rdb *redis.Client
}

// NewRedisLedger は RedisLedger を作成します。
func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb}
}

// Reserve は予約数が slots 未満の場合に限り、予約をリスト末尾に追加して
// 状態キーを reserved で保存します。件数の確認と追加は WATCH による
// 楽観的ロックで保護されるため、同時に呼ばれても slots を超えて
// 予約されることはありません。競合が解消しない場合はエラーを返して
// 受付を拒否します（フェイルクローズ）。
func (l *RedisLedger) Reserve(ctx context.Context, id string, ttl time.Duration, slots int) error {
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}

	txn := func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, ledgerListKey).Result()
		if err != nil {
			return err
		}
		if int(n) >= slots {
			return ErrBusy
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, ledgerListKey, id)
			pipe.Set(ctx, reservationKey(id), string(StateReserved), ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxReserveRetries; i++ {
		err := l.rdb.Watch(ctx, txn, ledgerListKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("reservation contention persisted, rejecting request")
}

// PopOldest は最も古い予約IDを取り除いて返します。
func (l *RedisLedger) PopOldest(ctx context.Context) (string, error) {
	id, err := l.rdb.LPop(ctx, ledgerListKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// MarkTransferred は予約状態を transferred に変更します。TTLは維持します。
func (l *RedisLedger) MarkTransferred(ctx context.Context, id string) error {
	return l.rdb.Set(ctx, reservationKey(id), string(StateTransferred), redis.KeepTTL).Err()
}

// State は予約の現在状態を返します。
func (l *RedisLedger) State(ctx context.Context, id string) (ReservationState, error) {
	value, err := l.rdb.Get(ctx, reservationKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StateUnknown, nil
		}
		return StateUnknown, err
	}
	return ReservationState(value), nil
}

// Remove は予約をリストと状態キーの両方から取り除きます。
func (l *RedisLedger) Remove(ctx context.Context, id string) error {
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, ledgerListKey, 1, id)
		pipe.Del(ctx, reservationKey(id))
		return nil
	})
	return err
}

// Drop は状態キーのみ削除します。
func (l *RedisLedger) Drop(ctx context.Context, id string) error {
	return l.rdb.Del(ctx, reservationKey(id)).Err()
}

// Count はリスト上の予約数を返します。
func (l *RedisLedger) Count(ctx context.Context) (int, error) {
	n, err := l.rdb.LLen(ctx, ledgerListKey).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// List はリスト上の予約IDを古い順に返します。
func (l *RedisLedger) List(ctx context.Context) ([]string, error) {
	return l.rdb.LRange(ctx, ledgerListKey, 0, -1).Result()
}

func reservationKey(id string) string {
	return reservationKeyPrefix + id
}
