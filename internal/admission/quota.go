package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	quotaKeyPrefix = "quota:jobs:"

	// 競合時に watch-then-commit を再試行する上限回数。
	// 超過した場合はフェイルクローズ（受付拒否）します。
	maxQuotaRetries = 3
)

// ErrQuotaExceeded は1日あたりのジョブ投入上限に達したことを表します。
var ErrQuotaExceeded = errors.New("daily job quota exceeded")

// Quota は日次のジョブ投入数を数える共有カウンターです。
// 受付を左右するカウンターのため、読み取り・加算は WATCH による
// 楽観的ロックで保護し、素の read-modify-write は行いません。
type Quota struct {
	rdb   *redis.Client
	limit int
	now   func() time.Time
}

// NewQuota は Quota を作成します。limit が0以下なら無制限です。
func NewQuota(rdb *redis.Client, limit int) *Quota {
	return &Quota{
		rdb:   rdb,
		limit: limit,
		now:   time.Now,
	}
}

// Consume は本日分のカウンターを1消費します。
// 上限到達時は ErrQuotaExceeded、競合が解消しない場合もエラーを返して
// 受付を拒否します（フェイルクローズ）。
func (q *Quota) Consume(ctx context.Context) error {
	if q.limit <= 0 {
		return nil
	}

	key := quotaKeyPrefix + q.now().UTC().Format("20060102")

	txn := func(tx *redis.Tx) error {
		value, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		count := 0
		if value != "" {
			count, err = strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("corrupt quota counter %s: %w", key, err)
			}
		}
		if count >= q.limit {
			return ErrQuotaExceeded
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, key)
			// 翌日の集計が終わった後に自然消滅するよう余裕を持たせる
			pipe.Expire(ctx, key, 48*time.Hour)
			return nil
		})
		return err
	}

	for i := 0; i < maxQuotaRetries; i++ {
		err := q.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("quota check contention persisted, rejecting request")
}
