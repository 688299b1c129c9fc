package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"

	// 楽観的ロックの競合時に再試行する上限回数
	maxUpdateRetries = 5
)

// ErrNotFound はジョブが存在しない（または期限切れで消えた）ことを表します。
// 「ジョブが失敗した」とは区別して扱う必要があります。
var ErrNotFound = errors.New("job not found")

// Store はジョブ状態を Redis に保存します。
// すべての更新はマージ更新であり、書き込みのたびにTTLを再設定します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はジョブ情報を取得します。存在しない場合は ErrNotFound を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Create は新規ジョブレコードを保存します。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && s.ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err()
}

// Delete はジョブレコードを削除します。
func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, jobKey(jobID)).Err()
}

// MarkProcessing はジョブを処理中に遷移させます。
func (s *Store) MarkProcessing(ctx context.Context, jobID string, attempt int) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusProcessing
		record.Attempts = attempt
		if record.Progress < 5 {
			record.Progress = 5
		}
		record.Message = "処理を開始しました"
	})
}

// UpdateProgress は進捗を更新します。逆行する進捗値は書き込みません。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, percent int, message string) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		if record.Status.IsTerminal() {
			return
		}
		if percent > record.Progress {
			record.Progress = percent
		}
		if message != "" {
			record.Message = message
		}
	})
}

// MarkCompleted はジョブ完了時の情報を保存します。
func (s *Store) MarkCompleted(ctx context.Context, jobID, outputRef string) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		now := time.Now().UTC()
		record.Status = StatusCompleted
		record.Progress = 100
		record.Message = "完了しました"
		record.OutputRef = outputRef
		record.CompletedAt = &now
		record.Error = nil
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		now := time.Now().UTC()
		record.Status = StatusFailed
		record.FailedAt = &now
		if errInfo != nil {
			record.Error = errInfo
		}
	})
}

// MarkCancelled はジョブを取消状態にします。終端状態のジョブには作用しません。
func (s *Store) MarkCancelled(ctx context.Context, jobID string) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		if record.Status.IsTerminal() {
			return
		}
		record.Status = StatusCancelled
		record.Message = "キャンセルされました"
	})
}

// updatePartial は WATCH による楽観的ロックのもとでレコードをマージ更新します。
// 競合時は上限回数まで再試行します。TTLは更新のたびに再設定されます。
func (s *Store) updatePartial(ctx context.Context, jobID string, mutate func(*Record)) error {
	key := jobKey(jobID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		mutate(&record)
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job update retries exhausted: %s", jobID)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
