package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	downloadTokenPrefix  = "download:token:"
	downloadWindowPrefix = "download:count:"
)

// errTokenNotFound はトークンが無効または期限切れであることを表します。
var errTokenNotFound = errors.New("download token not found")

// errDownloadLimited はウィンドウあたりの発行上限超過を表します。
var errDownloadLimited = errors.New("download rate limited")

// Downloads は短命なダウンロードURLの発行と、ジョブ単位の
// 発行回数制限を管理します。
type Downloads struct {
	rdb      *redis.Client
	tokenTTL time.Duration
	maxCount int
	window   time.Duration
}

// NewDownloads は Downloads を作成します。
func NewDownloads(rdb *redis.Client, tokenTTL time.Duration, maxCount int, window time.Duration) *Downloads {
	if tokenTTL <= 0 {
		tokenTTL = 60 * time.Second
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Downloads{
		rdb:      rdb,
		tokenTTL: tokenTTL,
		maxCount: maxCount,
		window:   window,
	}
}

// TokenTTL は発行するトークンの有効期限を返します。
func (d *Downloads) TokenTTL() time.Duration {
	return d.tokenTTL
}

type tokenPayload struct {
	JobID     string `json:"jobId"`
	OutputRef string `json:"outputRef"`
	FileName  string `json:"fileName"`
}

// Allow はジョブに対するダウンロード発行を1回分消費します。
// カウンターはウィンドウキーへの単一のINCRで、初回のみ有効期限を設定します。
func (d *Downloads) Allow(ctx context.Context, jobID string) error {
	if d.maxCount <= 0 {
		return nil
	}
	key := fmt.Sprintf("%s%s:%d", downloadWindowPrefix, jobID, time.Now().Unix()/int64(d.window.Seconds()))
	count, err := d.rdb.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if count == 1 {
		// 次のウィンドウに切り替わった後も残らないよう2ウィンドウ分で消す
		d.rdb.Expire(ctx, key, 2*d.window)
	}
	if count > int64(d.maxCount) {
		return errDownloadLimited
	}
	return nil
}

// Issue は成果物参照に対する短命トークンを発行します。
func (d *Downloads) Issue(ctx context.Context, jobID, outputRef, fileName string) (string, error) {
	token := uuid.NewString()
	payload, err := json.Marshal(&tokenPayload{
		JobID:     jobID,
		OutputRef: outputRef,
		FileName:  fileName,
	})
	if err != nil {
		return "", err
	}
	if err := d.rdb.Set(ctx, downloadTokenPrefix+token, payload, d.tokenTTL).Err(); err != nil {
		return "", err
	}
	return token, nil
}

// Resolve はトークンから成果物参照を引きます。
func (d *Downloads) Resolve(ctx context.Context, token string) (*tokenPayload, error) {
	data, err := d.rdb.Get(ctx, downloadTokenPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errTokenNotFound
		}
		return nil, err
	}
	var payload tokenPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
