// Package storage はオブジェクトストレージの抽象化レイヤーを提供します。
// パイプライン本体はキーでBLOBを読み書きできることだけを前提とし、
// クラウド実装（GCS等）は外部コラボレーターとして差し替え可能です。
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist は指定キーのBLOBが存在しないことを表します。
var ErrNotExist = errors.New("blob not found")

// BlobStore はキー指定でBLOBを読み書きするストアです。
type BlobStore interface {
	// Put はBLOBを保存し、書き込んだバイト数を返します。
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Open はBLOBの読み取りストリームを返します。
	// 存在しない場合は ErrNotExist を返します。
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Stat はBLOBのサイズを返します。存在しない場合は ErrNotExist を返します。
	Stat(ctx context.Context, key string) (int64, error)
	// Delete はBLOBを削除します。存在しないキーはエラーになりません。
	Delete(ctx context.Context, key string) error
}
