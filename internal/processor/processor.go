// Package processor は変換処理の統一契約とディスパッチを提供します。
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Reporter は進捗更新用コールバックです。プロセッサは開始時と、
// 2秒を超えうる処理の前では必ず呼び出す契約です。
type Reporter func(percent int, message string)

// Report は nil セーフに進捗を報告します。範囲外の値は丸められます。
func Report(cb Reporter, percent int, message string) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(percent, message)
}

// Job はプロセッサに渡されるジョブ情報です。
type Job struct {
	ID           string          `json:"jobId"`
	Operation    string          `json:"operation"`
	InputRef     string          `json:"inputRef"`
	OriginalName string          `json:"originalName,omitempty"`
	Options      json.RawMessage `json:"options,omitempty"`
}

// Func は個々の変換処理が満たすべき契約です。
// 成果物のオブジェクトストアキーを返します。同一ジョブIDでの再実行に対して
// 冪等であること、失敗は単一の説明的なエラーに翻訳することが求められます。
type Func func(ctx context.Context, job Job, report Reporter) (outputRef string, err error)

// Registry は操作タグとプロセッサの対応を管理します。
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]Func),
	}
}

// Register はプロセッサを登録します。重複登録はエラーになります。
func (r *Registry) Register(operation string, fn Func) error {
	if operation == "" {
		return fmt.Errorf("operation is required")
	}
	if fn == nil {
		return fmt.Errorf("processor func is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[operation]; exists {
		return fmt.Errorf("processor already registered: %s", operation)
	}
	r.funcs[operation] = fn
	return nil
}

// Lookup は操作タグに対応するプロセッサを返します。
func (r *Registry) Lookup(operation string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[operation]
	return fn, ok
}

// Operations は登録済みの操作タグをソートして返します。
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.funcs))
	for op := range r.funcs {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
