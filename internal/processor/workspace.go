package processor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Workspace はプロセッサの作業ディレクトリをジョブID単位で確保します。
// 同一ジョブIDでの再実行時は前回の残骸を消してから作り直すため、
// 再配送（at-least-once）に対して安全です。
type Workspace struct {
	baseDir string
}

// NewWorkspace は Workspace を作成します。
func NewWorkspace(baseDir string) *Workspace {
	return &Workspace{baseDir: baseDir}
}

// Stage はジョブ専用の作業領域を表します。
type Stage struct {
	JobID  string
	Dir    string
	InDir  string
	OutDir string

	cleanupOnce sync.Once
	cleanupErr  error
}

// Stage はジョブIDに対応する作業領域を用意します。
// 既存のディレクトリがあれば削除してから作り直します。
func (w *Workspace) Stage(jobID string) (*Stage, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	dir := filepath.Join(w.baseDir, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("作業ディレクトリの初期化に失敗しました: %w", err)
	}

	stage := &Stage{
		JobID:  jobID,
		Dir:    dir,
		InDir:  filepath.Join(dir, "in"),
		OutDir: filepath.Join(dir, "out"),
	}
	for _, d := range []string{stage.InDir, stage.OutDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
		}
	}
	return stage, nil
}

// Cleanup は作業ディレクトリを削除します。複数回呼んでも安全です。
func (s *Stage) Cleanup() error {
	if s == nil {
		return nil
	}
	s.cleanupOnce.Do(func() {
		s.cleanupErr = os.RemoveAll(s.Dir)
	})
	return s.cleanupErr
}
