package processor

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/yourusername/fileflow/internal/storage"
)

const archiveFilename = "archive.zip"

// NewArchive は入力BLOBをZIPアーカイブに詰め直すプロセッサを返します。
// 契約の参照実装として、作業領域の確保・掃除と進捗報告の作法を示します。
func NewArchive(ws *Workspace, blobs storage.BlobStore) Func {
	return func(ctx context.Context, job Job, report Reporter) (_ string, err error) {
		Report(report, 10, "入力ファイルを取得しています")

		stage, err := ws.Stage(job.ID)
		if err != nil {
			return "", err
		}
		defer func() {
			if cleanupErr := stage.Cleanup(); cleanupErr != nil && err == nil {
				err = fmt.Errorf("作業ディレクトリの削除に失敗しました: %w", cleanupErr)
			}
		}()

		inputName := job.OriginalName
		if inputName == "" {
			inputName = path.Base(job.InputRef)
		}
		inputPath := filepath.Join(stage.InDir, filepath.Base(inputName))
		if err := fetchBlob(ctx, blobs, job.InputRef, inputPath); err != nil {
			return "", err
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
		Report(report, 40, "アーカイブを作成しています")

		outputPath := filepath.Join(stage.OutDir, archiveFilename)
		if err := writeZip(outputPath, inputPath, filepath.Base(inputName)); err != nil {
			return "", fmt.Errorf("アーカイブの作成に失敗しました: %w", err)
		}

		Report(report, 80, "成果物を保存しています")

		// 出力キーはジョブID起点で決定的に決まるため、再実行時は同じキーを上書きする
		outputRef := path.Join(job.ID, "out", archiveFilename)
		file, err := os.Open(outputPath)
		if err != nil {
			return "", fmt.Errorf("アーカイブの読み込みに失敗しました: %w", err)
		}
		defer file.Close()

		if _, err := blobs.Put(ctx, outputRef, file); err != nil {
			return "", fmt.Errorf("成果物の保存に失敗しました: %w", err)
		}

		return outputRef, nil
	}
}

func fetchBlob(ctx context.Context, blobs storage.BlobStore, key, dest string) error {
	src, err := blobs.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("入力ファイルの取得に失敗しました: %w", err)
	}
	defer src.Close()

	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("入力ファイルの保存に失敗しました: %w", err)
	}
	_, err = io.Copy(file, src)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("入力ファイルの保存に失敗しました: %w", err)
	}
	return nil
}

func writeZip(zipPath, inputPath, entryName string) error {
	out, err := os.OpenFile(zipPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	entry, err := zw.Create(entryName)
	if err != nil {
		_ = zw.Close()
		return err
	}

	in, err := os.Open(inputPath)
	if err != nil {
		_ = zw.Close()
		return err
	}
	defer in.Close()

	if _, err := io.Copy(entry, in); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}
