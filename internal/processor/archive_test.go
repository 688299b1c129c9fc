package processor

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/yourusername/fileflow/internal/storage"
)

func TestArchiveProcessor(t *testing.T) {
	ctx := context.Background()
	blobs, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore returned error: %v", err)
	}
	ws := NewWorkspace(t.TempDir())

	input := []byte("report body")
	inputRef := "job-1/in/report.txt"
	if _, err := blobs.Put(ctx, inputRef, bytes.NewReader(input)); err != nil {
		t.Fatalf("failed to store input blob: %v", err)
	}

	var progress []int
	fn := NewArchive(ws, blobs)
	outputRef, err := fn(ctx, Job{
		ID:           "job-1",
		Operation:    "archive",
		InputRef:     inputRef,
		OriginalName: "report.txt",
	}, func(percent int, _ string) {
		progress = append(progress, percent)
	})
	if err != nil {
		t.Fatalf("archive processor returned error: %v", err)
	}
	if outputRef != "job-1/out/archive.zip" {
		t.Fatalf("unexpected outputRef: %s", outputRef)
	}
	if len(progress) == 0 {
		t.Fatal("processor reported no progress")
	}

	reader, err := blobs.Open(ctx, outputRef)
	if err != nil {
		t.Fatalf("failed to open output blob: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("failed to read output blob: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("output is not a valid zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "report.txt" {
		t.Fatalf("unexpected zip entries: %#v", zr.File)
	}
	entry, err := zr.File[0].Open()
	if err != nil {
		t.Fatalf("failed to open zip entry: %v", err)
	}
	defer entry.Close()
	body, err := io.ReadAll(entry)
	if err != nil {
		t.Fatalf("failed to read zip entry: %v", err)
	}
	if !bytes.Equal(body, input) {
		t.Fatalf("zip entry body = %q, want %q", body, input)
	}
}

// 同一ジョブIDでの再実行は同じ出力キーを上書きし、作業領域を残さない。
func TestArchiveProcessorIdempotent(t *testing.T) {
	ctx := context.Background()
	blobs, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore returned error: %v", err)
	}
	workDir := t.TempDir()
	ws := NewWorkspace(workDir)

	inputRef := "job-1/in/report.txt"
	if _, err := blobs.Put(ctx, inputRef, bytes.NewReader([]byte("payload"))); err != nil {
		t.Fatalf("failed to store input blob: %v", err)
	}

	fn := NewArchive(ws, blobs)
	job := Job{ID: "job-1", Operation: "archive", InputRef: inputRef, OriginalName: "report.txt"}

	first, err := fn(ctx, job, nil)
	if err != nil {
		t.Fatalf("first run returned error: %v", err)
	}
	second, err := fn(ctx, job, nil)
	if err != nil {
		t.Fatalf("second run returned error: %v", err)
	}
	if first != second {
		t.Fatalf("output keys differ between runs: %s vs %s", first, second)
	}

	if _, err := os.Stat(filepath.Join(workDir, "job-1")); !os.IsNotExist(err) {
		t.Fatalf("staging dir should be cleaned up, stat err = %v", err)
	}
}

func TestArchiveProcessorMissingInput(t *testing.T) {
	ctx := context.Background()
	blobs, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore returned error: %v", err)
	}
	ws := NewWorkspace(t.TempDir())

	fn := NewArchive(ws, blobs)
	if _, err := fn(ctx, Job{ID: "job-1", Operation: "archive", InputRef: "job-1/in/missing.txt"}, nil); err == nil {
		t.Fatal("expected error for missing input blob")
	}
}
