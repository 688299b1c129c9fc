package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestLocalStorePutOpenStatDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore returned error: %v", err)
	}

	content := []byte("hello blob")
	written, err := store.Put(ctx, "job-1/in/input.bin", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if written != int64(len(content)) {
		t.Fatalf("Put wrote %d bytes, want %d", written, len(content))
	}

	size, err := store.Stat(ctx, "job-1/in/input.bin")
	if err != nil {
		t.Fatalf("Stat returned error: %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("Stat = %d, want %d", size, len(content))
	}

	reader, err := store.Open(ctx, "job-1/in/input.bin")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	got, err := io.ReadAll(reader)
	_ = reader.Close()
	if err != nil {
		t.Fatalf("failed to read blob: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("blob content = %q, want %q", got, content)
	}

	if err := store.Delete(ctx, "job-1/in/input.bin"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := store.Open(ctx, "job-1/in/input.bin"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("Open after delete = %v, want ErrNotExist", err)
	}
}

func TestLocalStorePutOverwrites(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore returned error: %v", err)
	}

	if _, err := store.Put(ctx, "key", bytes.NewReader([]byte("first version"))); err != nil {
		t.Fatalf("first Put returned error: %v", err)
	}
	if _, err := store.Put(ctx, "key", bytes.NewReader([]byte("second"))); err != nil {
		t.Fatalf("second Put returned error: %v", err)
	}

	size, err := store.Stat(ctx, "key")
	if err != nil {
		t.Fatalf("Stat returned error: %v", err)
	}
	if size != int64(len("second")) {
		t.Fatalf("Stat = %d, want %d", size, len("second"))
	}
}

func TestLocalStoreMissingBlob(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore returned error: %v", err)
	}

	if _, err := store.Open(ctx, "missing"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("Open = %v, want ErrNotExist", err)
	}
	if _, err := store.Stat(ctx, "missing"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("Stat = %v, want ErrNotExist", err)
	}
	// 存在しないBLOBの削除は成功扱い
	if err := store.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
}

func TestLocalStoreRejectsInvalidKeys(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore returned error: %v", err)
	}

	for _, key := range []string{"", "..", "../escape", "/abs/path", "a/../../b"} {
		if _, err := store.Put(ctx, key, bytes.NewReader(nil)); err == nil {
			t.Errorf("Put(%q) succeeded, want error", key)
		}
		if _, err := store.Open(ctx, key); err == nil || errors.Is(err, ErrNotExist) {
			t.Errorf("Open(%q) = %v, want key validation error", key, err)
		}
	}
}
