package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/yourusername/fileflow/internal/processor"
)

func TestRetryDelayFuncGrowsAndCaps(t *testing.T) {
	base := 5 * time.Second
	fn := retryDelayFunc(base)

	prev := time.Duration(0)
	for n := 0; n < 4; n++ {
		delay := fn(n, nil, nil)
		want := base << uint(n)
		if delay < want || delay > want+want/2 {
			t.Fatalf("delay(n=%d) = %s, want within [%s, %s]", n, delay, want, want+want/2)
		}
		if delay <= prev/2 {
			t.Fatalf("delay(n=%d) = %s did not grow from %s", n, delay, prev)
		}
		prev = delay
	}

	// 大きな n でも上限を超えない（ジッター分を除く）
	if delay := fn(30, nil, nil); delay > maxRetryDelay+maxRetryDelay/2 {
		t.Fatalf("delay(n=30) = %s exceeds cap", delay)
	}
}

func TestRetryDelayFuncZeroBase(t *testing.T) {
	fn := retryDelayFunc(0)
	if delay := fn(0, nil, nil); delay <= 0 {
		t.Fatalf("delay = %s, want positive default", delay)
	}
}

func TestEnqueueValidation(t *testing.T) {
	store := newFakeStore()
	manager := newTestManager(t, store, processor.NewRegistry())
	ctx := context.Background()

	if err := manager.Enqueue(ctx, nil); err == nil {
		t.Fatal("expected error for nil payload")
	}
	if err := manager.Enqueue(ctx, &TaskPayload{Operation: "archive"}); err == nil {
		t.Fatal("expected error for missing jobID")
	}
	if err := manager.Enqueue(ctx, &TaskPayload{JobID: "job-1"}); err == nil {
		t.Fatal("expected error for missing operation")
	}
	if len(store.records) != 0 {
		t.Fatalf("invalid payloads must not create records, got %d", len(store.records))
	}
}
