package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLedger(rdb), mr
}

func TestRedisLedgerReserve(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	if err := ledger.Reserve(ctx, "res-1", time.Minute, 2); err != nil {
		t.Fatalf("first Reserve returned error: %v", err)
	}
	if err := ledger.Reserve(ctx, "res-2", time.Minute, 2); err != nil {
		t.Fatalf("second Reserve returned error: %v", err)
	}
	if err := ledger.Reserve(ctx, "res-3", time.Minute, 2); !errors.Is(err, ErrBusy) {
		t.Fatalf("third Reserve = %v, want ErrBusy", err)
	}

	if n, err := ledger.Count(ctx); err != nil || n != 2 {
		t.Fatalf("Count = %d, %v, want 2", n, err)
	}
	state, err := ledger.State(ctx, "res-1")
	if err != nil || state != StateReserved {
		t.Fatalf("State = %q, %v, want reserved", state, err)
	}
}

func TestRedisLedgerReserveNoSlots(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if err := ledger.Reserve(context.Background(), "res-1", time.Minute, 0); !errors.Is(err, ErrBusy) {
		t.Fatalf("Reserve with no slots = %v, want ErrBusy", err)
	}
}

// 同時に予約しても slots を超えないこと。
func TestRedisLedgerReserveConcurrent(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	const callers = 8
	const slots = 3

	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved := 0

	ids := make([]string, callers)
	for i := range ids {
		ids[i] = "res-" + string(rune('a'+i))
	}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := ledger.Reserve(ctx, id, time.Minute, slots)
			if err == nil {
				mu.Lock()
				reserved++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrBusy) {
				// 競合でフェイルクローズした呼び出しも受付拒否であり、
				// 予約は作成されない
				t.Logf("Reserve rejected: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if reserved < 1 || reserved > slots {
		t.Fatalf("reserved = %d, want between 1 and %d", reserved, slots)
	}
	n, err := ledger.Count(ctx)
	if err != nil {
		t.Fatalf("Count returned error: %v", err)
	}
	if n != reserved {
		t.Fatalf("ledger count = %d, want %d", n, reserved)
	}
	if n > slots {
		t.Fatalf("ledger count = %d, must not exceed %d", n, slots)
	}
}

func TestRedisLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	if err := ledger.Reserve(ctx, "res-1", time.Minute, 5); err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if err := ledger.Reserve(ctx, "res-2", time.Minute, 5); err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}

	oldest, err := ledger.PopOldest(ctx)
	if err != nil || oldest != "res-1" {
		t.Fatalf("PopOldest = %q, %v, want res-1", oldest, err)
	}
	if err := ledger.MarkTransferred(ctx, oldest); err != nil {
		t.Fatalf("MarkTransferred returned error: %v", err)
	}
	state, _ := ledger.State(ctx, oldest)
	if state != StateTransferred {
		t.Fatalf("State = %q, want transferred", state)
	}

	if err := ledger.Remove(ctx, "res-2"); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if n, _ := ledger.Count(ctx); n != 0 {
		t.Fatalf("Count = %d, want 0", n)
	}
	state, _ = ledger.State(ctx, "res-2")
	if state != StateUnknown {
		t.Fatalf("State after Remove = %q, want unknown", state)
	}

	if err := ledger.Drop(ctx, oldest); err != nil {
		t.Fatalf("Drop returned error: %v", err)
	}
}

// 状態キーはTTLで消えるが、リスト上の残骸は受付側の掃除に委ねられる。
func TestRedisLedgerStateExpiry(t *testing.T) {
	ctx := context.Background()
	ledger, mr := newTestLedger(t)

	if err := ledger.Reserve(ctx, "res-1", time.Minute, 5); err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	state, err := ledger.State(ctx, "res-1")
	if err != nil {
		t.Fatalf("State returned error: %v", err)
	}
	if state != StateUnknown {
		t.Fatalf("State after expiry = %q, want unknown", state)
	}
	if n, _ := ledger.Count(ctx); n != 1 {
		t.Fatalf("Count = %d, want 1 (list entry remains until pruned)", n)
	}

	if err := ledger.Remove(ctx, "res-1"); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if n, _ := ledger.Count(ctx); n != 0 {
		t.Fatalf("Count after prune = %d, want 0", n)
	}
}
