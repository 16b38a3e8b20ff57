package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petralabs/riskgate/internal/store"
)

func openTestDB(t *testing.T, dir string) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(dir, "riskgate.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestClaimThenComplete(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	tracker := New(db, time.Hour)
	ctx := context.Background()

	claim, err := tracker.Claim(ctx, "order-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claim.FirstClaim {
		t.Fatal("expected first claim")
	}

	result := json.RawMessage(`{"decision":"allow"}`)
	if err := tracker.Complete(ctx, "order-1", result); err != nil {
		t.Fatalf("complete: %v", err)
	}

	replay, err := tracker.Claim(ctx, "order-1")
	if err != nil {
		t.Fatalf("replay claim: %v", err)
	}
	if replay.FirstClaim {
		t.Fatal("replay must not be a first claim")
	}
	if string(replay.CachedResult) != string(result) {
		t.Fatalf("expected cached result %s, got %s", result, replay.CachedResult)
	}
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	tracker := New(db, time.Hour)
	ctx := context.Background()

	const n = 16
	var (
		winners int64
		cached  int64
		wg      sync.WaitGroup
	)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			claim, err := tracker.Claim(ctx, "order-race")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claim.FirstClaim {
				atomic.AddInt64(&winners, 1)
				// Simulate the execution the winner is responsible for.
				time.Sleep(10 * time.Millisecond)
				if err := tracker.Complete(ctx, "order-race", json.RawMessage(`{"ok":true}`)); err != nil {
					t.Errorf("complete: %v", err)
				}
				return
			}
			if string(claim.CachedResult) != `{"ok":true}` {
				t.Errorf("unexpected cached result: %s", claim.CachedResult)
			}
			atomic.AddInt64(&cached, 1)
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one first claim, got %d", winners)
	}
	if cached != n-1 {
		t.Fatalf("expected %d cached results, got %d", n-1, cached)
	}
}

func TestDuplicateCompletionIsConflict(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	tracker := New(db, time.Hour)
	ctx := context.Background()

	if _, err := tracker.Claim(ctx, "order-2"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := tracker.Complete(ctx, "order-2", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := tracker.Complete(ctx, "order-2", json.RawMessage(`{}`)); !errors.Is(err, ErrDuplicateCompletion) {
		t.Fatalf("expected ErrDuplicateCompletion, got %v", err)
	}
}

func TestRestartLeavesUnknownOutcome(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()

	first := New(db, time.Hour)
	if _, err := first.Claim(ctx, "order-crash"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// No Complete: simulate a crash, then a new process instance.
	restarted := New(db, time.Hour)

	_, err := restarted.Claim(ctx, "order-crash")
	if !errors.Is(err, ErrUnknownOutcome) {
		t.Fatalf("expected ErrUnknownOutcome, got %v", err)
	}
}

func TestPurgeExpiredKeepsInFlight(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	ctx := context.Background()

	current := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	tracker := New(db, time.Minute, WithClock(clock))

	if _, err := tracker.Claim(ctx, "done"); err != nil {
		t.Fatalf("claim done: %v", err)
	}
	if err := tracker.Complete(ctx, "done", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := tracker.Claim(ctx, "stuck"); err != nil {
		t.Fatalf("claim stuck: %v", err)
	}

	current = current.Add(2 * time.Minute)

	purged, err := tracker.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged record, got %d", purged)
	}

	// The in-flight claim must still block re-execution.
	if err := tracker.Complete(ctx, "stuck", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("in-flight claim was purged: %v", err)
	}
}

func TestExpiredCompletedKeyIsReclaimable(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	ctx := context.Background()

	current := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	tracker := New(db, time.Minute, WithClock(clock))

	if _, err := tracker.Claim(ctx, "order-3"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := tracker.Complete(ctx, "order-3", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	current = current.Add(time.Hour)

	claim, err := tracker.Claim(ctx, "order-3")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !claim.FirstClaim {
		t.Fatal("expected fresh claim after TTL expiry")
	}
}
