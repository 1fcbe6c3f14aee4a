package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notifyhub/internal/storage/storagetest"
)

func TestSQLLockerSingleFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.NewTestStore(t)
	a := NewSQLLocker(st, "inst-a")
	b := NewSQLLocker(st, "inst-b")

	la, ok, err := a.Acquire(ctx, "dispatch", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: %v, %v", ok, err)
	}
	if _, ok, _ := b.Acquire(ctx, "dispatch", time.Minute); ok {
		t.Fatal("second instance acquired a held lease")
	}
	if _, ok, _ := a.Acquire(ctx, "dispatch", time.Minute); ok {
		t.Fatal("same instance acquired a held lease twice")
	}
	if _, ok, _ := b.Acquire(ctx, "report", time.Minute); !ok {
		t.Fatal("different name should be free")
	}

	if err := la.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := la.Release(ctx); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if _, ok, _ := b.Acquire(ctx, "dispatch", time.Minute); !ok {
		t.Fatal("lease not free after release")
	}
}

func TestSQLLockerTakesOverExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.NewTestStore(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })

	a := NewSQLLocker(st, "a")
	b := NewSQLLocker(st, "b")
	la, ok, _ := a.Acquire(ctx, "job", 10*time.Second)
	if !ok {
		t.Fatal("acquire failed")
	}
	now = now.Add(11 * time.Second)
	if _, ok, _ := b.Acquire(ctx, "job", 10*time.Second); !ok {
		t.Fatal("expired lease not taken over")
	}
	// The stale holder's release must not free b's lease.
	_ = la.Release(ctx)
	if _, ok, _ := a.Acquire(ctx, "job", 10*time.Second); ok {
		t.Fatal("stale release freed the new holder's lease")
	}
}

func TestSQLLockerConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.NewTestStore(t)
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := NewSQLLocker(st, "x").Acquire(ctx, "race", time.Minute); err == nil && ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	if won.Load() != 1 {
		t.Fatalf("winners = %d, want 1", won.Load())
	}
}
