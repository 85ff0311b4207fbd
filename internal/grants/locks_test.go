package grants

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsgate/ssmctl/internal/testutil/testlog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), 2*time.Second, time.Minute)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestInstanceLockExcludesSecondAcquire(t *testing.T) {
	testlog.Start(t)

	store := newTestStore(t)
	ctx := context.Background()

	lock, err := store.AcquireInstanceLock(ctx, "i-0abc", time.Second, time.Hour)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer lock.Release()

	_, err = store.AcquireInstanceLock(ctx, "i-0abc", 300*time.Millisecond, time.Hour)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestInstanceLockReleaseAllowsReacquire(t *testing.T) {
	testlog.Start(t)

	store := newTestStore(t)
	ctx := context.Background()

	lock, err := store.AcquireInstanceLock(ctx, "i-0abc", time.Second, time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lock.Release()

	again, err := store.AcquireInstanceLock(ctx, "i-0abc", time.Second, time.Hour)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	again.Release()
}

func TestStaleInstanceLockIsReclaimed(t *testing.T) {
	testlog.Start(t)

	store := newTestStore(t)
	ctx := context.Background()

	// Simulate a crashed process: lock dir exists, mtime in the past.
	path := store.instanceLockPath("i-0abc")
	if err := os.MkdirAll(path, 0o700); err != nil {
		t.Fatalf("plant stale lock: %v", err)
	}
	old := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("backdate lock: %v", err)
	}

	started := time.Now()
	lock, err := store.AcquireInstanceLock(ctx, "i-0abc", 30*time.Second, 5*time.Minute)
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	defer lock.Release()
	if waited := time.Since(started); waited > 5*time.Second {
		t.Fatalf("reclaim should not wait out the bound, took %s", waited)
	}
}

func TestInstanceLockMutualExclusionUnderContention(t *testing.T) {
	testlog.Start(t)

	store := newTestStore(t)
	ctx := context.Background()

	var holders atomic.Int64
	var violations atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := store.AcquireInstanceLock(ctx, "i-0abc", 5*time.Second, time.Hour)
			if err != nil {
				violations.Add(1)
				return
			}
			if holders.Add(1) != 1 {
				violations.Add(1)
			}
			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)
			lock.Release()
		}()
	}
	wg.Wait()
	if violations.Load() != 0 {
		t.Fatalf("lock exclusion violated %d times", violations.Load())
	}
}

func TestStaleReclaimKeepsInstanceLockExclusive(t *testing.T) {
	testlog.Start(t)

	store := newTestStore(t)
	ctx := context.Background()
	path := store.instanceLockPath("i-0abc")

	// Every round starts from a planted stale lock that all contenders see
	// at once, so reclamation and acquisition race on the same directory.
	for round := 0; round < 6; round++ {
		if err := os.MkdirAll(path, 0o700); err != nil {
			t.Fatalf("plant stale lock: %v", err)
		}
		old := time.Now().Add(-time.Hour)
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("backdate: %v", err)
		}

		var holders atomic.Int64
		var violations atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lock, err := store.AcquireInstanceLock(ctx, "i-0abc", 5*time.Second, 30*time.Minute)
				if err != nil {
					violations.Add(1)
					return
				}
				if holders.Add(1) != 1 {
					violations.Add(1)
				}
				time.Sleep(time.Millisecond)
				holders.Add(-1)
				lock.Release()
			}()
		}
		wg.Wait()
		if violations.Load() != 0 {
			t.Fatalf("round %d: stale reclaim let multiple holders in", round)
		}
	}
}

func TestStaleReclaimKeepsRegistryLockExclusive(t *testing.T) {
	testlog.Start(t)

	store := newTestStore(t)
	ctx := context.Background()
	path := store.ledgerPath() + ".lock"

	if err := os.WriteFile(path, []byte("dead|0\n"), 0o600); err != nil {
		t.Fatalf("plant stale registry lock: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	var holders atomic.Int64
	var violations atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := store.acquireRegistryLock(ctx, 5*time.Second, 30*time.Minute)
			if err != nil {
				violations.Add(1)
				return
			}
			if holders.Add(1) != 1 {
				violations.Add(1)
			}
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			release()
		}()
	}
	wg.Wait()
	if violations.Load() != 0 {
		t.Fatalf("registry reclaim let multiple holders in")
	}
}

func TestReclaimStaleLocksSweepsOnlyOldOnes(t *testing.T) {
	testlog.Start(t)

	store := newTestStore(t)
	ctx := context.Background()

	fresh, err := store.AcquireInstanceLock(ctx, "i-fresh", time.Second, time.Hour)
	if err != nil {
		t.Fatalf("acquire fresh: %v", err)
	}
	defer fresh.Release()

	stalePath := store.instanceLockPath("i-stale")
	if err := os.MkdirAll(stalePath, 0o700); err != nil {
		t.Fatalf("plant stale: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stalePath, old, old); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if n := store.ReclaimStaleLocks(5 * time.Minute); n != 1 {
		t.Fatalf("expected 1 reclaimed lock, got %d", n)
	}
	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Fatalf("stale lock still present")
	}
	if _, err := os.Stat(store.instanceLockPath("i-fresh")); err != nil {
		t.Fatalf("fresh lock swept: %v", err)
	}
}
