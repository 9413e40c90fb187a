package lease

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const testStale = 90 * time.Second

func testLock(t *testing.T) *Lock {
	t.Helper()
	return NewLock(filepath.Join(t.TempDir(), "leader.lease"))
}

func TestAcquire(t *testing.T) {
	lock := testLock(t)
	now := time.Now()

	res := lock.Acquire("nonce-a", now, testStale)
	if !res.OK {
		t.Fatal("first acquire should succeed")
	}
	if res.OwnerPid != os.Getpid() {
		t.Errorf("owner pid: got %d, want %d", res.OwnerPid, os.Getpid())
	}

	rec, err := lock.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Nonce != "nonce-a" {
		t.Errorf("nonce: got %q, want nonce-a", rec.Nonce)
	}
	if rec.AcquiredAt != now.UnixMilli() || rec.RefreshedAt != now.UnixMilli() {
		t.Error("acquired_at and refreshed_at should both be set to now")
	}
}

func TestAcquire_HeldLeaseRejected(t *testing.T) {
	lock := testLock(t)
	now := time.Now()

	if res := lock.Acquire("nonce-a", now, testStale); !res.OK {
		t.Fatal("first acquire should succeed")
	}

	// The holder is this same process, so the lease is live.
	res := lock.Acquire("nonce-b", now.Add(time.Second), testStale)
	if res.OK {
		t.Fatal("second acquire against a live lease should fail")
	}
	if res.OwnerPid != os.Getpid() {
		t.Errorf("reported owner: got %d, want %d", res.OwnerPid, os.Getpid())
	}

	// The original nonce must survive the failed attempt.
	rec, err := lock.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Nonce != "nonce-a" {
		t.Errorf("nonce after failed acquire: got %q, want nonce-a", rec.Nonce)
	}
}

func TestAcquire_Exclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leader.lease")
	now := time.Now()

	// Many concurrent attempts through independent Lock values; exactly one
	// must win.
	const n = 16
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		nonce := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if NewLock(path).Acquire(nonce, now, testStale).OK {
				wins <- nonce
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly 1 winner, got %d: %v", len(winners), winners)
	}

	rec, err := ReadRecord(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Nonce != winners[0] {
		t.Errorf("on-disk nonce %q does not match winner %q", rec.Nonce, winners[0])
	}
}

func TestAcquire_StaleTakeover(t *testing.T) {
	lock := testLock(t)
	now := time.Now()

	if res := lock.Acquire("old-nonce", now, testStale); !res.OK {
		t.Fatal("seed acquire should succeed")
	}

	// Beyond the stale window the lease is reclaimable even though the
	// holder pid is alive.
	later := now.Add(testStale + time.Second)
	res := lock.Acquire("new-nonce", later, testStale)
	if !res.OK {
		t.Fatal("stale lease should be reclaimable")
	}

	rec, err := lock.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Nonce != "new-nonce" {
		t.Errorf("nonce: got %q, want new-nonce", rec.Nonce)
	}
}

func TestAcquire_DeadHolderTakeover(t *testing.T) {
	lock := testLock(t)
	now := time.Now()

	if res := lock.Acquire("dead-nonce", now, testStale); !res.OK {
		t.Fatal("seed acquire should succeed")
	}

	// Rewrite the record as a freshly-refreshed lease held by a pid that
	// cannot exist.
	rec, _ := lock.Read()
	rec.Pid = 1 << 22
	if err := lock.writeRecord(rec); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	res := lock.Acquire("live-nonce", now.Add(time.Second), testStale)
	if !res.OK {
		t.Fatal("lease held by a dead pid should be reclaimable")
	}
}

func TestAcquire_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leader.lease")
	lock := NewLock(path)
	now := time.Now()

	if err := os.WriteFile(path, []byte("{{{ not yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	// Fresh mtime: the corrupt file is treated as locked.
	if res := lock.Acquire("n1", now, testStale); res.OK {
		t.Fatal("corrupt lease with fresh mtime should block acquisition")
	}

	// Old mtime: reclaimable.
	old := now.Add(-testStale - time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	if res := lock.Acquire("n2", now, testStale); !res.OK {
		t.Fatal("corrupt lease with stale mtime should be reclaimable")
	}
}

func TestRefresh(t *testing.T) {
	lock := testLock(t)
	now := time.Now()

	lock.Acquire("nonce-a", now, testStale)

	later := now.Add(15 * time.Second)
	if !lock.Refresh("nonce-a", later) {
		t.Fatal("refresh with matching nonce should succeed")
	}

	rec, err := lock.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.RefreshedAt != later.UnixMilli() {
		t.Errorf("refreshed_at: got %d, want %d", rec.RefreshedAt, later.UnixMilli())
	}
	if rec.AcquiredAt != now.UnixMilli() {
		t.Error("acquired_at must not change on refresh")
	}
}

func TestRefresh_NonceMismatch(t *testing.T) {
	lock := testLock(t)
	now := time.Now()

	lock.Acquire("nonce-a", now, testStale)

	if lock.Refresh("different-nonce", now.Add(time.Second)) {
		t.Fatal("refresh with a foreign nonce must fail")
	}
}

func TestRefresh_AbsentLease(t *testing.T) {
	lock := testLock(t)
	if lock.Refresh("any", time.Now()) {
		t.Fatal("refresh without a lease file must fail")
	}
}

func TestRelease(t *testing.T) {
	lock := testLock(t)
	now := time.Now()

	lock.Acquire("nonce-a", now, testStale)
	lock.Release("nonce-a")

	if _, err := lock.Read(); err == nil {
		t.Fatal("lease file should be gone after release")
	}
}

func TestRelease_NonOwnerNoop(t *testing.T) {
	lock := testLock(t)
	now := time.Now()

	lock.Acquire("nonce-a", now, testStale)
	lock.Release("someone-else")

	rec, err := lock.Read()
	if err != nil {
		t.Fatalf("lease should survive a non-owner release: %v", err)
	}
	if rec.Nonce != "nonce-a" {
		t.Errorf("nonce: got %q, want nonce-a", rec.Nonce)
	}
}

func TestReadRecord_Incomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leader.lease")
	if err := os.WriteFile(path, []byte("pid: 0\nnonce: \"\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadRecord(path); err == nil {
		t.Fatal("record without pid and nonce must be rejected")
	}
}

func TestAbsentOrStale(t *testing.T) {
	lock := testLock(t)
	now := time.Now()

	if !lock.AbsentOrStale(now, testStale) {
		t.Error("absent lease should report true")
	}

	lock.Acquire("nonce-a", now, testStale)
	if lock.AbsentOrStale(now.Add(time.Second), testStale) {
		t.Error("fresh lease should report false")
	}
	if !lock.AbsentOrStale(now.Add(testStale+time.Second), testStale) {
		t.Error("expired lease should report true")
	}
}
