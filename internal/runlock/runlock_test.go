package runlock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestTryAcquireAndRelease(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "runtime", "global_run.lock"))

	if err := lock.TryAcquire(os.Getpid()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	holder, err := lock.HolderPID()
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if holder != os.Getpid() {
		t.Fatalf("expected holder %d, got %d", os.Getpid(), holder)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	holder, err = lock.HolderPID()
	if err != nil {
		t.Fatalf("holder after release: %v", err)
	}
	if holder != 0 {
		t.Fatalf("expected lock cleared, holder %d", holder)
	}
}

func TestSecondAcquireBlockedByLivePID(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "global_run.lock"))

	if err := lock.TryAcquire(os.Getpid()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err := lock.TryAcquire(os.Getpid() + 1)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
}

func TestAcquireReapsDeadHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global_run.lock")
	// A PID far beyond pid_max on any sane host.
	if err := os.WriteFile(path, []byte("999999999\n"), 0644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	lock := New(path)
	if err := lock.TryAcquire(os.Getpid()); err != nil {
		t.Fatalf("expected dead holder to be reaped, got %v", err)
	}
	holder, _ := lock.HolderPID()
	if holder != os.Getpid() {
		t.Fatalf("expected new holder, got %d", holder)
	}
}

func TestReapIfStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global_run.lock")
	lock := New(path)

	reaped, err := lock.ReapIfStale()
	if err != nil {
		t.Fatalf("reap empty: %v", err)
	}
	if reaped {
		t.Fatalf("nothing to reap on missing lock")
	}

	if err := os.WriteFile(path, []byte("999999999\n"), 0644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	reaped, err = lock.ReapIfStale()
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if !reaped {
		t.Fatalf("expected stale lock to be reaped")
	}

	if err := lock.TryAcquire(os.Getpid()); err != nil {
		t.Fatalf("acquire after reap: %v", err)
	}
	reaped, err = lock.ReapIfStale()
	if err != nil {
		t.Fatalf("reap live: %v", err)
	}
	if reaped {
		t.Fatalf("live holder must not be reaped")
	}
}

func TestReapClearsGarbageLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global_run.lock")
	if err := os.WriteFile(path, []byte("not a pid"), 0644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	lock := New(path)
	reaped, err := lock.ReapIfStale()
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if !reaped {
		t.Fatalf("expected garbage lock to be cleared")
	}
}
