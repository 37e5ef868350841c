package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/metalagman/wave/internal/waveerr"
)

func TestWriteLockExcludesSecondWriter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	m1 := NewLockManager(10*time.Millisecond, time.Second, zerolog.Nop())
	m2 := NewLockManager(10*time.Millisecond, 200*time.Millisecond, zerolog.Nop())

	lock, err := m1.AcquireWrite(ctx, dir, "task-1", nil)
	if err != nil {
		t.Fatalf("AcquireWrite: %v", err)
	}

	// A second contender (another process in production) times out.
	_, err = m2.AcquireWrite(ctx, dir, "task-1", nil)
	if waveerr.CodeOf(err) != waveerr.CodeLockTimeout {
		t.Fatalf("err = %v, want LOCK_TIMEOUT", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	lock2, err := m2.AcquireWrite(ctx, dir, "task-1", nil)
	if err != nil {
		t.Fatalf("AcquireWrite after release: %v", err)
	}
	_ = lock2.Release()
}

func TestWriteLockSelfDeadlockRejected(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	m := NewLockManager(10*time.Millisecond, 200*time.Millisecond, zerolog.Nop())

	lock, err := m.AcquireWrite(ctx, dir, "task-1", nil)
	if err != nil {
		t.Fatalf("AcquireWrite: %v", err)
	}
	defer func() { _ = lock.Release() }()

	_, err = m.AcquireWrite(ctx, dir, "task-1", nil)
	if err == nil {
		t.Fatalf("second acquisition without held lock ids succeeded")
	}
	if !strings.Contains(err.Error(), "already held") {
		t.Fatalf("err = %v, want re-entry rejection", err)
	}
}

func TestReadersBlockWriter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	m := NewLockManager(10*time.Millisecond, 200*time.Millisecond, zerolog.Nop())

	r1, err := m.AcquireRead(ctx, dir, "task-1")
	if err != nil {
		t.Fatalf("AcquireRead: %v", err)
	}
	r2, err := m.AcquireRead(ctx, dir, "task-1")
	if err != nil {
		t.Fatalf("second AcquireRead: %v", err)
	}

	if _, err := m.AcquireWrite(ctx, dir, "task-1", nil); waveerr.CodeOf(err) != waveerr.CodeLockTimeout {
		t.Fatalf("err = %v, want LOCK_TIMEOUT while readers present", err)
	}

	_ = r1.Release()
	_ = r2.Release()
	w, err := m.AcquireWrite(ctx, dir, "task-1", nil)
	if err != nil {
		t.Fatalf("AcquireWrite after readers released: %v", err)
	}
	_ = w.Release()
}

func TestStaleLockEvicted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	m := NewLockManager(10*time.Millisecond, time.Second, zerolog.Nop())

	// Sentinel from a crashed process: timestamp far beyond its own lease.
	stale := LockInfo{
		ID:        "dead-lock",
		ProcessID: 99999,
		Timestamp: time.Now().Add(-time.Hour),
		TaskID:    "task-1",
		TimeoutMS: 1000,
		Type:      LockWrite,
	}
	if err := os.MkdirAll(locksDir(dir), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(filepath.Join(locksDir(dir), "write.lock"), data, 0o644); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	lock, err := m.AcquireWrite(ctx, dir, "task-1", nil)
	if err != nil {
		t.Fatalf("AcquireWrite over stale sentinel: %v", err)
	}
	defer func() { _ = lock.Release() }()

	logData, err := os.ReadFile(filepath.Join(dir, "logs.jsonl"))
	if err != nil {
		t.Fatalf("read eviction log: %v", err)
	}
	if !strings.Contains(string(logData), "evict_stale") {
		t.Errorf("eviction not recorded: %s", logData)
	}
}

func TestUnreadableSentinelTreatedAsStale(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	m := NewLockManager(10*time.Millisecond, time.Second, zerolog.Nop())

	if err := os.MkdirAll(locksDir(dir), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(locksDir(dir), "write.lock"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	lock, err := m.AcquireWrite(ctx, dir, "task-1", nil)
	if err != nil {
		t.Fatalf("AcquireWrite over corrupt sentinel: %v", err)
	}
	_ = lock.Release()
}

func TestAcquireCancelled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewLockManager(50*time.Millisecond, 10*time.Second, zerolog.Nop())

	lock, err := m.AcquireWrite(context.Background(), dir, "task-1", nil)
	if err != nil {
		t.Fatalf("AcquireWrite: %v", err)
	}
	defer func() { _ = lock.Release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m2 := NewLockManager(50*time.Millisecond, 10*time.Second, zerolog.Nop())
	if _, err := m2.AcquireWrite(ctx, dir, "task-1", nil); err == nil {
		t.Fatalf("acquisition survived context cancellation")
	}
}
