package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/metalagman/wave/internal/waveerr"
)

// LockType distinguishes writers from readers.
type LockType string

const (
	LockWrite LockType = "write"
	LockRead  LockType = "read"
)

// LockInfo is the sentinel file content. A sentinel whose timestamp is older
// than its timeout is stale and may be broken by any contender.
type LockInfo struct {
	ID        string    `json:"id"`
	ProcessID int       `json:"process_id"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	TimeoutMS int64     `json:"timeout"`
	Type      LockType  `json:"type"`
}

// Lock is a held filesystem lock.
type Lock struct {
	ID     string
	Type   LockType
	taskID string
	path   string
	mgr    *LockManager
}

// LockManager serializes access to task directories across processes.
// Within the process it enforces the single-write-lock rule: acquiring a
// second write lock on the same task is rejected unless the caller names the
// lock it already holds.
type LockManager struct {
	retry   time.Duration
	timeout time.Duration
	lease   time.Duration
	log     zerolog.Logger
	clock   func() time.Time

	mu   sync.Mutex
	held map[string][]string // taskID -> held write lock ids
}

// NewLockManager builds a lock manager. Zero durations select the defaults:
// 100ms retry interval, 30s acquisition timeout, and a lease equal to the
// acquisition timeout.
func NewLockManager(retry, timeout time.Duration, log zerolog.Logger) *LockManager {
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LockManager{
		retry:   retry,
		timeout: timeout,
		lease:   timeout,
		log:     log,
		clock:   time.Now,
		held:    make(map[string][]string),
	}
}

func locksDir(taskDir string) string { return filepath.Join(taskDir, "locks") }

// AcquireWrite takes the exclusive write lock for a task directory. The
// caller must pass ids of write locks it already holds on the same task, or
// the acquisition is rejected to avoid self-deadlock.
func (m *LockManager) AcquireWrite(ctx context.Context, taskDir, taskID string, currentHeldLocks []string) (*Lock, error) {
	m.mu.Lock()
	if heldIDs := m.held[taskID]; len(heldIDs) > 0 && !containsAll(currentHeldLocks, heldIDs) {
		m.mu.Unlock()
		return nil, fmt.Errorf("write lock already held for task %s; pass currentHeldLocks to re-enter", taskID)
	}
	m.mu.Unlock()

	info := LockInfo{
		ID:        uuid.NewString(),
		ProcessID: os.Getpid(),
		TaskID:    taskID,
		TimeoutMS: m.lease.Milliseconds(),
		Type:      LockWrite,
	}
	path := filepath.Join(locksDir(taskDir), "write.lock")
	if err := m.acquire(ctx, taskDir, path, &info, func() (bool, error) {
		return m.readersPresent(taskDir)
	}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.held[taskID] = append(m.held[taskID], info.ID)
	m.mu.Unlock()
	return &Lock{ID: info.ID, Type: LockWrite, taskID: taskID, path: path, mgr: m}, nil
}

// AcquireRead takes a shared read lock. Multiple readers may hold it
// concurrently; no writer is admitted while readers are present.
func (m *LockManager) AcquireRead(ctx context.Context, taskDir, taskID string) (*Lock, error) {
	info := LockInfo{
		ID:        uuid.NewString(),
		ProcessID: os.Getpid(),
		TaskID:    taskID,
		TimeoutMS: m.lease.Milliseconds(),
		Type:      LockRead,
	}
	path := filepath.Join(locksDir(taskDir), "read-"+info.ID+".lock")
	if err := m.acquire(ctx, taskDir, path, &info, func() (bool, error) {
		return false, nil
	}); err != nil {
		return nil, err
	}
	return &Lock{ID: info.ID, Type: LockRead, taskID: taskID, path: path, mgr: m}, nil
}

// acquire retries sentinel creation at the bounded interval until the
// deadline. blocked reports an extra admission condition (readers, for
// writers) checked while the write sentinel slot is free.
func (m *LockManager) acquire(ctx context.Context, taskDir, path string, info *LockInfo, blocked func() (bool, error)) error {
	if err := os.MkdirAll(locksDir(taskDir), 0o755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	deadline := m.clock().Add(m.timeout)
	for {
		if err := m.breakStale(taskDir); err != nil {
			return err
		}
		writerHeld, err := m.writerPresent(taskDir, path)
		if err != nil {
			return err
		}
		if !writerHeld {
			isBlocked, err := blocked()
			if err != nil {
				return err
			}
			if !isBlocked {
				ok, err := m.tryCreate(path, info)
				if err != nil {
					return err
				}
				if ok {
					return nil
				}
			}
		}
		if m.clock().After(deadline) {
			return waveerr.New(waveerr.CodeLockTimeout,
				"could not acquire %s lock for task %s within %s; retry the operation", info.Type, info.TaskID, m.timeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock acquisition cancelled: %w", ctx.Err())
		case <-time.After(m.retry):
		}
	}
}

func (m *LockManager) tryCreate(path string, info *LockInfo) (bool, error) {
	info.Timestamp = m.clock().UTC()
	data, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("encode lock sentinel: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock sentinel: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("write lock sentinel: %w", err)
	}
	return true, nil
}

func (m *LockManager) writerPresent(taskDir, selfPath string) (bool, error) {
	writePath := filepath.Join(locksDir(taskDir), "write.lock")
	if writePath == selfPath {
		// The caller is trying to become the writer; existence is handled by
		// the exclusive create.
		_, err := os.Stat(writePath)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("stat write lock: %w", err)
		}
		return true, nil
	}
	_, err := os.Stat(writePath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat write lock: %w", err)
	}
	return true, nil
}

func (m *LockManager) readersPresent(taskDir string) (bool, error) {
	entries, err := os.ReadDir(locksDir(taskDir))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("list locks dir: %w", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "read-") {
			return true, nil
		}
	}
	return false, nil
}

// breakStale evicts sentinels whose timestamp is older than their own
// timeout, recording the eviction.
func (m *LockManager) breakStale(taskDir string) error {
	entries, err := os.ReadDir(locksDir(taskDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list locks dir: %w", err)
	}
	now := m.clock()
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		path := filepath.Join(locksDir(taskDir), entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var info LockInfo
		if err := json.Unmarshal(data, &info); err != nil {
			// Unreadable sentinels are treated as stale.
			_ = os.Remove(path)
			continue
		}
		lease := time.Duration(info.TimeoutMS) * time.Millisecond
		if lease <= 0 {
			lease = m.lease
		}
		if now.Sub(info.Timestamp) > lease {
			if err := os.Remove(path); err == nil {
				m.log.Warn().
					Str("task_id", info.TaskID).
					Str("lock_id", info.ID).
					Int("process_id", info.ProcessID).
					Str("type", string(info.Type)).
					Msg("evicted stale lock")
				appendEviction(taskDir, info, now)
			}
		}
	}
	return nil
}

// appendEviction records a lock eviction in the task's audit log.
func appendEviction(taskDir string, info LockInfo, now time.Time) {
	line := map[string]any{
		"ts":       now.UTC().Format(time.RFC3339),
		"level":    "warn",
		"category": "lock",
		"action":   "evict_stale",
		"message":  fmt.Sprintf("evicted stale %s lock %s held by process %d", info.Type, info.ID, info.ProcessID),
	}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(taskDir, "logs.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}

// Release removes the sentinel and the in-process bookkeeping.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if l.Type == LockWrite {
		l.mgr.mu.Lock()
		ids := l.mgr.held[l.taskID]
		for i, id := range ids {
			if id == l.ID {
				l.mgr.held[l.taskID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(l.mgr.held[l.taskID]) == 0 {
			delete(l.mgr.held, l.taskID)
		}
		l.mgr.mu.Unlock()
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock sentinel: %w", err)
	}
	return nil
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, id := range have {
		set[id] = true
	}
	for _, id := range want {
		if !set[id] {
			return false
		}
	}
	return true
}
