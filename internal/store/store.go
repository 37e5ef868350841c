// Package store persists the task aggregate on disk and serializes access
// across processes. Each task lives in a dated directory holding task.json
// (authoritative), current.md (rendered panel) and logs.jsonl (append-only).
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/metalagman/wave/internal/model"
	"github.com/metalagman/wave/internal/panel"
	"github.com/metalagman/wave/internal/waveerr"
)

// WaveDir is the per-project state directory name.
const WaveDir = ".wave"

// Store manages one project's task directories.
type Store struct {
	root  string
	locks *LockManager
	log   zerolog.Logger
	clock func() time.Time
}

// New creates a store rooted at the project directory.
func New(root string, locks *LockManager, log zerolog.Logger) *Store {
	return &Store{root: root, locks: locks, log: log, clock: time.Now}
}

// Root returns the project root the store is bound to.
func (s *Store) Root() string { return s.root }

func (s *Store) waveDir() string { return filepath.Join(s.root, WaveDir) }

func (s *Store) activePath() string { return filepath.Join(s.waveDir(), "active.json") }

// TaskDir returns the dated directory for a task.
func (s *Store) TaskDir(t *model.Task) string {
	return filepath.Join(s.waveDir(), "tasks",
		t.CreatedAt.UTC().Format("2006"),
		t.CreatedAt.UTC().Format("01"),
		t.CreatedAt.UTC().Format("02"),
		fmt.Sprintf("%s--%s", t.Slug, model.ShortID(t.ID)))
}

type activePointer struct {
	TaskID string `json:"task_id"`
	Dir    string `json:"dir"`
}

// Create initializes a new task on disk and makes it the active task.
func (s *Store) Create(ctx context.Context, t *model.Task) error {
	dir := s.TaskDir(t)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return permWrap(err, "create task dir")
	}
	lock, err := s.locks.AcquireWrite(ctx, dir, t.ID, nil)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if err := s.persist(t, dir, nil); err != nil {
		return err
	}
	if err := writeJSONAtomic(s.activePath(), activePointer{TaskID: t.ID, Dir: dir}); err != nil {
		return fmt.Errorf("write active pointer: %w", err)
	}
	return nil
}

// Active reports the active task id and directory, if any.
func (s *Store) Active() (string, string, bool, error) {
	data, err := os.ReadFile(s.activePath())
	if os.IsNotExist(err) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, permWrap(err, "read active pointer")
	}
	var ptr activePointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return "", "", false, fmt.Errorf("parse active pointer: %w", err)
	}
	return ptr.TaskID, ptr.Dir, true, nil
}

// ClearActive forgets the active task pointer (used after completion).
func (s *Store) ClearActive() error {
	if err := os.Remove(s.activePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear active pointer: %w", err)
	}
	return nil
}

// Load reads the active task under a read lock.
func (s *Store) Load(ctx context.Context) (*model.Task, string, error) {
	taskID, dir, ok, err := s.Active()
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", waveerr.New(waveerr.CodeNoActiveTask, "no active task in %s", s.root).
			WithNextAction("current_task_init")
	}
	lock, err := s.locks.AcquireRead(ctx, dir, taskID)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = lock.Release() }()

	t, err := readTask(dir)
	if err != nil {
		return nil, "", err
	}
	return t, dir, nil
}

// Mutate applies fn to the active task under the write lock: load, validate
// the expected version, mutate in memory, persist, release. A zero
// expectedVersion skips the check.
func (s *Store) Mutate(ctx context.Context, actor string, expectedVersion int, fn func(*model.Task) error) (*model.Task, error) {
	taskID, dir, ok, err := s.Active()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, waveerr.New(waveerr.CodeNoActiveTask, "no active task in %s", s.root).
			WithNextAction("current_task_init")
	}
	lock, err := s.locks.AcquireWrite(ctx, dir, taskID, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	t, err := readTask(dir)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && t.Version != expectedVersion {
		return nil, waveerr.New(waveerr.CodeVersionConflict,
			"task version is %d, expected %d; reload and retry", t.Version, expectedVersion)
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.Version++
	t.ModifiedBy = actor
	t.Touch(s.clock())

	logs, _, err := s.readLogsAt(dir)
	if err != nil {
		return nil, err
	}
	if err := s.persist(t, dir, logs); err != nil {
		return nil, err
	}
	return t, nil
}

// persist assigns ids where missing, re-renders the panel, refreshes the
// fingerprints and ETag and writes task.json and current.md atomically.
func (s *Store) persist(t *model.Task, dir string, logs []model.LogEntry) error {
	ensureIDs(t)
	now := t.UpdatedAt
	res, err := panel.RenderTask(t, logs, panel.RenderOptions{})
	if err != nil {
		return err
	}
	t.Fingerprints = panel.FingerprintsFromRender(res)
	t.MDVersion = panel.MDVersion(t.Fingerprints)

	final, err := panel.RenderTask(t, logs, panel.RenderOptions{
		FrontMatter:  true,
		MDVersion:    t.MDVersion,
		LastModified: &now,
	})
	if err != nil {
		return err
	}
	if err := writeJSONAtomic(filepath.Join(dir, "task.json"), t); err != nil {
		return fmt.Errorf("write task.json: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "current.md"), []byte(final.Markdown)); err != nil {
		return fmt.Errorf("write current.md: %w", err)
	}
	return nil
}

func ensureIDs(t *model.Task) {
	for i := range t.Plans {
		if t.Plans[i].ID == "" {
			t.Plans[i].ID = panel.MintID(panel.AnchorPlan)
		}
		for j := range t.Plans[i].Steps {
			if t.Plans[i].Steps[j].ID == "" {
				t.Plans[i].Steps[j].ID = panel.MintID(panel.AnchorStep)
			}
		}
	}
	for i := range t.EVRs {
		if t.EVRs[i].ID == "" {
			t.EVRs[i].ID = panel.MintID(panel.AnchorEVR)
		}
	}
}

func readTask(dir string) (*model.Task, error) {
	data, err := os.ReadFile(filepath.Join(dir, "task.json"))
	if err != nil {
		return nil, permWrap(err, "read task.json")
	}
	var t model.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse task.json: %w", err)
	}
	return &t, nil
}

// AppendLog appends entries to the task's append-only log stream. Commit
// order matches lock serialization order.
func (s *Store) AppendLog(ctx context.Context, entries ...model.LogEntry) error {
	taskID, dir, ok, err := s.Active()
	if err != nil {
		return err
	}
	if !ok {
		return waveerr.New(waveerr.CodeNoActiveTask, "no active task in %s", s.root).
			WithNextAction("current_task_init")
	}
	lock, err := s.locks.AcquireWrite(ctx, dir, taskID, nil)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	var buf []byte
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode log entry: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	f, err := os.OpenFile(filepath.Join(dir, "logs.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return permWrap(err, "open logs.jsonl")
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("append log entries: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close logs.jsonl: %w", err)
	}

	// The panel mirrors the log stream, so re-render it. The aggregate
	// version does not change; logs are not aggregate state.
	t, err := readTask(dir)
	if err != nil {
		return err
	}
	logs, _, err := s.readLogsAt(dir)
	if err != nil {
		return err
	}
	return s.persist(t, dir, logs)
}

// ReadLogs returns every log entry for the active task and the total count.
func (s *Store) ReadLogs(ctx context.Context) ([]model.LogEntry, int, error) {
	_, dir, ok, err := s.Active()
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, nil
	}
	return s.readLogsAt(dir)
}

func (s *Store) readLogsAt(dir string) ([]model.LogEntry, int, error) {
	f, err := os.Open(filepath.Join(dir, "logs.jsonl"))
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, permWrap(err, "open logs.jsonl")
	}
	defer f.Close()

	var entries []model.LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry model.LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.log.Warn().Err(err).Msg("skipping malformed log line")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan logs.jsonl: %w", err)
	}
	return entries, len(entries), nil
}

// ReadPanel returns the rendered panel text and its modification time.
func (s *Store) ReadPanel(ctx context.Context) ([]byte, time.Time, error) {
	_, dir, ok, err := s.Active()
	if err != nil {
		return nil, time.Time{}, err
	}
	if !ok {
		return nil, time.Time{}, waveerr.New(waveerr.CodeNoActiveTask, "no active task in %s", s.root).
			WithNextAction("current_task_init")
	}
	path := filepath.Join(dir, "current.md")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, permWrap(err, "read current.md")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, permWrap(err, "stat current.md")
	}
	return data, fi.ModTime(), nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return permWrap(err, "create dir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return permWrap(err, "write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func permWrap(err error, action string) error {
	if os.IsPermission(err) {
		return waveerr.Wrap(waveerr.CodeMissingPermissions, err, "%s: %v", action, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}
