package server

import (
	"context"
	"fmt"
	"time"

	"github.com/metalagman/wave/internal/model"
	"github.com/metalagman/wave/internal/panel"
	"github.com/metalagman/wave/internal/reconcile"
)

// syncPanel runs lazy synchronization for the active task: parse the panel,
// diff it against the task, resolve conflicts and write back the surviving
// content changes. Status edits from the panel stay pending. The returned
// task reflects any applied changes.
func (s *Server) syncPanel(ctx context.Context, sess *session, requestID string) (*model.Task, *reconcile.Result, *panel.Panel, error) {
	t, _, err := sess.store.Load(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	raw, mtime, err := sess.store.ReadPanel(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(raw) == 0 {
		return t, &reconcile.Result{MDVersion: t.MDVersion}, nil, nil
	}

	p, err := panel.Parse(raw, panel.Config{
		MaxFixes: sess.cfg.Sync.MaxFixes,
		MaxDepth: sess.cfg.Sync.MaxDepth,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	panelHash := panel.Hash(string(raw))
	if requestID != "" {
		if cached, ok := s.cache.Get(requestID, panelHash, t.MDVersion); ok {
			return t, cached, p, nil
		}
	}

	panelTS := p.Metadata.LastModified
	if panelTS == nil {
		ts := mtime
		panelTS = &ts
	}

	strategy := reconcile.Strategy(sess.cfg.Sync.Strategy)
	if !strategy.Valid() {
		strategy = reconcile.StrategyTSOnly
	}
	resolver := reconcile.Resolver{Skew: sess.cfg.SyncSkew()}

	now := time.Now()
	d := reconcile.DiffPanel(p, t, panelTS)
	res := reconcile.Apply(d, strategy, resolver, now)

	if res.Applied {
		t, err = sess.store.Mutate(ctx, "panel", 0, func(task *model.Task) error {
			reconcile.ApplyToTask(task, res.Changes, now)
			return nil
		})
		if err != nil {
			return nil, nil, nil, err
		}
		res.MDVersion = t.MDVersion
		s.appendAudit(ctx, sess, res, now)
		s.upsertIndex(ctx, sess, t)
	}

	if requestID != "" {
		s.cache.Put(requestID, panelHash, t.MDVersion, res)
	}
	return t, res, p, nil
}

// appendAudit records the sync outcome in the task log. Best effort; a
// failing audit write never fails the sync.
func (s *Server) appendAudit(ctx context.Context, sess *session, res *reconcile.Result, now time.Time) {
	var entries []model.LogEntry
	for _, a := range res.AuditEntries {
		msg := fmt.Sprintf("applied %d panel change(s)", a.ChangesCount)
		if a.Type == "conflict" {
			msg = fmt.Sprintf("resolved %d conflict(s) with strategy %s", a.Count, a.Strategy)
		}
		entries = append(entries, model.LogEntry{
			Timestamp: now.UTC(),
			Level:     "info",
			Category:  "sync",
			Action:    a.Type,
			Message:   msg,
			Actor:     "panel",
		})
	}
	if len(entries) == 0 {
		return
	}
	if err := sess.store.AppendLog(ctx, entries...); err != nil {
		s.log.Warn().Err(err).Msg("sync audit log write failed")
	}
}

// upsertIndex refreshes the task's archive row. Best effort.
func (s *Server) upsertIndex(ctx context.Context, sess *session, t *model.Task) {
	if sess.archive == nil {
		return
	}
	if err := sess.archive.Upsert(ctx, t, sess.store.TaskDir(t)); err != nil {
		s.log.Warn().Err(err).Str("task_id", t.ID).Msg("task index update failed")
	}
}

// logHighlights picks the entries worth surfacing on reads: every warning and
// error, then the most recent entries, capped at limit.
func logHighlights(entries []model.LogEntry, limit int) []model.LogEntry {
	if limit <= 0 {
		limit = 10
	}
	var out []model.LogEntry
	for _, e := range entries {
		if e.Level == "warn" || e.Level == "error" {
			out = append(out, e)
		}
	}
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := entries[i]
		if e.Level == "warn" || e.Level == "error" {
			continue
		}
		out = append(out, e)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
