// Package evr classifies Expected Visible Results and enforces the admission
// gates that block plan and task completion until verification evidence is
// present.
package evr

import (
	"time"

	"github.com/metalagman/wave/internal/model"
)

// Not-ready reason codes. A stale runtime pass needs re-verification and is
// reported as status_unknown.
const (
	ReasonStatusUnknown     = "status_unknown"
	ReasonFailed            = "failed"
	ReasonNeedReasonForSkip = "need_reason_for_skip"
)

// Required names one EVR blocking a gate.
type Required struct {
	EVRID  string `json:"evr_id"`
	Reason string `json:"reason"`
}

// Summary buckets every EVR on a task by classification.
type Summary struct {
	Total        int      `json:"total"`
	Passed       []string `json:"passed"`
	Skipped      []string `json:"skipped"`
	Failed       []string `json:"failed"`
	Unknown      []string `json:"unknown"`
	Unreferenced []string `json:"unreferenced"`
}

// Detail is the per-EVR view returned with reads.
type Detail struct {
	ID      string          `json:"id"`
	Title   string          `json:"title"`
	Status  model.EVRStatus `json:"status"`
	Class   model.EVRClass  `json:"class"`
	LastRun *time.Time      `json:"last_run,omitempty"`
	Ready   bool            `json:"ready"`
	Reason  string          `json:"reason,omitempty"`
	RunsLen int             `json:"runs"`
}

// Ready reports whether an EVR satisfies a gate: status pass, or skip with a
// non-empty reason on the most recent run.
func Ready(e *model.EVR) (bool, string) {
	switch e.Status {
	case model.EVRPass:
		return true, ""
	case model.EVRSkip:
		if run := e.LatestRun(); run != nil && run.Notes != "" {
			return true, ""
		}
		return false, ReasonNeedReasonForSkip
	case model.EVRFail:
		return false, ReasonFailed
	default:
		return false, ReasonStatusUnknown
	}
}

// Gate enforces plan and task completion admission.
type Gate struct {
	// Staleness bounds the age of a runtime EVR's pass run at task
	// completion. Zero disables the absolute bound; the second-look rule
	// against the owning plan's completion time always applies.
	Staleness time.Duration
}

// CheckPlan returns the EVRs bound to the plan that are not ready. A plan
// may complete only when this is empty. Bound ids without a matching EVR
// are blocking with status_unknown.
func (g Gate) CheckPlan(t *model.Task, p *model.Plan) []Required {
	var blocking []Required
	for _, id := range p.EVRBindings {
		e, ok := t.EVR(id)
		if !ok {
			blocking = append(blocking, Required{EVRID: id, Reason: ReasonStatusUnknown})
			continue
		}
		if ready, reason := Ready(e); !ready {
			blocking = append(blocking, Required{EVRID: id, Reason: reason})
		}
	}
	return blocking
}

// CheckTask returns every EVR on the task that is not ready for completion.
// Runtime-class EVRs additionally need a second-look pass: the latest pass
// run must postdate the completion of every referencing plan, and must fall
// within the staleness window relative to now.
func (g Gate) CheckTask(t *model.Task, now time.Time) []Required {
	var blocking []Required
	for i := range t.EVRs {
		e := &t.EVRs[i]
		ready, reason := Ready(e)
		if !ready {
			blocking = append(blocking, Required{EVRID: e.ID, Reason: reason})
			continue
		}
		if e.Status == model.EVRPass && e.Class == model.EVRClassRuntime && !g.freshPass(t, e, now) {
			blocking = append(blocking, Required{EVRID: e.ID, Reason: ReasonStatusUnknown})
		}
	}
	return blocking
}

func (g Gate) freshPass(t *model.Task, e *model.EVR, now time.Time) bool {
	run := e.LatestRun()
	if run == nil || run.Status != model.EVRPass {
		return false
	}
	for _, planID := range e.ReferencedBy {
		p, ok := t.Plan(planID)
		if !ok || p.Status != model.StatusCompleted || p.CompletedAt == nil {
			continue
		}
		if !run.At.After(*p.CompletedAt) {
			return false
		}
	}
	if g.Staleness > 0 && now.Sub(run.At) > g.Staleness {
		return false
	}
	return true
}

// Summarize classifies every EVR on the task. Unreferenced EVRs are reported
// alongside their status bucket; they never block.
func Summarize(t *model.Task) Summary {
	s := Summary{
		Total:        len(t.EVRs),
		Passed:       []string{},
		Skipped:      []string{},
		Failed:       []string{},
		Unknown:      []string{},
		Unreferenced: []string{},
	}
	for i := range t.EVRs {
		e := &t.EVRs[i]
		switch e.Status {
		case model.EVRPass:
			s.Passed = append(s.Passed, e.ID)
		case model.EVRSkip:
			s.Skipped = append(s.Skipped, e.ID)
		case model.EVRFail:
			s.Failed = append(s.Failed, e.ID)
		default:
			s.Unknown = append(s.Unknown, e.ID)
		}
		if len(e.ReferencedBy) == 0 {
			s.Unreferenced = append(s.Unreferenced, e.ID)
		}
	}
	return s
}

// Details returns the per-EVR gate view used by task reads.
func Details(t *model.Task) []Detail {
	out := make([]Detail, 0, len(t.EVRs))
	for i := range t.EVRs {
		e := &t.EVRs[i]
		ready, reason := Ready(e)
		out = append(out, Detail{
			ID:      e.ID,
			Title:   e.Title,
			Status:  e.Status,
			Class:   e.Class,
			LastRun: e.LastRun,
			Ready:   ready,
			Reason:  reason,
			RunsLen: len(e.Runs),
		})
	}
	return out
}
