// Package reconcile implements lazy synchronization between a parsed panel
// and the authoritative task: difference detection, conflict classification,
// conflict resolution and the apply engine with its audit trail.
//
// Ownership is fixed: the task owns status fields, the panel owns content
// fields. Status differences are reported as pending and never written back.
package reconcile

import (
	"time"

	"github.com/metalagman/wave/internal/model"
	"github.com/metalagman/wave/internal/panel"
)

// ContentChange is one content difference sourced from the panel and
// writable back to the task.
type ContentChange struct {
	Section   string     `json:"section"`
	ID        string     `json:"id,omitempty"`
	Field     string     `json:"field"`
	Old       any        `json:"old,omitempty"`
	New       any        `json:"new,omitempty"`
	Source    string     `json:"source"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`

	// Payloads for structural changes.
	Plan *panel.ParsedPlan `json:"plan,omitempty"`
	Step *panel.ParsedStep `json:"step,omitempty"`
	EVR  *panel.ParsedEVR  `json:"evr,omitempty"`
}

// StatusChange is a pending status difference. It is reported to the caller
// and intentionally never applied.
type StatusChange struct {
	Target    string `json:"target"`
	ID        string `json:"id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// Conflict reason codes.
const (
	ReasonETagMismatch     = "etag_mismatch"
	ReasonConcurrentUpdate = "concurrent_update"
)

// Conflict is a content conflict needing resolution. By design only plan
// descriptions conflict; both sides mutate them independently.
type Conflict struct {
	ID         string     `json:"id"`
	Field      string     `json:"field"`
	PanelValue string     `json:"panel_value"`
	TaskValue  string     `json:"task_value"`
	PanelTS    *time.Time `json:"panel_ts,omitempty"`
	TaskTS     *time.Time `json:"task_ts,omitempty"`
	PanelETag  string     `json:"panel_etag,omitempty"`
	TaskETag   string     `json:"task_etag,omitempty"`
	Reason     string     `json:"reason"`
}

// Diff is the full output of difference detection.
type Diff struct {
	ContentChanges []ContentChange
	StatusChanges  []StatusChange
	Conflicts      []Conflict
	Fingerprints   model.Fingerprints
}

// Empty reports whether the diff carries no differences at all.
func (d *Diff) Empty() bool {
	return len(d.ContentChanges) == 0 && len(d.StatusChanges) == 0 && len(d.Conflicts) == 0
}

const sourcePanel = "panel"

// DiffPanel compares a parsed panel against the authoritative task.
// panelTS is the panel-side timestamp (front matter last_modified, or the
// file mtime when the front matter carries none).
func DiffPanel(p *panel.Panel, t *model.Task, panelTS *time.Time) *Diff {
	d := &Diff{Fingerprints: panel.FingerprintsFromPanel(p)}

	if p.Title != "" && p.Title != t.Title {
		d.content(ContentChange{Section: "title", Field: "title", Old: t.Title, New: p.Title})
	}
	if !equalStrings(p.Requirements, t.Requirements) {
		d.content(ContentChange{Section: "requirements", Field: "requirements", Old: t.Requirements, New: p.Requirements})
	}
	if !equalStrings(p.Issues, t.Issues) {
		d.content(ContentChange{Section: "issues", Field: "issues", Old: t.Issues, New: p.Issues})
	}
	// An empty panel hint list against a non-empty task list is presumed to
	// be a collapsed view, not a deletion.
	if !equalStrings(p.Hints, t.Hints) && !(len(p.Hints) == 0 && len(t.Hints) > 0) {
		d.content(ContentChange{Section: "hints", Field: "hints", Old: t.Hints, New: p.Hints})
	}

	d.diffPlans(p, t, panelTS)
	d.diffEVRs(p, t)
	return d
}

func (d *Diff) content(c ContentChange) {
	c.Source = sourcePanel
	d.ContentChanges = append(d.ContentChanges, c)
}

func (d *Diff) status(target, id string, oldStatus, newStatus string) {
	if oldStatus == newStatus {
		return
	}
	d.StatusChanges = append(d.StatusChanges, StatusChange{
		Target: target, ID: id, OldStatus: oldStatus, NewStatus: newStatus,
	})
}

func (d *Diff) diffPlans(p *panel.Panel, t *model.Task, panelTS *time.Time) {
	taskPlans := make(map[string]*model.Plan, len(t.Plans))
	for i := range t.Plans {
		taskPlans[t.Plans[i].ID] = &t.Plans[i]
	}
	seen := make(map[string]bool, len(p.Plans))

	for i := range p.Plans {
		pp := &p.Plans[i]
		seen[pp.ID] = true
		tp, ok := taskPlans[pp.ID]
		if !ok {
			d.content(ContentChange{Section: "new_plan", ID: pp.ID, Field: "plan", Plan: pp})
			continue
		}
		if pp.Description != tp.Description {
			d.content(ContentChange{Section: "plan", ID: pp.ID, Field: "description", Old: tp.Description, New: pp.Description})
			d.Conflicts = append(d.Conflicts, planConflict(pp, tp, panelTS, p.Metadata.Version, t.MDVersion))
		}
		if !equalStrings(pp.Hints, tp.Hints) {
			d.content(ContentChange{Section: "plan", ID: pp.ID, Field: "hints", Old: tp.Hints, New: pp.Hints})
		}
		if !equalTags(pp.Tags, tp.Tags) {
			d.content(ContentChange{Section: "plan", ID: pp.ID, Field: "tags", Old: tp.Tags, New: pp.Tags})
		}
		d.status("plan", pp.ID, string(tp.Status), string(pp.Status))
		d.diffSteps(pp, tp)
	}
	for i := range t.Plans {
		if !seen[t.Plans[i].ID] {
			d.content(ContentChange{Section: "deleted_plan", ID: t.Plans[i].ID, Field: "plan"})
		}
	}
}

func planConflict(pp *panel.ParsedPlan, tp *model.Plan, panelTS *time.Time, panelETag, taskETag string) Conflict {
	var taskTS *time.Time
	if !tp.UpdatedAt.IsZero() {
		ts := tp.UpdatedAt
		taskTS = &ts
	}
	reason := ReasonConcurrentUpdate
	if panelTS == nil || taskTS == nil {
		reason = ReasonETagMismatch
	}
	return Conflict{
		ID:         pp.ID,
		Field:      "description",
		PanelValue: pp.Description,
		TaskValue:  tp.Description,
		PanelTS:    panelTS,
		TaskTS:     taskTS,
		PanelETag:  panelETag,
		TaskETag:   taskETag,
		Reason:     reason,
	}
}

func (d *Diff) diffSteps(pp *panel.ParsedPlan, tp *model.Plan) {
	taskSteps := make(map[string]*model.Step, len(tp.Steps))
	for i := range tp.Steps {
		taskSteps[tp.Steps[i].ID] = &tp.Steps[i]
	}
	seen := make(map[string]bool, len(pp.Steps))

	for i := range pp.Steps {
		ps := &pp.Steps[i]
		seen[ps.ID] = true
		ts, ok := taskSteps[ps.ID]
		if !ok {
			d.content(ContentChange{Section: "new_step", ID: ps.ID, Field: "step", Plan: pp, Step: ps})
			continue
		}
		if ps.Description != ts.Description {
			d.content(ContentChange{Section: "step", ID: ps.ID, Field: "description", Old: ts.Description, New: ps.Description})
		}
		if !equalStrings(ps.Hints, ts.Hints) {
			d.content(ContentChange{Section: "step", ID: ps.ID, Field: "hints", Old: ts.Hints, New: ps.Hints})
		}
		if !equalTags(ps.Tags, ts.Tags) {
			d.content(ContentChange{Section: "step", ID: ps.ID, Field: "tags", Old: ts.Tags, New: ps.Tags})
		}
		d.status("step", ps.ID, string(ts.Status), string(ps.Status))
	}
	for i := range tp.Steps {
		if !seen[tp.Steps[i].ID] {
			d.content(ContentChange{Section: "deleted_step", ID: tp.Steps[i].ID, Field: "step"})
		}
	}
}

func (d *Diff) diffEVRs(p *panel.Panel, t *model.Task) {
	taskEVRs := make(map[string]*model.EVR, len(t.EVRs))
	for i := range t.EVRs {
		taskEVRs[t.EVRs[i].ID] = &t.EVRs[i]
	}
	seen := make(map[string]bool, len(p.EVRs))

	for i := range p.EVRs {
		pe := &p.EVRs[i]
		seen[pe.ID] = true
		te, ok := taskEVRs[pe.ID]
		if !ok {
			d.content(ContentChange{Section: "new_evr", ID: pe.ID, Field: "evr", EVR: pe})
			continue
		}
		if pe.Title != te.Title {
			d.content(ContentChange{Section: "evr", ID: pe.ID, Field: "title", Old: te.Title, New: pe.Title})
		}
		if !pe.Verify.EqualContent(te.Verify) {
			d.content(ContentChange{Section: "evr", ID: pe.ID, Field: "verify", Old: te.Verify, New: pe.Verify})
		}
		if !pe.Expect.EqualContent(te.Expect) {
			d.content(ContentChange{Section: "evr", ID: pe.ID, Field: "expect", Old: te.Expect, New: pe.Expect})
		}
		d.status("evr", pe.ID, string(te.Status), string(pe.Status))
	}
	for i := range t.EVRs {
		if !seen[t.EVRs[i].ID] {
			d.content(ContentChange{Section: "deleted_evr", ID: t.EVRs[i].ID, Field: "evr"})
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalTags(a, b []model.ContextTag) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
