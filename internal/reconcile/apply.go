package reconcile

import (
	"time"

	"github.com/metalagman/wave/internal/model"
	"github.com/metalagman/wave/internal/panel"
)

// ChangeSummary is the audit-facing shape of an applied change.
type ChangeSummary struct {
	Section string `json:"section"`
	Field   string `json:"field"`
	Source  string `json:"source"`
}

// AuditEntry is one audit record produced by a sync apply.
type AuditEntry struct {
	Type         string          `json:"type"`
	At           time.Time       `json:"at"`
	Strategy     Strategy        `json:"strategy,omitempty"`
	Count        int             `json:"count,omitempty"`
	Resolutions  []Resolution    `json:"resolutions,omitempty"`
	ChangesCount int             `json:"changes_count,omitempty"`
	Changes      []ChangeSummary `json:"changes,omitempty"`
	AffectedIDs  []string        `json:"affected_ids,omitempty"`
}

// Result is the outcome of a sync apply.
type Result struct {
	Applied       bool           `json:"applied"`
	Changes       []ContentChange `json:"changes"`
	StatusChanges []StatusChange `json:"status_changes"`
	Conflicts     []ResolvedConflict `json:"conflicts"`
	AuditEntries  []AuditEntry   `json:"audit_entries"`
	MDVersion     string         `json:"md_version"`
	Fingerprints  model.Fingerprints `json:"-"`
}

// Apply runs the sync engine over a diff: conflicts are resolved, content
// changes filtered by resolution and stamped, audit entries appended and the
// new ETag computed. Status changes pass through untouched; they are pending
// by design.
func Apply(d *Diff, strategy Strategy, resolver Resolver, now time.Time) *Result {
	res := &Result{
		StatusChanges: d.StatusChanges,
		Fingerprints:  d.Fingerprints,
		MDVersion:     panel.MDVersion(d.Fingerprints),
	}

	dropped := make(map[string]bool)
	for _, c := range d.Conflicts {
		resolved := resolver.Resolve(c, strategy)
		res.Conflicts = append(res.Conflicts, resolved)
		if resolved.Resolution == ResolutionOurs {
			dropped[c.ID+"\x00"+c.Field] = true
		}
	}

	at := now.UTC()
	for _, change := range d.ContentChanges {
		if dropped[change.ID+"\x00"+change.Field] {
			continue
		}
		change.AppliedAt = &at
		res.Changes = append(res.Changes, change)
	}
	res.Applied = len(res.Changes) > 0

	if len(res.Conflicts) > 0 {
		entry := AuditEntry{Type: "conflict", At: at, Strategy: strategy, Count: len(res.Conflicts)}
		for _, rc := range res.Conflicts {
			entry.Resolutions = append(entry.Resolutions, rc.Resolution)
			entry.AffectedIDs = appendUnique(entry.AffectedIDs, rc.ID)
		}
		res.AuditEntries = append(res.AuditEntries, entry)
	}
	if len(res.Changes) > 0 {
		entry := AuditEntry{Type: "sync", At: at, ChangesCount: len(res.Changes)}
		for _, change := range res.Changes {
			entry.Changes = append(entry.Changes, ChangeSummary{
				Section: change.Section, Field: change.Field, Source: change.Source,
			})
			if change.ID != "" {
				entry.AffectedIDs = appendUnique(entry.AffectedIDs, change.ID)
			}
		}
		res.AuditEntries = append(res.AuditEntries, entry)
	}
	return res
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// ApplyToTask writes applied content changes into the task. Status fields
// are never touched here; the task stays authoritative for them.
func ApplyToTask(t *model.Task, changes []ContentChange, now time.Time) {
	ts := now.UTC()
	for _, change := range changes {
		switch change.Section {
		case "title":
			if v, ok := change.New.(string); ok {
				t.Title = v
			}
		case "requirements":
			t.Requirements = toStrings(change.New)
		case "issues":
			t.Issues = toStrings(change.New)
		case "hints":
			t.Hints = toStrings(change.New)
		case "plan":
			applyPlanField(t, change, ts)
		case "step":
			applyStepField(t, change, ts)
		case "evr":
			applyEVRField(t, change)
		case "new_plan":
			if change.Plan != nil {
				t.Plans = append(t.Plans, planFromParsed(change.Plan, ts))
			}
		case "deleted_plan":
			removePlan(t, change.ID)
		case "new_step":
			if change.Plan != nil && change.Step != nil {
				if tp, ok := t.Plan(change.Plan.ID); ok {
					tp.Steps = append(tp.Steps, stepFromParsed(change.Step, ts))
					tp.UpdatedAt = ts
				}
			}
		case "deleted_step":
			removeStep(t, change.ID)
		case "new_evr":
			if change.EVR != nil {
				t.EVRs = append(t.EVRs, evrFromParsed(change.EVR, ts))
			}
		case "deleted_evr":
			removeEVR(t, change.ID)
		}
	}
	t.RebuildEVRRefs()
	t.Touch(now)
}

func applyPlanField(t *model.Task, change ContentChange, ts time.Time) {
	tp, ok := t.Plan(change.ID)
	if !ok {
		return
	}
	switch change.Field {
	case "description":
		if v, ok := change.New.(string); ok {
			tp.Description = v
		}
	case "hints":
		tp.Hints = toStrings(change.New)
	case "tags":
		if tags, ok := change.New.([]model.ContextTag); ok {
			tp.Tags = tags
			tp.BindingSyncFromTags()
		}
	}
	tp.UpdatedAt = ts
}

func applyStepField(t *model.Task, change ContentChange, ts time.Time) {
	tp, step, ok := t.Step(change.ID)
	if !ok {
		return
	}
	switch change.Field {
	case "description":
		if v, ok := change.New.(string); ok {
			step.Description = v
		}
	case "hints":
		step.Hints = toStrings(change.New)
	case "tags":
		if tags, ok := change.New.([]model.ContextTag); ok {
			step.Tags = tags
			step.UsesSyncFromTags()
		}
	}
	step.UpdatedAt = ts
	tp.UpdatedAt = ts
}

func applyEVRField(t *model.Task, change ContentChange) {
	te, ok := t.EVR(change.ID)
	if !ok {
		return
	}
	switch change.Field {
	case "title":
		if v, ok := change.New.(string); ok {
			te.Title = v
		}
	case "verify":
		if v, ok := change.New.(model.Text); ok {
			te.Verify = v
		}
	case "expect":
		if v, ok := change.New.(model.Text); ok {
			te.Expect = v
		}
	}
}

func planFromParsed(pp *panel.ParsedPlan, ts time.Time) model.Plan {
	plan := model.Plan{
		ID:          pp.ID,
		Description: pp.Description,
		Status:      model.StatusToDo,
		Hints:       pp.Hints,
		Tags:        pp.Tags,
		Steps:       []model.Step{},
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	plan.BindingSyncFromTags()
	for i := range pp.Steps {
		plan.Steps = append(plan.Steps, stepFromParsed(&pp.Steps[i], ts))
	}
	return plan
}

func stepFromParsed(ps *panel.ParsedStep, ts time.Time) model.Step {
	step := model.Step{
		ID:          ps.ID,
		Description: ps.Description,
		Status:      model.StatusToDo,
		Hints:       ps.Hints,
		Tags:        ps.Tags,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	step.UsesSyncFromTags()
	return step
}

func evrFromParsed(pe *panel.ParsedEVR, ts time.Time) model.EVR {
	class := pe.Class
	if class == "" {
		class = model.EVRClassRuntime
	}
	return model.EVR{
		ID:     pe.ID,
		Title:  pe.Title,
		Verify: pe.Verify,
		Expect: pe.Expect,
		Status: model.EVRUnknown,
		Class:  class,
		Notes:  pe.Notes,
		Proof:  pe.Proof,
	}
}

func removePlan(t *model.Task, id string) {
	for i := range t.Plans {
		if t.Plans[i].ID == id {
			t.Plans = append(t.Plans[:i], t.Plans[i+1:]...)
			if t.CurrentPlanID == id {
				t.CurrentPlanID = ""
			}
			return
		}
	}
}

func removeStep(t *model.Task, id string) {
	for i := range t.Plans {
		steps := t.Plans[i].Steps
		for j := range steps {
			if steps[j].ID == id {
				t.Plans[i].Steps = append(steps[:j], steps[j+1:]...)
				return
			}
		}
	}
}

func removeEVR(t *model.Task, id string) {
	for i := range t.EVRs {
		if t.EVRs[i].ID == id {
			t.EVRs = append(t.EVRs[:i], t.EVRs[i+1:]...)
			return
		}
	}
}

func toStrings(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
