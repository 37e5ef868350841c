package reconcile

import (
	"testing"
	"time"

	"github.com/metalagman/wave/internal/config"
	"github.com/metalagman/wave/internal/model"
	"github.com/metalagman/wave/internal/panel"
)

func baseTask() *model.Task {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	t := model.NewTask("Ship the importer", "", now)
	t.Requirements = []string{"imports finish under a minute"}
	t.Plans = []model.Plan{{
		ID:          "plan-1",
		Description: "Harden the parser",
		Status:      model.StatusInProgress,
		UpdatedAt:   now,
		Steps: []model.Step{{
			ID:          "step-1",
			Description: "Reject truncated rows",
			Status:      model.StatusToDo,
		}},
	}}
	t.EVRs = []model.EVR{{
		ID:     "evr-1",
		Title:  "Importer rejects bad input",
		Verify: model.Scalar("run the importer"),
		Expect: model.Scalar("exit code 1"),
		Status: model.EVRUnknown,
	}}
	t.MDVersion = "etag-task"
	return t
}

func basePanel(t *model.Task) *panel.Panel {
	p := &panel.Panel{
		Title:        t.Title,
		Requirements: append([]string(nil), t.Requirements...),
	}
	for _, plan := range t.Plans {
		pp := panel.ParsedPlan{
			ID:          plan.ID,
			Description: plan.Description,
			Status:      plan.Status,
		}
		for _, step := range plan.Steps {
			pp.Steps = append(pp.Steps, panel.ParsedStep{
				ID:          step.ID,
				Description: step.Description,
				Status:      step.Status,
			})
		}
		p.Plans = append(p.Plans, pp)
	}
	for _, evr := range t.EVRs {
		p.EVRs = append(p.EVRs, panel.ParsedEVR{
			ID:     evr.ID,
			Title:  evr.Title,
			Verify: evr.Verify,
			Expect: evr.Expect,
			Status: evr.Status,
		})
	}
	return p
}

func TestDiffPanelEmptyWhenEqual(t *testing.T) {
	t.Parallel()

	task := baseTask()
	d := DiffPanel(basePanel(task), task, nil)
	if !d.Empty() {
		t.Fatalf("diff not empty: %+v", d)
	}
}

func TestDiffTitleAndRequirements(t *testing.T) {
	t.Parallel()

	task := baseTask()
	p := basePanel(task)
	p.Title = "Ship the importer v2"
	p.Requirements = []string{"imports finish under a minute", "CSV and JSON inputs"}

	d := DiffPanel(p, task, nil)
	if len(d.ContentChanges) != 2 {
		t.Fatalf("content changes = %d, want 2: %+v", len(d.ContentChanges), d.ContentChanges)
	}
	if d.ContentChanges[0].Section != "title" || d.ContentChanges[1].Section != "requirements" {
		t.Errorf("sections = %q, %q", d.ContentChanges[0].Section, d.ContentChanges[1].Section)
	}
}

func TestStatusEditsStayPending(t *testing.T) {
	t.Parallel()

	task := baseTask()
	p := basePanel(task)
	p.Plans[0].Status = model.StatusCompleted
	p.Plans[0].Steps[0].Status = model.StatusInProgress

	d := DiffPanel(p, task, nil)
	if len(d.ContentChanges) != 0 {
		t.Fatalf("status edits produced content changes: %+v", d.ContentChanges)
	}
	if len(d.StatusChanges) != 2 {
		t.Fatalf("status changes = %d, want 2", len(d.StatusChanges))
	}

	res := Apply(d, StrategyTSOnly, Resolver{}, time.Now())
	if res.Applied {
		t.Fatalf("status-only diff reported as applied")
	}
	before := task.Plans[0].Status
	ApplyToTask(task, res.Changes, time.Now())
	if task.Plans[0].Status != before {
		t.Fatalf("sync wrote a status field: %q", task.Plans[0].Status)
	}
}

func TestHintsCollapsedViewIsNotDeletion(t *testing.T) {
	t.Parallel()

	task := baseTask()
	task.Hints = []string{"start from the CSV path"}
	p := basePanel(task)
	p.Hints = nil

	d := DiffPanel(p, task, nil)
	if !d.Empty() {
		t.Fatalf("empty panel hints treated as deletion: %+v", d.ContentChanges)
	}
}

func TestConflictPanelWinsWhenNewer(t *testing.T) {
	t.Parallel()

	task := baseTask()
	p := basePanel(task)
	p.Plans[0].Description = "Harden the parser and the writer"
	panelTS := task.Plans[0].UpdatedAt.Add(10 * time.Second)

	d := DiffPanel(p, task, &panelTS)
	if len(d.Conflicts) != 1 || d.Conflicts[0].Reason != ReasonConcurrentUpdate {
		t.Fatalf("conflicts = %+v", d.Conflicts)
	}

	res := Apply(d, StrategyTSOnly, Resolver{Skew: 2 * time.Second}, time.Now())
	if len(res.Conflicts) != 1 || res.Conflicts[0].Resolution != ResolutionTheirs {
		t.Fatalf("resolution = %+v, want theirs", res.Conflicts)
	}
	if !res.Applied {
		t.Fatalf("winning panel edit not applied")
	}
	ApplyToTask(task, res.Changes, time.Now())
	if task.Plans[0].Description != "Harden the parser and the writer" {
		t.Fatalf("description = %q", task.Plans[0].Description)
	}
}

func TestConflictDefaultSkewFavorsNewerPanel(t *testing.T) {
	t.Parallel()

	task := baseTask()
	p := basePanel(task)
	p.Plans[0].Description = "Harden the parser and the writer"
	panelTS := task.Plans[0].UpdatedAt.Add(1500 * time.Millisecond)

	d := DiffPanel(p, task, &panelTS)
	res := Apply(d, StrategyTSOnly, Resolver{Skew: config.Default().SyncSkew()}, time.Now())
	if len(res.Conflicts) != 1 || res.Conflicts[0].Resolution != ResolutionTheirs {
		t.Fatalf("resolution = %+v, want theirs for a barely newer panel edit", res.Conflicts)
	}
	if !res.Applied {
		t.Fatalf("winning panel edit not applied")
	}
}

func TestConflictTaskWinsWithinSkew(t *testing.T) {
	t.Parallel()

	task := baseTask()
	p := basePanel(task)
	p.Plans[0].Description = "stale edit"
	panelTS := task.Plans[0].UpdatedAt.Add(time.Second)

	d := DiffPanel(p, task, &panelTS)
	res := Apply(d, StrategyTSOnly, Resolver{Skew: 2 * time.Second}, time.Now())
	if res.Conflicts[0].Resolution != ResolutionOurs {
		t.Fatalf("resolution = %q, want ours", res.Conflicts[0].Resolution)
	}
	if res.Applied {
		t.Fatalf("losing panel edit was applied")
	}
	if len(res.AuditEntries) != 1 || res.AuditEntries[0].Type != "conflict" {
		t.Fatalf("audit entries = %+v", res.AuditEntries)
	}
}

func TestConflictMissingTimestampFavorsTask(t *testing.T) {
	t.Parallel()

	task := baseTask()
	p := basePanel(task)
	p.Plans[0].Description = "undated edit"

	d := DiffPanel(p, task, nil)
	if d.Conflicts[0].Reason != ReasonETagMismatch {
		t.Fatalf("reason = %q, want etag_mismatch", d.Conflicts[0].Reason)
	}
	res := Apply(d, StrategyTSOnly, Resolver{}, time.Now())
	if res.Conflicts[0].Resolution != ResolutionOurs {
		t.Fatalf("resolution = %q, want ours", res.Conflicts[0].Resolution)
	}
}

func TestETagFirstTrustsFreshPanel(t *testing.T) {
	t.Parallel()

	task := baseTask()
	p := basePanel(task)
	p.Metadata.Version = task.MDVersion
	p.Plans[0].Description = "edited against fresh state"
	panelTS := task.Plans[0].UpdatedAt.Add(-time.Hour) // older, but the etag matches

	d := DiffPanel(p, task, &panelTS)
	res := Apply(d, StrategyETagFirstThenTS, Resolver{}, time.Now())
	if res.Conflicts[0].Resolution != ResolutionTheirs {
		t.Fatalf("resolution = %q, want theirs", res.Conflicts[0].Resolution)
	}
}

func TestETagFirstFallsBackToTimestamps(t *testing.T) {
	t.Parallel()

	task := baseTask()
	p := basePanel(task)
	p.Metadata.Version = "etag-stale"
	p.Plans[0].Description = "edited against stale state"
	panelTS := task.Plans[0].UpdatedAt.Add(-time.Hour)

	d := DiffPanel(p, task, &panelTS)
	res := Apply(d, StrategyETagFirstThenTS, Resolver{}, time.Now())
	if res.Conflicts[0].Resolution != ResolutionOurs {
		t.Fatalf("resolution = %q, want ours", res.Conflicts[0].Resolution)
	}
}

func TestNewAndDeletedEntities(t *testing.T) {
	t.Parallel()

	task := baseTask()
	p := basePanel(task)
	p.Plans = append(p.Plans, panel.ParsedPlan{
		ID:          "plan-2",
		Description: "Document the importer",
		Status:      model.StatusCompleted, // panel cannot set status on creation
		Tags:        []model.ContextTag{{Kind: model.TagEVR, Value: "evr-1"}},
	})
	p.EVRs = nil // EVR removed in the panel

	d := DiffPanel(p, task, nil)
	res := Apply(d, StrategyTSOnly, Resolver{}, time.Now())
	ApplyToTask(task, res.Changes, time.Now())

	added, ok := task.Plan("plan-2")
	if !ok {
		t.Fatalf("new plan not applied")
	}
	if added.Status != model.StatusToDo {
		t.Errorf("new plan status = %q, want to_do", added.Status)
	}
	if len(added.EVRBindings) != 1 || added.EVRBindings[0] != "evr-1" {
		t.Errorf("bindings = %v, want [evr-1]", added.EVRBindings)
	}
	if len(task.EVRs) != 0 {
		t.Errorf("deleted EVR still present: %+v", task.EVRs)
	}
}

func TestApplyToTaskClearsCurrentPlanOnDelete(t *testing.T) {
	t.Parallel()

	task := baseTask()
	task.CurrentPlanID = "plan-1"
	p := basePanel(task)
	p.Plans = nil

	d := DiffPanel(p, task, nil)
	res := Apply(d, StrategyTSOnly, Resolver{}, time.Now())
	ApplyToTask(task, res.Changes, time.Now())
	if len(task.Plans) != 0 || task.CurrentPlanID != "" {
		t.Fatalf("plans = %+v, current = %q", task.Plans, task.CurrentPlanID)
	}
}

func TestCacheFreshnessAndInvalidation(t *testing.T) {
	t.Parallel()

	c := NewCache(time.Minute)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	res := &Result{MDVersion: "v1"}
	c.Put("req-1", "ph", "th", res)

	if got, ok := c.Get("req-1", "ph", "th"); !ok || got != res {
		t.Fatalf("fresh entry not served")
	}
	if _, ok := c.Get("req-1", "ph-changed", "th"); ok {
		t.Fatalf("served despite panel content change")
	}
	if _, ok := c.Get("req-1", "ph", "th-changed"); ok {
		t.Fatalf("served despite task content change")
	}
	if _, ok := c.Get("", "ph", "th"); ok {
		t.Fatalf("served without a request id")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("req-1", "ph", "th"); ok {
		t.Fatalf("served an expired entry")
	}
}
