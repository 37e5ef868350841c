package evr

import (
	"testing"
	"time"

	"github.com/metalagman/wave/internal/model"
)

func TestReady(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		evr    model.EVR
		ready  bool
		reason string
	}{
		{"pass", model.EVR{Status: model.EVRPass}, true, ""},
		{"fail", model.EVR{Status: model.EVRFail}, false, ReasonFailed},
		{"unknown", model.EVR{Status: model.EVRUnknown}, false, ReasonStatusUnknown},
		{
			"skip without reason",
			model.EVR{Status: model.EVRSkip, Runs: []model.EVRRun{{Status: model.EVRSkip}}},
			false, ReasonNeedReasonForSkip,
		},
		{
			"skip with reason",
			model.EVR{Status: model.EVRSkip, Runs: []model.EVRRun{{Status: model.EVRSkip, Notes: "covered by e2e suite"}}},
			true, "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ready, reason := Ready(&tc.evr)
			if ready != tc.ready || reason != tc.reason {
				t.Fatalf("Ready = (%v, %q), want (%v, %q)", ready, reason, tc.ready, tc.reason)
			}
		})
	}
}

func gateTask() *model.Task {
	task := model.NewTask("gated", "", time.Now())
	task.Plans = []model.Plan{{ID: "plan-1", EVRBindings: []string{"evr-1"}}}
	task.EVRs = []model.EVR{{ID: "evr-1", Class: model.EVRClassRuntime, Status: model.EVRUnknown}}
	task.RebuildEVRRefs()
	return task
}

func TestCheckPlanBlocksUntilEvidence(t *testing.T) {
	t.Parallel()

	g := Gate{}
	task := gateTask()
	plan := &task.Plans[0]

	blocking := g.CheckPlan(task, plan)
	if len(blocking) != 1 || blocking[0].EVRID != "evr-1" || blocking[0].Reason != ReasonStatusUnknown {
		t.Fatalf("blocking = %+v", blocking)
	}

	e, _ := task.EVR("evr-1")
	e.RecordRun(model.EVRRun{At: time.Now(), Actor: "agent", Status: model.EVRPass})
	if blocking := g.CheckPlan(task, plan); len(blocking) != 0 {
		t.Fatalf("blocking after pass = %+v", blocking)
	}
}

func TestCheckPlanBlocksOnDanglingBinding(t *testing.T) {
	t.Parallel()

	task := gateTask()
	task.Plans[0].EVRBindings = []string{"evr-missing"}
	blocking := Gate{}.CheckPlan(task, &task.Plans[0])
	if len(blocking) != 1 || blocking[0].EVRID != "evr-missing" {
		t.Fatalf("blocking = %+v", blocking)
	}
}

func TestCheckTaskSecondLook(t *testing.T) {
	t.Parallel()

	g := Gate{}
	task := gateTask()
	planDone := time.Date(2026, 4, 3, 12, 0, 0, 0, time.UTC)

	e, _ := task.EVR("evr-1")
	e.RecordRun(model.EVRRun{At: planDone.Add(-time.Hour), Actor: "agent", Status: model.EVRPass})

	task.Plans[0].Status = model.StatusCompleted
	task.Plans[0].CompletedAt = &planDone

	// The pass predates the plan's completion, so the task gate demands a
	// second look.
	blocking := g.CheckTask(task, planDone.Add(time.Minute))
	if len(blocking) != 1 || blocking[0].Reason != ReasonStatusUnknown {
		t.Fatalf("blocking = %+v", blocking)
	}

	e.RecordRun(model.EVRRun{At: planDone.Add(time.Minute), Actor: "agent", Status: model.EVRPass})
	if blocking := g.CheckTask(task, planDone.Add(2*time.Minute)); len(blocking) != 0 {
		t.Fatalf("blocking after re-run = %+v", blocking)
	}
}

func TestCheckTaskStaleRuntimePass(t *testing.T) {
	t.Parallel()

	g := Gate{Staleness: 30 * time.Minute}
	task := gateTask()
	ran := time.Date(2026, 4, 3, 12, 0, 0, 0, time.UTC)

	e, _ := task.EVR("evr-1")
	e.RecordRun(model.EVRRun{At: ran, Actor: "agent", Status: model.EVRPass})

	if blocking := g.CheckTask(task, ran.Add(10*time.Minute)); len(blocking) != 0 {
		t.Fatalf("fresh pass blocked: %+v", blocking)
	}
	if blocking := g.CheckTask(task, ran.Add(time.Hour)); len(blocking) != 1 {
		t.Fatalf("stale pass not blocked")
	}
}

func TestCheckTaskStaticPassNeverGoesStale(t *testing.T) {
	t.Parallel()

	g := Gate{Staleness: 30 * time.Minute}
	task := gateTask()
	task.EVRs[0].Class = model.EVRClassStatic
	ran := time.Date(2026, 4, 3, 12, 0, 0, 0, time.UTC)

	e, _ := task.EVR("evr-1")
	e.RecordRun(model.EVRRun{At: ran, Actor: "agent", Status: model.EVRPass})

	if blocking := g.CheckTask(task, ran.Add(24*time.Hour)); len(blocking) != 0 {
		t.Fatalf("static pass blocked: %+v", blocking)
	}
}

func TestSummarizeBuckets(t *testing.T) {
	t.Parallel()

	task := model.NewTask("buckets", "", time.Now())
	task.Plans = []model.Plan{{ID: "plan-1", EVRBindings: []string{"e-pass"}}}
	task.EVRs = []model.EVR{
		{ID: "e-pass", Status: model.EVRPass},
		{ID: "e-skip", Status: model.EVRSkip},
		{ID: "e-fail", Status: model.EVRFail},
		{ID: "e-unknown", Status: model.EVRUnknown},
	}
	task.RebuildEVRRefs()

	s := Summarize(task)
	if s.Total != 4 {
		t.Fatalf("total = %d, want 4", s.Total)
	}
	if len(s.Passed) != 1 || len(s.Skipped) != 1 || len(s.Failed) != 1 || len(s.Unknown) != 1 {
		t.Fatalf("buckets = %+v", s)
	}
	if len(s.Unreferenced) != 3 {
		t.Fatalf("unreferenced = %v, want the three unbound ids", s.Unreferenced)
	}
}

func TestDetails(t *testing.T) {
	t.Parallel()

	task := gateTask()
	details := Details(task)
	if len(details) != 1 {
		t.Fatalf("details = %d, want 1", len(details))
	}
	if details[0].Ready || details[0].Reason != ReasonStatusUnknown {
		t.Fatalf("detail = %+v", details[0])
	}
}
