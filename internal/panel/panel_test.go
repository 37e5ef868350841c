package panel

import (
	"strings"
	"testing"
	"time"

	"github.com/metalagman/wave/internal/model"
	"github.com/metalagman/wave/internal/waveerr"
)

func sampleTask(t *testing.T) *model.Task {
	t.Helper()
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	task := model.NewTask("Ship the importer", "make imports reliable", now)
	task.Requirements = []string{"imports finish under a minute", "partial files are rejected"}
	task.Issues = []string{"retry loop hammers the API"}
	task.Hints = []string{"start from the CSV path"}
	task.Plans = []model.Plan{
		{
			ID:          "plan-aaaa0001",
			Description: "Harden the parser",
			Status:      model.StatusInProgress,
			Hints:       []string{"reuse the tokenizer"},
			EVRBindings: []string{"evr-cccc0001"},
			Steps: []model.Step{
				{
					ID:          "step-bbbb0001",
					Description: "Reject truncated rows",
					Status:      model.StatusCompleted,
					UsesEVR:     []string{"evr-cccc0001"},
				},
				{
					ID:          "step-bbbb0002",
					Description: "Add row-count check",
					Status:      model.StatusToDo,
				},
			},
		},
		{
			ID:          "plan-aaaa0002",
			Description: "Wire retries with backoff",
			Status:      model.StatusToDo,
		},
	}
	task.EVRs = []model.EVR{
		{
			ID:     "evr-cccc0001",
			Title:  "Importer survives a truncated file",
			Verify: model.Scalar("run the importer against fixtures/truncated.csv"),
			Expect: model.ListOf("exit code 1", "no partial rows in the table"),
			Status: model.EVRUnknown,
			Class:  model.EVRClassRuntime,
		},
	}
	return task
}

func TestRenderParseRoundTrip(t *testing.T) {
	t.Parallel()

	task := sampleTask(t)
	ts := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	logs := []model.LogEntry{{
		Timestamp: ts, Level: "info", Category: "task", Action: "created",
		Message: "task created", AINotes: "seeded from the incident report",
	}}
	res, err := RenderTask(task, logs, RenderOptions{FrontMatter: true, MDVersion: "v-abc123", LastModified: &ts})
	if err != nil {
		t.Fatalf("RenderTask: %v", err)
	}

	p, err := Parse([]byte(res.Markdown), Config{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Problems) != 0 {
		t.Fatalf("Problems = %+v, want none", p.Problems)
	}
	if len(p.Fixes) != 0 {
		t.Fatalf("Fixes = %+v, want none for canonical output", p.Fixes)
	}

	if p.Title != task.Title {
		t.Errorf("title = %q, want %q", p.Title, task.Title)
	}
	if p.Metadata.Version != "v-abc123" {
		t.Errorf("md_version = %q, want %q", p.Metadata.Version, "v-abc123")
	}
	if p.Metadata.LastModified == nil || !p.Metadata.LastModified.Equal(ts) {
		t.Errorf("last_modified = %v, want %v", p.Metadata.LastModified, ts)
	}
	if len(p.Requirements) != 2 || p.Requirements[1] != "partial files are rejected" {
		t.Errorf("requirements = %v", p.Requirements)
	}
	if len(p.Issues) != 1 || len(p.Hints) != 1 {
		t.Errorf("issues = %v, hints = %v", p.Issues, p.Hints)
	}

	if len(p.Plans) != 2 {
		t.Fatalf("plans = %d, want 2", len(p.Plans))
	}
	plan := p.Plans[0]
	if plan.ID != "plan-aaaa0001" || plan.Status != model.StatusInProgress {
		t.Errorf("plan[0] = %q %q", plan.ID, plan.Status)
	}
	if len(plan.Hints) != 1 || plan.Hints[0] != "reuse the tokenizer" {
		t.Errorf("plan hints = %v", plan.Hints)
	}
	foundBinding := false
	for _, tag := range plan.Tags {
		if tag.Kind == model.TagEVR && tag.Value == "evr-cccc0001" {
			foundBinding = true
		}
	}
	if !foundBinding {
		t.Errorf("plan tags = %v, want evr binding tag", plan.Tags)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(plan.Steps))
	}
	if plan.Steps[0].ID != "step-bbbb0001" || plan.Steps[0].Status != model.StatusCompleted {
		t.Errorf("step[0] = %q %q", plan.Steps[0].ID, plan.Steps[0].Status)
	}

	if len(p.EVRs) != 1 {
		t.Fatalf("evrs = %d, want 1", len(p.EVRs))
	}
	evr := p.EVRs[0]
	if evr.ID != "evr-cccc0001" || evr.Class != model.EVRClassRuntime {
		t.Errorf("evr = %q class %q", evr.ID, evr.Class)
	}
	if evr.Verify.List || len(evr.Verify.Items) != 1 {
		t.Errorf("verify = %+v, want scalar", evr.Verify)
	}
	if !evr.Expect.List || len(evr.Expect.Items) != 2 {
		t.Errorf("expect = %+v, want 2-item list", evr.Expect)
	}

	if len(p.LogLines) != 2 || !strings.Contains(p.LogLines[1], "AI Notes:") {
		t.Errorf("log lines = %v", p.LogLines)
	}
}

func TestParseGlyphTolerance(t *testing.T) {
	t.Parallel()

	src := strings.Join([]string{
		"# Task: Demo",
		"",
		"## Plans & Steps",
		"",
		"1. [X] First <!-- plan:p1 -->",
		"",
		"2. [~] Second <!-- plan:p2 -->",
		"",
		"3. [✗] Third <!-- plan:p3 -->",
	}, "\n")

	p, err := Parse([]byte(src), Config{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Plans) != 3 {
		t.Fatalf("plans = %d, want 3", len(p.Plans))
	}
	want := []model.Status{model.StatusCompleted, model.StatusInProgress, model.StatusBlocked}
	for i, w := range want {
		if p.Plans[i].Status != w {
			t.Errorf("plan[%d] status = %q, want %q", i, p.Plans[i].Status, w)
		}
	}
	if len(p.Fixes) == 0 {
		t.Errorf("expected glyph normalization fixes, got none")
	}
}

func TestParseFourSpaceIndent(t *testing.T) {
	t.Parallel()

	src := strings.Join([]string{
		"# Task: Demo",
		"",
		"## Plans & Steps",
		"",
		"1. [ ] Plan <!-- plan:p1 -->",
		"    1.1 [ ] Step one <!-- step:s1 -->",
		"    1.2 [x] Step two <!-- step:s2 -->",
	}, "\n")

	p, err := Parse([]byte(src), Config{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Plans) != 1 {
		t.Fatalf("plans = %d, want 1", len(p.Plans))
	}
	steps := p.Plans[0].Steps
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	if steps[0].ID != "s1" || steps[1].ID != "s2" {
		t.Errorf("step ids = %q, %q", steps[0].ID, steps[1].ID)
	}
	if steps[1].Status != model.StatusCompleted {
		t.Errorf("step[1] status = %q, want completed", steps[1].Status)
	}
}

func TestParseHeadingPromotion(t *testing.T) {
	t.Parallel()

	src := strings.Join([]string{
		"# Task: Demo",
		"",
		"Requirements:",
		"- keep the old CLI flags working",
		"",
		"## 计划与步骤",
		"",
		"1. [ ] 迁移配置 <!-- plan:p1 -->",
	}, "\n")

	p, err := Parse([]byte(src), Config{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Requirements) != 1 || p.Requirements[0] != "keep the old CLI flags working" {
		t.Errorf("requirements = %v", p.Requirements)
	}
	if len(p.Plans) != 1 || p.Plans[0].ID != "p1" {
		t.Errorf("plans = %+v", p.Plans)
	}
	if len(p.Fixes) == 0 {
		t.Errorf("expected a heading promotion fix")
	}
}

func TestParseSyntheticID(t *testing.T) {
	t.Parallel()

	src := strings.Join([]string{
		"# Task: Demo",
		"",
		"## Plans & Steps",
		"",
		"- [ ] floating work item",
	}, "\n")

	p, err := Parse([]byte(src), Config{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Plans) != 1 {
		t.Fatalf("plans = %d, want 1", len(p.Plans))
	}
	plan := p.Plans[0]
	if !strings.HasPrefix(plan.ID, "plan-line") {
		t.Errorf("plan id = %q, want a synthesized line-derived id", plan.ID)
	}
	if len(p.Problems) == 0 {
		t.Errorf("expected a problem recording the synthesized id")
	}
}

func TestParseOrdinalDerivedID(t *testing.T) {
	t.Parallel()

	src := strings.Join([]string{
		"# Task: Demo",
		"",
		"## Plans & Steps",
		"",
		"1. [ ] Plan without anchor",
		"  1.1 [ ] Step without anchor",
	}, "\n")

	p, err := Parse([]byte(src), Config{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Plans) != 1 || len(p.Plans[0].Steps) != 1 {
		t.Fatalf("plans = %+v", p.Plans)
	}
	if p.Plans[0].ID != "plan-1" {
		t.Errorf("plan id = %q, want plan-1", p.Plans[0].ID)
	}
	if p.Plans[0].Steps[0].ID != "step-1-1" {
		t.Errorf("step id = %q, want step-1-1", p.Plans[0].Steps[0].ID)
	}
}

func TestParseMissingTitle(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("## Requirements\n\n- something\n"), Config{})
	if waveerr.CodeOf(err) != waveerr.CodeParseError {
		t.Fatalf("err = %v, want PARSE_ERROR", err)
	}
}

func TestParseInvalidUTF8(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte{0xff, 0xfe, 0x01}, Config{})
	if waveerr.CodeOf(err) != waveerr.CodeParseError {
		t.Fatalf("err = %v, want PARSE_ERROR", err)
	}
}

func TestParseDuplicateAnchorWarns(t *testing.T) {
	t.Parallel()

	src := strings.Join([]string{
		"# Task: Demo",
		"",
		"## Plans & Steps",
		"",
		"1. [ ] First <!-- plan:p1 -->",
		"",
		"2. [ ] Second <!-- plan:p1 -->",
	}, "\n")

	p, err := Parse([]byte(src), Config{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Plans) != 2 {
		t.Fatalf("plans = %d, want 2", len(p.Plans))
	}
	if p.Plans[0].ID == p.Plans[1].ID {
		t.Errorf("duplicate anchors resolved to the same id %q", p.Plans[0].ID)
	}
	if len(p.Warnings) == 0 {
		t.Errorf("expected a duplicate-anchor warning")
	}
}

func TestRenderRejectsDuplicateAnchors(t *testing.T) {
	t.Parallel()

	task := model.NewTask("dup", "", time.Now())
	task.Plans = []model.Plan{
		{ID: "plan-same", Description: "one"},
		{ID: "plan-same", Description: "two"},
	}
	_, err := RenderTask(task, nil, RenderOptions{})
	if waveerr.CodeOf(err) != waveerr.CodeRenderError {
		t.Fatalf("err = %v, want RENDER_ERROR", err)
	}
}

func TestRenderMintsMissingIDs(t *testing.T) {
	t.Parallel()

	task := model.NewTask("mint", "", time.Now())
	task.Plans = []model.Plan{{Description: "unnamed"}}
	res, err := RenderTask(task, nil, RenderOptions{})
	if err != nil {
		t.Fatalf("RenderTask: %v", err)
	}
	if len(res.Minted) != 1 || res.Minted[0].Kind != AnchorPlan {
		t.Fatalf("minted = %+v, want one plan id", res.Minted)
	}
	if !strings.Contains(res.Markdown, "<!-- plan:"+res.Minted[0].ID+" -->") {
		t.Errorf("markdown does not carry minted anchor %q", res.Minted[0].ID)
	}
}

func TestBestMatchPrefersNearbyAnchor(t *testing.T) {
	t.Parallel()

	anchors := []Anchor{
		{Kind: AnchorPlan, ID: "far", Line: 10},
		{Kind: AnchorPlan, ID: "near", Line: 4},
		{Kind: AnchorStep, ID: "other-kind", Line: 5},
	}
	got, ok := BestMatch(anchors, AnchorPlan, 5)
	if !ok || got.ID != "near" {
		t.Fatalf("BestMatch = (%+v, %v), want near", got, ok)
	}
	if _, ok := BestMatch(anchors, AnchorPlan, 20); ok {
		t.Fatalf("BestMatch beyond 2 lines should fail")
	}
}
