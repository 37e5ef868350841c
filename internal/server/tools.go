package server

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/metalagman/wave/internal/evr"
	"github.com/metalagman/wave/internal/git"
	"github.com/metalagman/wave/internal/index"
	"github.com/metalagman/wave/internal/model"
	"github.com/metalagman/wave/internal/panel"
	"github.com/metalagman/wave/internal/project"
	"github.com/metalagman/wave/internal/reconcile"
	"github.com/metalagman/wave/internal/waveerr"
)

// TaskSummary is the compact task view returned by session tools.
type TaskSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Slug      string    `json:"slug"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	MDVersion string    `json:"md_version,omitempty"`
}

func summarize(t *model.Task) *TaskSummary {
	return &TaskSummary{
		ID:        t.ID,
		Title:     t.Title,
		Slug:      t.Slug,
		Status:    string(t.Status),
		UpdatedAt: t.UpdatedAt,
		MDVersion: t.MDVersion,
	}
}

type HealthIn struct{}

type HealthOut struct {
	Success       bool   `json:"success"`
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(ctx context.Context, req *mcp.CallToolRequest, in HealthIn) (*mcp.CallToolResult, HealthOut, error) {
	return nil, HealthOut{
		Success:       true,
		Status:        "ok",
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}, nil
}

type ProjectInfoIn struct {
	RecentLimit int `json:"recent_limit,omitempty"`
}

type ProjectInfoOut struct {
	Success     bool              `json:"success"`
	Connected   bool              `json:"connected"`
	Root        string            `json:"root,omitempty"`
	Slug        string            `json:"slug,omitempty"`
	ActiveTask  *TaskSummary      `json:"active_task,omitempty"`
	RecentTasks []index.Record    `json:"recent_tasks,omitempty"`
	Projects    []project.Project `json:"projects,omitempty"`
	NextAction  string            `json:"next_action"`
	Version     string            `json:"version"`
}

func (s *Server) handleProjectInfo(ctx context.Context, req *mcp.CallToolRequest, in ProjectInfoIn) (*mcp.CallToolResult, ProjectInfoOut, error) {
	out := ProjectInfoOut{Success: true, Version: Version}

	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		projects, err := s.registry.List()
		if err != nil {
			s.log.Warn().Err(err).Msg("project registry unavailable")
		}
		out.Projects = projects
		out.NextAction = "connect_project"
		return nil, out, nil
	}

	out.Connected = true
	out.Root = sess.project.Root
	out.Slug = sess.project.Slug
	out.NextAction = "current_task_init"
	if t, _, err := sess.store.Load(ctx); err == nil {
		out.ActiveTask = summarize(t)
		out.NextAction = "current_task_read"
	}
	if sess.archive != nil {
		records, err := sess.archive.Recent(ctx, in.RecentLimit)
		if err != nil {
			s.log.Warn().Err(err).Msg("task index read failed")
		} else {
			out.RecentTasks = records
		}
	}
	return nil, out, nil
}

type ConnectProjectIn struct {
	Root string `json:"root,omitempty"`
	Slug string `json:"slug,omitempty"`
	Repo string `json:"repo,omitempty"`
}

type ConnectProjectOut struct {
	Success    bool         `json:"success"`
	Root       string       `json:"root"`
	Slug       string       `json:"slug"`
	ActiveTask *TaskSummary `json:"active_task,omitempty"`
}

func (s *Server) handleConnectProject(ctx context.Context, req *mcp.CallToolRequest, in ConnectProjectIn) (*mcp.CallToolResult, ConnectProjectOut, error) {
	p, err := s.registry.Resolve(project.Query{Root: in.Root, Slug: in.Slug, Repo: in.Repo}, time.Now())
	if err != nil {
		r, err := errResult(err)
		return r, ConnectProjectOut{}, err
	}
	sess, err := s.bind(p)
	if err != nil {
		r, err := errResult(err)
		return r, ConnectProjectOut{}, err
	}
	out := ConnectProjectOut{Success: true, Root: p.Root, Slug: p.Slug}
	if t, _, err := sess.store.Load(ctx); err == nil {
		out.ActiveTask = summarize(t)
	}
	s.log.Info().Str("root", p.Root).Str("slug", p.Slug).Msg("project bound")
	return nil, out, nil
}

type ProvenanceIn struct {
	Repo        string   `json:"repo,omitempty"`
	Branch      string   `json:"branch,omitempty"`
	CommitRange string   `json:"commit_range,omitempty"`
	Issues      []string `json:"issues,omitempty"`
}

type TaskInitIn struct {
	Title        string        `json:"title"`
	Goal         string        `json:"goal,omitempty"`
	Requirements []string      `json:"requirements,omitempty"`
	Hints        []string      `json:"hints,omitempty"`
	Provenance   *ProvenanceIn `json:"provenance,omitempty"`
}

type TaskInitOut struct {
	Success   bool   `json:"success"`
	TaskID    string `json:"task_id"`
	Dir       string `json:"dir"`
	MDVersion string `json:"md_version"`
	Panel     string `json:"panel"`
}

func (s *Server) handleTaskInit(ctx context.Context, req *mcp.CallToolRequest, in TaskInitIn) (*mcp.CallToolResult, TaskInitOut, error) {
	sess, err := s.current()
	if err != nil {
		r, err := errResult(err)
		return r, TaskInitOut{}, err
	}
	if in.Title == "" {
		r, err := errResult(waveerr.New(waveerr.CodeInvalidArgument, "title is required"))
		return r, TaskInitOut{}, err
	}
	if t, _, err := sess.store.Load(ctx); err == nil && !t.Completed() {
		r, err := errResult(waveerr.New(waveerr.CodeInvalidStateTransition,
			"task %s is still active; complete it before starting another", t.ID).
			WithNextAction("current_task_read"))
		return r, TaskInitOut{}, err
	}

	now := time.Now()
	t := model.NewTask(in.Title, in.Goal, now)
	t.Requirements = in.Requirements
	t.Hints = in.Hints
	if in.Provenance != nil {
		t.Provenance = &model.Provenance{
			Repo:        in.Provenance.Repo,
			Branch:      in.Provenance.Branch,
			CommitRange: in.Provenance.CommitRange,
			Issues:      in.Provenance.Issues,
		}
	} else if p, ok := git.Describe(ctx, s.log, sess.project.Root); ok {
		t.Provenance = &model.Provenance{
			Repo:        p.Repo,
			Branch:      p.Branch,
			CommitRange: p.Commit,
		}
	}
	if err := sess.store.Create(ctx, t); err != nil {
		r, err := errResult(err)
		return r, TaskInitOut{}, err
	}
	if err := sess.store.AppendLog(ctx, model.LogEntry{
		Timestamp: now.UTC(),
		Level:     "info",
		Category:  "task",
		Action:    "created",
		Message:   "task created: " + t.Title,
		Actor:     actorAgent,
	}); err != nil {
		s.log.Warn().Err(err).Msg("task creation log write failed")
	}
	s.upsertIndex(ctx, sess, t)

	raw, _, err := sess.store.ReadPanel(ctx)
	if err != nil {
		r, err := errResult(err)
		return r, TaskInitOut{}, err
	}
	s.log.Info().Str("task_id", t.ID).Msg("task initialized")
	return nil, TaskInitOut{
		Success:   true,
		TaskID:    t.ID,
		Dir:       sess.store.TaskDir(t),
		MDVersion: t.MDVersion,
		Panel:     string(raw),
	}, nil
}

type TaskReadIn struct {
	RequestID string `json:"request_id,omitempty"`
	LogsLimit int    `json:"logs_limit,omitempty"`
}

type TaskReadOut struct {
	Success        bool                         `json:"success"`
	Task           *model.Task                  `json:"task"`
	Panel          string                       `json:"panel"`
	MDVersion      string                       `json:"md_version"`
	Version        int                          `json:"version"`
	EVRReady       bool                         `json:"evr_ready"`
	EVRSummary     evr.Summary                  `json:"evr_summary"`
	EVRDetails     []evr.Detail                 `json:"evr_details"`
	PanelPending   []reconcile.StatusChange     `json:"panel_pending,omitempty"`
	SyncApplied    bool                         `json:"sync_applied"`
	SyncChanges    []reconcile.ContentChange    `json:"sync_changes,omitempty"`
	Conflicts      []reconcile.ResolvedConflict `json:"conflicts,omitempty"`
	PanelIssues    []panel.Issue                `json:"panel_issues,omitempty"`
	PanelFixes     []panel.Fix                  `json:"panel_fixes,omitempty"`
	LogsHighlights []model.LogEntry             `json:"logs_highlights,omitempty"`
	LogsFullCount  int                          `json:"logs_full_count"`
}

func (s *Server) handleTaskRead(ctx context.Context, req *mcp.CallToolRequest, in TaskReadIn) (*mcp.CallToolResult, TaskReadOut, error) {
	sess, err := s.current()
	if err != nil {
		r, err := errResult(err)
		return r, TaskReadOut{}, err
	}
	t, res, p, err := s.syncPanel(ctx, sess, in.RequestID)
	if err != nil {
		r, err := errResult(err)
		return r, TaskReadOut{}, err
	}

	raw, _, err := sess.store.ReadPanel(ctx)
	if err != nil {
		r, err := errResult(err)
		return r, TaskReadOut{}, err
	}
	logs, total, err := sess.store.ReadLogs(ctx)
	if err != nil {
		r, err := errResult(err)
		return r, TaskReadOut{}, err
	}

	gate := evr.Gate{Staleness: sess.cfg.EVRStaleness()}
	out := TaskReadOut{
		Success:        true,
		Task:           t,
		Panel:          string(raw),
		MDVersion:      t.MDVersion,
		Version:        t.Version,
		EVRReady:       len(gate.CheckTask(t, time.Now())) == 0,
		EVRSummary:     evr.Summarize(t),
		EVRDetails:     evr.Details(t),
		PanelPending:   res.StatusChanges,
		SyncApplied:    res.Applied,
		SyncChanges:    res.Changes,
		Conflicts:      res.Conflicts,
		LogsHighlights: logHighlights(logs, in.LogsLimit),
		LogsFullCount:  total,
	}
	if p != nil {
		out.PanelIssues = p.Problems
		out.PanelFixes = p.Fixes
	}
	return nil, out, nil
}

// StatusUpdate is a requested status transition for a plan or step.
type StatusUpdate struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Notes       string `json:"notes,omitempty"`
	EvidenceURL string `json:"evidence_url,omitempty"`
}

// EVRRunIn records one verification attempt.
type EVRRunIn struct {
	EVRID  string `json:"evr_id"`
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
	Proof  string `json:"proof,omitempty"`
}

type TaskUpdateIn struct {
	ExpectedVersion int            `json:"expected_version,omitempty"`
	Plans           []StatusUpdate `json:"plans,omitempty"`
	Steps           []StatusUpdate `json:"steps,omitempty"`
	EVRRuns         []EVRRunIn     `json:"evr_runs,omitempty"`
	SetCurrentPlan  string         `json:"set_current_plan,omitempty"`
}

type TaskUpdateOut struct {
	Success       bool                     `json:"success"`
	TaskID        string                   `json:"task_id"`
	Version       int                      `json:"version"`
	MDVersion     string                   `json:"md_version"`
	CurrentPlanID string                   `json:"current_plan_id,omitempty"`
	EVRForNode    []string                 `json:"evr_for_node,omitempty"`
	EVRSummary    evr.Summary              `json:"evr_summary"`
	PanelPending  []reconcile.StatusChange `json:"panel_pending,omitempty"`
}

func (s *Server) handleTaskUpdate(ctx context.Context, req *mcp.CallToolRequest, in TaskUpdateIn) (*mcp.CallToolResult, TaskUpdateOut, error) {
	sess, err := s.current()
	if err != nil {
		r, err := errResult(err)
		return r, TaskUpdateOut{}, err
	}
	_, res, _, err := s.syncPanel(ctx, sess, "")
	if err != nil {
		r, err := errResult(err)
		return r, TaskUpdateOut{}, err
	}

	now := time.Now()
	gate := evr.Gate{Staleness: sess.cfg.EVRStaleness()}
	t, err := sess.store.Mutate(ctx, actorAgent, in.ExpectedVersion, func(t *model.Task) error {
		if t.Completed() {
			return waveerr.New(waveerr.CodeInvalidStateTransition, "task %s is completed and frozen", t.ID)
		}
		for _, run := range in.EVRRuns {
			if err := applyEVRRun(t, run, now); err != nil {
				return err
			}
		}
		for _, upd := range in.Steps {
			if err := applyStepUpdate(t, upd, now); err != nil {
				return err
			}
		}
		for _, upd := range in.Plans {
			if err := applyPlanUpdate(t, upd, gate, now); err != nil {
				return err
			}
		}
		if in.SetCurrentPlan != "" {
			if _, ok := t.Plan(in.SetCurrentPlan); !ok {
				return waveerr.New(waveerr.CodeNotFound, "plan %s not found", in.SetCurrentPlan)
			}
			t.SetCurrentPlan(in.SetCurrentPlan, now)
		}
		t.ReconcileCurrentPlan()
		t.RebuildEVRRefs()
		return nil
	})
	if err != nil {
		r, err := errResult(err)
		return r, TaskUpdateOut{}, err
	}

	s.logStatusUpdate(ctx, sess, in, now)
	s.upsertIndex(ctx, sess, t)
	return nil, TaskUpdateOut{
		Success:       true,
		TaskID:        t.ID,
		Version:       t.Version,
		MDVersion:     t.MDVersion,
		CurrentPlanID: t.CurrentPlanID,
		EVRForNode:    boundEVRs(t, startedPlans(in)),
		EVRSummary:    evr.Summarize(t),
		PanelPending:  res.StatusChanges,
	}, nil
}

// startedPlans lists the plan ids this update moved to in_progress.
func startedPlans(in TaskUpdateIn) []string {
	var ids []string
	for _, upd := range in.Plans {
		if model.Status(upd.Status) == model.StatusInProgress {
			ids = append(ids, upd.ID)
		}
	}
	if in.SetCurrentPlan != "" {
		ids = append(ids, in.SetCurrentPlan)
	}
	return ids
}

// boundEVRs collects the EVR ids bound to the given plans, so the caller
// learns up front which verifications a started plan requires.
func boundEVRs(t *model.Task, planIDs []string) []string {
	seen := map[string]bool{}
	var ids []string
	for _, pid := range planIDs {
		plan, ok := t.Plan(pid)
		if !ok {
			continue
		}
		for _, id := range plan.EVRBindings {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func applyEVRRun(t *model.Task, run EVRRunIn, now time.Time) error {
	e, ok := t.EVR(run.EVRID)
	if !ok {
		return waveerr.New(waveerr.CodeNotFound, "evr %s not found", run.EVRID)
	}
	status := model.EVRStatus(run.Status)
	if !status.Valid() || status == model.EVRUnknown {
		return waveerr.New(waveerr.CodeInvalidArgument, "evr run status %q must be pass, fail or skip", run.Status)
	}
	if status == model.EVRSkip && run.Notes == "" {
		return waveerr.New(waveerr.CodeEVRValidationFailed, "skipping evr %s requires a reason in notes", run.EVRID).
			WithRecovery(map[string]any{"evr_id": run.EVRID, "reason": evr.ReasonNeedReasonForSkip})
	}
	e.RecordRun(model.EVRRun{
		At:     now.UTC(),
		Actor:  actorAgent,
		Status: status,
		Notes:  run.Notes,
		Proof:  run.Proof,
	})
	return nil
}

func applyStepUpdate(t *model.Task, upd StatusUpdate, now time.Time) error {
	plan, step, ok := t.Step(upd.ID)
	if !ok {
		return waveerr.New(waveerr.CodeNotFound, "step %s not found", upd.ID)
	}
	next := model.Status(upd.Status)
	if !next.Valid() {
		return waveerr.New(waveerr.CodeInvalidArgument, "unknown status %q", upd.Status)
	}
	if !step.Status.CanTransition(next) {
		return waveerr.New(waveerr.CodeInvalidStateTransition,
			"step %s cannot move from %s to %s", upd.ID, step.Status, next)
	}
	step.Status = next
	if upd.Notes != "" {
		step.Notes = upd.Notes
	}
	if upd.EvidenceURL != "" {
		step.EvidenceURL = upd.EvidenceURL
	}
	step.UpdatedAt = now.UTC()
	plan.UpdatedAt = now.UTC()
	return nil
}

func applyPlanUpdate(t *model.Task, upd StatusUpdate, gate evr.Gate, now time.Time) error {
	plan, ok := t.Plan(upd.ID)
	if !ok {
		return waveerr.New(waveerr.CodeNotFound, "plan %s not found", upd.ID)
	}
	next := model.Status(upd.Status)
	if !next.Valid() {
		return waveerr.New(waveerr.CodeInvalidArgument, "unknown status %q", upd.Status)
	}
	if !plan.Status.CanTransition(next) {
		return waveerr.New(waveerr.CodeInvalidStateTransition,
			"plan %s cannot move from %s to %s", upd.ID, plan.Status, next)
	}
	if next == model.StatusCompleted && plan.Status != model.StatusCompleted {
		if blocking := gate.CheckPlan(t, plan); len(blocking) > 0 {
			ids := make([]string, len(blocking))
			for i, b := range blocking {
				ids[i] = b.EVRID
			}
			return waveerr.New(waveerr.CodePlanGateBlocked,
				"plan %s has %d unverified evr(s)", upd.ID, len(blocking)).
				WithRecovery(map[string]any{"evr_for_plan": ids, "evr_required": blocking}).
				WithNextAction("current_task_update")
		}
		at := now.UTC()
		plan.CompletedAt = &at
	}
	if next == model.StatusInProgress {
		t.SetCurrentPlan(plan.ID, now)
	} else {
		plan.Status = next
	}
	if upd.Notes != "" {
		plan.Notes = upd.Notes
	}
	if upd.EvidenceURL != "" {
		plan.EvidenceURL = upd.EvidenceURL
	}
	plan.UpdatedAt = now.UTC()
	return nil
}

func (s *Server) logStatusUpdate(ctx context.Context, sess *session, in TaskUpdateIn, now time.Time) {
	var entries []model.LogEntry
	for _, upd := range in.Plans {
		entries = append(entries, model.LogEntry{
			Timestamp: now.UTC(), Level: "info", Category: "status", Action: "plan",
			Message: "plan " + upd.ID + " -> " + upd.Status, Actor: actorAgent,
		})
	}
	for _, upd := range in.Steps {
		entries = append(entries, model.LogEntry{
			Timestamp: now.UTC(), Level: "info", Category: "status", Action: "step",
			Message: "step " + upd.ID + " -> " + upd.Status, Actor: actorAgent,
		})
	}
	for _, run := range in.EVRRuns {
		entries = append(entries, model.LogEntry{
			Timestamp: now.UTC(), Level: "info", Category: "evr", Action: "run",
			Message: "evr " + run.EVRID + " -> " + run.Status, AINotes: run.Notes, Actor: actorAgent,
		})
	}
	if len(entries) == 0 {
		return
	}
	if err := sess.store.AppendLog(ctx, entries...); err != nil {
		s.log.Warn().Err(err).Msg("status update log write failed")
	}
}

// PlanAddIn describes a new plan.
type PlanAddIn struct {
	Description string   `json:"description"`
	Hints       []string `json:"hints,omitempty"`
	Steps       []string `json:"steps,omitempty"`
	EVRIDs      []string `json:"evr_ids,omitempty"`
}

// PlanEditIn edits content fields of an existing plan.
type PlanEditIn struct {
	ID          string    `json:"id"`
	Description *string   `json:"description,omitempty"`
	Hints       *[]string `json:"hints,omitempty"`
	EVRIDs      *[]string `json:"evr_ids,omitempty"`
}

// StepAddIn describes a new step inside a plan.
type StepAddIn struct {
	PlanID      string `json:"plan_id"`
	Description string `json:"description"`
}

// StepEditIn edits content fields of an existing step.
type StepEditIn struct {
	ID          string    `json:"id"`
	Description *string   `json:"description,omitempty"`
	Hints       *[]string `json:"hints,omitempty"`
	UsesEVR     *[]string `json:"uses_evr,omitempty"`
}

// EVRAddIn describes a new Expected Visible Result.
type EVRAddIn struct {
	Title      string   `json:"title"`
	Verify     []string `json:"verify"`
	Expect     []string `json:"expect"`
	Class      string   `json:"class,omitempty"`
	BindPlanID string   `json:"bind_plan_id,omitempty"`
}

// EVREditIn edits content fields of an existing EVR.
type EVREditIn struct {
	ID     string    `json:"id"`
	Title  *string   `json:"title,omitempty"`
	Verify *[]string `json:"verify,omitempty"`
	Expect *[]string `json:"expect,omitempty"`
	Class  *string   `json:"class,omitempty"`
	Notes  *string   `json:"notes,omitempty"`
}

type TaskModifyIn struct {
	ExpectedVersion int          `json:"expected_version,omitempty"`
	Title           *string      `json:"title,omitempty"`
	Goal            *string      `json:"goal,omitempty"`
	Requirements    *[]string    `json:"requirements,omitempty"`
	Issues          *[]string    `json:"issues,omitempty"`
	Hints           *[]string    `json:"hints,omitempty"`
	AddPlans        []PlanAddIn  `json:"add_plans,omitempty"`
	EditPlans       []PlanEditIn `json:"edit_plans,omitempty"`
	RemovePlans     []string     `json:"remove_plans,omitempty"`
	AddSteps        []StepAddIn  `json:"add_steps,omitempty"`
	EditSteps       []StepEditIn `json:"edit_steps,omitempty"`
	RemoveSteps     []string     `json:"remove_steps,omitempty"`
	AddEVRs         []EVRAddIn   `json:"add_evrs,omitempty"`
	EditEVRs        []EVREditIn  `json:"edit_evrs,omitempty"`
	RemoveEVRs      []string     `json:"remove_evrs,omitempty"`
}

type TaskModifyOut struct {
	Success      bool     `json:"success"`
	TaskID       string   `json:"task_id"`
	Version      int      `json:"version"`
	MDVersion    string   `json:"md_version"`
	AddedPlanIDs []string `json:"added_plan_ids,omitempty"`
	AddedStepIDs []string `json:"added_step_ids,omitempty"`
	AddedEVRIDs  []string `json:"added_evr_ids,omitempty"`
}

func (s *Server) handleTaskModify(ctx context.Context, req *mcp.CallToolRequest, in TaskModifyIn) (*mcp.CallToolResult, TaskModifyOut, error) {
	sess, err := s.current()
	if err != nil {
		r, err := errResult(err)
		return r, TaskModifyOut{}, err
	}
	if _, _, _, err := s.syncPanel(ctx, sess, ""); err != nil {
		r, err := errResult(err)
		return r, TaskModifyOut{}, err
	}

	now := time.Now()
	out := TaskModifyOut{Success: true}
	t, err := sess.store.Mutate(ctx, actorAgent, in.ExpectedVersion, func(t *model.Task) error {
		if t.Completed() {
			return waveerr.New(waveerr.CodeInvalidStateTransition, "task %s is completed and frozen", t.ID)
		}
		applyTaskFields(t, in)
		if err := addPlans(t, in.AddPlans, &out, now); err != nil {
			return err
		}
		if err := editPlans(t, in.EditPlans, now); err != nil {
			return err
		}
		if err := addSteps(t, in.AddSteps, &out, now); err != nil {
			return err
		}
		if err := editSteps(t, in.EditSteps, now); err != nil {
			return err
		}
		if err := addEVRs(t, in.AddEVRs, &out); err != nil {
			return err
		}
		if err := editEVRs(t, in.EditEVRs); err != nil {
			return err
		}
		for _, id := range in.RemoveSteps {
			if _, _, ok := t.Step(id); !ok {
				return waveerr.New(waveerr.CodeNotFound, "step %s not found", id)
			}
			removeStepByID(t, id)
		}
		for _, id := range in.RemovePlans {
			if _, ok := t.Plan(id); !ok {
				return waveerr.New(waveerr.CodeNotFound, "plan %s not found", id)
			}
			removePlanByID(t, id)
		}
		for _, id := range in.RemoveEVRs {
			if _, ok := t.EVR(id); !ok {
				return waveerr.New(waveerr.CodeNotFound, "evr %s not found", id)
			}
			removeEVRByID(t, id)
		}
		t.ReconcileCurrentPlan()
		t.RebuildEVRRefs()
		return nil
	})
	if err != nil {
		r, err := errResult(err)
		return r, TaskModifyOut{}, err
	}

	s.upsertIndex(ctx, sess, t)
	out.TaskID = t.ID
	out.Version = t.Version
	out.MDVersion = t.MDVersion
	return nil, out, nil
}

func applyTaskFields(t *model.Task, in TaskModifyIn) {
	if in.Title != nil && *in.Title != "" {
		t.Title = *in.Title
	}
	if in.Goal != nil {
		t.Goal = *in.Goal
	}
	if in.Requirements != nil {
		t.Requirements = *in.Requirements
	}
	if in.Issues != nil {
		t.Issues = *in.Issues
	}
	if in.Hints != nil {
		t.Hints = *in.Hints
	}
}

func textOf(lines []string) model.Text {
	if len(lines) == 1 {
		return model.Scalar(lines[0])
	}
	return model.ListOf(lines...)
}

func addPlans(t *model.Task, adds []PlanAddIn, out *TaskModifyOut, now time.Time) error {
	for _, add := range adds {
		if add.Description == "" {
			return waveerr.New(waveerr.CodeInvalidArgument, "plan description is required")
		}
		plan := model.Plan{
			ID:          panel.MintID(panel.AnchorPlan),
			Description: add.Description,
			Status:      model.StatusToDo,
			Hints:       add.Hints,
			Steps:       []model.Step{},
			EVRBindings: add.EVRIDs,
			CreatedAt:   now.UTC(),
			UpdatedAt:   now.UTC(),
		}
		for _, desc := range add.Steps {
			plan.Steps = append(plan.Steps, model.Step{
				ID:          panel.MintID(panel.AnchorStep),
				Description: desc,
				Status:      model.StatusToDo,
				CreatedAt:   now.UTC(),
				UpdatedAt:   now.UTC(),
			})
			out.AddedStepIDs = append(out.AddedStepIDs, plan.Steps[len(plan.Steps)-1].ID)
		}
		t.Plans = append(t.Plans, plan)
		out.AddedPlanIDs = append(out.AddedPlanIDs, plan.ID)
	}
	return nil
}

func editPlans(t *model.Task, edits []PlanEditIn, now time.Time) error {
	for _, edit := range edits {
		plan, ok := t.Plan(edit.ID)
		if !ok {
			return waveerr.New(waveerr.CodeNotFound, "plan %s not found", edit.ID)
		}
		if edit.Description != nil && *edit.Description != "" {
			plan.Description = *edit.Description
		}
		if edit.Hints != nil {
			plan.Hints = *edit.Hints
		}
		if edit.EVRIDs != nil {
			plan.EVRBindings = *edit.EVRIDs
		}
		plan.UpdatedAt = now.UTC()
	}
	return nil
}

func addSteps(t *model.Task, adds []StepAddIn, out *TaskModifyOut, now time.Time) error {
	for _, add := range adds {
		plan, ok := t.Plan(add.PlanID)
		if !ok {
			return waveerr.New(waveerr.CodeNotFound, "plan %s not found", add.PlanID)
		}
		if add.Description == "" {
			return waveerr.New(waveerr.CodeInvalidArgument, "step description is required")
		}
		step := model.Step{
			ID:          panel.MintID(panel.AnchorStep),
			Description: add.Description,
			Status:      model.StatusToDo,
			CreatedAt:   now.UTC(),
			UpdatedAt:   now.UTC(),
		}
		plan.Steps = append(plan.Steps, step)
		plan.UpdatedAt = now.UTC()
		out.AddedStepIDs = append(out.AddedStepIDs, step.ID)
	}
	return nil
}

func editSteps(t *model.Task, edits []StepEditIn, now time.Time) error {
	for _, edit := range edits {
		plan, step, ok := t.Step(edit.ID)
		if !ok {
			return waveerr.New(waveerr.CodeNotFound, "step %s not found", edit.ID)
		}
		if edit.Description != nil && *edit.Description != "" {
			step.Description = *edit.Description
		}
		if edit.Hints != nil {
			step.Hints = *edit.Hints
		}
		if edit.UsesEVR != nil {
			step.UsesEVR = *edit.UsesEVR
		}
		step.UpdatedAt = now.UTC()
		plan.UpdatedAt = now.UTC()
	}
	return nil
}

func addEVRs(t *model.Task, adds []EVRAddIn, out *TaskModifyOut) error {
	for _, add := range adds {
		if add.Title == "" || len(add.Verify) == 0 || len(add.Expect) == 0 {
			return waveerr.New(waveerr.CodeInvalidArgument, "evr needs a title, verify and expect")
		}
		class := model.EVRClass(add.Class)
		if class == "" {
			class = model.EVRClassRuntime
		}
		if class != model.EVRClassRuntime && class != model.EVRClassStatic {
			return waveerr.New(waveerr.CodeInvalidArgument, "evr class %q must be runtime or static", add.Class)
		}
		e := model.EVR{
			ID:     panel.MintID(panel.AnchorEVR),
			Title:  add.Title,
			Verify: textOf(add.Verify),
			Expect: textOf(add.Expect),
			Status: model.EVRUnknown,
			Class:  class,
		}
		t.EVRs = append(t.EVRs, e)
		out.AddedEVRIDs = append(out.AddedEVRIDs, e.ID)
		if add.BindPlanID != "" {
			plan, ok := t.Plan(add.BindPlanID)
			if !ok {
				return waveerr.New(waveerr.CodeNotFound, "plan %s not found", add.BindPlanID)
			}
			plan.EVRBindings = append(plan.EVRBindings, e.ID)
		}
	}
	return nil
}

func editEVRs(t *model.Task, edits []EVREditIn) error {
	for _, edit := range edits {
		e, ok := t.EVR(edit.ID)
		if !ok {
			return waveerr.New(waveerr.CodeNotFound, "evr %s not found", edit.ID)
		}
		if edit.Title != nil && *edit.Title != "" {
			e.Title = *edit.Title
		}
		if edit.Verify != nil {
			e.Verify = textOf(*edit.Verify)
		}
		if edit.Expect != nil {
			e.Expect = textOf(*edit.Expect)
		}
		if edit.Class != nil {
			class := model.EVRClass(*edit.Class)
			if class != model.EVRClassRuntime && class != model.EVRClassStatic {
				return waveerr.New(waveerr.CodeInvalidArgument, "evr class %q must be runtime or static", *edit.Class)
			}
			e.Class = class
		}
		if edit.Notes != nil {
			e.Notes = *edit.Notes
		}
	}
	return nil
}

func removePlanByID(t *model.Task, id string) {
	for i := range t.Plans {
		if t.Plans[i].ID == id {
			t.Plans = append(t.Plans[:i], t.Plans[i+1:]...)
			break
		}
	}
	if t.CurrentPlanID == id {
		t.CurrentPlanID = ""
	}
}

func removeStepByID(t *model.Task, id string) {
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

func removeEVRByID(t *model.Task, id string) {
	for i := range t.EVRs {
		if t.EVRs[i].ID == id {
			t.EVRs = append(t.EVRs[:i], t.EVRs[i+1:]...)
			break
		}
	}
	for i := range t.Plans {
		bindings := t.Plans[i].EVRBindings[:0]
		for _, bound := range t.Plans[i].EVRBindings {
			if bound != id {
				bindings = append(bindings, bound)
			}
		}
		t.Plans[i].EVRBindings = bindings
	}
}

type TaskCompleteIn struct {
	ExpectedVersion int `json:"expected_version,omitempty"`
}

type TaskCompleteOut struct {
	Success     bool      `json:"success"`
	TaskID      string    `json:"task_id"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
	MDVersion   string    `json:"md_version"`
	Dir         string    `json:"dir"`
}

func (s *Server) handleTaskComplete(ctx context.Context, req *mcp.CallToolRequest, in TaskCompleteIn) (*mcp.CallToolResult, TaskCompleteOut, error) {
	sess, err := s.current()
	if err != nil {
		r, err := errResult(err)
		return r, TaskCompleteOut{}, err
	}
	if _, _, _, err := s.syncPanel(ctx, sess, ""); err != nil {
		r, err := errResult(err)
		return r, TaskCompleteOut{}, err
	}

	now := time.Now()
	gate := evr.Gate{Staleness: sess.cfg.EVRStaleness()}
	t, err := sess.store.Mutate(ctx, actorAgent, in.ExpectedVersion, func(t *model.Task) error {
		if t.Completed() {
			return waveerr.New(waveerr.CodeInvalidStateTransition, "task %s is already completed", t.ID)
		}
		if blocking := gate.CheckTask(t, now); len(blocking) > 0 {
			return waveerr.New(waveerr.CodeEVRNotReady,
				"%d evr(s) block task completion", len(blocking)).
				WithRecovery(map[string]any{
					"evr_required_final": blocking,
					"evr_summary":        evr.Summarize(t),
				}).
				WithNextAction("current_task_update")
		}
		if !t.Status.CanTransition(model.StatusCompleted) {
			return waveerr.New(waveerr.CodeInvalidStateTransition,
				"task cannot move from %s to completed", t.Status)
		}
		at := now.UTC()
		t.Status = model.StatusCompleted
		t.CompletedAt = &at
		return nil
	})
	if err != nil {
		r, err := errResult(err)
		return r, TaskCompleteOut{}, err
	}

	if err := sess.store.AppendLog(ctx, model.LogEntry{
		Timestamp: now.UTC(),
		Level:     "info",
		Category:  "task",
		Action:    "completed",
		Message:   "task completed: " + t.Title,
		Actor:     actorAgent,
	}); err != nil {
		s.log.Warn().Err(err).Msg("completion log write failed")
	}
	s.upsertIndex(ctx, sess, t)
	if err := sess.store.ClearActive(); err != nil {
		r, err := errResult(err)
		return r, TaskCompleteOut{}, err
	}

	s.log.Info().Str("task_id", t.ID).Msg("task completed")
	return nil, TaskCompleteOut{
		Success:     true,
		TaskID:      t.ID,
		Status:      string(t.Status),
		CompletedAt: *t.CompletedAt,
		MDVersion:   t.MDVersion,
		Dir:         sess.store.TaskDir(t),
	}, nil
}

// LogEntryIn is one entry to append to the task log.
type LogEntryIn struct {
	Level    string `json:"level,omitempty"`
	Category string `json:"category,omitempty"`
	Action   string `json:"action,omitempty"`
	Message  string `json:"message"`
	AINotes  string `json:"ai_notes,omitempty"`
}

type TaskLogIn struct {
	Entries []LogEntryIn `json:"entries"`
}

type TaskLogOut struct {
	Success  bool `json:"success"`
	Appended int  `json:"appended"`
	Total    int  `json:"total"`
}

func (s *Server) handleTaskLog(ctx context.Context, req *mcp.CallToolRequest, in TaskLogIn) (*mcp.CallToolResult, TaskLogOut, error) {
	sess, err := s.current()
	if err != nil {
		r, err := errResult(err)
		return r, TaskLogOut{}, err
	}
	if len(in.Entries) == 0 {
		r, err := errResult(waveerr.New(waveerr.CodeInvalidArgument, "entries must not be empty"))
		return r, TaskLogOut{}, err
	}

	now := time.Now().UTC()
	entries := make([]model.LogEntry, 0, len(in.Entries))
	for _, e := range in.Entries {
		if e.Message == "" {
			r, err := errResult(waveerr.New(waveerr.CodeInvalidArgument, "log entry message is required"))
			return r, TaskLogOut{}, err
		}
		level := e.Level
		if level == "" {
			level = "info"
		}
		category := e.Category
		if category == "" {
			category = "note"
		}
		action := e.Action
		if action == "" {
			action = "log"
		}
		entries = append(entries, model.LogEntry{
			Timestamp: now,
			Level:     level,
			Category:  category,
			Action:    action,
			Message:   e.Message,
			AINotes:   e.AINotes,
			Actor:     actorAgent,
		})
	}
	if err := sess.store.AppendLog(ctx, entries...); err != nil {
		r, err := errResult(err)
		return r, TaskLogOut{}, err
	}
	_, total, err := sess.store.ReadLogs(ctx)
	if err != nil {
		r, err := errResult(err)
		return r, TaskLogOut{}, err
	}
	return nil, TaskLogOut{Success: true, Appended: len(entries), Total: total}, nil
}
