// Package model defines the task aggregate shared by the panel, sync and
// store layers. The structured task is authoritative for status fields; the
// Markdown panel is authoritative for content fields.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provenance links a task to the repository state it was created against.
type Provenance struct {
	Repo        string   `json:"repo,omitempty"`
	Branch      string   `json:"branch,omitempty"`
	CommitRange string   `json:"commit_range,omitempty"`
	Issues      []string `json:"issues,omitempty"`
}

// Task is the aggregate root. Exactly one plan may hold in_progress status at
// a time; its id is mirrored in CurrentPlanID on every mutation.
type Task struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Slug          string       `json:"slug"`
	Goal          string       `json:"goal"`
	Status        Status       `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	Provenance    *Provenance  `json:"provenance,omitempty"`
	Hints         []string     `json:"hints,omitempty"`
	Requirements  []string     `json:"requirements,omitempty"`
	Issues        []string     `json:"issues,omitempty"`
	Plans         []Plan       `json:"plans"`
	EVRs          []EVR        `json:"evrs"`
	CurrentPlanID string       `json:"current_plan_id,omitempty"`
	MDVersion     string       `json:"md_version,omitempty"`
	Fingerprints  Fingerprints `json:"fingerprints,omitempty"`
	Version       int          `json:"version"`
	ModifiedBy    string       `json:"modified_by,omitempty"`
}

// Plan is an ordered unit of work with its own steps and EVR bindings.
type Plan struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Status      Status       `json:"status"`
	EvidenceURL string       `json:"evidence_url,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	Hints       []string     `json:"hints,omitempty"`
	Steps       []Step       `json:"steps"`
	EVRBindings []string     `json:"evr_bindings,omitempty"`
	Tags        []ContextTag `json:"tags,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Step is a unit of work within a plan. UsesEVR references EVRs read-only;
// they do not gate the step.
type Step struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Status      Status       `json:"status"`
	EvidenceURL string       `json:"evidence_url,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	Hints       []string     `json:"hints,omitempty"`
	UsesEVR     []string     `json:"uses_evr,omitempty"`
	Tags        []ContextTag `json:"tags,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// EVRRun is one recorded verification attempt.
type EVRRun struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Status EVRStatus `json:"status"`
	Notes  string    `json:"notes,omitempty"`
	Proof  string    `json:"proof,omitempty"`
}

// EVR is an Expected Visible Result: a verification procedure with an
// expected outcome. Status always mirrors the most recent run, or unknown
// when no runs exist.
type EVR struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Verify       Text       `json:"verify"`
	Expect       Text       `json:"expect"`
	Status       EVRStatus  `json:"status"`
	Class        EVRClass   `json:"class"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	Proof        string     `json:"proof,omitempty"`
	ReferencedBy []string   `json:"referenced_by,omitempty"`
	Runs         []EVRRun   `json:"runs,omitempty"`
}

// Fingerprints holds per-section content hashes. Plans and EVRs are keyed by
// entity id so a change to one entity only invalidates that entity's hash.
type Fingerprints struct {
	Title        string            `json:"title,omitempty"`
	Requirements string            `json:"requirements,omitempty"`
	Issues       string            `json:"issues,omitempty"`
	Hints        string            `json:"hints,omitempty"`
	Logs         string            `json:"logs,omitempty"`
	Plans        map[string]string `json:"plans,omitempty"`
	EVRs         map[string]string `json:"evrs,omitempty"`
}

// LogEntry is one append-only log record. Logs are never edited.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Action    string    `json:"action"`
	Message   string    `json:"message"`
	AINotes   string    `json:"ai_notes,omitempty"`
	Actor     string    `json:"actor,omitempty"`
}

var slugStripRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL-safe slug from a title.
func Slugify(title string) string {
	s := slugStripRe.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "task"
	}
	if len(s) > 48 {
		s = strings.Trim(s[:48], "-")
	}
	return s
}

// NewTaskID returns a monotonic sortable task id: a UTC timestamp prefix
// followed by a short random suffix to break same-second ties.
func NewTaskID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

// ShortID returns the 8-character suffix used in directory names.
func ShortID(id string) string {
	if i := strings.LastIndex(id, "-"); i >= 0 && len(id)-i-1 >= 8 {
		return id[i+1 : i+9]
	}
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// NewTask creates a task in its initial state.
func NewTask(title, goal string, now time.Time) *Task {
	return &Task{
		ID:        NewTaskID(now),
		Title:     title,
		Slug:      Slugify(title),
		Goal:      goal,
		Status:    StatusInProgress,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
		Plans:     []Plan{},
		EVRs:      []EVR{},
		Version:   1,
	}
}

// Plan returns a pointer to the plan with the given id.
func (t *Task) Plan(id string) (*Plan, bool) {
	for i := range t.Plans {
		if t.Plans[i].ID == id {
			return &t.Plans[i], true
		}
	}
	return nil, false
}

// Step returns the plan and step matching the step id.
func (t *Task) Step(id string) (*Plan, *Step, bool) {
	for i := range t.Plans {
		for j := range t.Plans[i].Steps {
			if t.Plans[i].Steps[j].ID == id {
				return &t.Plans[i], &t.Plans[i].Steps[j], true
			}
		}
	}
	return nil, nil, false
}

// EVR returns a pointer to the EVR with the given id.
func (t *Task) EVR(id string) (*EVR, bool) {
	for i := range t.EVRs {
		if t.EVRs[i].ID == id {
			return &t.EVRs[i], true
		}
	}
	return nil, false
}

// Completed reports whether the task has been frozen by completion.
func (t *Task) Completed() bool {
	return t.Status == StatusCompleted
}

// Touch bumps the update timestamp.
func (t *Task) Touch(now time.Time) {
	t.UpdatedAt = now.UTC()
}

// SetCurrentPlan maintains the single-current-plan invariant: the named plan
// becomes in_progress and every other in_progress plan is demoted to to_do.
func (t *Task) SetCurrentPlan(id string, now time.Time) {
	for i := range t.Plans {
		p := &t.Plans[i]
		if p.ID == id {
			p.Status = StatusInProgress
			p.UpdatedAt = now.UTC()
			continue
		}
		if p.Status == StatusInProgress {
			p.Status = StatusToDo
			p.UpdatedAt = now.UTC()
		}
	}
	t.CurrentPlanID = id
}

// ReconcileCurrentPlan recomputes CurrentPlanID from plan statuses. It is
// called after any mutation that may have changed a plan status.
func (t *Task) ReconcileCurrentPlan() {
	t.CurrentPlanID = ""
	for i := range t.Plans {
		if t.Plans[i].Status == StatusInProgress {
			t.CurrentPlanID = t.Plans[i].ID
			return
		}
	}
}

// RebuildEVRRefs recomputes every EVR's ReferencedBy from plan bindings.
func (t *Task) RebuildEVRRefs() {
	refs := make(map[string][]string)
	for i := range t.Plans {
		for _, evrID := range t.Plans[i].EVRBindings {
			refs[evrID] = append(refs[evrID], t.Plans[i].ID)
		}
	}
	for i := range t.EVRs {
		t.EVRs[i].ReferencedBy = refs[t.EVRs[i].ID]
	}
}

// LatestRun returns the most recent run, or nil when none exist.
func (e *EVR) LatestRun() *EVRRun {
	if len(e.Runs) == 0 {
		return nil
	}
	return &e.Runs[len(e.Runs)-1]
}

// RecordRun appends a run and updates Status and LastRun to mirror it.
func (e *EVR) RecordRun(run EVRRun) {
	e.Runs = append(e.Runs, run)
	e.Status = run.Status
	at := run.At
	e.LastRun = &at
	if run.Proof != "" {
		e.Proof = run.Proof
	}
}

// BindingSyncFromTags fills EVRBindings from evr-kind context tags.
func (p *Plan) BindingSyncFromTags() {
	var bindings []string
	seen := make(map[string]bool)
	for _, tag := range p.Tags {
		if tag.Kind == TagEVR && !seen[tag.Value] {
			seen[tag.Value] = true
			bindings = append(bindings, tag.Value)
		}
	}
	if bindings != nil {
		p.EVRBindings = bindings
	}
}

// UsesSyncFromTags fills UsesEVR from uses_evr-kind context tags.
func (s *Step) UsesSyncFromTags() {
	var uses []string
	seen := make(map[string]bool)
	for _, tag := range s.Tags {
		if tag.Kind == TagUsesEVR && !seen[tag.Value] {
			seen[tag.Value] = true
			uses = append(uses, tag.Value)
		}
	}
	if uses != nil {
		s.UsesEVR = uses
	}
}
