package panel

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/metalagman/wave/internal/model"
	"github.com/metalagman/wave/internal/waveerr"
)

// RenderOptions controls optional renderer output.
type RenderOptions struct {
	FrontMatter  bool
	MDVersion    string
	LastModified *time.Time
}

// Minted records an id the renderer invented for an entity that had none.
// Callers persist minted ids so the next render is stable.
type Minted struct {
	Kind AnchorKind
	ID   string
}

// RenderResult is the rendered document plus the per-section and per-entity
// source text used for fingerprinting.
type RenderResult struct {
	Markdown string
	Minted   []Minted
	Sections map[Section]string
	PlanText map[string]string
	EVRText  map[string]string
}

var mintCounter atomic.Int64

func init() {
	mintCounter.Store(time.Now().UnixNano() & 0xfffffff)
}

// MintID returns a stable 8-character monotonic id with the kind prefix.
func MintID(kind AnchorKind) string {
	n := mintCounter.Add(1)
	s := strconv.FormatInt(n, 36)
	if len(s) < 8 {
		s = strings.Repeat("0", 8-len(s)) + s
	}
	return fmt.Sprintf("%s-%s", kind, s[len(s)-8:])
}

// RenderTask renders the authoritative task (and its log stream) to the
// canonical panel document.
func RenderTask(t *model.Task, logs []model.LogEntry, opts RenderOptions) (*RenderResult, error) {
	return render(taskToPanel(t, logs), opts)
}

// RenderPanel re-renders a parsed panel to the canonical document. Parsing
// the output yields an equivalent structure.
func RenderPanel(p *Panel, opts RenderOptions) (*RenderResult, error) {
	return render(p, opts)
}

func taskToPanel(t *model.Task, logs []model.LogEntry) *Panel {
	p := &Panel{
		Title:        t.Title,
		Requirements: t.Requirements,
		Issues:       t.Issues,
		Hints:        t.Hints,
	}
	for _, plan := range t.Plans {
		pp := ParsedPlan{
			ID:          plan.ID,
			Description: plan.Description,
			Status:      plan.Status,
			Hints:       plan.Hints,
			Tags:        withBindingTags(plan.Tags, model.TagEVR, plan.EVRBindings),
		}
		for _, step := range plan.Steps {
			pp.Steps = append(pp.Steps, ParsedStep{
				ID:          step.ID,
				Description: step.Description,
				Status:      step.Status,
				Hints:       step.Hints,
				Tags:        withBindingTags(step.Tags, model.TagUsesEVR, step.UsesEVR),
			})
		}
		p.Plans = append(p.Plans, pp)
	}
	for _, evr := range t.EVRs {
		p.EVRs = append(p.EVRs, ParsedEVR{
			ID:      evr.ID,
			Title:   evr.Title,
			Status:  evr.Status,
			Verify:  evr.Verify,
			Expect:  evr.Expect,
			Class:   evr.Class,
			LastRun: evr.LastRun,
			Notes:   evr.Notes,
			Proof:   evr.Proof,
		})
	}
	for _, entry := range logs {
		p.LogLines = append(p.LogLines, FormatLogEntry(entry)...)
	}
	return p
}

// withBindingTags appends tags for binding ids not already present so that
// bindings survive the panel round-trip.
func withBindingTags(tags []model.ContextTag, kind model.TagKind, ids []string) []model.ContextTag {
	present := make(map[string]bool)
	for _, tag := range tags {
		if tag.Kind == kind {
			present[tag.Value] = true
		}
	}
	out := append([]model.ContextTag(nil), tags...)
	for _, id := range ids {
		if !present[id] {
			out = append(out, model.ContextTag{Kind: kind, Value: id})
		}
	}
	return out
}

// FormatLogEntry renders one log entry, with an indented AI Notes
// continuation when present.
func FormatLogEntry(entry model.LogEntry) []string {
	lines := []string{fmt.Sprintf("[%s] %s %s/%s: %s",
		entry.Timestamp.UTC().Format(time.RFC3339),
		strings.ToUpper(entry.Level), entry.Category, entry.Action, entry.Message)}
	if entry.AINotes != "" {
		lines = append(lines, "  AI Notes: "+entry.AINotes)
	}
	return lines
}

type writer struct {
	b        strings.Builder
	sections map[Section]string
	section  *strings.Builder
	name     Section
}

func (w *writer) line(s string) {
	w.b.WriteString(s)
	w.b.WriteByte('\n')
	if w.section != nil {
		w.section.WriteString(s)
		w.section.WriteByte('\n')
	}
}

// open starts a section. The heading and its surrounding blank lines are not
// part of the section's fingerprint text, so fingerprints only track content.
func (w *writer) open(name Section, heading string) {
	w.flush()
	if !strings.HasSuffix(w.b.String(), "\n\n") {
		w.b.WriteByte('\n')
	}
	w.b.WriteString(heading)
	w.b.WriteByte('\n')
	w.b.WriteByte('\n')
	w.name = name
	w.section = &strings.Builder{}
}

func (w *writer) flush() {
	if w.section != nil {
		w.sections[w.name] = strings.TrimRight(w.section.String(), "\n")
		w.section = nil
	}
}

func render(p *Panel, opts RenderOptions) (*RenderResult, error) {
	res := &RenderResult{
		Sections: make(map[Section]string),
		PlanText: make(map[string]string),
		EVRText:  make(map[string]string),
	}
	w := &writer{sections: res.Sections}

	if opts.FrontMatter {
		w.line("---")
		w.line("md_version: " + opts.MDVersion)
		if opts.LastModified != nil {
			w.line("last_modified: " + opts.LastModified.UTC().Format(time.RFC3339))
		}
		w.line("---")
		w.line("")
	}

	title := "# Task: " + p.Title
	w.line(title)
	res.Sections[SectionTitle] = title

	w.open(SectionRequirements, "## Requirements")
	for _, item := range p.Requirements {
		w.line("- " + item)
	}

	w.open(SectionIssues, "## Issues")
	for _, item := range p.Issues {
		w.line("- " + item)
	}

	w.open(SectionHints, "## Task Hints")
	for _, hint := range p.Hints {
		w.line("> " + hint)
	}

	w.open(SectionPlans, "## Plans & Steps")
	for i := range p.Plans {
		plan := &p.Plans[i]
		if plan.ID == "" {
			plan.ID = MintID(AnchorPlan)
			res.Minted = append(res.Minted, Minted{Kind: AnchorPlan, ID: plan.ID})
		}
		if i > 0 {
			w.line("")
		}
		var block strings.Builder
		emit := func(s string) {
			w.line(s)
			block.WriteString(s)
			block.WriteByte('\n')
		}
		emit(fmt.Sprintf("%d. [%c] %s <!-- plan:%s -->", i+1, model.GlyphForStatus(plan.Status), plan.Description, plan.ID))
		for _, hint := range plan.Hints {
			emit("  > " + hint)
		}
		for _, tag := range plan.Tags {
			emit(fmt.Sprintf("  - [%s] %s", tag.Kind, tag.Value))
		}
		for j := range plan.Steps {
			step := &plan.Steps[j]
			if step.ID == "" {
				step.ID = MintID(AnchorStep)
				res.Minted = append(res.Minted, Minted{Kind: AnchorStep, ID: step.ID})
			}
			emit(fmt.Sprintf("  %d.%d [%c] %s <!-- step:%s -->", i+1, j+1, model.GlyphForStatus(step.Status), step.Description, step.ID))
			for _, hint := range step.Hints {
				emit("    > " + hint)
			}
			for _, tag := range step.Tags {
				emit(fmt.Sprintf("    - [%s] %s", tag.Kind, tag.Value))
			}
		}
		res.PlanText[plan.ID] = strings.TrimRight(block.String(), "\n")
	}

	w.open(SectionEVRs, "## Expected Visible Results")
	for i := range p.EVRs {
		evr := &p.EVRs[i]
		if evr.ID == "" {
			evr.ID = MintID(AnchorEVR)
			res.Minted = append(res.Minted, Minted{Kind: AnchorEVR, ID: evr.ID})
		}
		if i > 0 {
			w.line("")
		}
		var block strings.Builder
		emit := func(s string) {
			w.line(s)
			block.WriteString(s)
			block.WriteByte('\n')
		}
		emit(fmt.Sprintf("%d. [%c] %s <!-- evr:%s -->", i+1, model.GlyphForEVRStatus(evr.Status), evr.Title, evr.ID))
		for _, item := range evr.Verify.Lines() {
			emit("  - [verify] " + item)
		}
		for _, item := range evr.Expect.Lines() {
			emit("  - [expect] " + item)
		}
		emit("  - [status] " + string(evr.Status))
		class := evr.Class
		if class == "" {
			class = model.EVRClassRuntime
		}
		emit("  - [class] " + string(class))
		if evr.LastRun != nil {
			emit("  - [last_run] " + evr.LastRun.UTC().Format(time.RFC3339))
		}
		if evr.Notes != "" {
			emit("  - [notes] " + evr.Notes)
		}
		if evr.Proof != "" {
			emit("  - [proof] " + evr.Proof)
		}
		res.EVRText[evr.ID] = strings.TrimRight(block.String(), "\n")
	}

	w.open(SectionLogs, "## Logs")
	for _, line := range p.LogLines {
		w.line(line)
	}
	w.flush()

	res.Markdown = w.b.String()
	if err := checkAnchorInvariant(res.Markdown); err != nil {
		return nil, err
	}
	return res, nil
}

// checkAnchorInvariant verifies that every emitted anchor id is non-empty
// and unique within the document.
func checkAnchorInvariant(doc string) error {
	seen := make(map[string]bool)
	for i, line := range strings.Split(doc, "\n") {
		for _, a := range AnchorsIn(line) {
			if a.ID == "" {
				return waveerr.New(waveerr.CodeRenderError, "empty %s anchor at line %d", a.Kind, i+1)
			}
			key := string(a.Kind) + ":" + a.ID
			if seen[key] {
				return waveerr.New(waveerr.CodeRenderError, "duplicate anchor %s at line %d", key, i+1)
			}
			seen[key] = true
		}
	}
	return nil
}
