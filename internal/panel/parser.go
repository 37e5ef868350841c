package panel

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/metalagman/wave/internal/model"
	"github.com/metalagman/wave/internal/waveerr"
)

// Section names a recognized panel section.
type Section string

const (
	SectionTitle        Section = "title"
	SectionRequirements Section = "requirements"
	SectionIssues       Section = "issues"
	SectionHints        Section = "hints"
	SectionPlans        Section = "plans"
	SectionEVRs         Section = "evrs"
	SectionLogs         Section = "logs"
)

// The recognized heading vocabulary is closed. English labels plus the
// original panel labels are accepted, matched case-insensitively.
var sectionVocabulary = map[string]Section{
	"requirements":             SectionRequirements,
	"需求":                       SectionRequirements,
	"issues":                   SectionIssues,
	"问题":                       SectionIssues,
	"已知问题":                     SectionIssues,
	"task hints":               SectionHints,
	"hints":                    SectionHints,
	"任务提示":                     SectionHints,
	"提示":                       SectionHints,
	"plans & steps":            SectionPlans,
	"plans and steps":          SectionPlans,
	"plans":                    SectionPlans,
	"计划与步骤":                    SectionPlans,
	"计划":                       SectionPlans,
	"expected visible results": SectionEVRs,
	"evrs":                     SectionEVRs,
	"预期可见结果":                   SectionEVRs,
	"logs":                     SectionLogs,
	"日志":                       SectionLogs,
}

// Metadata carries the panel front matter.
type Metadata struct {
	Version      string
	LastModified *time.Time
}

// Fix records one tolerance rewrite the parser applied.
type Fix struct {
	Line   int    `json:"line"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Issue records a recoverable parse problem.
type Issue struct {
	Line       int    `json:"line"`
	Message    string `json:"message"`
	Context    string `json:"context,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ParsedStep is a step read from the Plans section.
type ParsedStep struct {
	ID          string
	NumberPath  string
	Description string
	Status      model.Status
	Hints       []string
	Tags        []model.ContextTag
	Synthetic   bool
}

// ParsedPlan is a plan read from the Plans section.
type ParsedPlan struct {
	ID          string
	NumberPath  string
	Description string
	Status      model.Status
	Hints       []string
	Tags        []model.ContextTag
	Steps       []ParsedStep
	Raw         []string
	Synthetic   bool
}

// ParsedEVR is an Expected Visible Result read from its section.
type ParsedEVR struct {
	ID      string
	Title   string
	Status  model.EVRStatus
	Verify  model.Text
	Expect  model.Text
	Class   model.EVRClass
	LastRun *time.Time
	Notes   string
	Proof   string
	Raw     []string
}

// Panel is the structured result of parsing a Markdown panel.
type Panel struct {
	Title        string
	Metadata     Metadata
	Requirements []string
	Issues       []string
	Hints        []string
	Plans        []ParsedPlan
	EVRs         []ParsedEVR
	LogLines     []string
	SectionText  map[Section]string
	Fixes        []Fix
	Problems     []Issue
	Warnings     []string
}

// Config tunes parser tolerance. Zero values select the defaults.
type Config struct {
	MaxFixes   int // cap on tolerance rewrites, default 50
	MaxDepth   int // max checkbox nesting depth, default 2
	IndentUnit int // 0 autodetects among 2, 3, 4
}

func (c Config) withDefaults() Config {
	if c.MaxFixes == 0 {
		c.MaxFixes = 50
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 2
	}
	return c
}

var (
	checkboxRe = regexp.MustCompile(`^(\s*)(?:(\d+(?:\.\d+)*)\.?\s*|[-*]\s*)?\[(.)\]\s*(.*)$`)
	tagLineRe  = regexp.MustCompile(`^(\s*)- \[([a-z_]+)\]\s+(.*)$`)
	hintLineRe = regexp.MustCompile(`^(\s*)>\s?(.*)$`)
	evrFieldRe = regexp.MustCompile(`^\s*- \[(verify|expect|status|class|last_run|notes|proof)\]\s*(.*)$`)
)

type parser struct {
	cfg      Config
	panel    *Panel
	resolver *Resolver
	fixCap   bool
}

// Parse reads a Markdown panel into its structured form. Recoverable issues
// are recorded on the result; the only hard failures are invalid text and a
// missing title.
func Parse(src []byte, cfg Config) (*Panel, error) {
	if !utf8.Valid(src) {
		return nil, waveerr.New(waveerr.CodeParseError, "panel is not valid UTF-8 text")
	}
	p := &parser{
		cfg:      cfg.withDefaults(),
		panel:    &Panel{SectionText: make(map[Section]string)},
		resolver: NewResolver(),
	}

	body := p.stripFrontMatter(string(src))
	lines := splitLines(body)
	lines = p.normalize(lines)
	p.segment(lines)
	p.panel.Warnings = append(p.panel.Warnings, p.resolver.Warnings...)

	if p.panel.Title == "" {
		return nil, waveerr.New(waveerr.CodeParseError, "panel has no title heading")
	}
	return p.panel, nil
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}

type frontMatter struct {
	MDVersion    string `yaml:"md_version"`
	LastModified string `yaml:"last_modified"`
}

func (p *parser) stripFrontMatter(body string) string {
	if !strings.HasPrefix(body, "---\n") {
		return body
	}
	rest := body[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return body
	}
	block := rest[:end]
	after := rest[end+4:]
	after = strings.TrimPrefix(after, "\n")

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		p.problem(0, fmt.Sprintf("front matter is not valid YAML: %v", err),
			"", "remove or fix the front matter block")
		return after
	}
	p.panel.Metadata.Version = fm.MDVersion
	if fm.LastModified != "" {
		if ts, err := time.Parse(time.RFC3339, fm.LastModified); err == nil {
			p.panel.Metadata.LastModified = &ts
		} else {
			p.problem(0, fmt.Sprintf("front matter last_modified is not RFC 3339: %q", fm.LastModified),
				"", "use an ISO-8601 timestamp")
		}
	}
	return after
}

func (p *parser) fix(line int, kind, detail string) bool {
	if len(p.panel.Fixes) >= p.cfg.MaxFixes {
		if !p.fixCap {
			p.fixCap = true
			p.problem(line, fmt.Sprintf("tolerance fix cap (%d) reached; further fixes suppressed", p.cfg.MaxFixes),
				"", "clean up the panel formatting")
		}
		return false
	}
	p.panel.Fixes = append(p.panel.Fixes, Fix{Line: line + 1, Kind: kind, Detail: detail})
	return true
}

func (p *parser) problem(line int, msg, context, suggestion string) {
	p.panel.Problems = append(p.panel.Problems, Issue{
		Line: line + 1, Message: msg, Context: context, Suggestion: suggestion,
	})
}

// normalize runs the tolerance pipeline: blank-line insertion, glyph
// normalization, indent renormalization, heading promotion and anchor
// injection. Content is never dropped; over-deep lines become HTML comments.
func (p *parser) normalize(lines []string) []string {
	lines = p.insertBlankLines(lines)
	lines = p.normalizeGlyphs(lines)
	lines = p.normalizeIndents(lines)
	lines = p.promoteHeadings(lines)
	lines = p.injectAnchors(lines)
	return lines
}

func (p *parser) insertBlankLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		out = append(out, line)
		if i+1 >= len(lines) {
			continue
		}
		next := lines[i+1]
		if strings.HasPrefix(line, "#") && strings.TrimSpace(next) != "" {
			if p.fix(i, "blank_line", "inserted blank line after heading") {
				out = append(out, "")
			}
			continue
		}
		if isTopLevelCheckbox(line) && isTopLevelCheckbox(next) {
			if p.fix(i, "blank_line", "inserted blank line between top-level items") {
				out = append(out, "")
			}
		}
	}
	return out
}

func isTopLevelCheckbox(line string) bool {
	m := checkboxRe.FindStringSubmatch(line)
	return m != nil && m[1] == ""
}

func (p *parser) normalizeGlyphs(lines []string) []string {
	for i, line := range lines {
		m := checkboxRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		glyph, _ := utf8.DecodeRuneInString(m[3])
		canonical, ok := model.NormalizeGlyph(glyph)
		if !ok {
			p.problem(i, fmt.Sprintf("unrecognized checkbox glyph %q", m[3]),
				strings.TrimSpace(line), "use one of [ ] [-] [x] [!]")
			continue
		}
		if canonical == glyph {
			continue
		}
		idx := strings.Index(line, "["+m[3]+"]")
		if idx < 0 {
			continue
		}
		if p.fix(i, "glyph", fmt.Sprintf("normalized %q to %q", m[3], string(canonical))) {
			lines[i] = line[:idx] + "[" + string(canonical) + "]" + line[idx+len("["+m[3]+"]"):]
		}
	}
	return lines
}

// detectIndentUnit picks the dominant indent unit among 2, 3 and 4 spaces
// from the leading-whitespace histogram of indented checkbox lines.
func detectIndentUnit(lines []string) int {
	counts := map[int]int{2: 0, 3: 0, 4: 0}
	for _, line := range lines {
		m := checkboxRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		width := indentWidth(m[1])
		if width == 0 {
			continue
		}
		for _, unit := range []int{2, 3, 4} {
			if width%unit == 0 {
				counts[unit]++
			}
		}
	}
	best, bestCount := 2, -1
	for _, unit := range []int{2, 3, 4} {
		if counts[unit] > bestCount {
			best, bestCount = unit, counts[unit]
		}
	}
	return best
}

func indentWidth(ws string) int {
	width := 0
	for _, r := range ws {
		if r == '\t' {
			width += 4
		} else {
			width++
		}
	}
	return width
}

func (p *parser) normalizeIndents(lines []string) []string {
	unit := p.cfg.IndentUnit
	if unit == 0 {
		unit = detectIndentUnit(lines)
	}
	for i, line := range lines {
		m := checkboxRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		width := indentWidth(m[1])
		depth := (width + unit/2) / unit
		if depth > p.cfg.MaxDepth {
			// Content is preserved as a comment, never dropped.
			if p.fix(i, "depth", fmt.Sprintf("checkbox nested %d levels deep converted to comment", depth)) {
				lines[i] = "<!-- " + strings.TrimSpace(line) + " -->"
			}
			continue
		}
		normalized := strings.Repeat(" ", depth*2)
		if m[1] != normalized {
			rest := line[len(m[1]):]
			if width%unit != 0 || unit != 2 {
				if !p.fix(i, "indent", fmt.Sprintf("renormalized %d-space indent to depth %d", width, depth)) {
					continue
				}
			}
			lines[i] = normalized + rest
		}
	}
	return lines
}

func (p *parser) promoteHeadings(lines []string) []string {
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || len(trimmed) > 40 {
			continue
		}
		if _, ok := sectionVocabulary[strings.ToLower(strings.TrimSuffix(trimmed, ":"))]; ok {
			if p.fix(i, "heading", fmt.Sprintf("promoted %q to a section heading", trimmed)) {
				lines[i] = "## " + strings.TrimSuffix(trimmed, ":")
			}
		}
	}
	return lines
}

// injectAnchors gives every checkbox line in the plans and EVR sections an
// anchor, derived from its ordinal path when present.
func (p *parser) injectAnchors(lines []string) []string {
	section := Section("")
	for i, line := range lines {
		if s, ok := headingSection(line); ok {
			section = s
			continue
		}
		if section != SectionPlans && section != SectionEVRs {
			continue
		}
		m := checkboxRe.FindStringSubmatch(line)
		if m == nil || len(AnchorsIn(line)) > 0 {
			continue
		}
		var kind AnchorKind
		switch {
		case section == SectionEVRs:
			kind = AnchorEVR
		case m[1] == "":
			kind = AnchorPlan
		default:
			kind = AnchorStep
		}
		var id string
		if m[2] != "" {
			id = fmt.Sprintf("%s-%s", kind, strings.ReplaceAll(m[2], ".", "-"))
		} else {
			id = p.resolver.SyntheticID(kind, i)
			p.problem(i, fmt.Sprintf("%s line has neither anchor nor ordinal; synthesized id %s", kind, id),
				strings.TrimSpace(line), "")
		}
		if p.fix(i, "anchor", fmt.Sprintf("injected %s:%s anchor", kind, id)) {
			lines[i] = line + " <!-- " + string(kind) + ":" + id + " -->"
		}
	}
	return lines
}

func headingSection(line string) (Section, bool) {
	if !strings.HasPrefix(line, "## ") {
		return "", false
	}
	name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "## ")))
	s, ok := sectionVocabulary[name]
	return s, ok
}

// segment walks normalized lines, records raw section text and dispatches
// each section body to its assembler.
func (p *parser) segment(lines []string) {
	section := Section("")
	var body []string
	var start int

	flush := func() {
		if section == "" {
			return
		}
		p.panel.SectionText[section] = strings.Join(body, "\n")
		switch section {
		case SectionRequirements:
			p.panel.Requirements = parseListItems(body)
		case SectionIssues:
			p.panel.Issues = parseListItems(body)
		case SectionHints:
			p.panel.Hints = parseHintItems(body)
		case SectionPlans:
			p.assemblePlans(body, start)
		case SectionEVRs:
			p.assembleEVRs(body, start)
		case SectionLogs:
			p.panel.LogLines = trimBlankEdges(body)
		}
	}

	for i, line := range lines {
		if strings.HasPrefix(line, "# ") && !strings.HasPrefix(line, "## ") {
			if p.panel.Title == "" {
				title := strings.TrimSpace(strings.TrimPrefix(line, "# "))
				title = strings.TrimPrefix(title, "Task: ")
				title = strings.TrimPrefix(title, "任务: ")
				p.panel.Title = title
				p.panel.SectionText[SectionTitle] = line
			}
			continue
		}
		if strings.HasPrefix(line, "## ") {
			flush()
			body = nil
			start = i + 1
			s, ok := headingSection(line)
			if !ok {
				name := strings.TrimSpace(strings.TrimPrefix(line, "## "))
				p.problem(i, fmt.Sprintf("unrecognized section heading %q", name),
					line, "use one of the known section names")
				section = ""
				continue
			}
			section = s
			continue
		}
		if section != "" {
			body = append(body, line)
		}
	}
	flush()
}

func parseListItems(body []string) []string {
	var out []string
	for _, line := range body {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		trimmed = strings.TrimPrefix(trimmed, "- ")
		trimmed = strings.TrimPrefix(trimmed, "* ")
		out = append(out, strings.TrimSpace(trimmed))
	}
	return out
}

func parseHintItems(body []string) []string {
	var out []string
	for _, line := range body {
		if m := hintLineRe.FindStringSubmatch(line); m != nil {
			out = append(out, m[2])
			continue
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func trimBlankEdges(body []string) []string {
	start, end := 0, len(body)
	for start < end && strings.TrimSpace(body[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(body[end-1]) == "" {
		end--
	}
	return body[start:end]
}

// assemblePlans builds plans and steps from the Plans section. Depth-0
// checkbox lines open a plan, deeper lines append steps; hint and tag lines
// attach to the plan when indented at most one unit, else to the last step.
func (p *parser) assemblePlans(body []string, offset int) {
	anchors, _ := p.resolver.Scan(body)
	var current *ParsedPlan
	var lastStep *ParsedStep

	for i, line := range body {
		if strings.TrimSpace(line) == "" {
			if current != nil {
				current.Raw = append(current.Raw, line)
			}
			continue
		}
		if m := checkboxRe.FindStringSubmatch(line); m != nil {
			depth := indentWidth(m[1]) / 2
			glyph, _ := utf8.DecodeRuneInString(m[3])
			status, ok := model.StatusForGlyph(glyph)
			if !ok {
				status = model.StatusToDo
			}
			text := StripAnchors(m[4])
			if depth == 0 {
				id, synthetic := p.resolveID(anchors, AnchorPlan, i, m[2], line)
				p.panel.Plans = append(p.panel.Plans, ParsedPlan{
					ID:          id,
					NumberPath:  m[2],
					Description: text,
					Status:      status,
					Synthetic:   synthetic,
					Raw:         []string{line},
				})
				current = &p.panel.Plans[len(p.panel.Plans)-1]
				lastStep = nil
				continue
			}
			if current == nil {
				p.problem(offset+i, "step checkbox found before any plan", strings.TrimSpace(line), "")
				continue
			}
			current.Raw = append(current.Raw, line)
			id, synthetic := p.resolveID(anchors, AnchorStep, i, m[2], line)
			current.Steps = append(current.Steps, ParsedStep{
				ID:          id,
				NumberPath:  m[2],
				Description: text,
				Status:      status,
				Synthetic:   synthetic,
			})
			lastStep = &current.Steps[len(current.Steps)-1]
			continue
		}
		if current == nil {
			continue
		}
		current.Raw = append(current.Raw, line)
		if m := hintLineRe.FindStringSubmatch(line); m != nil {
			if indentWidth(m[1])/2 <= 1 || lastStep == nil {
				current.Hints = append(current.Hints, m[2])
			} else {
				lastStep.Hints = append(lastStep.Hints, m[2])
			}
			continue
		}
		if m := tagLineRe.FindStringSubmatch(line); m != nil {
			kind := model.TagKind(m[2])
			if !kind.Valid() {
				p.problem(offset+i, fmt.Sprintf("unknown context tag kind %q", m[2]),
					strings.TrimSpace(line), "use ref, decision, discuss, inputs, constraints, evr or uses_evr")
				continue
			}
			tag := model.ContextTag{Kind: kind, Value: strings.TrimSpace(m[3])}
			if indentWidth(m[1])/2 <= 1 || lastStep == nil {
				current.Tags = append(current.Tags, tag)
			} else {
				lastStep.Tags = append(lastStep.Tags, tag)
			}
		}
	}
}

// resolveID applies the best-match rule: nearest anchor of the kind within
// two lines, else the ordinal path, else a synthetic id.
func (p *parser) resolveID(anchors []Anchor, kind AnchorKind, line int, numberPath, raw string) (string, bool) {
	if a, ok := BestMatch(anchors, kind, line); ok {
		return a.ID, false
	}
	if numberPath != "" {
		return fmt.Sprintf("%s-%s", kind, strings.ReplaceAll(numberPath, ".", "-")), false
	}
	id := p.resolver.SyntheticID(kind, line)
	p.problem(line, fmt.Sprintf("no anchor or ordinal for %s; synthesized id %s", kind, id),
		strings.TrimSpace(raw), "")
	return id, true
}

// assembleEVRs builds EVRs. Each opens with a numbered checkbox title line;
// the following bracketed field rows populate it. Repeated verify/expect
// rows accumulate into ordered lists.
func (p *parser) assembleEVRs(body []string, offset int) {
	anchors, _ := p.resolver.Scan(body)
	var current *ParsedEVR
	var verifyRows, expectRows int

	for i, line := range body {
		if strings.TrimSpace(line) == "" {
			if current != nil {
				current.Raw = append(current.Raw, line)
			}
			continue
		}
		if m := checkboxRe.FindStringSubmatch(line); m != nil && indentWidth(m[1]) == 0 {
			glyph, _ := utf8.DecodeRuneInString(m[3])
			status, ok := model.EVRStatusForGlyph(glyph)
			if !ok {
				status = model.EVRUnknown
			}
			id, _ := p.resolveID(anchors, AnchorEVR, i, m[2], line)
			p.panel.EVRs = append(p.panel.EVRs, ParsedEVR{
				ID:     id,
				Title:  StripAnchors(m[4]),
				Status: status,
				Class:  model.EVRClassRuntime,
				Raw:    []string{line},
			})
			current = &p.panel.EVRs[len(p.panel.EVRs)-1]
			verifyRows, expectRows = 0, 0
			continue
		}
		if current == nil {
			p.problem(offset+i, "content before the first EVR entry", strings.TrimSpace(line), "")
			continue
		}
		current.Raw = append(current.Raw, line)
		m := evrFieldRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[2])
		switch m[1] {
		case "verify":
			verifyRows++
			appendTextRow(&current.Verify, verifyRows, value)
		case "expect":
			expectRows++
			appendTextRow(&current.Expect, expectRows, value)
		case "status":
			if s := model.EVRStatus(value); s.Valid() {
				current.Status = s
			} else {
				p.problem(offset+i, fmt.Sprintf("invalid EVR status %q", value),
					strings.TrimSpace(line), "use pass, fail, skip or unknown")
			}
		case "class":
			switch model.EVRClass(value) {
			case model.EVRClassRuntime, model.EVRClassStatic:
				current.Class = model.EVRClass(value)
			default:
				p.problem(offset+i, fmt.Sprintf("invalid EVR class %q", value),
					strings.TrimSpace(line), "use runtime or static")
			}
		case "last_run":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				current.LastRun = &ts
			} else {
				p.problem(offset+i, fmt.Sprintf("invalid last_run timestamp %q", value),
					strings.TrimSpace(line), "use an ISO-8601 timestamp")
			}
		case "notes":
			current.Notes = value
		case "proof":
			current.Proof = value
		}
	}
}

// appendTextRow keeps the scalar/list distinction: one row parses as a
// scalar, a second row upgrades the value to an ordered list.
func appendTextRow(t *model.Text, row int, value string) {
	switch row {
	case 1:
		*t = model.Scalar(value)
	case 2:
		*t = model.ListOf(t.Items[0], value)
	default:
		t.Items = append(t.Items, value)
	}
}
