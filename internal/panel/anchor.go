// Package panel implements the Markdown panel: a tolerant parser, a
// canonical renderer, and per-section content fingerprints. The panel is the
// human-editable mirror of the structured task.
package panel

import (
	"fmt"
	"regexp"
	"strings"
)

// AnchorKind is the entity kind encoded in an HTML-comment anchor.
type AnchorKind string

const (
	AnchorPlan AnchorKind = "plan"
	AnchorStep AnchorKind = "step"
	AnchorEVR  AnchorKind = "evr"
)

// Anchor is one HTML-comment anchor found in panel text.
type Anchor struct {
	Kind AnchorKind
	ID   string
	Line int
}

// NumberPath is an ordinal path such as 1.2.1 preceding a checkbox. Depth 1
// is plan-level, deeper is step-level.
type NumberPath struct {
	Path  string
	Depth int
	Line  int
}

var (
	anchorRe     = regexp.MustCompile(`<!--\s*(plan|step|evr):([A-Za-z0-9._-]+)\s*-->`)
	numberPathRe = regexp.MustCompile(`^\s*(\d+(?:\.\d+)*)\.?\s*\[`)
)

// Resolver identifies stable ids in panel text. Duplicate anchor ids keep
// their first occurrence; later occurrences get a synthetic suffix and a
// warning.
type Resolver struct {
	seen     map[string]int
	counter  int
	Warnings []string
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{seen: make(map[string]int)}
}

// Scan extracts every anchor and ordinal path from the given lines. Line
// numbers are zero-based offsets into lines.
func (r *Resolver) Scan(lines []string) ([]Anchor, []NumberPath) {
	var anchors []Anchor
	var paths []NumberPath
	for i, line := range lines {
		for _, m := range anchorRe.FindAllStringSubmatch(line, -1) {
			kind := AnchorKind(m[1])
			id := m[2]
			key := string(kind) + ":" + id
			if n, dup := r.seen[key]; dup {
				r.seen[key] = n + 1
				r.Warnings = append(r.Warnings,
					fmt.Sprintf("duplicate %s anchor %q at line %d; first occurrence wins", kind, id, i+1))
				id = fmt.Sprintf("%s-dup%d", id, n)
			} else {
				r.seen[key] = 1
			}
			anchors = append(anchors, Anchor{Kind: kind, ID: id, Line: i})
		}
		if m := numberPathRe.FindStringSubmatch(line); m != nil {
			path := m[1]
			paths = append(paths, NumberPath{
				Path:  path,
				Depth: strings.Count(path, ".") + 1,
				Line:  i,
			})
		}
	}
	return anchors, paths
}

// BestMatch associates an anchor of the requested kind with the checkbox on
// line. The nearest anchor within two lines wins; ties prefer the anchor
// below the line, since anchors are conventionally emitted just after their
// subject.
func BestMatch(anchors []Anchor, kind AnchorKind, line int) (Anchor, bool) {
	best := Anchor{}
	bestDist := 3
	found := false
	for _, a := range anchors {
		if a.Kind != kind {
			continue
		}
		dist := a.Line - line
		if dist < 0 {
			dist = -dist
		}
		if dist > 2 {
			continue
		}
		if !found || dist < bestDist || (dist == bestDist && a.Line > line && best.Line < line) {
			best = a
			bestDist = dist
			found = true
		}
	}
	return best, found
}

// SyntheticID mints an id for a checkbox that carries neither anchor nor
// ordinal path.
func (r *Resolver) SyntheticID(kind AnchorKind, line int) string {
	r.counter++
	return fmt.Sprintf("%s-line%d-%d", kind, line+1, r.counter)
}

// StripAnchors removes every anchor comment from a line of text.
func StripAnchors(line string) string {
	return strings.TrimRight(anchorRe.ReplaceAllString(line, ""), " \t")
}

// AnchorsIn returns the anchors present on a single line.
func AnchorsIn(line string) []Anchor {
	var out []Anchor
	for _, m := range anchorRe.FindAllStringSubmatch(line, -1) {
		out = append(out, Anchor{Kind: AnchorKind(m[1]), ID: m[2]})
	}
	return out
}
