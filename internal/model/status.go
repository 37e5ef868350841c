package model

// Status is the lifecycle state of a task, plan or step.
type Status string

const (
	StatusToDo       Status = "to_do"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusToDo, StatusInProgress, StatusCompleted, StatusBlocked:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a direct transition from s to next is allowed.
// A blocked item must move through in_progress before it can complete, and a
// completed item is frozen.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusToDo:
		return next == StatusInProgress || next == StatusBlocked
	case StatusInProgress:
		return next == StatusCompleted || next == StatusBlocked || next == StatusToDo
	case StatusBlocked:
		return next == StatusInProgress || next == StatusToDo
	case StatusCompleted:
		return false
	default:
		return false
	}
}

// EVRStatus is the verification state of an Expected Visible Result.
type EVRStatus string

const (
	EVRUnknown EVRStatus = "unknown"
	EVRPass    EVRStatus = "pass"
	EVRFail    EVRStatus = "fail"
	EVRSkip    EVRStatus = "skip"
)

// Valid reports whether s is a known EVR status.
func (s EVRStatus) Valid() bool {
	switch s {
	case EVRUnknown, EVRPass, EVRFail, EVRSkip:
		return true
	default:
		return false
	}
}

// EVRClass distinguishes one-shot assertions from verifications that must be
// re-run close to completion.
type EVRClass string

const (
	EVRClassRuntime EVRClass = "runtime"
	EVRClassStatic  EVRClass = "static"
)

// Checkbox glyph mapping. This is the single source of truth shared by the
// panel parser and renderer: [ ] to_do/unknown, [-] in_progress/skip,
// [x] completed/pass, [!] blocked/fail.
const (
	GlyphToDo       = ' '
	GlyphInProgress = '-'
	GlyphCompleted  = 'x'
	GlyphBlocked    = '!'
)

// GlyphForStatus returns the canonical checkbox glyph for a plan/step status.
func GlyphForStatus(s Status) rune {
	switch s {
	case StatusInProgress:
		return GlyphInProgress
	case StatusCompleted:
		return GlyphCompleted
	case StatusBlocked:
		return GlyphBlocked
	default:
		return GlyphToDo
	}
}

// StatusForGlyph maps a canonical glyph to a plan/step status.
func StatusForGlyph(g rune) (Status, bool) {
	switch g {
	case GlyphToDo:
		return StatusToDo, true
	case GlyphInProgress:
		return StatusInProgress, true
	case GlyphCompleted:
		return StatusCompleted, true
	case GlyphBlocked:
		return StatusBlocked, true
	default:
		return "", false
	}
}

// GlyphForEVRStatus returns the canonical checkbox glyph for an EVR status.
func GlyphForEVRStatus(s EVRStatus) rune {
	switch s {
	case EVRPass:
		return GlyphCompleted
	case EVRFail:
		return GlyphBlocked
	case EVRSkip:
		return GlyphInProgress
	default:
		return GlyphToDo
	}
}

// EVRStatusForGlyph maps a canonical glyph to an EVR status.
func EVRStatusForGlyph(g rune) (EVRStatus, bool) {
	switch g {
	case GlyphToDo:
		return EVRUnknown, true
	case GlyphInProgress:
		return EVRSkip, true
	case GlyphCompleted:
		return EVRPass, true
	case GlyphBlocked:
		return EVRFail, true
	default:
		return "", false
	}
}

// NormalizeGlyph folds the accepted glyph variants onto the canonical set.
// The second return is false when the rune is not a recognized checkbox mark.
func NormalizeGlyph(g rune) (rune, bool) {
	switch g {
	case ' ', '　':
		return GlyphToDo, true
	case '-', '~', '/', '\\', '|':
		return GlyphInProgress, true
	case 'x', 'X', '✓', '✔', '√':
		return GlyphCompleted, true
	case '!', '✗', '✘', '×':
		return GlyphBlocked, true
	default:
		return 0, false
	}
}

// TagKind is the kind of a context tag attached to a plan or step.
type TagKind string

const (
	TagRef         TagKind = "ref"
	TagDecision    TagKind = "decision"
	TagDiscuss     TagKind = "discuss"
	TagInputs      TagKind = "inputs"
	TagConstraints TagKind = "constraints"
	TagEVR         TagKind = "evr"
	TagUsesEVR     TagKind = "uses_evr"
)

// Valid reports whether k is a known tag kind.
func (k TagKind) Valid() bool {
	switch k {
	case TagRef, TagDecision, TagDiscuss, TagInputs, TagConstraints, TagEVR, TagUsesEVR:
		return true
	default:
		return false
	}
}

// ContextTag is a (kind, value) annotation on a plan or step. Plan-level evr
// tags populate EVRBindings; step-level uses_evr tags populate UsesEVR.
type ContextTag struct {
	Kind  TagKind `json:"kind"`
	Value string  `json:"value"`
}
