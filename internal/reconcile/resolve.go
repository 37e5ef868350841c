package reconcile

import "time"

// Strategy names a conflict resolution policy.
type Strategy string

const (
	// StrategyTSOnly resolves purely on timestamps: the panel wins when its
	// timestamp exceeds the task's by more than the configured skew.
	StrategyTSOnly Strategy = "ts_only"
	// StrategyETagFirstThenTS trusts the panel when its front matter carries
	// the task's current ETag (the edit was made against fresh state), and
	// falls back to timestamps otherwise.
	StrategyETagFirstThenTS Strategy = "etag_first_then_ts"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyTSOnly || s == StrategyETagFirstThenTS
}

// Resolution is the outcome of resolving one conflict.
type Resolution string

const (
	ResolutionOurs   Resolution = "ours"   // task wins
	ResolutionTheirs Resolution = "theirs" // panel wins
	ResolutionMerged Resolution = "merged"
)

// ResolvedConflict pairs a conflict with its resolution.
type ResolvedConflict struct {
	Conflict
	Resolution Resolution `json:"resolution"`
	Strategy   Strategy   `json:"strategy"`
}

// Resolver resolves conflicts as a pure function of the conflict record.
type Resolver struct {
	// Skew is the margin the panel timestamp must exceed the task timestamp
	// by before the panel wins. Zero by default.
	Skew time.Duration
}

// Resolve applies the strategy to one conflict.
func (r Resolver) Resolve(c Conflict, strategy Strategy) ResolvedConflict {
	resolution := ResolutionOurs
	switch strategy {
	case StrategyETagFirstThenTS:
		if c.PanelETag != "" && c.PanelETag == c.TaskETag {
			resolution = ResolutionTheirs
			break
		}
		resolution = r.byTimestamp(c)
	default:
		resolution = r.byTimestamp(c)
	}
	return ResolvedConflict{Conflict: c, Resolution: resolution, Strategy: strategy}
}

// byTimestamp implements ts_only: the panel wins only when both timestamps
// are present and the panel's exceeds the task's by more than the skew.
func (r Resolver) byTimestamp(c Conflict) Resolution {
	if c.PanelTS == nil || c.TaskTS == nil {
		return ResolutionOurs
	}
	if c.PanelTS.Sub(*c.TaskTS) > r.Skew {
		return ResolutionTheirs
	}
	return ResolutionOurs
}
