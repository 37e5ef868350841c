package panel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/metalagman/wave/internal/model"
)

// Hash returns a 128-bit content hash of text, hex-encoded.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}

// FingerprintsFromRender computes per-section fingerprints from a rendered
// document. Plans and EVRs hash per entity so one edit only invalidates that
// entity's fingerprint.
func FingerprintsFromRender(res *RenderResult) model.Fingerprints {
	fp := model.Fingerprints{
		Title:        Hash(res.Sections[SectionTitle]),
		Requirements: Hash(res.Sections[SectionRequirements]),
		Issues:       Hash(res.Sections[SectionIssues]),
		Hints:        Hash(res.Sections[SectionHints]),
		Logs:         Hash(res.Sections[SectionLogs]),
	}
	if len(res.PlanText) > 0 {
		fp.Plans = make(map[string]string, len(res.PlanText))
		for id, text := range res.PlanText {
			fp.Plans[id] = Hash(text)
		}
	}
	if len(res.EVRText) > 0 {
		fp.EVRs = make(map[string]string, len(res.EVRText))
		for id, text := range res.EVRText {
			fp.EVRs[id] = Hash(text)
		}
	}
	return fp
}

// FingerprintsFromPanel computes fingerprints from the raw source text of a
// parsed panel.
func FingerprintsFromPanel(p *Panel) model.Fingerprints {
	fp := model.Fingerprints{
		Title:        Hash(p.SectionText[SectionTitle]),
		Requirements: Hash(strings.TrimSpace(p.SectionText[SectionRequirements])),
		Issues:       Hash(strings.TrimSpace(p.SectionText[SectionIssues])),
		Hints:        Hash(strings.TrimSpace(p.SectionText[SectionHints])),
		Logs:         Hash(strings.TrimSpace(p.SectionText[SectionLogs])),
	}
	if len(p.Plans) > 0 {
		fp.Plans = make(map[string]string, len(p.Plans))
		for i := range p.Plans {
			fp.Plans[p.Plans[i].ID] = Hash(strings.Join(p.Plans[i].Raw, "\n"))
		}
	}
	if len(p.EVRs) > 0 {
		fp.EVRs = make(map[string]string, len(p.EVRs))
		for i := range p.EVRs {
			fp.EVRs[p.EVRs[i].ID] = Hash(strings.Join(p.EVRs[i].Raw, "\n"))
		}
	}
	return fp
}

// MDVersion is the aggregate ETag: the hash of the canonical JSON encoding
// of the fingerprint record. Map keys marshal sorted, so two logically equal
// states yield identical versions regardless of rendering order.
func MDVersion(fp model.Fingerprints) string {
	data, err := json.Marshal(fp)
	if err != nil {
		// Fingerprints contain only strings and string maps.
		panic(fmt.Sprintf("encode fingerprints: %v", err))
	}
	return Hash(string(data))
}
