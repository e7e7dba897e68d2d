package recipe

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"annad/internal/probe"
)

// Extraction gates. Mutation-classified cases must clear a higher bar
// before they become shortcuts: a wrong cached fact is annoying, a wrong
// cached action plan is dangerous.
const (
	MinScoreReadOnly    = 80
	MinScoreMutation    = 95
	MinEvidenceReadOnly = 1
	MinEvidenceMutation = 3
)

// SourceCase is the slice of a completed case the extractor needs.
type SourceCase struct {
	Question string
	Final    string
	Origin   string // must be junior or senior
	Overall  int
	Evidence []probe.Evidence
	Mutation bool
	Declined bool // user explicitly declined recipe creation
}

// MaybeExtract distills a completed case into a recipe if it clears the
// gates. Literal evidence values in the answer become {probe.field}
// slots so future matches render fresh values without a model call.
func MaybeExtract(src SourceCase) (*Recipe, bool) {
	if src.Declined {
		return nil, false
	}
	if src.Origin != "junior" && src.Origin != "senior" {
		return nil, false
	}

	minScore, minEvidence := MinScoreReadOnly, MinEvidenceReadOnly
	if src.Mutation {
		minScore, minEvidence = MinScoreMutation, MinEvidenceMutation
	}
	successful := 0
	for _, ev := range src.Evidence {
		if ev.Success {
			successful++
		}
	}
	if src.Overall < minScore || successful < minEvidence {
		return nil, false
	}

	template, probes := parameterize(src.Final, src.Evidence)
	if len(probes) == 0 {
		// An answer citing no evidence value is not worth caching.
		return nil, false
	}

	sig, tokens := Signature(src.Question)
	return &Recipe{
		Signature:    sig,
		Tokens:       tokens,
		Probes:       probes,
		Template:     template,
		SuccessScore: float64(src.Overall) / 100,
		UsageCount:   0,
		CreatedAt:    time.Now().UTC(),
	}, true
}

// slot is one evidence value found verbatim in the answer text.
type slot struct {
	value   string
	probeID string
	field   string
}

// parameterize replaces literal evidence values in the answer with named
// slots, longest values first so substrings of an already-replaced value
// are not clobbered.
func parameterize(answer string, evidence []probe.Evidence) (string, []string) {
	var slots []slot
	for _, ev := range evidence {
		if !ev.Success {
			continue
		}
		for field, value := range ev.Data {
			if len(value) < 2 || !strings.Contains(answer, value) {
				continue
			}
			slots = append(slots, slot{value: value, probeID: ev.ProbeID, field: field})
		}
	}
	sort.SliceStable(slots, func(i, j int) bool { return len(slots[i].value) > len(slots[j].value) })

	probeSet := map[string]bool{}
	template := answer
	for _, sl := range slots {
		placeholder := fmt.Sprintf("{%s.%s}", sl.probeID, sl.field)
		if !strings.Contains(template, sl.value) {
			continue
		}
		template = strings.ReplaceAll(template, sl.value, placeholder)
		probeSet[sl.probeID] = true
	}

	probes := make([]string, 0, len(probeSet))
	for id := range probeSet {
		probes = append(probes, id)
	}
	sort.Strings(probes)
	return template, probes
}

// Render fills a recipe template from fresh evidence. Any slot without a
// value fails the whole render with ErrStale: a partially rendered
// answer would be fabrication.
func Render(r *Recipe, evidence []probe.Evidence) (string, error) {
	byProbe := map[string]probe.Evidence{}
	for _, ev := range evidence {
		if ev.Success {
			byProbe[ev.ProbeID] = ev
		}
	}

	out := r.Template
	for {
		start := strings.IndexByte(out, '{')
		if start < 0 {
			break
		}
		end := strings.IndexByte(out[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("recipe %s: unterminated slot in template", r.Signature)
		}
		ref := out[start+1 : start+end]
		// Probe ids contain dots ("mem.info"), field names do not;
		// the last dot separates the two.
		idx := strings.LastIndexByte(ref, '.')
		if idx < 0 {
			return "", fmt.Errorf("recipe %s: malformed slot {%s}", r.Signature, ref)
		}
		probeID, field := ref[:idx], ref[idx+1:]
		ev, found := byProbe[probeID]
		if !found {
			return "", fmt.Errorf("%w: no fresh evidence from %s", ErrStale, probeID)
		}
		value, found := ev.Data[field]
		if !found {
			return "", fmt.Errorf("%w: %s has no %s value", ErrStale, probeID, field)
		}
		out = out[:start] + value + out[start+end+1:]
	}
	return out, nil
}
