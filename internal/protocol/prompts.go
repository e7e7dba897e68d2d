package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"annad/internal/probe"
)

// JuniorSystemPrompt instructs the drafting model. The contract is spelled
// out because the response is schema-validated, not best-effort parsed.
const JuniorSystemPrompt = `You are the junior diagnostician of a sysadmin assistant.
You may only state facts supported by the evidence records you are given.
Respond with exactly one JSON object, no prose, in one of these forms:
  {"action":"probe","probes":[{"id":"<probe-id>","params":{}}]}
  {"action":"answer","answer":"<text>","score":<0.0-1.0>}
  {"action":"refuse","reason":"<why>"}
Request only probe ids from the provided list. If the evidence cannot
support an answer, refuse. Never invent numbers.`

// SeniorSystemPrompt instructs the auditing model.
const SeniorSystemPrompt = `You are the senior auditor of a sysadmin assistant.
Check the draft answer against the evidence summaries. Respond with exactly
one JSON object, no prose, in one of these forms:
  {"verdict":"approve","scores":{"overall":<0-100>}}
  {"verdict":"fix_and_accept","fixed_answer":"<corrected text>","scores":{"overall":<0-100>}}
  {"verdict":"refuse","reason":"<why>","scores":{"overall":<0-100>}}
Reject any claim the evidence does not support.`

// EvidenceSummary is the compact evidence form sent to the models:
// parsed fields only, never raw log dumps.
type EvidenceSummary struct {
	ID         int               `json:"id"`
	ProbeID    string            `json:"probe_id"`
	Topic      string            `json:"topic"`
	Success    bool              `json:"success"`
	Fields     map[string]string `json:"fields,omitempty"`
	Error      string            `json:"error,omitempty"`
	AgeSeconds int               `json:"age_seconds"`
}

// Summarize converts evidence records into summaries, newest first kept,
// truncated so the serialized total stays within budget bytes.
func Summarize(evidence []probe.Evidence, budget int) []EvidenceSummary {
	var out []EvidenceSummary
	used := 0
	// Walk newest to oldest so fresh evidence survives truncation.
	for i := len(evidence) - 1; i >= 0; i-- {
		ev := evidence[i]
		s := EvidenceSummary{
			ID:         ev.ID,
			ProbeID:    ev.ProbeID,
			Topic:      string(ev.Topic),
			Success:    ev.Success,
			Fields:     ev.Data,
			Error:      ev.Error,
			AgeSeconds: ev.AgeSeconds,
		}
		raw, err := json.Marshal(s)
		if err != nil {
			continue
		}
		if used+len(raw) > budget && len(out) > 0 {
			break
		}
		used += len(raw)
		out = append(out, s)
	}
	// Restore chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// JuniorRequest is serialized into the Junior user prompt.
type JuniorRequest struct {
	Question  string            `json:"question"`
	ProbeIDs  []string          `json:"available_probes"`
	Evidence  []EvidenceSummary `json:"evidence"`
	FastHint  string            `json:"fast_path_hint,omitempty"`
	Iteration int               `json:"iteration"`
}

// UserPrompt renders the request as the JSON the system prompt describes.
func (r JuniorRequest) UserPrompt() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal junior request: %w", err)
	}
	return string(raw), nil
}

// SeniorRequest is serialized into the Senior user prompt.
type SeniorRequest struct {
	Question string            `json:"question"`
	Draft    string            `json:"draft_answer"`
	Evidence []EvidenceSummary `json:"evidence"`
}

// UserPrompt renders the audit request.
func (r SeniorRequest) UserPrompt() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal senior request: %w", err)
	}
	return string(raw), nil
}

// ValidateProbeCalls checks every requested id against the catalog. One
// unknown id poisons the whole request; the orchestrator treats it as a
// parse failure for that iteration, not a silent no-op.
func ValidateProbeCalls(calls []ProbeCall, catalog interface{ Has(string) bool }) error {
	var unknown []string
	for _, pc := range calls {
		if !catalog.Has(pc.ID) {
			unknown = append(unknown, pc.ID)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: junior requested unknown probes: %s", ErrProtocolParse, strings.Join(unknown, ", "))
	}
	return nil
}
