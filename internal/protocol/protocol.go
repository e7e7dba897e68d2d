// Package protocol defines the strict JSON contract between the
// orchestrator and the two local models. Every message kind is a tagged
// variant decoded exactly once at the boundary; anything that fails
// validation becomes ErrProtocolParse; there is no relaxed re-parse.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrProtocolParse marks a model response that does not conform to the
// schema. Fatal to the current phase, never silently defaulted.
var ErrProtocolParse = errors.New("protocol parse failure")

// ErrRetriesExhausted marks a Junior probe-request loop that exceeded its
// iteration cap without producing an answer.
var ErrRetriesExhausted = errors.New("junior probe loop exhausted retries")

// Actor names used in case events and logs.
const (
	ActorClassifier = "classifier"
	ActorJunior     = "junior"
	ActorSenior     = "senior"
	ActorDaemon     = "annad"
)

// JuniorAction is the tag of a Junior response.
type JuniorAction string

const (
	ActionProbe  JuniorAction = "probe"
	ActionAnswer JuniorAction = "answer"
	ActionRefuse JuniorAction = "refuse"
)

// ProbeCall is one probe the Junior wants executed. The orchestrator
// validates the id against the catalog and runs exactly what was asked,
// never more.
type ProbeCall struct {
	ID     string            `json:"id"`
	Params map[string]string `json:"params,omitempty"`
}

// JuniorResponse is the decoded first-stage reply.
type JuniorResponse struct {
	Action JuniorAction `json:"action"`
	Probes []ProbeCall  `json:"probes,omitempty"`
	Answer string       `json:"answer,omitempty"`
	Score  float64      `json:"score,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// SeniorVerdict is the tag of a Senior response.
type SeniorVerdict string

const (
	VerdictApprove SeniorVerdict = "approve"
	VerdictFix     SeniorVerdict = "fix_and_accept"
	VerdictRefuse  SeniorVerdict = "refuse"
)

// SeniorResponse is the decoded audit reply.
type SeniorResponse struct {
	Verdict     SeniorVerdict `json:"verdict"`
	FixedAnswer string        `json:"fixed_answer,omitempty"`
	Scores      SeniorScores  `json:"scores"`
	Reason      string        `json:"reason,omitempty"`
}

// SeniorScores carries the auditor's numeric judgment.
type SeniorScores struct {
	Overall float64 `json:"overall"`
}

// DecodeJunior parses and validates a raw Junior reply.
func DecodeJunior(raw string) (*JuniorResponse, error) {
	var resp JuniorResponse
	if err := strictDecode(raw, &resp); err != nil {
		return nil, err
	}

	switch resp.Action {
	case ActionProbe:
		if len(resp.Probes) == 0 {
			return nil, fmt.Errorf("%w: junior action=probe with empty probe list", ErrProtocolParse)
		}
		for i, pc := range resp.Probes {
			if pc.ID == "" {
				return nil, fmt.Errorf("%w: junior probe %d has no id", ErrProtocolParse, i)
			}
		}
	case ActionAnswer:
		if strings.TrimSpace(resp.Answer) == "" {
			return nil, fmt.Errorf("%w: junior action=answer with empty answer", ErrProtocolParse)
		}
		if resp.Score < 0 || resp.Score > 1 {
			return nil, fmt.Errorf("%w: junior score %v outside [0,1]", ErrProtocolParse, resp.Score)
		}
	case ActionRefuse:
		if strings.TrimSpace(resp.Reason) == "" {
			return nil, fmt.Errorf("%w: junior action=refuse with no reason", ErrProtocolParse)
		}
	default:
		return nil, fmt.Errorf("%w: unknown junior action %q", ErrProtocolParse, resp.Action)
	}
	return &resp, nil
}

// DecodeSenior parses and validates a raw Senior reply.
func DecodeSenior(raw string) (*SeniorResponse, error) {
	var resp SeniorResponse
	if err := strictDecode(raw, &resp); err != nil {
		return nil, err
	}

	if resp.Scores.Overall < 0 || resp.Scores.Overall > 100 {
		return nil, fmt.Errorf("%w: senior overall %v outside [0,100]", ErrProtocolParse, resp.Scores.Overall)
	}
	switch resp.Verdict {
	case VerdictApprove:
	case VerdictFix:
		if strings.TrimSpace(resp.FixedAnswer) == "" {
			return nil, fmt.Errorf("%w: senior fix_and_accept with no fixed_answer", ErrProtocolParse)
		}
	case VerdictRefuse:
		if strings.TrimSpace(resp.Reason) == "" {
			return nil, fmt.Errorf("%w: senior refuse with no reason", ErrProtocolParse)
		}
	default:
		return nil, fmt.Errorf("%w: unknown senior verdict %q", ErrProtocolParse, resp.Verdict)
	}
	return &resp, nil
}

// strictDecode strips at most one surrounding code fence, then decodes
// with unknown fields rejected.
func strictDecode(raw string, v any) error {
	cleaned := stripFence(raw)
	dec := json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolParse, err)
	}
	// Trailing garbage after the object is non-conforming too.
	if dec.More() {
		return fmt.Errorf("%w: trailing content after JSON object", ErrProtocolParse)
	}
	return nil
}

// stripFence removes a single ```json ... ``` wrapper if present. Models
// add these even when told not to; anything beyond this one concession
// fails decoding.
func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
