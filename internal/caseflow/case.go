// Package caseflow owns the per-question lifecycle: one Case per incoming
// question, driven through a fixed phase sequence by the orchestrator.
// Phases never skip a required gate except the two explicit early exits
// (fast-path hit, recipe hit), and a terminal case is immutable.
package caseflow

import (
	"fmt"
	"time"

	"annad/internal/probe"
	"annad/internal/score"
)

// Phase is one step of the case lifecycle.
type Phase string

const (
	PhaseIntake         Phase = "intake"
	PhaseClassify       Phase = "classify"
	PhaseBrainHit       Phase = "brain_hit"
	PhaseRecipeHit      Phase = "recipe_hit"
	PhaseEvidencePlan   Phase = "evidence_plan"
	PhaseEvidenceGather Phase = "evidence_gather"
	PhaseDraft          Phase = "draft"
	PhaseAudit          Phase = "audit"
	PhaseScore          Phase = "score"
	PhaseRespond        Phase = "respond"
	PhasePersist        Phase = "persist"
	PhaseLearnRecipe    Phase = "learn_recipe"
	PhaseAbandoned      Phase = "abandoned"
)

// transitions is the legal-move table. An absent pair is an illegal jump
// and a bug in the orchestrator, surfaced loudly instead of silently
// degrading the gate sequence.
var transitions = map[Phase][]Phase{
	PhaseIntake:   {PhaseClassify},
	PhaseClassify: {PhaseBrainHit, PhaseRecipeHit, PhaseEvidencePlan},
	// Early exits jump to Score; a miss (failed probe, stale recipe)
	// falls back into the full pipeline.
	PhaseBrainHit:       {PhaseScore, PhaseEvidencePlan},
	PhaseRecipeHit:      {PhaseScore, PhaseEvidencePlan},
	PhaseEvidencePlan:   {PhaseEvidenceGather},
	PhaseEvidenceGather: {PhaseDraft},
	PhaseDraft:          {PhaseAudit, PhaseScore},
	PhaseAudit:          {PhaseScore},
	PhaseScore:          {PhaseRespond},
	PhaseRespond:        {PhasePersist},
	PhasePersist:        {PhaseLearnRecipe},
}

// terminal phases end the lifecycle. A case resting in Persist is also
// final, but Persist keeps its optional hop into LearnRecipe open.
func (p Phase) terminal() bool {
	return p == PhaseLearnRecipe || p == PhaseAbandoned
}

// Origin names the component that produced the final answer.
type Origin string

const (
	OriginBrain  Origin = "brain"
	OriginRecipe Origin = "recipe"
	OriginJunior Origin = "junior"
	OriginSenior Origin = "senior"
)

// RiskTier classifies what answering the question could lead to.
type RiskTier string

const (
	RiskReadOnly RiskTier = "read_only"
	RiskAction   RiskTier = "action"
)

// Intent is the classification of what the question asks for.
type Intent struct {
	Target score.Target `json:"target"`
	Action bool         `json:"action"`
}

// PhaseSpan records when a phase was entered and left.
type PhaseSpan struct {
	Entered time.Time `json:"entered"`
	Left    time.Time `json:"left,omitempty"`
}

// ActionPlan is the structured handoff to the external mutation engine.
// The core never executes it.
type ActionPlan struct {
	Summary string   `json:"summary"`
	Risk    RiskTier `json:"risk"`
}

// Case is one end-to-end processing instance for a single question.
// Mutated only by the orchestrating state machine.
type Case struct {
	ID        string              `json:"id"`
	CreatedAt time.Time           `json:"created_at"`
	Question  string              `json:"question"`
	Phase     Phase               `json:"phase"`
	Intent    Intent              `json:"intent"`
	Risk      RiskTier            `json:"risk"`
	Evidence  []probe.Evidence    `json:"evidence,omitempty"`
	Draft     string              `json:"draft,omitempty"`
	Final     string              `json:"final,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Score     score.Reliability   `json:"score"`
	Origin    Origin              `json:"origin,omitempty"`
	Timing    map[Phase]PhaseSpan `json:"timing"`

	nextEvidenceID int
}

func newCase(id, question string, now time.Time) *Case {
	c := &Case{
		ID:        id,
		CreatedAt: now,
		Question:  question,
		Phase:     PhaseIntake,
		Risk:      RiskReadOnly,
		Timing:    map[Phase]PhaseSpan{PhaseIntake: {Entered: now}},
	}
	return c
}

// advance moves the case to next, closing the current phase's span and
// opening the next one. Abandoned is reachable from any non-terminal phase.
func (c *Case) advance(next Phase) error {
	if c.Phase.terminal() {
		return fmt.Errorf("case %s: illegal transition %s -> %s (terminal)", c.ID, c.Phase, next)
	}
	if next != PhaseAbandoned && !legalMove(c.Phase, next) {
		return fmt.Errorf("case %s: illegal transition %s -> %s", c.ID, c.Phase, next)
	}
	now := time.Now()
	span := c.Timing[c.Phase]
	span.Left = now
	c.Timing[c.Phase] = span
	c.Phase = next
	c.Timing[next] = PhaseSpan{Entered: now}
	return nil
}

func legalMove(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// addEvidence takes ownership of records, assigning case-scoped monotonic
// ids. Evidence is never shared across cases.
func (c *Case) addEvidence(records ...probe.Evidence) []int {
	ids := make([]int, 0, len(records))
	for _, ev := range records {
		c.nextEvidenceID++
		ev.ID = c.nextEvidenceID
		c.Evidence = append(c.Evidence, ev)
		ids = append(ids, ev.ID)
	}
	return ids
}

// successfulEvidence counts records usable as factual support.
func (c *Case) successfulEvidence() int {
	n := 0
	for _, ev := range c.Evidence {
		if ev.Success {
			n++
		}
	}
	return n
}

// Answer is the externally visible outcome of a case.
type Answer struct {
	Text   string            `json:"text"`
	Origin Origin            `json:"origin"`
	Score  score.Reliability `json:"score"`
	Reason string            `json:"reason,omitempty"`
	Plan   *ActionPlan       `json:"plan,omitempty"`
}
