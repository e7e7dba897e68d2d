package caseflow

import (
	"fmt"

	"go.uber.org/zap"

	"annad/internal/recipe"
	"annad/internal/score"
)

// advanceOrAbandon advances the case and, on an illegal transition,
// abandons it. Returns false when the case just terminated.
func (o *Orchestrator) advanceOrAbandon(st *caseState, next Phase, evidenceIDs []int) bool {
	if err := st.advance(next, evidenceIDs); err != nil {
		o.abandon(st, err.Error())
		return false
	}
	return true
}

// finishDeterministic completes a case answered without a model:
// deterministic origins carry the fixed maximal reliability.
func (o *Orchestrator) finishDeterministic(st *caseState, origin Origin, text string, evidenceIDs []int) {
	c := st.c
	if !o.advanceOrAbandon(st, PhaseScore, evidenceIDs) {
		return
	}
	st.mu.Lock()
	c.Origin = origin
	c.Final = text
	c.Score = score.Maximal()
	st.mu.Unlock()

	o.respond(st, Answer{Text: text, Origin: origin, Score: c.Score})
}

// finishScored completes the full pipeline: coverage, formula, the
// fabrication cap and the insufficient-evidence floor all apply here.
func (o *Orchestrator) finishScored(st *caseState, origin Origin, final string, conf float64) {
	c := st.c
	if !o.advanceOrAbandon(st, PhaseScore, nil) {
		return
	}

	cov := score.CoverageFor(c.Intent.Target, c.Evidence)
	rel := score.Compute(c.Evidence, cov, conf)
	reason := ""

	if c.successfulEvidence() == 0 {
		// Insufficient evidence is a scoring outcome, not an abort.
		rel = score.Refused()
		reason = fmt.Sprintf("%v for %s", ErrInsufficientEvidence, c.Intent.Target)
	} else if fab := score.DetectFabrication(final, c.Evidence); len(fab) > 0 {
		o.log.Warn("fabricated claims detected",
			zap.String("case", c.ID), zap.Strings("claims", fab))
		rel = score.CapFabrication(rel)
	}
	if rel.Band == score.BandRefused && reason == "" {
		reason = fmt.Sprintf("reliability %d is below the answering threshold", rel.Overall)
	}

	st.mu.Lock()
	c.Origin = origin
	c.Score = rel
	c.Reason = reason
	if rel.Band != score.BandRefused {
		c.Final = final
	}
	st.mu.Unlock()

	answer := Answer{Origin: origin, Score: rel, Reason: reason}
	if rel.Band != score.BandRefused {
		answer.Text = final
		if c.Intent.Action {
			answer.Plan = &ActionPlan{Summary: final, Risk: c.Risk}
		}
	}
	o.respond(st, answer)
}

// finishRefused walks the case through its remaining gates and responds
// in the Refused band with an honest reason. Every finalized case carries
// an origin, refusals included: callers pass the component that got
// furthest before the case had to be refused.
func (o *Orchestrator) finishRefused(st *caseState, origin Origin, reason string) {
	c := st.c
	for c.Phase != PhaseScore {
		next, ok := nextToward(c.Phase, PhaseScore)
		if !ok || !o.advanceOrAbandon(st, next, nil) {
			if !ok {
				o.abandon(st, fmt.Sprintf("no path from %s to score", c.Phase))
			}
			return
		}
	}

	st.mu.Lock()
	c.Origin = origin
	c.Score = score.Refused()
	c.Reason = reason
	st.mu.Unlock()

	o.respond(st, Answer{Origin: origin, Score: c.Score, Reason: reason})
}

// nextToward returns the single hop from a phase in the direction of
// goal, following the lifecycle order.
func nextToward(from, goal Phase) (Phase, bool) {
	if from == goal {
		return goal, true
	}
	hops := map[Phase]Phase{
		PhaseClassify:       PhaseEvidencePlan,
		PhaseBrainHit:       PhaseScore,
		PhaseRecipeHit:      PhaseScore,
		PhaseEvidencePlan:   PhaseEvidenceGather,
		PhaseEvidenceGather: PhaseDraft,
		PhaseDraft:          PhaseScore,
		PhaseAudit:          PhaseScore,
	}
	next, ok := hops[from]
	return next, ok
}

// respond emits the final answer, persists the case and runs the recipe
// feedback loop.
func (o *Orchestrator) respond(st *caseState, answer Answer) {
	c := st.c
	if !o.advanceOrAbandon(st, PhaseRespond, nil) {
		return
	}
	st.mu.Lock()
	st.answer = answer
	st.mu.Unlock()

	if !o.advanceOrAbandon(st, PhasePersist, nil) {
		return
	}
	if err := saveCase(o.cfg.Paths.Cases, c); err != nil {
		o.log.Error("case not persisted", zap.String("case", c.ID), zap.Error(err))
		o.abandon(st, fmt.Sprintf("persist failed: %v", err))
		return
	}
	o.log.Info("case complete",
		zap.String("case", c.ID),
		zap.String("origin", string(c.Origin)),
		zap.Int("score", c.Score.Overall),
		zap.String("band", string(c.Score.Band)))

	o.learnRecipe(st)

	st.mu.Lock()
	st.events.finish()
	st.mu.Unlock()
}

// learnRecipe runs the post-persist feedback loop for model origins.
func (o *Orchestrator) learnRecipe(st *caseState) {
	c := st.c
	if c.Origin != OriginJunior && c.Origin != OriginSenior {
		return
	}
	r, ok := recipe.MaybeExtract(recipe.SourceCase{
		Question: c.Question,
		Final:    c.Final,
		Origin:   string(c.Origin),
		Overall:  c.Score.Overall,
		Evidence: c.Evidence,
		Mutation: c.Intent.Action,
	})
	if !ok {
		return
	}
	if !o.advanceOrAbandon(st, PhaseLearnRecipe, nil) {
		return
	}
	if err := o.recipes.Insert(r); err != nil {
		o.log.Warn("recipe not stored", zap.String("case", c.ID), zap.Error(err))
		return
	}
	o.log.Info("recipe learned",
		zap.String("case", c.ID),
		zap.String("signature", r.Signature))
}

// abandon is the fatal-error terminal: partial evidence and timing are
// still persisted for audit purposes.
func (o *Orchestrator) abandon(st *caseState, reason string) {
	c := st.c
	st.mu.Lock()
	if !c.Phase.terminal() {
		_ = c.advance(PhaseAbandoned)
		st.emit(nil)
	}
	c.Reason = reason
	c.Score = score.Refused()
	st.answer = Answer{Score: c.Score, Reason: reason}
	st.events.finish()
	st.mu.Unlock()

	o.log.Warn("case abandoned", zap.String("case", c.ID), zap.String("reason", reason))
	if err := saveCase(o.cfg.Paths.Cases, c); err != nil {
		o.log.Error("abandoned case not persisted", zap.String("case", c.ID), zap.Error(err))
	}
}
