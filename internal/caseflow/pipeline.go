package caseflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"annad/internal/brain"
	"annad/internal/probe"
	"annad/internal/protocol"
	"annad/internal/recipe"
	"annad/internal/score"
)

// runCase drives one case through the lifecycle. It never panics on
// malformed external input and never leaves the case without a terminal
// phase.
func (o *Orchestrator) runCase(ctx context.Context, st *caseState) {
	defer close(st.done)

	c := st.c
	deadline := c.CreatedAt.Add(o.cfg.QuestionBudget())
	log := o.log.With(zap.String("case", c.ID))

	if err := st.advance(PhaseClassify, nil); err != nil {
		o.abandon(st, err.Error())
		return
	}

	action := brain.IsActionRequest(c.Question)
	target := score.DetectTarget(c.Question)
	st.mu.Lock()
	c.Intent = Intent{Target: target, Action: action}
	if action {
		c.Risk = RiskAction
	}
	st.mu.Unlock()
	log.Debug("classified",
		zap.String("target", string(target)),
		zap.Bool("action", action))

	if !action {
		if o.tryFastPath(ctx, st, deadline) {
			return
		}
		if c.Phase == PhaseClassify && o.tryRecipe(ctx, st, deadline) {
			return
		}
	}

	if c.Phase == PhaseClassify {
		if err := st.advance(PhaseEvidencePlan, nil); err != nil {
			o.abandon(st, err.Error())
			return
		}
	}
	o.fullPipeline(ctx, st, deadline)
}

// tryFastPath attempts the zero-model answer. Returns true when the case
// completed; a probe or formatting miss falls back to the full pipeline
// with the gathered evidence kept.
func (o *Orchestrator) tryFastPath(ctx context.Context, st *caseState, deadline time.Time) bool {
	c := st.c
	fa, ok := brain.Classify(c.Question)
	if !ok {
		return false
	}
	if err := st.advance(PhaseBrainHit, nil); err != nil {
		o.abandon(st, err.Error())
		return true
	}
	if !remaining(deadline, o.cfg.ProbeTimeout()) {
		o.finishRefused(st, OriginBrain, "time budget exhausted before evidence gathering")
		return true
	}
	if ctx.Err() != nil {
		o.abandon(st, "transport disconnected")
		return true
	}

	ev, err := o.runner.Run(ctx, fa.ProbeID, nil)
	if err != nil {
		// A rule pointing at a non-whitelisted probe is a registry bug;
		// continue through the full pipeline rather than failing the case.
		return !o.advanceOrAbandon(st, PhaseEvidencePlan, nil)
	}
	st.mu.Lock()
	ids := c.addEvidence(ev)
	st.mu.Unlock()

	text := fa.Format(c.Evidence[len(c.Evidence)-1])
	if text == "" {
		return !o.advanceOrAbandon(st, PhaseEvidencePlan, ids)
	}
	o.finishDeterministic(st, OriginBrain, text, ids)
	return true
}

// tryRecipe attempts a learned shortcut. Stale cached evidence is not
// silently reused: Run re-executes exactly the probes whose TTL lapsed
// and serves the still-fresh remainder from cache.
func (o *Orchestrator) tryRecipe(ctx context.Context, st *caseState, deadline time.Time) bool {
	c := st.c
	m, ok := o.recipes.Find(c.Question)
	if !ok {
		return false
	}
	if err := st.advance(PhaseRecipeHit, nil); err != nil {
		o.abandon(st, err.Error())
		return true
	}
	if !remaining(deadline, o.cfg.ProbeTimeout()) {
		o.finishRefused(st, OriginRecipe, "time budget exhausted before evidence gathering")
		return true
	}
	if ctx.Err() != nil {
		o.abandon(st, "transport disconnected")
		return true
	}

	evs := o.runner.RunAll(ctx, m.Recipe.Probes, m.Recipe.Params)
	st.mu.Lock()
	ids := c.addEvidence(evs...)
	st.mu.Unlock()

	text, rerr := recipe.Render(m.Recipe, evs)
	if rerr == nil {
		if err := o.recipes.RecordUsage(m.Recipe.Signature, true); err != nil {
			o.log.Warn("recipe usage not recorded", zap.Error(err))
		}
		o.finishDeterministic(st, OriginRecipe, text, ids)
		return true
	}
	o.log.Debug("recipe not rendered, continuing to full pipeline",
		zap.String("case", c.ID), zap.Error(rerr))
	if err := o.recipes.RecordUsage(m.Recipe.Signature, false); err != nil {
		o.log.Warn("recipe usage not recorded", zap.Error(err))
	}
	return !o.advanceOrAbandon(st, PhaseEvidencePlan, ids)
}

// fullPipeline is the probe → junior → senior path.
func (o *Orchestrator) fullPipeline(ctx context.Context, st *caseState, deadline time.Time) {
	c := st.c

	plan := o.planProbes(c.Intent.Target)
	if !o.advanceOrAbandon(st, PhaseEvidenceGather, nil) {
		return
	}
	if !remaining(deadline, o.cfg.ProbeTimeout()) {
		o.finishRefused(st, OriginJunior, "time budget exhausted before evidence gathering")
		return
	}
	if ctx.Err() != nil {
		o.abandon(st, "transport disconnected")
		return
	}
	var ids []int
	if len(plan) > 0 {
		evs := o.runner.RunAll(ctx, plan, nil)
		st.mu.Lock()
		ids = c.addEvidence(evs...)
		st.mu.Unlock()
	}

	if !o.advanceOrAbandon(st, PhaseDraft, ids) {
		return
	}
	draft, conf, refusal, err := o.juniorLoop(ctx, st, deadline)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		o.abandon(st, "transport disconnected")
		return
	case errors.Is(err, ErrBudgetExhausted):
		o.finishRefused(st, OriginJunior, "time budget exhausted during drafting")
		return
	case errors.Is(err, protocol.ErrRetriesExhausted):
		o.finishRefused(st, OriginJunior, "junior exceeded its probe iteration budget without answering")
		return
	default:
		// Protocol parse failure or a failed model call: abort the phase
		// and fall back to the next-best deterministic path.
		o.deterministicFallback(st, err)
		return
	}
	if refusal != "" {
		o.finishRefused(st, OriginJunior, refusal)
		return
	}

	st.mu.Lock()
	c.Draft = draft
	st.mu.Unlock()

	origin := OriginJunior
	cov := score.CoverageFor(c.Intent.Target, c.Evidence)
	draftScore := score.Compute(c.Evidence, cov, conf)
	if len(score.DetectFabrication(draft, c.Evidence)) > 0 {
		draftScore = score.CapFabrication(draftScore)
	}

	needAudit := c.Intent.Action || draftScore.Band != score.BandGreen
	if needAudit {
		if !remaining(deadline, o.cfg.SeniorTimeout()) {
			o.finishRefused(st, origin, "time budget exhausted before audit")
			return
		}
		if !o.advanceOrAbandon(st, PhaseAudit, nil) {
			return
		}
		verdict, err := o.auditDraft(ctx, st, draft)
		switch {
		case errors.Is(err, context.Canceled):
			o.abandon(st, "transport disconnected")
			return
		case err != nil:
			o.deterministicFallback(st, err)
			return
		}
		switch verdict.Verdict {
		case protocol.VerdictApprove:
			origin = OriginSenior
			conf = verdict.Scores.Overall / 100
		case protocol.VerdictFix:
			origin = OriginSenior
			draft = verdict.FixedAnswer
			conf = verdict.Scores.Overall / 100
		case protocol.VerdictRefuse:
			o.finishRefused(st, OriginSenior, verdict.Reason)
			return
		}
	}

	o.finishScored(st, origin, draft, conf)
}

// juniorLoop runs the bounded probe-request loop. An explicit loop with a
// fixed iteration cap and an evidence accumulator, not recursion, so
// stack and time bounds stay provable.
func (o *Orchestrator) juniorLoop(ctx context.Context, st *caseState, deadline time.Time) (draft string, conf float64, refusal string, err error) {
	c := st.c
	hint := ""
	if fa, ok := brain.Classify(c.Question); ok {
		hint = string(fa.Question)
	}

	maxRounds := o.cfg.Cases.JuniorMaxRounds
	for round := 1; round <= maxRounds; round++ {
		if ctx.Err() != nil {
			return "", 0, "", context.Canceled
		}
		if !remaining(deadline, o.cfg.JuniorTimeout()) {
			return "", 0, "", ErrBudgetExhausted
		}

		req := protocol.JuniorRequest{
			Question:  c.Question,
			ProbeIDs:  o.runner.Registry().IDs(),
			Evidence:  protocol.Summarize(c.Evidence, o.cfg.Cases.EvidenceBudget),
			FastHint:  hint,
			Iteration: round,
		}
		prompt, perr := req.UserPrompt()
		if perr != nil {
			return "", 0, "", perr
		}
		raw, cerr := o.junior.Complete(ctx, protocol.JuniorSystemPrompt, prompt, o.cfg.JuniorTimeout())
		if cerr != nil {
			if ctx.Err() != nil {
				return "", 0, "", context.Canceled
			}
			return "", 0, "", fmt.Errorf("%w: %v", protocol.ErrProtocolParse, cerr)
		}
		resp, derr := protocol.DecodeJunior(raw)
		if derr != nil {
			return "", 0, "", derr
		}

		switch resp.Action {
		case protocol.ActionAnswer:
			return resp.Answer, resp.Score, "", nil
		case protocol.ActionRefuse:
			return "", 0, resp.Reason, nil
		case protocol.ActionProbe:
			if verr := protocol.ValidateProbeCalls(resp.Probes, o.runner.Registry()); verr != nil {
				// A request outside the catalog is a parse failure for
				// this iteration, not a silent no-op: the round is
				// consumed and the junior is re-asked.
				o.log.Warn("junior requested unknown probe",
					zap.String("case", c.ID), zap.Error(verr))
				continue
			}
			// Execute exactly the requested probes, nothing more.
			for _, call := range resp.Probes {
				ev, rerr := o.runner.Run(ctx, call.ID, call.Params)
				if rerr != nil {
					ev = probe.Evidence{ProbeID: call.ID, Success: false, Error: rerr.Error()}
				}
				st.mu.Lock()
				ids := c.addEvidence(ev)
				st.emit(ids)
				st.mu.Unlock()
			}
		}
	}
	return "", 0, "", protocol.ErrRetriesExhausted
}

// auditDraft runs the senior pass over the junior's draft.
func (o *Orchestrator) auditDraft(ctx context.Context, st *caseState, draft string) (*protocol.SeniorResponse, error) {
	c := st.c
	req := protocol.SeniorRequest{
		Question: c.Question,
		Draft:    draft,
		Evidence: protocol.Summarize(c.Evidence, o.cfg.Cases.EvidenceBudget),
	}
	prompt, err := req.UserPrompt()
	if err != nil {
		return nil, err
	}
	raw, err := o.senior.Complete(ctx, protocol.SeniorSystemPrompt, prompt, o.cfg.SeniorTimeout())
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		return nil, fmt.Errorf("%w: %v", protocol.ErrProtocolParse, err)
	}
	return protocol.DecodeSenior(raw)
}

// deterministicFallback handles a protocol failure: re-check the fast
// path against already-gathered evidence, otherwise refuse honestly.
func (o *Orchestrator) deterministicFallback(st *caseState, cause error) {
	c := st.c
	o.log.Warn("protocol failure, falling back",
		zap.String("case", c.ID), zap.Error(cause))

	if fa, ok := brain.Classify(c.Question); ok {
		for _, ev := range c.Evidence {
			if ev.ProbeID != fa.ProbeID || !ev.Success {
				continue
			}
			if text := fa.Format(ev); text != "" {
				o.finishDeterministic(st, OriginBrain, text, []int{ev.ID})
				return
			}
		}
	}
	o.finishRefused(st, OriginJunior, "the local model returned a non-conforming response")
}

// planProbes maps the question target onto the probes to gather up front.
// Parameterized probes are left to the junior, which can supply params.
func (o *Orchestrator) planProbes(target score.Target) []string {
	reg := o.runner.Registry()
	topicFor := map[score.Target]probe.Topic{
		score.TargetMemory:  probe.TopicMemory,
		score.TargetDisk:    probe.TopicDisk,
		score.TargetCPU:     probe.TopicCPU,
		score.TargetKernel:  probe.TopicKernel,
		score.TargetNetwork: probe.TopicNetwork,
		score.TargetUptime:  probe.TopicUptime,
	}
	if topic, ok := topicFor[target]; ok {
		return reg.ByTopic(topic)
	}
	if target == score.TargetService {
		// service.status needs a unit param only the junior can bind;
		// gather the general picture instead.
		return []string{"cpu.top", "sys.uptime"}
	}
	return []string{"host.name", "os.release", "mem.info", "disk.usage"}
}

// remaining reports whether the budget still covers a phase's own timeout.
func remaining(deadline time.Time, need time.Duration) bool {
	return time.Until(deadline) >= need
}
