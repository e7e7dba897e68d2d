// Package score computes the 0-100 reliability score behind every final
// answer. Compute is pure and referentially transparent: same evidence,
// coverage and confidence always produce the same score.
package score

import (
	"math"

	"annad/internal/probe"
)

// Band is the confidence classification derived from the numeric score.
type Band string

const (
	BandGreen   Band = "green"   // >= 90
	BandYellow  Band = "yellow"  // 70-89
	BandRed     Band = "red"     // 60-69
	BandRefused Band = "refused" // < 60
)

// Scoring weights and thresholds. These are the documented defaults of a
// separate slow auto-tune mechanism that is out of scope here; expose
// them as named constants rather than re-deriving the tuning.
const (
	WeightEvidence  = 0.4
	WeightReasoning = 0.3
	WeightCoverage  = 0.3

	GreenThreshold  = 90
	YellowThreshold = 70
	RedThreshold    = 60
	FabricationCeil = 65 // hard cap when a claim has no supporting evidence
)

// Reliability is a derived value, recomputed whenever evidence or draft
// changes, never mutated in place.
type Reliability struct {
	Evidence  float64 `json:"evidence_subscore"`
	Reasoning float64 `json:"reasoning_subscore"`
	Coverage  float64 `json:"coverage_subscore"`
	Overall   int     `json:"overall"`
	Band      Band    `json:"band"`
}

// BandFor maps an overall score onto its band.
func BandFor(overall int) Band {
	switch {
	case overall >= GreenThreshold:
		return BandGreen
	case overall >= YellowThreshold:
		return BandYellow
	case overall >= RedThreshold:
		return BandRed
	default:
		return BandRefused
	}
}

// Maximal is the fixed score assigned to deterministic origins
// (fast-path and recipe answers rendered from fresh evidence).
func Maximal() Reliability {
	return Reliability{Evidence: 1, Reasoning: 1, Coverage: 1, Overall: 100, Band: BandGreen}
}

// Refused builds the floor score used when a case ends without a
// defensible answer.
func Refused() Reliability {
	return Reliability{Band: BandRefused}
}

// Compute derives the reliability score from planned-vs-succeeded
// evidence, topic coverage and the protocol-reported confidence.
func Compute(evidence []probe.Evidence, cov Coverage, protocolConfidence float64) Reliability {
	evScore := 0.0
	if len(evidence) > 0 {
		ok := 0
		for _, ev := range evidence {
			if ev.Success {
				ok++
			}
		}
		evScore = float64(ok) / float64(len(evidence))
	}

	reasoning := clamp01(protocolConfidence)
	coverage := clamp01(cov.Fraction)

	overall := int(math.Round(100 * (WeightEvidence*evScore + WeightReasoning*reasoning + WeightCoverage*coverage)))
	return Reliability{
		Evidence:  evScore,
		Reasoning: reasoning,
		Coverage:  coverage,
		Overall:   overall,
		Band:      BandFor(overall),
	}
}

// CapFabrication re-bands r with the fabrication ceiling applied. The cap
// forces at least the Red band no matter how well the formula scored.
func CapFabrication(r Reliability) Reliability {
	if r.Overall > FabricationCeil {
		r.Overall = FabricationCeil
	}
	r.Band = BandFor(r.Overall)
	return r
}

func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
