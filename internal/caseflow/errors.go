package caseflow

import "errors"

var (
	// ErrCaseNotFound is returned for an unknown case id.
	ErrCaseNotFound = errors.New("case not found")

	// ErrInsufficientEvidence is a scoring outcome, not an abort: the
	// case completes normally in the Refused band with an honest reason.
	ErrInsufficientEvidence = errors.New("insufficient evidence")

	// ErrBudgetExhausted marks a phase that could not start because the
	// remaining per-question budget would not cover its own timeout.
	ErrBudgetExhausted = errors.New("question budget exhausted")
)
