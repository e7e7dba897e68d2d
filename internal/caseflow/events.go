package caseflow

import (
	"time"

	"annad/internal/protocol"
)

// Event is one structured phase-transition notification. The core never
// decides phrasing; the (external) transcript renderer turns these into
// human or debug display.
type Event struct {
	CaseID      string    `json:"case_id"`
	Phase       Phase     `json:"phase"`
	Actor       string    `json:"actor"`
	EvidenceIDs []int     `json:"evidence_ids,omitempty"`
	At          time.Time `json:"at"`
}

// phaseActor maps each phase to the actor that drives it.
func phaseActor(p Phase) string {
	switch p {
	case PhaseClassify, PhaseBrainHit:
		return protocol.ActorClassifier
	case PhaseDraft:
		return protocol.ActorJunior
	case PhaseAudit:
		return protocol.ActorSenior
	default:
		return protocol.ActorDaemon
	}
}

// eventLog buffers a case's events and fans them out to subscribers.
// Emission never blocks the pipeline: a subscriber stalled past its
// channel buffer misses live events and must subscribe again for the
// full backlog, which is replayed on every subscribe. The channel is
// closed once the case reaches a terminal phase.
type eventLog struct {
	events []Event
	subs   []chan Event
	closed bool
}

func (l *eventLog) emit(ev Event) {
	l.events = append(l.events, ev)
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default: // subscriber stalled; it can re-subscribe for the backlog
		}
	}
}

func (l *eventLog) subscribe() <-chan Event {
	ch := make(chan Event, 64)
	for _, ev := range l.events {
		ch <- ev
	}
	if l.closed {
		close(ch)
		return ch
	}
	l.subs = append(l.subs, ch)
	return ch
}

func (l *eventLog) finish() {
	if l.closed {
		return
	}
	l.closed = true
	for _, ch := range l.subs {
		close(ch)
	}
	l.subs = nil
}
