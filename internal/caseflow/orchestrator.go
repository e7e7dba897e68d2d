package caseflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"annad/internal/config"
	"annad/internal/inference"
	"annad/internal/probe"
	"annad/internal/recipe"
)

// Orchestrator services many concurrent cases. Each case runs as its own
// goroutine; the only shared mutable state is the probe cache and the
// recipe store, both internally synchronized per key.
type Orchestrator struct {
	cfg     *config.Config
	log     *zap.Logger
	runner  *probe.Runner
	recipes *recipe.Store
	junior  inference.Client
	senior  inference.Client

	mu    sync.RWMutex
	cases map[string]*caseState

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// caseState pairs the case with its live bookkeeping.
type caseState struct {
	mu     sync.Mutex
	c      *Case
	events eventLog
	done   chan struct{}
	answer Answer
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Config  *config.Config
	Logger  *zap.Logger
	Runner  *probe.Runner
	Recipes *recipe.Store
	Junior  inference.Client
	Senior  inference.Client
}

// New builds an orchestrator. All collaborators are required except the
// logger.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     opts.Config,
		log:     opts.Logger,
		runner:  opts.Runner,
		recipes: opts.Recipes,
		junior:  opts.Junior,
		senior:  opts.Senior,
		cases:   make(map[string]*caseState),
		closed:  make(chan struct{}),
	}
}

// Submit enqueues a question and returns its case id immediately. The
// supplied context represents the inbound transport: if it is cancelled,
// the case is abandoned cooperatively at the next suspension point and
// partial evidence is still persisted.
func (o *Orchestrator) Submit(ctx context.Context, question string) string {
	id := uuid.NewString()
	st := &caseState{
		c:    newCase(id, question, time.Now()),
		done: make(chan struct{}),
	}

	o.mu.Lock()
	o.cases[id] = st
	o.mu.Unlock()

	select {
	case <-o.closed:
		// Submitted after shutdown: no goroutine starts, the case
		// terminates immediately.
		o.abandon(st, "orchestrator closed")
		close(st.done)
		return id
	default:
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runCase(ctx, st)
	}()
	return id
}

// Events subscribes to a case's phase transitions. Already-emitted events
// are replayed; the channel closes when the case reaches a terminal phase.
func (o *Orchestrator) Events(id string) (<-chan Event, error) {
	st, err := o.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.events.subscribe(), nil
}

// FinalAnswer blocks until the case completes, then returns its outcome.
func (o *Orchestrator) FinalAnswer(ctx context.Context, id string) (Answer, error) {
	st, err := o.state(id)
	if err != nil {
		return Answer{}, err
	}
	select {
	case <-st.done:
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.answer, nil
}

// Snapshot returns a copy of the case for inspection and tests. The
// Timing map is copied under the lock; sharing it with a running case
// would race with advance. Evidence Data maps are write-once after
// parsing and safe to share.
func (o *Orchestrator) Snapshot(id string) (Case, error) {
	st, err := o.state(id)
	if err != nil {
		return Case{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *st.c
	cp.Evidence = append([]probe.Evidence(nil), st.c.Evidence...)
	cp.Timing = make(map[Phase]PhaseSpan, len(st.c.Timing))
	for p, span := range st.c.Timing {
		cp.Timing[p] = span
	}
	return cp, nil
}

// Close waits for in-flight cases to finish. Submissions after Close
// are abandoned without running. Safe to call more than once.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.closed) })
	o.wg.Wait()
}

func (o *Orchestrator) state(id string) (*caseState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return st, nil
}

// emit records a phase transition event under the case lock.
func (st *caseState) emit(evidenceIDs []int) {
	st.events.emit(Event{
		CaseID:      st.c.ID,
		Phase:       st.c.Phase,
		Actor:       phaseActor(st.c.Phase),
		EvidenceIDs: evidenceIDs,
		At:          time.Now(),
	})
}

// advance moves the case forward and emits the transition. Illegal
// transitions are programming errors; they abandon the case rather than
// silently skipping a gate.
func (st *caseState) advance(next Phase, evidenceIDs []int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.c.advance(next); err != nil {
		return err
	}
	st.emit(evidenceIDs)
	return nil
}
