package caseflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"annad/internal/config"
	"annad/internal/probe"
	"annad/internal/recipe"
	"annad/internal/score"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// cmdExecutor fakes child processes, keyed by the full command line.
type cmdExecutor struct {
	mu      sync.Mutex
	counts  map[string]int
	outputs map[string]probe.ExecResult
}

func newCmdExecutor() *cmdExecutor {
	return &cmdExecutor{
		counts: map[string]int{},
		outputs: map[string]probe.ExecResult{
			"cat /proc/meminfo":                      {Stdout: "MemTotal:       16303868 kB\nMemFree:  1020400 kB\nMemAvailable: 8112204 kB\nSwapTotal: 0 kB\nSwapFree: 0 kB\n"},
			"df -kP":                                 {Stdout: "Filesystem 1024-blocks Used Available Capacity Mounted on\n/dev/sda1 498443264 312000000 161000000 66% /\n"},
			"cat /proc/loadavg":                      {Stdout: "0.42 0.36 0.30 1/123 4567\n"},
			"nproc":                                  {Stdout: "8\n"},
			"ps -eo pid,comm,%cpu,%mem --sort=-%cpu": {Stdout: "PID COMMAND %CPU %MEM\n612 postgres 42.0 12.5\n613 nginx 5.0 1.0\n"},
			"uname -r":                               {Stdout: "6.8.0-41-generic\n"},
			"cat /etc/os-release":                    {Stdout: "NAME=\"Debian GNU/Linux\"\nVERSION_ID=\"12\"\nPRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\nID=debian\n"},
			"cat /proc/uptime":                       {Stdout: "352251.71 1423980.56\n"},
			"hostname":                               {Stdout: "testbox\n"},
			"ss -tunl":                               {Stdout: "Netid State Recv-Q Send-Q Local Address:Port Peer Address:Port\ntcp LISTEN 0 128 0.0.0.0:22 0.0.0.0:*\n"},
			"ip -o addr":                             {Stdout: "2: eth0    inet 10.0.0.5/24 brd 10.0.0.255 scope global eth0\n"},
		},
	}
}

func (e *cmdExecutor) Execute(ctx context.Context, program string, args []string) (probe.ExecResult, error) {
	key := strings.TrimSpace(program + " " + strings.Join(args, " "))
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts[key]++
	if res, ok := e.outputs[key]; ok {
		return res, nil
	}
	return probe.ExecResult{ExitCode: 1, Stderr: "unknown command"}, nil
}

func (e *cmdExecutor) count(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[key]
}

// scriptedModel replays canned responses in order, repeating the last.
type scriptedModel struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (m *scriptedModel) Complete(ctx context.Context, system, user string, timeout time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	idx := m.calls - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	if idx < 0 {
		return "", context.DeadlineExceeded
	}
	return m.responses[idx], nil
}

type fixture struct {
	o        *Orchestrator
	exec     *cmdExecutor
	junior   *scriptedModel
	senior   *scriptedModel
	casesDir string
}

func newFixture(t *testing.T, juniorResponses, seniorResponses []string) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Paths.Base = t.TempDir()
	cfg.Paths.Recipes = cfg.Paths.Base + "/recipes"
	cfg.Paths.Cases = cfg.Paths.Base + "/cases"
	cfg.Paths.Cache = ""

	reg, err := probe.NewRegistry(probe.DefaultCatalog())
	if err != nil {
		t.Fatal(err)
	}
	exec := newCmdExecutor()
	runner := probe.NewRunner(reg, probe.RunnerOptions{Executor: exec, Timeout: time.Second})

	recipes, err := recipe.Open(cfg.Paths.Recipes, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { recipes.Close() })

	junior := &scriptedModel{responses: juniorResponses}
	senior := &scriptedModel{responses: seniorResponses}
	o := New(Options{
		Config:  cfg,
		Runner:  runner,
		Recipes: recipes,
		Junior:  junior,
		Senior:  senior,
	})
	t.Cleanup(o.Close)
	return &fixture{o: o, exec: exec, junior: junior, senior: senior, casesDir: cfg.Paths.Cases}
}

func (f *fixture) ask(t *testing.T, question string) (string, Answer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id := f.o.Submit(context.Background(), question)
	answer, err := f.o.FinalAnswer(ctx, id)
	if err != nil {
		t.Fatalf("FinalAnswer: %v", err)
	}
	return id, answer
}

func TestFastPathMemoryQuestion(t *testing.T) {
	f := newFixture(t, nil, nil)
	start := time.Now()
	id, answer := f.ask(t, "how much RAM do I have?")

	if answer.Origin != OriginBrain {
		t.Fatalf("origin = %s, want brain", answer.Origin)
	}
	if answer.Score.Overall != 100 || answer.Score.Band != score.BandGreen {
		t.Fatalf("score = %+v", answer.Score)
	}
	if !strings.Contains(answer.Text, "15921") {
		t.Fatalf("answer = %q", answer.Text)
	}
	if got := f.exec.count("cat /proc/meminfo"); got != 1 {
		t.Fatalf("mem.info executed %d times, want 1", got)
	}
	if f.junior.calls != 0 || f.senior.calls != 0 {
		t.Fatal("fast path must not touch a model")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("fast path took %v", elapsed)
	}

	c, err := f.o.Snapshot(id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Phase != PhasePersist {
		t.Fatalf("phase = %s, want persist", c.Phase)
	}
	for _, ph := range []Phase{PhaseIntake, PhaseClassify, PhaseBrainHit, PhaseScore, PhaseRespond, PhasePersist} {
		if _, ok := c.Timing[ph]; !ok {
			t.Fatalf("phase %s missing from timing", ph)
		}
	}
	if _, ok := c.Timing[PhaseDraft]; ok {
		t.Fatal("fast path must skip drafting")
	}
}

func TestActionRequestAlwaysAudited(t *testing.T) {
	f := newFixture(t,
		[]string{`{"action":"answer","answer":"Plan: restart the nginx unit via systemctl.","score":0.99}`},
		[]string{`{"verdict":"approve","scores":{"overall":75}}`},
	)
	id, answer := f.ask(t, "restart nginx")

	if f.senior.calls != 1 {
		t.Fatalf("senior calls = %d, want 1 (audit is unconditional for actions)", f.senior.calls)
	}
	if answer.Origin != OriginSenior {
		t.Fatalf("origin = %s, want senior", answer.Origin)
	}
	if answer.Score.Band == score.BandGreen {
		t.Fatalf("band = green despite coverage miss, score %+v", answer.Score)
	}
	if answer.Plan == nil || answer.Plan.Risk != RiskAction {
		t.Fatalf("plan = %+v", answer.Plan)
	}

	c, _ := f.o.Snapshot(id)
	if _, ok := c.Timing[PhaseAudit]; !ok {
		t.Fatal("audit phase missing")
	}
	if _, ok := c.Timing[PhaseBrainHit]; ok {
		t.Fatal("action request must never hit the fast path")
	}
	if c.Risk != RiskAction {
		t.Fatalf("risk = %s", c.Risk)
	}
}

func TestJuniorProbeLoopGathersEvidence(t *testing.T) {
	f := newFixture(t,
		[]string{
			`{"action":"probe","probes":[{"id":"cpu.count"}]}`,
			`{"action":"answer","answer":"Postgres has 8 cores available.","score":0.9}`,
		},
		[]string{`{"verdict":"approve","scores":{"overall":90}}`},
	)
	id, answer := f.ask(t, "does postgres have enough cores")

	if answer.Score.Band == score.BandRefused {
		t.Fatalf("refused: %+v", answer)
	}
	c, _ := f.o.Snapshot(id)
	found := false
	for _, ev := range c.Evidence {
		if ev.ProbeID == "cpu.count" && ev.Success {
			found = true
		}
	}
	if !found {
		t.Fatal("junior-requested probe evidence missing")
	}
	if f.junior.calls != 2 {
		t.Fatalf("junior calls = %d, want 2", f.junior.calls)
	}
}

func TestJuniorUnknownProbeConsumesIteration(t *testing.T) {
	f := newFixture(t,
		[]string{
			`{"action":"probe","probes":[{"id":"ghost.probe"}]}`,
			`{"action":"answer","answer":"The machine has 8 cores.","score":0.95}`,
		},
		nil,
	)
	id, answer := f.ask(t, "how fast is the cpu here really")

	if f.junior.calls != 2 {
		t.Fatalf("junior calls = %d, want 2 (iteration consumed, junior re-asked)", f.junior.calls)
	}
	c, _ := f.o.Snapshot(id)
	for _, ev := range c.Evidence {
		if ev.ProbeID == "ghost.probe" {
			t.Fatal("unknown probe must never execute")
		}
	}
	if answer.Score.Band == score.BandRefused {
		t.Fatalf("refused: %+v", answer)
	}
}

func TestProtocolParseFailureFallsBackToRefusal(t *testing.T) {
	f := newFixture(t, []string{"I reckon the answer is 42"}, nil)
	_, answer := f.ask(t, "why is postgres slow on tuesdays")

	if answer.Score.Band != score.BandRefused {
		t.Fatalf("band = %s, want refused", answer.Score.Band)
	}
	if answer.Reason == "" {
		t.Fatal("refused answer must carry a reason")
	}
	if answer.Text != "" {
		t.Fatalf("refused answer has text %q", answer.Text)
	}
}

func TestRefusedCasesCarryOrigin(t *testing.T) {
	cases := []struct {
		name     string
		question string
		junior   []string
		setup    func(f *fixture)
		want     Origin
	}{
		{
			name:     "protocol parse failure",
			question: "why is postgres slow on tuesdays",
			junior:   []string{"I reckon the answer is 42"},
			want:     OriginJunior,
		},
		{
			name:     "retries exhausted",
			question: "what is eating my cpu",
			junior:   []string{`{"action":"probe","probes":[{"id":"cpu.count"}]}`},
			want:     OriginJunior,
		},
		{
			name:     "budget exhausted on fast path",
			question: "how much ram do i have",
			setup:    func(f *fixture) { f.o.cfg.Cases.QuestionBudget = "1ms" },
			want:     OriginBrain,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.junior, nil)
			if tc.setup != nil {
				tc.setup(f)
			}
			id, answer := f.ask(t, tc.question)

			if answer.Score.Band != score.BandRefused {
				t.Fatalf("band = %s, want refused", answer.Score.Band)
			}
			if answer.Origin != tc.want {
				t.Fatalf("origin = %q, want %q", answer.Origin, tc.want)
			}
			c, err := f.o.Snapshot(id)
			if err != nil {
				t.Fatal(err)
			}
			if c.Phase != PhasePersist {
				t.Fatalf("phase = %s, want persist", c.Phase)
			}
			loaded, err := LoadCase(f.casesDir, id)
			if err != nil {
				t.Fatal(err)
			}
			if loaded.Origin == "" {
				t.Fatal("persisted refused case has empty origin")
			}
			if loaded.Origin != tc.want {
				t.Fatalf("persisted origin = %q, want %q", loaded.Origin, tc.want)
			}
		})
	}
}

func TestJuniorRetriesExhaustedForcesRefusal(t *testing.T) {
	f := newFixture(t,
		[]string{`{"action":"probe","probes":[{"id":"cpu.count"}]}`},
		nil,
	)
	_, answer := f.ask(t, "what is eating my cpu")

	if answer.Score.Band != score.BandRefused {
		t.Fatalf("band = %s, want refused", answer.Score.Band)
	}
	if !strings.Contains(answer.Reason, "iteration") {
		t.Fatalf("reason = %q", answer.Reason)
	}
	if answer.Score.Overall >= 60 {
		t.Fatalf("overall = %d, want < 60", answer.Score.Overall)
	}
}

func TestSeniorRefuseEndsInRefusedBand(t *testing.T) {
	f := newFixture(t,
		[]string{`{"action":"answer","answer":"Everything is on fire.","score":0.5}`},
		[]string{`{"verdict":"refuse","reason":"draft not supported by evidence","scores":{"overall":20}}`},
	)
	_, answer := f.ask(t, "is the web server healthy")

	if answer.Score.Band != score.BandRefused {
		t.Fatalf("band = %s, want refused", answer.Score.Band)
	}
	if answer.Reason != "draft not supported by evidence" {
		t.Fatalf("reason = %q", answer.Reason)
	}
	if answer.Origin != OriginSenior {
		t.Fatalf("origin = %s, want senior", answer.Origin)
	}
}

func TestIdempotentLearning(t *testing.T) {
	question := "does this box have enough ram for postgres"
	f := newFixture(t,
		[]string{`{"action":"answer","answer":"The box has 15921 MB of RAM, plenty for postgres.","score":0.95}`},
		nil,
	)

	_, first := f.ask(t, question)
	if first.Origin != OriginJunior {
		t.Fatalf("first origin = %s, want junior", first.Origin)
	}
	if first.Score.Band != score.BandGreen {
		t.Fatalf("first score = %+v", first.Score)
	}

	_, second := f.ask(t, question)
	if second.Origin != OriginRecipe {
		t.Fatalf("second origin = %s, want recipe (learned)", second.Origin)
	}
	if !strings.Contains(second.Text, "15921") {
		t.Fatalf("second answer = %q", second.Text)
	}
	if f.junior.calls != 1 {
		t.Fatalf("junior calls = %d, want 1 (second run model-free)", f.junior.calls)
	}
}

func TestCasePersistenceRoundTrip(t *testing.T) {
	f := newFixture(t, nil, nil)
	id, _ := f.ask(t, "how much ram do i have")

	live, err := f.o.Snapshot(id)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadCase(f.casesDir, id)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(live.Score, loaded.Score); diff != "" {
		t.Fatalf("score mismatch (-live +loaded):\n%s", diff)
	}
	if diff := cmp.Diff(live.Evidence, loaded.Evidence); diff != "" {
		t.Fatalf("evidence mismatch (-live +loaded):\n%s", diff)
	}
	if live.Origin != loaded.Origin {
		t.Fatalf("origin mismatch: %s vs %s", live.Origin, loaded.Origin)
	}
}

func TestEventsCarryActorsAndClose(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.o.Submit(ctx, "how much ram do i have")

	if _, err := f.o.FinalAnswer(ctx, id); err != nil {
		t.Fatal(err)
	}
	ch, err := f.o.Events(id)
	if err != nil {
		t.Fatal(err)
	}

	actors := map[string]bool{}
	var phases []Phase
	for ev := range ch {
		if ev.CaseID != id {
			t.Fatalf("event for wrong case: %s", ev.CaseID)
		}
		actors[ev.Actor] = true
		phases = append(phases, ev.Phase)
	}
	if !actors["classifier"] || !actors["annad"] {
		t.Fatalf("actors = %v", actors)
	}
	if phases[len(phases)-1] != PhasePersist {
		t.Fatalf("last phase = %s", phases[len(phases)-1])
	}
}

func TestBudgetExhaustionShortCircuits(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.o.cfg.Cases.QuestionBudget = "1ms"

	_, answer := f.ask(t, "how much ram do i have")
	if answer.Score.Band != score.BandRefused {
		t.Fatalf("band = %s, want refused", answer.Score.Band)
	}
	if !strings.Contains(answer.Reason, "budget") {
		t.Fatalf("reason = %q", answer.Reason)
	}
}

func TestTransportCancellationAbandons(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id := f.o.Submit(ctx, "how much ram do i have")
	answer, err := f.o.FinalAnswer(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if answer.Score.Band != score.BandRefused {
		t.Fatalf("band = %s", answer.Score.Band)
	}

	c, _ := f.o.Snapshot(id)
	if c.Phase != PhaseAbandoned {
		t.Fatalf("phase = %s, want abandoned", c.Phase)
	}
	// Partial state is still persisted for audit.
	if _, err := LoadCase(f.casesDir, id); err != nil {
		t.Fatalf("abandoned case not persisted: %v", err)
	}
}

func TestSnapshotIsolatedFromLiveCase(t *testing.T) {
	f := newFixture(t, nil, nil)
	id, _ := f.ask(t, "how much ram do i have")

	snap, err := f.o.Snapshot(id)
	if err != nil {
		t.Fatal(err)
	}
	snap.Timing[PhaseAbandoned] = PhaseSpan{Entered: time.Now()}

	again, err := f.o.Snapshot(id)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := again.Timing[PhaseAbandoned]; ok {
		t.Fatal("snapshot shares the live timing map")
	}
}

func TestSubmitAfterCloseAbandons(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.o.Close()

	id := f.o.Submit(context.Background(), "how much ram do i have")
	answer, err := f.o.FinalAnswer(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if answer.Score.Band != score.BandRefused {
		t.Fatalf("band = %s, want refused", answer.Score.Band)
	}
	c, err := f.o.Snapshot(id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Phase != PhaseAbandoned {
		t.Fatalf("phase = %s, want abandoned", c.Phase)
	}
	if got := f.exec.count("cat /proc/meminfo"); got != 0 {
		t.Fatalf("probe executed %d times after close, want 0", got)
	}
}

func TestUnknownCaseID(t *testing.T) {
	f := newFixture(t, nil, nil)
	if _, err := f.o.FinalAnswer(context.Background(), "no-such-case"); err != ErrCaseNotFound {
		t.Fatalf("err = %v, want ErrCaseNotFound", err)
	}
	if _, err := f.o.Events("no-such-case"); err != ErrCaseNotFound {
		t.Fatalf("err = %v, want ErrCaseNotFound", err)
	}
}
