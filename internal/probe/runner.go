package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ExecResult is the raw outcome of one child process run.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor spawns a child process with an explicit argument vector.
// It exists as an interface so tests can substitute a scripted executor;
// the production implementation is OSExecutor.
type Executor interface {
	Execute(ctx context.Context, program string, args []string) (ExecResult, error)
}

// OSExecutor runs real processes via exec.CommandContext. The context
// deadline kills the child on expiry.
type OSExecutor struct {
	MaxOutput int // bytes per stream; 0 means 64 KiB
}

func (e OSExecutor) Execute(ctx context.Context, program string, args []string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, program, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{
		Stdout:   truncate(stdout.String(), e.maxOutput()),
		Stderr:   truncate(stderr.String(), e.maxOutput()),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil // non-zero exit is a result, not a spawn failure
		}
		return res, err
	}
	return res, nil
}

func (e OSExecutor) maxOutput() int {
	if e.MaxOutput > 0 {
		return e.MaxOutput
	}
	return 64 * 1024
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n...[truncated]"
}

// Runner executes whitelisted probes with per-probe timeouts, TTL caching
// and single-flight coalescing of concurrent identical calls.
type Runner struct {
	reg     *Registry
	exec    Executor
	cache   *resultCache
	group   singleflight.Group
	timeout time.Duration
	log     *zap.Logger
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Executor Executor      // defaults to OSExecutor
	Timeout  time.Duration // per-probe; defaults to 3s
	CacheDir string        // optional disk spill for cached results
	Logger   *zap.Logger
}

// NewRunner builds a runner over the given registry.
func NewRunner(reg *Registry, opts RunnerOptions) *Runner {
	if opts.Executor == nil {
		opts.Executor = OSExecutor{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{
		reg:     reg,
		exec:    opts.Executor,
		cache:   newResultCache(opts.CacheDir),
		timeout: opts.Timeout,
		log:     opts.Logger,
	}
}

// Run executes one probe. The only error it returns is ErrProbeNotFound
// (or bad params); execution, timeout and parse failures are absorbed
// into Evidence{Success: false}.
func (r *Runner) Run(ctx context.Context, id string, params map[string]string) (Evidence, error) {
	def, err := r.reg.Lookup(id)
	if err != nil {
		return Evidence{}, err
	}
	args, err := expandArgs(def, params)
	if err != nil {
		return Evidence{}, fmt.Errorf("%w: %v", ErrProbeNotFound, err)
	}

	key := cacheKey(id, params)
	now := time.Now()
	if entry, ok := r.cache.get(key); ok && def.Cache.fresh(entry.ExecutedAt, now) {
		ev := entry.Evidence
		ev.Cached = true
		ev.AgeSeconds = int(now.Sub(entry.ExecutedAt).Seconds())
		return ev, nil
	}

	// The singleflight shared flag is true for the initiating caller
	// too; only callers whose closure never ran received a coalesced
	// result, so the initiator is tracked inside the closure.
	executed := false
	v, err, _ := r.group.Do(key, func() (any, error) {
		executed = true
		return r.execute(ctx, def, args, key), nil
	})
	if err != nil {
		// The closure never returns an error; this only fires on a
		// panicking goroutine inside the group, which we treat as a
		// failed probe.
		return Evidence{ProbeID: id, Topic: def.Topic, Success: false, Error: err.Error()}, nil
	}
	ev := v.(Evidence)
	if !executed {
		ev.Cached = true
	}
	return ev, nil
}

func (r *Runner) execute(ctx context.Context, def *Definition, args []string, key string) Evidence {
	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ev := Evidence{ProbeID: def.ID, Topic: def.Topic}

	res, err := r.exec.Execute(execCtx, def.Program, args)
	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		ev.Error = fmt.Sprintf("timed out after %s", r.timeout)
		r.log.Warn("probe timed out", zap.String("probe", def.ID), zap.Duration("timeout", r.timeout))
		return ev
	case err != nil:
		ev.Error = fmt.Sprintf("spawn failed: %v", err)
		r.log.Warn("probe spawn failed", zap.String("probe", def.ID), zap.Error(err))
		return ev
	case res.ExitCode != 0:
		ev.Error = fmt.Sprintf("exit %d: %s", res.ExitCode, firstLine(res.Stderr))
		ev.Raw = res.Stdout
		return ev
	}

	parser, err := lookupParser(def.Parser)
	if err != nil {
		ev.Error = err.Error()
		return ev
	}
	data, err := parser(res.Stdout)
	if err != nil {
		ev.Error = fmt.Sprintf("parse: %v", err)
		ev.Raw = res.Stdout
		r.log.Warn("probe parse failed", zap.String("probe", def.ID), zap.Error(err))
		return ev
	}

	ev.Success = true
	ev.Data = data
	ev.Raw = firstLine(res.Stdout)
	r.log.Debug("probe ok",
		zap.String("probe", def.ID),
		zap.Duration("took", res.Duration),
		zap.Int("fields", len(data)))

	if def.Cache.Mode == TTL {
		r.cache.put(key, cachedResult{Evidence: ev, ExecutedAt: time.Now()})
	}
	return ev
}

// RunAll gathers a probe set concurrently, preserving request order in the
// returned slice. Probe failures come back as failed evidence; only an
// unknown id yields an error entry with a zero ProbeID left intact.
func (r *Runner) RunAll(ctx context.Context, ids []string, params map[string]string) []Evidence {
	out := make([]Evidence, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			ev, err := r.Run(gctx, id, params)
			if err != nil {
				ev = Evidence{ProbeID: id, Success: false, Error: err.Error()}
			}
			out[i] = ev
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors
	return out
}

// Fresh reports whether cached evidence for id+params is still within the
// probe's TTL. Volatile probes are never fresh.
func (r *Runner) Fresh(id string, params map[string]string) bool {
	def, err := r.reg.Lookup(id)
	if err != nil || def.Cache.Mode != TTL {
		return false
	}
	entry, ok := r.cache.get(cacheKey(id, params))
	return ok && def.Cache.fresh(entry.ExecutedAt, time.Now())
}

// Registry exposes the catalog for planning and validation.
func (r *Runner) Registry() *Registry { return r.reg }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
