// Package probe executes the whitelisted read-only system commands that
// produce the evidence every factual answer must cite. Probes are defined
// once at startup; unknown ids fail closed. A probe that runs and fails is
// still evidence (Success=false), never an orchestrator error.
package probe

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrProbeNotFound is returned for ids outside the compiled-in whitelist.
var ErrProbeNotFound = errors.New("probe not found in whitelist")

// Topic tags evidence by subject area so coverage can be checked against
// what a question actually asks about.
type Topic string

const (
	TopicMemory  Topic = "memory"
	TopicDisk    Topic = "disk"
	TopicCPU     Topic = "cpu"
	TopicKernel  Topic = "kernel"
	TopicNetwork Topic = "network"
	TopicService Topic = "service"
	TopicUptime  Topic = "uptime"
	TopicGeneral Topic = "general"
)

// CacheMode distinguishes probes whose output may be reused within a TTL
// from those that must re-execute on every request.
type CacheMode int

const (
	Volatile CacheMode = iota
	TTL
)

// CachePolicy declares how long a probe result stays reusable.
type CachePolicy struct {
	Mode    CacheMode
	Seconds int
}

// Ttl is shorthand for a TTL policy of n seconds.
func Ttl(n int) CachePolicy { return CachePolicy{Mode: TTL, Seconds: n} }

// Definition is one whitelisted probe. Immutable after registry load.
// Args entries may contain "{name}" slots filled from call params; the
// program itself is never parameterized and nothing passes through a shell.
type Definition struct {
	ID      string
	Topic   Topic
	Program string
	Args    []string
	Parser  string
	Cache   CachePolicy
}

// Evidence is the structured result of one probe execution. IDs are
// assigned by the owning case, monotonic within it; evidence is never
// shared across cases.
type Evidence struct {
	ID         int               `json:"id"`
	ProbeID    string            `json:"probe_id"`
	Topic      Topic             `json:"topic"`
	Data       map[string]string `json:"data"`
	Raw        string            `json:"raw,omitempty"`
	AgeSeconds int               `json:"age_seconds"`
	Success    bool              `json:"success"`
	Cached     bool              `json:"cached"`
	Error      string            `json:"error,omitempty"`
}

// paramPattern rejects anything that could smuggle shell metacharacters or
// extra argv entries through a parameter slot.
var paramPattern = regexp.MustCompile(`^[A-Za-z0-9@._:-]+$`)

var slotPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// expandArgs fills {name} slots from params. Missing params or unsafe
// values fail closed.
func expandArgs(def *Definition, params map[string]string) ([]string, error) {
	out := make([]string, 0, len(def.Args))
	for _, arg := range def.Args {
		expanded := arg
		for _, m := range slotPattern.FindAllStringSubmatch(arg, -1) {
			name := m[1]
			val, ok := params[name]
			if !ok {
				return nil, fmt.Errorf("probe %s: missing param %q", def.ID, name)
			}
			if !paramPattern.MatchString(val) {
				return nil, fmt.Errorf("probe %s: unsafe param %s=%q", def.ID, name, val)
			}
			expanded = strings.ReplaceAll(expanded, m[0], val)
		}
		out = append(out, expanded)
	}
	return out, nil
}

// cacheKey canonicalizes id+params so equivalent calls coalesce.
func cacheKey(id string, params map[string]string) string {
	if len(params) == 0 {
		return id
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(id)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// fresh reports whether a record executed at ts is still within the
// probe's cache policy.
func (p CachePolicy) fresh(executedAt time.Time, now time.Time) bool {
	if p.Mode != TTL {
		return false
	}
	return now.Sub(executedAt) < time.Duration(p.Seconds)*time.Second
}
