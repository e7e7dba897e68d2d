// Package recipe implements the learned-shortcut store: question shapes
// that previously produced a verified answer, distilled into parameterized
// templates that render fresh evidence without a model call.
package recipe

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrStale marks a matched recipe whose required evidence has expired.
// The orchestrator must re-run the stale probes instead of silently
// reusing old values.
var ErrStale = errors.New("recipe evidence stale")

// MatchThreshold is the minimum token-overlap score for a non-exact match.
const MatchThreshold = 0.6

// Recipe is one learned question→evidence→answer pattern.
type Recipe struct {
	Signature    string            `yaml:"signature"`
	Tokens       []string          `yaml:"tokens"`
	Params       map[string]string `yaml:"params,omitempty"`
	Probes       []string          `yaml:"probes"`
	Template     string            `yaml:"template"`
	SuccessScore float64           `yaml:"success_score"`
	UsageCount   int               `yaml:"usage_count"`
	CreatedAt    time.Time         `yaml:"created_at"`
}

// Match is a store hit plus how confidently it matched.
type Match struct {
	Recipe     *Recipe
	Confidence float64
}

var numberToken = regexp.MustCompile(`^\d[\d.,%]*$`)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "do": true,
	"does": true, "i": true, "my": true, "me": true, "this": true, "that": true,
	"of": true, "on": true, "in": true, "to": true, "it": true, "what": true,
	"whats": true, "much": true, "many": true, "have": true, "has": true,
	"there": true, "please": true, "can": true, "you": true, "tell": true,
}

// Signature reduces a question to its intent shape: lower-cased key tokens
// in order, numbers collapsed to "#", stopwords dropped. Two questions with
// the same signature ask the same thing.
func Signature(question string) (string, []string) {
	q := strings.ToLower(strings.TrimSpace(question))
	q = strings.Trim(q, "?!. ")
	var tokens []string
	for _, tok := range strings.Fields(q) {
		tok = strings.Trim(tok, "?!.,:;\"'")
		if tok == "" || stopwords[tok] {
			continue
		}
		if numberToken.MatchString(tok) {
			tok = "#"
		}
		tokens = append(tokens, tok)
	}
	return strings.Join(tokens, " "), tokens
}

// overlap is the Jaccard similarity of two token sets.
func overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := map[string]bool{}
	for _, t := range a {
		setA[t] = true
	}
	setB := map[string]bool{}
	for _, t := range b {
		setB[t] = true
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// better orders candidate recipes for tie-breaking: higher historical
// success score first, then higher usage count.
func better(a, b *Recipe) bool {
	if a.SuccessScore != b.SuccessScore {
		return a.SuccessScore > b.SuccessScore
	}
	return a.UsageCount > b.UsageCount
}

func sortCandidates(rs []*Recipe) {
	sort.SliceStable(rs, func(i, j int) bool { return better(rs[i], rs[j]) })
}
