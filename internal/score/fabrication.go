package score

import (
	"regexp"
	"strings"

	"annad/internal/probe"
)

// numberPattern captures the measured values an answer might assert:
// multi-digit numbers, decimals and percentages. Single digits are left
// alone; counting words like "one or two probes" are not measurements.
var numberPattern = regexp.MustCompile(`\d+(?:[.,]\d+)?%?`)

// DetectFabrication reports the numeric claims in draft that no evidence
// record supports. A claim is supported when its digits appear in some
// successful evidence field or raw line.
func DetectFabrication(draft string, evidence []probe.Evidence) []string {
	claims := numberPattern.FindAllString(draft, -1)
	if len(claims) == 0 {
		return nil
	}

	var corpus strings.Builder
	for _, ev := range evidence {
		if !ev.Success {
			continue
		}
		for _, v := range ev.Data {
			corpus.WriteString(v)
			corpus.WriteByte(' ')
		}
		corpus.WriteString(ev.Raw)
		corpus.WriteByte(' ')
	}
	haystack := corpus.String()

	var fabricated []string
	seen := map[string]bool{}
	for _, claim := range claims {
		bare := strings.TrimSuffix(strings.ReplaceAll(claim, ",", ""), "%")
		if len(bare) < 2 || seen[claim] {
			continue
		}
		seen[claim] = true
		if !strings.Contains(haystack, bare) {
			fabricated = append(fabricated, claim)
		}
	}
	return fabricated
}
