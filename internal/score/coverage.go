package score

import (
	"strings"

	"annad/internal/probe"
)

// Target is the subject area a question is asking about, detected from
// its wording. Coverage compares the topics the question needs against
// the topics the gathered evidence actually supplies.
type Target string

const (
	TargetMemory  Target = "memory"
	TargetDisk    Target = "disk"
	TargetCPU     Target = "cpu"
	TargetKernel  Target = "kernel"
	TargetNetwork Target = "network"
	TargetService Target = "service"
	TargetUptime  Target = "uptime"
	TargetGeneral Target = "general"
)

// Coverage is the result of matching evidence topics against a target.
type Coverage struct {
	Target   Target        `json:"target"`
	Required []probe.Topic `json:"required"`
	Covered  []probe.Topic `json:"covered"`
	Fraction float64       `json:"fraction"`
}

// requiredTopics maps each target to the evidence topics an answer about
// it must cite. General questions accept any successful evidence.
var requiredTopics = map[Target][]probe.Topic{
	TargetMemory:  {probe.TopicMemory},
	TargetDisk:    {probe.TopicDisk},
	TargetCPU:     {probe.TopicCPU},
	TargetKernel:  {probe.TopicKernel},
	TargetNetwork: {probe.TopicNetwork},
	TargetService: {probe.TopicService},
	TargetUptime:  {probe.TopicUptime},
	TargetGeneral: nil,
}

var targetHints = []struct {
	target Target
	hints  []string
}{
	{TargetMemory, []string{"ram", "memory", "swap", "oom"}},
	{TargetDisk, []string{"disk", "filesystem", "mount", "space", "inode"}},
	{TargetService, []string{"service", "daemon", "systemd", "nginx", "postgres", "unit", "running"}},
	{TargetCPU, []string{"cpu", "core", "load", "process"}},
	{TargetKernel, []string{"kernel", "distro", "os version", "operating system"}},
	{TargetNetwork, []string{"network", "port", "socket", "ip ", "address", "interface", "dns"}},
	{TargetUptime, []string{"uptime", "boot", "reboot"}},
}

// DetectTarget picks the first target whose hint appears in the
// normalized question, falling back to general.
func DetectTarget(question string) Target {
	q := " " + strings.ToLower(strings.TrimSpace(question)) + " "
	for _, th := range targetHints {
		for _, hint := range th.hints {
			if strings.Contains(q, hint) {
				return th.target
			}
		}
	}
	return TargetGeneral
}

// CoverageFor computes how much of the target's required topic set the
// successful evidence covers. Failed evidence never counts as coverage.
func CoverageFor(target Target, evidence []probe.Evidence) Coverage {
	required := requiredTopics[target]
	cov := Coverage{Target: target, Required: required}

	have := map[probe.Topic]bool{}
	for _, ev := range evidence {
		if ev.Success {
			have[ev.Topic] = true
		}
	}

	if len(required) == 0 {
		// General target: any successful evidence is full coverage.
		if len(have) > 0 {
			cov.Fraction = 1
			for t := range have {
				cov.Covered = append(cov.Covered, t)
			}
		}
		return cov
	}

	hit := 0
	for _, t := range required {
		if have[t] {
			hit++
			cov.Covered = append(cov.Covered, t)
		}
	}
	cov.Fraction = float64(hit) / float64(len(required))
	return cov
}
