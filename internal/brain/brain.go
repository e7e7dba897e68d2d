// Package brain is the deterministic fast path: a zero-model classifier
// that maps a handful of common question shapes straight onto a single
// probe and a canned formatter. Anything that smells like an action
// request is excluded by construction and continues to the full pipeline.
package brain

import (
	"fmt"
	"strings"

	"annad/internal/probe"
)

// FastQuestionType names the fixed set of facts the fast path can answer.
type FastQuestionType string

const (
	QMemory    FastQuestionType = "memory_total"
	QDisk      FastQuestionType = "disk_usage"
	QCPUCount  FastQuestionType = "cpu_count"
	QLoad      FastQuestionType = "cpu_load"
	QKernel    FastQuestionType = "kernel_version"
	QOS        FastQuestionType = "os_release"
	QUptime    FastQuestionType = "uptime"
	QHostname  FastQuestionType = "hostname"
	QIPAddr    FastQuestionType = "ip_address"
	QListeners FastQuestionType = "listeners"
)

// FastAnswer pairs a matched question type with its probe and formatter.
// Format returns "" when the evidence cannot support the answer; the
// orchestrator then falls through to the full pipeline.
type FastAnswer struct {
	Question FastQuestionType
	ProbeID  string
	Format   func(probe.Evidence) string
}

// actionVerbs disqualify a question from the fast path outright. The fast
// path answers facts; it never initiates changes.
var actionVerbs = []string{
	"install", "uninstall", "restart", "start ", "stop ", "reload",
	"remove", "delete", "edit", "change", "set ", "update", "upgrade",
	"enable", "disable", "kill", "reboot", "shutdown", "fix ", "create",
}

type rule struct {
	question FastQuestionType
	probeID  string
	match    func(q string) bool
	format   func(probe.Evidence) string
}

// Rules are ordered; the first match wins.
var rules = []rule{
	{QMemory, "mem.info", matchAny("how much ram", "how much memory", "total memory", "total ram", "memory do i have", "ram do i have", "free memory", "available memory"), formatMemory},
	{QDisk, "disk.usage", matchAny("disk space", "disk usage", "disk full", "how full is", "space left", "free space"), formatDisk},
	{QCPUCount, "cpu.count", matchAny("how many cpu", "how many core", "cpu count", "number of cores", "number of cpus"), formatCPUCount},
	{QLoad, "cpu.load", matchAny("load average", "cpu load", "system load"), formatLoad},
	{QKernel, "kernel.version", matchAny("kernel version", "which kernel", "what kernel"), formatKernel},
	{QOS, "os.release", matchAny("what os", "which os", "what distro", "which distro", "os version", "operating system"), formatOS},
	{QUptime, "sys.uptime", matchAny("uptime", "how long has", "since last boot", "last reboot"), formatUptime},
	{QHostname, "host.name", matchAny("hostname", "name of this machine", "name of this host"), formatHostname},
	{QIPAddr, "net.addrs", matchAny("ip address", "what is my ip", "network address"), formatIP},
	{QListeners, "net.sockets", matchAny("listening ports", "open ports", "what ports"), formatListeners},
}

// IsActionRequest reports whether the question asks for a change rather
// than a fact. Action requests are never fast-path eligible and always
// get a senior audit in the full pipeline.
func IsActionRequest(question string) bool {
	q := Normalize(question)
	for _, verb := range actionVerbs {
		if strings.Contains(q, verb) || strings.HasSuffix(q, strings.TrimSpace(verb)) {
			return true
		}
	}
	return false
}

// Classify runs the ordered rules over a normalized question. Pure string
// work, no I/O, no model calls.
func Classify(question string) (*FastAnswer, bool) {
	q := Normalize(question)
	if IsActionRequest(question) {
		return nil, false
	}
	for _, r := range rules {
		if r.match(q) {
			return &FastAnswer{Question: r.question, ProbeID: r.probeID, Format: r.format}, true
		}
	}
	return nil, false
}

// Normalize lower-cases, strips trailing punctuation and collapses
// whitespace so rule matching sees one canonical shape.
func Normalize(question string) string {
	q := strings.ToLower(strings.TrimSpace(question))
	q = strings.Trim(q, "?!. ")
	return strings.Join(strings.Fields(q), " ")
}

func matchAny(needles ...string) func(string) bool {
	return func(q string) bool {
		for _, n := range needles {
			if strings.Contains(q, n) {
				return true
			}
		}
		return false
	}
}

func formatMemory(ev probe.Evidence) string {
	if !ev.Success {
		return ""
	}
	total, ok := ev.Data["total_mb"]
	if !ok {
		return ""
	}
	s := fmt.Sprintf("This machine has %s MB of RAM", total)
	if avail, ok := ev.Data["available_mb"]; ok {
		s += fmt.Sprintf(" (%s MB currently available)", avail)
	}
	return s + "."
}

func formatDisk(ev probe.Evidence) string {
	if !ev.Success {
		return ""
	}
	pct, ok := ev.Data["root_used_pct"]
	if !ok {
		return ""
	}
	s := fmt.Sprintf("The root filesystem is %s%% used", pct)
	if mount := ev.Data["fullest_mount"]; mount != "" && mount != "/" {
		s += fmt.Sprintf("; the fullest mount is %s at %s%%", mount, ev.Data["fullest_used_pct"])
	}
	return s + "."
}

func formatCPUCount(ev probe.Evidence) string {
	if !ev.Success || ev.Data["value"] == "" {
		return ""
	}
	return fmt.Sprintf("This machine has %s CPU cores.", ev.Data["value"])
}

func formatLoad(ev probe.Evidence) string {
	if !ev.Success || ev.Data["load_1m"] == "" {
		return ""
	}
	return fmt.Sprintf("Load average: %s (1m), %s (5m), %s (15m).",
		ev.Data["load_1m"], ev.Data["load_5m"], ev.Data["load_15m"])
}

func formatKernel(ev probe.Evidence) string {
	if !ev.Success || ev.Data["value"] == "" {
		return ""
	}
	return fmt.Sprintf("The running kernel is %s.", ev.Data["value"])
}

func formatOS(ev probe.Evidence) string {
	if !ev.Success || ev.Data["pretty_name"] == "" {
		return ""
	}
	return fmt.Sprintf("This machine runs %s.", ev.Data["pretty_name"])
}

func formatUptime(ev probe.Evidence) string {
	if !ev.Success || ev.Data["uptime_human"] == "" {
		return ""
	}
	return fmt.Sprintf("The system has been up for %s.", ev.Data["uptime_human"])
}

func formatHostname(ev probe.Evidence) string {
	if !ev.Success || ev.Data["value"] == "" {
		return ""
	}
	return fmt.Sprintf("The hostname is %s.", ev.Data["value"])
}

func formatIP(ev probe.Evidence) string {
	if !ev.Success || ev.Data["primary_addr"] == "" {
		return ""
	}
	return fmt.Sprintf("The primary address is %s on %s.", ev.Data["primary_addr"], ev.Data["primary_iface"])
}

func formatListeners(ev probe.Evidence) string {
	if !ev.Success {
		return ""
	}
	return fmt.Sprintf("There are %s TCP and %s UDP listening sockets (ports: %s).",
		ev.Data["tcp_listeners"], ev.Data["udp_listeners"], ev.Data["ports"])
}
