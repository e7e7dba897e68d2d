package probe

import (
	"fmt"
	"strconv"
	"strings"
)

// A parser turns raw probe stdout into structured evidence fields.
// Parse failure is reported as an error and surfaces as failed evidence,
// never as a panic or orchestrator abort.
type parserFunc func(stdout string) (map[string]string, error)

var parsers = map[string]parserFunc{
	"meminfo":   parseMeminfo,
	"df":        parseDf,
	"loadavg":   parseLoadavg,
	"uptime":    parseUptime,
	"osrelease": parseOsRelease,
	"ss":        parseSs,
	"ipaddr":    parseIPAddr,
	"ps":        parsePs,
	"systemctl": parseSystemctl,
	"raw":       parseRaw,
}

func lookupParser(name string) (parserFunc, error) {
	p, ok := parsers[name]
	if !ok {
		return nil, fmt.Errorf("unknown parser %q", name)
	}
	return p, nil
}

func parseRaw(stdout string) (map[string]string, error) {
	v := strings.TrimSpace(stdout)
	if v == "" {
		return nil, fmt.Errorf("empty output")
	}
	return map[string]string{"value": v}, nil
}

// parseMeminfo extracts the headline /proc/meminfo fields in MiB.
func parseMeminfo(stdout string) (map[string]string, error) {
	fields := map[string]string{}
	want := map[string]string{
		"MemTotal":     "total_mb",
		"MemFree":      "free_mb",
		"MemAvailable": "available_mb",
		"SwapTotal":    "swap_total_mb",
		"SwapFree":     "swap_free_mb",
	}
	for _, line := range strings.Split(stdout, "\n") {
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		outKey, wanted := want[strings.TrimSpace(name)]
		if !wanted {
			continue
		}
		parts := strings.Fields(rest)
		if len(parts) == 0 {
			continue
		}
		kb, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("meminfo %s: %w", name, err)
		}
		fields[outKey] = strconv.FormatInt(kb/1024, 10)
	}
	if _, ok := fields["total_mb"]; !ok {
		return nil, fmt.Errorf("meminfo: MemTotal missing")
	}
	return fields, nil
}

// parseDf reads `df -kP` and reports the fullest real filesystem plus
// the root filesystem.
func parseDf(stdout string) (map[string]string, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("df: no filesystems")
	}
	fields := map[string]string{}
	worstPct := -1
	for _, line := range lines[1:] {
		cols := strings.Fields(line)
		if len(cols) < 6 || strings.HasPrefix(cols[0], "tmpfs") || strings.HasPrefix(cols[0], "devtmpfs") {
			continue
		}
		pctStr := strings.TrimSuffix(cols[4], "%")
		pct, err := strconv.Atoi(pctStr)
		if err != nil {
			continue
		}
		if cols[5] == "/" {
			fields["root_total_kb"] = cols[1]
			fields["root_used_kb"] = cols[2]
			fields["root_avail_kb"] = cols[3]
			fields["root_used_pct"] = pctStr
		}
		if pct > worstPct {
			worstPct = pct
			fields["fullest_mount"] = cols[5]
			fields["fullest_used_pct"] = pctStr
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("df: no parsable filesystems")
	}
	return fields, nil
}

func parseLoadavg(stdout string) (map[string]string, error) {
	parts := strings.Fields(stdout)
	if len(parts) < 3 {
		return nil, fmt.Errorf("loadavg: short output %q", stdout)
	}
	return map[string]string{
		"load_1m":  parts[0],
		"load_5m":  parts[1],
		"load_15m": parts[2],
	}, nil
}

func parseUptime(stdout string) (map[string]string, error) {
	parts := strings.Fields(stdout)
	if len(parts) < 1 {
		return nil, fmt.Errorf("uptime: empty output")
	}
	secs, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, fmt.Errorf("uptime: %w", err)
	}
	total := int64(secs)
	return map[string]string{
		"uptime_seconds": strconv.FormatInt(total, 10),
		"uptime_days":    strconv.FormatInt(total/86400, 10),
		"uptime_human":   humanDuration(total),
	}, nil
}

func humanDuration(secs int64) string {
	days := secs / 86400
	hours := (secs % 86400) / 3600
	mins := (secs % 3600) / 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	default:
		return fmt.Sprintf("%dm", mins)
	}
}

func parseOsRelease(stdout string) (map[string]string, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(stdout, "\n") {
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		val = strings.Trim(val, `"`)
		switch key {
		case "NAME":
			fields["name"] = val
		case "VERSION_ID":
			fields["version"] = val
		case "PRETTY_NAME":
			fields["pretty_name"] = val
		case "ID":
			fields["id"] = val
		}
	}
	if _, ok := fields["pretty_name"]; !ok {
		return nil, fmt.Errorf("os-release: PRETTY_NAME missing")
	}
	return fields, nil
}

// parseSs counts listening sockets from `ss -tunl`.
func parseSs(stdout string) (map[string]string, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) < 1 {
		return nil, fmt.Errorf("ss: empty output")
	}
	tcp, udp := 0, 0
	var ports []string
	for _, line := range lines[1:] {
		cols := strings.Fields(line)
		if len(cols) < 5 {
			continue
		}
		switch cols[0] {
		case "tcp":
			tcp++
		case "udp":
			udp++
		default:
			continue
		}
		if idx := strings.LastIndex(cols[4], ":"); idx >= 0 && idx < len(cols[4])-1 {
			ports = append(ports, cols[4][idx+1:])
		}
	}
	return map[string]string{
		"tcp_listeners": strconv.Itoa(tcp),
		"udp_listeners": strconv.Itoa(udp),
		"ports":         strings.Join(ports, ","),
	}, nil
}

func parseIPAddr(stdout string) (map[string]string, error) {
	fields := map[string]string{}
	var addrs []string
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		cols := strings.Fields(line)
		// "2: eth0    inet 10.0.0.5/24 ..."
		if len(cols) < 4 || cols[2] != "inet" {
			continue
		}
		iface := cols[1]
		addr := strings.Split(cols[3], "/")[0]
		if iface == "lo" {
			continue
		}
		addrs = append(addrs, iface+"="+addr)
		if _, ok := fields["primary_addr"]; !ok {
			fields["primary_addr"] = addr
			fields["primary_iface"] = iface
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("ip addr: no non-loopback inet addresses")
	}
	fields["addresses"] = strings.Join(addrs, ",")
	return fields, nil
}

// parsePs keeps the top five processes by the sort column.
func parsePs(stdout string) (map[string]string, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("ps: no processes")
	}
	var top []string
	for _, line := range lines[1:] {
		cols := strings.Fields(line)
		if len(cols) < 4 {
			continue
		}
		top = append(top, fmt.Sprintf("%s(cpu=%s%%,mem=%s%%)", cols[1], cols[2], cols[3]))
		if len(top) == 5 {
			break
		}
	}
	return map[string]string{"top": strings.Join(top, " ")}, nil
}

func parseSystemctl(stdout string) (map[string]string, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Active:"):
			fields["active"] = strings.TrimSpace(strings.TrimPrefix(line, "Active:"))
		case strings.HasPrefix(line, "Main PID:"):
			fields["main_pid"] = strings.TrimSpace(strings.TrimPrefix(line, "Main PID:"))
		case strings.HasPrefix(line, "Loaded:"):
			fields["loaded"] = strings.TrimSpace(strings.TrimPrefix(line, "Loaded:"))
		}
	}
	if _, ok := fields["active"]; !ok {
		return nil, fmt.Errorf("systemctl: Active line missing")
	}
	return fields, nil
}
