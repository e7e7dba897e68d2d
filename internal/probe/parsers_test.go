package probe

import "testing"

func TestParseDf(t *testing.T) {
	out := `Filesystem     1024-blocks      Used Available Capacity Mounted on
/dev/nvme0n1p2   498443264 312000000 161000000      66% /
tmpfs              8151932         0   8151932       0% /dev/shm
/dev/sda1        982040256 950000000  32040256      97% /data
`
	fields, err := parseDf(out)
	if err != nil {
		t.Fatalf("parseDf: %v", err)
	}
	if fields["root_used_pct"] != "66" {
		t.Fatalf("root_used_pct = %q", fields["root_used_pct"])
	}
	if fields["fullest_mount"] != "/data" || fields["fullest_used_pct"] != "97" {
		t.Fatalf("fullest = %q at %q%%", fields["fullest_mount"], fields["fullest_used_pct"])
	}
}

func TestParseUptime(t *testing.T) {
	fields, err := parseUptime("352251.71 1423980.56\n")
	if err != nil {
		t.Fatalf("parseUptime: %v", err)
	}
	if fields["uptime_days"] != "4" {
		t.Fatalf("uptime_days = %q", fields["uptime_days"])
	}
	if fields["uptime_human"] != "4d 1h 50m" {
		t.Fatalf("uptime_human = %q", fields["uptime_human"])
	}
}

func TestParseOsRelease(t *testing.T) {
	out := "NAME=\"Debian GNU/Linux\"\nVERSION_ID=\"12\"\nPRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\nID=debian\n"
	fields, err := parseOsRelease(out)
	if err != nil {
		t.Fatalf("parseOsRelease: %v", err)
	}
	if fields["pretty_name"] != "Debian GNU/Linux 12 (bookworm)" {
		t.Fatalf("pretty_name = %q", fields["pretty_name"])
	}
	if fields["id"] != "debian" {
		t.Fatalf("id = %q", fields["id"])
	}
}

func TestParseSs(t *testing.T) {
	out := `Netid State  Recv-Q Send-Q Local Address:Port Peer Address:Port
tcp   LISTEN 0      128    0.0.0.0:22        0.0.0.0:*
tcp   LISTEN 0      511    127.0.0.1:80      0.0.0.0:*
udp   UNCONN 0      0      0.0.0.0:68        0.0.0.0:*
`
	fields, err := parseSs(out)
	if err != nil {
		t.Fatalf("parseSs: %v", err)
	}
	if fields["tcp_listeners"] != "2" || fields["udp_listeners"] != "1" {
		t.Fatalf("listeners = tcp:%s udp:%s", fields["tcp_listeners"], fields["udp_listeners"])
	}
	if fields["ports"] != "22,80,68" {
		t.Fatalf("ports = %q", fields["ports"])
	}
}

func TestParseSystemctl(t *testing.T) {
	out := `* nginx.service - A high performance web server
     Loaded: loaded (/lib/systemd/system/nginx.service; enabled)
     Active: active (running) since Mon 2026-08-24 09:00:01 UTC; 5 days ago
   Main PID: 612 (nginx)
`
	fields, err := parseSystemctl(out)
	if err != nil {
		t.Fatalf("parseSystemctl: %v", err)
	}
	if fields["active"] == "" || fields["main_pid"] != "612 (nginx)" {
		t.Fatalf("fields = %v", fields)
	}
}

func TestParseMeminfoRejectsGarbage(t *testing.T) {
	if _, err := parseMeminfo("not meminfo at all"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExpandArgsFillsSlots(t *testing.T) {
	def := &Definition{ID: "service.status", Args: []string{"status", "{unit}", "--no-pager"}}
	args, err := expandArgs(def, map[string]string{"unit": "nginx.service"})
	if err != nil {
		t.Fatalf("expandArgs: %v", err)
	}
	if args[1] != "nginx.service" {
		t.Fatalf("args = %v", args)
	}
}
