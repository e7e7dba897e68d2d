package probe

import "fmt"

// Registry is the immutable-after-init probe catalog. Built once at
// process start and passed by shared reference; never mutated at runtime.
type Registry struct {
	defs  map[string]*Definition
	order []string
}

// NewRegistry builds a registry from defs, rejecting duplicates.
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for i := range defs {
		d := defs[i]
		if d.ID == "" || d.Program == "" {
			return nil, fmt.Errorf("probe definition %d: id and program are required", i)
		}
		if _, dup := r.defs[d.ID]; dup {
			return nil, fmt.Errorf("duplicate probe id %q", d.ID)
		}
		r.defs[d.ID] = &d
		r.order = append(r.order, d.ID)
	}
	return r, nil
}

// Lookup returns the definition for id, or ErrProbeNotFound.
func (r *Registry) Lookup(id string) (*Definition, error) {
	d, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProbeNotFound, id)
	}
	return d, nil
}

// Has reports whether id is whitelisted.
func (r *Registry) Has(id string) bool {
	_, ok := r.defs[id]
	return ok
}

// IDs returns probe ids in declaration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ByTopic returns the ids of probes tagged with topic, in declaration order.
func (r *Registry) ByTopic(topic Topic) []string {
	var out []string
	for _, id := range r.order {
		if r.defs[id].Topic == topic {
			out = append(out, id)
		}
	}
	return out
}

// DefaultCatalog is the compiled-in whitelist of read-only probes.
// Everything here is an explicit argv; nothing is ever handed to a shell.
func DefaultCatalog() []Definition {
	return []Definition{
		{ID: "mem.info", Topic: TopicMemory, Program: "cat", Args: []string{"/proc/meminfo"}, Parser: "meminfo", Cache: Ttl(5)},
		{ID: "disk.usage", Topic: TopicDisk, Program: "df", Args: []string{"-kP"}, Parser: "df", Cache: Ttl(30)},
		{ID: "cpu.load", Topic: TopicCPU, Program: "cat", Args: []string{"/proc/loadavg"}, Parser: "loadavg", Cache: Ttl(5)},
		{ID: "cpu.count", Topic: TopicCPU, Program: "nproc", Args: nil, Parser: "raw", Cache: Ttl(3600)},
		{ID: "cpu.top", Topic: TopicCPU, Program: "ps", Args: []string{"-eo", "pid,comm,%cpu,%mem", "--sort=-%cpu"}, Parser: "ps", Cache: CachePolicy{Mode: Volatile}},
		{ID: "kernel.version", Topic: TopicKernel, Program: "uname", Args: []string{"-r"}, Parser: "raw", Cache: Ttl(3600)},
		{ID: "os.release", Topic: TopicKernel, Program: "cat", Args: []string{"/etc/os-release"}, Parser: "osrelease", Cache: Ttl(3600)},
		{ID: "sys.uptime", Topic: TopicUptime, Program: "cat", Args: []string{"/proc/uptime"}, Parser: "uptime", Cache: Ttl(5)},
		{ID: "host.name", Topic: TopicGeneral, Program: "hostname", Args: nil, Parser: "raw", Cache: Ttl(3600)},
		{ID: "net.sockets", Topic: TopicNetwork, Program: "ss", Args: []string{"-tunl"}, Parser: "ss", Cache: Ttl(10)},
		{ID: "net.addrs", Topic: TopicNetwork, Program: "ip", Args: []string{"-o", "addr"}, Parser: "ipaddr", Cache: Ttl(30)},
		{ID: "service.status", Topic: TopicService, Program: "systemctl", Args: []string{"status", "{unit}", "--no-pager", "--lines=0"}, Parser: "systemctl", Cache: CachePolicy{Mode: Volatile}},
	}
}
