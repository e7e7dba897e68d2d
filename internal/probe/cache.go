package probe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// cachedResult pairs evidence with its execution time so TTL freshness can
// be judged later.
type cachedResult struct {
	Evidence   Evidence  `json:"evidence"`
	ExecutedAt time.Time `json:"executed_at"`
}

// resultCache holds TTL probe results in memory and, when a directory is
// configured, spills each entry to disk via temp-file + rename so a
// concurrent reader never observes a partial write.
type resultCache struct {
	mu      sync.RWMutex
	entries map[string]cachedResult
	dir     string
}

func newResultCache(dir string) *resultCache {
	c := &resultCache{entries: make(map[string]cachedResult), dir: dir}
	if dir != "" {
		_ = os.MkdirAll(dir, 0755)
		c.loadDir()
	}
	return c
}

func (c *resultCache) get(key string) (cachedResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

func (c *resultCache) put(key string, entry cachedResult) {
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	if c.dir == "" {
		return
	}
	// Disk spill is best effort; a failed write only loses warm-start.
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	path := filepath.Join(c.dir, keyFileName(key))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

func (c *resultCache) loadDir() {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var entry cachedResult
		if err := json.Unmarshal(data, &entry); err != nil || entry.Evidence.ProbeID == "" {
			continue
		}
		// Keyed by probe+params; reconstruct from the stored evidence is
		// not possible for parameterized probes, so only parameterless
		// entries warm-start.
		c.entries[entry.Evidence.ProbeID] = entry
	}
}

func keyFileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8]) + ".json"
}
