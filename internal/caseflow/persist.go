package caseflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// saveCase writes the case to its append-only log file: one JSON file per
// case, temp-file + rename so concurrent readers never see a torn write.
// Terminal cases are immutable; the file is written once.
func saveCase(dir string, c *Case) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create case dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal case %s: %w", c.ID, err)
	}
	path := filepath.Join(dir, c.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write case %s: %w", c.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename case %s: %w", c.ID, err)
	}
	return nil
}

// LoadCase reads a persisted case back. Round-tripping preserves the
// reliability score, evidence list and origin exactly.
func LoadCase(dir, id string) (*Case, error) {
	data, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
		}
		return nil, err
	}
	var c Case
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode case %s: %w", id, err)
	}
	return &c, nil
}
