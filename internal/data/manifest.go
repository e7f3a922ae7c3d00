package data

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ScriptEntry names one script to load at startup.
type ScriptEntry struct {
	Path      string `yaml:"path"`
	Instances int    `yaml:"instances"` // copies to run; 0 means 1
	Disabled  bool   `yaml:"disabled"`
}

// Manifest lists the scripts to load, in order.
type Manifest struct {
	Scripts []ScriptEntry
}

// LoadManifest loads the script manifest. Relative script paths resolve
// against baseDir.
func LoadManifest(path, baseDir string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script manifest: %w", err)
	}
	var entries []ScriptEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse script manifest: %w", err)
	}
	m := &Manifest{Scripts: make([]ScriptEntry, 0, len(entries))}
	for i, e := range entries {
		if e.Path == "" {
			return nil, fmt.Errorf("script manifest entry %d: missing path", i)
		}
		if e.Instances < 0 {
			return nil, fmt.Errorf("script manifest entry %d (%s): negative instances", i, e.Path)
		}
		if e.Disabled {
			continue
		}
		if e.Instances == 0 {
			e.Instances = 1
		}
		if !filepath.IsAbs(e.Path) {
			e.Path = filepath.Join(baseDir, e.Path)
		}
		m.Scripts = append(m.Scripts, e)
	}
	return m, nil
}

// Paths returns one path per instance to load.
func (m *Manifest) Paths() []string {
	var out []string
	for _, e := range m.Scripts {
		for i := 0; i < e.Instances; i++ {
			out = append(out, e.Path)
		}
	}
	return out
}

// Count returns the number of distinct scripts.
func (m *Manifest) Count() int {
	return len(m.Scripts)
}
