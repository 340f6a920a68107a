package toolpolicy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPresets returns the built-in role templates. Reviewers and
// searchers are read-only; orchestrators and executors are open except
// where a tool demands authorization anyway.
func DefaultPresets() map[string]Policy {
	return map[string]Policy{
		"orchestrator": {},
		"executor":     {},
		"reviewer": {
			Allowed: []string{"read", "search", "list"},
		},
		"searcher": {
			Allowed: []string{"read", "search", "list"},
		},
	}
}

// presetFile is the on-disk shape of a role preset document.
type presetFile struct {
	Presets map[string]Policy `yaml:"presets"`
}

// LoadPresets reads policy templates from a YAML file of the form
//
//	presets:
//	  reviewer:
//	    allowed: [read, search]
//	    denied: [shell]
func LoadPresets(path string) (map[string]Policy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from daemon config
	if err != nil {
		return nil, fmt.Errorf("reading presets file: %w", err)
	}
	var doc presetFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing presets file %s: %w", path, err)
	}
	if len(doc.Presets) == 0 {
		return nil, fmt.Errorf("presets file %s defines no presets", path)
	}
	return doc.Presets, nil
}

// LoadPresetsInto merges templates from path into the executor,
// replacing same-named built-ins.
func (e *Executor) LoadPresetsInto(path string) error {
	presets, err := LoadPresets(path)
	if err != nil {
		return err
	}
	for name, p := range presets {
		e.RegisterPreset(name, p)
	}
	return nil
}
