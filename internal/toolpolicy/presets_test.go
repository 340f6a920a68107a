package toolpolicy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPresets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	doc := `presets:
  reviewer:
    allowed: [read, search]
    denied: [shell]
  auditor:
    denied: [shell, write]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	presets, err := LoadPresets(path)
	require.NoError(t, err)
	require.Len(t, presets, 2)
	assert.Equal(t, []string{"read", "search"}, presets["reviewer"].Allowed)
	assert.Equal(t, []string{"shell", "write"}, presets["auditor"].Denied)
}

func TestLoadPresets_Missing(t *testing.T) {
	_, err := LoadPresets(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadPresets_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("presets: {}\n"), 0600))

	_, err := LoadPresets(path)
	require.Error(t, err, "a presets file with no presets is a configuration mistake")
}

func TestLoadPresetsInto(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	doc := `presets:
  reviewer:
    allowed: [read]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	e := NewExecutor()
	require.NoError(t, e.LoadPresetsInto(path))

	require.NoError(t, e.ApplyPreset("agent-1", "reviewer"))
	policy, ok := e.GetPolicy("agent-1")
	require.True(t, ok)
	assert.Equal(t, []string{"read"}, policy.Allowed, "file preset replaces the built-in")
}

func TestDefaultPresets(t *testing.T) {
	presets := DefaultPresets()
	for _, role := range []string{"orchestrator", "executor", "reviewer", "searcher"} {
		_, ok := presets[role]
		assert.True(t, ok, "preset for %s", role)
	}
	assert.False(t, presets["reviewer"].Allows("shell"), "reviewer preset is read-only")
	assert.True(t, presets["reviewer"].Allows("read"))
}
