package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fingerhq/finger/internal/registry"
	"github.com/fingerhq/finger/internal/supervisor"
)

// RouteDef declares one hub route in a manifest. All set criteria must
// hold for the route to fire; the destination is always the gateway.
type RouteDef struct {
	Type     string `yaml:"type,omitempty"`
	Source   string `yaml:"source,omitempty"`
	Pattern  string `yaml:"pattern,omitempty"`
	Regex    string `yaml:"regex,omitempty"`
	Priority int    `yaml:"priority,omitempty"`
	Blocking bool   `yaml:"blocking,omitempty"`
}

// PolicyDef declares supervision for the child process.
type PolicyDef struct {
	AutoRestart        bool `yaml:"autoRestart,omitempty"`
	MaxRestarts        int  `yaml:"maxRestarts,omitempty"`
	RestartBackoffMs   int  `yaml:"restartBackoffMs,omitempty"`
	HeartbeatTimeoutMs int  `yaml:"heartbeatTimeoutMs,omitempty"`
}

// TimeoutsDef overrides the protocol timeouts for one gateway.
type TimeoutsDef struct {
	AckMs    int `yaml:"ackMs,omitempty"`
	ResultMs int `yaml:"resultMs,omitempty"`
}

// Manifest is one gateway definition, loaded from a YAML file in the
// gateway directory. File name is not significant; the id is.
type Manifest struct {
	ID      string            `yaml:"id"`
	Kind    string            `yaml:"kind,omitempty"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	WorkDir string            `yaml:"workDir,omitempty"`

	// AutoStart spawns the child at registration instead of on the
	// first request.
	AutoStart bool `yaml:"autoStart,omitempty"`

	// SingleWriter serializes hub deliveries to this gateway.
	SingleWriter bool `yaml:"singleWriter,omitempty"`

	Policy   PolicyDef   `yaml:"policy,omitempty"`
	Timeouts TimeoutsDef `yaml:"timeouts,omitempty"`
	Routes   []RouteDef  `yaml:"routes,omitempty"`
}

// DefaultKind is assumed when a manifest does not name one.
const DefaultKind = "gateway"

// LoadManifest reads and validates a single manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if m.Kind == "" {
		m.Kind = DefaultKind
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// LoadDir loads every *.yaml and *.yml manifest in dir, sorted by id.
// A missing directory yields an empty set, not an error.
func LoadDir(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading gateway dir %s: %w", dir, err)
	}

	seen := make(map[string]string)
	var manifests []*Manifest
	for _, entry := range entries {
		if entry.IsDir() || !isManifestName(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		m, err := LoadManifest(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[m.ID]; dup {
			return nil, fmt.Errorf("gateway id %s defined in both %s and %s", m.ID, prev, entry.Name())
		}
		seen[m.ID] = entry.Name()
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	return manifests, nil
}

func isManifestName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks the fields a gateway cannot run without.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest has no id")
	}
	if strings.ContainsAny(m.ID, " \t\n/") {
		return fmt.Errorf("gateway id %q contains reserved characters", m.ID)
	}
	if m.Command == "" {
		return fmt.Errorf("gateway %s has no command", m.ID)
	}
	if m.Policy.MaxRestarts < 0 {
		return fmt.Errorf("gateway %s: maxRestarts must not be negative", m.ID)
	}
	for i, r := range m.Routes {
		if r.Type == "" && r.Source == "" && r.Pattern == "" && r.Regex == "" {
			return fmt.Errorf("gateway %s: route %d has no criteria", m.ID, i)
		}
	}
	return nil
}

// RouteRules converts the manifest's route declarations into hub rules
// pointing at this gateway.
func (m *Manifest) RouteRules() []*registry.RouteRule {
	rules := make([]*registry.RouteRule, 0, len(m.Routes))
	for i, r := range m.Routes {
		rules = append(rules, &registry.RouteRule{
			ID: fmt.Sprintf("%s-route-%d", m.ID, i),
			Match: registry.Match{
				Type:    r.Type,
				Source:  r.Source,
				Pattern: r.Pattern,
				Regex:   r.Regex,
			},
			Dest:     []string{m.ID},
			Priority: r.Priority,
			Blocking: r.Blocking,
		})
	}
	return rules
}

// SupervisorPolicy maps the manifest's policy block onto the
// supervisor's knobs.
func (m *Manifest) SupervisorPolicy() supervisor.Policy {
	return supervisor.Policy{
		AutoRestart:      m.Policy.AutoRestart,
		MaxRestarts:      m.Policy.MaxRestarts,
		RestartBackoff:   time.Duration(m.Policy.RestartBackoffMs) * time.Millisecond,
		HeartbeatTimeout: time.Duration(m.Policy.HeartbeatTimeoutMs) * time.Millisecond,
	}
}

// AckTimeout returns the manifest override or zero for the default.
func (m *Manifest) AckTimeout() time.Duration {
	return time.Duration(m.Timeouts.AckMs) * time.Millisecond
}

// ResultTimeout returns the manifest override or zero for the default.
func (m *Manifest) ResultTimeout() time.Duration {
	return time.Duration(m.Timeouts.ResultMs) * time.Millisecond
}
