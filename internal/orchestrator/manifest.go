package orchestrator

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the static declaration of the module graph.
type Manifest struct {
	Modules []ModuleSpec `yaml:"modules"`
}

// ModuleSpec declares one module.
type ModuleSpec struct {
	Name         string   `yaml:"name"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Priority     int      `yaml:"priority"`
	Critical     bool     `yaml:"critical,omitempty"`
	Requires     []string `yaml:"requires,omitempty"`
	Provides     []string `yaml:"provides,omitempty"`
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Manifest{}, fmt.Errorf("manifest is empty")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decoding manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Validate checks names are present and unique and every dependency is
// declared. Cycles are not an error here; they fail the modules involved at
// init time.
func (m Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Modules))
	for i, spec := range m.Modules {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return fmt.Errorf("module %d: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("module %q declared twice", name)
		}
		seen[name] = true
	}
	for _, spec := range m.Modules {
		for _, dep := range spec.Dependencies {
			if dep == spec.Name {
				return fmt.Errorf("module %q depends on itself", spec.Name)
			}
			if !seen[dep] {
				return fmt.Errorf("module %q depends on undeclared module %q", spec.Name, dep)
			}
		}
	}
	return nil
}

// Names returns the declared module names in declaration order.
func (m Manifest) Names() []string {
	names := make([]string, len(m.Modules))
	for i, spec := range m.Modules {
		names[i] = spec.Name
	}
	return names
}
