package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Provider is the lookup capability consumed by the stage handlers.
type Provider interface {
	// Lookup returns the full template for a service.
	Lookup(serviceType string) (*Template, error)

	// URLFor resolves a service to its portal entry URL.
	URLFor(serviceType string) (string, error)

	// LoginSpec returns the login declaration, or nil when the service
	// requires no login.
	LoginSpec(serviceType string) (*LoginSpec, error)

	// FieldMappings returns the fields expected at a stage. Empty when the
	// template has no such stage.
	FieldMappings(serviceType, stage string) (map[string]FieldSpec, error)
}

// Registry holds templates keyed by service type. Safe for concurrent
// reads by independent workflow runs.
type Registry struct {
	mutex     sync.RWMutex
	templates map[string]*Template
}

func NewRegistry() *Registry {
	return &Registry{templates: map[string]*Template{}}
}

// Register adds a template after validation.
func (r *Registry) Register(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.templates[t.Service]; exists {
		return fmt.Errorf("duplicate template for service %q", t.Service)
	}
	r.templates[t.Service] = t
	return nil
}

// LoadDir registers every *.yaml / *.yml template in the directory.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read template directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		t, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile loads a template from a YAML file.
func LoadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes loads a template from YAML data.
func LoadBytes(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Services returns the registered service types, sorted.
func (r *Registry) Services() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Lookup(serviceType string) (*Template, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	t, ok := r.templates[serviceType]
	if !ok {
		return nil, fmt.Errorf("unknown service type %q", serviceType)
	}
	return t, nil
}

func (r *Registry) URLFor(serviceType string) (string, error) {
	t, err := r.Lookup(serviceType)
	if err != nil {
		return "", err
	}
	return t.URL, nil
}

func (r *Registry) LoginSpec(serviceType string) (*LoginSpec, error) {
	t, err := r.Lookup(serviceType)
	if err != nil {
		return nil, err
	}
	return t.Login, nil
}

func (r *Registry) FieldMappings(serviceType, stage string) (map[string]FieldSpec, error) {
	t, err := r.Lookup(serviceType)
	if err != nil {
		return nil, err
	}
	return t.Fields(stage), nil
}

// StageFields returns the sorted field names a service declares for a
// stage. Satisfies the engine's TemplateInfo.
func (r *Registry) StageFields(serviceType, stage string) []string {
	fields, err := r.FieldMappings(serviceType, stage)
	if err != nil || len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ Provider = (*Registry)(nil)
