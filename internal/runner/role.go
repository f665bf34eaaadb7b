package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// RoleLimits bounds an LLM call a role is allowed to make.
type RoleLimits struct {
	MaxTokens int `yaml:"max_tokens"`
	TimeoutS  int `yaml:"timeout_s"`
}

// Role is a role definition as loaded from role_dir/<id>.yaml, per spec
// §4.6 step 2: "id, version, purpose, system prompt, input/output JSON
// schemas, tool whitelist, limits, guardrails".
type Role struct {
	ID            string         `yaml:"id"`
	Version       string         `yaml:"version"`
	Purpose       string         `yaml:"purpose"`
	System        string         `yaml:"system"`
	InputSchema   map[string]any `yaml:"input_schema"`
	OutputSchema  map[string]any `yaml:"output_schema"`
	ToolWhitelist []string       `yaml:"tool_whitelist"`
	Limits        RoleLimits     `yaml:"limits"`
	Guardrails    []string       `yaml:"guardrails"`
}

// OutputSchemaJSON re-marshals the role's output schema to JSON for the
// jsonschema compiler, which wants raw bytes, not a YAML-decoded map.
func (r Role) OutputSchemaJSON() ([]byte, error) {
	if r.OutputSchema == nil {
		return []byte(`{"type":"object"}`), nil
	}
	return json.Marshal(r.OutputSchema)
}

// RoleStore loads and caches role definitions from a directory of
// "<role-id>.yaml" files. Load is called from the Answer Runner's
// per-ask goroutines (one per ask.created event, per spec §5), so the
// cache needs its own lock rather than relying on a single caller.
type RoleStore struct {
	Dir string

	mu    sync.RWMutex
	cache map[string]Role
}

func NewRoleStore(dir string) *RoleStore {
	return &RoleStore{Dir: dir, cache: map[string]Role{}}
}

// Load reads and parses a role by id, caching the result. Returns an error
// if the role file does not exist or fails to parse — the caller treats an
// explicitly-requested-but-missing role as a hard ERROR per §4.6 step 2.
func (s *RoleStore) Load(id string) (Role, error) {
	s.mu.RLock()
	r, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return r, nil
	}

	path := filepath.Join(s.Dir, id+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return Role{}, fmt.Errorf("runner: load role %q: %w", id, err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Role{}, fmt.Errorf("runner: parse role %q: %w", id, err)
	}
	if r.ID == "" {
		r.ID = id
	}

	s.mu.Lock()
	s.cache[id] = r
	s.mu.Unlock()
	return r, nil
}
