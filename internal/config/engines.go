package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"querybook/internal/acl"
	"querybook/internal/domain"
	"querybook/internal/engine"
	"querybook/internal/worker"
)

// EnginesFile is the top-level engines.yaml structure.
type EnginesFile struct {
	Metastores []MetastoreConfig `yaml:"metastores"`
	Engines    []EngineConfig    `yaml:"engines"`
}

// MetastoreConfig describes the metastore an engine reads table metadata from.
type MetastoreConfig struct {
	ID            string    `yaml:"id"`
	DefaultSchema string    `yaml:"default_schema"`
	ACL           ACLConfig `yaml:"acl"`
}

// ACLConfig is a metastore's allow or deny list of table patterns.
type ACLConfig struct {
	Mode   string   `yaml:"mode"` // "", allowlist or denylist
	Tables []string `yaml:"tables"`
}

// EngineConfig describes one engine.
type EngineConfig struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Type            string            `yaml:"type"`
	SingleStatement bool              `yaml:"single_statement"`
	Metastore       string            `yaml:"metastore"`
	Params          map[string]string `yaml:"params"`
}

// Engines is the validated set of configured engines.
type Engines struct {
	byID map[string]worker.EngineConfig
}

var _ worker.EngineResolver = (*Engines)(nil)

// LoadEngines reads an engines file. ${VAR} references are expanded from the
// environment so credentials can stay out of the file. known reports whether
// an engine type is registered; nil accepts every type.
func LoadEngines(path string, known func(tag string) bool) (*Engines, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("read engines file: %w", err)
	}
	return ParseEngines([]byte(os.ExpandEnv(string(data))), known)
}

// ParseEngines parses and validates engines YAML.
func ParseEngines(data []byte, known func(tag string) bool) (*Engines, error) {
	var file EnginesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse engines file: %w", err)
	}

	metastores := make(map[string]MetastoreConfig, len(file.Metastores))
	checkers := make(map[string]*acl.Checker, len(file.Metastores))
	for _, m := range file.Metastores {
		if m.ID == "" {
			return nil, fmt.Errorf("metastore id is required")
		}
		if _, dup := metastores[m.ID]; dup {
			return nil, fmt.Errorf("duplicate metastore %q", m.ID)
		}
		checker, err := acl.NewChecker(acl.Mode(m.ACL.Mode), m.ACL.Tables)
		if err != nil {
			return nil, fmt.Errorf("metastore %q: %w", m.ID, err)
		}
		metastores[m.ID] = m
		checkers[m.ID] = checker
	}

	out := &Engines{byID: make(map[string]worker.EngineConfig, len(file.Engines))}
	for _, e := range file.Engines {
		if e.ID == "" {
			return nil, fmt.Errorf("engine id is required")
		}
		if _, dup := out.byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate engine %q", e.ID)
		}
		if e.Type == "" {
			return nil, fmt.Errorf("engine %q: type is required", e.ID)
		}
		if known != nil && !known(e.Type) {
			return nil, fmt.Errorf("engine %q: unknown type %q", e.ID, e.Type)
		}

		resolved := worker.EngineConfig{
			Settings: engine.Settings{
				ID:              e.ID,
				Name:            e.Name,
				Type:            e.Type,
				SingleStatement: e.SingleStatement,
				Params:          engine.Params(e.Params),
			},
		}
		if resolved.Settings.Name == "" {
			resolved.Settings.Name = e.ID
		}
		if resolved.Settings.Params == nil {
			resolved.Settings.Params = engine.Params{}
		}
		if e.Metastore != "" {
			m, ok := metastores[e.Metastore]
			if !ok {
				return nil, fmt.Errorf("engine %q: unknown metastore %q", e.ID, e.Metastore)
			}
			resolved.Tables = checkers[m.ID]
			resolved.DefaultSchema = m.DefaultSchema
		}
		out.byID[e.ID] = resolved
	}
	return out, nil
}

// ResolveEngine implements worker.EngineResolver.
func (e *Engines) ResolveEngine(id string) (worker.EngineConfig, error) {
	cfg, ok := e.byID[id]
	if !ok {
		return worker.EngineConfig{}, domain.ErrNotFound("engine %q not found", id)
	}
	return cfg, nil
}

// IDs returns the configured engine ids in sorted order.
func (e *Engines) IDs() []string {
	ids := make([]string, 0, len(e.byID))
	for id := range e.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
