// Package services holds the static configuration describing which
// infrastructure services the aggregator derives health records for.
package services

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"sigs.k8s.io/yaml"
)

// Workload kinds a service definition may expect.
const (
	KindDeployment  = "Deployment"
	KindStatefulSet = "StatefulSet"
)

// Definition describes one infrastructure service to track. Name doubles as
// the `app` label selector and the exact workload name to match.
type Definition struct {
	Name         string `json:"name"`
	ExpectedKind string `json:"expectedKind"`
}

type definitionsFile struct {
	Services []Definition `json:"services"`
}

// Defaults returns the built-in service list used when no definitions file is
// configured.
func Defaults() []Definition {
	return []Definition{
		{Name: "postgres", ExpectedKind: KindStatefulSet},
		{Name: "redis", ExpectedKind: KindStatefulSet},
		{Name: "minio", ExpectedKind: KindStatefulSet},
		{Name: "prometheus", ExpectedKind: KindStatefulSet},
		{Name: "grafana", ExpectedKind: KindDeployment},
		{Name: "traefik", ExpectedKind: KindDeployment},
	}
}

// Load reads service definitions from a YAML file.
func Load(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse definitions file %s: %w", path, err)
	}
	if len(file.Services) == 0 {
		return nil, fmt.Errorf("definitions file %s lists no services", path)
	}

	for i, def := range file.Services {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("definitions file %s: service %d has no name", path, i)
		}
		file.Services[i].Name = name
		switch def.ExpectedKind {
		case "", KindDeployment, KindStatefulSet:
		default:
			return nil, fmt.Errorf("definitions file %s: service %q has unsupported kind %q", path, name, def.ExpectedKind)
		}
	}

	return file.Services, nil
}

// Store holds the current definition set and supports atomic replacement
// from the reload watcher.
type Store struct {
	mu   sync.RWMutex
	defs []Definition
}

// NewStore creates a store seeded with the given definitions.
func NewStore(defs []Definition) *Store {
	store := &Store{}
	store.Replace(defs)
	return store
}

// Definitions returns a copy of the current set.
func (s *Store) Definitions() []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]Definition, len(s.defs))
	copy(defs, s.defs)
	return defs
}

// Replace swaps the definition set.
func (s *Store) Replace(defs []Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = make([]Definition, len(defs))
	copy(s.defs, defs)
}
