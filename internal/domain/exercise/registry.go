package exercise

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Registry maps exercise ids to definitions. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[shared.ExerciseID]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[shared.ExerciseID]Definition)}
}

// Register validates and adds a definition.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		return shared.WrapError("exercise", "Register", shared.ErrExerciseExists, string(def.ID), nil)
	}
	r.defs[def.ID] = def
	return nil
}

// Lookup returns the definition for id.
func (r *Registry) Lookup(id shared.ExerciseID) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return Definition{}, shared.WrapError("exercise", "Lookup", shared.ErrExerciseNotFound, string(id), nil)
	}
	return def, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []shared.ExerciseID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]shared.ExerciseID, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Definitions returns every definition ordered by id.
func (r *Registry) Definitions() []Definition {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.defs[id])
	}
	return out
}

type registryFile struct {
	Exercises []Definition `yaml:"exercises"`
}

// LoadYAML reads a registry document. Unknown keys are rejected.
func LoadYAML(rd io.Reader) (*Registry, error) {
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)

	var file registryFile
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding exercise registry: %w", err)
	}
	reg := NewRegistry()
	for _, def := range file.Exercises {
		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// LoadFile reads a registry from path.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening exercise registry: %w", err)
	}
	defer f.Close()
	return LoadYAML(f)
}

// Default returns the registry bundled with the binary.
func Default() (*Registry, error) {
	return LoadYAML(bytes.NewReader(defaultsYAML))
}
