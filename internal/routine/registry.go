package routine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// Built-in routine names.
const (
	CopyGenerator  = "copy"
	ExampleTrainer = "example"
)

// Registry maps names to compiled-in routines.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]Generator
	trainers   map[string]Trainer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		generators: make(map[string]Generator),
		trainers:   make(map[string]Trainer),
	}
}

// Builtins returns a registry holding the copy generator and the example
// trainer.
func Builtins() *Registry {
	r := NewRegistry()
	r.RegisterGenerator(CopyGenerator, Copy{})
	r.RegisterTrainer(ExampleTrainer, Example{})
	return r
}

// RegisterGenerator binds name to g, replacing any earlier binding.
func (r *Registry) RegisterGenerator(name string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[name] = g
}

// RegisterTrainer binds name to t, replacing any earlier binding.
func (r *Registry) RegisterTrainer(name string, t Trainer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trainers[name] = t
}

// Generator looks up a generator by name.
func (r *Registry) Generator(name string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.generators[name]
	if !ok {
		return nil, fmt.Errorf("%w: generator %q", types.ErrUnknownRoutine, name)
	}
	return g, nil
}

// Trainer looks up a trainer by name.
func (r *Registry) Trainer(name string) (Trainer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trainers[name]
	if !ok {
		return nil, fmt.Errorf("%w: trainer %q", types.ErrUnknownRoutine, name)
	}
	return t, nil
}

// Names lists the registered generator and trainer names, sorted.
func (r *Registry) Names() (generators, trainers []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n := range r.generators {
		generators = append(generators, n)
	}
	for n := range r.trainers {
		trainers = append(trainers, n)
	}
	sort.Strings(generators)
	sort.Strings(trainers)
	return generators, trainers
}

// Resolver finds routines by name: a configured plugin binary wins over a
// registry entry of the same name.
type Resolver struct {
	Registry *Registry
	// Plugins maps routine names to plugin commands.
	Plugins map[string]string
}

// Generator resolves a generator.
func (r Resolver) Generator(name string) (Generator, error) {
	if cmd, ok := r.Plugins[name]; ok {
		return &PluginGenerator{Command: cmd}, nil
	}
	if r.Registry == nil {
		return nil, fmt.Errorf("%w: generator %q", types.ErrUnknownRoutine, name)
	}
	return r.Registry.Generator(name)
}

// Trainer resolves a trainer.
func (r Resolver) Trainer(name string) (Trainer, error) {
	if cmd, ok := r.Plugins[name]; ok {
		return &PluginTrainer{Command: cmd}, nil
	}
	if r.Registry == nil {
		return nil, fmt.Errorf("%w: trainer %q", types.ErrUnknownRoutine, name)
	}
	return r.Registry.Trainer(name)
}
