package strategy

import (
	"errors"
	"fmt"
	"sync"

	"studyloop/features/content"
)

var (
	ErrStrategyNotFound  = errors.New("strategy not found")
	ErrDuplicateStrategy = errors.New("strategy already registered")
)

// Factory builds a fresh strategy for one pipeline run.
type Factory func() Strategy

// Registry maps content types to strategy factories. It is built once at
// startup and handed to the pipeline.
type Registry struct {
	mu        sync.RWMutex
	factories map[content.Type]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[content.Type]Factory)}
}

func (r *Registry) Register(t content.Type, f Factory) error {
	if f == nil {
		return fmt.Errorf("nil factory for %s", t)
	}
	if t == "" {
		return errors.New("content type is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, t)
	}
	r.factories[t] = f
	return nil
}

func (r *Registry) Get(t content.Type) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, t)
	}
	return f(), nil
}

// Types lists registered content types.
func (r *Registry) Types() []content.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]content.Type, 0, len(r.factories))
	for _, t := range content.AllTypes {
		if _, ok := r.factories[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// NewDefaultRegistry registers every built-in strategy against store.
func NewDefaultRegistry(store Store) (*Registry, error) {
	r := NewRegistry()
	builtins := map[content.Type]Factory{
		content.TypeNotes:         func() Strategy { return NewNotes(store) },
		content.TypeCuecards:      func() Strategy { return NewCuecards(store) },
		content.TypeMCQs:          func() Strategy { return NewMCQs(store) },
		content.TypeOpenQuestions: func() Strategy { return NewOpenQuestions(store) },
		content.TypeSummaries:     func() Strategy { return NewSummaries(store) },
		content.TypeConceptMaps:   func() Strategy { return NewConceptMaps(store) },
	}
	for _, t := range content.AllTypes {
		if err := r.Register(t, builtins[t]); err != nil {
			return nil, err
		}
	}
	return r, nil
}
