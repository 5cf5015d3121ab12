// Package extract fetches a task's target and turns it into a Result.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/soheilrt/play-scraper/internal/domain"
)

// Extractor fetches and parses one task. Errors are classified with
// domain.TransientFetchError and domain.PermanentFetchError; anything
// unclassified is treated as transient by the worker.
type Extractor interface {
	Extract(ctx context.Context, task *domain.Task) (*domain.Result, error)
}

// KindExtractor is an Extractor bound to one task kind.
type KindExtractor interface {
	Extractor
	Kind() string
}

// Func adapts a plain function to Extractor.
type Func func(ctx context.Context, task *domain.Task) (*domain.Result, error)

func (f Func) Extract(ctx context.Context, task *domain.Task) (*domain.Result, error) {
	return f(ctx, task)
}

// Registry dispatches tasks to the extractor registered for their kind.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]KindExtractor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]KindExtractor)}
}

// Register adds an extractor, replacing any earlier one for the same kind.
// Safe to call concurrently.
func (r *Registry) Register(e KindExtractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[e.Kind()] = e
}

// Get returns the extractor for kind.
func (r *Registry) Get(kind string) (KindExtractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[kind]
	if !ok {
		return nil, fmt.Errorf("no extractor registered for kind %q", kind)
	}
	return e, nil
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.extractors))
	for k := range r.extractors {
		kinds = append(kinds, k)
	}
	return kinds
}

// Extract runs the extractor for task.Kind. A kind nobody handles is a
// permanent failure: retrying cannot help.
func (r *Registry) Extract(ctx context.Context, task *domain.Task) (*domain.Result, error) {
	e, err := r.Get(task.Kind)
	if err != nil {
		return nil, &domain.PermanentFetchError{TaskID: task.ID, Err: err}
	}
	return e.Extract(ctx, task)
}

// Classify wraps an unclassified error as transient. Already classified
// errors pass through unchanged.
func Classify(taskID string, err error) error {
	if err == nil {
		return nil
	}
	var (
		transient *domain.TransientFetchError
		permanent *domain.PermanentFetchError
	)
	if errors.As(err, &transient) || errors.As(err, &permanent) {
		return err
	}
	return &domain.TransientFetchError{TaskID: taskID, Err: err}
}
