// Package analysis holds the update modules a run can select by name.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/iteration"
)

// Registry maps module names to engines. Names are case-insensitive.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]iteration.AnalysisEngine
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]iteration.AnalysisEngine)}
}

func normalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, engine iteration.AnalysisEngine) error {
	key := normalizeName(name)
	if key == "" || engine == nil {
		return errors.New("analysis module name and engine are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[key]; ok {
		return fmt.Errorf("analysis module %q already registered", key)
	}
	r.modules[key] = engine
	return nil
}

func (r *Registry) Resolve(name string) (iteration.AnalysisEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.modules) == 0 {
		return nil, errors.New("no analysis modules configured")
	}
	engine, ok := r.modules[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("unknown analysis module %q", name)
	}
	return engine, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for name := range r.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Sealer freezes a snapshot before it is read as an update source.
type Sealer interface {
	Seal(ctx context.Context, snapshot domain.Snapshot) error
}

func activeIndices(mask []bool) []int {
	out := make([]int, 0, len(mask))
	for i, ok := range mask {
		if ok {
			out = append(out, i)
		}
	}
	return out
}
