// Package realization tracks per-snapshot realization lifecycle states.
package realization

import (
	"fmt"
	"sync"

	"github.com/animus-labs/esmda-go/internal/domain"
)

// StateMap maps realization index to lifecycle state for one snapshot.
// All methods are safe for concurrent use.
type StateMap struct {
	mu       sync.RWMutex
	snapshot string
	states   []domain.RealizationState
}

// NewStateMap returns a map with every realization Undefined.
func NewStateMap(snapshot string, ensembleSize int) *StateMap {
	if ensembleSize < 0 {
		ensembleSize = 0
	}
	states := make([]domain.RealizationState, ensembleSize)
	for i := range states {
		states[i] = domain.RealizationUndefined
	}
	return &StateMap{snapshot: snapshot, states: states}
}

func (m *StateMap) Snapshot() string {
	return m.snapshot
}

func (m *StateMap) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// SetActive marks the realizations selected by mask Initialized; the rest stay Undefined.
// The mask must have one entry per realization.
func (m *StateMap) SetActive(mask []bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(mask) != len(m.states) {
		return fmt.Errorf("%w: active mask has %d entries, ensemble has %d", domain.ErrConfiguration, len(mask), len(m.states))
	}
	for i, active := range mask {
		if active {
			m.states[i] = domain.RealizationInitialized
		} else {
			m.states[i] = domain.RealizationUndefined
		}
	}
	return nil
}

func (m *StateMap) RecordSubmission(i int) error {
	return m.transition(i, domain.RealizationSubmitted)
}

// RecordWaiting marks a submitted realization as held back by a full queue.
func (m *StateMap) RecordWaiting(i int) error {
	return m.transition(i, domain.RealizationWaiting)
}

func (m *StateMap) RecordRunning(i int) error {
	return m.transition(i, domain.RealizationRunning)
}

func (m *StateMap) RecordResult(i int, success bool) error {
	next := domain.RealizationFailed
	if success {
		next = domain.RealizationSuccess
	}
	return m.transition(i, next)
}

func (m *StateMap) transition(i int, next domain.RealizationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.states) {
		return fmt.Errorf("%w: realization %d out of range [0,%d)", domain.ErrInvalidTransition, i, len(m.states))
	}
	current := m.states[i]
	if !validStep(current, next) {
		return &domain.InvalidTransitionError{Realization: i, From: current, To: next}
	}
	m.states[i] = next
	return nil
}

// validStep narrows the domain ordering: a realization must be active before it
// is submitted, and submitted before it can run or finish.
func validStep(current, next domain.RealizationState) bool {
	if !domain.CanTransitionRealizationState(current, next) {
		return false
	}
	switch next {
	case domain.RealizationSubmitted:
		return current == domain.RealizationInitialized || current == domain.RealizationWaiting
	case domain.RealizationWaiting:
		return current == domain.RealizationSubmitted
	case domain.RealizationRunning, domain.RealizationSuccess, domain.RealizationFailed:
		return current != domain.RealizationUndefined && current != domain.RealizationInitialized
	default:
		return true
	}
}

func (m *StateMap) State(i int) domain.RealizationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.states) {
		return ""
	}
	return m.states[i]
}

// CountByState returns the number of realizations in each state.
func (m *StateMap) CountByState() map[domain.RealizationState]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.RealizationState]int, len(domain.AllRealizationStates))
	for _, state := range m.states {
		out[state]++
	}
	return out
}

func (m *StateMap) SuccessCount() int {
	return m.count(domain.RealizationSuccess)
}

func (m *StateMap) FailureCount() int {
	return m.count(domain.RealizationFailed)
}

func (m *StateMap) count(target domain.RealizationState) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, state := range m.states {
		if state == target {
			n++
		}
	}
	return n
}

// ActiveCount counts realizations that were activated for this snapshot.
func (m *StateMap) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, state := range m.states {
		if state != domain.RealizationUndefined {
			n++
		}
	}
	return n
}

// Successful returns a mask selecting the realizations that finished with success.
func (m *StateMap) Successful() []bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]bool, len(m.states))
	for i, state := range m.states {
		out[i] = state == domain.RealizationSuccess
	}
	return out
}

// AllTerminal reports whether every active realization reached Success or Failed.
func (m *StateMap) AllTerminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, state := range m.states {
		if state == domain.RealizationUndefined {
			continue
		}
		if !state.IsTerminal() {
			return false
		}
	}
	return true
}
