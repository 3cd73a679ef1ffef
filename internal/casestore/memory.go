package casestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/esmda-go/internal/domain"
)

type memSnapshot struct {
	snap   domain.Snapshot
	sealed bool
	data   map[int]domain.RealizationData
}

// Memory is a process local Store.
type Memory struct {
	mu        sync.RWMutex
	snapshots map[string]*memSnapshot
	current   string
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{snapshots: make(map[string]*memSnapshot), now: time.Now}
}

func (m *Memory) GetSnapshot(_ context.Context, name string) (domain.Snapshot, error) {
	name, err := validateName(name)
	if err != nil {
		return domain.Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.snapshots[name]; ok {
		return s.snap, nil
	}
	s := &memSnapshot{
		snap: domain.Snapshot{ID: uuid.NewString(), Name: name, Version: 0, CreatedAt: m.now().UTC()},
		data: make(map[int]domain.RealizationData),
	}
	m.snapshots[name] = s
	return s.snap, nil
}

func (m *Memory) lookup(snapshot domain.Snapshot) (*memSnapshot, error) {
	s, ok := m.snapshots[snapshot.Name]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", snapshot.Name, domain.ErrNotFound)
	}
	return s, nil
}

func (m *Memory) SwitchCurrent(_ context.Context, snapshot domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(snapshot); err != nil {
		return err
	}
	m.current = snapshot.Name
	return nil
}

func (m *Memory) Current(context.Context) (domain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" {
		return domain.Snapshot{}, fmt.Errorf("current snapshot: %w", domain.ErrNotFound)
	}
	return m.snapshots[m.current].snap, nil
}

func (m *Memory) InitializeFromExisting(_ context.Context, source, target domain.Snapshot, reportStep int, mask []bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.lookup(source)
	if err != nil {
		return err
	}
	dst, err := m.lookup(target)
	if err != nil {
		return err
	}
	if dst.sealed {
		return fmt.Errorf("initialize %s: %w", target.Name, ErrSealed)
	}
	for r, data := range src.data {
		if selected(mask, r) {
			dst.data[r] = seedData(data, reportStep)
		}
	}
	dst.snap.Version++
	return nil
}

func (m *Memory) ListSnapshots(context.Context) ([]domain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s.snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) LoadRealizations(_ context.Context, snapshot domain.Snapshot, mask []bool) ([]domain.RealizationData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.lookup(snapshot)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RealizationData, 0, len(s.data))
	for r, data := range s.data {
		if !selected(mask, r) {
			continue
		}
		out = append(out, domain.RealizationData{
			Realization: r,
			Parameters:  append([]float64(nil), data.Parameters...),
			Results:     append([]float64(nil), data.Results...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Realization < out[j].Realization })
	return out, nil
}

func (m *Memory) SaveRealization(_ context.Context, snapshot domain.Snapshot, data domain.RealizationData) error {
	if data.Realization < 0 {
		return fmt.Errorf("%w: realization index must be >= 0", domain.ErrConfiguration)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(snapshot)
	if err != nil {
		return err
	}
	if s.sealed {
		return fmt.Errorf("save realization %d in %s: %w", data.Realization, snapshot.Name, ErrSealed)
	}
	s.data[data.Realization] = domain.RealizationData{
		Realization: data.Realization,
		Parameters:  append([]float64(nil), data.Parameters...),
		Results:     append([]float64(nil), data.Results...),
	}
	s.snap.Version++
	return nil
}

func (m *Memory) Seal(_ context.Context, snapshot domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(snapshot)
	if err != nil {
		return err
	}
	s.sealed = true
	return nil
}
