package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/iteration"
)

// CaseData is the case store surface CopyModule needs.
type CaseData interface {
	Sealer
	LoadRealizations(ctx context.Context, snapshot domain.Snapshot, mask []bool) ([]domain.RealizationData, error)
	SaveRealization(ctx context.Context, snapshot domain.Snapshot, data domain.RealizationData) error
}

// CopyModule carries the parameters of successful realizations unchanged
// into the target snapshot. It performs no assimilation.
type CopyModule struct {
	store CaseData
}

func NewCopyModule(store CaseData) (*CopyModule, error) {
	if store == nil {
		return nil, errors.New("case store is required")
	}
	return &CopyModule{store: store}, nil
}

func (m *CopyModule) Update(ctx context.Context, req iteration.UpdateRequest) (bool, error) {
	if err := m.store.Seal(ctx, req.Source); err != nil {
		return false, fmt.Errorf("seal %s: %w", req.Source.Name, err)
	}
	data, err := m.store.LoadRealizations(ctx, req.Source, req.Active)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", req.Source.Name, err)
	}
	for _, d := range data {
		next := domain.RealizationData{Realization: d.Realization, Parameters: d.Parameters}
		if err := m.store.SaveRealization(ctx, req.Target, next); err != nil {
			return false, fmt.Errorf("save realization %d to %s: %w", d.Realization, req.Target.Name, err)
		}
	}
	return true, nil
}
