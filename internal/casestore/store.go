// Package casestore keeps named ensemble snapshots and their realization data.
package casestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/esmda-go/internal/domain"
)

// ErrSealed is returned when writing to a snapshot that was already used as
// an analysis source.
var ErrSealed = errors.New("snapshot is sealed")

// Store is the full case store surface used by the run controller, the
// analysis modules and the simulation runners.
type Store interface {
	GetSnapshot(ctx context.Context, name string) (domain.Snapshot, error)
	SwitchCurrent(ctx context.Context, snapshot domain.Snapshot) error
	Current(ctx context.Context) (domain.Snapshot, error)
	InitializeFromExisting(ctx context.Context, source, target domain.Snapshot, reportStep int, mask []bool) error

	ListSnapshots(ctx context.Context) ([]domain.Snapshot, error)
	LoadRealizations(ctx context.Context, snapshot domain.Snapshot, mask []bool) ([]domain.RealizationData, error)
	SaveRealization(ctx context.Context, snapshot domain.Snapshot, data domain.RealizationData) error
	// Seal freezes a snapshot; later writes fail with ErrSealed.
	Seal(ctx context.Context, snapshot domain.Snapshot) error
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: snapshot name is required", domain.ErrConfiguration)
	}
	return name, nil
}

func selected(mask []bool, realization int) bool {
	if mask == nil {
		return true
	}
	return realization >= 0 && realization < len(mask) && mask[realization]
}

// seedData is what a target receives from its source during initialization.
// Only report step 0 is kept, i.e. the parameters without simulated results.
func seedData(data domain.RealizationData, reportStep int) domain.RealizationData {
	out := domain.RealizationData{
		Realization: data.Realization,
		Parameters:  append([]float64(nil), data.Parameters...),
	}
	if reportStep > 0 && reportStep <= len(data.Results) {
		out.Results = append([]float64(nil), data.Results[:reportStep]...)
	}
	return out
}
