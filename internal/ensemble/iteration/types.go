package iteration

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
	"github.com/animus-labs/esmda-go/internal/ensemble/realization"
)

type Phase string

const (
	PhasePreSimulation  Phase = "pre_simulation"
	PhaseSimulating     Phase = "simulating"
	PhasePostSimulation Phase = "post_simulation"
	PhaseUpdating       Phase = "updating"
	PhaseDone           Phase = "done"
)

// CaseStore holds the named snapshots a run reads and writes.
type CaseStore interface {
	// GetSnapshot returns the named snapshot, creating it when absent.
	GetSnapshot(ctx context.Context, name string) (domain.Snapshot, error)
	SwitchCurrent(ctx context.Context, snapshot domain.Snapshot) error
	Current(ctx context.Context) (domain.Snapshot, error)
	// InitializeFromExisting copies realization data of the masked realizations
	// from source into target as of reportStep.
	InitializeFromExisting(ctx context.Context, source, target domain.Snapshot, reportStep int, mask []bool) error
}

type UpdateRequest struct {
	Source    domain.Snapshot
	Target    domain.Snapshot
	Weight    float64
	Iteration int
	// Active selects the realizations that succeeded in Source.
	Active []bool
}

// AnalysisEngine computes the next snapshot from the current one. A false
// result or an error is fatal to the run.
type AnalysisEngine interface {
	Update(ctx context.Context, req UpdateRequest) (bool, error)
}

// Queue is the subset of *queue.Manager the controller drives.
type Queue interface {
	NewBatch(observer queue.Observer) error
	Submit(ctx context.Context, job queue.Job) (queue.JobHandle, error)
	Wait(ctx context.Context) error
	KillAll(ctx context.Context)
}

// HookFunc runs around a simulation batch and must return before the
// controller proceeds.
type HookFunc func(ctx context.Context, iteration int, snapshot domain.Snapshot) error

type Hooks struct {
	PreSimulation  HookFunc
	PostSimulation HookFunc
}

// Reporter receives phase changes. states is the map of the batch being run.
type Reporter interface {
	EnterPhase(phase Phase, iteration int, states *realization.StateMap)
}

type nopReporter struct{}

func (nopReporter) EnterPhase(Phase, int, *realization.StateMap) {}

// TargetName renders the snapshot name of an iteration.
func TargetName(format string, iteration int) string {
	return fmt.Sprintf(format, iteration)
}

// ValidateTargetFormat requires exactly one %d verb for the iteration index.
func ValidateTargetFormat(format string) error {
	trimmed := strings.TrimSpace(format)
	if trimmed == "" {
		return fmt.Errorf("%w: target case format is required", domain.ErrConfiguration)
	}
	if strings.Count(strings.ReplaceAll(trimmed, "%%", ""), "%") != 1 || !strings.Contains(trimmed, "%d") {
		return fmt.Errorf("%w: target case format %q must contain one %%d placeholder", domain.ErrConfiguration, format)
	}
	return nil
}
