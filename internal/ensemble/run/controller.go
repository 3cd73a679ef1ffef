// Package run owns the lifecycle of a single ensemble smoother run and
// exposes its status to pollers.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/iteration"
	"github.com/animus-labs/esmda-go/internal/ensemble/realization"
	"github.com/animus-labs/esmda-go/internal/ensemble/weights"
	"github.com/animus-labs/esmda-go/internal/platform/metrics"
)

const (
	EventStarted   = "ensemble_run.started"
	EventCompleted = "ensemble_run.completed"
	EventFailed    = "ensemble_run.failed"
	EventCancelled = "ensemble_run.cancelled"
)

// Queue is the job queue a run drives. *queue.Manager satisfies it.
type Queue interface {
	iteration.Queue
	Start(ctx context.Context, capacity int) error
	Stop()
	Poll() domain.QueueStatus
}

// AnalysisResolver maps an analysis module name to an engine.
type AnalysisResolver interface {
	Resolve(name string) (iteration.AnalysisEngine, error)
}

// EventSink records run lifecycle events. Failures are logged and never
// affect the run.
type EventSink interface {
	RecordEvent(ctx context.Context, action, runID string, payload map[string]any) error
}

type Dependencies struct {
	Store    iteration.CaseStore
	NewQueue func() Queue
	Analysis AnalysisResolver
	Hooks    iteration.Hooks
	Events   EventSink
	Logger   *slog.Logger
}

// Controller runs at most one run at a time. The run loop executes on its
// own goroutine; every exported method is safe to call concurrently.
type Controller struct {
	store    iteration.CaseStore
	newQueue func() Queue
	analyses AnalysisResolver
	hooks    iteration.Hooks
	events   EventSink
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	running       bool
	runID         string
	startedAt     time.Time
	finishedAt    time.Time
	phase         iteration.Phase
	iter          int
	iterations    int
	weightsLabel  string
	states        *realization.StateMap
	queue         Queue
	lastStatus    domain.QueueStatus
	outcome       domain.RunOutcome
	cancel        context.CancelFunc
	killRequested bool
	done          chan struct{}
}

func NewController(deps Dependencies) (*Controller, error) {
	if deps.Store == nil {
		return nil, errors.New("case store is required")
	}
	if deps.NewQueue == nil {
		return nil, errors.New("job queue factory is required")
	}
	return &Controller{
		store:    deps.Store,
		newQueue: deps.NewQueue,
		analyses: deps.Analysis,
		hooks:    deps.Hooks,
		events:   deps.Events,
		logger:   deps.Logger,
		now:      time.Now,
	}, nil
}

// Start validates args and launches the run in the background. It returns
// domain.ErrAlreadyRunning while a run is active and a *domain.ConfigError
// for invalid arguments; in both cases nothing is launched.
func (c *Controller) Start(ctx context.Context, args Arguments) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	p, err := c.validate(args)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q := c.newQueue()
	if err := q.Start(runCtx, p.capacity); err != nil {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("start job queue: %w", err)
	}

	c.reset()
	c.running = true
	c.runID = uuid.NewString()
	c.startedAt = c.now()
	c.iterations = len(p.weights)
	c.weightsLabel = "no update"
	if len(p.weights) > 0 {
		c.weightsLabel = "weights " + weights.Format(p.weights)
	}
	c.queue = q
	c.cancel = cancel
	c.done = make(chan struct{})

	ctrl := iteration.New(iteration.Config{
		EnsembleSize:                args.EnsembleSize,
		MinRealizations:             args.MinRealizations,
		ActiveMask:                  p.active,
		Weights:                     p.weights,
		TargetCaseFormat:            args.TargetCaseFormat,
		SourceCase:                  args.SourceCase,
		RetryFailedAcrossIterations: args.RetryFailedAcrossIterations,
		Job:                         args.Job,
	}, c.store, q, p.analysis, c.hooks, c, c.logger)

	runID, done := c.runID, c.done
	payload := map[string]any{
		"ensemble_size":    args.EnsembleSize,
		"min_realizations": args.MinRealizations,
		"iterations":       c.iterations,
		"weights":          p.weights,
		"target_format":    args.TargetCaseFormat,
		"source_case":      args.SourceCase,
		"analysis_module":  args.AnalysisModule,
	}
	c.mu.Unlock()

	c.log(slog.LevelInfo, "run started", "run_id", runID, "ensemble_size", args.EnsembleSize, "iterations", payload["iterations"], "analysis_module", args.AnalysisModule)
	c.record(runCtx, EventStarted, runID, payload)
	go c.loop(runCtx, ctrl, q, runID, done)
	return nil
}

func (c *Controller) reset() {
	c.runID = ""
	c.startedAt = time.Time{}
	c.finishedAt = time.Time{}
	c.phase = ""
	c.iter = 0
	c.iterations = 0
	c.weightsLabel = ""
	c.states = nil
	c.queue = nil
	c.lastStatus = domain.QueueStatus{}
	c.outcome = domain.RunOutcome{}
	c.cancel = nil
	c.killRequested = false
}

func (c *Controller) loop(ctx context.Context, ctrl *iteration.Controller, q Queue, runID string, done chan struct{}) {
	defer close(done)
	outcome := ctrl.Run(ctx)
	status := q.Poll()
	q.Stop()

	c.mu.Lock()
	c.running = false
	c.finishedAt = c.now()
	c.outcome = outcome
	c.lastStatus = status
	c.phase = iteration.PhaseDone
	elapsed := c.finishedAt.Sub(c.startedAt)
	cancel := c.cancel
	c.mu.Unlock()

	metrics.ObserveOutcome(outcome)
	c.log(slog.LevelInfo, "run finished", "run_id", runID, "outcome", string(outcome.Kind), "reason", outcome.Reason, "elapsed", elapsed.String())
	c.record(ctx, outcomeEvent(outcome), runID, map[string]any{
		"outcome":         string(outcome.Kind),
		"reason":          outcome.Reason,
		"elapsed_seconds": elapsed.Seconds(),
		"queue":           status,
	})
	if cancel != nil {
		cancel()
	}
}

func outcomeEvent(outcome domain.RunOutcome) string {
	switch outcome.Kind {
	case domain.OutcomeCompleted:
		return EventCompleted
	case domain.OutcomeCancelled:
		return EventCancelled
	default:
		return EventFailed
	}
}

// EnterPhase records the phase reported by the iteration controller.
func (c *Controller) EnterPhase(phase iteration.Phase, iter int, states *realization.StateMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
	c.iter = iter
	if states != nil {
		c.states = states
	}
}

func (c *Controller) IsFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.running
}

// IsIndeterminate reports phases without a meaningful completion fraction.
func (c *Controller) IsIndeterminate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}
	switch c.phase {
	case iteration.PhaseSimulating:
		return c.states == nil || c.states.ActiveCount() == 0
	case iteration.PhaseDone:
		return false
	default:
		return true
	}
}

// Progress is the completed fraction of all simulate passes in [0, 1].
func (c *Controller) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.outcome.IsZero() {
		return 1
	}
	if !c.running {
		return 0
	}
	passes := float64(c.iterations + 1)
	var batch float64
	switch c.phase {
	case iteration.PhaseSimulating:
		if c.states != nil {
			if active := c.states.ActiveCount(); active > 0 {
				batch = float64(c.states.SuccessCount()+c.states.FailureCount()) / float64(active)
			}
		}
	case iteration.PhasePostSimulation, iteration.PhaseUpdating:
		batch = 1
	case iteration.PhaseDone:
		return 1
	}
	progress := (float64(c.iter) + batch) / passes
	if progress > 1 {
		progress = 1
	}
	return progress
}

func (c *Controller) PhaseName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		if c.outcome.IsZero() {
			return ""
		}
		return "Finished: " + string(c.outcome.Kind)
	}
	if c.killRequested {
		return "Cancelling run"
	}
	total := c.iterations + 1
	switch c.phase {
	case iteration.PhasePreSimulation:
		return fmt.Sprintf("Preparing iteration %d of %d (%s)", c.iter+1, total, c.weightsLabel)
	case iteration.PhaseSimulating:
		return fmt.Sprintf("Running simulations for iteration %d of %d", c.iter+1, total)
	case iteration.PhasePostSimulation:
		return fmt.Sprintf("Post-processing iteration %d of %d", c.iter+1, total)
	case iteration.PhaseUpdating:
		return fmt.Sprintf("Analyzing iteration %d of %d", c.iter+1, total)
	case iteration.PhaseDone:
		return "Finishing run"
	default:
		return "Starting run"
	}
}

func (c *Controller) QueueStatus() domain.QueueStatus {
	c.mu.Lock()
	q := c.queue
	last := c.lastStatus
	running := c.running
	c.mu.Unlock()
	if running && q != nil {
		return q.Poll()
	}
	return last
}

// KillAllSimulations requests cancellation of the active run. It reports
// false when no run is active.
func (c *Controller) KillAllSimulations() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.cancel == nil {
		return false
	}
	if !c.killRequested {
		c.killRequested = true
		c.log(slog.LevelInfo, "run cancellation requested", "run_id", c.runID)
	}
	c.cancel()
	return true
}

// FailMessage is the reason of a failed run; empty otherwise.
func (c *Controller) FailMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.outcome.Kind != domain.OutcomeFailed {
		return ""
	}
	return c.outcome.Reason
}

func (c *Controller) HasRunFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.running && c.outcome.Kind == domain.OutcomeFailed
}

// Outcome is zero until the run has finished.
func (c *Controller) Outcome() domain.RunOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return domain.RunOutcome{}
	}
	return c.outcome
}

// RunningTime is the wall clock time since Start, frozen once the run ends.
func (c *Controller) RunningTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	if c.running {
		return c.now().Sub(c.startedAt)
	}
	return c.finishedAt.Sub(c.startedAt)
}

func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Wait blocks until the current run finishes and returns its outcome.
func (c *Controller) Wait(ctx context.Context) (domain.RunOutcome, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return domain.RunOutcome{}, domain.ErrNotRunning
	}
	select {
	case <-done:
		return c.Outcome(), nil
	case <-ctx.Done():
		return domain.RunOutcome{}, ctx.Err()
	}
}

func (c *Controller) record(ctx context.Context, action, runID string, payload map[string]any) {
	if c.events == nil {
		return
	}
	if err := c.events.RecordEvent(context.WithoutCancel(ctx), action, runID, payload); err != nil {
		c.log(slog.LevelWarn, "run event not recorded", "run_id", runID, "action", action, "error", err)
	}
}

func (c *Controller) log(level slog.Level, msg string, attrs ...any) {
	if c.logger == nil {
		return
	}
	fields := append([]any{"component", "run_controller"}, attrs...)
	c.logger.Log(context.Background(), level, msg, fields...)
}
