// Package iteration drives the simulate/update loop of an ensemble smoother run.
package iteration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/policy"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
	"github.com/animus-labs/esmda-go/internal/ensemble/realization"
	"github.com/animus-labs/esmda-go/internal/platform/metrics"
)

type Config struct {
	EnsembleSize    int
	MinRealizations int
	ActiveMask      []bool
	// Weights are the normalized iteration weights; len(Weights)+1 batches run.
	Weights          []float64
	TargetCaseFormat string
	SourceCase       string
	// RetryFailedAcrossIterations resubmits realizations that failed in an
	// earlier iteration. By default they stay out for the rest of the run.
	RetryFailedAcrossIterations bool
	// Job is the template for every simulation job; realization, iteration
	// and snapshot are filled in per submission.
	Job queue.Job
}

type Controller struct {
	cfg      Config
	store    CaseStore
	queue    Queue
	analysis AnalysisEngine
	hooks    Hooks
	reporter Reporter
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config, store CaseStore, q Queue, analysis AnalysisEngine, hooks Hooks, reporter Reporter, logger *slog.Logger) *Controller {
	if reporter == nil {
		reporter = nopReporter{}
	}
	return &Controller{
		cfg:      cfg,
		store:    store,
		queue:    q,
		analysis: analysis,
		hooks:    hooks,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes every iteration and returns the terminal outcome. Cancelling
// ctx kills in-flight jobs and yields a cancelled outcome; no update is
// started once cancellation has been observed.
func (c *Controller) Run(ctx context.Context) domain.RunOutcome {
	n := len(c.cfg.Weights)
	active := append([]bool(nil), c.cfg.ActiveMask...)
	if countActive(active) == 0 {
		return c.fail("no active realizations")
	}

	current, err := c.seed(ctx, active)
	if err != nil {
		return c.abort(ctx, err.Error())
	}

	for iter := 0; iter <= n; iter++ {
		if ctx.Err() != nil {
			return c.cancel(ctx)
		}

		states := realization.NewStateMap(current.Name, c.cfg.EnsembleSize)
		if err := states.SetActive(active); err != nil {
			return c.fail(err.Error())
		}
		c.reporter.EnterPhase(PhasePreSimulation, iter, states)
		if iter > 0 {
			if err := c.store.SwitchCurrent(ctx, current); err != nil {
				return c.abort(ctx, fmt.Sprintf("switch to %s: %v", current.Name, err))
			}
		}
		if err := c.runHook(ctx, c.hooks.PreSimulation, iter, current); err != nil {
			return c.abort(ctx, fmt.Sprintf("pre-simulation hook for iteration %d: %v", iter, err))
		}

		c.reporter.EnterPhase(PhaseSimulating, iter, states)
		c.log(slog.LevelInfo, "simulating iteration", "iteration", iter, "iterations", n, "snapshot", current.Name, "active", states.ActiveCount())
		started := c.now()
		if err := c.simulate(ctx, iter, current, active, states); err != nil {
			return c.abort(ctx, err.Error())
		}
		metrics.ObserveBatch(c.now().Sub(started))

		c.reporter.EnterPhase(PhasePostSimulation, iter, states)
		success := states.SuccessCount()
		c.log(slog.LevelInfo, "iteration batch finished", "iteration", iter, "success", success, "failed", states.FailureCount())
		if err := policy.Check(success, c.cfg.MinRealizations, states.ActiveCount()); err != nil {
			return c.abort(ctx, err.Error())
		}
		if err := c.runHook(ctx, c.hooks.PostSimulation, iter, current); err != nil {
			return c.abort(ctx, fmt.Sprintf("post-simulation hook for iteration %d: %v", iter, err))
		}

		if iter == n {
			break
		}

		next, err := c.store.GetSnapshot(ctx, TargetName(c.cfg.TargetCaseFormat, iter+1))
		if err != nil {
			return c.abort(ctx, fmt.Sprintf("open target snapshot for iteration %d: %v", iter+1, err))
		}
		successful := states.Successful()
		c.reporter.EnterPhase(PhaseUpdating, iter, states)
		if err := c.update(ctx, iter, current, next, successful); err != nil {
			return c.abort(ctx, err.Error())
		}
		if ctx.Err() != nil {
			return c.cancel(ctx)
		}

		if !c.cfg.RetryFailedAcrossIterations {
			active = successful
		}
		current = next
	}

	c.reporter.EnterPhase(PhaseDone, n, nil)
	c.log(slog.LevelInfo, "run completed", "iterations", n)
	return domain.Completed()
}

// seed makes target(0) current and initializes it from the source case when
// the two differ.
func (c *Controller) seed(ctx context.Context, active []bool) (domain.Snapshot, error) {
	target, err := c.store.GetSnapshot(ctx, TargetName(c.cfg.TargetCaseFormat, 0))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("open initial target snapshot: %w", err)
	}
	if err := c.store.SwitchCurrent(ctx, target); err != nil {
		return domain.Snapshot{}, fmt.Errorf("switch to %s: %w", target.Name, err)
	}
	if c.cfg.SourceCase == "" || c.cfg.SourceCase == target.Name {
		return target, nil
	}
	source, err := c.store.GetSnapshot(ctx, c.cfg.SourceCase)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("open source snapshot %s: %w", c.cfg.SourceCase, err)
	}
	if err := c.store.InitializeFromExisting(ctx, source, target, 0, active); err != nil {
		return domain.Snapshot{}, fmt.Errorf("initialize %s from %s: %w", target.Name, source.Name, err)
	}
	c.log(slog.LevelInfo, "initialized target from source", "source", source.Name, "target", target.Name)
	return target, nil
}

func (c *Controller) simulate(ctx context.Context, iter int, snapshot domain.Snapshot, active []bool, states *realization.StateMap) error {
	if err := c.queue.NewBatch(&stateObserver{states: states, logger: c.logger}); err != nil {
		return fmt.Errorf("job queue: %w", err)
	}
	for i, on := range active {
		if !on {
			continue
		}
		job := c.cfg.Job
		job.ID = ""
		job.Realization = i
		job.Iteration = iter
		job.Snapshot = snapshot
		if _, err := c.queue.Submit(ctx, job); err != nil {
			return fmt.Errorf("job queue: %w", err)
		}
	}
	if err := c.queue.Wait(ctx); err != nil {
		return fmt.Errorf("job queue: %w", err)
	}
	if !states.AllTerminal() {
		return fmt.Errorf("job queue: batch for iteration %d ended with unfinished realizations", iter)
	}
	return nil
}

func (c *Controller) update(ctx context.Context, iter int, source, target domain.Snapshot, successful []bool) error {
	weight := c.cfg.Weights[iter]
	if err := ctx.Err(); err != nil {
		return err
	}
	c.log(slog.LevelInfo, "analysis update", "iteration", iter, "source", source.Name, "target", target.Name, "weight", weight)
	started := c.now()
	ok, err := c.analysis.Update(ctx, UpdateRequest{
		Source:    source,
		Target:    target,
		Weight:    weight,
		Iteration: iter,
		Active:    successful,
	})
	metrics.ObserveUpdate(c.now().Sub(started), ok && err == nil)
	if err != nil {
		return fmt.Errorf("%w for iteration %d: %w", domain.ErrAnalysisFailed, iter, err)
	}
	if !ok {
		return fmt.Errorf("%w for iteration %d: update reported failure", domain.ErrAnalysisFailed, iter)
	}
	return nil
}

func (c *Controller) runHook(ctx context.Context, hook HookFunc, iter int, snapshot domain.Snapshot) error {
	if hook == nil {
		return nil
	}
	return hook(ctx, iter, snapshot)
}

func (c *Controller) cancel(ctx context.Context) domain.RunOutcome {
	c.queue.KillAll(context.WithoutCancel(ctx))
	c.log(slog.LevelInfo, "run cancelled")
	return domain.Cancelled()
}

// abort ends the run after an error: cancelled when ctx is done, failed
// otherwise.
func (c *Controller) abort(ctx context.Context, reason string) domain.RunOutcome {
	if ctx.Err() != nil {
		return c.cancel(ctx)
	}
	return c.fail(reason)
}

func (c *Controller) fail(reason string) domain.RunOutcome {
	c.log(slog.LevelError, "run failed", "reason", reason)
	return domain.Failed(reason)
}

func (c *Controller) log(level slog.Level, msg string, attrs ...any) {
	if c.logger == nil {
		return
	}
	fields := append([]any{"component", "iteration_controller"}, attrs...)
	c.logger.Log(context.Background(), level, msg, fields...)
}

func countActive(mask []bool) int {
	n := 0
	for _, on := range mask {
		if on {
			n++
		}
	}
	return n
}

// stateObserver records queue transitions in the batch state map.
type stateObserver struct {
	states *realization.StateMap
	logger *slog.Logger
}

func (o *stateObserver) JobSubmitted(r int) { o.check(o.states.RecordSubmission(r)) }
func (o *stateObserver) JobWaiting(r int)   { o.check(o.states.RecordWaiting(r)) }
func (o *stateObserver) JobRunning(r int)   { o.check(o.states.RecordRunning(r)) }

func (o *stateObserver) JobFinished(r int, success bool) {
	o.check(o.states.RecordResult(r, success))
}

func (o *stateObserver) check(err error) {
	if err != nil && o.logger != nil {
		o.logger.Warn("realization state not recorded", "component", "iteration_controller", "snapshot", o.states.Snapshot(), "error", err)
	}
}
