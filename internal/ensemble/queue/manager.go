// Package queue bounds and tracks concurrent realization jobs on a Backend.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/platform/metrics"
)

const DefaultPollInterval = 500 * time.Millisecond

type Options struct {
	// PollInterval is how often backend status is refreshed and Wait re-checks the batch.
	PollInterval time.Duration
	// MaxSubmit is how many times a failing job is submitted before it is recorded failed.
	MaxSubmit int
	// MaxJobDuration kills running jobs that exceed it. Zero means unlimited.
	MaxJobDuration time.Duration
	// NonBlocking makes Submit return domain.ErrQueueFull instead of waiting for a slot.
	NonBlocking bool
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxSubmit < 1 {
		o.MaxSubmit = 1
	}
	if o.MaxJobDuration < 0 {
		o.MaxJobDuration = 0
	}
	return o
}

type node struct {
	job       Job
	handle    string
	status    domain.JobStatus
	attempts  int
	holdsSlot bool
	running   bool
	startedAt time.Time
}

// Manager owns a bounded pool of job slots on top of a Backend.
type Manager struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	started  bool
	killed   bool
	capacity int
	sem      *semaphore.Weighted
	nodes    map[string]*node
	observer Observer
	fatal    error
	stop     context.CancelFunc
	done     chan struct{}
}

func NewManager(backend Backend, opts Options) *Manager {
	if backend == nil {
		return nil
	}
	opts = opts.withDefaults()
	return &Manager{
		backend:  backend,
		opts:     opts,
		logger:   opts.Logger,
		now:      time.Now,
		nodes:    make(map[string]*node),
		observer: nopObserver{},
	}
}

// Start allocates capacity slots and launches the status refresher.
// Calling Start again on a started manager is a no-op.
func (m *Manager) Start(ctx context.Context, capacity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if capacity < 1 {
		return fmt.Errorf("%w: queue capacity must be >= 1 (got %d)", domain.ErrConfiguration, capacity)
	}
	m.capacity = capacity
	m.sem = semaphore.NewWeighted(int64(capacity))
	runCtx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	m.done = make(chan struct{})
	m.started = true
	go m.run(runCtx)
	m.log(slog.LevelInfo, "job queue started", "backend", m.backend.Kind(), "capacity", capacity)
	return nil
}

// Stop halts the status refresher. In-flight jobs are left to the backend.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

// NewBatch forgets the jobs of the previous batch and routes transitions of
// the next one to observer. It fails while jobs are still in flight.
func (m *Manager) NewBatch(observer Observer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return domain.ErrQueueNotStarted
	}
	for _, n := range m.nodes {
		if !n.status.IsTerminal() {
			return fmt.Errorf("job queue: previous batch still has %s jobs", n.status)
		}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	m.nodes = make(map[string]*node)
	m.observer = observer
	return nil
}

// Submit hands job to the backend. In blocking mode it waits for a free slot.
// A backend error for this job alone is recorded as a failed job and is not
// returned; only domain.ErrQueueUnavailable and context errors are.
func (m *Manager) Submit(ctx context.Context, job Job) (JobHandle, error) {
	m.mu.Lock()
	switch {
	case !m.started:
		m.mu.Unlock()
		return JobHandle{}, domain.ErrQueueNotStarted
	case m.killed:
		m.mu.Unlock()
		return JobHandle{}, ErrKilled
	case m.fatal != nil:
		err := m.fatal
		m.mu.Unlock()
		return JobHandle{}, err
	}
	sem := m.sem
	m.mu.Unlock()

	acquired := sem.TryAcquire(1)
	if !acquired && m.opts.NonBlocking {
		return JobHandle{}, domain.ErrQueueFull
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	handle := JobHandle{ID: job.ID, Realization: job.Realization}
	n := &node{job: job, status: domain.JobWaiting, holdsSlot: acquired}

	m.mu.Lock()
	m.nodes[job.ID] = n
	m.observer.JobSubmitted(job.Realization)
	if !acquired {
		m.observer.JobWaiting(job.Realization)
	}
	m.mu.Unlock()

	if !acquired {
		if err := sem.Acquire(ctx, 1); err != nil {
			m.mu.Lock()
			m.finishLocked(n, domain.JobKilled)
			m.mu.Unlock()
			return handle, err
		}
		m.mu.Lock()
		if n.status.IsTerminal() {
			m.mu.Unlock()
			sem.Release(1)
			return handle, ErrKilled
		}
		n.holdsSlot = true
		m.observer.JobSubmitted(job.Realization)
		m.mu.Unlock()
	}

	return handle, m.dispatch(ctx, n)
}

func (m *Manager) dispatch(ctx context.Context, n *node) error {
	backendHandle, err := m.backend.Submit(ctx, n.job)
	metrics.ObserveSubmission(err)

	m.mu.Lock()
	defer m.mu.Unlock()
	n.attempts++
	if n.status.IsTerminal() {
		if err == nil {
			go m.killHandle(context.WithoutCancel(ctx), backendHandle)
		}
		return nil
	}
	if err != nil {
		m.finishLocked(n, domain.JobFailed)
		if errors.Is(err, domain.ErrQueueUnavailable) {
			m.fatal = err
			return fmt.Errorf("submit realization %d: %w", n.job.Realization, err)
		}
		m.log(slog.LevelWarn, "job submit failed", "realization", n.job.Realization, "attempt", n.attempts, "error", err)
		return nil
	}
	n.handle = backendHandle
	n.status = domain.JobPending
	return nil
}

// Wait blocks until every job of the batch is terminal. ctx is checked on every poll tick.
func (m *Manager) Wait(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		done, err := m.batchDone()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) batchDone() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fatal != nil {
		return false, m.fatal
	}
	for _, n := range m.nodes {
		if !n.status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

// Poll returns aggregate counts without touching the backend.
func (m *Manager) Poll() domain.QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() domain.QueueStatus {
	var out domain.QueueStatus
	for _, n := range m.nodes {
		switch n.status {
		case domain.JobWaiting:
			out.Waiting++
		case domain.JobPending:
			out.Pending++
		case domain.JobRunning:
			out.Running++
		case domain.JobSuccess:
			out.Success++
		case domain.JobFailed:
			out.Failed++
		case domain.JobKilled:
			out.Killed++
		}
	}
	return out
}

// KillAll cancels every job that is not terminal. Killed jobs count as failed
// realizations and no longer count as running once KillAll returns.
func (m *Manager) KillAll(ctx context.Context) {
	m.mu.Lock()
	m.killed = true
	var handles []string
	for _, n := range m.nodes {
		if n.status.IsTerminal() {
			continue
		}
		if n.handle != "" {
			handles = append(handles, n.handle)
		}
		m.finishLocked(n, domain.JobKilled)
	}
	metrics.SetQueueStatus(m.statusLocked())
	m.mu.Unlock()

	for _, h := range handles {
		m.killHandle(ctx, h)
	}
	m.log(slog.LevelInfo, "killed all jobs", "count", len(handles))
}

func (m *Manager) killHandle(ctx context.Context, handle string) {
	if err := m.backend.Kill(ctx, handle); err != nil {
		m.log(slog.LevelWarn, "kill job failed", "handle", handle, "error", err)
	}
}

func (m *Manager) JobSuccess(h JobHandle) bool { return m.jobStatus(h) == domain.JobSuccess }
func (m *Manager) JobRunning(h JobHandle) bool { return m.jobStatus(h) == domain.JobRunning }

func (m *Manager) JobFailed(h JobHandle) bool {
	status := m.jobStatus(h)
	return status == domain.JobFailed || status == domain.JobKilled
}

func (m *Manager) JobWaiting(h JobHandle) bool {
	status := m.jobStatus(h)
	return status == domain.JobWaiting || status == domain.JobPending
}

func (m *Manager) jobStatus(h JobHandle) domain.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[h.ID]; ok {
		return n.status
	}
	return ""
}

// finishLocked moves n to a terminal status, frees its slot and notifies the observer.
func (m *Manager) finishLocked(n *node, status domain.JobStatus) {
	if n.status.IsTerminal() {
		return
	}
	n.status = status
	if n.holdsSlot {
		n.holdsSlot = false
		m.sem.Release(1)
	}
	m.observer.JobFinished(n.job.Realization, status == domain.JobSuccess)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

type pending struct {
	n      *node
	handle string
}

func (m *Manager) refresh(ctx context.Context) {
	m.mu.Lock()
	checks := make([]pending, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.status.IsTerminal() || n.handle == "" {
			continue
		}
		checks = append(checks, pending{n: n, handle: n.handle})
	}
	m.mu.Unlock()

	var resubmit []*node
	var expired []string
	for _, p := range checks {
		status, err := m.backend.Status(ctx, p.handle)
		if err != nil {
			if errors.Is(err, domain.ErrQueueUnavailable) {
				m.mu.Lock()
				if m.fatal == nil {
					m.fatal = fmt.Errorf("job status: %w", err)
				}
				m.mu.Unlock()
				return
			}
			if ctx.Err() == nil {
				m.log(slog.LevelWarn, "job status failed", "realization", p.n.job.Realization, "error", err)
			}
			continue
		}
		retry, kill := m.apply(p, status)
		if retry {
			resubmit = append(resubmit, p.n)
		}
		if kill {
			expired = append(expired, p.handle)
		}
	}

	for _, h := range expired {
		m.killHandle(ctx, h)
	}
	for _, n := range resubmit {
		if err := m.dispatch(ctx, n); err != nil {
			m.log(slog.LevelError, "job resubmit failed", "realization", n.job.Realization, "error", err)
		}
	}

	m.mu.Lock()
	metrics.SetQueueStatus(m.statusLocked())
	m.mu.Unlock()
}

// apply folds one backend observation into the node. It reports whether the
// job must be resubmitted and whether its backend handle must be killed.
func (m *Manager) apply(p pending, status domain.JobStatus) (retry bool, kill bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := p.n
	if n.status.IsTerminal() || n.handle != p.handle {
		return false, false
	}
	switch status {
	case domain.JobWaiting, domain.JobPending:
		n.status = domain.JobPending
	case domain.JobRunning:
		if !n.running {
			n.running = true
			n.startedAt = m.now()
			m.observer.JobRunning(n.job.Realization)
		}
		n.status = domain.JobRunning
		if m.opts.MaxJobDuration > 0 && m.now().Sub(n.startedAt) > m.opts.MaxJobDuration {
			m.log(slog.LevelWarn, "job exceeded max duration", "realization", n.job.Realization, "max_duration", m.opts.MaxJobDuration.String())
			m.finishLocked(n, domain.JobKilled)
			return false, true
		}
	case domain.JobSuccess:
		m.finishLocked(n, domain.JobSuccess)
	case domain.JobFailed:
		if n.attempts < m.opts.MaxSubmit && !m.killed {
			m.log(slog.LevelInfo, "resubmitting failed job", "realization", n.job.Realization, "attempt", n.attempts+1, "max_submit", m.opts.MaxSubmit)
			n.handle = ""
			n.status = domain.JobPending
			return true, false
		}
		m.finishLocked(n, domain.JobFailed)
	case domain.JobKilled:
		m.finishLocked(n, domain.JobKilled)
	default:
		m.log(slog.LevelWarn, "unexpected job status", "realization", n.job.Realization, "status", string(status))
	}
	return false, false
}

func (m *Manager) log(level slog.Level, msg string, attrs ...any) {
	if m.logger == nil {
		return
	}
	fields := append([]any{"component", "job_queue"}, attrs...)
	m.logger.Log(context.Background(), level, msg, fields...)
}
