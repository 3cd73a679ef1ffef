package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/esmda-go/internal/domain"
)

type fakeJob struct {
	realization int
	status      domain.JobStatus
}

type fakeBackend struct {
	mu        sync.Mutex
	seq       int
	scripts   map[int][]domain.JobStatus
	submitErr map[int]error
	statusErr error
	attempts  map[int]int
	jobs      map[string]*fakeJob
	latest    map[int]string
	killed    []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		scripts:   map[int][]domain.JobStatus{},
		submitErr: map[int]error{},
		attempts:  map[int]int{},
		jobs:      map[string]*fakeJob{},
		latest:    map[int]string{},
	}
}

func (f *fakeBackend) Kind() string { return "fake" }

func (f *fakeBackend) Submit(_ context.Context, job Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErr[job.Realization]; err != nil {
		return "", err
	}
	attempt := f.attempts[job.Realization]
	f.attempts[job.Realization]++
	status := domain.JobRunning
	if script := f.scripts[job.Realization]; attempt < len(script) {
		status = script[attempt]
	}
	f.seq++
	handle := fmt.Sprintf("h-%d", f.seq)
	f.jobs[handle] = &fakeJob{realization: job.Realization, status: status}
	f.latest[job.Realization] = handle
	return handle, nil
}

func (f *fakeBackend) Status(_ context.Context, handle string) (domain.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return "", f.statusErr
	}
	job, ok := f.jobs[handle]
	if !ok {
		return "", domain.ErrNotFound
	}
	return job.status, nil
}

func (f *fakeBackend) Kill(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[handle]; ok {
		job.status = domain.JobKilled
	}
	f.killed = append(f.killed, handle)
	return nil
}

func (f *fakeBackend) complete(realization int, status domain.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if handle, ok := f.latest[realization]; ok {
		f.jobs[handle].status = status
	}
}

func (f *fakeBackend) attemptsFor(realization int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[realization]
}

func (f *fakeBackend) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.killed)
}

type recordingObserver struct {
	mu     sync.Mutex
	events map[int][]string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{events: map[int][]string{}}
}

func (o *recordingObserver) add(realization int, event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events[realization] = append(o.events[realization], event)
}

func (o *recordingObserver) JobSubmitted(r int) { o.add(r, "submitted") }
func (o *recordingObserver) JobWaiting(r int)   { o.add(r, "waiting") }
func (o *recordingObserver) JobRunning(r int)   { o.add(r, "running") }

func (o *recordingObserver) JobFinished(r int, success bool) {
	if success {
		o.add(r, "success")
		return
	}
	o.add(r, "failed")
}

func (o *recordingObserver) eventsFor(realization int) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events[realization]...)
}

func (o *recordingObserver) last(realization int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	events := o.events[realization]
	if len(events) == 0 {
		return ""
	}
	return events[len(events)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startManager(t *testing.T, backend Backend, capacity int, opts Options) *Manager {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Millisecond
	}
	m := NewManager(backend, opts)
	if err := m.Start(context.Background(), capacity); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func TestSubmitBeforeStart(t *testing.T) {
	m := NewManager(newFakeBackend(), Options{})
	if _, err := m.Submit(context.Background(), Job{Realization: 0}); !errors.Is(err, domain.ErrQueueNotStarted) {
		t.Fatalf("expected not started, got %v", err)
	}
	if err := m.NewBatch(nil); !errors.Is(err, domain.ErrQueueNotStarted) {
		t.Fatalf("expected not started from NewBatch, got %v", err)
	}
}

func TestStartRejectsZeroCapacity(t *testing.T) {
	m := NewManager(newFakeBackend(), Options{})
	if err := m.Start(context.Background(), 0); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBlockingSubmitRespectsCapacity(t *testing.T) {
	backend := newFakeBackend()
	m := startManager(t, backend, 2, Options{})
	obs := newRecordingObserver()
	if err := m.NewBatch(obs); err != nil {
		t.Fatalf("new batch: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.Submit(ctx, Job{Realization: i}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	submitted := make(chan error, 1)
	go func() {
		_, err := m.Submit(ctx, Job{Realization: 2})
		submitted <- err
	}()

	waitFor(t, "third job waiting", func() bool { return m.Poll().Waiting == 1 })
	if got := backend.attemptsFor(2); got != 0 {
		t.Fatalf("job beyond capacity reached backend (%d attempts)", got)
	}
	if obs.last(2) != "waiting" {
		t.Fatalf("expected waiting event, got %q", obs.last(2))
	}

	backend.complete(0, domain.JobSuccess)
	select {
	case err := <-submitted:
		if err != nil {
			t.Fatalf("blocked submit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked submit never acquired a slot")
	}
	if got := backend.attemptsFor(2); got != 1 {
		t.Fatalf("expected third job submitted once, got %d", got)
	}

	backend.complete(1, domain.JobFailed)
	backend.complete(2, domain.JobSuccess)
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	status := m.Poll()
	if status.Success != 2 || status.Failed != 1 || status.Running != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
	if obs.last(0) != "success" || obs.last(1) != "failed" || obs.last(2) != "success" {
		t.Fatalf("unexpected events %v %v %v", obs.eventsFor(0), obs.eventsFor(1), obs.eventsFor(2))
	}
}

func TestNonBlockingSubmitReturnsQueueFull(t *testing.T) {
	backend := newFakeBackend()
	m := startManager(t, backend, 1, Options{NonBlocking: true})
	ctx := context.Background()
	if _, err := m.Submit(ctx, Job{Realization: 0}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := m.Submit(ctx, Job{Realization: 1}); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if got := m.Poll().Total(); got != 1 {
		t.Fatalf("rejected job must not be tracked, total=%d", got)
	}
}

func TestFailedJobIsResubmitted(t *testing.T) {
	backend := newFakeBackend()
	backend.scripts[0] = []domain.JobStatus{domain.JobFailed, domain.JobSuccess}
	m := startManager(t, backend, 1, Options{MaxSubmit: 2})
	obs := newRecordingObserver()
	_ = m.NewBatch(obs)

	h, err := m.Submit(context.Background(), Job{Realization: 0})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !m.JobSuccess(h) {
		t.Fatalf("expected success after retry, status %+v", m.Poll())
	}
	if got := backend.attemptsFor(0); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	for _, e := range obs.eventsFor(0) {
		if e == "failed" {
			t.Fatalf("retried failure must not reach the observer: %v", obs.eventsFor(0))
		}
	}
}

func TestRetriesExhausted(t *testing.T) {
	backend := newFakeBackend()
	backend.scripts[0] = []domain.JobStatus{domain.JobFailed, domain.JobFailed, domain.JobFailed}
	m := startManager(t, backend, 1, Options{MaxSubmit: 2})
	_ = m.NewBatch(nil)

	h, _ := m.Submit(context.Background(), Job{Realization: 0})
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !m.JobFailed(h) {
		t.Fatalf("expected failed job")
	}
	if got := backend.attemptsFor(0); got != 2 {
		t.Fatalf("expected MaxSubmit attempts, got %d", got)
	}
}

func TestBackendSubmitErrorFailsOnlyThatJob(t *testing.T) {
	backend := newFakeBackend()
	backend.submitErr[1] = errors.New("no such executable")
	backend.scripts[0] = []domain.JobStatus{domain.JobSuccess}
	m := startManager(t, backend, 2, Options{})
	obs := newRecordingObserver()
	_ = m.NewBatch(obs)

	ctx := context.Background()
	if _, err := m.Submit(ctx, Job{Realization: 0}); err != nil {
		t.Fatalf("submit 0: %v", err)
	}
	h, err := m.Submit(ctx, Job{Realization: 1})
	if err != nil {
		t.Fatalf("per-job failure must not be returned: %v", err)
	}
	if !m.JobFailed(h) || obs.last(1) != "failed" {
		t.Fatalf("expected job 1 failed, events %v", obs.eventsFor(1))
	}
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestQueueUnavailableIsFatal(t *testing.T) {
	backend := newFakeBackend()
	backend.submitErr[0] = fmt.Errorf("dial scheduler: %w", domain.ErrQueueUnavailable)
	m := startManager(t, backend, 1, Options{})
	_ = m.NewBatch(nil)

	if _, err := m.Submit(context.Background(), Job{Realization: 0}); !errors.Is(err, domain.ErrQueueUnavailable) {
		t.Fatalf("expected queue unavailable, got %v", err)
	}
	if err := m.Wait(context.Background()); !errors.Is(err, domain.ErrQueueUnavailable) {
		t.Fatalf("expected Wait to surface queue unavailable, got %v", err)
	}
}

func TestKillAll(t *testing.T) {
	backend := newFakeBackend()
	m := startManager(t, backend, 3, Options{})
	obs := newRecordingObserver()
	_ = m.NewBatch(obs)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := m.Submit(ctx, Job{Realization: i}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	waitFor(t, "jobs running", func() bool { return m.Poll().Running == 3 })

	m.KillAll(ctx)
	status := m.Poll()
	if status.Running != 0 || status.Killed != 3 {
		t.Fatalf("unexpected status after kill %+v", status)
	}
	if got := backend.killCount(); got != 3 {
		t.Fatalf("expected 3 backend kills, got %d", got)
	}
	for i := 0; i < 3; i++ {
		if obs.last(i) != "failed" {
			t.Fatalf("realization %d: expected failed, got %q", i, obs.last(i))
		}
	}
	if _, err := m.Submit(ctx, Job{Realization: 4}); !errors.Is(err, ErrKilled) {
		t.Fatalf("expected ErrKilled after KillAll, got %v", err)
	}
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("wait after kill: %v", err)
	}
}

func TestWaitHonoursCancellation(t *testing.T) {
	backend := newFakeBackend()
	m := startManager(t, backend, 1, Options{})
	_ = m.NewBatch(nil)
	if _, err := m.Submit(context.Background(), Job{Realization: 0}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestMaxJobDurationKillsJob(t *testing.T) {
	backend := newFakeBackend()
	m := startManager(t, backend, 1, Options{MaxJobDuration: 10 * time.Millisecond})
	obs := newRecordingObserver()
	_ = m.NewBatch(obs)

	h, _ := m.Submit(context.Background(), Job{Realization: 0})
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !m.JobFailed(h) {
		t.Fatalf("expected expired job to fail")
	}
	waitFor(t, "backend kill", func() bool { return backend.killCount() == 1 })
	if obs.last(0) != "failed" {
		t.Fatalf("expected failed event, got %v", obs.eventsFor(0))
	}
}

func TestNewBatchRejectsInFlightJobs(t *testing.T) {
	backend := newFakeBackend()
	m := startManager(t, backend, 1, Options{})
	_ = m.NewBatch(nil)
	if _, err := m.Submit(context.Background(), Job{Realization: 0}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := m.NewBatch(nil); err == nil {
		t.Fatalf("expected NewBatch to fail with in-flight job")
	}
	backend.complete(0, domain.JobSuccess)
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := m.NewBatch(nil); err != nil {
		t.Fatalf("new batch after completion: %v", err)
	}
	if got := m.Poll().Total(); got != 0 {
		t.Fatalf("expected empty batch, total=%d", got)
	}
}
