package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
)

type localJob struct {
	status domain.JobStatus
	cancel context.CancelFunc
}

// LocalBackend runs every submitted job on its own goroutine through a KindRunner.
// A job is dropped from the table once its terminal status has been read or
// it has been killed; later lookups return domain.ErrNotFound.
type LocalBackend struct {
	runner KindRunner
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*localJob
	wg   sync.WaitGroup
}

func NewLocalBackend(runner KindRunner, logger *slog.Logger) (*LocalBackend, error) {
	if runner == nil {
		return nil, errors.New("kind runner is required")
	}
	return &LocalBackend{runner: runner, logger: logger, jobs: make(map[string]*localJob)}, nil
}

func (b *LocalBackend) Kind() string {
	return "local"
}

func (b *LocalBackend) Submit(ctx context.Context, job queue.Job) (string, error) {
	// Jobs outlive the Submit call; only Kill stops them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := uuid.NewString()
	lj := &localJob{status: domain.JobPending, cancel: cancel}

	b.mu.Lock()
	b.jobs[handle] = lj
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		if !b.transition(lj, domain.JobRunning) {
			return
		}
		err := Dispatch(runCtx, b.runner, job)
		status := domain.JobSuccess
		if err != nil {
			status = domain.JobFailed
			b.log(slog.LevelWarn, "job failed", "realization", job.Realization, "iteration", job.Iteration, "error", err)
		}
		b.transition(lj, status)
	}()
	return handle, nil
}

// transition moves a job forward unless it was killed meanwhile.
func (b *LocalBackend) transition(lj *localJob, status domain.JobStatus) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lj.status == domain.JobKilled {
		return false
	}
	lj.status = status
	return true
}

func (b *LocalBackend) Status(_ context.Context, handle string) (domain.JobStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lj, ok := b.jobs[handle]
	if !ok {
		return "", fmt.Errorf("local job %s: %w", handle, domain.ErrNotFound)
	}
	if lj.status.IsTerminal() {
		delete(b.jobs, handle)
	}
	return lj.status, nil
}

func (b *LocalBackend) Kill(_ context.Context, handle string) error {
	b.mu.Lock()
	lj, ok := b.jobs[handle]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("local job %s: %w", handle, domain.ErrNotFound)
	}
	if !lj.status.IsTerminal() {
		lj.status = domain.JobKilled
	}
	delete(b.jobs, handle)
	b.mu.Unlock()
	lj.cancel()
	return nil
}

// Close kills outstanding jobs and waits for their goroutines.
func (b *LocalBackend) Close() {
	b.mu.Lock()
	handles := make([]string, 0, len(b.jobs))
	for handle := range b.jobs {
		handles = append(handles, handle)
	}
	b.mu.Unlock()
	for _, handle := range handles {
		_ = b.Kill(context.Background(), handle)
	}
	b.wg.Wait()
}

func (b *LocalBackend) log(level slog.Level, msg string, attrs ...any) {
	if b.logger == nil {
		return
	}
	fields := append([]any{"component", "local_backend"}, attrs...)
	b.logger.Log(context.Background(), level, msg, fields...)
}
