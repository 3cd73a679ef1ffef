package queue

import (
	"context"
	"errors"

	"github.com/animus-labs/esmda-go/internal/domain"
)

// Backend executes single jobs on local, container or batch resources.
type Backend interface {
	Kind() string
	Submit(ctx context.Context, job Job) (string, error)
	Status(ctx context.Context, handle string) (domain.JobStatus, error)
	Kill(ctx context.Context, handle string) error
}

// Job describes the forward simulation of one realization in one iteration.
type Job struct {
	ID          string
	Realization int
	Iteration   int
	Snapshot    domain.Snapshot
	Kind        domain.JobKind
	Name        string
	Command     string
	Args        []string
	Env         map[string]string
}

// JobHandle identifies a submitted job within the manager.
type JobHandle struct {
	ID          string
	Realization int
}

// Observer receives realization level transitions in per-job order.
// Calls are made with the manager lock held; an Observer must not call back
// into the Manager.
type Observer interface {
	JobSubmitted(realization int)
	JobWaiting(realization int)
	JobRunning(realization int)
	JobFinished(realization int, success bool)
}

var ErrKilled = errors.New("job queue killed")

type nopObserver struct{}

func (nopObserver) JobSubmitted(int) {}
func (nopObserver) JobWaiting(int) {}
func (nopObserver) JobRunning(int) {}
func (nopObserver) JobFinished(int, bool) {}
