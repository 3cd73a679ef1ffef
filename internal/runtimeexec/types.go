// Package runtimeexec runs realization jobs for the job queue: in process,
// as local processes, or as docker containers.
package runtimeexec

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
)

// SimulationEngine runs the forward model of one realization against a snapshot.
type SimulationEngine interface {
	RunOne(ctx context.Context, realization int, snapshot domain.Snapshot, iteration int) error
}

// KindRunner executes a job once per JobKind.
type KindRunner interface {
	RunInternal(ctx context.Context, job queue.Job) error
	RunInternalScript(ctx context.Context, job queue.Job) error
	RunExternal(ctx context.Context, job queue.Job) error
}

// Dispatch selects the KindRunner method for job.Kind.
func Dispatch(ctx context.Context, runner KindRunner, job queue.Job) error {
	switch job.Kind {
	case domain.JobKindInternal:
		return runner.RunInternal(ctx, job)
	case domain.JobKindInternalScript:
		return runner.RunInternalScript(ctx, job)
	case domain.JobKindExternal:
		return runner.RunExternal(ctx, job)
	default:
		return fmt.Errorf("%w: unsupported job kind %s", domain.ErrConfiguration, job.Kind)
	}
}

const (
	EnvRealization = "ESMDA_REALIZATION"
	EnvIteration   = "ESMDA_ITERATION"
	EnvSnapshot    = "ESMDA_SNAPSHOT"
	EnvJobID       = "ESMDA_JOB_ID"
)

func isReservedJobEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case EnvRealization, EnvIteration, EnvSnapshot, EnvJobID, EnvResultFile:
		return true
	default:
		return false
	}
}

// jobEnv returns KEY=VALUE pairs for a job: the reserved keys first, then
// job.Env sorted by key. Reserved keys in job.Env are ignored.
func jobEnv(job queue.Job) []string {
	out := []string{
		EnvRealization + "=" + strconv.Itoa(job.Realization),
		EnvIteration + "=" + strconv.Itoa(job.Iteration),
		EnvSnapshot + "=" + job.Snapshot.Name,
		EnvJobID + "=" + job.ID,
	}
	keys := make([]string, 0, len(job.Env))
	for k := range job.Env {
		key := strings.TrimSpace(k)
		if key == "" || isReservedJobEnvKey(key) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, strings.TrimSpace(k)+"="+job.Env[k])
	}
	return out
}
