package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
)

// InternalFunc is a forward model step compiled into the binary.
type InternalFunc func(ctx context.Context, job queue.Job) error

// ProcessKindRunner runs internal functions in process and scripts or
// executables as child processes of the current binary.
type ProcessKindRunner struct {
	// Engine handles internal jobs whose Name has no registered function.
	Engine  SimulationEngine
	Shell   string
	WorkDir string
	// Results, when set, receives the data scripts and executables write to
	// $ESMDA_RESULT_FILE.
	Results RealizationSink

	mu        sync.RWMutex
	functions map[string]InternalFunc
}

func NewProcessKindRunner(engine SimulationEngine) *ProcessKindRunner {
	return &ProcessKindRunner{Engine: engine, Shell: "sh", functions: make(map[string]InternalFunc)}
}

// Register adds a named internal function.
func (r *ProcessKindRunner) Register(name string, fn InternalFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return errors.New("internal function name and body are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.functions == nil {
		r.functions = make(map[string]InternalFunc)
	}
	if _, ok := r.functions[name]; ok {
		return fmt.Errorf("internal function %q already registered", name)
	}
	r.functions[name] = fn
	return nil
}

func (r *ProcessKindRunner) RunInternal(ctx context.Context, job queue.Job) error {
	r.mu.RLock()
	fn, ok := r.functions[strings.TrimSpace(job.Name)]
	r.mu.RUnlock()
	if ok {
		return fn(ctx, job)
	}
	if r.Engine == nil {
		return fmt.Errorf("%w: unknown internal function %q", domain.ErrConfiguration, job.Name)
	}
	return r.Engine.RunOne(ctx, job.Realization, job.Snapshot, job.Iteration)
}

func (r *ProcessKindRunner) RunInternalScript(ctx context.Context, job queue.Job) error {
	script := strings.TrimSpace(job.Command)
	if script == "" {
		return fmt.Errorf("%w: script job requires a command", domain.ErrConfiguration)
	}
	shell := strings.TrimSpace(r.Shell)
	if shell == "" {
		shell = "sh"
	}
	// sh -c script name args...: $0 is the job name, positional args follow.
	args := append([]string{"-c", script, jobName(job)}, job.Args...)
	return r.runProcess(ctx, job, shell, args)
}

func (r *ProcessKindRunner) RunExternal(ctx context.Context, job queue.Job) error {
	bin := strings.TrimSpace(job.Command)
	if bin == "" {
		return fmt.Errorf("%w: external job requires an executable", domain.ErrConfiguration)
	}
	return r.runProcess(ctx, job, bin, job.Args)
}

func (r *ProcessKindRunner) runProcess(ctx context.Context, job queue.Job, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), jobEnv(job)...)
	cmd.Dir = r.WorkDir

	var resultPath string
	if r.Results != nil {
		dir, err := os.MkdirTemp("", "esmda-result-")
		if err != nil {
			return fmt.Errorf("result directory: %w", err)
		}
		defer func() { _ = os.RemoveAll(dir) }()
		resultPath = filepath.Join(dir, "realization.json")
		cmd.Env = append(cmd.Env, EnvResultFile+"="+resultPath)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", jobName(job), err, tail(string(out), 512))
	}
	if resultPath != "" {
		return storeResult(ctx, r.Results, job, resultPath)
	}
	return nil
}

func jobName(job queue.Job) string {
	if name := strings.TrimSpace(job.Name); name != "" {
		return name
	}
	return fmt.Sprintf("realization-%d", job.Realization)
}

func tail(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	return "..." + text[len(text)-limit:]
}
