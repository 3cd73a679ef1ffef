package runtimeexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
	"github.com/animus-labs/esmda-go/internal/platform/env"
)

type commandFunc func(ctx context.Context, bin string, args ...string) ([]byte, error)

func combinedOutput(ctx context.Context, bin string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, bin, args...).CombinedOutput()
}

type DockerConfig struct {
	Bin     string
	Image   string
	Network string
	CPUs    float64
	Memory  string
}

// DockerBackend runs each job as a detached container of a fixed image.
// The container name is the job handle.
type DockerBackend struct {
	cfg DockerConfig
	run commandFunc
}

func NewDockerBackend(cfg DockerConfig) (*DockerBackend, error) {
	cfg.Bin = strings.TrimSpace(cfg.Bin)
	if cfg.Bin == "" {
		cfg.Bin = "docker"
	}
	cfg.Image = strings.TrimSpace(cfg.Image)
	if cfg.Image == "" {
		return nil, fmt.Errorf("%w: docker image is required", domain.ErrConfiguration)
	}
	if _, err := exec.LookPath(cfg.Bin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &DockerBackend{cfg: cfg, run: combinedOutput}, nil
}

func (b *DockerBackend) Kind() string {
	return "docker"
}

func (b *DockerBackend) Submit(ctx context.Context, job queue.Job) (string, error) {
	if job.Kind == domain.JobKindInternal {
		return "", fmt.Errorf("%w: internal jobs cannot run in containers", domain.ErrConfiguration)
	}
	name := fmt.Sprintf("esmda-i%d-r%d-%s", job.Iteration, job.Realization, uuid.NewString()[:8])

	args := []string{"run", "--detach", "--name", name}
	if network := strings.TrimSpace(b.cfg.Network); network != "" {
		args = append(args, "--network", network)
	}
	for _, kv := range jobEnv(job) {
		args = append(args, "-e", kv)
	}
	if b.cfg.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", b.cfg.CPUs))
	}
	if mem := strings.TrimSpace(b.cfg.Memory); mem != "" {
		args = append(args, "--memory", mem)
	}
	args = append(args, b.cfg.Image)
	switch job.Kind {
	case domain.JobKindInternalScript:
		args = append(args, "sh", "-c", job.Command, jobName(job))
		args = append(args, job.Args...)
	default:
		args = append(args, job.Command)
		args = append(args, job.Args...)
	}

	out, err := b.run(ctx, b.cfg.Bin, args...)
	if err != nil {
		text := strings.TrimSpace(string(out))
		if isDaemonDown(text) {
			return "", fmt.Errorf("%w: %s", domain.ErrQueueUnavailable, text)
		}
		return "", fmt.Errorf("docker run failed: %w: %s", err, text)
	}
	return name, nil
}

type dockerInspectState struct {
	Status     string    `json:"Status"`
	ExitCode   int       `json:"ExitCode"`
	OOMKilled  bool      `json:"OOMKilled"`
	FinishedAt time.Time `json:"FinishedAt"`
}

func (b *DockerBackend) Status(ctx context.Context, handle string) (domain.JobStatus, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return "", errors.New("docker container name is required")
	}
	out, err := b.run(ctx, b.cfg.Bin, "inspect", "--format", "{{json .State}}", handle)
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such object") || strings.Contains(text, "not found") {
			return domain.JobPending, nil
		}
		if isDaemonDown(text) {
			return "", fmt.Errorf("%w: %s", domain.ErrQueueUnavailable, text)
		}
		return "", fmt.Errorf("docker inspect failed: %w: %s", err, text)
	}

	var state dockerInspectState
	if err := json.Unmarshal(out, &state); err != nil {
		return "", fmt.Errorf("parse docker inspect: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(state.Status)) {
	case "running", "restarting":
		return domain.JobRunning, nil
	case "exited", "dead":
		if state.ExitCode == 0 && !state.OOMKilled {
			return domain.JobSuccess, nil
		}
		return domain.JobFailed, nil
	default:
		return domain.JobPending, nil
	}
}

func (b *DockerBackend) Kill(ctx context.Context, handle string) error {
	out, err := b.run(ctx, b.cfg.Bin, "rm", "--force", handle)
	if err != nil {
		return fmt.Errorf("docker rm failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func isDaemonDown(text string) bool {
	return strings.Contains(text, "Cannot connect to the Docker daemon") || strings.Contains(text, "Is the docker daemon running")
}

func DockerConfigFromEnv() (DockerConfig, error) {
	cpus, err := env.Float("ESMDA_DOCKER_CPUS", 0)
	if err != nil {
		return DockerConfig{}, err
	}
	return DockerConfig{
		Bin:     env.String("ESMDA_DOCKER_BIN", "docker"),
		Image:   env.String("ESMDA_DOCKER_IMAGE", ""),
		Network: env.String("ESMDA_DOCKER_NETWORK", ""),
		CPUs:    cpus,
		Memory:  env.String("ESMDA_DOCKER_MEMORY", ""),
	}, nil
}
