package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
	"github.com/animus-labs/esmda-go/internal/platform/env"
	"github.com/animus-labs/esmda-go/internal/platform/k8s"
)

type KubernetesConfig struct {
	Namespace      string
	Image          string
	ServiceAccount string
	CPU            string
	Memory         string
	TTLSeconds     int32
	// DeadlineSeconds bounds each job's pod runtime; zero leaves it unset.
	DeadlineSeconds int64
}

func KubernetesConfigFromEnv() (KubernetesConfig, error) {
	ttl, err := env.Int("ESMDA_K8S_JOB_TTL_SECONDS", 3600)
	if err != nil {
		return KubernetesConfig{}, err
	}
	deadline, err := env.Int("ESMDA_K8S_JOB_DEADLINE_SECONDS", 0)
	if err != nil {
		return KubernetesConfig{}, err
	}
	if ttl < 0 || deadline < 0 {
		return KubernetesConfig{}, fmt.Errorf("%w: kubernetes job ttl and deadline must be non-negative", domain.ErrConfiguration)
	}
	return KubernetesConfig{
		Namespace:       env.String("ESMDA_K8S_NAMESPACE", ""),
		Image:           env.String("ESMDA_K8S_IMAGE", ""),
		ServiceAccount:  env.String("ESMDA_K8S_SERVICE_ACCOUNT", ""),
		CPU:             env.String("ESMDA_K8S_CPU", ""),
		Memory:          env.String("ESMDA_K8S_MEMORY", ""),
		TTLSeconds:      int32(ttl),
		DeadlineSeconds: int64(deadline),
	}, nil
}

type jobsAPI interface {
	Namespace() string
	CreateJob(ctx context.Context, namespace string, job k8s.Job) error
	GetJob(ctx context.Context, namespace, name string) (k8s.Job, error)
	DeleteJob(ctx context.Context, namespace, name string) error
}

// KubernetesBackend runs each forward model as a batch/v1 Job. The job name
// is the handle.
type KubernetesBackend struct {
	client jobsAPI
	cfg    KubernetesConfig
}

func NewKubernetesBackend(client *k8s.Client, cfg KubernetesConfig) (*KubernetesBackend, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	return newKubernetesBackend(client, cfg)
}

func newKubernetesBackend(client jobsAPI, cfg KubernetesConfig) (*KubernetesBackend, error) {
	cfg.Namespace = strings.TrimSpace(cfg.Namespace)
	if cfg.Namespace == "" {
		cfg.Namespace = strings.TrimSpace(client.Namespace())
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("%w: kubernetes namespace is required", domain.ErrConfiguration)
	}
	cfg.Image = strings.TrimSpace(cfg.Image)
	if cfg.Image == "" {
		return nil, fmt.Errorf("%w: kubernetes job image is required", domain.ErrConfiguration)
	}
	return &KubernetesBackend{client: client, cfg: cfg}, nil
}

func (b *KubernetesBackend) Kind() string {
	return "kubernetes"
}

func (b *KubernetesBackend) Submit(ctx context.Context, job queue.Job) (string, error) {
	if job.Kind == domain.JobKindInternal {
		return "", fmt.Errorf("%w: internal jobs cannot run as kubernetes jobs", domain.ErrConfiguration)
	}
	name := fmt.Sprintf("esmda-i%d-r%d-%s", job.Iteration, job.Realization, uuid.NewString()[:8])
	labels := map[string]string{
		"app.kubernetes.io/name":      "esmda",
		"app.kubernetes.io/component": "forward-model",
		"esmda.iteration":             strconv.Itoa(job.Iteration),
		"esmda.realization":           strconv.Itoa(job.Realization),
	}

	container := k8s.Container{Name: "forward-model", Image: b.cfg.Image}
	switch job.Kind {
	case domain.JobKindInternalScript:
		container.Command = []string{"sh", "-c", job.Command, jobName(job)}
		container.Args = append([]string(nil), job.Args...)
	default:
		container.Command = []string{job.Command}
		container.Args = append([]string(nil), job.Args...)
	}
	for _, kv := range jobEnv(job) {
		key, value, _ := strings.Cut(kv, "=")
		container.Env = append(container.Env, k8s.EnvVar{Name: key, Value: value})
	}
	if cpu := strings.TrimSpace(b.cfg.CPU); cpu != "" {
		setRequest(&container, "cpu", cpu)
	}
	if mem := strings.TrimSpace(b.cfg.Memory); mem != "" {
		setRequest(&container, "memory", mem)
	}

	podSpec := k8s.PodSpec{RestartPolicy: "Never", Containers: []k8s.Container{container}}
	if sa := strings.TrimSpace(b.cfg.ServiceAccount); sa != "" {
		podSpec.ServiceAccountName = sa
	}
	backoff := int32(0)
	spec := k8s.JobSpec{
		BackoffLimit: &backoff,
		Template: k8s.PodTemplateSpec{
			Metadata: k8s.ObjectMeta{Labels: labels},
			Spec:     podSpec,
		},
	}
	if b.cfg.TTLSeconds > 0 {
		ttl := b.cfg.TTLSeconds
		spec.TTLSecondsAfterFinished = &ttl
	}
	if b.cfg.DeadlineSeconds > 0 {
		deadline := b.cfg.DeadlineSeconds
		spec.ActiveDeadlineSeconds = &deadline
	}

	err := b.client.CreateJob(ctx, b.cfg.Namespace, k8s.Job{
		Metadata: k8s.ObjectMeta{Name: name, Namespace: b.cfg.Namespace, Labels: labels},
		Spec:     spec,
	})
	if err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
		return "", b.classify("create job", err)
	}
	return name, nil
}

func setRequest(container *k8s.Container, resource, value string) {
	if container.Resources.Requests == nil {
		container.Resources.Requests = map[string]string{}
	}
	container.Resources.Requests[resource] = value
}

func (b *KubernetesBackend) Status(ctx context.Context, handle string) (domain.JobStatus, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return "", errors.New("k8s job name is required")
	}
	job, err := b.client.GetJob(ctx, b.cfg.Namespace, handle)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return domain.JobPending, nil
		}
		return "", b.classify("get job", err)
	}
	switch {
	case hasCondition(job, "Failed"):
		return domain.JobFailed, nil
	case hasCondition(job, "Complete"):
		return domain.JobSuccess, nil
	case job.Status.Active > 0:
		return domain.JobRunning, nil
	default:
		return domain.JobPending, nil
	}
}

func hasCondition(job k8s.Job, conditionType string) bool {
	_, ok := job.Condition(conditionType)
	return ok
}

func (b *KubernetesBackend) Kill(ctx context.Context, handle string) error {
	err := b.client.DeleteJob(ctx, b.cfg.Namespace, handle)
	if err == nil || errors.Is(err, k8s.ErrNotFound) {
		return nil
	}
	return b.classify("delete job", err)
}

// classify maps API server outages to ErrQueueUnavailable.
func (b *KubernetesBackend) classify(op string, err error) error {
	var apiErr *k8s.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 500 {
		return fmt.Errorf("%w: kubernetes %s: %v", domain.ErrQueueUnavailable, op, err)
	}
	if errors.Is(err, k8s.ErrUnauthorized) || errors.Is(err, k8s.ErrForbidden) {
		return fmt.Errorf("%w: kubernetes %s: %v", domain.ErrQueueUnavailable, op, err)
	}
	return fmt.Errorf("kubernetes %s: %w", op, err)
}
