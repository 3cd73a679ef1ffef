package runtimeexec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
	"github.com/animus-labs/esmda-go/internal/platform/k8s"
)

type fakeCluster struct {
	mu      sync.Mutex
	jobs    map[string]k8s.Job
	deleted []string
	down    bool
}

func (c *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	const prefix = "/apis/batch/v1/namespaces/sim/jobs"
	name := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")
	switch r.Method {
	case http.MethodPost:
		var job k8s.Job
		_ = json.NewDecoder(r.Body).Decode(&job)
		c.jobs[job.Metadata.Name] = job
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		job, ok := c.jobs[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(job)
	case http.MethodDelete:
		c.deleted = append(c.deleted, name)
		delete(c.jobs, name)
		w.WriteHeader(http.StatusOK)
	}
}

func (c *fakeCluster) set(name string, status k8s.JobStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job := c.jobs[name]
	job.Status = status
	c.jobs[name] = job
}

func newTestKubernetesBackend(t *testing.T, cluster *fakeCluster) *KubernetesBackend {
	t.Helper()
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)
	client, err := k8s.NewClient(srv.URL, "tok", "sim", srv.Client())
	if err != nil {
		t.Fatalf("NewClient() err=%v", err)
	}
	backend, err := NewKubernetesBackend(client, KubernetesConfig{Image: "forward:1", CPU: "500m", TTLSeconds: 60})
	if err != nil {
		t.Fatalf("NewKubernetesBackend() err=%v", err)
	}
	return backend
}

func TestKubernetesBackendLifecycle(t *testing.T) {
	cluster := &fakeCluster{jobs: map[string]k8s.Job{}}
	backend := newTestKubernetesBackend(t, cluster)
	ctx := context.Background()

	handle, err := backend.Submit(ctx, queue.Job{
		ID: "j1", Realization: 2, Iteration: 1,
		Snapshot: domain.Snapshot{Name: "iter_1"},
		Kind:     domain.JobKindInternalScript,
		Command:  "run.sh",
		Env:      map[string]string{"CASE": "x"},
	})
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if !strings.HasPrefix(handle, "esmda-i1-r2-") {
		t.Fatalf("unexpected handle %q", handle)
	}
	job := cluster.jobs[handle]
	container := job.Spec.Template.Spec.Containers[0]
	if container.Image != "forward:1" || container.Command[0] != "sh" || container.Resources.Requests["cpu"] != "500m" {
		t.Fatalf("unexpected container %+v", container)
	}
	if container.Env[0].Name != EnvRealization || container.Env[0].Value != "2" || container.Env[len(container.Env)-1].Name != "CASE" {
		t.Fatalf("unexpected env %+v", container.Env)
	}
	if job.Spec.TTLSecondsAfterFinished == nil || *job.Spec.TTLSecondsAfterFinished != 60 || *job.Spec.BackoffLimit != 0 {
		t.Fatalf("unexpected job spec %+v", job.Spec)
	}

	steps := []struct {
		status k8s.JobStatus
		want   domain.JobStatus
	}{
		{k8s.JobStatus{}, domain.JobPending},
		{k8s.JobStatus{Active: 1}, domain.JobRunning},
		{k8s.JobStatus{Conditions: []k8s.JobCondition{{Type: "Complete", Status: "True"}}}, domain.JobSuccess},
		{k8s.JobStatus{Conditions: []k8s.JobCondition{{Type: "Failed", Status: "True"}}}, domain.JobFailed},
	}
	for _, step := range steps {
		cluster.set(handle, step.status)
		got, err := backend.Status(ctx, handle)
		if err != nil || got != step.want {
			t.Fatalf("Status()=%s err=%v, want %s", got, err, step.want)
		}
	}

	if err := backend.Kill(ctx, handle); err != nil {
		t.Fatalf("Kill() err=%v", err)
	}
	if got, _ := backend.Status(ctx, handle); got != domain.JobPending {
		t.Fatalf("deleted job should read as pending, got %s", got)
	}
}

func TestKubernetesBackendRejectsInternalJobs(t *testing.T) {
	backend := newTestKubernetesBackend(t, &fakeCluster{jobs: map[string]k8s.Job{}})
	_, err := backend.Submit(context.Background(), queue.Job{Kind: domain.JobKindInternal})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestKubernetesBackendReportsOutage(t *testing.T) {
	cluster := &fakeCluster{jobs: map[string]k8s.Job{}, down: true}
	backend := newTestKubernetesBackend(t, cluster)
	_, err := backend.Submit(context.Background(), queue.Job{Kind: domain.JobKindExternal, Command: "/bin/true"})
	if !errors.Is(err, domain.ErrQueueUnavailable) {
		t.Fatalf("expected queue unavailable, got %v", err)
	}
}

func TestNewKubernetesBackendRequiresImage(t *testing.T) {
	client, _ := k8s.NewClient("http://127.0.0.1:1", "", "sim", nil)
	if _, err := NewKubernetesBackend(client, KubernetesConfig{}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
