package k8s

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientJobLifecycle(t *testing.T) {
	var created Job
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization=%q", got)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/apis/batch/v1/namespaces/sim/jobs":
			if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
				t.Errorf("decode job: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		case r.Method == http.MethodGet && r.URL.Path == "/apis/batch/v1/namespaces/sim/jobs/a":
			_ = json.NewEncoder(w).Encode(Job{Status: JobStatus{Conditions: []JobCondition{{Type: "Complete", Status: "True"}}}})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/", "tok", "sim", srv.Client())
	if err != nil {
		t.Fatalf("NewClient() err=%v", err)
	}
	ctx := context.Background()
	if err := client.CreateJob(ctx, "", Job{Metadata: ObjectMeta{Name: "a"}}); err != nil {
		t.Fatalf("CreateJob() err=%v", err)
	}
	if created.Kind != "Job" || created.APIVersion != "batch/v1" || created.Metadata.Namespace != "sim" {
		t.Fatalf("unexpected job body %+v", created)
	}
	job, err := client.GetJob(ctx, "sim", "a")
	if err != nil {
		t.Fatalf("GetJob() err=%v", err)
	}
	if _, ok := job.Condition("Complete"); !ok {
		t.Fatalf("expected Complete condition")
	}
	if err := client.DeleteJob(ctx, "", "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = client.GetJob(ctx, "other", "b")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(" ", "", "", nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
