// Package api exposes the run controller over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/animus-labs/esmda-go/internal/config"
	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/run"
	"github.com/animus-labs/esmda-go/internal/platform/auth"
	"github.com/animus-labs/esmda-go/internal/platform/httpserver"
	"github.com/animus-labs/esmda-go/internal/platform/metrics"
)

const maxRunFileBytes = 1 << 20

// Runs is the run controller surface served by the API.
type Runs interface {
	Start(ctx context.Context, args run.Arguments) error
	RunID() string
	IsFinished() bool
	IsIndeterminate() bool
	Progress() float64
	PhaseName() string
	QueueStatus() domain.QueueStatus
	KillAllSimulations() bool
	HasRunFailed() bool
	FailMessage() string
	Outcome() domain.RunOutcome
	RunningTime() time.Duration
}

type Snapshots interface {
	ListSnapshots(ctx context.Context) ([]domain.Snapshot, error)
}

type API struct {
	runs      Runs
	snapshots Snapshots
	logger    *slog.Logger
	service   string
	checks    []httpserver.ReadinessCheck
	authn     auth.Authenticator
}

func New(service string, runs Runs, snapshots Snapshots, logger *slog.Logger, checks ...httpserver.ReadinessCheck) *API {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &API{runs: runs, snapshots: snapshots, logger: logger, service: service, checks: checks}
}

// WithAuth protects every route except the health checks and /metrics.
func (api *API) WithAuth(authn auth.Authenticator) *API {
	api.authn = authn
	return api
}

func (api *API) Handler() http.Handler {
	runs := http.NewServeMux()
	runs.HandleFunc("POST /runs", api.handleStartRun)
	runs.HandleFunc("GET /runs/current", api.handleGetCurrentRun)
	runs.HandleFunc("POST /runs/current/kill", api.handleKillRun)
	runs.HandleFunc("GET /snapshots", api.handleListSnapshots)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(api.service))
	mux.HandleFunc("GET /readyz", httpserver.Readyz(api.service, api.checks...))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("/", auth.Middleware(api.authn, runs))
	return httpserver.Wrap(api.logger, mux)
}

type runStatus struct {
	RunID         string             `json:"run_id"`
	Finished      bool               `json:"finished"`
	Indeterminate bool               `json:"indeterminate"`
	Progress      float64            `json:"progress"`
	Phase         string             `json:"phase"`
	Queue         domain.QueueStatus `json:"queue"`
	Outcome       string             `json:"outcome,omitempty"`
	Failed        bool               `json:"failed"`
	FailMessage   string             `json:"fail_message,omitempty"`
	RunningTimeMs int64              `json:"running_time_ms"`
}

func (api *API) status() runStatus {
	outcome := api.runs.Outcome()
	return runStatus{
		RunID:         api.runs.RunID(),
		Finished:      api.runs.IsFinished(),
		Indeterminate: api.runs.IsIndeterminate(),
		Progress:      api.runs.Progress(),
		Phase:         api.runs.PhaseName(),
		Queue:         api.runs.QueueStatus(),
		Outcome:       string(outcome.Kind),
		Failed:        api.runs.HasRunFailed(),
		FailMessage:   api.runs.FailMessage(),
		RunningTimeMs: api.runs.RunningTime().Milliseconds(),
	}
}

// handleStartRun accepts a run file (YAML or JSON) as the request body.
func (api *API) handleStartRun(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRunFileBytes+1))
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(raw) > maxRunFileBytes {
		httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "run_file_too_large", "")
		return
	}
	rf, err := config.ParseRunFile(raw)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_run_file", err.Error())
		return
	}
	args, err := rf.Arguments()
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_run_file", err.Error())
		return
	}

	if err := api.runs.Start(r.Context(), args); err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyRunning):
			httpserver.WriteError(w, r, http.StatusConflict, "run_in_progress", err.Error())
		case errors.Is(err, domain.ErrConfiguration):
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_run_configuration", err.Error())
		default:
			api.logger.Error("start run failed", "error", err)
			httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
		}
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, api.status())
}

func (api *API) handleGetCurrentRun(w http.ResponseWriter, r *http.Request) {
	if api.runs.RunID() == "" {
		httpserver.WriteError(w, r, http.StatusNotFound, "no_run", "")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, api.status())
}

func (api *API) handleKillRun(w http.ResponseWriter, r *http.Request) {
	if !api.runs.KillAllSimulations() {
		httpserver.WriteError(w, r, http.StatusConflict, "not_running", domain.ErrNotRunning.Error())
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, api.status())
}

func (api *API) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if api.snapshots == nil {
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"snapshots": []domain.Snapshot{}})
		return
	}
	snaps, err := api.snapshots.ListSnapshots(r.Context())
	if err != nil {
		api.logger.Error("list snapshots failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
		return
	}
	if snaps == nil {
		snaps = []domain.Snapshot{}
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}
