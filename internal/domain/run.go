package domain

import (
	"fmt"
	"strings"
	"time"
)

// OutcomeKind classifies how a run terminated.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// RunOutcome is the terminal value of a run. It is produced exactly once per run.
type RunOutcome struct {
	Kind   OutcomeKind
	Reason string
}

func Completed() RunOutcome {
	return RunOutcome{Kind: OutcomeCompleted}
}

func Failed(reason string) RunOutcome {
	return RunOutcome{Kind: OutcomeFailed, Reason: strings.TrimSpace(reason)}
}

func Cancelled() RunOutcome {
	return RunOutcome{Kind: OutcomeCancelled, Reason: "run cancelled by user"}
}

func (o RunOutcome) IsZero() bool {
	return o.Kind == ""
}

func (o RunOutcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s: %s", o.Kind, o.Reason)
}

// QueueStatus is an aggregate snapshot of the job queue.
type QueueStatus struct {
	Running int `json:"running"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Waiting int `json:"waiting"`
	Pending int `json:"pending"`
	Killed  int `json:"killed"`
}

// Total counts every job known to the queue.
func (s QueueStatus) Total() int {
	return s.Running + s.Success + s.Failed + s.Waiting + s.Pending + s.Killed
}

// Terminal counts jobs that will not change state again.
func (s QueueStatus) Terminal() int {
	return s.Success + s.Failed + s.Killed
}

// Snapshot is a named, versioned case in the case store.
type Snapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

func (s Snapshot) IsZero() bool {
	return strings.TrimSpace(s.Name) == ""
}

// RealizationData holds the parameter and result vectors for one realization in one snapshot.
type RealizationData struct {
	Realization int       `json:"realization"`
	Parameters  []float64 `json:"parameters"`
	Results     []float64 `json:"results,omitempty"`
}

// JobStatus is the canonical status reported by a job queue backend.
type JobStatus string

const (
	JobWaiting JobStatus = "waiting"
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
	JobKilled  JobStatus = "killed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobKilled
}

// NormalizeJobStatus maps backend status strings onto JobStatus.
func NormalizeJobStatus(value string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "waiting", "queued", "created":
		return JobWaiting
	case "pending", "submitted":
		return JobPending
	case "running":
		return JobRunning
	case "success", "succeeded", "done":
		return JobSuccess
	case "failed", "exit", "error":
		return JobFailed
	case "killed", "user_killed", "cancelled", "canceled":
		return JobKilled
	default:
		return ""
	}
}

// JobKind selects how a forward model job is executed.
type JobKind int

const (
	JobKindInternal JobKind = iota
	JobKindInternalScript
	JobKindExternal
)

func (k JobKind) String() string {
	switch k {
	case JobKindInternal:
		return "internal"
	case JobKindInternalScript:
		return "internal_script"
	case JobKindExternal:
		return "external"
	default:
		return fmt.Sprintf("job_kind(%d)", int(k))
	}
}

// ParseJobKind parses the textual form used in run files.
func ParseJobKind(value string) (JobKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "internal", "function":
		return JobKindInternal, nil
	case "internal_script", "script":
		return JobKindInternalScript, nil
	case "external", "executable":
		return JobKindExternal, nil
	default:
		return 0, fmt.Errorf("%w: unsupported job kind %q", ErrConfiguration, value)
	}
}
