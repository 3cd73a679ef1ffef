package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration            = errors.New("configuration error")
	ErrAlreadyRunning           = errors.New("run already in progress")
	ErrNotRunning               = errors.New("no run in progress")
	ErrQueueFull                = errors.New("job queue full")
	ErrQueueUnavailable         = errors.New("job queue unavailable")
	ErrQueueNotStarted          = errors.New("job queue not started")
	ErrInvalidTransition        = errors.New("invalid realization state transition")
	ErrInsufficientRealizations = errors.New("insufficient realizations")
	ErrAnalysisFailed           = errors.New("analysis failed")
	ErrNotFound                 = errors.New("not found")
)

// ConfigError aggregates caller-supplied configuration issues.
type ConfigError struct {
	Issues []string
}

func (e *ConfigError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid run configuration"
	}
	return "invalid run configuration: " + strings.Join(e.Issues, "; ")
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

func (e *ConfigError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ConfigError) Addf(format string, args ...any) {
	e.Add(fmt.Sprintf(format, args...))
}

func (e *ConfigError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// InvalidTransitionError reports an out-of-order realization state change.
type InvalidTransitionError struct {
	Realization int
	From        RealizationState
	To          RealizationState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("realization %d: cannot transition from %s to %s", e.Realization, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// InsufficientRealizationsError is returned when too few realizations succeeded in a batch.
type InsufficientRealizationsError struct {
	Successful int
	Required   int
}

func (e *InsufficientRealizationsError) AllFailed() bool {
	return e.Successful == 0
}

func (e *InsufficientRealizationsError) Error() string {
	if e.AllFailed() {
		return "all realizations failed"
	}
	return fmt.Sprintf("successful realizations (%d) below required minimum (%d)", e.Successful, e.Required)
}

func (e *InsufficientRealizationsError) Unwrap() error {
	return ErrInsufficientRealizations
}
