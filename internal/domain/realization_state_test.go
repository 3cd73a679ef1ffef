package domain

import (
	"errors"
	"testing"
)

func TestCanTransitionRealizationState(t *testing.T) {
	tests := []struct {
		name    string
		current RealizationState
		next    RealizationState
		want    bool
	}{
		{name: "undefined to initialized", current: RealizationUndefined, next: RealizationInitialized, want: true},
		{name: "initialized to submitted", current: RealizationInitialized, next: RealizationSubmitted, want: true},
		{name: "submitted to waiting", current: RealizationSubmitted, next: RealizationWaiting, want: true},
		{name: "waiting to submitted", current: RealizationWaiting, next: RealizationSubmitted, want: true},
		{name: "waiting to running", current: RealizationWaiting, next: RealizationRunning, want: true},
		{name: "running to success", current: RealizationRunning, next: RealizationSuccess, want: true},
		{name: "submitted to failed", current: RealizationSubmitted, next: RealizationFailed, want: true},
		{name: "initialized to success skips forward", current: RealizationInitialized, next: RealizationSuccess, want: true},
		{name: "submitted twice", current: RealizationSubmitted, next: RealizationSubmitted, want: false},
		{name: "running back to submitted", current: RealizationRunning, next: RealizationSubmitted, want: false},
		{name: "success to failed", current: RealizationSuccess, next: RealizationFailed, want: false},
		{name: "failed to running", current: RealizationFailed, next: RealizationRunning, want: false},
		{name: "empty current", current: "", next: RealizationRunning, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransitionRealizationState(tt.current, tt.next); got != tt.want {
				t.Fatalf("CanTransitionRealizationState(%s, %s)=%v, want %v", tt.current, tt.next, got, tt.want)
			}
		})
	}
}

func TestInsufficientRealizationsErrorMessages(t *testing.T) {
	err := error(&InsufficientRealizationsError{Successful: 0, Required: 5})
	if err.Error() != "all realizations failed" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, ErrInsufficientRealizations) {
		t.Fatalf("expected sentinel match")
	}
	err = &InsufficientRealizationsError{Successful: 4, Required: 5}
	if err.Error() != "successful realizations (4) below required minimum (5)" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestConfigErrorOrNil(t *testing.T) {
	issues := &ConfigError{}
	if issues.OrNil() != nil {
		t.Fatalf("expected nil for empty issues")
	}
	issues.Add("  ")
	issues.Addf("weights %s", "missing")
	err := issues.OrNil()
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration sentinel")
	}
	if len(issues.Issues) != 1 {
		t.Fatalf("expected blank issue to be dropped, got %v", issues.Issues)
	}
}

func TestParseJobKind(t *testing.T) {
	for input, want := range map[string]JobKind{
		"":                JobKindInternal,
		"function":        JobKindInternal,
		"internal_script": JobKindInternalScript,
		"EXTERNAL":        JobKindExternal,
	} {
		got, err := ParseJobKind(input)
		if err != nil {
			t.Fatalf("ParseJobKind(%q) err=%v", input, err)
		}
		if got != want {
			t.Fatalf("ParseJobKind(%q)=%s, want %s", input, got, want)
		}
	}
	if _, err := ParseJobKind("lsf"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
