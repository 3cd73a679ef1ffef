package realization

import (
	"errors"
	"sync"
	"testing"

	"github.com/animus-labs/esmda-go/internal/domain"
)

func TestStateMapLifecycle(t *testing.T) {
	m := NewStateMap("default_0", 4)
	if err := m.SetActive([]bool{true, true, false, true}); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if m.State(2) != domain.RealizationUndefined {
		t.Fatalf("inactive realization should stay undefined, got %s", m.State(2))
	}
	if m.ActiveCount() != 3 {
		t.Fatalf("ActiveCount=%d", m.ActiveCount())
	}

	for _, i := range []int{0, 1, 3} {
		if err := m.RecordSubmission(i); err != nil {
			t.Fatalf("RecordSubmission(%d): %v", i, err)
		}
	}
	if err := m.RecordWaiting(3); err != nil {
		t.Fatalf("RecordWaiting: %v", err)
	}
	for _, i := range []int{0, 1, 3} {
		if err := m.RecordRunning(i); err != nil {
			t.Fatalf("RecordRunning(%d): %v", i, err)
		}
	}
	if m.AllTerminal() {
		t.Fatalf("expected batch still running")
	}
	if err := m.RecordResult(0, true); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if err := m.RecordResult(1, false); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if err := m.RecordResult(3, true); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	if !m.AllTerminal() {
		t.Fatalf("expected batch terminal")
	}
	if m.SuccessCount() != 2 || m.FailureCount() != 1 {
		t.Fatalf("success=%d failure=%d", m.SuccessCount(), m.FailureCount())
	}
	counts := m.CountByState()
	if counts[domain.RealizationSuccess] != 2 || counts[domain.RealizationFailed] != 1 || counts[domain.RealizationUndefined] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
	want := []bool{true, false, false, true}
	got := m.Successful()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Successful()[%d]=%v", i, got[i])
		}
	}
}

func TestStateMapRejectsOutOfOrder(t *testing.T) {
	tests := []struct {
		name string
		run  func(m *StateMap) error
	}{
		{name: "result before submission", run: func(m *StateMap) error { return m.RecordResult(0, true) }},
		{name: "running before submission", run: func(m *StateMap) error { return m.RecordRunning(0) }},
		{name: "submit inactive", run: func(m *StateMap) error { return m.RecordSubmission(1) }},
		{name: "double submission", run: func(m *StateMap) error {
			if err := m.RecordSubmission(0); err != nil {
				return err
			}
			return m.RecordSubmission(0)
		}},
		{name: "result after result", run: func(m *StateMap) error {
			_ = m.RecordSubmission(0)
			_ = m.RecordRunning(0)
			_ = m.RecordResult(0, true)
			return m.RecordResult(0, false)
		}},
		{name: "running after result", run: func(m *StateMap) error {
			_ = m.RecordSubmission(0)
			_ = m.RecordResult(0, false)
			return m.RecordRunning(0)
		}},
		{name: "index out of range", run: func(m *StateMap) error { return m.RecordSubmission(7) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewStateMap("default_0", 2)
			if err := m.SetActive([]bool{true, false}); err != nil {
				t.Fatalf("SetActive: %v", err)
			}
			err := tt.run(m)
			if !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("expected invalid transition, got %v", err)
			}
		})
	}
}

func TestStateMapSetActiveLengthMismatch(t *testing.T) {
	m := NewStateMap("default_0", 3)
	if err := m.SetActive([]bool{true}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestStateMapConcurrentReaders(t *testing.T) {
	const size = 64
	m := NewStateMap("default_0", size)
	mask := make([]bool, size)
	for i := range mask {
		mask[i] = true
	}
	if err := m.SetActive(mask); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	var readers, writers sync.WaitGroup
	done := make(chan struct{})
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-done:
				return
			default:
				_ = m.CountByState()
				_ = m.SuccessCount()
			}
		}
	}()
	for i := 0; i < size; i++ {
		writers.Add(1)
		go func(i int) {
			defer writers.Done()
			_ = m.RecordSubmission(i)
			_ = m.RecordRunning(i)
			_ = m.RecordResult(i, i%2 == 0)
		}(i)
	}
	writers.Wait()
	close(done)
	readers.Wait()
	if !m.AllTerminal() {
		t.Fatalf("expected all realizations terminal")
	}
	if m.SuccessCount() != size/2 || m.FailureCount() != size/2 {
		t.Fatalf("success=%d failure=%d", m.SuccessCount(), m.FailureCount())
	}
}
