package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/animus-labs/esmda-go/internal/casestore"
	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/iteration"
)

type staticEngine bool

func (e staticEngine) Update(context.Context, iteration.UpdateRequest) (bool, error) {
	return bool(e), nil
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Resolve("STD_ENKF"); err == nil || !strings.Contains(err.Error(), "no analysis modules configured") {
		t.Fatalf("expected empty registry error, got %v", err)
	}
	if err := reg.Register("std_enkf", staticEngine(true)); err != nil {
		t.Fatalf("Register() err=%v", err)
	}
	if err := reg.Register(" STD_ENKF ", staticEngine(false)); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if err := reg.Register("", staticEngine(true)); err == nil {
		t.Fatalf("expected blank name to fail")
	}
	engine, err := reg.Resolve("Std_EnKF")
	if err != nil || engine == nil {
		t.Fatalf("Resolve() engine=%v err=%v", engine, err)
	}
	if _, err := reg.Resolve("IES_ENKF"); err == nil || !strings.Contains(err.Error(), `unknown analysis module "IES_ENKF"`) {
		t.Fatalf("unexpected error %v", err)
	}
	if got := reg.Names(); len(got) != 1 || got[0] != "STD_ENKF" {
		t.Fatalf("Names()=%v", got)
	}
}

func seededStore(t *testing.T) (*casestore.Memory, domain.Snapshot, domain.Snapshot) {
	t.Helper()
	ctx := context.Background()
	store := casestore.NewMemory()
	source, _ := store.GetSnapshot(ctx, "iter_0")
	target, _ := store.GetSnapshot(ctx, "iter_1")
	for r := 0; r < 3; r++ {
		data := domain.RealizationData{Realization: r, Parameters: []float64{float64(r) + 0.5}, Results: []float64{1}}
		if err := store.SaveRealization(ctx, source, data); err != nil {
			t.Fatalf("SaveRealization() err=%v", err)
		}
	}
	return store, source, target
}

func TestCopyModuleCopiesSuccessfulRealizations(t *testing.T) {
	ctx := context.Background()
	store, source, target := seededStore(t)
	module, err := NewCopyModule(store)
	if err != nil {
		t.Fatalf("NewCopyModule() err=%v", err)
	}
	ok, err := module.Update(ctx, iteration.UpdateRequest{Source: source, Target: target, Weight: 2, Active: []bool{true, false, true}})
	if err != nil || !ok {
		t.Fatalf("Update()=%v err=%v", ok, err)
	}
	got, _ := store.LoadRealizations(ctx, target, nil)
	if len(got) != 2 || got[0].Realization != 0 || got[1].Realization != 2 || got[1].Parameters[0] != 2.5 {
		t.Fatalf("unexpected target data %+v", got)
	}
	if len(got[0].Results) != 0 {
		t.Fatalf("target must not inherit results, got %+v", got[0])
	}
	if err := store.SaveRealization(ctx, source, domain.RealizationData{Realization: 0}); !errors.Is(err, casestore.ErrSealed) {
		t.Fatalf("source must be sealed after update, got %v", err)
	}
}

func TestCopyModuleWithoutSurvivors(t *testing.T) {
	ctx := context.Background()
	store, source, target := seededStore(t)
	module, _ := NewCopyModule(store)
	ok, err := module.Update(ctx, iteration.UpdateRequest{Source: source, Target: target, Active: []bool{false, false, false}})
	if err != nil || !ok {
		t.Fatalf("Update()=%v err=%v", ok, err)
	}
	if got, _ := store.LoadRealizations(ctx, target, nil); len(got) != 0 {
		t.Fatalf("expected empty target, got %+v", got)
	}
}

type failingSealer struct{ CaseData }

func (failingSealer) Seal(context.Context, domain.Snapshot) error { return errors.New("read only") }

func TestCopyModuleSealFailure(t *testing.T) {
	store, source, target := seededStore(t)
	module, _ := NewCopyModule(failingSealer{store})
	if _, err := module.Update(context.Background(), iteration.UpdateRequest{Source: source, Target: target}); err == nil || !strings.Contains(err.Error(), "read only") {
		t.Fatalf("expected seal error, got %v", err)
	}
}

func TestExternalModule(t *testing.T) {
	ctx := context.Background()
	store, source, target := seededStore(t)
	script := `test "$ESMDA_SOURCE" = iter_0 && test "$ESMDA_TARGET" = iter_1 && test "$ESMDA_WEIGHT" = 1.5 && test "$ESMDA_ACTIVE" = 0,2`
	module, err := NewExternalModule("sh", []string{"-c", script}, store)
	if err != nil {
		t.Fatalf("NewExternalModule() err=%v", err)
	}
	req := iteration.UpdateRequest{Source: source, Target: target, Weight: 1.5, Iteration: 0, Active: []bool{true, false, true}}
	if ok, err := module.Update(ctx, req); err != nil || !ok {
		t.Fatalf("Update()=%v err=%v", ok, err)
	}

	failing, _ := NewExternalModule("sh", []string{"-c", "exit 4"}, nil)
	if ok, err := failing.Update(ctx, req); err != nil || ok {
		t.Fatalf("non-zero exit must report failure without error, got %v %v", ok, err)
	}
	missing, _ := NewExternalModule("/nonexistent/esmda-update", nil, nil)
	if _, err := missing.Update(ctx, req); err == nil {
		t.Fatalf("expected error for missing executable")
	}
	if _, err := NewExternalModule("  ", nil, nil); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
