package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/esmda-go/internal/casestore"
	"github.com/animus-labs/esmda-go/internal/platform/sqldb"
)

func TestWeightsCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"weights", "4"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	got := out.String()
	for _, want := range []string{"iterations: 1", "simulations: 2", "weights: 1\n"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output %q missing %q", got, want)
		}
	}
}

func TestWeightsCommandRejectsGarbage(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"weights", "1,x"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func writeRunFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "run.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write run file: %v", err)
	}
	return path
}

func TestRunOnceAgainstSQLite(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ESMDA_DB_DRIVER", "sqlite")
	t.Setenv("ESMDA_DB_URL", filepath.Join(dir, "esmda.db"))
	t.Setenv("ESMDA_ARCHIVE_ENABLED", "false")

	path := writeRunFile(t, dir, `
ensemble_size: 3
weights: "2,1"
target_case_format: "iter_%d"
analysis_module: copy
queue:
  poll_interval: 5ms
job:
  kind: internal_script
  command: "test -n \"$ESMDA_SNAPSHOT\""
hooks:
  post_simulation: "echo $ESMDA_ITERATION >> hooks.log"
`)
	logger := slog.New(slog.DiscardHandler)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runOnce(ctx, logger, path, time.Second); err != nil {
		t.Fatalf("runOnce() err=%v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "hooks.log"))
	if err != nil {
		t.Fatalf("read hooks log: %v", err)
	}
	if strings.Join(strings.Fields(string(raw)), ",") != "0,1,2" {
		t.Fatalf("post simulation hook ran for %q", raw)
	}
}

func TestRunOnceStoresForwardModelResults(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "esmda.db")
	t.Setenv("ESMDA_DB_DRIVER", "sqlite")
	t.Setenv("ESMDA_DB_URL", dbPath)
	t.Setenv("ESMDA_ARCHIVE_ENABLED", "false")

	path := writeRunFile(t, dir, `
ensemble_size: 3
weights: "1"
target_case_format: "res_%d"
analysis_module: copy
queue:
  poll_interval: 5ms
job:
  kind: internal_script
  command: |
    printf '{"parameters":[%s],"results":[%s]}' "$ESMDA_REALIZATION" "$ESMDA_ITERATION" > "$ESMDA_RESULT_FILE"
`)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runOnce(ctx, slog.New(slog.DiscardHandler), path, time.Second); err != nil {
		t.Fatalf("runOnce() err=%v", err)
	}

	db, err := sqldb.Open(ctx, sqldb.Config{Dialect: sqldb.SQLite, URL: dbPath, PingTimeout: time.Second, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = db.Close() }()
	store := casestore.NewSQLStore(db, sqldb.SQLite)
	for iter, name := range []string{"res_0", "res_1"} {
		snap, err := store.GetSnapshot(ctx, name)
		if err != nil {
			t.Fatalf("GetSnapshot(%s) err=%v", name, err)
		}
		data, err := store.LoadRealizations(ctx, snap, nil)
		if err != nil {
			t.Fatalf("LoadRealizations(%s) err=%v", name, err)
		}
		if len(data) != 3 {
			t.Fatalf("%s holds %d realizations, want 3", name, len(data))
		}
		for _, d := range data {
			if len(d.Parameters) != 1 || d.Parameters[0] != float64(d.Realization) || len(d.Results) != 1 || d.Results[0] != float64(iter) {
				t.Fatalf("%s: unexpected realization data %+v", name, d)
			}
		}
	}
}

func TestRunOnceReportsFailure(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ESMDA_DB_DRIVER", "sqlite")
	t.Setenv("ESMDA_DB_URL", filepath.Join(dir, "esmda.db"))

	path := writeRunFile(t, dir, `
ensemble_size: 2
weights: "1"
target_case_format: "case_%d"
analysis_module: COPY
queue:
  poll_interval: 5ms
job:
  kind: external
  command: "false"
`)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := runOnce(ctx, slog.New(slog.DiscardHandler), path, time.Second)
	if err == nil || !strings.Contains(err.Error(), "all realizations failed") {
		t.Fatalf("expected failed run, got %v", err)
	}
}
