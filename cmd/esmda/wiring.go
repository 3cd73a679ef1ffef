package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/esmda-go/internal/analysis"
	"github.com/animus-labs/esmda-go/internal/casestore"
	"github.com/animus-labs/esmda-go/internal/config"
	"github.com/animus-labs/esmda-go/internal/ensemble/iteration"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
	"github.com/animus-labs/esmda-go/internal/ensemble/run"
	"github.com/animus-labs/esmda-go/internal/platform/auditlog"
	"github.com/animus-labs/esmda-go/internal/platform/env"
	"github.com/animus-labs/esmda-go/internal/platform/httpserver"
	"github.com/animus-labs/esmda-go/internal/platform/k8s"
	"github.com/animus-labs/esmda-go/internal/platform/objectstore"
	"github.com/animus-labs/esmda-go/internal/platform/sqldb"
	"github.com/animus-labs/esmda-go/internal/runtimeexec"
)

// stack is the storage side of a process: case store, event log and the
// optional snapshot archive.
type stack struct {
	db     *sql.DB
	store  casestore.Store
	events run.EventSink
	checks []httpserver.ReadinessCheck
}

func (s *stack) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func openStack(ctx context.Context, logger *slog.Logger) (*stack, error) {
	dbCfg, err := sqldb.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	db, err := sqldb.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("database unavailable: %w", err)
	}
	s := &stack{db: db}

	sqlStore := casestore.NewSQLStore(db, dbCfg.Dialect)
	if err := sqlStore.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := auditlog.EnsureSchema(ctx, db, dbCfg.Dialect); err != nil {
		s.Close()
		return nil, err
	}
	s.store = sqlStore
	s.events = &auditlog.Recorder{DB: db, Dialect: dbCfg.Dialect, Actor: env.String("ESMDA_ACTOR", "esmda")}
	s.checks = append(s.checks, httpserver.ReadinessCheck{Name: "database", Check: db.PingContext})

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("invalid object store config: %w", err)
	}
	if storeCfg.Enabled {
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("object store client init failed: %w", err)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = objectstore.EnsureBucket(startupCtx, client, storeCfg)
		cancel()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("object store unavailable: %w", err)
		}
		objects, err := casestore.NewMinioObjects(client)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.store = casestore.NewArchive(sqlStore, objects, storeCfg.Bucket, storeCfg.Prefix, logger)
		s.checks = append(s.checks, httpserver.ReadinessCheck{
			Name:  "object_store",
			Check: func(ctx context.Context) error { return objectstore.CheckBucket(ctx, client, storeCfg) },
		})
	}
	logger.Info("case store ready", "driver", string(dbCfg.Dialect), "archive", storeCfg.Enabled)
	return s, nil
}

type backendSettings struct {
	docker     runtimeexec.DockerConfig
	kubernetes runtimeexec.KubernetesConfig
	// workDir and results only apply to the local backend.
	workDir string
	results runtimeexec.RealizationSink
}

func newBackend(name string, settings backendSettings, logger *slog.Logger) (queue.Backend, func(), error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", config.BackendLocal:
		runner := runtimeexec.NewProcessKindRunner(nil)
		runner.WorkDir = settings.workDir
		runner.Results = settings.results
		if err := runtimeexec.RegisterBuiltins(runner); err != nil {
			return nil, nil, err
		}
		backend, err := runtimeexec.NewLocalBackend(runner, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend, backend.Close, nil
	case config.BackendDocker:
		backend, err := runtimeexec.NewDockerBackend(settings.docker)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() {}, nil
	case config.BackendKubernetes:
		client, err := k8s.NewInClusterClient()
		if err != nil {
			return nil, nil, err
		}
		backend, err := runtimeexec.NewKubernetesBackend(client, settings.kubernetes)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue backend %q", name)
	}
}

// newAnalysis registers COPY always and EXTERNAL when a command is configured.
func newAnalysis(store casestore.Store, section config.AnalysisSection) (*analysis.Registry, error) {
	reg := analysis.NewRegistry()
	copyModule, err := analysis.NewCopyModule(store)
	if err != nil {
		return nil, err
	}
	if err := reg.Register("COPY", copyModule); err != nil {
		return nil, err
	}
	if strings.TrimSpace(section.Command) != "" {
		external, err := analysis.NewExternalModule(section.Command, section.Args, store)
		if err != nil {
			return nil, err
		}
		if err := reg.Register("EXTERNAL", external); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func newHooks(section config.HookSection, workDir string) iteration.Hooks {
	return iteration.Hooks{
		PreSimulation:  runtimeexec.ShellHook(section.PreSimulation, workDir),
		PostSimulation: runtimeexec.ShellHook(section.PostSimulation, workDir),
	}
}

func newController(st *stack, backend queue.Backend, opts queue.Options, reg *analysis.Registry, hooks iteration.Hooks, logger *slog.Logger) (*run.Controller, error) {
	opts.Logger = logger
	return run.NewController(run.Dependencies{
		Store:    st.store,
		NewQueue: func() run.Queue { return queue.NewManager(backend, opts) },
		Analysis: reg,
		Hooks:    hooks,
		Events:   st.events,
		Logger:   logger,
	})
}
