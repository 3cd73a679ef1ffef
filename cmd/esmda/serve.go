package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/animus-labs/esmda-go/internal/api"
	"github.com/animus-labs/esmda-go/internal/config"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
	"github.com/animus-labs/esmda-go/internal/platform/auth"
	"github.com/animus-labs/esmda-go/internal/platform/env"
	"github.com/animus-labs/esmda-go/internal/platform/httpserver"
	"github.com/animus-labs/esmda-go/internal/runtimeexec"
)

const serviceName = "esmda"

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the run control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts.logger())
		},
	}
}

func serve(ctx context.Context, logger *slog.Logger) error {
	httpCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		return err
	}
	queueOpts, err := queue.OptionsFromEnv()
	if err != nil {
		return err
	}
	docker, err := runtimeexec.DockerConfigFromEnv()
	if err != nil {
		return err
	}
	kubernetes, err := runtimeexec.KubernetesConfigFromEnv()
	if err != nil {
		return err
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return err
	}

	st, err := openStack(ctx, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	backend, closeBackend, err := newBackend(env.String("ESMDA_QUEUE_BACKEND", config.BackendLocal), backendSettings{
		docker:     docker,
		kubernetes: kubernetes,
		workDir:    env.String("ESMDA_WORK_DIR", ""),
		results:    st.store,
	}, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	reg, err := newAnalysis(st.store, config.AnalysisSection{
		Command: env.String("ESMDA_ANALYSIS_COMMAND", ""),
		Args:    env.List("ESMDA_ANALYSIS_ARGS", nil),
	})
	if err != nil {
		return err
	}
	hooks := newHooks(config.HookSection{
		PreSimulation:  env.String("ESMDA_HOOK_PRE_SIMULATION", ""),
		PostSimulation: env.String("ESMDA_HOOK_POST_SIMULATION", ""),
	}, env.String("ESMDA_WORK_DIR", ""))

	ctrl, err := newController(st, backend, queueOpts, reg, hooks, logger)
	if err != nil {
		return err
	}
	defer ctrl.KillAllSimulations()

	controlAPI := api.New(serviceName, ctrl, st.store, logger, st.checks...)
	if authCfg.Mode == auth.ModeGateway {
		authn, err := auth.NewGatewayAuthenticator(authCfg)
		if err != nil {
			return err
		}
		controlAPI.WithAuth(authn)
	}
	logger.Info("control api configured", "auth_mode", string(authCfg.Mode), "queue_backend", backend.Kind())
	return httpserver.Run(ctx, logger, httpCfg, controlAPI.Handler())
}
