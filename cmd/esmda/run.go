package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/esmda-go/internal/config"
	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/run"
	"github.com/animus-labs/esmda-go/internal/runtimeexec"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var progressEvery time.Duration
	cmd := &cobra.Command{
		Use:   "run <run-file>",
		Short: "Execute one ES-MDA run described by a YAML run file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), opts.logger(), args[0], progressEvery)
		},
	}
	cmd.Flags().DurationVar(&progressEvery, "progress-interval", 10*time.Second, "how often to log run progress")
	return cmd
}

func runOnce(ctx context.Context, logger *slog.Logger, path string, progressEvery time.Duration) error {
	rf, err := config.LoadRunFile(path)
	if err != nil {
		return err
	}
	args, err := rf.Arguments()
	if err != nil {
		return err
	}

	st, err := openStack(ctx, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	settings := backendSettings{
		docker: runtimeexec.DockerConfig{
			Bin:     rf.Queue.Docker.Bin,
			Image:   rf.Queue.Docker.Image,
			Network: rf.Queue.Docker.Network,
			CPUs:    rf.Queue.Docker.CPUs,
			Memory:  rf.Queue.Docker.Memory,
		},
		kubernetes: runtimeexec.KubernetesConfig{
			Namespace:       rf.Queue.Kubernetes.Namespace,
			Image:           rf.Queue.Kubernetes.Image,
			ServiceAccount:  rf.Queue.Kubernetes.ServiceAccount,
			CPU:             rf.Queue.Kubernetes.CPU,
			Memory:          rf.Queue.Kubernetes.Memory,
			TTLSeconds:      rf.Queue.Kubernetes.TTLSeconds,
			DeadlineSeconds: rf.Queue.Kubernetes.DeadlineSeconds,
		},
		workDir: filepath.Dir(path),
		results: st.store,
	}
	backend, closeBackend, err := newBackend(rf.BackendName(), settings, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	reg, err := newAnalysis(st.store, rf.Analysis)
	if err != nil {
		return err
	}
	ctrl, err := newController(st, backend, rf.QueueOptions(), reg, newHooks(rf.Hooks, filepath.Dir(path)), logger)
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx, args); err != nil {
		return err
	}

	outcome, err := follow(ctx, ctrl, logger, progressEvery)
	if err != nil {
		return err
	}
	logger.Info("run finished", "run_id", ctrl.RunID(), "outcome", string(outcome.Kind), "reason", outcome.Reason, "running_time", ctrl.RunningTime().String())
	switch outcome.Kind {
	case domain.OutcomeCompleted:
		return nil
	case domain.OutcomeCancelled:
		return errors.New(outcome.Reason)
	default:
		return fmt.Errorf("run failed: %s", outcome.Reason)
	}
}

// follow logs progress until the run ends. Cancelling ctx kills the run and
// waits for it to wind down.
func follow(ctx context.Context, ctrl *run.Controller, logger *slog.Logger, every time.Duration) (domain.RunOutcome, error) {
	if every <= 0 {
		every = 10 * time.Second
	}
	done := make(chan struct{})
	var outcome domain.RunOutcome
	var waitErr error
	go func() {
		defer close(done)
		outcome, waitErr = ctrl.Wait(context.WithoutCancel(ctx))
	}()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return outcome, waitErr
		case <-ctx.Done():
			logger.Warn("interrupted, killing simulations", "run_id", ctrl.RunID())
			ctrl.KillAllSimulations()
			<-done
			return outcome, waitErr
		case <-ticker.C:
			status := ctrl.QueueStatus()
			logger.Info("run progress",
				"phase", ctrl.PhaseName(),
				"progress", fmt.Sprintf("%.0f%%", ctrl.Progress()*100),
				"running", status.Running,
				"waiting", status.Waiting+status.Pending,
				"success", status.Success,
				"failed", status.Failed,
			)
		}
	}
}
