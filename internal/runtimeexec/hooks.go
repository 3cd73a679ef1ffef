package runtimeexec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/iteration"
)

// ShellHook runs command through sh around a simulation batch. An empty
// command yields a nil hook.
func ShellHook(command, workDir string) iteration.HookFunc {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}
	return func(ctx context.Context, iter int, snapshot domain.Snapshot) error {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = workDir
		cmd.Env = append(os.Environ(),
			EnvIteration+"="+strconv.Itoa(iter),
			EnvSnapshot+"="+snapshot.Name,
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("hook %q: %w: %s", command, err, tail(string(out), 512))
		}
		return nil
	}
}
