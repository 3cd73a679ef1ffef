package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/iteration"
)

// ExternalModule delegates the update to an executable. The request is
// passed through ESMDA_* environment variables; exit status 0 means success.
type ExternalModule struct {
	Command string
	Args    []string
	sealer  Sealer
}

func NewExternalModule(command string, args []string, sealer Sealer) (*ExternalModule, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("%w: analysis command is required", domain.ErrConfiguration)
	}
	return &ExternalModule{Command: command, Args: args, sealer: sealer}, nil
}

func (m *ExternalModule) Update(ctx context.Context, req iteration.UpdateRequest) (bool, error) {
	if m.sealer != nil {
		if err := m.sealer.Seal(ctx, req.Source); err != nil {
			return false, fmt.Errorf("seal %s: %w", req.Source.Name, err)
		}
	}
	cmd := exec.CommandContext(ctx, m.Command, m.Args...)
	cmd.Env = append(os.Environ(), updateEnv(req)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return false, nil
		}
		return false, fmt.Errorf("run %s: %w: %s", m.Command, err, strings.TrimSpace(string(out)))
	}
	return true, nil
}

func updateEnv(req iteration.UpdateRequest) []string {
	indices := activeIndices(req.Active)
	active := make([]string, len(indices))
	for i, r := range indices {
		active[i] = strconv.Itoa(r)
	}
	return []string{
		"ESMDA_SOURCE=" + req.Source.Name,
		"ESMDA_TARGET=" + req.Target.Name,
		"ESMDA_WEIGHT=" + strconv.FormatFloat(req.Weight, 'g', -1, 64),
		"ESMDA_ITERATION=" + strconv.Itoa(req.Iteration),
		"ESMDA_ACTIVE=" + strings.Join(active, ","),
	}
}
