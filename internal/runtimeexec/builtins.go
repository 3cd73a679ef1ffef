package runtimeexec

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
)

// RegisterBuiltins adds the file handling functions forward models commonly
// chain before a simulator run, and save_realization when r.Results is set.
func RegisterBuiltins(r *ProcessKindRunner) error {
	builtins := map[string]InternalFunc{
		"copy_file":      copyFile,
		"make_directory": makeDirectory,
		"delete_file":    deleteFile,
	}
	if r.Results != nil {
		builtins["save_realization"] = saveRealization(r.Results)
	}
	for name, fn := range builtins {
		if err := r.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func wantArgs(job queue.Job, n int) error {
	if len(job.Args) != n {
		return fmt.Errorf("%w: %s expects %d arguments, got %d", domain.ErrConfiguration, job.Name, n, len(job.Args))
	}
	return nil
}

func copyFile(ctx context.Context, job queue.Job) error {
	if err := wantArgs(job, 2); err != nil {
		return err
	}
	src, dst := job.Args[0], job.Args[1]
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := ctx.Err(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func makeDirectory(_ context.Context, job queue.Job) error {
	if err := wantArgs(job, 1); err != nil {
		return err
	}
	return os.MkdirAll(job.Args[0], 0o755)
}

func deleteFile(_ context.Context, job queue.Job) error {
	if err := wantArgs(job, 1); err != nil {
		return err
	}
	if err := os.Remove(job.Args[0]); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
