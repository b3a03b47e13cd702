package index

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
)

// CommandRunner runs external commands in a working directory and resolves
// executables on the search path. Tests substitute a fake runner and assert
// on the invocation sequence without touching a real git installation.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
	LookPath(file string) (string, error)
}

type execRunner struct{}

// NewExecRunner returns a CommandRunner backed by os/exec.
func NewExecRunner() CommandRunner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		return errors.Mark(errors.Wrapf(err, "%s %s: %s", name, strings.Join(args, " "), msg), ErrSubprocess)
	}
	slog.Debug("command succeeded", "name", name, "args", args, "dir", dir)
	return nil
}

func (execRunner) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}
