package netman

import (
	"context"
	"os/exec"
	"time"
)

// CommandExecutor abstracts shell command execution so tests can substitute
// canned nmcli output.
type CommandExecutor interface {
	Execute(name string, args ...string) ([]byte, error)
	ExecuteWithTimeout(timeout time.Duration, name string, args ...string) ([]byte, error)
}

// realExecutor implements CommandExecutor using actual shell commands.
type realExecutor struct{}

// NewExecutor returns an executor backed by os/exec.
func NewExecutor() CommandExecutor {
	return &realExecutor{}
}

func (e *realExecutor) Execute(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

func (e *realExecutor) ExecuteWithTimeout(timeout time.Duration, name string, args ...string) ([]byte, error) {
	if timeout <= 0 {
		return e.Execute(name, args...)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).Output()
}
