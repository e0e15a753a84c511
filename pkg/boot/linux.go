//go:build linux

package boot

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/toyotech/ota-client/pkg/errors"
)

// CommandRestarter runs an external reboot command.
type CommandRestarter struct {
	command []string
	timeout time.Duration
}

// NewRestarter creates a Linux restarter running command (DefaultCommand if empty).
func NewRestarter(command []string) (Restarter, error) {
	if len(command) == 0 {
		command = DefaultCommand
	}
	if _, err := exec.LookPath(command[0]); err != nil {
		slog.Error("restart_command_not_found", "command", command[0], "error", err)
		return nil, fmt.Errorf("restart command %q not found: %w", command[0], err)
	}

	slog.Info("restarter_init", "command", strings.Join(command, " "), "platform", "linux")
	return &CommandRestarter{command: command, timeout: 30 * time.Second}, nil
}

func (r *CommandRestarter) Restart() error {
	slog.Warn("restart_command_run", "command", strings.Join(r.command, " "))

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		slog.Error("restart_command_failed", "output", strings.TrimSpace(string(out)), "error", err)
		return errors.Wrap(err, "failed to restart device")
	}
	return nil
}
