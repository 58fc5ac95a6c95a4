// Package tmux is a thin wrapper over the tmux CLI. Every invocation uses
// argument-vector exec (no shell interpolation) with a bounded timeout;
// command failures surface as booleans or errors, never panics.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentpager/agentpager/internal/common/logger"
)

// commandTimeout bounds every tmux invocation.
const commandTimeout = 5 * time.Second

// Driver drives tmux sessions.
type Driver struct {
	binary string
	logger *logger.Logger
}

// NewDriver creates a tmux driver.
func NewDriver(log *logger.Logger) *Driver {
	return &Driver{
		binary: "tmux",
		logger: log.WithFields(zap.String("component", "tmux")),
	}
}

// run executes a tmux command and returns its stdout.
func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// NewSession creates a detached session running argv in cwd.
func (d *Driver) NewSession(ctx context.Context, name, cwd string, argv []string) error {
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	args = append(args, argv...)

	if _, err := d.run(ctx, args...); err != nil {
		d.logger.Warn("failed to create tmux session", zap.String("session", name), zap.Error(err))
		return err
	}
	d.logger.Info("created tmux session", zap.String("session", name), zap.Strings("argv", argv))
	return nil
}

// SendText sends literal text to a session followed by Enter.
func (d *Driver) SendText(ctx context.Context, name, text string) bool {
	if _, err := d.run(ctx, "send-keys", "-t", name, "-l", text); err != nil {
		d.logger.Warn("send-keys failed", zap.String("session", name), zap.Error(err))
		return false
	}
	if _, err := d.run(ctx, "send-keys", "-t", name, "Enter"); err != nil {
		d.logger.Warn("send-keys Enter failed", zap.String("session", name), zap.Error(err))
		return false
	}
	return true
}

// SendRaw sends literal text without a trailing Enter.
func (d *Driver) SendRaw(ctx context.Context, name, text string) bool {
	if _, err := d.run(ctx, "send-keys", "-t", name, "-l", text); err != nil {
		d.logger.Warn("send-keys failed", zap.String("session", name), zap.Error(err))
		return false
	}
	return true
}

// SendInterrupt sends Ctrl-C to a session.
func (d *Driver) SendInterrupt(ctx context.Context, name string) bool {
	if _, err := d.run(ctx, "send-keys", "-t", name, "C-c"); err != nil {
		d.logger.Warn("send interrupt failed", zap.String("session", name), zap.Error(err))
		return false
	}
	return true
}

// KillSession kills a session. Killing a session that does not exist is
// reported as failure.
func (d *Driver) KillSession(ctx context.Context, name string) bool {
	if _, err := d.run(ctx, "kill-session", "-t", name); err != nil {
		d.logger.Warn("kill-session failed", zap.String("session", name), zap.Error(err))
		return false
	}
	return true
}

// HasSession checks whether a session is alive.
func (d *Driver) HasSession(ctx context.Context, name string) bool {
	_, err := d.run(ctx, "has-session", "-t", name)
	return err == nil
}

// ListSessions returns the names of all live sessions. A missing tmux server
// is not an error; it means no sessions.
func (d *Driver) ListSessions(ctx context.Context) []string {
	out, err := d.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		return nil
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names
}

// CapturePane captures the trailing lines of a session's active pane.
func (d *Driver) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	out, err := d.run(ctx, "capture-pane", "-t", name, "-p", "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", err
	}
	return out, nil
}
