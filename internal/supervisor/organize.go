package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// ErrNoOrganizeCommand is returned when no post-processing command is configured.
var ErrNoOrganizeCommand = errors.New("organize command not configured")

// Organize runs the external post-processing command and waits up to timeout.
func Organize(ctx context.Context, command []string, timeout time.Duration, logger *zap.Logger) error {
	if len(command) == 0 || command[0] == "" {
		return ErrNoOrganizeCommand
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...) // #nosec G204 -- operator-configured command.
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	start := time.Now()
	logger.Info("organize started", zap.Strings("command", command))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("organize timed out after %s: %w", timeout, ctx.Err())
		}
		return fmt.Errorf("organize failed: %w", err)
	}
	logger.Info("organize finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}
