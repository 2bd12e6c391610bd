package agent

import (
	"context"
	"os/exec"
	"time"
)

const (
	commandInterruptGrace = 2 * time.Second
	commandKillGrace      = 2 * time.Second
)

// runCancelableCommand starts cmd and waits for it. When ctx ends first the
// whole process tree is interrupted, then killed if it lingers.
func runCancelableCommand(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
		_ = interruptCommandTree(cmd)
		timer := time.NewTimer(commandInterruptGrace)
		defer timer.Stop()
		select {
		case <-waitCh:
			return ctx.Err()
		case <-timer.C:
			_ = killCommandTree(cmd)
			select {
			case <-waitCh:
			case <-time.After(commandKillGrace):
			}
			return ctx.Err()
		}
	}
}
