//go:build windows

package agent

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

func prepareCommandForCancellation(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// interruptCommandTree asks the tree to exit without /F first.
func interruptCommandTree(cmd *exec.Cmd) error {
	return taskkillTree(cmd, false)
}

func killCommandTree(cmd *exec.Cmd) error {
	return taskkillTree(cmd, true)
}

func taskkillTree(cmd *exec.Cmd, force bool) error {
	if cmd == nil || cmd.Process == nil || cmd.Process.Pid <= 0 {
		return nil
	}
	args := []string{"/PID", strconv.Itoa(cmd.Process.Pid), "/T"}
	if force {
		args = append(args, "/F")
	}
	out, err := exec.Command("taskkill", args...).CombinedOutput()
	if err == nil {
		return nil
	}
	if text := strings.TrimSpace(string(out)); text != "" {
		return fmt.Errorf("taskkill %s: %w (%s)", strings.Join(args, " "), err, text)
	}
	return err
}
