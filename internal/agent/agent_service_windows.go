//go:build windows

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"golang.org/x/sys/windows/svc"
)

const defaultWindowsServiceName = "edgeagent"

// runAsWindowsServiceIfNeeded hands control to the service manager when the
// process was started by it. The bool reports whether that happened.
func runAsWindowsServiceIfNeeded(runFn func(context.Context) error) (bool, error) {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false, fmt.Errorf("detect windows service context: %w", err)
	}
	if !isService {
		return false, nil
	}

	name := envOrDefault("EDGEAGENT_WINDOWS_SERVICE_NAME", defaultWindowsServiceName)
	if err := configureServiceRestart(name); err != nil {
		slog.Warn("windows service recovery configuration failed", "service", name, "error", err)
	}
	slog.Info("running as windows service", "service", name)

	if err := svc.Run(name, &windowsService{runFn: runFn}); err != nil {
		return true, fmt.Errorf("run windows service %q: %w", name, err)
	}
	return true, nil
}

// configureServiceRestart asks the service manager to restart the agent after
// a crash, including non-zero exits.
func configureServiceRestart(name string) error {
	commands := [][]string{
		{"failure", name, "reset=", "0", "actions=", "restart/5000/restart/5000/restart/5000"},
		{"failureflag", name, "1"},
	}
	for _, args := range commands {
		out, err := exec.Command("sc.exe", args...).CombinedOutput()
		if err != nil {
			text := strings.TrimSpace(string(out))
			if text == "" {
				text = "(no output)"
			}
			return fmt.Errorf("sc.exe %s: %w (%s)", strings.Join(args, " "), err, text)
		}
	}
	return nil
}

type windowsService struct {
	runFn func(context.Context) error
}

func (s *windowsService) Execute(_ []string, req <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	changes <- svc.Status{State: svc.StartPending}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.runFn(ctx)
	}()

	changes <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}

	for {
		select {
		case c := <-req:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				// Run drains in-flight tasks before returning on errCh.
				changes <- svc.Status{State: svc.StopPending}
				cancel()
			}
		case err := <-errCh:
			if err != nil {
				slog.Error("windows service exited with error", "error", err)
				return false, 1
			}
			return false, 0
		}
	}
}
