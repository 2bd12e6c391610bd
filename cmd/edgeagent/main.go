package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/izzyreal/edgeagent/internal/agent"
	"github.com/izzyreal/edgeagent/internal/config"
	"github.com/izzyreal/edgeagent/internal/coordinator"
	"github.com/izzyreal/edgeagent/internal/logging"
	"github.com/izzyreal/edgeagent/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "agent", "coordinator", "all-in-one":
		var cfg config.File
		cfg, err = loadConfig(os.Args[1], os.Args[2:])
		if err != nil {
			break
		}
		logging.Setup(cfg.Log)
		err = runCommand(ctx, os.Args[1], cfg)
	case "version":
		fmt.Println(version.Current())
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "edgeagent: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(command string, args []string) (config.File, error) {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	path := fs.String("config", strings.TrimSpace(os.Getenv("EDGEAGENT_CONFIG")), "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return config.File{}, err
	}
	if fs.NArg() > 0 {
		return config.File{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return config.Load(*path)
}

func runCommand(ctx context.Context, command string, cfg config.File) error {
	switch command {
	case "agent":
		return agent.Run(ctx, cfg.Agent)
	case "coordinator":
		return coordinator.Run(ctx, cfg.Coordinator)
	case "all-in-one":
		return runAllInOne(ctx, cfg)
	}
	return fmt.Errorf("unknown command: %s", command)
}

// runAllInOne keeps the coordinator serving until the agent has drained, so
// tasks still in flight at shutdown can report their outcome.
func runAllInOne(ctx context.Context, cfg config.File) error {
	if strings.TrimSpace(cfg.Agent.Coordinator.URL) == "" && !cfg.Agent.Coordinator.Discover {
		cfg.Agent.Coordinator.URL = localCoordinatorURL(cfg.Coordinator.Addr)
	}

	coordCtx, stopCoordinator := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCoordinator()
	agentCtx, stopAgent := context.WithCancel(ctx)
	defer stopAgent()

	coordErr := make(chan error, 1)
	go func() {
		err := coordinator.Run(coordCtx, cfg.Coordinator)
		// Without a coordinator the agent has nothing to talk to.
		stopAgent()
		coordErr <- err
	}()

	agentErr := agent.Run(agentCtx, cfg.Agent)
	stopCoordinator()
	return errors.Join(agentErr, <-coordErr)
}

// localCoordinatorURL turns a listen address such as ":3000" into a URL the
// in-process agent can dial.
func localCoordinatorURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	return "http://" + addr
}

func usage() {
	fmt.Fprintf(os.Stderr, `edgeagent - device agent for edge task processing

Usage:
  edgeagent <command> [-config path]

Commands:
  agent        Run the device agent
  coordinator  Run the reference coordinator
  all-in-one   Run coordinator and agent in one process (dev mode)
  version      Print the build version
  help         Show this help

The config path defaults to $EDGEAGENT_CONFIG. EDGEAGENT_* variables
override values from the file.
`)
}
