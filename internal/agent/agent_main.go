package agent

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/izzyreal/edgeagent/internal/config"
	"github.com/izzyreal/edgeagent/internal/version"
)

// Run starts the device agent and blocks until ctx is cancelled and in-flight
// tasks have drained. Under the Windows service manager the service controls
// the lifetime instead of ctx.
func Run(ctx context.Context, cfg config.Agent) error {
	handled, err := runAsWindowsServiceIfNeeded(func(svcCtx context.Context) error {
		return run(svcCtx, cfg)
	})
	if handled {
		return err
	}
	if err != nil {
		slog.Warn("windows service detection failed; running in foreground", "error", err)
	}
	return run(ctx, cfg)
}

func run(ctx context.Context, cfg config.Agent) error {
	if err := cfg.ValidateEndpoint(); err != nil {
		return err
	}
	storage, err := OpenStorage(cfg.StorageDir)
	if err != nil {
		return err
	}
	processor, err := buildProcessor(cfg.Processing)
	if err != nil {
		return err
	}
	coordinatorURL, err := resolveCoordinatorURL(ctx, cfg.Coordinator)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := NewMetrics(reg)
	if err != nil {
		return err
	}

	client := NewCoordinatorClient(coordinatorURL, cfg.RequestTimeout)
	executor := NewTaskExecutor(client, storage, processor, ExecutorOptions{
		DownloadTimeout: cfg.DownloadTimeout,
		BaseURL:         coordinatorURL,
		Metrics:         metrics,
	})
	a := New(Options{
		DeviceID:           cfg.DeviceID,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		PollInterval:       cfg.PollInterval,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		DrainTimeout:       cfg.DrainTimeout,
		Metrics:            metrics,
	}, client, executor)

	if cfg.StatusAddr != "" {
		stopStatus, err := startStatusServer(cfg.StatusAddr, newStatusRouter(a, coordinatorURL, reg))
		if err != nil {
			return err
		}
		defer stopStatus()
	}

	slog.Info("edgeagent started",
		"device_id", cfg.DeviceID,
		"coordinator_url", coordinatorURL,
		"storage_dir", storage.Dir(),
		"processing", cfg.Processing.Mode,
		"max_concurrent_tasks", cfg.MaxConcurrentTasks,
		"version", version.Current(),
	)
	defer slog.Info("edgeagent stopped", "device_id", cfg.DeviceID)

	return a.Run(ctx)
}
