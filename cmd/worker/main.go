// Command worker runs the Worker process: a Bus consumer driving the PluginRuntime (spec §4.7).
// Mode "job" instead reads a single (method, args, timeout) from the environment, executes it
// once, and exits — no bus involvement.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/taskscheduler/internal/bus"
	"github.com/swarmguard/taskscheduler/internal/config"
	"github.com/swarmguard/taskscheduler/internal/logging"
	"github.com/swarmguard/taskscheduler/internal/model"
	"github.com/swarmguard/taskscheduler/internal/otelinit"
	"github.com/swarmguard/taskscheduler/internal/pluginrt"
	"github.com/swarmguard/taskscheduler/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Mode == "job" {
		return runJob(cfg)
	}
	return runWorker(cfg)
}

func runWorker(cfg config.Config) error {
	service := "worker"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	defer otelinit.Flush(context.Background(), shutdownTrace)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)
	defer func() { _ = shutdownMetrics(context.Background()) }()

	b, err := bus.NewNatsBus(cfg.BusURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	rt := pluginrt.New(cfg.MaxConcurrentTask)
	for _, path := range cfg.LoadPlugins {
		if err := rt.LoadPlugin(path); err != nil {
			slog.Error("load plugin failed", "path", path, "error", err)
		}
	}

	wcfg := worker.DefaultConfig()
	wcfg.MaxConcurrentTasks = cfg.MaxConcurrentTask

	w := worker.New(b, rt, wcfg)
	slog.Info("worker starting", "bus", cfg.BusURL, "max_concurrent_tasks", wcfg.MaxConcurrentTasks)
	return w.Run(ctx)
}

// runJob implements the worker's alternate "job" mode (spec §4.7): read (method, args, timeout)
// from TASK_METHOD/TASK_ARGS/TASK_TIMEOUT, execute once via the PluginRuntime, print the result,
// and exit with status 0 on success else non-zero.
func runJob(cfg config.Config) error {
	logging.Init("worker-job")

	if cfg.TaskMethod == "" {
		return fmt.Errorf("job mode requires TASK_METHOD")
	}

	var native []any
	if cfg.TaskArgs != "" {
		if err := json.Unmarshal([]byte(cfg.TaskArgs), &native); err != nil {
			return fmt.Errorf("parse TASK_ARGS: %w", err)
		}
	}
	args := make([]model.Value, len(native))
	for i, v := range native {
		args[i] = model.FromNative(v)
	}

	timeout := time.Duration(cfg.TaskTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	rt := pluginrt.New(1)
	for _, path := range cfg.LoadPlugins {
		if err := rt.LoadPlugin(path); err != nil {
			slog.Error("load plugin failed", "path", path, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	val, err := rt.Execute(ctx, cfg.TaskMethod, args, timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return err
	}
	fmt.Println(val.ResultString())
	return nil
}
