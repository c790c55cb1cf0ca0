// Command reconciler runs the Reconciler process: it watches external task-resource objects and
// keeps them in sync with internal Manager state (spec §4.8). It talks to the Manager over the
// gRPC-shaped submission service, the same transport external clients use.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/swarmguard/taskscheduler/internal/bus"
	"github.com/swarmguard/taskscheduler/internal/config"
	"github.com/swarmguard/taskscheduler/internal/logging"
	"github.com/swarmguard/taskscheduler/internal/otelinit"
	"github.com/swarmguard/taskscheduler/internal/reconciler"
)

func main() {
	if err := run(); err != nil {
		slog.Error("reconciler exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	service := "reconciler"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTrace := otelinit.InitTracer(ctx, service)
	defer otelinit.Flush(context.Background(), shutdownTrace)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)
	defer func() { _ = shutdownMetrics(context.Background()) }()

	b, err := bus.NewNatsBus(cfg.BusURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	orchestratorURL := cfg.OrchestratorURL
	if orchestratorURL == "" {
		orchestratorURL = "127.0.0.1:9090"
	}
	conn, err := grpc.NewClient(orchestratorURL, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial manager: %w", err)
	}
	defer conn.Close()
	mgr := reconciler.NewGRPCManagerClient(conn)

	resourceDir := os.Getenv("TASKSCHED_RESOURCE_DIR")
	if resourceDir == "" {
		resourceDir = "./resources"
	}
	if err := os.MkdirAll(resourceDir, 0o755); err != nil {
		return fmt.Errorf("create resource dir: %w", err)
	}
	client := reconciler.NewFileClient(resourceDir)

	rec := reconciler.New(client, mgr, b, reconciler.DefaultConfig())
	slog.Info("reconciler starting", "resource_dir", resourceDir, "manager", orchestratorURL)
	return rec.Run(ctx)
}
