// Command manager runs the Manager process: Store + DependencyManager + Scheduler + Bus, plus
// the gRPC-shaped submission service (spec §4.6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/taskscheduler/internal/bus"
	"github.com/swarmguard/taskscheduler/internal/config"
	"github.com/swarmguard/taskscheduler/internal/logging"
	"github.com/swarmguard/taskscheduler/internal/manager"
	"github.com/swarmguard/taskscheduler/internal/otelinit"
	"github.com/swarmguard/taskscheduler/internal/scheduler"
	"github.com/swarmguard/taskscheduler/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("manager exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	service := "manager"
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

	dataDir := os.Getenv("TASKSCHED_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewBoltStore(dataDir+"/manager.db", 1024)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sched := scheduler.NewPriorityScheduler()

	mgrCfg := manager.DefaultConfig()
	mgr := manager.New(st, sched, b, mgrCfg)
	if err := mgr.RebuildFromStore(); err != nil {
		slog.Warn("rebuild from store failed", "error", err)
	}

	go mgr.RunDispatchLoop(ctx)
	go func() {
		if err := mgr.Run(ctx); err != nil {
			slog.Error("manager event loop exited", "error", err)
		}
	}()

	grpcAddr := os.Getenv("MANAGER_GRPC_ADDRESS")
	if grpcAddr == "" {
		grpcAddr = ":9090"
	}
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	srv := manager.NewServer(mgr)
	slog.Info("manager listening", "address", grpcAddr, "bus", cfg.BusURL)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, lis) }()

	select {
	case <-ctx.Done():
		slog.Info("manager shutting down")
		time.Sleep(200 * time.Millisecond) // let in-flight event handlers settle
		return nil
	case err := <-errCh:
		return err
	}
}
