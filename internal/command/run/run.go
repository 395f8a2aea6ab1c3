package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdflags "memgrid/internal/command/flags"
	"memgrid/internal/config"
	"memgrid/pkg/api"
	"memgrid/pkg/defaults"
	"memgrid/pkg/discovery"
	"memgrid/pkg/eventbus"
	"memgrid/pkg/flags"
	"memgrid/pkg/log"
	"memgrid/pkg/memory"
	"memgrid/pkg/ports"
	"memgrid/pkg/prober"
	"memgrid/pkg/registry"
	"memgrid/pkg/runtime"
	"memgrid/pkg/scheduler"
	"memgrid/pkg/store/inmemory"
	"memgrid/pkg/store/postgres"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the memgrid host daemon",
		PreRunE: func(c *cobra.Command, _ []string) error {
			flags.BindCommandToViper(c)

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	cmdflags.AddAPIServerFlagsToCommand(cmd, cfg)
	cmdflags.AddClusterFlagsToCommand(cmd, cfg)
	cmdflags.AddStoreFlagsToCommand(cmd, cfg)
	cmdflags.AddRegistryFlagsToCommand(cmd, cfg)
	cmdflags.AddSchedulerFlagsToCommand(cmd, cfg)
	cmdflags.AddRuntimeFlagsToCommand(cmd, cfg)

	return cmd, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.GetLogger(ctx)
	logger.Info("Starting memgrid host daemon")

	collection, cleanup, err := initializePorts(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	roleSvc := registry.NewRoleService(collection.Roles)
	if err := roleSvc.EnsureBuiltins(ctx); err != nil {
		return fmt.Errorf("seeding built-in roles: %w", err)
	}

	reg := registry.New(registry.Config{
		TrustLocalNetwork: cfg.TrustLocalNetwork,
		DefaultRoleID:     cfg.DefaultRoleID,
	}, collection.Devices, collection.Roles, collection.Allocations, collection.EventService)

	memSvc := memory.NewService(memory.Config{
		ProbeInterval: cfg.MemoryProbeInterval,
	}, memory.Detect(), collection.EventService, prometheus.DefaultRegisterer)
	collection.Memory = memSvc

	sched := scheduler.New(scheduler.Config{
		RPCPort:       cfg.RPCPort,
		InferencePort: cfg.InferencePort,
		InstallDir:    cfg.InstallDir,
	}, reg, memSvc, collection.Prober, collection.Sessions, collection.EventService)

	probeLoop := prober.NewLoop(cfg.ReachabilityInterval, collection.Prober, reg)

	watchdog := scheduler.NewWatchdog(scheduler.WatchdogConfig{
		Host:    cfg.RuntimeHost,
		Command: cfg.RuntimeCommand,
	}, collection.EventService)

	go memSvc.Run(ctx)
	go probeLoop.Run(ctx)
	go watchdog.Run(ctx)

	if cfg.ClusterBindAddr != "" {
		agent, err := discovery.NewAgent(discovery.Config{
			NodeName:  cfg.NodeName,
			BindAddr:  cfg.ClusterBindAddr,
			JoinAddrs: cfg.ClusterJoinAddrs,
			RPCPort:   cfg.RPCPort,
		}, reg)
		if err != nil {
			return fmt.Errorf("creating discovery agent: %w", err)
		}

		go agent.Run(ctx)
	}

	if cfg.StartRPCServer {
		if err := sched.StartRPCServer(ctx); err != nil {
			logger.Warnf("starting rpc-server at boot: %s", err)
		}
	}

	server := &http.Server{
		Addr:              cfg.HTTPAPIEndpoint,
		Handler:           api.NewServer(reg, roleSvc, memSvc, sched, runtime.NewClient(cfg.RuntimeHost), collection.EventService).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)

	go func() {
		logger.Infof("Control API listening on %s", cfg.HTTPAPIEndpoint)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving control API: %w", err)
		}
	case <-ctx.Done():
		logger.Debug("Shutdown signal received, waiting for work to finish")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Errorf("stopping inference session: %s", err)
	}
	sched.StopRPCServer(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down control API: %w", err)
	}

	logger.Info("Finished all tasks, exiting")

	return nil
}

// initializePorts assembles the repositories and shared services, backed by
// Postgres when a URL is configured and by in-memory stores otherwise.
func initializePorts(ctx context.Context, cfg *config.Config) (*ports.Collection, func(), error) {
	collection := &ports.Collection{
		EventService: eventbus.New(defaults.EventBufferSize, prometheus.DefaultRegisterer),
		Prober:       prober.NewTCPProber(defaults.ProbeTimeout),
		Clock:        func() time.Time { return time.Now().UTC() },
	}

	if cfg.PostgresURL != "" {
		db, err := postgres.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}

		if err := db.Migrate(); err != nil {
			db.Close()

			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}

		collection.Devices = postgres.NewDeviceRepo(db)
		collection.Roles = postgres.NewRoleRepo(db)
		collection.Allocations = postgres.NewAllocationRepo(db)
		collection.Sessions = postgres.NewSessionRepo(db)

		return collection, db.Close, nil
	}

	collection.Devices = inmemory.NewDeviceStore()
	collection.Roles = inmemory.NewRoleStore()
	collection.Allocations = inmemory.NewAllocationStore()
	collection.Sessions = inmemory.NewSessionStore()

	return collection, func() {}, nil
}
