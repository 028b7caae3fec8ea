// insulate-server is the orchestration server: it accepts serialized
// function calls over gRPC, builds the requested environments, and runs
// the calls on pooled worker agents.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fal-ai/insulate/pkg/config"
	"github.com/fal-ai/insulate/pkg/metrics"
	"github.com/fal-ai/insulate/pkg/rpc"
	"github.com/fal-ai/insulate/pkg/server"
)

func main() {
	var (
		configPath string
		bind       string
	)

	cmd := &cobra.Command{
		Use:           "insulate-server",
		Short:         "Remote function-execution server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.BindAddress = bind
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/insulate/config.yaml", "path to the configuration file")
	cmd.Flags().StringVar(&bind, "bind", "", "override the listen address")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("Server exited with an error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	cfg.ApplyToLogger(logrus.StandardLogger())
	log := logrus.NewEntry(logrus.StandardLogger())

	agentRequirements, err := cfg.AgentRequirements()
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	bridges := server.NewBridgeManager(cfg.Agent.MaxBridgeWait, collector, log)
	runner := server.NewRunner(server.RunnerOptions{
		CacheDir:             cfg.Builder.CacheDir,
		PythonBinary:         cfg.Builder.PythonBinary,
		AgentBinary:          cfg.Agent.Binary,
		AgentRequirements:    agentRequirements,
		InheritFromLocal:     cfg.Runner.InheritFromLocal,
		EmptyMessageInterval: cfg.Runner.EmptyMessageInterval,
	}, bridges, collector, log)
	pool := server.NewRunnerPool(cfg.Runner.MaxThreads)
	servicer := server.NewServicer(runner, pool, collector, log)

	listener, err := net.Listen("tcp", cfg.Server.BindAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.BindAddress, err)
	}

	grpcServer := grpc.NewServer(rpc.DefaultServerOptions()...)
	rpc.RegisterIsolateServer(grpcServer, servicer)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.WithField("address", cfg.Server.BindAddress).Info("Started listening")
		return grpcServer.Serve(listener)
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, collector.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}

		group.Go(func() error {
			log.WithField("address", cfg.Metrics.Address).Info("Serving metrics")
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("Shutting down")

		healthServer.Shutdown()
		grpcServer.GracefulStop()
		servicer.CancelAll()
		bridges.Close()

		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	return group.Wait()
}
