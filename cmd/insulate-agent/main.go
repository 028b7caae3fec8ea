// insulate-agent is the worker process spawned inside built environments.
//
// The server launches one agent per bridge with the environment stack
// layered into PATH and PYTHONPATH, passing a private socket address on
// the command line. The agent serves exactly one bridge.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/fal-ai/insulate/pkg/agent"
	"github.com/fal-ai/insulate/pkg/rpc"
)

func main() {
	var (
		address  string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:           "insulate-agent",
		Short:         "Worker agent for the insulate server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(address, logLevel)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "address to listen on (unix:///path or host:port)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	_ = cmd.MarkFlagRequired("address")

	if err := cmd.Execute(); err != nil {
		logrus.WithError(err).Error("Agent exited with an error")
		os.Exit(1)
	}
}

func run(address, logLevel string) error {
	if level, err := logrus.ParseLevel(logLevel); err == nil {
		logrus.SetLevel(level)
	}
	log := logrus.NewEntry(logrus.StandardLogger()).WithField("pid", os.Getpid())

	listener, err := listen(address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	// One bridge per worker; a single concurrent stream is all we serve.
	opts := append(rpc.DefaultServerOptions(), grpc.MaxConcurrentStreams(1))
	srv := grpc.NewServer(opts...)
	rpc.RegisterAgentServer(srv, agent.NewServicer(log))

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
		<-signals
		log.Info("Received shutdown signal")
		srv.GracefulStop()
	}()

	log.WithField("address", address).Info("Agent is listening")
	return srv.Serve(listener)
}

func listen(address string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(address, "unix://"); ok {
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", address)
}
