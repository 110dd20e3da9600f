package cli

import (
	"context"
	"log/slog"

	"github.com/cruciblehq/berth/internal/server"
)

// Represents the 'berth daemon' command.
type DaemonCmd struct {
	MetricsAddr string `env:"BERTH_METRICS_ADDR" help:"Serve Prometheus metrics over HTTP at ADDR/metrics." placeholder:"ADDR"`
}

// Executes the daemon command.
//
// Listens on the Unix socket and blocks until the context is cancelled
// (e.g. via SIGINT or SIGTERM) or a client requests shutdown.
func (c *DaemonCmd) Run(ctx context.Context) error {
	srv, err := server.New(server.Config{
		SocketPath:  RootCmd.Socket,
		Runtime:     runtimeConfig(),
		MetricsAddr: c.MetricsAddr,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("berth daemon is running")

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	slog.Info("shutting down")
	return srv.Stop()
}
