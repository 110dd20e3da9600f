// Package server implements the berth daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands from
// the berth CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the server
// dispatches the command, and writes the result back before closing the
// connection.
//
// Build requests run concurrently, each on its own goroutine with its own
// builder, build ID and stage containers. They share only the containerd
// client and the metrics registry. A client that disconnects cancels its
// build. When a metrics address is configured, Prometheus metrics are
// served over HTTP at /metrics.
//
// Example usage:
//
//	srv, err := server.New(server.Config{
//	    Runtime:     runtime.Config{Address: "/run/containerd/containerd.sock"},
//	    MetricsAddr: "127.0.0.1:9464",
//	})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
