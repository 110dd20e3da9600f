// Package launch supervises the single foreground process of a container.
//
// A [Launcher] starts the server command bound to a host and port, forwards
// termination signals to it, and reports its exit status so the container
// exits with the same code. It never restarts the child. When running as
// PID 1 it can also adopt and reap orphaned grandchildren.
//
//	l := launch.New(launch.Options{
//	    Command: "uvicorn",
//	    Args:    []string{"main:app"},
//	    Host:    "0.0.0.0",
//	    Port:    10000,
//	})
//	status, err := l.Run(ctx)
//	if err != nil {
//	    slog.Error("start failed", "error", err)
//	}
//	os.Exit(status.ExitCode())
package launch
