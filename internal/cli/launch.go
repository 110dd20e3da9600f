package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cruciblehq/berth/internal/launch"
)

// Represents the 'berth launch' command.
type LaunchCmd struct {
	Host         string        `default:"0.0.0.0" env:"HOST" help:"Address the server binds to. Passed as --host and HOST."`
	Port         int           `env:"PORT" help:"Port the server binds to. Passed as --port and PORT."`
	Env          []string      `short:"e" help:"Set an environment variable for the server." placeholder:"KEY=VALUE"`
	Dir          string        `type:"path" help:"Working directory of the server." placeholder:"DIR"`
	ReadyTimeout time.Duration `default:"30s" help:"How long to wait for the port to accept connections. 0 disables the check."`
	StopTimeout  time.Duration `default:"10s" help:"Time between SIGTERM and SIGKILL on shutdown."`
	Reap         bool          `help:"Reap orphaned processes, for running as PID 1."`
	Command      []string      `arg:"" passthrough:"" help:"Command to run, followed by its arguments."`
}

// Validates flag combinations kong cannot express.
func (c *LaunchCmd) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidArgs, c.Port)
	}
	if len(c.Command) == 0 || c.Command[0] == "" {
		return fmt.Errorf("%w: no command", ErrInvalidArgs)
	}
	return nil
}

// Executes the launch command.
//
// Runs the server as a child in the foreground, relays signals to it, and
// exits with its exit code. Only the child decides when to stop; signals
// received here are forwarded rather than acted on.
func (c *LaunchCmd) Run(ctx context.Context) error {
	args := c.Command
	if args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: no command", ErrInvalidArgs)
	}

	l := launch.New(launch.Options{
		Command:      args[0],
		Args:         args[1:],
		Host:         c.Host,
		Port:         c.Port,
		Env:          c.Env,
		Dir:          c.Dir,
		Stdin:        os.Stdin,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		ReadyTimeout: c.ReadyTimeout,
		StopTimeout:  c.StopTimeout,
		Reap:         c.Reap,
	})

	// The root context is cancelled by SIGINT and SIGTERM, which the
	// launcher forwards itself.
	status, err := l.Run(context.WithoutCancel(ctx))
	if err != nil {
		return &ExitError{Code: status.ExitCode(), Err: err}
	}
	if code := status.ExitCode(); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}
