package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Signals relayed to the child. The launcher itself never acts on them.
var forwarded = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGQUIT,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
}

const (
	defaultStopTimeout = 10 * time.Second
	probeInterval      = 100 * time.Millisecond
	probeDialTimeout   = 250 * time.Millisecond
)

// Launcher configuration.
type Options struct {
	Command string   // Program name or path, looked up in PATH.
	Args    []string // Arguments after the program name.
	Host    string   // Bind host, passed as --host and HOST. Omitted when empty.
	Port    int      // Bind port, passed as --port and PORT. Omitted when zero.
	Env     []string // Added to the launcher's environment, "KEY=VALUE".
	Dir     string   // Working directory; the launcher's own when empty.

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Wait this long for Host:Port to accept connections after start, and
	// log the outcome. Disabled when zero.
	ReadyTimeout time.Duration

	// Time between SIGTERM and SIGKILL when the context is cancelled.
	StopTimeout time.Duration

	// Adopt and reap orphaned descendants. Linux only.
	Reap bool
}

// Runs and supervises one child process.
//
// A Launcher is single-use: it moves from NotStarted to Running to Exited
// or Killed, and never back.
type Launcher struct {
	opts Options

	mu     sync.Mutex
	status Status
	cmd    *exec.Cmd

	done  chan struct{}
	ready chan struct{}
}

// Creates a launcher. Nothing runs until [Launcher.Start].
func New(opts Options) *Launcher {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	return &Launcher{
		opts:  opts,
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
}

// Starts the child.
//
// A command that cannot be found leaves the launcher Exited with code 127;
// one that is found but cannot be executed, with code 126. Both return a
// [*StartError].
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status.State != NotStarted {
		return ErrAlreadyStarted
	}

	argv := l.argv()

	path, err := exec.LookPath(argv[0])
	if err != nil {
		code := CodeNotFound
		if errors.Is(err, os.ErrPermission) {
			code = CodeNotExecutable
		}
		return l.abort(argv[0], code, err)
	}

	reap := false
	if l.opts.Reap {
		if err := setSubreaper(); err != nil {
			slog.Warn("orphan reaping disabled", "error", err)
		} else {
			reap = true
		}
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Args[0] = argv[0]
	cmd.Env = l.environ()
	cmd.Dir = l.opts.Dir
	cmd.Stdin = l.opts.Stdin
	cmd.Stdout = l.opts.Stdout
	cmd.Stderr = l.opts.Stderr

	if err := cmd.Start(); err != nil {
		return l.abort(argv[0], CodeNotExecutable, err)
	}

	l.cmd = cmd
	l.status = Status{State: Running}

	slog.Info("process started", "pid", cmd.Process.Pid, "argv", argv)

	go l.wait(cmd, reap)

	if l.opts.ReadyTimeout > 0 && l.opts.Port > 0 {
		go l.probe(ctx)
	}
	return nil
}

// Blocks until the child terminates and returns its final status. Returns
// at once when the child never started.
func (l *Launcher) Wait() Status {
	<-l.done
	return l.Status()
}

// Starts the child and supervises it until it terminates.
//
// Forwarded signals received by the launcher are relayed to the child.
// Cancelling ctx sends SIGTERM, then SIGKILL after the stop timeout. The
// returned status carries the code the launcher should exit with; the
// error is non-nil only when the child could not be started.
func (l *Launcher) Run(ctx context.Context) (Status, error) {
	sigs := make(chan os.Signal, len(forwarded))
	signal.Notify(sigs, forwarded...)
	defer signal.Stop(sigs)

	if err := l.Start(ctx); err != nil {
		return l.Status(), err
	}

	var g errgroup.Group
	g.Go(func() error { return l.forward(sigs) })
	g.Go(func() error { return l.stopOnCancel(ctx) })

	status := l.Wait()
	if err := g.Wait(); err != nil {
		slog.Warn("signal delivery failed", "error", err)
	}

	slog.Info("process finished", "status", status.String(), "code", status.ExitCode())
	return status, nil
}

// Sends a signal to the running child. A no-op unless the child is
// running.
func (l *Launcher) Signal(sig os.Signal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status.State != Running {
		return nil
	}
	if err := l.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Returns the current status.
func (l *Launcher) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Returns the child's process ID, or 0 when it is not running.
func (l *Launcher) Pid() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil || l.cmd.Process == nil {
		return 0
	}
	return l.cmd.Process.Pid
}

// Returns a channel closed once the child accepts connections on its port.
// Never closed unless a ready timeout is configured.
func (l *Launcher) Ready() <-chan struct{} {
	return l.ready
}

// Returns a channel closed when the child has terminated.
func (l *Launcher) Done() <-chan struct{} {
	return l.done
}

// Builds argv: command, arguments, then --host and --port unless already
// given.
func (l *Launcher) argv() []string {
	argv := append([]string{l.opts.Command}, l.opts.Args...)
	if l.opts.Host != "" && !hasFlag(l.opts.Args, "--host") {
		argv = append(argv, "--host", l.opts.Host)
	}
	if l.opts.Port > 0 && !hasFlag(l.opts.Args, "--port") {
		argv = append(argv, "--port", strconv.Itoa(l.opts.Port))
	}
	return argv
}

// Builds the child environment. HOST and PORT follow the bind settings.
func (l *Launcher) environ() []string {
	env := slices.Concat(os.Environ(), l.opts.Env)
	if l.opts.Host != "" {
		env = append(env, "HOST="+l.opts.Host)
	}
	if l.opts.Port > 0 {
		env = append(env, "PORT="+strconv.Itoa(l.opts.Port))
	}
	return env
}

// Records a start failure. Called with the lock held.
func (l *Launcher) abort(command string, code int, err error) error {
	l.status = Status{State: Exited, Code: code}
	close(l.done)
	slog.Error("process start failed", "command", command, "code", code, "error", err)
	return &StartError{Command: command, Code: code, Err: err}
}

// Waits for the child and publishes its final status.
func (l *Launcher) wait(cmd *exec.Cmd, reap bool) {
	var status Status

	if reap {
		st, err := reapUntil(cmd.Process.Pid)
		// Collect the stdio copiers; the process itself is already reaped.
		_ = cmd.Wait()
		if err != nil {
			slog.Error("reaping failed", "error", err)
			st = Status{State: Exited, Code: 1}
		}
		status = st
	} else {
		_ = cmd.Wait()
		status = statusOf(cmd.ProcessState)
	}

	l.mu.Lock()
	l.status = status
	l.mu.Unlock()
	close(l.done)
}

// Relays signals until the child terminates.
func (l *Launcher) forward(sigs <-chan os.Signal) error {
	var errs []error
	for {
		select {
		case sig := <-sigs:
			slog.Debug("forwarding signal", "signal", sig)
			if err := l.Signal(sig); err != nil {
				errs = append(errs, fmt.Errorf("forward %s: %w", sig, err))
			}
		case <-l.done:
			return errors.Join(errs...)
		}
	}
}

// Terminates the child when ctx is cancelled.
func (l *Launcher) stopOnCancel(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
	}

	slog.Info("stopping process", "reason", context.Cause(ctx))
	if err := l.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("stop: %w", err)
	}

	select {
	case <-l.done:
	case <-time.After(l.opts.StopTimeout):
		slog.Warn("process did not stop, killing", "timeout", l.opts.StopTimeout)
		if err := l.Signal(syscall.SIGKILL); err != nil {
			return fmt.Errorf("kill: %w", err)
		}
	}
	return nil
}

// Polls the bind address until it accepts a connection, the timeout
// passes, or the child terminates. Failure is logged, never acted on.
func (l *Launcher) probe(ctx context.Context) {
	addr := net.JoinHostPort(dialHost(l.opts.Host), strconv.Itoa(l.opts.Port))
	start := time.Now()
	deadline := start.Add(l.opts.ReadyTimeout)

	for {
		conn, err := net.DialTimeout("tcp", addr, probeDialTimeout)
		if err == nil {
			conn.Close()
			close(l.ready)
			slog.Info("process ready", "addr", addr, "elapsed", time.Since(start).Round(time.Millisecond))
			return
		}

		if time.Now().After(deadline) {
			slog.Warn("process not accepting connections", "addr", addr, "timeout", l.opts.ReadyTimeout, "error", err)
			return
		}

		select {
		case <-l.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(probeInterval):
		}
	}
}

// Maps a bind host to an address to dial. Wildcards dial loopback.
func dialHost(host string) string {
	switch host {
	case "", "0.0.0.0":
		return "127.0.0.1"
	case "::", "[::]":
		return "::1"
	default:
		return strings.Trim(host, "[]")
	}
}

// Reports whether args set the flag, as "--flag value" or "--flag=value".
func hasFlag(args []string, flag string) bool {
	return slices.ContainsFunc(args, func(a string) bool {
		return a == flag || strings.HasPrefix(a, flag+"=")
	})
}
