package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cruciblehq/berth/internal/build"
	"github.com/cruciblehq/berth/internal/metrics"
	"github.com/cruciblehq/berth/internal/paths"
	"github.com/cruciblehq/berth/internal/protocol"
	"github.com/cruciblehq/berth/internal/recipe"
	"github.com/cruciblehq/berth/internal/runtime"
)

const (

	// Group name used to grant socket access. Members of this group can
	// connect to the daemon socket without owning the process.
	socketGroup = "berth"

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660

	// Time allowed for the metrics listener to drain on stop.
	shutdownTimeout = 5 * time.Second
)

// Holds server configuration.
type Config struct {
	SocketPath  string         // Override for the Unix socket path. Empty uses the default.
	Runtime     runtime.Config // Containerd connection. Empty fields use the runtime defaults.
	MetricsAddr string         // TCP address serving /metrics. Empty disables the listener.
}

// Runs one build. [build.Run] against the containerd backend outside tests.
type buildFunc func(ctx context.Context, r *recipe.Recipe, opts build.Options) (*build.Result, error)

// Listens on a Unix domain socket and dispatches commands.
type Server struct {
	socketPath  string           // Path to the Unix socket file.
	pidFile     string           // Path to the PID file. Empty skips writing one.
	metricsAddr string           // Address of the metrics listener.
	runtime     *runtime.Runtime // Containerd-backed layer store; nil in tests.
	build       buildFunc        // Runs a build request.
	metrics     *metrics.Metrics // Build and stage collectors.
	listener    net.Listener     // Listener for incoming connections.
	http        *http.Server     // Metrics listener, when enabled.
	startedAt   time.Time        // Timestamp when the server started.
	ctx         context.Context  // Parent of every request context.
	cancel      context.CancelFunc
	inflight    sync.WaitGroup // Connections being handled.
	builds      int            // Builds completed successfully.
	failed      int            // Builds that returned an error.
	active      int            // Builds in progress.
	stopping    bool           // Set once Stop begins; new builds are refused.
	done        chan struct{}  // Closed when the server has stopped.
	stopOnce    sync.Once
	mu          sync.Mutex // Protects the counters and stopping.
}

// Creates a new server instance connected to containerd.
//
// The socket is not opened until [Server.Start] is called.
func New(cfg Config) (*Server, error) {
	rt, err := runtime.New(cfg.Runtime)
	if err != nil {
		return nil, wrap(err)
	}

	backend := build.NewBackend(rt)
	s := newServer(cfg.SocketPath, func(ctx context.Context, r *recipe.Recipe, opts build.Options) (*build.Result, error) {
		return build.Run(ctx, backend, r, opts)
	})
	s.runtime = rt
	s.pidFile = paths.PIDFile()
	s.metricsAddr = cfg.MetricsAddr
	return s, nil
}

func newServer(socketPath string, run buildFunc) *Server {
	if socketPath == "" {
		socketPath = paths.Socket()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		build:      run,
		metrics:    metrics.New(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Opens the Unix socket and the metrics listener, and begins accepting
// connections.
func (s *Server) Start() error {
	listener, err := listen(s.socketPath)
	if err != nil {
		return err
	}

	if s.metricsAddr != "" {
		if err := s.serveMetrics(); err != nil {
			listener.Close()
			return err
		}
	}

	s.listener = listener
	s.startedAt = time.Now()

	if s.pidFile != "" {
		if err := writePID(s.pidFile); err != nil {
			slog.Warn("failed to write PID file", "error", err)
		}
	}

	slog.Info("server listening on socket", "path", s.socketPath)

	go s.accept()
	return nil
}

// Creates the Unix socket listener, removes any stale socket from a previous
// run, and applies permissions.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), paths.DefaultDirMode); err != nil {
		return nil, wrap(err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, wrapf("failed to listen on %s: %v", socketPath, err)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to owner and group. Any user in the berth group
// can also connect.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return wrapf("failed to chmod socket %s: %v", socketPath, err)
	}

	if g, err := user.LookupGroup(socketGroup); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			if err := os.Chown(socketPath, -1, gid); err != nil {
				slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
			}
		}
	} else {
		slog.Debug("socket group not found, socket accessible to owner only", "group", socketGroup)
	}

	return nil
}

// Starts the HTTP listener serving Prometheus metrics.
func (s *Server) serveMetrics() error {
	ln, err := net.Listen("tcp", s.metricsAddr)
	if err != nil {
		return wrapf("failed to listen on %s: %v", s.metricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())

	s.metricsAddr = ln.Addr().String()
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener failed", "error", err)
		}
	}()

	slog.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// Shuts down the server and cleans up resources.
//
// Builds in progress are cancelled; Stop returns once their connections
// have been answered. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}

		s.cancel()
		s.inflight.Wait()

		if s.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			s.http.Shutdown(ctx)
			cancel()
		}

		if s.runtime != nil {
			s.runtime.Close()
		}

		os.Remove(s.socketPath)
		if s.pidFile != "" {
			os.Remove(s.pidFile)
		}

		close(s.done)
	})
	return nil
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Returns a channel closed once the server has stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Accepts connections in a loop until the server shuts down.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept error", "error", err)
			continue
		}

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.handle(conn)
		}()
	}
}

// Processes a single connection.
//
// Reads one newline-delimited JSON message, dispatches the command, and
// writes the response. The connection is closed after one exchange.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	env, payload, err := protocol.Read(reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		slog.Error("read error", "error", err)
		s.respondError(conn, err)
		return
	}

	slog.Info("command received", "command", env.Command)

	ctx, cancel := contextWithDisconnect(s.ctx, reader)
	defer cancel()

	s.dispatch(ctx, conn, env.Command, payload)
}

// Routes a command to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, cmd protocol.Command, payload json.RawMessage) {
	switch cmd {
	case protocol.CmdBuild:
		s.handleBuild(ctx, conn, payload)
	case protocol.CmdStatus:
		s.handleStatus(conn)
	case protocol.CmdShutdown:
		s.handleShutdown(conn)
	default:
		s.respondError(conn, fmt.Errorf("unknown command: %s", cmd))
	}
}

// Writes a JSON envelope response to the connection.
func (s *Server) respond(conn net.Conn, cmd protocol.Command, payload any) {
	if err := protocol.Write(conn, cmd, payload); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

func (s *Server) respondError(conn net.Conn, err error) {
	s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
}

// Writes the daemon PID so the CLI can detect whether the daemon is already
// running and send it signals.
func writePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), paths.DefaultFileMode)
}

// Returns a derived context that is cancelled when the remote end of the
// connection closes.
//
// Detection works by reading from r in a background goroutine. The read
// blocks until the peer closes the connection, at which point it returns an
// error and the derived context is cancelled. No further data may be
// expected on r for the lifetime of the returned context. The returned
// [context.CancelFunc] must always be called.
func contextWithDisconnect(parent context.Context, r io.Reader) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		buf := make([]byte, 1)
		r.Read(buf)
		cancel()
	}()

	return ctx, cancel
}
