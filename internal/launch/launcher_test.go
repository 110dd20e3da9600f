package launch

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mvdan.cc/sh/v3/shell"
)

// Selects the helper behaviour when the test binary runs as the child.
const helperEnv = "BERTH_LAUNCH_HELPER"

func TestMain(m *testing.M) {
	if mode, ok := os.LookupEnv(helperEnv); ok {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	switch {
	case strings.HasPrefix(mode, "exit:"):
		code, _ := strconv.Atoi(strings.TrimPrefix(mode, "exit:"))
		return code

	case mode == "echo":
		fmt.Println(strings.Join(os.Args[1:], " "))
		fmt.Println("HOST=" + os.Getenv("HOST"))
		fmt.Println("PORT=" + os.Getenv("PORT"))
		fmt.Println("EXTRA=" + os.Getenv("EXTRA"))
		return 0

	case mode == "sleep":
		time.Sleep(time.Minute)
		return 0

	case mode == "listen":
		return serve(os.Getenv("HOST"), os.Getenv("PORT"))

	case mode == "serve":
		// Binds only where its own --host and --port flags say, like uvicorn.
		var host, port string
		for i := 1; i+1 < len(os.Args); i++ {
			switch os.Args[i] {
			case "--host":
				host = os.Args[i+1]
			case "--port":
				port = os.Args[i+1]
			}
		}
		return serve(host, port)
	}

	fmt.Fprintln(os.Stderr, "unknown helper mode", mode)
	return 2
}

func serve(host, port string) int {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			return 1
		}
		conn.Close()
	}
}

func helper(mode string, opts Options) *Launcher {
	opts.Command = os.Args[0]
	opts.Env = append(opts.Env, helperEnv+"="+mode)
	return New(opts)
}

// Blocks until the child has a pid. Safe to call off the test goroutine.
func waitPid(l *Launcher) {
	for l.Pid() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestRunPropagatesExitCode(t *testing.T) {
	for _, code := range []int{0, 1, 3, 42} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			l := helper(fmt.Sprintf("exit:%d", code), Options{})

			status, err := l.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, Exited, status.State)
			assert.Equal(t, code, status.ExitCode())
			assert.Equal(t, status, l.Status())
		})
	}
}

func TestStartNotFound(t *testing.T) {
	l := New(Options{Command: "berth-no-such-command"})
	assert.Equal(t, NotStarted, l.Status().State)

	err := l.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStart)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, CodeNotFound, startErr.Code)
	assert.Equal(t, "berth-no-such-command", startErr.Command)

	status := l.Wait()
	assert.Equal(t, Exited, status.State)
	assert.Equal(t, 127, status.ExitCode())
}

func TestStartNotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o644))

	status, err := New(Options{Command: path}).Run(context.Background())

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, CodeNotExecutable, startErr.Code)
	assert.Equal(t, 126, status.ExitCode())
}

func TestStartTwice(t *testing.T) {
	l := helper("exit:0", Options{})
	require.NoError(t, l.Start(context.Background()))
	l.Wait()

	assert.ErrorIs(t, l.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartPassesBindSettings(t *testing.T) {
	var out bytes.Buffer
	l := helper("echo", Options{
		Args:   []string{"serve", "main:app"},
		Host:   "127.0.0.1",
		Port:   8123,
		Env:    []string{"EXTRA=yes"},
		Stdout: &out,
	})

	require.NoError(t, l.Start(context.Background()))
	status := l.Wait()
	require.Equal(t, 0, status.ExitCode())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "serve main:app --host 127.0.0.1 --port 8123", lines[0])
	assert.Equal(t, "HOST=127.0.0.1", lines[1])
	assert.Equal(t, "PORT=8123", lines[2])
	assert.Equal(t, "EXTRA=yes", lines[3])
}

func TestArgv(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "no bind settings",
			opts: Options{Command: "app", Args: []string{"a"}},
			want: []string{"app", "a"},
		},
		{
			name: "appended",
			opts: Options{Command: "uvicorn", Args: []string{"main:app"}, Host: "0.0.0.0", Port: 8000},
			want: []string{"uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8000"},
		},
		{
			name: "already given",
			opts: Options{Command: "uvicorn", Args: []string{"main:app", "--port=9000", "--host", "::"}, Host: "0.0.0.0", Port: 9000},
			want: []string{"uvicorn", "main:app", "--port=9000", "--host", "::"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.opts).argv())
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l := helper("sleep", Options{StopTimeout: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		waitPid(l)
		cancel()
	}()

	status, err := l.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Killed, status.State)
	assert.Equal(t, syscall.SIGTERM, status.Signal)
	assert.Equal(t, 143, status.ExitCode())
}

func TestRunForwardsSignals(t *testing.T) {
	l := helper("sleep", Options{})

	go func() {
		waitPid(l)
		// Run has registered for SIGTERM before starting the child, so
		// this is caught and relayed instead of ending the test binary.
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	}()

	status, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Killed, status.State)
	assert.Equal(t, syscall.SIGTERM, status.Signal)
}

func TestForwardReportsUndeliveredSignals(t *testing.T) {
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), helperEnv+"=sleep")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	t.Cleanup(func() { _ = syscall.Kill(pid, syscall.SIGKILL) })

	// A released handle can no longer be signalled.
	require.NoError(t, cmd.Process.Release())

	l := New(Options{})
	l.cmd = cmd
	l.status = Status{State: Running}

	sigs := make(chan os.Signal)
	errc := make(chan error, 1)
	go func() { errc <- l.forward(sigs) }()

	sigs <- syscall.SIGUSR1
	close(l.done)

	err := <-errc
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forward "+syscall.SIGUSR1.String())
}

func TestSignal(t *testing.T) {
	l := helper("sleep", Options{})
	assert.NoError(t, l.Signal(syscall.SIGTERM), "no-op before start")

	require.NoError(t, l.Start(context.Background()))
	assert.Equal(t, Running, l.Status().State)
	require.NoError(t, l.Signal(syscall.SIGKILL))

	status := l.Wait()
	assert.Equal(t, Killed, status.State)
	assert.Equal(t, 137, status.ExitCode())
	assert.NotZero(t, l.Pid(), "pid kept after exit")

	assert.NoError(t, l.Signal(syscall.SIGTERM), "no-op after exit")
}

func TestReady(t *testing.T) {
	port := freePort(t)
	l := helper("listen", Options{
		Host:         "127.0.0.1",
		Port:         port,
		ReadyTimeout: 10 * time.Second,
	})

	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() {
		_ = l.Signal(syscall.SIGKILL)
		l.Wait()
	})

	select {
	case <-l.Ready():
	case <-l.Done():
		t.Fatalf("helper exited: %s", l.Status())
	case <-time.After(10 * time.Second):
		t.Fatal("helper never accepted connections")
	}
}

func TestServesOnImagePort(t *testing.T) {
	if _, err := os.Stat("/proc/self/fd"); err != nil {
		t.Skip("needs /proc")
	}

	// The entrypoint and port a finalized image records for
	// "serve app:app --host 0.0.0.0 --port 10000", moved to a free port.
	port := freePort(t)
	entrypoint, err := shell.Fields(fmt.Sprintf("serve app:app --host 0.0.0.0 --port %d", port), nil)
	require.NoError(t, err)

	l := helper("serve", Options{
		Args:         entrypoint[1:],
		Host:         "0.0.0.0",
		Port:         port,
		ReadyTimeout: 10 * time.Second,
	})
	assert.Equal(t, append([]string{os.Args[0]}, entrypoint[1:]...), l.argv(), "flags not repeated")

	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() {
		_ = l.Signal(syscall.SIGKILL)
		l.Wait()
	})

	select {
	case <-l.Ready():
	case <-l.Done():
		t.Fatalf("server exited: %s", l.Status())
	case <-time.After(10 * time.Second):
		t.Fatal("server never accepted connections")
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	conn.Close()

	assert.Equal(t, []int{port}, listeningPorts(t, l.Pid()))
}

// Returns the TCP ports a process holds listening sockets on, from the
// socket inodes under /proc/<pid>/fd and the tables in /proc/net.
func listeningPorts(t *testing.T, pid int) []int {
	t.Helper()

	fds, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
	require.NoError(t, err)
	inodes := make(map[string]bool)
	for _, fd := range fds {
		target, err := os.Readlink(fmt.Sprintf("/proc/%d/fd/%s", pid, fd.Name()))
		if err != nil {
			continue
		}
		if inode, ok := strings.CutPrefix(target, "socket:["); ok {
			inodes[strings.TrimSuffix(inode, "]")] = true
		}
	}

	var ports []int
	for _, table := range []string{"tcp", "tcp6"} {
		data, err := os.ReadFile(fmt.Sprintf("/proc/%d/net/%s", pid, table))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n")[1:] {
			fields := strings.Fields(line)
			if len(fields) < 10 || fields[3] != "0A" || !inodes[fields[9]] {
				continue
			}
			_, hexPort, _ := strings.Cut(fields[1], ":")
			p, err := strconv.ParseInt(hexPort, 16, 32)
			require.NoError(t, err)
			ports = append(ports, int(p))
		}
	}
	return ports
}

func TestReadyNotSignalledWhenNothingListens(t *testing.T) {
	l := helper("exit:0", Options{
		Host:         "127.0.0.1",
		Port:         freePort(t),
		ReadyTimeout: time.Second,
	})

	require.NoError(t, l.Start(context.Background()))
	l.Wait()

	select {
	case <-l.Ready():
		t.Fatal("ready without a listener")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		status Status
		code   int
		str    string
	}{
		{Status{}, 0, "not-started"},
		{Status{State: Running}, 0, "running"},
		{Status{State: Exited, Code: 3}, 3, "exited with code 3"},
		{Status{State: Killed, Signal: syscall.SIGTERM}, 143, "killed by terminated"},
		{Status{State: Killed, Signal: syscall.SIGKILL}, 137, "killed by killed"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.status.ExitCode(), tt.str)
		assert.Equal(t, tt.str, tt.status.String())
	}
}

func TestDialHost(t *testing.T) {
	assert.Equal(t, "127.0.0.1", dialHost(""))
	assert.Equal(t, "127.0.0.1", dialHost("0.0.0.0"))
	assert.Equal(t, "::1", dialHost("::"))
	assert.Equal(t, "::1", dialHost("[::1]"))
	assert.Equal(t, "10.0.0.1", dialHost("10.0.0.1"))
}
