package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Sequence counter for exec process identifiers.
var execSeq atomic.Uint64

// Returns a unique exec process identifier.
func nextExecID() string {
	return fmt.Sprintf("exec-%d", execSeq.Add(1))
}

// Output of a command run inside a container.
type ExecResult struct {
	ExitCode int    // Exit code of the process.
	Stdout   string // Captured standard output.
	Stderr   string // Captured standard error.
}

// Runs a command inside the container as "shell -c command".
//
// env and workdir override the container's process spec for this execution
// only. A non-zero exit code is reported in the result, not as an error.
func (c *Container) Exec(ctx context.Context, shell, command string, env []string, workdir string) (*ExecResult, error) {
	var stdout bytes.Buffer
	exitCode, stderr, err := c.execCommand(ctx, nil, &stdout, env, workdir, shell, "-c", command)
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr,
	}, nil
}

// Builds the process spec for an exec from the container's own spec.
func (c *Container) processSpec(ctx context.Context, env []string, workdir string, args ...string) (*specs.Process, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, err
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return nil, err
	}

	pspec := *spec.Process
	pspec.Terminal = false
	pspec.Args = args

	if len(env) > 0 {
		pspec.Env = mergeEnv(pspec.Env, env)
	}
	if workdir != "" {
		pspec.Cwd = workdir
	}

	return &pspec, nil
}

// Merges override entries on top of base, returning sorted "KEY=VALUE"
// entries. Malformed entries are dropped.
func mergeEnv(base, overrides []string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, entry := range slices.Concat(base, overrides) {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}

	result := make([]string, 0, len(merged))
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		result = append(result, k+"="+merged[k])
	}
	return result
}

// Runs args inside the container and returns the exit code and captured
// stderr.
func (c *Container) execCommand(ctx context.Context, stdin io.Reader, stdout io.Writer, env []string, workdir string, args ...string) (int, string, error) {
	pspec, err := c.processSpec(ctx, env, workdir, args...)
	if err != nil {
		return 0, "", wrap(err)
	}

	var stderr bytes.Buffer
	exitCode, err := c.execProcess(ctx, pspec, stdin, stdout, &stderr)
	if err != nil {
		return 0, "", err
	}
	return exitCode, stderr.String(), nil
}

// Starts a process in the container's running task and waits for it.
//
// Nil stdout is discarded. When stdin is given, the process's stdin is
// closed once the reader is exhausted: the shim holds both ends of the FIFO
// and would never propagate EOF otherwise.
func (c *Container) execProcess(ctx context.Context, pspec *specs.Process, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return 0, wrap(err)
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return 0, wrap(err)
	}

	if stdout == nil {
		stdout = io.Discard
	}

	var eof <-chan struct{}
	if stdin != nil {
		r := newEOFReader(stdin)
		stdin, eof = r, r.done
	}

	process, err := task.Exec(ctx, nextExecID(), pspec, cio.NewCreator(cio.WithStreams(stdin, stdout, stderr)))
	if err != nil {
		return 0, wrap(err)
	}
	defer process.Delete(context.WithoutCancel(ctx))

	statusC, err := process.Wait(ctx)
	if err != nil {
		return 0, wrap(err)
	}

	if err := process.Start(ctx); err != nil {
		return 0, wrap(err)
	}

	if eof != nil {
		go func() {
			select {
			case <-eof:
				process.CloseIO(ctx, containerd.WithStdinCloser)
			case <-ctx.Done():
			}
		}()
	}

	var status containerd.ExitStatus
	select {
	case status = <-statusC:
	case <-ctx.Done():
		return 0, wrap(ctx.Err())
	}

	code, _, err := status.Result()
	if err != nil {
		return 0, wrap(err)
	}
	return int(code), nil
}

// Reader that closes done on the first io.EOF.
type eofReader struct {
	r    io.Reader
	once sync.Once
	done chan struct{}
}

func newEOFReader(r io.Reader) *eofReader {
	return &eofReader{r: r, done: make(chan struct{})}
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		e.once.Do(func() { close(e.done) })
	}
	return n, err
}
