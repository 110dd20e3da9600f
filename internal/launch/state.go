package launch

import (
	"fmt"
	"os"
	"syscall"
)

// Lifecycle state of the child process.
type State int

const (
	NotStarted State = iota
	Running
	Exited // Terminated normally, or never ran.
	Killed // Terminated by a signal.
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Killed:
		return "killed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot of the child's lifecycle.
type Status struct {
	State  State
	Code   int            // Exit code, when Exited.
	Signal syscall.Signal // Terminating signal, when Killed.
}

// Returns the code the launcher should exit with: the child's own code, or
// 128 plus the signal number when a signal killed it. Zero while the child
// has not terminated.
func (s Status) ExitCode() int {
	switch s.State {
	case Exited:
		return s.Code
	case Killed:
		return 128 + int(s.Signal)
	default:
		return 0
	}
}

func (s Status) String() string {
	switch s.State {
	case Exited:
		return fmt.Sprintf("exited with code %d", s.Code)
	case Killed:
		return fmt.Sprintf("killed by %s", s.Signal)
	default:
		return s.State.String()
	}
}

// Converts the state of a waited process.
func statusOf(ps *os.ProcessState) Status {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Status{State: Killed, Signal: ws.Signal()}
	}
	return Status{State: Exited, Code: ps.ExitCode()}
}
