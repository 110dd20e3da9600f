package launch

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// Makes this process adopt orphaned descendants, as init does.
func setSubreaper() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}

// Reaps every exited child until pid exits, and returns pid's status.
// Orphans reparented to this process are collected along the way.
func reapUntil(pid int) (Status, error) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGCHLD)
	defer signal.Stop(sigs)

	for {
		for {
			var ws unix.WaitStatus
			wpid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if err != nil {
				return Status{}, err
			}
			if wpid <= 0 {
				break
			}
			if wpid == pid {
				if ws.Signaled() {
					return Status{State: Killed, Signal: ws.Signal()}, nil
				}
				return Status{State: Exited, Code: ws.ExitStatus()}, nil
			}
			slog.Debug("reaped orphan", "pid", wpid, "status", ws.ExitStatus())
		}
		<-sigs
	}
}
