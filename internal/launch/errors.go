package launch

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted  = errors.New("process already started")
	ErrStart           = errors.New("process start failed")
	ErrReapUnsupported = errors.New("orphan reaping not supported on this platform")
)

// Exit codes reported when the child never runs, following shell
// conventions.
const (
	CodeNotExecutable = 126
	CodeNotFound      = 127
)

// The child process could not be started.
type StartError struct {
	Command string
	Code    int // CodeNotFound or CodeNotExecutable.
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStart, e.Command, e.Err)
}

func (e *StartError) Unwrap() []error {
	return []error{ErrStart, e.Err}
}
