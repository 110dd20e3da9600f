package cli

import (
	"errors"
	"fmt"
)

var ErrInvalidArgs = errors.New("invalid arguments")

// Asks the process to exit with Code. Err, when set, is reported first.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func (e *ExitError) ExitCode() int {
	return e.Code
}
