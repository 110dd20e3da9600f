package server

import (
	"errors"
	"fmt"
)

var (
	ErrServer   = errors.New("server error")
	ErrStopped  = errors.New("server stopped")
)

func wrap(err error) error {
	return fmt.Errorf("%w: %w", ErrServer, err)
}

func wrapf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrServer, fmt.Sprintf(format, args...))
}
