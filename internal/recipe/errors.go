package recipe

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidRecipe = errors.New("invalid recipe")

// A recipe failed validation. Problems lists every violation found.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	msg := ErrInvalidRecipe.Error()
	if e.Path != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Path)
	}
	return msg + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRecipe
}
