package manifest

import (
	"errors"
	"fmt"
)

var ErrSyntax = errors.New("invalid requirement")

// Describes a malformed manifest entry.
type SyntaxError struct {
	Line   int    // 1-based line where the entry starts.
	Entry  string // Entry text.
	Reason string // What is wrong with it.
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %q: %s", e.Line, e.Entry, e.Reason)
}

func (e *SyntaxError) Unwrap() error {
	return ErrSyntax
}
