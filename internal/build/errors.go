package build

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBuild                = errors.New("build failed")
	ErrAborted              = errors.New("build aborted by an earlier failure")
	ErrSealed               = errors.New("image already finalized")
	ErrStageOrder           = errors.New("stage out of order")
	ErrBaseNotFound         = errors.New("base image not found")
	ErrPath                 = errors.New("invalid path")
	ErrInvalidEnv           = errors.New("invalid environment variable")
	ErrPackageInstall       = errors.New("system package installation failed")
	ErrCleanupIncomplete    = errors.New("package manager cache left in layer")
	ErrDependencyResolution = errors.New("dependency resolution failed")
	ErrSourceCopy           = errors.New("source copy failed")
	ErrInvalidCommand       = errors.New("invalid startup command")
	ErrInvalidPort          = errors.New("invalid port")
)

// The base image reference could not be resolved.
type BaseNotFoundError struct {
	Ref string
	Err error
}

func (e *BaseNotFoundError) Error() string {
	return fmt.Sprintf("%s: %q: %v", ErrBaseNotFound, e.Ref, e.Err)
}

func (e *BaseNotFoundError) Unwrap() []error {
	return []error{ErrBaseNotFound, e.Err}
}

// A container path was rejected.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrPath, e.Path, e.Reason)
}

func (e *PathError) Unwrap() error {
	return ErrPath
}

// The system package stage failed. Package names the first package the
// package manager could not install.
type PackageInstallError struct {
	Package string
	Output  string // Tail of the package manager output.
	Err     error
}

func (e *PackageInstallError) Error() string {
	msg := fmt.Sprintf("%s: package %q", ErrPackageInstall, e.Package)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PackageInstallError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPackageInstall}
	}
	return []error{ErrPackageInstall, e.Err}
}

// The package manager index or cache survived the system package stage.
type CleanupError struct {
	Paths []string
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCleanupIncomplete, strings.Join(e.Paths, ", "))
}

func (e *CleanupError) Unwrap() error {
	return ErrCleanupIncomplete
}

// A manifest entry could not be resolved. Entry is the offending specifier
// as written in the manifest, or the manifest path when the file itself is
// unusable.
type DependencyResolutionError struct {
	Entry string
	Err   error
}

func (e *DependencyResolutionError) Error() string {
	msg := fmt.Sprintf("%s: %q", ErrDependencyResolution, e.Entry)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DependencyResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDependencyResolution}
	}
	return []error{ErrDependencyResolution, e.Err}
}

// A copy source was missing or could not be transferred.
type SourceCopyError struct {
	Path string
	Err  error
}

func (e *SourceCopyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %q", ErrSourceCopy, e.Path)
	}
	return fmt.Sprintf("%s: %q: %v", ErrSourceCopy, e.Path, e.Err)
}

func (e *SourceCopyError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSourceCopy}
	}
	return []error{ErrSourceCopy, e.Err}
}
