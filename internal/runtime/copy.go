package runtime

import (
	"context"
	"io"
)

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, path string) error {
	return c.mustExec(ctx, "mkdir", nil, "mkdir", "-p", path)
}

// Extracts a tar stream into destDir inside the container.
//
// The stream is piped to "tar xf - -C destDir" running in the container, so
// the image needs a tar binary. Existing files are overwritten.
func (c *Container) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	return c.mustExec(ctx, "tar extract", r, "tar", "xf", "-", "-C", destDir)
}

// Runs a command inside the container, failing with desc and the captured
// stderr on a non-zero exit.
func (c *Container) mustExec(ctx context.Context, desc string, stdin io.Reader, args ...string) error {
	exitCode, stderr, err := c.execCommand(ctx, stdin, nil, nil, "", args...)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return wrapf("%s failed with exit code %d (%s)", desc, exitCode, stderr)
	}
	return nil
}
