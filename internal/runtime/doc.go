// Package runtime stores build layers in containerd and runs stage
// containers on top of them.
//
// A [Runtime] connects to a containerd daemon. Base images are resolved
// from a registry or imported from an OCI archive, then unpacked for the
// target platform. Each [Container] wraps a running task in which stage
// commands execute; its filesystem changes are committed as a new layer
// stored under an image record named after the stage's cache key, which
// later builds find with [Runtime.Lookup]. The top layer is finally
// published under the image name with its runtime configuration, and
// optionally exported as an OCI archive.
//
// Example usage:
//
//	rt, err := runtime.New(runtime.Config{})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	base, err := rt.Resolve(ctx, "python:3.11-slim", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//
//	ctr, err := rt.StartContainer(ctx, base, "build-1")
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
//
//	if _, err := ctr.Exec(ctx, "/bin/sh", "mkdir -p /app", nil, ""); err != nil {
//	    return err
//	}
//
//	layer, err := ctr.Commit(ctx, key, runtime.LayerChange{WorkingDir: "/app"})
//	if err != nil {
//	    return err
//	}
package runtime
