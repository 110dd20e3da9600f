package build

import (
	"context"
	"io"

	"github.com/cruciblehq/berth/internal/runtime"
	"github.com/opencontainers/go-digest"
)

// Stores layers and starts stage containers.
type Backend interface {

	// Resolves a base image reference into its top layer. Fails when the
	// reference cannot be found.
	Resolve(ctx context.Context, ref, platform string) (runtime.Layer, error)

	// Returns the layer committed under a cache key, if any.
	Lookup(ctx context.Context, key digest.Digest, platform string) (runtime.Layer, bool, error)

	// Starts a stage container on top of a layer.
	Start(ctx context.Context, parent runtime.Layer, id string) (Workspace, error)

	// Publishes a layer as a named Final Image.
	Publish(ctx context.Context, top runtime.Layer, opts runtime.PublishOptions) (*runtime.Image, error)
}

// A running stage container.
//
// Changes made through a workspace become visible to later stages only once
// committed. Destroying an uncommitted workspace discards its changes.
type Workspace interface {
	Exec(ctx context.Context, shell, command string, env []string, workdir string) (*runtime.ExecResult, error)
	MkdirAll(ctx context.Context, path string) error
	CopyTo(ctx context.Context, r io.Reader, destDir string) error
	Commit(ctx context.Context, key digest.Digest, change runtime.LayerChange) (runtime.Layer, error)
	Destroy(ctx context.Context)
}

// Adapts a containerd-backed [runtime.Runtime] to [Backend].
func NewBackend(rt *runtime.Runtime) Backend {
	return containerdBackend{rt}
}

type containerdBackend struct {
	*runtime.Runtime
}

func (b containerdBackend) Start(ctx context.Context, parent runtime.Layer, id string) (Workspace, error) {
	ctr, err := b.StartContainer(ctx, parent, id)
	if err != nil {
		return nil, err
	}
	return ctr, nil
}
