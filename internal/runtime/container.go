package runtime

import (
	"context"
	"log/slog"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// A running stage container backed by containerd.
type Container struct {
	client      *containerd.Client
	store       store
	id          string // containerd container ID.
	platform    string // OCI platform (e.g., "linux/amd64").
	snapshotter string
}

// Returns the container ID.
func (c *Container) ID() string {
	return c.id
}

// Commits the container's filesystem changes as a new layer stored under
// the cache key.
//
// The diff between the container's snapshot and its parent becomes a layer
// appended to the parent image, and change is written into the config. The
// result is stored as an image record named after key and unpacked so later
// stages can start from it. A content lease protects the new blobs until the
// record references them.
func (c *Container) Commit(ctx context.Context, key digest.Digest, change LayerChange) (Layer, error) {
	ctx, done, err := c.client.WithLease(ctx)
	if err != nil {
		return Layer{}, wrap(err)
	}
	defer done(context.WithoutCancel(ctx))

	loaded, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return Layer{}, wrap(err)
	}

	info, err := loaded.Info(ctx)
	if err != nil {
		return Layer{}, wrap(err)
	}

	layer, diffID, err := c.snapshotDiff(ctx, info)
	if err != nil {
		return Layer{}, wrap(err)
	}

	target, config, err := c.store.mutate(ctx, info.Image, c.platform, func(m *mutation) {
		m.addLayer(layer, diffID)
		cfg := &m.config.Config
		cfg.Env = change.Env
		if change.WorkingDir != "" {
			cfg.WorkingDir = change.WorkingDir
		}
		cfg.Labels = mergeLabels(cfg.Labels, change.Labels)
		m.history(change.CreatedBy, false)
	})
	if err != nil {
		return Layer{}, wrap(err)
	}

	name := cacheTag(key)
	if err := c.store.tag(ctx, name, target); err != nil {
		return Layer{}, wrap(err)
	}

	p, err := platforms.Parse(c.platform)
	if err != nil {
		return Layer{}, wrap(err)
	}
	image := containerd.NewImageWithPlatform(c.client, images.Image{Name: name, Target: target}, platforms.Only(p))
	if err := image.Unpack(ctx, c.snapshotter); err != nil {
		return Layer{}, wrap(err)
	}

	slog.Debug("layer committed", "id", c.id, "key", key, "size", layer.Size)

	return Layer{
		Ref:      name,
		Digest:   target.Digest,
		Platform: c.platform,
		Config:   config.Config,
	}, nil
}

// Removes the container and its resources.
//
// The task is killed and the container is removed along with its snapshot.
// Uncommitted changes are lost. After destruction the handle is invalid.
func (c *Container) Destroy(ctx context.Context) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			slog.Warn("failed to load container for destruction", "id", c.id, "error", err)
		}
		return
	}

	killTask(ctx, ctr)

	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("failed to delete container during destruction", "id", c.id, "error", err)
	}
}

// Computes the diff between the container's snapshot and its parent.
func (c *Container) snapshotDiff(ctx context.Context, info containers.Container) (ocispec.Descriptor, digest.Digest, error) {
	layer, err := rootfs.CreateDiff(ctx,
		info.SnapshotKey,
		c.client.SnapshotService(info.Snapshotter),
		c.client.DiffService(),
	)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	diffID, err := images.GetDiffID(ctx, c.client.ContentStore(), layer)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	return layer, diffID, nil
}

// Creates the containerd container for a stage.
//
// Stages share the host network so package managers and installers can
// reach their indexes.
func (c *Container) create(ctx context.Context, image containerd.Image) (containerd.Container, error) {
	return c.client.NewContainer(ctx, c.id,
		containerd.WithImage(image),
		containerd.WithSnapshotter(c.snapshotter),
		containerd.WithNewSnapshot(c.id, image),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithNewSpec(
			oci.WithDefaultSpecForPlatform(c.platform),
			oci.WithImageConfig(image),
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostResolvconf,
			oci.WithProcessArgs("sleep", "infinity"),
		),
	)
}

// Starts the container's long-running task with no attached IO.
func (c *Container) startTask(ctx context.Context, ctr containerd.Container) error {
	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return err
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		return err
	}
	return nil
}

// Removes an existing container with this ID, if one exists.
func (c *Container) remove(ctx context.Context) {
	existing, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return
	}
	killTask(ctx, existing)
	existing.Delete(ctx, containerd.WithSnapshotCleanup)
}

// Kills and deletes the container's task, if it has one.
func killTask(ctx context.Context, ctr containerd.Container) {
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return
	}
	task.Kill(ctx, syscall.SIGKILL)
	task.Delete(ctx, containerd.WithProcessKill)
}
