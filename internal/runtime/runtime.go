package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

const (
	DefaultAddress     = "/run/containerd/containerd.sock"
	DefaultNamespace   = "berth"
	DefaultSnapshotter = "overlayfs"

	// OCI runtime shim for stage containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Connection settings for containerd.
type Config struct {
	Address     string // containerd socket.
	Namespace   string // Namespace scoping every image, container and lease.
	Snapshotter string // Snapshotter for stage container filesystems.
}

// Manages the containerd client and provides layer and container operations.
type Runtime struct {
	client      *containerd.Client
	snapshotter string
	store       store
}

// Connects to containerd. Empty config fields take their defaults. The
// runtime must be closed when no longer needed.
func New(cfg Config) (*Runtime, error) {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Snapshotter == "" {
		cfg.Snapshotter = DefaultSnapshotter
	}

	client, err := containerd.New(cfg.Address, containerd.WithDefaultNamespace(cfg.Namespace))
	if err != nil {
		return nil, wrap(err)
	}
	return &Runtime{client: client, snapshotter: cfg.Snapshotter, store: store{client}}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Resolves a base image reference to its top layer for the platform.
//
// A path to an existing OCI archive is imported and tagged under a name
// derived from the path. Anything else is parsed as an image reference,
// looked up locally and pulled when missing. The layers are unpacked so that
// stage containers can be created on top.
func (rt *Runtime) Resolve(ctx context.Context, ref, platform string) (Layer, error) {
	var name string

	if isArchive(ref) {
		name = imageTag(ref)
		if err := rt.importImage(ctx, ref, name); err != nil {
			return Layer{}, err
		}
	} else {
		named, err := reference.ParseNormalizedNamed(ref)
		if err != nil {
			return Layer{}, fmt.Errorf("%w: %w", ErrImageNotFound, err)
		}
		name = reference.TagNameOnly(named).String()

		if _, err := rt.client.ImageService().Get(ctx, name); err != nil {
			if !errdefs.IsNotFound(err) {
				return Layer{}, wrap(err)
			}
			if err := rt.pull(ctx, name, platform); err != nil {
				return Layer{}, err
			}
		}
	}

	return rt.layer(ctx, name, platform)
}

// Returns the layer committed under a cache key, if one exists.
func (rt *Runtime) Lookup(ctx context.Context, key digest.Digest, platform string) (Layer, bool, error) {
	name := cacheTag(key)
	if _, err := rt.client.ImageService().Get(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return Layer{}, false, nil
		}
		return Layer{}, false, wrap(err)
	}

	layer, err := rt.layer(ctx, name, platform)
	if err != nil {
		return Layer{}, false, err
	}
	return layer, true, nil
}

// Starts a stage container on top of a layer.
//
// A fresh snapshot is created from the layer and a long-running task (sleep
// infinity) is started so that Exec calls have a running process to attach
// to. Any existing container with the same ID is removed first. Building for
// a platform other than the host requires QEMU / binfmt_misc support in the
// kernel.
func (rt *Runtime) StartContainer(ctx context.Context, parent Layer, id string) (*Container, error) {
	c := &Container{
		client:      rt.client,
		store:       rt.store,
		id:          id,
		platform:    parent.Platform,
		snapshotter: rt.snapshotter,
	}

	// Remove any stale container from an interrupted build with the same ID.
	c.remove(ctx)

	image, err := rt.platformImage(ctx, parent.Ref, parent.Platform)
	if err != nil {
		return nil, wrap(err)
	}

	ctr, err := c.create(ctx, image)
	if err != nil {
		return nil, wrap(err)
	}

	if err := c.startTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, wrap(err)
	}

	slog.Debug("container started", "id", id, "image", parent.Ref)
	return c, nil
}

// Publishes a layer as a named image with its runtime configuration.
//
// The config of the top layer is rewritten with the entrypoint, exposed port,
// environment, working directory and labels, and the result is stored under
// opts.Name. Any default Cmd of the base image is cleared. When opts.Output
// is set the image is also written to <output>/image.tar.
func (rt *Runtime) Publish(ctx context.Context, top Layer, opts PublishOptions) (*Image, error) {
	named, err := reference.ParseNormalizedNamed(opts.Name)
	if err != nil {
		return nil, wrapf("invalid image name %q: %v", opts.Name, err)
	}
	name := reference.TagNameOnly(named).String()

	ctx, done, err := rt.client.WithLease(ctx)
	if err != nil {
		return nil, wrap(err)
	}
	defer done(context.WithoutCancel(ctx))

	target, _, err := rt.store.mutate(ctx, top.Ref, top.Platform, func(m *mutation) {
		cfg := &m.config.Config
		cfg.Entrypoint = opts.Entrypoint
		cfg.Cmd = nil
		cfg.Env = opts.Env
		cfg.WorkingDir = opts.WorkingDir
		cfg.Labels = mergeLabels(cfg.Labels, opts.Labels)
		if opts.Port > 0 {
			cfg.ExposedPorts = map[string]struct{}{fmt.Sprintf("%d/tcp", opts.Port): {}}
		}
		m.history("ENTRYPOINT "+strings.Join(opts.Entrypoint, " "), true)
	})
	if err != nil {
		return nil, wrap(err)
	}

	if err := rt.store.tag(ctx, name, target); err != nil {
		return nil, wrap(err)
	}

	img := &Image{
		Name:       name,
		Digest:     target.Digest,
		Entrypoint: opts.Entrypoint,
		Port:       opts.Port,
	}

	if opts.Output != "" {
		if err := os.MkdirAll(opts.Output, 0o755); err != nil {
			return nil, wrap(err)
		}
		img.Archive = filepath.Join(opts.Output, exportFilename)
		if err := rt.store.export(ctx, target, name, top.Platform, img.Archive); err != nil {
			return nil, wrap(err)
		}
		slog.Info("image exported", "path", img.Archive)
	}

	slog.Debug("image published", "name", name, "digest", target.Digest)
	return img, nil
}

// Lists the cached layer records.
func (rt *Runtime) ListCache(ctx context.Context) ([]CacheEntry, error) {
	imgs, err := rt.client.ImageService().List(ctx, fmt.Sprintf("name~=%q", "^"+cachePrefix+"/"))
	if err != nil {
		return nil, wrap(err)
	}

	entries := make([]CacheEntry, 0, len(imgs))
	for _, img := range imgs {
		key, ok := cacheKeyFromTag(img.Name)
		if !ok {
			continue
		}
		entries = append(entries, CacheEntry{Key: key, Name: img.Name, Target: img.Target.Digest})
	}
	return entries, nil
}

// Deletes every cached layer record and returns how many were removed.
// Content no longer referenced is left to containerd's garbage collector.
func (rt *Runtime) PruneCache(ctx context.Context) (int, error) {
	entries, err := rt.ListCache(ctx)
	if err != nil {
		return 0, err
	}

	is := rt.client.ImageService()
	removed := 0
	for _, e := range entries {
		if err := is.Delete(ctx, e.Name); err != nil && !errdefs.IsNotFound(err) {
			return removed, wrap(err)
		}
		removed++
	}

	slog.Debug("cache pruned", "removed", removed)
	return removed, nil
}

// Pulls an image for a single platform and unpacks it.
func (rt *Runtime) pull(ctx context.Context, name, platform string) error {
	slog.Info("pulling image", "ref", name, "platform", platform)

	_, err := rt.client.Pull(ctx, name,
		containerd.WithPlatform(platform),
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(rt.snapshotter),
	)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrImageNotFound, name)
		}
		return wrap(err)
	}
	return nil
}

// Imports an OCI archive and tags its single image under name.
func (rt *Runtime) importImage(ctx context.Context, path, name string) error {
	fh, err := os.Open(path)
	if err != nil {
		return wrap(err)
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return wrap(err)
	}

	// A multi-platform archive is a single record referencing an index.
	// More than one record means unrelated images.
	switch {
	case len(imported) == 0:
		return ErrEmptyArchive
	case len(imported) > 1:
		return ErrMultipleImages
	}

	if err := rt.store.tag(ctx, name, imported[0].Target); err != nil {
		return wrap(err)
	}
	if imported[0].Name != name {
		_ = rt.client.ImageService().Delete(ctx, imported[0].Name)
	}

	slog.Debug("image imported", "path", path, "tag", name)
	return nil
}

// Loads an image record as a layer, unpacking it for the platform when the
// snapshotter does not hold it yet.
func (rt *Runtime) layer(ctx context.Context, name, platform string) (Layer, error) {
	image, err := rt.platformImage(ctx, name, platform)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Layer{}, fmt.Errorf("%w: %s", ErrImageNotFound, name)
		}
		return Layer{}, wrap(err)
	}

	unpacked, err := image.IsUnpacked(ctx, rt.snapshotter)
	if err != nil {
		return Layer{}, wrap(err)
	}
	if !unpacked {
		if err := image.Unpack(ctx, rt.snapshotter); err != nil {
			return Layer{}, wrap(err)
		}
	}

	spec, err := image.Spec(ctx)
	if err != nil {
		return Layer{}, wrap(err)
	}

	return Layer{
		Ref:      name,
		Digest:   image.Target().Digest,
		Platform: platform,
		Config:   spec.Config,
	}, nil
}

// Looks up an image record and selects the manifest for the platform.
func (rt *Runtime) platformImage(ctx context.Context, name, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, name)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Reports whether ref names an OCI archive on disk rather than a registry
// reference.
func isArchive(ref string) bool {
	if !strings.HasSuffix(ref, ".tar") {
		return false
	}
	info, err := os.Stat(ref)
	return err == nil && info.Mode().IsRegular()
}

// Produces an image name from an archive path.
//
// The absolute path is hashed so the name is a valid reference whatever
// characters the path contains.
func imageTag(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("%s/%s:latest", importPrefix, hex.EncodeToString(h[:]))
}

// Returns base with extra merged on top, without modifying either.
func mergeLabels(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	maps.Copy(merged, base)
	maps.Copy(merged, extra)
	return merged
}
