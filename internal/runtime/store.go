package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Filename of the OCI archive written by Publish.
const exportFilename = "image.tar"

// Image manifest and config being rewritten.
type mutation struct {
	manifest ocispec.Manifest
	config   ocispec.Image
}

// Appends a filesystem layer.
func (m *mutation) addLayer(desc ocispec.Descriptor, diffID digest.Digest) {
	m.manifest.Layers = append(m.manifest.Layers, desc)
	m.config.RootFS.DiffIDs = append(m.config.RootFS.DiffIDs, diffID)
}

// Appends a history entry. No creation time is recorded so that rebuilding
// identical inputs produces an identical config.
func (m *mutation) history(createdBy string, empty bool) {
	m.config.History = append(m.config.History, ocispec.History{
		CreatedBy:  createdBy,
		Comment:    "berth",
		EmptyLayer: empty,
	})
}

// Reads and writes image metadata in the containerd content store.
type store struct {
	client *containerd.Client
}

// Applies fn to the manifest and config an image record resolves to for the
// platform, and writes the result back as new blobs.
//
// The source record is never modified. When the record points at an index, a
// new single-entry index holding only the rewritten manifest is written;
// entries for other platforms are dropped because their layers are usually
// not present locally. The caller must hold a lease until the returned
// target is referenced by an image record.
func (s store) mutate(ctx context.Context, name, platform string, fn func(*mutation)) (ocispec.Descriptor, ocispec.Image, error) {
	img, err := s.client.ImageService().Get(ctx, name)
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Image{}, err
	}

	target, index, err := s.resolveManifest(ctx, img.Target, name, platform)
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Image{}, err
	}

	cs := s.client.ContentStore()

	manifest, err := readJSON[ocispec.Manifest](ctx, cs, target)
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Image{}, err
	}
	config, err := readJSON[ocispec.Image](ctx, cs, manifest.Config)
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Image{}, err
	}

	m := &mutation{manifest: manifest, config: config}
	fn(m)

	configDesc, err := s.writeBlob(ctx, m.manifest.Config.MediaType, m.config)
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Image{}, err
	}
	m.manifest.Config = configDesc

	manifestDesc, err := s.writeBlob(ctx, target.MediaType, m.manifest, content.WithLabels(manifestGCLabels(m.manifest)))
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Image{}, err
	}
	manifestDesc.Platform = target.Platform

	if index == nil {
		return manifestDesc, m.config, nil
	}

	index.Manifests = []ocispec.Descriptor{manifestDesc}
	indexDesc, err := s.writeBlob(ctx, img.Target.MediaType, index, content.WithLabels(indexGCLabels(*index)))
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Image{}, err
	}
	return indexDesc, m.config, nil
}

// Points the image record name at target, creating it when missing.
func (s store) tag(ctx context.Context, name string, target ocispec.Descriptor) error {
	is := s.client.ImageService()
	img := images.Image{Name: name, Target: target}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}
	return nil
}

// Writes target to an OCI tar archive at path, annotated with name. Only the
// manifest for the platform is included.
func (s store) export(ctx context.Context, target ocispec.Descriptor, name, platform, path string) error {
	p, err := platforms.Parse(platform)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	err = s.client.Export(ctx, f,
		archive.WithManifest(target, name),
		archive.WithPlatform(platforms.Only(p)),
	)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Resolves a root descriptor to the manifest for the platform.
//
// Returns the manifest descriptor and, when the root is an index, the index
// itself. Index entries without platform metadata (as served by some
// registries) are matched by reading their config.
func (s store) resolveManifest(ctx context.Context, root ocispec.Descriptor, name, platform string) (ocispec.Descriptor, *ocispec.Index, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil, nil
	}

	idx, err := readJSON[ocispec.Index](ctx, s.client.ContentStore(), root)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, nil, fmt.Errorf("%w: %s", ErrEmptyIndex, name)
	}

	p, err := platforms.Parse(platform)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}

	if i, ok := s.matchManifest(ctx, idx, platforms.OnlyStrict(p)); ok {
		return idx.Manifests[i], &idx, nil
	}
	return idx.Manifests[0], &idx, nil
}

// Returns the position of the first index entry matching the platform.
// Entries with an explicit platform are checked before entries without one.
func (s store) matchManifest(ctx context.Context, idx ocispec.Index, matcher platforms.MatchComparer) (int, bool) {
	for i, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return i, true
		}
	}
	for i, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		if p, ok := s.configPlatform(ctx, m); ok && matcher.Match(p) {
			return i, true
		}
	}
	return 0, false
}

// Returns the platform declared in the config a manifest references.
func (s store) configPlatform(ctx context.Context, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	cs := s.client.ContentStore()
	manifest, err := readJSON[ocispec.Manifest](ctx, cs, desc)
	if err != nil {
		return ocispec.Platform{}, false
	}
	config, err := readJSON[ocispec.Image](ctx, cs, manifest.Config)
	if err != nil {
		return ocispec.Platform{}, false
	}
	return ocispec.Platform{
		OS:           config.OS,
		Architecture: config.Architecture,
		Variant:      config.Variant,
	}, true
}

// Serializes v into the content store.
func (s store) writeBlob(ctx context.Context, mediaType string, v any, opts ...content.Opt) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	ref := "berth-" + desc.Digest.Encoded()
	if err := content.WriteBlob(ctx, s.client.ContentStore(), ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Reads a JSON blob from the content store.
func readJSON[T any](ctx context.Context, p content.Provider, desc ocispec.Descriptor) (T, error) {
	var v T
	b, err := content.ReadBlob(ctx, p, desc)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(b, &v)
	return v, err
}

// Computes containerd GC reference labels from a manifest to its config and
// layers.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)] = layer.Digest.String()
	}
	return labels
}

// Computes containerd GC reference labels from an index to its manifests.
func indexGCLabels(idx ocispec.Index) map[string]string {
	labels := make(map[string]string, len(idx.Manifests))
	for i, m := range idx.Manifests {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.m.%d", i)] = m.Digest.String()
	}
	return labels
}
