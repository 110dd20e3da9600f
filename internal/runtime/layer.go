package runtime

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Image name prefixes owned by the runtime.
const (
	cachePrefix  = "berth-cache"
	importPrefix = "berth-import"
)

// An immutable filesystem layer and the image config accumulated up to it.
//
// Every layer is held by a containerd image record named Ref. Base images
// keep their registry name; layers committed by a build are named after
// their cache key.
type Layer struct {
	Ref      string              // Image record holding the layer.
	Digest   digest.Digest       // Digest of the record's target.
	Platform string              // Platform the layer was resolved for.
	Config   ocispec.ImageConfig // Image config as of this layer.
}

// Metadata written into the image config when a layer is committed.
type LayerChange struct {
	Env        []string          // Full environment, "KEY=VALUE".
	WorkingDir string            // Working directory; unchanged when empty.
	Labels     map[string]string // Labels merged into the config.
	CreatedBy  string            // History entry describing the change.
}

// Runtime configuration applied when a layer is published.
type PublishOptions struct {
	Name       string            // Image name; normalized to a full reference.
	Entrypoint []string          // Startup command, argv form.
	Port       int               // Exposed TCP port; none when zero.
	Env        []string          // Runtime environment.
	WorkingDir string            // Runtime working directory.
	Labels     map[string]string // Labels merged into the config.
	Output     string            // Directory receiving image.tar; no export when empty.
}

// A published image.
type Image struct {
	Name       string        `json:"name"`
	Digest     digest.Digest `json:"digest"`
	Archive    string        `json:"archive,omitempty"`
	Entrypoint []string      `json:"entrypoint"`
	Port       int           `json:"port,omitempty"`
}

// A cached layer record.
type CacheEntry struct {
	Key    digest.Digest `json:"key"`
	Name   string        `json:"name"`
	Target digest.Digest `json:"target"`
}

// Returns the image name a layer committed under key is stored as.
func cacheTag(key digest.Digest) string {
	return fmt.Sprintf("%s/%s:latest", cachePrefix, key.Encoded())
}

// Recovers the cache key from a cache image name.
func cacheKeyFromTag(name string) (digest.Digest, bool) {
	rest, ok := strings.CutPrefix(name, cachePrefix+"/")
	if !ok {
		return "", false
	}
	encoded, _, _ := strings.Cut(rest, ":")
	d := digest.NewDigestFromEncoded(digest.Canonical, encoded)
	if d.Validate() != nil {
		return "", false
	}
	return d, true
}
