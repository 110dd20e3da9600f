package build

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/cruciblehq/berth/internal"
	"github.com/cruciblehq/berth/internal/runtime"
	"github.com/opencontainers/go-digest"
)

// Identifies a build stage.
type StageKind string

const (
	StageBase         StageKind = "base"
	StageWorkdir      StageKind = "workdir"
	StageEnv          StageKind = "env"
	StagePackages     StageKind = "system-packages"
	StageManifest     StageKind = "manifest"
	StageDependencies StageKind = "dependencies"
	StageSource       StageKind = "source"
	StageFinalize     StageKind = "finalize"
)

// Position of each stage in the canonical order.
var stageRank = map[StageKind]int{
	StageBase:         0,
	StageWorkdir:      1,
	StageEnv:          2,
	StagePackages:     3,
	StageManifest:     4,
	StageDependencies: 5,
	StageSource:       6,
	StageFinalize:     7,
}

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Immutable set of environment variables.
//
// The zero value is an empty set. [Env.With] returns a new set and never
// modifies the receiver, so an Env can be shared between snapshots.
type Env struct {
	vars map[string]string
}

// Creates an [Env] from "KEY=VALUE" entries, as found in an image config.
// Malformed entries are skipped.
func EnvFromList(entries []string) Env {
	vars := make(map[string]string, len(entries))
	for _, entry := range entries {
		if k, v, ok := strings.Cut(entry, "="); ok && envNameRe.MatchString(k) {
			vars[k] = v
		}
	}
	return Env{vars: vars}
}

// Returns a new [Env] with vars merged on top of the receiver. Existing keys
// are overridden; nothing is removed.
func (e Env) With(vars map[string]string) (Env, error) {
	for k := range vars {
		if !envNameRe.MatchString(k) {
			return Env{}, fmt.Errorf("%w: %q", ErrInvalidEnv, k)
		}
	}

	merged := make(map[string]string, len(e.vars)+len(vars))
	maps.Copy(merged, e.vars)
	maps.Copy(merged, vars)
	return Env{vars: merged}, nil
}

// Returns the value of a variable.
func (e Env) Get(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Returns the number of variables.
func (e Env) Len() int {
	return len(e.vars)
}

// Formats the set as sorted "KEY=VALUE" entries.
func (e Env) Environ() []string {
	env := make([]string, 0, len(e.vars))
	for _, k := range slices.Sorted(maps.Keys(e.vars)) {
		env = append(env, k+"="+e.vars[k])
	}
	return env
}

// Installed packages, name to version.
type Inventory struct {
	System       map[string]string `json:"system,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Label key carrying the JSON-encoded inventory on committed layers.
var inventoryLabel = internal.Label("inventory")

// Reports whether both inventories list the same packages at the same
// versions.
func (i Inventory) Equal(o Inventory) bool {
	return maps.Equal(i.System, o.System) && maps.Equal(i.Dependencies, o.Dependencies)
}

// Encodes the inventory as layer labels.
func (i Inventory) labels() map[string]string {
	if len(i.System) == 0 && len(i.Dependencies) == 0 {
		return nil
	}
	b, err := json.Marshal(i)
	if err != nil {
		return nil
	}
	return map[string]string{inventoryLabel: string(b)}
}

// Decodes an inventory from layer labels. Reports false when the label is
// missing or unreadable.
func inventoryFromLabels(labels map[string]string) (Inventory, bool) {
	var inv Inventory
	raw, ok := labels[inventoryLabel]
	if !ok {
		return inv, false
	}
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		return Inventory{}, false
	}
	return inv, true
}

// A stage that has run, or been satisfied from the cache.
type Record struct {
	Kind   StageKind
	Key    digest.Digest
	Cached bool
}

// Configuration record handed from stage to stage.
//
// Stages never modify a snapshot in place: each receives the current one
// and returns an updated copy, which becomes the input of the next stage.
type Snapshot struct {
	Base      string        // Base image reference.
	Platform  string        // Target platform.
	Layer     runtime.Layer // Topmost committed layer.
	Workdir   string        // Current working directory.
	Env       Env           // Environment for later stages and the runtime process.
	Inventory Inventory     // Installed packages so far.
	Chain     []Record      // Stages applied so far, in order.
	Sealed    bool          // Whether the image has been finalized.
}

// Returns the cache key of the last applied stage, the parent of the next.
func (s Snapshot) Key() digest.Digest {
	if len(s.Chain) == 0 {
		return ""
	}
	return s.Chain[len(s.Chain)-1].Key
}

// Returns the kind of the last applied stage.
func (s Snapshot) Last() StageKind {
	if len(s.Chain) == 0 {
		return ""
	}
	return s.Chain[len(s.Chain)-1].Kind
}

// Reports whether a stage of the given kind has been applied.
func (s Snapshot) Has(kind StageKind) bool {
	return slices.ContainsFunc(s.Chain, func(r Record) bool { return r.Kind == kind })
}

// Returns a copy with a new record appended.
func (s Snapshot) advance(rec Record) Snapshot {
	s.Chain = append(slices.Clip(s.Chain), rec)
	return s
}

// Returns the labels to write on the next committed layer.
func (s Snapshot) labels() map[string]string {
	return s.Inventory.labels()
}
