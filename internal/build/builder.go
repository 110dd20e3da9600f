package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cruciblehq/berth/internal"
	"github.com/cruciblehq/berth/internal/manifest"
	"github.com/cruciblehq/berth/internal/runtime"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"mvdan.cc/sh/v3/shell"
)

// Receives stage and build outcomes, for metrics.
type Observer interface {
	StageDone(kind StageKind, cached bool, elapsed time.Duration, err error)
	BuildDone(elapsed time.Duration, err error)
}

// Builder configuration.
type Options struct {
	ID             string   // Build identifier; generated when empty.
	Name           string   // Final image name.
	Platform       string   // Target platform; host platform when empty.
	Context        string   // Directory copy sources are resolved against.
	Output         string   // Directory receiving image.tar; none when empty.
	NoCache        bool     // Skip layer cache lookups. Results are still stored.
	PackageManager string   // "auto", "apt" or "apk".
	Installer      string   // Dependency installer; "pip".
	Observer       Observer // Optional.
}

// Builds one image, one stage at a time.
//
// A Builder is not safe for concurrent use. Once any stage fails the build
// is aborted and every later call returns [ErrAborted]; once [Builder.Finalize]
// succeeds every later call returns [ErrSealed].
type Builder struct {
	backend Backend
	opts    Options
	snap    Snapshot
	seq     int
	err     error
}

// Creates a builder for a single image.
func New(backend Backend, opts Options) *Builder {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Platform == "" {
		opts.Platform = "linux/" + goruntime.GOARCH
	}
	if opts.Context == "" {
		opts.Context = "."
	}
	if opts.PackageManager == "" {
		opts.PackageManager = "auto"
	}
	if opts.Name == "" {
		opts.Name = "berth/" + shortID(opts.ID)
	}
	return &Builder{
		backend: backend,
		opts:    opts,
		snap:    Snapshot{Platform: opts.Platform},
	}
}

// Returns the build identifier.
func (b *Builder) ID() string {
	return b.opts.ID
}

// Returns the current snapshot.
func (b *Builder) Snapshot() Snapshot {
	return b.snap
}

// Resolves the base image. Must be the first stage.
func (b *Builder) SetBase(ctx context.Context, ref string) (err error) {
	if err := b.admit(StageBase); err != nil {
		return err
	}

	start := time.Now()
	defer func() { b.observe(StageBase, false, start, err) }()

	ref = strings.TrimSpace(ref)
	if ref == "" {
		return b.fail(StageBase, &BaseNotFoundError{Ref: ref, Err: errors.New("empty reference")})
	}

	layer, err := b.backend.Resolve(ctx, ref, b.snap.Platform)
	if err != nil {
		return b.fail(StageBase, &BaseNotFoundError{Ref: ref, Err: err})
	}

	next := b.snap
	next.Base = ref
	next.Layer = layer
	next.Env = EnvFromList(layer.Config.Env)
	next.Workdir = layer.Config.WorkingDir
	next.Inventory, _ = inventoryFromLabels(layer.Config.Labels)

	key := cacheKey("", StageBase, b.snap.Platform, layer.Ref, layer.Digest.String())
	b.snap = next.advance(Record{Kind: StageBase, Key: key})

	slog.Info("base resolved", "build", b.opts.ID, "ref", ref, "digest", layer.Digest)
	return nil
}

// Sets the working directory for later stages and the runtime process,
// creating it in the image. The path must be absolute.
func (b *Builder) SetWorkingDirectory(ctx context.Context, dir string) error {
	if err := b.admit(StageWorkdir); err != nil {
		return err
	}

	clean, err := validateWorkdir(dir)
	if err != nil {
		b.observe(StageWorkdir, false, time.Now(), err)
		return b.fail(StageWorkdir, err)
	}

	return b.runStage(ctx, StageWorkdir, []string{clean}, func(ctx context.Context, ws Workspace, s Snapshot) (Snapshot, string, error) {
		if err := ws.MkdirAll(ctx, clean); err != nil {
			return s, "", err
		}
		s.Workdir = clean
		return s, "WORKDIR " + clean, nil
	})
}

// Merges variables into the environment of later stages and the runtime
// process. Existing names are overridden; nothing is removed.
//
// No container runs. The variables reach the image config with the next
// committed layer, and change the cache key of every later stage.
func (b *Builder) ApplyEnvironment(ctx context.Context, vars map[string]string) (err error) {
	if err := b.admit(StageEnv); err != nil {
		return err
	}

	start := time.Now()
	defer func() { b.observe(StageEnv, false, start, err) }()

	env, err := b.snap.Env.With(vars)
	if err != nil {
		return b.fail(StageEnv, err)
	}

	next := b.snap
	next.Env = env
	key := cacheKey(b.snap.Key(), StageEnv, b.snap.Platform, env.Environ()...)
	b.snap = next.advance(Record{Kind: StageEnv, Key: key})

	slog.Debug("environment applied", "build", b.opts.ID, "vars", len(vars))
	return nil
}

// Installs OS packages in a single stage.
//
// The package index is refreshed, the packages installed and the index and
// download cache removed by one script, so none of them reach the layer.
// The stage fails with [ErrCleanupIncomplete] if they do anyway. An empty
// list is a no-op.
func (b *Builder) InstallSystemPackages(ctx context.Context, names []string, noRecommends bool) error {
	if err := b.admit(StagePackages); err != nil {
		return err
	}

	if len(names) == 0 {
		slog.Debug("no system packages requested", "build", b.opts.ID)
		return nil
	}

	for _, n := range names {
		if !packageNameRe.MatchString(n) {
			err := &PackageInstallError{Package: n, Err: errors.New("invalid package name")}
			b.observe(StagePackages, false, time.Now(), err)
			return b.fail(StagePackages, err)
		}
	}

	inputs := append([]string{b.opts.PackageManager, strconv.FormatBool(noRecommends)}, names...)

	return b.runStage(ctx, StagePackages, inputs, func(ctx context.Context, ws Workspace, s Snapshot) (Snapshot, string, error) {
		pm, err := b.packageManager(ctx, ws)
		if err != nil {
			return s, "", &PackageInstallError{Package: names[0], Err: err}
		}

		script, err := pm.script(names, noRecommends)
		if err != nil {
			return s, "", &PackageInstallError{Package: names[0], Err: err}
		}

		slog.Info("installing system packages", "build", b.opts.ID, "manager", pm.name, "packages", names)

		res, err := ws.Exec(ctx, defaultShell, script, s.Env.Environ(), "")
		if err != nil {
			return s, "", err
		}
		if res.ExitCode != 0 {
			output := res.Stdout + res.Stderr
			pkg := pm.failedPackage(output)
			if pkg == "" {
				pkg = names[0]
			}
			return s, "", &PackageInstallError{
				Package: pkg,
				Output:  tail(output, 20),
				Err:     fmt.Errorf("%s exited with code %d", pm.name, res.ExitCode),
			}
		}

		if err := checkResidue(ctx, ws, pm); err != nil {
			return s, "", err
		}

		installed, err := query(ctx, ws, pm.query, s.Env.Environ())
		if err != nil {
			return s, "", err
		}

		s.Inventory = Inventory{System: pm.parse(installed), Dependencies: s.Inventory.Dependencies}
		return s, pm.name + " install " + strings.Join(names, " "), nil
	})
}

// Copies the dependency manifest alone into the working directory, so the
// dependency layer depends on the manifest's content and nothing else.
func (b *Builder) CopyManifest(ctx context.Context, src string) error {
	if err := b.admit(StageManifest); err != nil {
		return err
	}

	rel, host, d, err := b.manifestSource(src)
	if err != nil {
		b.observe(StageManifest, false, time.Now(), err)
		return b.fail(StageManifest, err)
	}

	dest := path.Join(b.snap.Workdir, rel)

	return b.runStage(ctx, StageManifest, []string{dest, d.String()}, func(ctx context.Context, ws Workspace, s Snapshot) (Snapshot, string, error) {
		if err := copyInto(ctx, ws, host, dest, nil); err != nil {
			return s, "", &SourceCopyError{Path: src, Err: err}
		}
		return s, "COPY " + rel + " " + dest, nil
	})
}

// Installs the dependencies listed in the manifest.
//
// The manifest is parsed and validated on the host first. The installer
// tooling is upgraded when requested, then the manifest installed with the
// download cache disabled. The resulting set is checked against the
// manifest; any entry that is missing or at a disallowed version fails the
// stage with a [DependencyResolutionError] naming it.
func (b *Builder) InstallDependencies(ctx context.Context, manifestPath string, upgradeTooling bool) error {
	if err := b.admit(StageDependencies); err != nil {
		return err
	}

	inst, m, rel, err := b.loadManifest(manifestPath)
	if err != nil {
		b.observe(StageDependencies, false, time.Now(), err)
		return b.fail(StageDependencies, err)
	}

	target := path.Join(b.snap.Workdir, rel)
	inputs := []string{inst.name, target, m.Digest.String(), strconv.FormatBool(upgradeTooling)}

	return b.runStage(ctx, StageDependencies, inputs, func(ctx context.Context, ws Workspace, s Snapshot) (Snapshot, string, error) {
		env := append(s.Env.Environ(), inst.env...)

		if upgradeTooling {
			res, err := ws.Exec(ctx, defaultShell, inst.upgrade, env, s.Workdir)
			if err != nil {
				return s, "", err
			}
			if res.ExitCode != 0 {
				return s, "", &DependencyResolutionError{
					Entry: inst.name,
					Err:   fmt.Errorf("tooling upgrade exited with code %d: %s", res.ExitCode, tail(res.Stderr, 5)),
				}
			}
		}

		quoted, err := quoteArgs([]string{target})
		if err != nil {
			return s, "", err
		}

		slog.Info("installing dependencies", "build", b.opts.ID, "installer", inst.name, "manifest", target, "entries", len(m.Requirements))

		res, err := ws.Exec(ctx, defaultShell, inst.install(quoted), env, s.Workdir)
		if err != nil {
			return s, "", err
		}
		if res.ExitCode != 0 {
			output := res.Stdout + res.Stderr
			entry := inst.unresolvedEntry(output, m)
			if entry == "" {
				entry = rel
			}
			return s, "", &DependencyResolutionError{
				Entry: entry,
				Err:   fmt.Errorf("%s exited with code %d: %s", inst.name, res.ExitCode, tail(output, 5)),
			}
		}

		frozen, err := query(ctx, ws, inst.freeze, env)
		if err != nil {
			return s, "", err
		}

		installed := inst.parse(frozen)
		if entry, err := verifyInstalled(m, installed); err != nil {
			return s, "", &DependencyResolutionError{Entry: entry, Err: err}
		}

		s.Inventory = Inventory{System: s.Inventory.System, Dependencies: installed}
		return s, inst.name + " install -r " + target, nil
	})
}

// Copies a file or directory from the build context into the image.
//
// A relative dst is resolved against the working directory. Directory
// contents land inside dst and overwrite conflicting files; paths listed in
// the tree's ignore file are skipped. The cache key covers file contents,
// not modification times.
func (b *Builder) CopySource(ctx context.Context, src, dst string) error {
	if err := b.admit(StageSource); err != nil {
		return err
	}

	host, d, ignore, err := b.sourceTree(src)
	if err != nil {
		b.observe(StageSource, false, time.Now(), err)
		return b.fail(StageSource, err)
	}

	dest, err := resolveDest(dst, b.snap.Workdir)
	if err != nil {
		b.observe(StageSource, false, time.Now(), err)
		return b.fail(StageSource, err)
	}

	return b.runStage(ctx, StageSource, []string{dest, d.String()}, func(ctx context.Context, ws Workspace, s Snapshot) (Snapshot, string, error) {
		if err := copyInto(ctx, ws, host, dest, ignore); err != nil {
			return s, "", &SourceCopyError{Path: src, Err: err}
		}
		return s, "COPY " + src + " " + dest, nil
	})
}

// Declares the startup command and port, publishes the image and seals the
// builder.
//
// The command is split into words the way a POSIX shell would, expanding
// variables from the image environment. A "--port" argument in the command
// must agree with port.
func (b *Builder) Finalize(ctx context.Context, command string, port int) (img *runtime.Image, err error) {
	if err := b.admit(StageFinalize); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { b.observe(StageFinalize, false, start, err) }()

	argv, err := b.parseCommand(command)
	if err != nil {
		return nil, b.fail(StageFinalize, err)
	}

	if err := checkPort(argv, port); err != nil {
		return nil, b.fail(StageFinalize, err)
	}

	labels := maps.Clone(b.snap.labels())
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[internal.Label("build-id")] = b.opts.ID
	labels[internal.Label("version")] = internal.Version()

	img, err = b.backend.Publish(ctx, b.snap.Layer, runtime.PublishOptions{
		Name:       b.opts.Name,
		Entrypoint: argv,
		Port:       port,
		Env:        b.snap.Env.Environ(),
		WorkingDir: b.snap.Workdir,
		Labels:     labels,
		Output:     b.opts.Output,
	})
	if err != nil {
		return nil, b.fail(StageFinalize, err)
	}

	next := b.snap
	next.Sealed = true
	inputs := append([]string{strconv.Itoa(port)}, argv...)
	key := cacheKey(b.snap.Key(), StageFinalize, b.snap.Platform, inputs...)
	b.snap = next.advance(Record{Kind: StageFinalize, Key: key})

	slog.Info("image finalized", "build", b.opts.ID, "name", img.Name, "digest", img.Digest, "port", port)
	return img, nil
}

// The body of a filesystem stage. It receives the current snapshot and
// returns the updated one with a history description for the layer.
type stageFunc func(ctx context.Context, ws Workspace, s Snapshot) (Snapshot, string, error)

// Runs a filesystem stage, or reuses the layer cached under its key.
//
// A cache hit restores the snapshot's environment, working directory and
// inventory from the cached layer's config, which the original commit
// wrote. On a miss the stage runs in a fresh container that is always
// destroyed; its changes become a layer only if fn succeeds and the commit
// succeeds.
func (b *Builder) runStage(ctx context.Context, kind StageKind, inputs []string, fn stageFunc) (err error) {
	start := time.Now()
	cached := false
	defer func() { b.observe(kind, cached, start, err) }()

	key := cacheKey(b.snap.Key(), kind, b.snap.Platform, inputs...)

	if !b.opts.NoCache {
		layer, ok, err := b.backend.Lookup(ctx, key, b.snap.Platform)
		if err != nil {
			return b.fail(kind, err)
		}
		if ok {
			cached = true
			b.snap = b.restore(layer).advance(Record{Kind: kind, Key: key, Cached: true})
			slog.Info("stage cached", "build", b.opts.ID, "stage", kind, "key", key.Encoded()[:12])
			return nil
		}
	}

	ws, err := b.backend.Start(ctx, b.snap.Layer, b.containerID(kind))
	if err != nil {
		return b.fail(kind, err)
	}
	defer ws.Destroy(context.WithoutCancel(ctx))

	next, desc, err := fn(ctx, ws, b.snap)
	if err != nil {
		return b.fail(kind, err)
	}

	layer, err := ws.Commit(ctx, key, runtime.LayerChange{
		Env:        next.Env.Environ(),
		WorkingDir: next.Workdir,
		Labels:     next.labels(),
		CreatedBy:  desc,
	})
	if err != nil {
		return b.fail(kind, err)
	}

	next.Layer = layer
	b.snap = next.advance(Record{Kind: kind, Key: key})

	slog.Info("stage done", "build", b.opts.ID, "stage", kind, "key", key.Encoded()[:12], "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// Returns the current snapshot moved onto a cached layer.
func (b *Builder) restore(layer runtime.Layer) Snapshot {
	next := b.snap
	next.Layer = layer
	next.Env = EnvFromList(layer.Config.Env)
	if layer.Config.WorkingDir != "" {
		next.Workdir = layer.Config.WorkingDir
	}
	if inv, ok := inventoryFromLabels(layer.Config.Labels); ok {
		next.Inventory = inv
	}
	return next
}

// Checks that a stage of the given kind may run now.
//
// The base must come first and only once, and copies need a working
// directory. Other stages may run in any order after the base; running one
// earlier in the canonical order after a later one is allowed but logged,
// since changes to the later stage's inputs then invalidate it.
func (b *Builder) admit(kind StageKind) error {
	if b.snap.Sealed {
		return ErrSealed
	}
	if b.err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, b.err)
	}

	if kind == StageBase {
		if b.snap.Has(StageBase) {
			return fmt.Errorf("%w: base already set", ErrStageOrder)
		}
		return nil
	}

	if !b.snap.Has(StageBase) {
		return fmt.Errorf("%w: %s before base", ErrStageOrder, kind)
	}

	if (kind == StageManifest || kind == StageSource) && !b.snap.Has(StageWorkdir) {
		return fmt.Errorf("%w: %s before working directory", ErrStageOrder, kind)
	}

	if last := b.snap.Last(); stageRank[kind] < stageRank[last] {
		slog.Warn("stage out of canonical order", "build", b.opts.ID, "stage", kind, "after", last)
	}
	return nil
}

// Aborts the build with err.
func (b *Builder) fail(kind StageKind, err error) error {
	b.err = fmt.Errorf("%w: %s: %w", ErrBuild, kind, err)
	slog.Error("stage failed", "build", b.opts.ID, "stage", kind, "error", err)
	return b.err
}

func (b *Builder) observe(kind StageKind, cached bool, start time.Time, err error) {
	if b.opts.Observer != nil {
		b.opts.Observer.StageDone(kind, cached, time.Since(start), err)
	}
}

// Returns a container ID unique to this build and stage.
func (b *Builder) containerID(kind StageKind) string {
	b.seq++
	return fmt.Sprintf("berth-%s-%02d-%s", shortID(b.opts.ID), b.seq, kind)
}

// Returns the configured package manager, or probes the workspace for one.
func (b *Builder) packageManager(ctx context.Context, ws Workspace) (*packageManager, error) {
	if b.opts.PackageManager != "auto" {
		return lookupPackageManager(b.opts.PackageManager)
	}

	res, err := ws.Exec(ctx, defaultShell, detectScript, nil, "")
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(res.Stdout)
	if name == "" {
		return nil, errors.New("no supported package manager in base image")
	}
	return lookupPackageManager(name)
}

// Resolves and digests a dependency manifest in the build context.
func (b *Builder) manifestSource(src string) (rel, host string, d digest.Digest, err error) {
	rel, err = contextRelative(src)
	if err != nil {
		return "", "", "", err
	}

	host = resolveSource(rel, b.opts.Context)
	info, err := os.Stat(host)
	if err != nil {
		return "", "", "", &SourceCopyError{Path: src, Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", "", "", &SourceCopyError{Path: src, Err: errors.New("not a regular file")}
	}

	d, err = fileDigest(host)
	if err != nil {
		return "", "", "", &SourceCopyError{Path: src, Err: err}
	}
	return rel, host, d, nil
}

// Parses the dependency manifest and selects the installer.
func (b *Builder) loadManifest(manifestPath string) (*installer, *manifest.Manifest, string, error) {
	inst, err := lookupInstaller(b.opts.Installer)
	if err != nil {
		return nil, nil, "", &DependencyResolutionError{Entry: manifestPath, Err: err}
	}

	rel, err := contextRelative(manifestPath)
	if err != nil {
		return nil, nil, "", err
	}

	if b.snap.Workdir == "" {
		return nil, nil, "", &PathError{Path: manifestPath, Reason: "no working directory"}
	}

	m, err := manifest.ParseFile(resolveSource(rel, b.opts.Context))
	if err != nil {
		var syn *manifest.SyntaxError
		if errors.As(err, &syn) {
			return nil, nil, "", &DependencyResolutionError{Entry: syn.Entry, Err: err}
		}
		return nil, nil, "", &DependencyResolutionError{Entry: manifestPath, Err: err}
	}

	return inst, m, rel, nil
}

// Resolves and digests a source tree in the build context.
func (b *Builder) sourceTree(src string) (string, digest.Digest, *ignoreSet, error) {
	if src == "" {
		src = "."
	}
	host := resolveSource(src, b.opts.Context)

	info, err := os.Stat(host)
	if err != nil {
		return "", "", nil, &SourceCopyError{Path: src, Err: err}
	}

	var ignore *ignoreSet
	if info.IsDir() {
		if ignore, err = loadIgnore(host); err != nil {
			return "", "", nil, &SourceCopyError{Path: src, Err: err}
		}
	}

	d, err := treeDigest(host, ignore)
	if err != nil {
		return "", "", nil, &SourceCopyError{Path: src, Err: err}
	}
	return host, d, ignore, nil
}

// Splits the startup command into argv.
func (b *Builder) parseCommand(command string) ([]string, error) {
	argv, err := shell.Fields(command, func(name string) string {
		v, _ := b.snap.Env.Get(name)
		return v
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	return argv, nil
}

// Checks the declared port and any "--port" argument in argv against it.
func checkPort(argv []string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	for i, arg := range argv {
		var value string
		switch {
		case arg == "--port" && i+1 < len(argv):
			value = argv[i+1]
		case strings.HasPrefix(arg, "--port="):
			value = strings.TrimPrefix(arg, "--port=")
		default:
			continue
		}
		if value != strconv.Itoa(port) {
			return fmt.Errorf("%w: command binds %s but the image declares %d", ErrInvalidPort, value, port)
		}
	}
	return nil
}

// Validates a working directory path.
func validateWorkdir(dir string) (string, error) {
	switch {
	case dir == "":
		return "", &PathError{Path: dir, Reason: "empty path"}
	case strings.ContainsAny(dir, "\x00\n"):
		return "", &PathError{Path: dir, Reason: "contains control characters"}
	case !path.IsAbs(dir):
		return "", &PathError{Path: dir, Reason: "must be absolute"}
	}
	return path.Clean(dir), nil
}

// Checks that a path names a location inside the build context and returns
// it cleaned, slash-separated.
func contextRelative(p string) (string, error) {
	if p == "" {
		return "", &PathError{Path: p, Reason: "empty path"}
	}
	if filepath.IsAbs(p) {
		return "", &PathError{Path: p, Reason: "must be relative to the build context"}
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &PathError{Path: p, Reason: "escapes the build context"}
	}
	return clean, nil
}

// Runs a read-only query command in the workspace and returns its stdout.
func query(ctx context.Context, ws Workspace, command string, env []string) (string, error) {
	res, err := ws.Exec(ctx, defaultShell, command, env, "")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%q exited with code %d: %s", command, res.ExitCode, tail(res.Stderr, 5))
	}
	return res.Stdout, nil
}

// Fails when the package manager left its index or cache behind.
func checkResidue(ctx context.Context, ws Workspace, pm *packageManager) error {
	out, err := query(ctx, ws, pm.residue, nil)
	if err != nil {
		return err
	}
	if paths := outputLines(out); len(paths) > 0 {
		return &CleanupError{Paths: paths}
	}
	return nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
