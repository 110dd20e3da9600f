package build

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/cruciblehq/berth/internal/manifest"
	"github.com/cruciblehq/berth/internal/runtime"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"mvdan.cc/sh/v3/shell"
)

const sitePackages = "/usr/lib/python3/site-packages/"

// In-memory backend. Layers are flat path to content maps; directories are
// keys ending in "/". Exec understands exactly the scripts the builder
// sends.
type fakeBackend struct {
	mu sync.Mutex

	bases map[string]runtime.Layer
	fs    map[string]map[string]string
	cache map[digest.Digest]runtime.Layer

	repo  map[string]string // OS packages available to apt.
	index map[string]string // Dependency index.

	keepCaches bool // Ignore the cleanup lines of the package script.
	failCommit bool

	starts    int
	commits   int
	seq       int
	live      map[string]bool
	execs     []fakeExec
	published []fakePublish
}

type fakeExec struct {
	command string
	env     []string
}

type fakePublish struct {
	top  runtime.Layer
	opts runtime.PublishOptions
	fs   map[string]string
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{
		bases: make(map[string]runtime.Layer),
		fs:    make(map[string]map[string]string),
		cache: make(map[digest.Digest]runtime.Layer),
		live:  make(map[string]bool),
		repo: map[string]string{
			"build-essential": "12.9",
			"libpq-dev":       "15.6-0+deb12u1",
			"curl":            "7.88.1-10+deb12u5",
		},
		index: map[string]string{
			"fastapi":  "0.110.0",
			"uvicorn":  "0.29.0",
			"pydantic": "2.6.4",
		},
	}

	b.addBase("python:3.11-slim",
		map[string]string{"/usr/bin/apt-get": "", "/usr/local/bin/python": ""},
		[]string{"PATH=/usr/local/bin:/usr/bin:/bin", "LANG=C.UTF-8"},
	)
	return b
}

func (b *fakeBackend) addBase(ref string, files map[string]string, env []string) {
	layer := runtime.Layer{
		Ref:    "base/" + ref,
		Digest: digest.FromString(ref),
		Config: ocispec.ImageConfig{Env: env},
	}
	b.bases[ref] = layer
	b.fs[layer.Ref] = files
}

func (b *fakeBackend) Resolve(_ context.Context, ref, platform string) (runtime.Layer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	layer, ok := b.bases[ref]
	if !ok {
		return runtime.Layer{}, fmt.Errorf("%w: %s", runtime.ErrImageNotFound, ref)
	}
	layer.Platform = platform
	return layer, nil
}

func (b *fakeBackend) Lookup(_ context.Context, key digest.Digest, _ string) (runtime.Layer, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	layer, ok := b.cache[key]
	return layer, ok, nil
}

func (b *fakeBackend) Start(_ context.Context, parent runtime.Layer, id string) (Workspace, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.live[id] {
		return nil, fmt.Errorf("container %s already exists", id)
	}
	fs, ok := b.fs[parent.Ref]
	if !ok {
		return nil, fmt.Errorf("unknown layer %s", parent.Ref)
	}

	b.starts++
	b.live[id] = true
	return &fakeWorkspace{b: b, id: id, parent: parent, fs: maps.Clone(fs)}, nil
}

func (b *fakeBackend) Publish(_ context.Context, top runtime.Layer, opts runtime.PublishOptions) (*runtime.Image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = append(b.published, fakePublish{top: top, opts: opts, fs: maps.Clone(b.fs[top.Ref])})
	return &runtime.Image{
		Name:       opts.Name,
		Digest:     digest.FromString(top.Ref),
		Entrypoint: opts.Entrypoint,
		Port:       opts.Port,
	}, nil
}

// Returns the filesystem of the last published image.
func (b *fakeBackend) image() map[string]string {
	if len(b.published) == 0 {
		return nil
	}
	return b.published[len(b.published)-1].fs
}

type fakeWorkspace struct {
	b      *fakeBackend
	id     string
	parent runtime.Layer
	fs     map[string]string
}

func (w *fakeWorkspace) Exec(_ context.Context, _ string, command string, env []string, _ string) (*runtime.ExecResult, error) {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()

	w.b.execs = append(w.b.execs, fakeExec{command: command, env: env})

	switch {
	case command == detectScript:
		if _, found := w.fs["/usr/bin/apt-get"]; found {
			return succeed("apt\n"), nil
		}
		if _, found := w.fs["/sbin/apk"]; found {
			return succeed("apk\n"), nil
		}
		return succeed(""), nil

	case command == apt.residue:
		var out []string
		for p := range w.fs {
			if strings.HasPrefix(p, "/var/lib/apt/lists/") ||
				strings.HasPrefix(p, "/var/cache/apt/archives/") && strings.HasSuffix(p, ".deb") {
				out = append(out, p)
			}
		}
		return succeed(strings.Join(out, "\n")), nil

	case command == apt.query:
		var out []string
		for p, v := range w.fs {
			if name, found := strings.CutPrefix(p, "/var/lib/dpkg/info/"); found {
				out = append(out, name+"="+v)
			}
		}
		slices.Sort(out)
		return succeed(strings.Join(out, "\n")), nil

	case command == pip.upgrade:
		w.fs[sitePackages+"pip"] = "24.0"
		return succeed(""), nil

	case command == pip.freeze:
		var out []string
		for p, v := range w.fs {
			if name, found := strings.CutPrefix(p, sitePackages); found && name != "pip" {
				out = append(out, name+"=="+v)
			}
		}
		slices.Sort(out)
		return succeed(strings.Join(out, "\n")), nil

	case strings.Contains(command, "apt-get install"):
		return w.apt(command), nil

	case strings.HasPrefix(command, "python -m pip install") && strings.Contains(command, " -r "):
		return w.pip(command), nil
	}

	return &runtime.ExecResult{ExitCode: 127, Stderr: "sh: 1: not found"}, nil
}

func (w *fakeWorkspace) apt(script string) *runtime.ExecResult {
	for _, line := range strings.Split(script, "\n") {
		switch {
		case line == "apt-get update":
			w.fs["/var/lib/apt/lists/deb.debian.org_debian_dists_bookworm_InRelease"] = "index"

		case strings.HasPrefix(line, "apt-get install"):
			fields, err := shell.Fields(line, func(string) string { return "" })
			if err != nil {
				return &runtime.ExecResult{ExitCode: 2, Stderr: err.Error()}
			}
			for _, arg := range fields[2:] {
				if strings.HasPrefix(arg, "-") {
					continue
				}
				name, _, _ := strings.Cut(arg, "=")
				version, found := w.b.repo[name]
				if !found {
					return &runtime.ExecResult{
						ExitCode: 100,
						Stdout:   "Reading package lists...\n",
						Stderr:   "E: Unable to locate package " + name + "\n",
					}
				}
				w.fs["/var/lib/dpkg/info/"+name] = version
				w.fs["/var/cache/apt/archives/"+name+".deb"] = "deb"
			}

		case line == "apt-get clean" && !w.b.keepCaches:
			w.removePrefix("/var/cache/apt/archives/")

		case line == "rm -rf /var/lib/apt/lists/*" && !w.b.keepCaches:
			w.removePrefix("/var/lib/apt/lists/")
		}
	}
	return succeed("")
}

func (w *fakeWorkspace) pip(command string) *runtime.ExecResult {
	fields, err := shell.Fields(command, func(string) string { return "" })
	if err != nil {
		return &runtime.ExecResult{ExitCode: 2, Stderr: err.Error()}
	}
	file := fields[len(fields)-1]

	if !slices.Contains(fields, "--no-cache-dir") {
		w.fs["/root/.cache/pip/http/cached"] = "wheel"
	}

	data, found := w.fs[file]
	if !found {
		return &runtime.ExecResult{
			ExitCode: 1,
			Stderr:   "ERROR: Could not open requirements file: [Errno 2] No such file or directory: '" + file + "'\n",
		}
	}

	m, err := manifest.Parse(strings.NewReader(data))
	if err != nil {
		return &runtime.ExecResult{ExitCode: 1, Stderr: "ERROR: Invalid requirement: " + err.Error()}
	}

	for _, req := range m.Requirements {
		if req.Marker != "" {
			continue
		}
		version, found := w.b.index[req.Key()]
		if !found {
			spec := strings.ReplaceAll(req.Raw, " ", "")
			return &runtime.ExecResult{
				ExitCode: 1,
				Stderr: "ERROR: Could not find a version that satisfies the requirement " + spec + " (from versions: none)\n" +
					"ERROR: No matching distribution found for " + spec + "\n",
			}
		}
		w.fs[sitePackages+req.Key()] = version
	}
	return succeed("Successfully installed\n")
}

func (w *fakeWorkspace) MkdirAll(_ context.Context, p string) error {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()

	for d := path.Clean(p); d != "/"; d = path.Dir(d) {
		w.fs[d+"/"] = ""
	}
	return nil
}

func (w *fakeWorkspace) CopyTo(_ context.Context, r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		name := path.Join(destDir, hdr.Name)

		w.b.mu.Lock()
		switch hdr.Typeflag {
		case tar.TypeDir:
			w.fs[name+"/"] = ""
		case tar.TypeSymlink:
			w.fs[name] = "-> " + hdr.Linkname
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				w.b.mu.Unlock()
				return err
			}
			w.fs[name] = string(data)
		}
		w.b.mu.Unlock()
	}
}

func (w *fakeWorkspace) Commit(_ context.Context, key digest.Digest, change runtime.LayerChange) (runtime.Layer, error) {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()

	if w.b.failCommit {
		return runtime.Layer{}, errors.New("snapshot diff failed")
	}

	w.b.seq++
	ref := fmt.Sprintf("layer-%d", w.b.seq)

	config := w.parent.Config
	config.Env = slices.Clone(change.Env)
	if change.WorkingDir != "" {
		config.WorkingDir = change.WorkingDir
	}
	labels := maps.Clone(config.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	maps.Copy(labels, change.Labels)
	config.Labels = labels

	layer := runtime.Layer{
		Ref:      ref,
		Digest:   digest.FromString(ref),
		Platform: w.parent.Platform,
		Config:   config,
	}

	w.b.fs[ref] = maps.Clone(w.fs)
	w.b.cache[key] = layer
	w.b.commits++
	return layer, nil
}

func (w *fakeWorkspace) Destroy(context.Context) {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	delete(w.b.live, w.id)
}

func (w *fakeWorkspace) removePrefix(prefix string) {
	for p := range w.fs {
		if strings.HasPrefix(p, prefix) {
			delete(w.fs, p)
		}
	}
}

func succeed(stdout string) *runtime.ExecResult {
	return &runtime.ExecResult{Stdout: stdout}
}
