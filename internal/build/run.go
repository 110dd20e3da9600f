package build

import (
	"cmp"
	"context"
	"log/slog"
	"time"

	"github.com/cruciblehq/berth/internal/recipe"
	"github.com/cruciblehq/berth/internal/runtime"
)

// Outcome of a successful build.
type Result struct {
	ID       string         `json:"id"`
	Image    *runtime.Image `json:"image"`
	Snapshot Snapshot       `json:"-"`
}

// Builds a recipe in the canonical stage order and returns the Final Image.
//
// Recipe fields fill the options left empty by the caller. Any stage failure
// stops the build; no image is published in that case.
func Run(ctx context.Context, backend Backend, r *recipe.Recipe, opts Options) (res *Result, err error) {
	opts.Name = cmp.Or(opts.Name, r.Name)
	opts.Platform = cmp.Or(opts.Platform, r.Platform)
	opts.Output = cmp.Or(opts.Output, r.Output)
	opts.PackageManager = cmp.Or(opts.PackageManager, r.SystemPackages.Manager)
	if r.Dependencies != nil {
		opts.Installer = cmp.Or(opts.Installer, r.Dependencies.Installer)
	}

	b := New(backend, opts)

	start := time.Now()
	defer func() {
		if opts.Observer != nil {
			opts.Observer.BuildDone(time.Since(start), err)
		}
	}()

	slog.Info("build started", "build", b.ID(), "base", r.Base, "platform", b.Snapshot().Platform)

	steps := []func() error{
		func() error { return b.SetBase(ctx, r.Base) },
		func() error { return b.SetWorkingDirectory(ctx, r.Workdir) },
		func() error { return b.ApplyEnvironment(ctx, r.Env) },
		func() error {
			return b.InstallSystemPackages(ctx, r.SystemPackages.Names, r.SystemPackages.SkipRecommends())
		},
	}

	if deps := r.Dependencies; deps != nil {
		steps = append(steps,
			func() error { return b.CopyManifest(ctx, deps.Manifest) },
			func() error { return b.InstallDependencies(ctx, deps.Manifest, deps.UpgradeTooling) },
		)
	}

	steps = append(steps, func() error { return b.CopySource(ctx, r.Source.Src, r.Source.Dst) })

	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	img, err := b.Finalize(ctx, r.Start.CommandLine(), r.Start.Port)
	if err != nil {
		return nil, err
	}

	slog.Info("build finished", "build", b.ID(), "image", img.Name, "elapsed", time.Since(start).Round(time.Millisecond))

	return &Result{ID: b.ID(), Image: img, Snapshot: b.Snapshot()}, nil
}
