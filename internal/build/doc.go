// Package build produces service images one stage at a time.
//
// A [Builder] applies the stages of an image in order: base image, working
// directory, environment, system packages, dependency manifest, dependency
// install, source copy and finalize. Each stage receives an immutable
// [Snapshot] and hands an updated copy to the next. Filesystem stages run in
// a throwaway container started on the previous layer and are committed as
// a new layer only when they succeed, so a failed stage leaves nothing
// behind.
//
// Every stage has a cache key derived from its parent's key and its own
// inputs. A layer committed under the same key by an earlier build is
// reused without running the stage, so editing application source rebuilds
// only the source layer while the package and dependency layers stay
// cached.
//
// Container operations go through a [Backend]; [NewBackend] adapts the
// containerd runtime.
//
// Example usage:
//
//	r, err := recipe.Load("berth.yaml")
//	if err != nil {
//	    return err
//	}
//
//	result, err := build.Run(ctx, build.NewBackend(rt), r, build.Options{
//	    Context: ".",
//	})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(result.Image.Name)
package build
