package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cruciblehq/berth/internal/build"
	"github.com/cruciblehq/berth/internal/paths"
	"github.com/cruciblehq/berth/internal/protocol"
	"github.com/cruciblehq/berth/internal/recipe"
	"github.com/cruciblehq/berth/internal/runtime"
	"github.com/cruciblehq/berth/internal/server"
)

// Represents the 'berth build' command.
type BuildCmd struct {
	Recipe   string `arg:"" optional:"" default:"." type:"path" help:"Recipe file, or a directory containing berth.yaml or berth.json."`
	Context  string `short:"c" type:"path" help:"Directory copy sources are resolved against. Defaults to the recipe's directory." placeholder:"DIR"`
	Output   string `short:"o" type:"path" help:"Write the image as an OCI archive to DIR/image.tar." placeholder:"DIR"`
	Name     string `short:"n" help:"Image name. Overrides the recipe."`
	Platform string `short:"p" help:"Target platform, e.g. linux/amd64. Overrides the recipe."`
	NoCache  bool   `help:"Run every stage instead of reusing cached layers."`
	Remote   bool   `name:"daemon" help:"Submit the build to the running daemon."`
	JSON     bool   `help:"Print the result as JSON."`
}

// Executes the build command.
//
// The recipe is loaded and validated locally in both modes, so a broken
// recipe fails before anything is sent to containerd or the daemon.
func (c *BuildCmd) Run(ctx context.Context) error {
	file, err := recipeFile(c.Recipe)
	if err != nil {
		return err
	}

	r, err := recipe.Load(file)
	if err != nil {
		return err
	}

	buildCtx := c.Context
	if buildCtx == "" {
		buildCtx = filepath.Dir(file)
	}

	var res *protocol.BuildResult
	if c.Remote {
		res, err = c.submit(ctx, file, buildCtx)
	} else {
		res, err = c.local(ctx, r, buildCtx)
	}
	if err != nil {
		return err
	}

	if c.JSON {
		return printJSON(res)
	}
	fmt.Printf("%s %s\n", res.Name, res.Digest)
	if res.Archive != "" {
		fmt.Println(res.Archive)
	}
	return nil
}

// Builds against containerd from this process.
func (c *BuildCmd) local(ctx context.Context, r *recipe.Recipe, buildCtx string) (*protocol.BuildResult, error) {
	rt, err := runtime.New(runtimeConfig())
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	res, err := build.Run(ctx, build.NewBackend(rt), r, build.Options{
		Name:     c.Name,
		Platform: c.Platform,
		Context:  buildCtx,
		Output:   c.Output,
		NoCache:  c.NoCache,
	})
	if err != nil {
		return nil, err
	}

	return server.BuildResult(res), nil
}

// Sends the build to the daemon and waits for its result.
func (c *BuildCmd) submit(ctx context.Context, file, buildCtx string) (*protocol.BuildResult, error) {
	slog.Info("submitting build to daemon", "recipe", file)

	var res protocol.BuildResult
	err := protocol.Call(ctx, socketPath(), protocol.CmdBuild, &protocol.BuildRequest{
		Recipe:   file,
		Context:  buildCtx,
		Output:   c.Output,
		Name:     c.Name,
		Platform: c.Platform,
		NoCache:  c.NoCache,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Resolves the recipe argument to a file. Directories are searched for the
// default recipe names.
func recipeFile(arg string) (string, error) {
	info, err := os.Stat(arg)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return recipe.Find(arg)
	}
	return arg, nil
}

// Returns the daemon socket selected by the global flags.
func socketPath() string {
	if RootCmd.Socket != "" {
		return RootCmd.Socket
	}
	return paths.Socket()
}
