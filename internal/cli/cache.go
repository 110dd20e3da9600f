package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/cruciblehq/berth/internal/runtime"
)

// Represents the 'berth cache' command group.
type CacheCmd struct {
	Ls    CacheLsCmd    `cmd:"" help:"List cached stage layers."`
	Prune CachePruneCmd `cmd:"" help:"Delete every cached stage layer."`
}

// Represents the 'berth cache ls' command.
type CacheLsCmd struct {
	JSON bool `help:"Print the entries as JSON."`
}

// Executes the cache ls command.
func (c *CacheLsCmd) Run(ctx context.Context) error {
	rt, err := runtime.New(runtimeConfig())
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.ListCache(ctx)
	if err != nil {
		return err
	}

	if c.JSON {
		return printJSON(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tLAYER")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.Key.Encoded()[:12], e.Target.Encoded()[:12])
	}
	return w.Flush()
}

// Represents the 'berth cache prune' command.
type CachePruneCmd struct{}

// Executes the cache prune command.
//
// Final images are left alone; only the per-stage cache records go.
// Containerd reclaims their content once nothing else references it.
func (c *CachePruneCmd) Run(ctx context.Context) error {
	rt, err := runtime.New(runtimeConfig())
	if err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.PruneCache(ctx)
	if err != nil {
		return err
	}

	slog.Info("cache pruned", "layers", n)
	return nil
}
