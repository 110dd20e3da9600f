package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cruciblehq/berth/internal"
)

// Represents the 'berth version' command.
type VersionCmd struct {
	JSON bool `help:"Print build information as JSON."`
}

// Executes the version command.
func (c *VersionCmd) Run(ctx context.Context) error {
	if c.JSON {
		return printJSON(internal.Info())
	}
	fmt.Println(internal.VersionString())
	return nil
}

// Writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
