package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/berth/internal/protocol"
)

// Represents the 'berth status' command.
type StatusCmd struct {
	JSON bool `help:"Print the status as JSON."`
}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	var status protocol.StatusResult
	if err := protocol.Call(ctx, socketPath(), protocol.CmdStatus, nil, &status); err != nil {
		return err
	}

	if c.JSON {
		return printJSON(&status)
	}

	fmt.Printf("version: %s\n", status.Version)
	fmt.Printf("pid:     %d\n", status.Pid)
	fmt.Printf("uptime:  %s\n", status.Uptime)
	fmt.Printf("builds:  %d ok, %d failed, %d active\n", status.Builds, status.Failed, status.Active)
	return nil
}

// Represents the 'berth stop' command.
type StopCmd struct{}

// Executes the stop command.
func (c *StopCmd) Run(ctx context.Context) error {
	return protocol.Call(ctx, socketPath(), protocol.CmdShutdown, nil, nil)
}
