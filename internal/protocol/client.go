package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// The daemon is not listening on the socket.
var ErrNotRunning = errors.New("daemon not running")

// Sends one request to the daemon at socketPath and waits for its response.
//
// An ok response is decoded into result when result is non-nil. An error
// response is returned as an [*ErrorResult]. Cancelling ctx closes the
// connection, which cancels the request on the daemon's side.
func Call(ctx context.Context, socketPath string, cmd Command, payload, result any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotRunning, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := Write(conn, cmd, payload); err != nil {
		return err
	}

	env, raw, err := Read(bufio.NewReader(conn))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read %s response: %w", cmd, err)
	}

	switch env.Command {
	case CmdOK:
		if result == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return nil
	case CmdError:
		res, err := DecodePayload[ErrorResult](raw)
		if err != nil {
			return err
		}
		return res
	default:
		return fmt.Errorf("%w: unexpected response %q", ErrMalformed, env.Command)
	}
}
