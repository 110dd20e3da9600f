package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Names a request or response.
type Command string

const (
	CmdBuild    Command = "build"
	CmdStatus   Command = "status"
	CmdShutdown Command = "shutdown"

	CmdOK    Command = "ok"
	CmdError Command = "error"
)

// Upper bound on one encoded message.
const MaxMessageSize = 4 << 20

var (
	ErrMalformed       = errors.New("malformed message")
	ErrMessageTooLarge = errors.New("message too large")
)

// Wire form of every message.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Requests a build. Paths are absolute on the daemon's host.
type BuildRequest struct {
	Recipe   string `json:"recipe"`             // Recipe file.
	Context  string `json:"context"`            // Directory copy sources are resolved against.
	Output   string `json:"output,omitempty"`   // Overrides the recipe's output directory.
	Name     string `json:"name,omitempty"`     // Overrides the recipe's image name.
	Platform string `json:"platform,omitempty"` // Overrides the recipe's platform.
	NoCache  bool   `json:"no_cache,omitempty"` // Skip layer cache lookups.
}

// Reports a finished build.
type BuildResult struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Digest     string   `json:"digest"`
	Archive    string   `json:"archive,omitempty"`
	Entrypoint []string `json:"entrypoint"`
	Port       int      `json:"port"`
	Stages     int      `json:"stages"` // Stages applied.
	Cached     int      `json:"cached"` // Stages served from the layer cache.
}

// Reports the daemon's state.
type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Builds  int    `json:"builds"` // Builds completed successfully.
	Failed  int    `json:"failed"` // Builds that returned an error.
	Active  int    `json:"active"` // Builds in progress.
}

// Reports a failed request.
type ErrorResult struct {
	Message string `json:"message"`
}

func (e *ErrorResult) Error() string {
	return e.Message
}

// Encodes an envelope carrying payload, without a trailing newline. A nil
// payload is omitted.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", cmd, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decodes one envelope and returns it with its raw payload.
func Decode(line []byte) (*Envelope, json.RawMessage, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil, fmt.Errorf("%w: empty", ErrMalformed)
	}

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Command == "" {
		return nil, nil, fmt.Errorf("%w: missing command", ErrMalformed)
	}
	return &env, env.Payload, nil
}

// Decodes a payload into T. An empty payload gives T's zero value.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &v, nil
}

// Writes one envelope followed by a newline.
func Write(w io.Writer, cmd Command, payload any) error {
	data, err := Encode(cmd, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// Reads one newline-terminated envelope.
func Read(r *bufio.Reader) (*Envelope, json.RawMessage, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, nil, err
		}
		line = append(line, chunk...)
		if len(line) > MaxMessageSize {
			return nil, nil, ErrMessageTooLarge
		}
		if !isPrefix {
			break
		}
	}
	return Decode(line)
}
