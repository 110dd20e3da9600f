package server

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cruciblehq/berth/internal"
	"github.com/cruciblehq/berth/internal/build"
	"github.com/cruciblehq/berth/internal/protocol"
	"github.com/cruciblehq/berth/internal/recipe"
)

// Handles a build command.
//
// Loads the recipe named in the request and builds it. The build is
// cancelled if the client disconnects or the server stops.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	r, err := recipe.Load(req.Recipe)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	finish, err := s.begin()
	if err != nil {
		s.respondError(conn, err)
		return
	}

	result, err := s.build(ctx, r, build.Options{
		Context:  cmp.Or(req.Context, filepath.Dir(req.Recipe)),
		Output:   req.Output,
		Name:     req.Name,
		Platform: req.Platform,
		NoCache:  req.NoCache,
		Observer: s.metrics,
	})
	finish(err)

	if err != nil {
		s.respondError(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, BuildResult(result))
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	status := &protocol.StatusResult{
		Running: !s.stopping,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  time.Since(s.startedAt).Truncate(time.Second).String(),
		Builds:  s.builds,
		Failed:  s.failed,
		Active:  s.active,
	}
	s.mu.Unlock()

	s.respond(conn, protocol.CmdOK, status)
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go s.Stop()
}

// Registers a build in progress and returns the function that records its
// outcome. Refused once the server is stopping.
func (s *Server) begin() (func(error), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return nil, ErrStopped
	}

	s.active++
	untrack := s.metrics.Track()

	return func(err error) {
		untrack()

		s.mu.Lock()
		defer s.mu.Unlock()

		s.active--
		if err != nil {
			s.failed++
		} else {
			s.builds++
		}
	}, nil
}

// Converts a build result to its wire form.
func BuildResult(res *build.Result) *protocol.BuildResult {
	out := &protocol.BuildResult{
		ID:         res.ID,
		Name:       res.Image.Name,
		Digest:     res.Image.Digest.String(),
		Archive:    res.Image.Archive,
		Entrypoint: res.Image.Entrypoint,
		Port:       res.Image.Port,
		Stages:     len(res.Snapshot.Chain),
	}
	for _, rec := range res.Snapshot.Chain {
		if rec.Cached {
			out.Cached++
		}
	}
	return out
}
