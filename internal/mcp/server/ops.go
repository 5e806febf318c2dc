package server

import (
	"context"
	"fmt"

	"github.com/toolbridge/toolbridge/internal/mcp"
	"github.com/toolbridge/toolbridge/pkg/types"
)

// Start brings the server up: spawning and settling the child process for
// local servers, probing reachability for remote ones. Starting an already
// running server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	switch s.cfg.Type {
	case mcp.ServerLocal:
		return s.startLocal(ctx)
	case mcp.ServerRemote:
		return s.startRemote(ctx)
	default:
		return fmt.Errorf("tool server %q: %w: unknown type %q", s.cfg.Name, mcp.ErrConfiguration, s.cfg.Type)
	}
}

// DiscoverTools asks the running server for its tool catalog. A timeout is
// reported as [mcp.ErrDiscoveryTimeout] and leaves the server running; the
// manager treats any discovery failure as "zero tools".
func (s *Server) DiscoverTools(ctx context.Context) ([]types.ToolDefinition, error) {
	if !s.Running() {
		return nil, fmt.Errorf("tool server %q: %w", s.cfg.Name, mcp.ErrServerNotRunning)
	}

	switch s.cfg.Type {
	case mcp.ServerLocal:
		return s.discoverLocal(ctx)
	case mcp.ServerRemote:
		return s.discoverRemote(ctx)
	default:
		return nil, fmt.Errorf("tool server %q: %w: unknown type %q", s.cfg.Name, mcp.ErrConfiguration, s.cfg.Type)
	}
}

// CallTool invokes the named tool with the given argument object and
// returns its textual output. Calling a tool on a stopped server fails with
// [mcp.ErrServerNotRunning].
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if !s.Running() {
		return "", fmt.Errorf("tool server %q: %w", s.cfg.Name, mcp.ErrServerNotRunning)
	}

	switch s.cfg.Type {
	case mcp.ServerLocal:
		return s.callLocal(ctx, name, args)
	case mcp.ServerRemote:
		return s.callRemote(ctx, name, args)
	default:
		return "", fmt.Errorf("tool server %q: %w: unknown type %q", s.cfg.Name, mcp.ErrConfiguration, s.cfg.Type)
	}
}

// Stop shuts the server down. Local processes are killed forcefully; remote
// instances are simply dropped. Stopping an already stopped server is a
// no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.cfg.Type == mcp.ServerLocal && s.cmd != nil && s.cmd.Process != nil {
		if err := s.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("tool server %q: kill process: %w", s.cfg.Name, err)
		}
	}
	return nil
}
