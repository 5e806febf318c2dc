// Package manager batch-starts and stops the configured tool servers and
// presents a unified view of the tools they advertise.
//
// Start and stop fan out concurrently and always join: one unreachable or
// crashing server never aborts its siblings, it is just recorded and
// logged. Discovery failures degrade to "zero tools" for that server
// rather than failing startup. Crashed servers are not restarted
// automatically — [Manager.Restart] is an explicit operation, so a crash
// loop cannot mask a configuration error.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toolbridge/toolbridge/internal/mcp"
	"github.com/toolbridge/toolbridge/internal/mcp/server"
	"github.com/toolbridge/toolbridge/internal/observe"
	"github.com/toolbridge/toolbridge/pkg/types"
)

// instance pairs a server connection with its cached tool catalog.
// The catalog is only valid while the server is running.
type instance struct {
	srv   *server.Server
	tools []types.ToolDefinition
}

// Manager owns the set of tool server connections. The zero value is not
// usable; create instances with [New]. All methods are safe for concurrent
// use.
type Manager struct {
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.RWMutex
	servers map[string]*instance
}

// New creates an empty Manager. A nil logger selects slog.Default; a nil
// metrics disables instrumentation.
func New(log *slog.Logger, metrics *observe.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log,
		metrics: metrics,
		servers: make(map[string]*instance),
	}
}

// StartAll starts every enabled server concurrently and discovers its
// tools. Each server's failure is isolated: the method returns once every
// attempt has settled, with a per-server outcome map (nil means the server
// is up). Disabled servers are skipped and absent from the result.
func (m *Manager) StartAll(ctx context.Context, configs []mcp.ServerConfig) map[string]error {
	results := make(map[string]error, len(configs))
	var resultMu sync.Mutex

	var g errgroup.Group
	for _, cfg := range configs {
		if !cfg.Enabled {
			m.log.Debug("tool server disabled, skipping", "server", cfg.Name)
			continue
		}
		g.Go(func() error {
			err := m.startOne(ctx, cfg)
			resultMu.Lock()
			results[cfg.Name] = err
			resultMu.Unlock()
			if err != nil {
				m.log.Error("tool server failed to start", "server", cfg.Name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// startOne starts a single server and populates its tool catalog.
func (m *Manager) startOne(ctx context.Context, cfg mcp.ServerConfig) error {
	srv, err := server.New(cfg, m.log)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	tools, err := srv.DiscoverTools(ctx)
	if err != nil {
		// Non-fatal: the server still counts as running.
		m.log.Warn("tool discovery failed, continuing with zero tools",
			"server", cfg.Name, "error", err)
		tools = nil
	}

	m.mu.Lock()
	if old, ok := m.servers[cfg.Name]; ok {
		_ = old.srv.Stop()
	}
	m.servers[cfg.Name] = &instance{srv: srv, tools: tools}
	m.mu.Unlock()

	m.log.Info("tool server ready", "server", cfg.Name, "tools", len(tools))
	return nil
}

// StopAll stops every instance concurrently, tolerating individual
// failures, and clears the registry.
func (m *Manager) StopAll() {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*instance)
	m.mu.Unlock()

	var g errgroup.Group
	for name, inst := range servers {
		g.Go(func() error {
			if err := inst.srv.Stop(); err != nil {
				m.log.Error("tool server failed to stop", "server", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Stop shuts down the named server and removes it from the registry.
// Stopping an unknown name is a no-op.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	inst, ok := m.servers[name]
	if ok {
		delete(m.servers, name)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return inst.srv.Stop()
}

// Restart stops the named server (if present) and starts it again from the
// given configuration. Configuration is re-read, never mutated in place.
func (m *Manager) Restart(ctx context.Context, cfg mcp.ServerConfig) error {
	m.mu.Lock()
	if old, ok := m.servers[cfg.Name]; ok {
		_ = old.srv.Stop()
		delete(m.servers, cfg.Name)
	}
	m.mu.Unlock()

	if !cfg.Enabled {
		return fmt.Errorf("tool server %q: %w: disabled", cfg.Name, mcp.ErrConfiguration)
	}
	return m.startOne(ctx, cfg)
}

// ToolsByServer returns the cached tool catalogs of every running server,
// keyed by server name.
func (m *Manager) ToolsByServer() map[string][]types.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]types.ToolDefinition)
	for name, inst := range m.servers {
		if !inst.srv.Running() {
			continue
		}
		tools := make([]types.ToolDefinition, len(inst.tools))
		copy(tools, inst.tools)
		out[name] = tools
	}
	return out
}

// ToolsForServers returns the tool-offer list for the named servers, with
// every tool name qualified as "server/tool" so calls route back to their
// owner. An empty names list offers the whole catalog of every running
// server: an agent without an explicit allow-list sees everything.
func (m *Manager) ToolsForServers(names []string) []types.ToolDefinition {
	byServer := m.ToolsByServer()

	if len(names) == 0 {
		names = make([]string, 0, len(byServer))
		for name := range byServer {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []types.ToolDefinition
	for _, name := range names {
		for _, td := range byServer[name] {
			td.Name = name + "/" + td.Name
			out = append(out, td)
		}
	}
	return out
}

// ExecuteTool resolves which server owns the named tool and invokes it.
// Qualified names ("server/tool") dispatch directly; bare names are looked
// up across all running catalogs. args must be a JSON object string; an
// empty string is treated as "{}". Unknown names fail with
// [mcp.ErrInvalidTool].
func (m *Manager) ExecuteTool(ctx context.Context, name string, args string) (string, error) {
	argMap, err := decodeArgs(args)
	if err != nil {
		return "", fmt.Errorf("tool %q: %w", name, err)
	}

	serverName, toolName, err := m.resolve(name)
	if err != nil {
		return "", err
	}

	m.mu.RLock()
	inst, ok := m.servers[serverName]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool %q: %w", name, mcp.ErrInvalidTool)
	}

	start := time.Now()
	result, err := inst.srv.CallTool(ctx, toolName, argMap)
	m.recordCall(ctx, serverName, toolName, time.Since(start), err)
	if err != nil {
		return "", err
	}
	return result, nil
}

// resolve maps a possibly-qualified tool name to its owning server.
func (m *Manager) resolve(name string) (serverName, toolName string, err error) {
	if srv, tool, ok := strings.Cut(name, "/"); ok {
		m.mu.RLock()
		inst, exists := m.servers[srv]
		m.mu.RUnlock()
		if exists && advertises(inst.tools, tool) {
			return srv, tool, nil
		}
		return "", "", fmt.Errorf("tool %q: %w", name, mcp.ErrInvalidTool)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for srv, inst := range m.servers {
		if advertises(inst.tools, name) {
			return srv, name, nil
		}
	}
	return "", "", fmt.Errorf("tool %q: %w", name, mcp.ErrInvalidTool)
}

// advertises reports whether the catalog contains a tool with this name.
func advertises(tools []types.ToolDefinition, name string) bool {
	for _, td := range tools {
		if td.Name == name {
			return true
		}
	}
	return false
}

// decodeArgs parses a tool argument payload into a structured object.
// Anything that is not a JSON object is a typed error, never a silent
// pass-through.
func decodeArgs(args string) (map[string]any, error) {
	if args == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(args), &m); err != nil {
		return nil, fmt.Errorf("invalid argument object: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// recordCall updates the tool execution instruments, when configured.
func (m *Manager) recordCall(ctx context.Context, serverName, toolName string, elapsed time.Duration, err error) {
	if m.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordToolCall(ctx, serverName, toolName, status, elapsed)
}
