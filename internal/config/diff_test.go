package config_test

import (
	"testing"

	"github.com/toolbridge/toolbridge/internal/config"
	"github.com/toolbridge/toolbridge/internal/mcp"
)

func srv(name string) mcp.ServerConfig {
	return mcp.ServerConfig{
		Name:    name,
		Type:    mcp.ServerRemote,
		URL:     "https://tools.example/" + name,
		Enabled: true,
	}
}

// TestDiff_NoChanges verifies that identical configs produce an empty diff.
func TestDiff_NoChanges(t *testing.T) {
	old := &config.Config{
		Server:      config.ServerConfig{LogLevel: config.LogInfo},
		ToolServers: []mcp.ServerConfig{srv("a")},
	}
	new := &config.Config{
		Server:      config.ServerConfig{LogLevel: config.LogInfo},
		ToolServers: []mcp.ServerConfig{srv("a")},
	}

	d := config.Diff(old, new)
	if d.ServersChanged || d.LogLevelChanged {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

// TestDiff_ServerLifecycle verifies added, changed, and removed servers in a
// single comparison.
func TestDiff_ServerLifecycle(t *testing.T) {
	changed := srv("keep")
	changed.Headers = map[string]string{"X-Api-Key": "rotated"}

	old := &config.Config{ToolServers: []mcp.ServerConfig{srv("keep"), srv("gone")}}
	new := &config.Config{ToolServers: []mcp.ServerConfig{changed, srv("fresh")}}

	d := config.Diff(old, new)
	if !d.ServersChanged {
		t.Fatal("ServersChanged: got false")
	}

	names := make(map[string]bool, len(d.AddedOrChanged))
	for _, s := range d.AddedOrChanged {
		names[s.Name] = true
	}
	if len(names) != 2 || !names["keep"] || !names["fresh"] {
		t.Errorf("AddedOrChanged: got %v, want keep and fresh", names)
	}
	if len(d.Removed) != 1 || d.Removed[0] != "gone" {
		t.Errorf("Removed: got %v, want [gone]", d.Removed)
	}
}

// TestDiff_DisableIsChange verifies that flipping Enabled counts as a change
// so the manager gets a restart request it can act on.
func TestDiff_DisableIsChange(t *testing.T) {
	disabled := srv("a")
	disabled.Enabled = false

	old := &config.Config{ToolServers: []mcp.ServerConfig{srv("a")}}
	new := &config.Config{ToolServers: []mcp.ServerConfig{disabled}}

	d := config.Diff(old, new)
	if !d.ServersChanged || len(d.AddedOrChanged) != 1 {
		t.Errorf("expected the disabled server in AddedOrChanged, got %+v", d)
	}
}

// TestDiff_LogLevel verifies log level tracking independent of servers.
func TestDiff_LogLevel(t *testing.T) {
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff: got %+v", d)
	}
	if d.ServersChanged {
		t.Error("ServersChanged: got true for a log-level-only change")
	}
}
