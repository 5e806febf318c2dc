package config

import (
	"maps"

	"github.com/toolbridge/toolbridge/internal/mcp"
)

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded are tracked: tool servers are restarted by
// name, the log level is swapped in place.
type ConfigDiff struct {
	// ServersChanged is true when any tool server was added, removed, or
	// reconfigured.
	ServersChanged bool

	// AddedOrChanged lists server configs that need a (re)start.
	AddedOrChanged []mcp.ServerConfig

	// Removed lists names of servers no longer present.
	Removed []string

	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// Diff compares old and new configs and returns what changed.
// Provider and history settings are deliberately excluded: changing them
// requires a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServers := make(map[string]mcp.ServerConfig, len(old.ToolServers))
	for _, srv := range old.ToolServers {
		oldServers[srv.Name] = srv
	}
	newServers := make(map[string]mcp.ServerConfig, len(new.ToolServers))
	for _, srv := range new.ToolServers {
		newServers[srv.Name] = srv
	}

	for _, srv := range new.ToolServers {
		prev, existed := oldServers[srv.Name]
		if existed && serverEqual(prev, srv) {
			continue
		}
		d.AddedOrChanged = append(d.AddedOrChanged, srv)
		d.ServersChanged = true
	}
	for name := range oldServers {
		if _, exists := newServers[name]; !exists {
			d.Removed = append(d.Removed, name)
			d.ServersChanged = true
		}
	}

	return d
}

// serverEqual compares two server configs field by field. ServerConfig
// holds maps and slices, so == is not available.
func serverEqual(a, b mcp.ServerConfig) bool {
	if a.Name != b.Name || a.Type != b.Type || a.Command != b.Command ||
		a.URL != b.URL || a.Enabled != b.Enabled {
		return false
	}
	if len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	return maps.Equal(a.Env, b.Env) && maps.Equal(a.Headers, b.Headers)
}
