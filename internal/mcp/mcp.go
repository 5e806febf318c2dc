// Package mcp defines the configuration and error types shared by the tool
// server connection ([server.Server]) and the tool server manager
// ([manager.Manager]).
//
// A tool server is an external process or HTTP endpoint offering a catalog
// of callable tools (the Model Context Protocol). Local servers are spawned
// as child processes and spoken to over newline-delimited JSON on
// stdin/stdout; remote servers are plain HTTP endpoints.
package mcp

// ServerType discriminates the tool server config union.
type ServerType string

const (
	// ServerLocal spawns a child process and communicates over stdin/stdout.
	ServerLocal ServerType = "local"

	// ServerRemote communicates with an HTTP endpoint.
	ServerRemote ServerType = "remote"
)

// IsValid reports whether t is a recognised server type.
func (t ServerType) IsValid() bool {
	return t == ServerLocal || t == ServerRemote
}

// ServerConfig describes how to reach a single tool server. It is immutable
// once loaded; restarting a server re-reads configuration rather than
// mutating live state.
//
// The Type field selects which of the remaining fields apply:
//
//	local  — Command, Args, Env
//	remote — URL, Headers
type ServerConfig struct {
	// Name is the unique identifier for this server. Used to qualify tool
	// names ("name/tool"), in log messages, and in errors.
	Name string `yaml:"name"`

	// Type selects the connection mechanism.
	Type ServerType `yaml:"type"`

	// Command is the executable launched when Type is local.
	Command string `yaml:"command"`

	// Args are the command line arguments for the local command.
	Args []string `yaml:"args"`

	// Env holds environment overrides merged over the ambient environment
	// of the local process. May be nil.
	Env map[string]string `yaml:"environment"`

	// URL is the base endpoint address when Type is remote.
	URL string `yaml:"url"`

	// Headers are sent with every request to a remote server. May be nil.
	Headers map[string]string `yaml:"headers"`

	// Enabled gates whether the manager starts this server at all.
	Enabled bool `yaml:"enabled"`
}
