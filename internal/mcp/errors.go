package mcp

import "errors"

// Sentinel errors for the tool server subsystem. Match with errors.Is.
var (
	// ErrConfiguration marks a bad or missing tool server configuration.
	ErrConfiguration = errors.New("invalid tool server configuration")

	// ErrConnection marks a failure to reach a remote server or spawn a
	// local one.
	ErrConnection = errors.New("cannot connect to tool server")

	// ErrServerNotRunning marks an operation attempted on a stopped
	// instance. Cached tool catalogs are only valid while running.
	ErrServerNotRunning = errors.New("tool server not running")

	// ErrDiscoveryTimeout marks a tool discovery that did not answer in
	// time. Non-fatal: the manager degrades the server to zero tools and
	// keeps it running.
	ErrDiscoveryTimeout = errors.New("tool discovery timed out")

	// ErrInvalidTool marks a tool name no running server advertises.
	ErrInvalidTool = errors.New("unknown tool")
)
