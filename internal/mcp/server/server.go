// Package server manages the lifecycle of exactly one tool server: startup,
// health, tool discovery, tool invocation, and shutdown.
//
// Local servers are child processes spoken to over newline-delimited JSON
// on stdin/stdout. Requests carry a numeric id; responses are correlated
// through an explicit pending-request table with a per-request timeout, so
// discovery and invocation can share the same streams concurrently.
// Everything the process writes that is not a correlated response is logged,
// never parsed as protocol traffic.
//
// Remote servers are plain HTTP endpoints: a GET reachability probe on
// start, POST /tools for discovery, and POST /tools/call for invocation.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolbridge/toolbridge/internal/mcp"
)

const (
	// settleInterval is how long a freshly spawned local process gets to
	// initialise before the server is declared ready.
	settleInterval = 3 * time.Second

	// connectTimeout bounds startup: the reachability probe for remote
	// servers and the outer limit on local process settling.
	connectTimeout = 10 * time.Second

	// rpcTimeout bounds a single request/response exchange on the local
	// line protocol, discovery included.
	rpcTimeout = 10 * time.Second
)

// rpcRequest is one line of the local wire protocol.
type rpcRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// rpcEnvelope is a decoded response line. Lines without an id are not
// protocol traffic.
type rpcEnvelope struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// rpcOutcome is what the read loop delivers to a pending waiter.
type rpcOutcome struct {
	result json.RawMessage
	errMsg string
}

// Server owns the lifecycle of one tool server. The zero value is not
// usable; create instances with [New]. All methods are safe for concurrent
// use.
type Server struct {
	cfg mcp.ServerConfig
	log *slog.Logger

	mu      sync.Mutex
	running bool

	// Local process state, valid while running.
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}

	// writeMu serialises request lines onto the process's stdin.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan rpcOutcome
	nextID    atomic.Int64

	httpClient *http.Client
}

// New validates cfg and returns a stopped Server for it. The logger is used
// for captured process output and state transitions; nil selects
// slog.Default.
func New(cfg mcp.ServerConfig, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("tool server: %w: missing name", mcp.ErrConfiguration)
	}
	if !cfg.Type.IsValid() {
		return nil, fmt.Errorf("tool server %q: %w: unknown type %q", cfg.Name, mcp.ErrConfiguration, cfg.Type)
	}
	switch cfg.Type {
	case mcp.ServerLocal:
		if cfg.Command == "" {
			return nil, fmt.Errorf("tool server %q: %w: local server requires a command", cfg.Name, mcp.ErrConfiguration)
		}
	case mcp.ServerRemote:
		if cfg.URL == "" {
			return nil, fmt.Errorf("tool server %q: %w: remote server requires a url", cfg.Name, mcp.ErrConfiguration)
		}
	}

	return &Server{
		cfg:        cfg,
		log:        log.With("server", cfg.Name),
		httpClient: &http.Client{Timeout: connectTimeout},
	}, nil
}

// Name returns the server's unique configuration name.
func (s *Server) Name() string {
	return s.cfg.Name
}

// Config returns the immutable configuration this server was built from.
func (s *Server) Config() mcp.ServerConfig {
	return s.cfg
}

// Running reports whether the server is currently usable. For local servers
// the flag flips to false the moment the child process exits.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// stringifyResult turns a raw protocol result into tool output text: a JSON
// string becomes its value, anything else stays compact JSON.
func stringifyResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
