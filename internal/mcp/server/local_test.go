package server_test

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/toolbridge/toolbridge/internal/mcp"
	"github.com/toolbridge/toolbridge/internal/mcp/server"
)

// shServer returns a local server config running script under /bin/sh.
func shServer(name, script string) mcp.ServerConfig {
	return mcp.ServerConfig{
		Name:    name,
		Type:    mcp.ServerLocal,
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		Enabled: true,
	}
}

// requireUnix skips tests that need a POSIX shell.
func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

// TestNew_Validation verifies the config checks: name, type, and the
// type-specific required field.
func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  mcp.ServerConfig
	}{
		{"missing name", mcp.ServerConfig{Type: mcp.ServerLocal, Command: "true"}},
		{"unknown type", mcp.ServerConfig{Name: "x", Type: "carrier-pigeon"}},
		{"local without command", mcp.ServerConfig{Name: "x", Type: mcp.ServerLocal}},
		{"remote without url", mcp.ServerConfig{Name: "x", Type: mcp.ServerRemote}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := server.New(tt.cfg, nil)
			if !errors.Is(err, mcp.ErrConfiguration) {
				t.Errorf("got %v, want ErrConfiguration", err)
			}
		})
	}
}

// TestOps_NotRunning verifies that discovery and invocation on a stopped
// server fail with ErrServerNotRunning.
func TestOps_NotRunning(t *testing.T) {
	s, err := server.New(shServer("stopped", "cat"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := s.DiscoverTools(context.Background()); !errors.Is(err, mcp.ErrServerNotRunning) {
		t.Errorf("DiscoverTools: got %v, want ErrServerNotRunning", err)
	}
	if _, err := s.CallTool(context.Background(), "echo", nil); !errors.Is(err, mcp.ErrServerNotRunning) {
		t.Errorf("CallTool: got %v, want ErrServerNotRunning", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop on stopped server: %v", err)
	}
}

// TestLocal_StartFailure verifies that an unspawnable command fails with
// ErrConnection.
func TestLocal_StartFailure(t *testing.T) {
	cfg := mcp.ServerConfig{
		Name:    "ghost",
		Type:    mcp.ServerLocal,
		Command: "/no/such/binary/anywhere",
		Enabled: true,
	}
	s, err := server.New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, mcp.ErrConnection) {
		t.Errorf("Start: got %v, want ErrConnection", err)
	}
	if s.Running() {
		t.Error("Running: got true after failed start")
	}
}

// TestLocal_ExitDuringStartup verifies that a process dying while settling
// fails startup with ErrConnection.
func TestLocal_ExitDuringStartup(t *testing.T) {
	requireUnix(t)

	s, err := server.New(shServer("flaky", "exit 3"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, mcp.ErrConnection) {
		t.Errorf("Start: got %v, want ErrConnection", err)
	}
}

// TestLocal_DiscoverAndCall exercises the full line protocol against a
// shell-scripted tool server: non-protocol output is ignored, discovery
// parses the catalog, and a call returns the unquoted string result.
func TestLocal_DiscoverAndCall(t *testing.T) {
	requireUnix(t)

	const script = `
echo starting up
read line
printf '{"id":1,"result":{"tools":[{"name":"echo","description":"Echoes text back","parameters":{"type":"object"}}]}}\n'
read line
printf '{"id":2,"result":"pong"}\n'
cat >/dev/null
`
	s, err := server.New(shServer("scripted", script), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if !s.Running() {
		t.Fatal("Running: got false after start")
	}

	tools, err := s.DiscoverTools(ctx)
	if err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("tools: got %+v, want one tool named echo", tools)
	}

	result, err := s.CallTool(ctx, "echo", map[string]any{"text": "ping"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result != "pong" {
		t.Errorf("result: got %q, want %q", result, "pong")
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if s.Running() {
		t.Error("Running: got true after stop")
	}
}

// TestLocal_ProtocolError verifies that an error response surfaces its
// message while the server keeps running.
func TestLocal_ProtocolError(t *testing.T) {
	requireUnix(t)

	const script = `
read line
printf '{"id":1,"error":{"message":"tool exploded"}}\n'
cat >/dev/null
`
	s, err := server.New(shServer("angry", script), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	_, err = s.DiscoverTools(ctx)
	if err == nil {
		t.Fatal("DiscoverTools: expected protocol error, got nil")
	}
	if !strings.Contains(err.Error(), "tool exploded") {
		t.Errorf("error text: got %q, want it to mention the server message", err)
	}
	if !s.Running() {
		t.Error("Running: got false, a protocol error must not stop the server")
	}
}
