package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/toolbridge/toolbridge/internal/mcp"
	"github.com/toolbridge/toolbridge/pkg/types"
)

// errRequestTimeout marks a line-protocol exchange that saw no matching
// response in time. Discovery maps it to [mcp.ErrDiscoveryTimeout].
var errRequestTimeout = errors.New("request timed out")

// startLocal spawns the configured command with the configured environment
// merged over the ambient one, attaches to its streams, and waits the
// settle interval (or the connectivity deadline, whichever fires first)
// before declaring the server ready. A process that exits during settling
// fails startup with [mcp.ErrConnection].
func (s *Server) startLocal(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("tool server %q: stdin pipe: %w", s.cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tool server %q: stdout pipe: %w", s.cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("tool server %q: stderr pipe: %w", s.cfg.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("tool server %q: %w: %w", s.cfg.Name, mcp.ErrConnection, err)
	}

	exited := make(chan struct{})

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.exited = exited
	s.running = true
	s.mu.Unlock()

	s.pendingMu.Lock()
	s.pending = make(map[int64]chan rpcOutcome)
	s.pendingMu.Unlock()

	go s.readLoop(stdout)
	go s.logStderr(stderr)
	go s.waitExit(cmd, exited)

	// The connectivity deadline caps the settle wait for configurations
	// that shrink it below the settle interval.
	settle := time.After(min(settleInterval, connectTimeout))
	select {
	case <-settle:
		s.log.Info("tool server started", "pid", cmd.Process.Pid)
		return nil
	case <-exited:
		return fmt.Errorf("tool server %q: %w: process exited during startup", s.cfg.Name, mcp.ErrConnection)
	case <-ctx.Done():
		_ = s.Stop()
		return fmt.Errorf("tool server %q: start: %w", s.cfg.Name, ctx.Err())
	}
}

// waitExit reaps the child process, flips the running flag, and wakes every
// pending waiter. Restarting after a crash is the manager's explicit
// decision, never automatic.
func (s *Server) waitExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	close(exited)

	if wasRunning {
		s.log.Warn("tool server process exited", "error", err)
	} else {
		s.log.Debug("tool server process stopped", "error", err)
	}
}

// readLoop scans process stdout line by line. Lines decoding to a response
// with a pending id are delivered to their waiter; everything else is
// captured as log output.
func (s *Server) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()

		var env rpcEnvelope
		if err := json.Unmarshal(line, &env); err != nil || env.ID == nil {
			s.log.Debug("tool server stdout", "line", string(line))
			continue
		}

		s.pendingMu.Lock()
		ch, ok := s.pending[*env.ID]
		if ok {
			delete(s.pending, *env.ID)
		}
		s.pendingMu.Unlock()

		if !ok {
			s.log.Debug("tool server response with no pending request", "id", *env.ID)
			continue
		}

		out := rpcOutcome{result: env.Result}
		if env.Error != nil {
			out.errMsg = env.Error.Message
		}
		ch <- out
	}
}

// logStderr forwards process stderr to the log.
func (s *Server) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.log.Warn("tool server stderr", "line", scanner.Text())
	}
}

// send writes one request line to the process and waits for the correlated
// response, the per-request timeout, process exit, or ctx cancellation —
// whichever comes first.
func (s *Server) send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("tool server %q: %w", s.cfg.Name, mcp.ErrServerNotRunning)
	}
	stdin := s.stdin
	exited := s.exited
	s.mu.Unlock()

	id := s.nextID.Add(1)
	ch := make(chan rpcOutcome, 1)

	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	body, err := json.Marshal(rpcRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("tool server %q: marshal request: %w", s.cfg.Name, err)
	}

	s.writeMu.Lock()
	_, err = stdin.Write(append(body, '\n'))
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("tool server %q: write request: %w", s.cfg.Name, err)
	}

	timer := time.NewTimer(rpcTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.errMsg != "" {
			return nil, fmt.Errorf("tool server %q: %s: %s", s.cfg.Name, method, out.errMsg)
		}
		return out.result, nil
	case <-timer.C:
		return nil, fmt.Errorf("tool server %q: %s: %w", s.cfg.Name, method, errRequestTimeout)
	case <-exited:
		return nil, fmt.Errorf("tool server %q: %w", s.cfg.Name, mcp.ErrServerNotRunning)
	case <-ctx.Done():
		return nil, fmt.Errorf("tool server %q: %s: %w", s.cfg.Name, method, ctx.Err())
	}
}

// discoverLocal performs tools/list over the line protocol.
func (s *Server) discoverLocal(ctx context.Context) ([]types.ToolDefinition, error) {
	raw, err := s.send(ctx, "tools/list", struct{}{})
	if err != nil {
		if errors.Is(err, errRequestTimeout) {
			return nil, fmt.Errorf("tool server %q: %w", s.cfg.Name, mcp.ErrDiscoveryTimeout)
		}
		return nil, err
	}

	var result struct {
		Tools []types.ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("tool server %q: decode tool list: %w", s.cfg.Name, err)
	}
	return result.Tools, nil
}

// callLocal performs tools/call over the line protocol, reusing the same
// request/response correlation scheme as discovery.
func (s *Server) callLocal(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := s.send(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	return stringifyResult(raw), nil
}
