package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/toolbridge/toolbridge/internal/mcp"
	"github.com/toolbridge/toolbridge/pkg/types"
)

// startRemote probes the configured URL for reachability. Any HTTP response
// counts as reachable; only a transport failure raises [mcp.ErrConnection].
// There is no connection to hold — remote servers are stateless HTTP.
func (s *Server) startRemote(ctx context.Context) error {
	req, err := s.remoteRequest(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tool server %q: %w: %w", s.cfg.Name, mcp.ErrConnection, err)
	}
	resp.Body.Close()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.log.Info("tool server reachable", "url", s.cfg.URL, "status", resp.StatusCode)
	return nil
}

// discoverRemote POSTs a tools/list request to the /tools endpoint. The 2xx
// body is either {"tools": [...]} or a bare array; anything else is a
// discovery error, which the manager degrades to zero tools.
func (s *Server) discoverRemote(ctx context.Context) ([]types.ToolDefinition, error) {
	body, err := s.postJSON(ctx, s.endpoint("/tools"), map[string]any{
		"method": "tools/list",
		"params": map[string]any{},
	})
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Tools []types.ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Tools != nil {
		return wrapped.Tools, nil
	}

	var bare []types.ToolDefinition
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}
	return nil, fmt.Errorf("tool server %q: decode tool list: unrecognised response shape", s.cfg.Name)
}

// callRemote POSTs a tool invocation to the /tools/call endpoint and
// returns the response's result field, or the whole body when there is no
// result field.
func (s *Server) callRemote(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := s.postJSON(ctx, s.endpoint("/tools/call"), map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}

	var wrapped struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Result != nil {
		return stringifyResult(wrapped.Result), nil
	}
	return stringifyResult(body), nil
}

// endpoint joins the configured base URL with a protocol path.
func (s *Server) endpoint(path string) string {
	return strings.TrimRight(s.cfg.URL, "/") + path
}

// remoteRequest builds a request carrying the configured headers.
func (s *Server) remoteRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("tool server %q: build request: %w", s.cfg.Name, err)
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// postJSON sends payload to url and returns the 2xx response body.
func (s *Server) postJSON(ctx context.Context, url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("tool server %q: marshal request: %w", s.cfg.Name, err)
	}

	req, err := s.remoteRequest(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool server %q: %w: %w", s.cfg.Name, mcp.ErrConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("tool server %q: read response: %w", s.cfg.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("tool server %q: unexpected status %d: %s",
			s.cfg.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
