package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/toolbridge/toolbridge/pkg/chat"
	"github.com/toolbridge/toolbridge/pkg/chat/ollama"
	"github.com/toolbridge/toolbridge/pkg/types"
)

// capturedChat is what the mock server decodes from /api/chat requests.
type capturedChat struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string   `json:"role"`
		Content string   `json:"content"`
		Images  []string `json:"images"`
	} `json:"messages"`
	Tools  []json.RawMessage `json:"tools"`
	Stream bool              `json:"stream"`
}

// mockChatServer serves /api/chat with a canned single-document reply and
// records the last decoded request.
func mockChatServer(t *testing.T, reply map[string]any) (*httptest.Server, *capturedChat) {
	t.Helper()
	captured := &capturedChat{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: got %q, want /api/chat", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	}))
	return srv, captured
}

// TestHealthCheck verifies that a reachable /api/version endpoint passes and
// an unreachable server fails with ErrProviderUnavailable.
func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/version" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"version": "0.5.0"})
	}))
	defer srv.Close()

	p := ollama.New(srv.URL)
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}

	down := ollama.New("http://127.0.0.1:19999")
	err := down.HealthCheck(context.Background())
	if !errors.Is(err, chat.ErrProviderUnavailable) {
		t.Errorf("HealthCheck on dead server: got %v, want ErrProviderUnavailable", err)
	}
}

// TestListModels verifies that /api/tags results are mapped to ModelInfo
// with the configured context window.
func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{"name": "llama3.1:8b"},
				{"name": "qwen2.5:7b"},
			},
		})
	}))
	defer srv.Close()

	p := ollama.New(srv.URL, ollama.WithContextWindow(4096))
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
	if models[0].Name != "llama3.1:8b" || models[0].ContextWindow != 4096 {
		t.Errorf("models[0]: got %+v", models[0])
	}
}

// TestChat_Buffered verifies a plain non-streaming completion.
func TestChat_Buffered(t *testing.T) {
	srv, captured := mockChatServer(t, map[string]any{
		"message": map[string]any{"role": "assistant", "content": "hi there"},
		"done":    true,
	})
	defer srv.Close()

	p := ollama.New(srv.URL)
	resp, err := p.Chat(context.Background(), chat.Request{
		Model: "llama3.1",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "hi there" {
		t.Errorf("content: got %q, want %q", resp.Message.Content, "hi there")
	}
	if !resp.Done {
		t.Error("Done: got false, want true")
	}
	if captured.Model != "llama3.1" || captured.Stream {
		t.Errorf("request: got model %q stream %v", captured.Model, captured.Stream)
	}
}

// TestChat_SyntheticToolCallIDs verifies that returned tool calls get
// synthetic ids, since Ollama does not issue any.
func TestChat_SyntheticToolCallIDs(t *testing.T) {
	srv, _ := mockChatServer(t, map[string]any{
		"message": map[string]any{
			"role": "assistant",
			"tool_calls": []map[string]any{
				{"function": map[string]any{"name": "files/read", "arguments": map[string]any{"path": "/tmp/a"}}},
				{"function": map[string]any{"name": "files/list", "arguments": map[string]any{}}},
			},
		},
		"done":        false,
		"done_reason": "tool_calls",
	})
	defer srv.Close()

	p := ollama.New(srv.URL)
	resp, err := p.Chat(context.Background(), chat.Request{
		Model:    "llama3.1",
		Messages: []types.Message{{Role: types.RoleUser, Content: "read the file"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(resp.Message.ToolCalls))
	}
	for i, tc := range resp.Message.ToolCalls {
		want := fmt.Sprintf("call_%d", i+1)
		if tc.ID != want {
			t.Errorf("tool call %d id: got %q, want %q", i, tc.ID, want)
		}
	}
	if resp.Message.ToolCalls[0].Name != "files/read" {
		t.Errorf("tool call 0 name: got %q", resp.Message.ToolCalls[0].Name)
	}
	if resp.Done {
		t.Error("Done: got true, want false for a tool-call stop")
	}
}

// TestChat_ImagePartsSplit verifies that inline image parts move into
// Ollama's separate images list instead of the message content.
func TestChat_ImagePartsSplit(t *testing.T) {
	srv, captured := mockChatServer(t, map[string]any{
		"message": map[string]any{"role": "assistant", "content": "a cat"},
		"done":    true,
	})
	defer srv.Close()

	p := ollama.New(srv.URL)
	_, err := p.Chat(context.Background(), chat.Request{
		Model: "llava",
		Messages: []types.Message{{
			Role: types.RoleUser,
			Parts: []types.Part{
				{Kind: types.PartText, Text: "what is in this picture?"},
				{Kind: types.PartImage, ImageData: "QUJDRA==", MIMEType: "image/png"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(captured.Messages) != 1 {
		t.Fatalf("got %d wire messages, want 1", len(captured.Messages))
	}
	wm := captured.Messages[0]
	if wm.Content != "what is in this picture?" {
		t.Errorf("content: got %q", wm.Content)
	}
	if len(wm.Images) != 1 || wm.Images[0] != "QUJDRA==" {
		t.Errorf("images: got %v", wm.Images)
	}
}

// TestChat_Streaming verifies that NDJSON chunks arrive as fragments and
// the channel closes after the done document.
func TestChat_Streaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		chunks := []string{
			`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"message":{"role":"assistant","content":"lo!"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`,
		}
		for _, c := range chunks {
			fmt.Fprintln(w, c)
		}
	}))
	defer srv.Close()

	p := ollama.New(srv.URL)
	resp, err := p.Chat(context.Background(), chat.Request{
		Model:    "llama3.1",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("Stream is nil for a streaming request")
	}

	var text string
	for frag := range resp.Stream {
		if frag.Err != nil {
			t.Fatalf("fragment error: %v", frag.Err)
		}
		text += frag.Text
	}
	if text != "Hello!" {
		t.Errorf("streamed text: got %q, want %q", text, "Hello!")
	}
}

// TestChat_CancelBuffered verifies that cancelling a buffered call rejects
// with ErrCancelled the instant the signal fires, even while the HTTP
// round trip is still hanging.
func TestChat_CancelBuffered(t *testing.T) {
	stopCh := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-stopCh:
		}
	}))
	defer srv.Close()
	defer close(stopCh)

	p := ollama.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Chat(ctx, chat.Request{
			Model:    "llama3.1",
			Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, chat.ErrCancelled) {
			t.Errorf("got %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Chat did not return promptly after cancel")
	}
}

// TestChat_CancelMidStream verifies that cancelling during a stream stops
// fragment delivery: a terminal fragment carrying ErrCancelled arrives and
// the channel closes, with no content fragments after the cancellation.
func TestChat_CancelMidStream(t *testing.T) {
	firstChunkSent := make(chan struct{})
	stopCh := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"first"},"done":false}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		close(firstChunkSent)
		// Hold the stream open until the client goes away.
		select {
		case <-r.Context().Done():
		case <-stopCh:
		}
	}))
	defer srv.Close()
	defer close(stopCh)

	p := ollama.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, err := p.Chat(ctx, chat.Request{
		Model:    "llama3.1",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	first := <-resp.Stream
	if first.Err != nil || first.Text != "first" {
		t.Fatalf("first fragment: %+v", first)
	}
	<-firstChunkSent
	cancel()

	// The stream must end with a cancellation fragment, then close, with no
	// further content.
	sawCancelled := false
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frag, ok := <-resp.Stream:
			if !ok {
				if !sawCancelled {
					t.Fatal("stream closed without an ErrCancelled fragment")
				}
				return
			}
			if frag.Text != "" {
				t.Errorf("content fragment after cancel: %+v", frag)
			}
			if errors.Is(frag.Err, chat.ErrCancelled) {
				sawCancelled = true
			} else if frag.Err != nil {
				t.Errorf("terminal fragment: got %v, want ErrCancelled", frag.Err)
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

// TestChat_TruncationHook verifies that the hook fires with shrinking
// estimates when the budget cuts a request down, and stays silent when the
// request already fits.
func TestChat_TruncationHook(t *testing.T) {
	srv, _ := mockChatServer(t, map[string]any{
		"message": map[string]any{"role": "assistant", "content": "ok"},
		"done":    true,
	})
	defer srv.Close()

	var before, after int
	calls := 0
	p := ollama.New(srv.URL,
		ollama.WithContextWindow(10),
		ollama.WithTruncationHook(func(ctx context.Context, b, a int) {
			calls++
			before, after = b, a
		}),
	)

	big := strings.Repeat("budget pressure ", 200)
	if _, err := p.Chat(context.Background(), chat.Request{
		Model:    "llama3.1",
		Messages: []types.Message{{Role: types.RoleUser, Content: big}},
	}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if calls != 1 {
		t.Fatalf("hook calls for oversize request: got %d, want 1", calls)
	}
	if after >= before {
		t.Errorf("estimates: got before %d after %d, want after < before", before, after)
	}

	if _, err := p.Chat(context.Background(), chat.Request{
		Model:    "llama3.1",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if calls != 1 {
		t.Errorf("hook calls after in-budget request: got %d, want 1", calls)
	}
}

// TestChat_ServerError verifies that an Ollama error document becomes a Go
// error, not a response.
func TestChat_ServerError(t *testing.T) {
	srv, _ := mockChatServer(t, map[string]any{"error": "model not found"})
	defer srv.Close()

	p := ollama.New(srv.URL)
	_, err := p.Chat(context.Background(), chat.Request{
		Model:    "missing",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for error document, got nil")
	}
}
