// Command toolbridge is the main entry point for the Toolbridge chat
// service: an LLM chat loop with tool calling backed by external tool
// servers.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/toolbridge/toolbridge/internal/config"
	"github.com/toolbridge/toolbridge/internal/health"
	"github.com/toolbridge/toolbridge/internal/mcp"
	"github.com/toolbridge/toolbridge/internal/history"
	"github.com/toolbridge/toolbridge/internal/mcp/manager"
	"github.com/toolbridge/toolbridge/internal/observe"
	"github.com/toolbridge/toolbridge/internal/orchestrator"
	"github.com/toolbridge/toolbridge/internal/resilience"
	"github.com/toolbridge/toolbridge/pkg/chat"
	"github.com/toolbridge/toolbridge/pkg/chat/anyllm"
	"github.com/toolbridge/toolbridge/pkg/chat/gateway"
	"github.com/toolbridge/toolbridge/pkg/chat/ollama"
	"github.com/toolbridge/toolbridge/pkg/chat/openaiapi"
	"github.com/toolbridge/toolbridge/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	conversation := flag.String("conversation", "default", "conversation identifier for persistence")
	system := flag.String("system", "", "optional system prompt for every turn")
	stream := flag.Bool("stream", true, "stream answers incrementally")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "toolbridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("toolbridge starting",
		"config", *configPath,
		"provider", cfg.Providers.Default,
		"tool_servers", len(cfg.ToolServers),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(observe.ProviderConfig{ServiceName: "toolbridge"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Tool servers ──────────────────────────────────────────────────────────
	mgr := manager.New(logger, metrics)
	for name, startErr := range mgr.StartAll(ctx, cfg.ToolServers) {
		if startErr != nil {
			slog.Warn("tool server unavailable", "server", name, "err", startErr)
		}
	}
	defer mgr.StopAll()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(ctx, mgr, level, config.Diff(old, new))
	})
	if err != nil {
		slog.Debug("config watcher not started", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Provider ──────────────────────────────────────────────────────────────
	inner, model, err := buildProvider(cfg, metrics)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}
	provider := resilience.NewGuard(inner, resilience.BreakerConfig{
		Name: string(cfg.Providers.Default),
	})
	if err := provider.HealthCheck(ctx); err != nil {
		slog.Warn("provider health check failed, continuing anyway", "err", err)
	}

	// ── Telemetry endpoint ────────────────────────────────────────────────────
	if cfg.Server.MetricsAddr != "" {
		probes := health.New(
			health.ProviderCheck(string(cfg.Providers.Default), provider),
			health.ToolServersCheck(enabledServers(cfg.ToolServers), func() int {
				return len(mgr.ToolsByServer())
			}),
		)
		go serveMetrics(cfg.Server.MetricsAddr, probes)
	}

	// ── History store (optional) ──────────────────────────────────────────────
	var store orchestrator.ConversationStore
	var seed []types.Message
	if dsn := cfg.History.PostgresDSN; dsn != "" {
		hs, err := history.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open history store", "err", err)
			return 1
		}
		defer hs.Close()
		store = hs

		seed, err = hs.Messages(ctx, *conversation, 20)
		if err != nil {
			slog.Warn("failed to load prior exchanges", "err", err)
		}
	}

	// ── Orchestration loop ────────────────────────────────────────────────────
	loop, err := orchestrator.New(orchestrator.Config{
		Provider:     provider,
		ProviderName: string(cfg.Providers.Default),
		Tools:        mgr,
		Store:        store,
		Metrics:      metrics,
		Log:          logger,
	})
	if err != nil {
		slog.Error("failed to initialise orchestrator", "err", err)
		return 1
	}

	slog.Info("ready — type a message, Ctrl+C or Ctrl+D to quit", "model", model)

	if err := repl(ctx, loop, replOptions{
		ConversationID: *conversation,
		Model:          model,
		System:         *system,
		Stream:         *stream,
		History:        seed,
	}); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProvider constructs the configured default chat provider and returns
// it together with the model name turns should use. Every adapter feeds the
// budget truncation counter through its truncation hook.
func buildProvider(cfg *config.Config, metrics *observe.Metrics) (chat.Provider, string, error) {
	name := string(cfg.Providers.Default)
	truncated := func(ctx context.Context, before, after int) {
		metrics.RecordTruncation(ctx, name)
	}

	switch cfg.Providers.Default {
	case config.ProviderOllama:
		opts := []ollama.Option{ollama.WithTruncationHook(truncated)}
		if cw := cfg.Providers.Ollama.ContextWindow; cw > 0 {
			opts = append(opts, ollama.WithContextWindow(cw))
		}
		p := ollama.New(cfg.Providers.Ollama.BaseURL, opts...)
		return p, cfg.Providers.Ollama.Model, nil

	case config.ProviderOpenAI:
		opts := []openaiapi.Option{openaiapi.WithTruncationHook(truncated)}
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openaiapi.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		p, err := openaiapi.New(cfg.Providers.OpenAI.APIKey, opts...)
		if err != nil {
			return nil, "", err
		}
		return p, cfg.Providers.OpenAI.Model, nil

	case config.ProviderGateway:
		p, err := gateway.New(cfg.Providers.Gateway.BaseURL, cfg.Providers.Gateway.Token,
			gateway.WithTruncationHook(truncated))
		if err != nil {
			return nil, "", err
		}
		return p, cfg.Providers.Gateway.Model, nil

	case config.ProviderAnyLLM:
		var opts []anyllmlib.Option
		if cfg.Providers.AnyLLM.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.Providers.AnyLLM.APIKey))
		}
		p, err := anyllm.New(cfg.Providers.AnyLLM.Backend, opts...)
		if err != nil {
			return nil, "", err
		}
		return p.WithTruncationHook(truncated), cfg.Providers.AnyLLM.Model, nil
	}
	return nil, "", fmt.Errorf("unknown provider %q", cfg.Providers.Default)
}

// ── Turn driver ───────────────────────────────────────────────────────────────

type replOptions struct {
	ConversationID string
	Model          string
	System         string
	Stream         bool
	History        []types.Message
}

// repl reads user lines from stdin and drives one orchestrated turn per
// line, printing the answer as it arrives. The in-memory history grows with
// each completed turn; a failed turn leaves it untouched so the user can
// retry.
func repl(ctx context.Context, loop *orchestrator.Loop, opts replOptions) error {
	msgs := opts.History
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		user := types.Message{Role: types.RoleUser, Content: line}
		resp, err := loop.Turn(ctx, orchestrator.TurnRequest{
			ConversationID: opts.ConversationID,
			Model:          opts.Model,
			System:         opts.System,
			History:        msgs,
			User:           user,
			Stream:         opts.Stream,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			fmt.Print("> ")
			continue
		}

		answer, err := printResponse(resp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			fmt.Print("> ")
			continue
		}

		msgs = append(msgs, user, types.Message{Role: types.RoleAssistant, Content: answer})
		fmt.Print("> ")
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return ctx.Err()
}

// printResponse writes the answer to stdout, draining the fragment stream
// for streaming responses, and returns the full answer text.
func printResponse(resp *chat.Response) (string, error) {
	if resp.Stream == nil {
		text := resp.Message.Text()
		fmt.Println(text)
		return text, nil
	}

	var sb strings.Builder
	for frag := range resp.Stream {
		if frag.Err != nil {
			fmt.Println()
			return "", frag.Err
		}
		sb.WriteString(frag.Text)
		fmt.Print(frag.Text)
	}
	fmt.Println()
	return sb.String(), nil
}

// ── Infrastructure ────────────────────────────────────────────────────────────

// applyConfigChange hot-applies a config diff: restart added or changed
// tool servers, stop removed ones, swap the log level.
func applyConfigChange(ctx context.Context, mgr *manager.Manager, level *slog.LevelVar, diff config.ConfigDiff) {
	if diff.LogLevelChanged {
		level.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	for _, srv := range diff.AddedOrChanged {
		if err := mgr.Restart(ctx, srv); err != nil {
			slog.Warn("tool server restart failed", "server", srv.Name, "err", err)
		}
	}
	for _, name := range diff.Removed {
		if err := mgr.Stop(name); err != nil {
			slog.Warn("tool server stop failed", "server", name, "err", err)
		}
	}
}

// serveMetrics exposes the Prometheus scrape endpoint alongside the health
// probes.
func serveMetrics(addr string, probes *health.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	probes.Register(mux)
	slog.Info("telemetry endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("telemetry endpoint failed", "err", err)
	}
}

// enabledServers counts the tool servers that should be running.
func enabledServers(servers []mcp.ServerConfig) int {
	n := 0
	for _, srv := range servers {
		if srv.Enabled {
			n++
		}
	}
	return n
}

// slogLevel maps a config log level onto slog's scale. Unset defaults to
// info.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
