package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/toolbridge/toolbridge/internal/mcp"
)

// ValidAnyLLMBackends lists the backend names the universal adapter knows.
// Used by [Validate] to warn about unrecognised names.
var ValidAnyLLMBackends = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. An absent file is not an error: it yields a default config with
// an empty tool-server set, so the service can run without any tools.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("config file not found, using defaults", "path", path)
		return applyDefaults(&Config{}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in the values an empty config runs with.
func applyDefaults(cfg *Config) *Config {
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = ProviderOllama
	}
	return cfg
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if !cfg.Providers.Default.IsValid() {
		errs = append(errs, fmt.Errorf("providers.default %q is invalid; valid values: ollama, openai, gateway, anyllm", cfg.Providers.Default))
	}

	// The default provider must carry enough configuration to be usable.
	switch cfg.Providers.Default {
	case ProviderOpenAI:
		if cfg.Providers.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("providers.openai.api_key is required when openai is the default provider"))
		}
	case ProviderGateway:
		if cfg.Providers.Gateway.BaseURL == "" {
			errs = append(errs, errors.New("providers.gateway.base_url is required when gateway is the default provider"))
		}
	case ProviderAnyLLM:
		if cfg.Providers.AnyLLM.Backend == "" {
			errs = append(errs, errors.New("providers.anyllm.backend is required when anyllm is the default provider"))
		}
	}

	if b := cfg.Providers.AnyLLM.Backend; b != "" && !slices.Contains(ValidAnyLLMBackends, b) {
		slog.Warn("unknown anyllm backend — may be a typo or a newly added backend",
			"backend", b,
			"known", ValidAnyLLMBackends,
		)
	}

	serverNamesSeen := make(map[string]int, len(cfg.ToolServers))
	for i, srv := range cfg.ToolServers {
		prefix := fmt.Sprintf("tool_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tool_servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
		if !srv.Type.IsValid() {
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: local, remote", prefix, srv.Type))
			continue
		}
		switch srv.Type {
		case mcp.ServerLocal:
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when type is local", prefix))
			}
		case mcp.ServerRemote:
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when type is remote", prefix))
			}
		}
	}

	return errors.Join(errs...)
}
