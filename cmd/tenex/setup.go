package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tenex-run/tenex/internal/config"
)

// SetupCmd interactively walks the operator through configuring one LLM
// provider and writes (or updates) it in the config file, mirroring the
// teacher's interactive prompt style (pkg/cli/commands.go's
// bufio.NewReader(os.Stdin) chat loop) adapted to a one-shot wizard instead
// of a conversation loop.
type SetupCmd struct{}

func (c *SetupCmd) Run(cli *CLI) error {
	reader := bufio.NewReader(os.Stdin)
	prompt := func(label, def string) string {
		if def != "" {
			fmt.Printf("%s [%s]: ", label, def)
		} else {
			fmt.Printf("%s: ", label)
		}
		line, _ := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" {
			return def
		}
		return line
	}

	name := prompt("Provider name", "default")
	kind := prompt("Provider kind (anthropic, openai, openai-compatible)", "anthropic")
	model := prompt("Model", defaultModelFor(kind))
	baseURL := prompt("Base URL (blank for provider default)", "")
	apiKeyPrompt := fmt.Sprintf("API key (blank to read from %s at runtime)", envVarFor(kind))
	apiKey := prompt(apiKeyPrompt, "")

	cfg, raw, err := loadRawConfig(cli.Config)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if cfg.LLMProviders == nil {
		cfg.LLMProviders = make(map[string]config.LLMProvider)
	}
	cfg.LLMProviders[name] = config.LLMProvider{
		Name:    name,
		Kind:    kind,
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
	}
	if cfg.DefaultLLMProvider == "" {
		cfg.DefaultLLMProvider = name
	}

	raw["llm_providers"] = cfg.LLMProviders
	raw["default_llm_provider"] = cfg.DefaultLLMProvider
	if len(cfg.WhitelistedPubkeys) > 0 {
		raw["whitelisted_pubkeys"] = cfg.WhitelistedPubkeys
	}
	if len(cfg.Relays) > 0 {
		raw["relays"] = cfg.Relays
	}

	if err := writeYAMLAtomic(cli.Config, raw); err != nil {
		return fmt.Errorf("setup: write config: %w", err)
	}

	fmt.Printf("\nSaved provider %q to %s\n", name, cli.Config)
	return nil
}

func defaultModelFor(kind string) string {
	switch kind {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o"
	default:
		return ""
	}
}

func envVarFor(kind string) string {
	switch kind {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai", "openai-compatible":
		return "OPENAI_API_KEY"
	default:
		return "the provider's API key environment variable"
	}
}

// loadRawConfig loads the decoded Config plus the raw YAML map backing it,
// so setup can rewrite the LLM provider keys, plus relays and
// whitelisted_pubkeys taken from the decoded Config whenever those are
// non-empty, without clobbering any other hand-edited fields in the file.
func loadRawConfig(path string) (*config.Config, map[string]any, error) {
	loader, err := config.NewLoader(path)
	if err != nil {
		return nil, nil, err
	}
	defer loader.Close()

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}

	raw := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		_ = yaml.Unmarshal(data, &raw)
	}
	return cfg, raw, nil
}

// writeYAMLAtomic marshals v as YAML and writes it to path via a
// temp-file-then-rename, matching internal/store.WriteJSONAtomic's
// durability contract for the config file itself.
func writeYAMLAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpPath, path)
}
