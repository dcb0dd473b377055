package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file, applies environment overlays, and can
// watch the file for changes — grounded on the teacher's config.Loader /
// provider.FileProvider pair, collapsed into a single type since the daemon
// only ever loads from a local path (no remote config backends).
type Loader struct {
	path string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

// NewLoader creates a Loader for the config file at path.
func NewLoader(path string) (*Loader, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &Loader{path: abs}, nil
}

// Load reads, expands, decodes, defaults, and validates the configuration.
// A missing file is not an error: Load returns the zero Config with defaults
// applied, letting the daemon run purely off environment variables.
func (l *Loader) Load() (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load .env files: %w", err)
	}

	cfg := &Config{}

	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.path, err)
		}
		expanded, _ := ExpandEnvVars(raw).(map[string]any)
		if err := decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", l.path, err)
		}
	case os.IsNotExist(err):
		// no config file; environment-only configuration
	default:
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decode(input map[string]any, out *Config) error {
	if input == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// applyEnvOverrides lets a handful of well-known environment variables win
// over the file, matching GetProviderAPIKey's role in the teacher repo:
// secrets live in the environment, not in checked-in YAML.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TENEX_RELAYS"); v != "" {
		cfg.Relays = splitNonEmpty(v)
	}
	if v := os.Getenv("TENEX_WHITELISTED_PUBKEYS"); v != "" {
		cfg.WhitelistedPubkeys = splitNonEmpty(v)
	}
	if v := os.Getenv("TENEX_GLOBAL_DATA_DIR"); v != "" {
		cfg.GlobalDataDir = v
	}
	if v := os.Getenv("TENEX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	for name, provider := range cfg.LLMProviders {
		if key := apiKeyFromEnv(provider.Kind); key != "" && provider.APIKey == "" {
			provider.APIKey = key
			cfg.LLMProviders[name] = provider
		}
	}
}

func apiKeyFromEnv(kind string) string {
	switch kind {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai-compatible":
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := trimSpace(s[start:i]); part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

// Watch watches the config file for writes and invokes onChange with the
// freshly reloaded Config after a 100ms debounce, matching the teacher's
// FileProvider.watchLoop coalescing behavior.
func (l *Loader) Watch(ctx context.Context, onChange func(*Config)) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("loader is closed")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create file watcher: %w", err)
	}
	l.watcher = watcher
	l.mu.Unlock()

	dir := filepath.Dir(l.path)
	name := filepath.Base(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}

	go l.watchLoop(ctx, watcher, name, onChange)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, name string, onChange func(*Config)) {
	defer watcher.Close()

	var timer *time.Timer
	const debounce = 100 * time.Millisecond

	reload := func() {
		cfg, err := l.Load()
		if err != nil {
			slog.Error("config reload failed", "error", err)
			return
		}
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

// Close releases the watcher, if one was started.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}
