// Package config loads the daemon's ambient configuration: relay URLs,
// whitelisted author pubkeys, LLM provider credentials, data directories,
// conversation compression thresholds, and operation timeouts. It follows
// the teacher's layered precedence (defaults < file < environment) and its
// mapstructure/yaml decode pipeline, trimmed to a single flat Config type
// since the daemon has no per-component config trees to merge.
package config

import (
	"fmt"
	"time"
)

// Compression configures the Message Builder's sliding-window history
// compaction (SPEC_FULL.md §3, resolving spec.md's Open Question 1).
type Compression struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	TokenThreshold    int  `yaml:"token_threshold" mapstructure:"token_threshold"`
	TokenBudget       int  `yaml:"token_budget" mapstructure:"token_budget"`
	SlidingWindowSize int  `yaml:"sliding_window_size" mapstructure:"sliding_window_size"`
}

// LLMProvider holds credentials and defaults for one configured LLM backend.
type LLMProvider struct {
	Name    string        `yaml:"name" mapstructure:"name"`
	Kind    string        `yaml:"kind" mapstructure:"kind"` // "anthropic" | "openai" | "openai-compatible"
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string        `yaml:"api_key" mapstructure:"api_key"`
	Model   string        `yaml:"model" mapstructure:"model"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// Config is the daemon's complete ambient configuration.
type Config struct {
	Relays             []string               `yaml:"relays" mapstructure:"relays"`
	WhitelistedPubkeys []string               `yaml:"whitelisted_pubkeys" mapstructure:"whitelisted_pubkeys"`
	GlobalDataDir      string                 `yaml:"global_data_dir" mapstructure:"global_data_dir"`
	ProjectsDataDir    string                 `yaml:"projects_data_dir" mapstructure:"projects_data_dir"`
	LLMProviders       map[string]LLMProvider `yaml:"llm_providers" mapstructure:"llm_providers"`
	DefaultLLMProvider string                 `yaml:"default_llm_provider" mapstructure:"default_llm_provider"`
	Compression        Compression            `yaml:"compression" mapstructure:"compression"`
	MaxReasonActIters  int                    `yaml:"max_reason_act_iterations" mapstructure:"max_reason_act_iterations"`
	OperationTimeout   time.Duration          `yaml:"operation_timeout" mapstructure:"operation_timeout"`
	InboxCapacity      int                    `yaml:"inbox_capacity" mapstructure:"inbox_capacity"`
	LogLevel           string                 `yaml:"log_level" mapstructure:"log_level"`
}

// SetDefaults fills zero-valued fields with the daemon's operational
// defaults, matching the teacher's Config.SetDefaults idiom.
func (c *Config) SetDefaults() {
	if len(c.Relays) == 0 {
		c.Relays = []string{"wss://relay.damus.io", "wss://relay.primal.net"}
	}
	if c.GlobalDataDir == "" {
		c.GlobalDataDir = "./.tenex"
	}
	if c.ProjectsDataDir == "" {
		c.ProjectsDataDir = "./.tenex/projects"
	}
	if c.MaxReasonActIters == 0 {
		c.MaxReasonActIters = 10
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = 5 * time.Minute
	}
	if c.InboxCapacity == 0 {
		c.InboxCapacity = 1024
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Compression.TokenThreshold == 0 {
		c.Compression.TokenThreshold = 50_000
	}
	if c.Compression.TokenBudget == 0 {
		c.Compression.TokenBudget = 20_000
	}
	if c.Compression.SlidingWindowSize == 0 {
		c.Compression.SlidingWindowSize = 20
	}
}

// Validate checks the config for the invariants the rest of the daemon
// assumes hold once Load returns.
func (c *Config) Validate() error {
	if len(c.Relays) == 0 {
		return fmt.Errorf("at least one relay URL is required")
	}
	if c.DefaultLLMProvider != "" {
		if _, ok := c.LLMProviders[c.DefaultLLMProvider]; !ok {
			return fmt.Errorf("default_llm_provider %q is not defined in llm_providers", c.DefaultLLMProvider)
		}
	}
	if c.MaxReasonActIters <= 0 {
		return fmt.Errorf("max_reason_act_iterations must be positive")
	}
	return nil
}
