// Package config loads the runtime's YAML configuration: LLM providers,
// MCP server addresses, permission seeds, memory tiering thresholds,
// and the loop's pivot budget. Grounded on the teacher's pkg/config
// package, trimmed to this runtime's domains.
package config

import "fmt"

// Config is the root configuration structure.
type Config struct {
	Name string `yaml:"name,omitempty"`

	LLMs  map[string]*LLMConfig  `yaml:"llms,omitempty"`
	MCP   map[string]*MCPConfig  `yaml:"mcp,omitempty"`
	Agent AgentConfig            `yaml:"agent,omitempty"`
	Perms PermissionsConfig      `yaml:"permissions,omitempty"`
}

// LLMConfig names one LLM provider binding.
type LLMConfig struct {
	Provider string `yaml:"provider,omitempty"`
	Model    string `yaml:"model,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
}

// MCPConfig names one MCP server: either a stdio subprocess or a
// pooled address reachable over ws/https.
type MCPConfig struct {
	// Command + Args select the stdio transport (spec.md §4.5).
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// Address selects the pooled transport (spec.md §4.6), e.g.
	// "mcp://search.internal/v1" or the bare "search.internal/v1".
	Address string `yaml:"address,omitempty"`
}

// AgentConfig holds the loop and memory tuning knobs.
type AgentConfig struct {
	PivotBudget        int `yaml:"pivot_budget,omitempty"`
	MaxConsecutiveErrs int `yaml:"max_consecutive_errors,omitempty"`

	MemoryRecentWindow int `yaml:"memory_recent_window,omitempty"`
	MemoryMidWindow    int `yaml:"memory_mid_window,omitempty"`
	MemoryLongWindow   int `yaml:"memory_long_window,omitempty"`
}

// PermissionsConfig seeds the process-wide permission set at startup.
type PermissionsConfig struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// SetDefaults fills unset fields with the runtime defaults named in
// spec.md (pivot budget 3, consecutive-error threshold 10, tiering
// windows 6/20/40).
func (c *Config) SetDefaults() {
	if c.Agent.PivotBudget == 0 {
		c.Agent.PivotBudget = 3
	}
	if c.Agent.MaxConsecutiveErrs == 0 {
		c.Agent.MaxConsecutiveErrs = 10
	}
	if c.Agent.MemoryRecentWindow == 0 {
		c.Agent.MemoryRecentWindow = 6
	}
	if c.Agent.MemoryMidWindow == 0 {
		c.Agent.MemoryMidWindow = 20
	}
	if c.Agent.MemoryLongWindow == 0 {
		c.Agent.MemoryLongWindow = 40
	}
}

// Validate checks the Config for internal consistency.
func (c *Config) Validate() error {
	for name, llm := range c.LLMs {
		if llm.Provider == "" {
			return fmt.Errorf("config: llm %q: provider is required", name)
		}
	}
	for name, m := range c.MCP {
		if m.Command == "" && m.Address == "" {
			return fmt.Errorf("config: mcp %q: one of command or address is required", name)
		}
	}
	if c.Agent.PivotBudget < 0 {
		return fmt.Errorf("config: agent.pivot_budget must be >= 0")
	}
	return nil
}
