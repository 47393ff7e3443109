// Package config handles triagebot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/triagebot/config.yaml, /etc/triagebot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "triagebot", "config.yaml"))
	}

	paths = append(paths, "/etc/triagebot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns an empty path and no error when nothing was found; the bot then
// runs on defaults plus environment variables.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all triagebot configuration. It is constructed once at
// process start and passed by reference to the components that need it.
type Config struct {
	Models    ModelsConfig    `yaml:"models"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Discord   DiscordConfig   `yaml:"discord"`
	GitHub    GitHubConfig    `yaml:"github"`
	Notion    NotionConfig    `yaml:"notion"`
	MCP       MCPConfig       `yaml:"mcp"`
	Agent     AgentConfig     `yaml:"agent"`
	DataDir   string          `yaml:"data_dir" env:"TRIAGEBOT_DATA_DIR"`
	LogLevel  string          `yaml:"log_level" env:"TRIAGEBOT_LOG_LEVEL"`
	LogFormat string          `yaml:"log_format" env:"TRIAGEBOT_LOG_FORMAT"`
}

// ModelsConfig selects the language model that drives every agent.
type ModelsConfig struct {
	Default   string        `yaml:"default" env:"TRIAGEBOT_MODEL"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, anthropic
}

// OpenAIConfig defines OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key" env:"OPENAI_API_KEY"`
	BaseURL string `yaml:"base_url" env:"OPENAI_BASE_URL"`
}

// Configured reports whether an API key is present.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key" env:"ANTHROPIC_API_KEY"`
	BaseURL string `yaml:"base_url" env:"ANTHROPIC_BASE_URL"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// DM policies control what happens to direct messages when DMs are not
// allowed.
const (
	DMPolicyIgnore = "ignore"
	DMPolicyRefuse = "refuse"
)

// DiscordConfig defines the chat platform connection and the message
// eligibility policy.
type DiscordConfig struct {
	Token string `yaml:"token" env:"DISCORD_TOKEN"`

	// AllowDMs enables answering direct messages. The --allow-dms flag
	// forces it on.
	AllowDMs bool `yaml:"allow_dms" env:"TRIAGEBOT_ALLOW_DMS"`

	// DMPolicy is "ignore" (default) or "refuse". With "refuse" a
	// disallowed DM gets the refusal reply instead of silence.
	DMPolicy string `yaml:"dm_policy"`

	// TargetChannels restricts processing to channels (or threads whose
	// parent channel) carry one of these names. Empty means all channels.
	TargetChannels []string `yaml:"target_channels" env:"TARGET_CHANNELS" envSeparator:","`

	// RequiredRoles gates processing on role membership outside DMs.
	// Empty disables the gate.
	RequiredRoles []string `yaml:"required_roles" env:"TRIAGEBOT_REQUIRED_ROLES" envSeparator:","`

	// RefusalMessage is the fixed reply sent to rejected messages.
	RefusalMessage string `yaml:"refusal_message"`

	// HistoryLimit bounds the conversation window fetched per dispatch.
	HistoryLimit int `yaml:"history_limit" env:"TRIAGEBOT_HISTORY_LIMIT"`
}

// GitHubConfig defines the target repository and credentials shared by
// the GitHub MCP server and the native forge tools.
type GitHubConfig struct {
	Token   string `yaml:"token" env:"GITHUB_TOKEN"`
	Repo    string `yaml:"repo" env:"GITHUB_REPO"`
	BaseURL string `yaml:"base_url"` // GitHub Enterprise; empty for github.com
}

// Configured reports whether a token is present.
func (c GitHubConfig) Configured() bool { return c.Token != "" }

// NotionConfig defines credentials for the Notion MCP server.
type NotionConfig struct {
	Token string `yaml:"token" env:"NOTION_TOKEN"`
}

// MCPConfig lists the tool servers to launch at startup.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`

	// ConnectTimeoutSec bounds subprocess launch plus handshake (default 30).
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`

	// CallTimeoutSec bounds a single tool call (default 120).
	CallTimeoutSec int `yaml:"call_timeout_sec"`
}

// MCPServerConfig is the identity of one tool server: launch command,
// argument list and environment bindings.
type MCPServerConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Env entries use "KEY=VALUE" form and are appended to the
	// current process environment.
	Env []string `yaml:"env"`

	// IncludeTools limits the bridged tools to these names; ExcludeTools
	// drops names. Include wins when both are set.
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// AgentConfig bounds the agent turn loop and each dispatch.
type AgentConfig struct {
	MaxTurns         int `yaml:"max_turns" env:"TRIAGEBOT_MAX_TURNS"`
	HandleTimeoutSec int `yaml:"handle_timeout_sec"`

	// Classify has the triage agent answer in JSON that also labels the
	// request as a question or a bug report. The label is logged; only
	// the answer is posted.
	Classify bool `yaml:"classify" env:"TRIAGEBOT_CLASSIFY"`
}

// Server returns the configured tool server with the given name.
func (c *Config) Server(name string) (MCPServerConfig, bool) {
	for _, s := range c.MCP.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return MCPServerConfig{}, false
}

// ProviderFor returns the provider serving the given model. Models not
// listed under models.available are served by openai.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return "openai"
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// overlays well-known environment variables and fills defaults. An empty
// path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with no credentials and the built-in
// defaults.
func Default() *Config {
	return &Config{
		Models: ModelsConfig{
			Default: "gpt-4o",
			Available: []ModelConfig{
				{Name: "gpt-4o", Provider: "openai"},
				{Name: "gpt-4.1", Provider: "openai"},
				{Name: "claude-sonnet-4-5", Provider: "anthropic"},
			},
		},
		Discord: DiscordConfig{
			DMPolicy:       DMPolicyIgnore,
			TargetChannels: []string{"help"},
			HistoryLimit:   100,
		},
		GitHub: GitHubConfig{
			Repo: "dagger/dagger",
		},
		LogFormat: "text",
	}
}

const defaultRefusal = "Sorry, I can only help members with the required role. Please ask a maintainer for access."

// applyDefaults fills zero values and adds the built-in tool servers for
// credentials that are present but not explicitly configured.
func (c *Config) applyDefaults() {
	if c.Discord.HistoryLimit <= 0 {
		c.Discord.HistoryLimit = 100
	}
	if c.Discord.DMPolicy == "" {
		c.Discord.DMPolicy = DMPolicyIgnore
	}
	if c.Discord.RefusalMessage == "" {
		c.Discord.RefusalMessage = defaultRefusal
	}
	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = 10
	}
	if c.Agent.HandleTimeoutSec <= 0 {
		c.Agent.HandleTimeoutSec = 300
	}
	if c.MCP.ConnectTimeoutSec <= 0 {
		c.MCP.ConnectTimeoutSec = 30
	}
	if c.MCP.CallTimeoutSec <= 0 {
		c.MCP.CallTimeoutSec = 120
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "openai"
		}
	}

	if _, ok := c.Server("github"); !ok && c.GitHub.Configured() {
		// The token travels through the environment, never argv.
		c.MCP.Servers = append(c.MCP.Servers, MCPServerConfig{
			Name:    "github",
			Command: "docker",
			Args: []string{
				"run", "-i", "--rm",
				"-e", "GITHUB_PERSONAL_ACCESS_TOKEN",
				"ghcr.io/github/github-mcp-server",
			},
			Env: []string{"GITHUB_PERSONAL_ACCESS_TOKEN=" + c.GitHub.Token},
		})
	}
	if _, ok := c.Server("notion"); !ok && c.Notion.Token != "" {
		c.MCP.Servers = append(c.MCP.Servers, MCPServerConfig{
			Name:    "notion",
			Command: "npx",
			Args:    []string{"-y", "@notionhq/notion-mcp-server"},
			Env:     []string{"NOTION_TOKEN=" + c.Notion.Token},
		})
	}
}

// Validate checks settings that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Discord.DMPolicy != DMPolicyIgnore && c.Discord.DMPolicy != DMPolicyRefuse {
		return fmt.Errorf("discord.dm_policy must be %q or %q, got %q", DMPolicyIgnore, DMPolicyRefuse, c.Discord.DMPolicy)
	}
	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}

	switch p := c.ProviderFor(c.Models.Default); p {
	case "openai":
		if !c.OpenAI.Configured() {
			return fmt.Errorf("model %s needs openai.api_key (or OPENAI_API_KEY)", c.Models.Default)
		}
	case "anthropic":
		if !c.Anthropic.Configured() {
			return fmt.Errorf("model %s needs anthropic.api_key (or ANTHROPIC_API_KEY)", c.Models.Default)
		}
	default:
		return fmt.Errorf("model %s has unknown provider %q", c.Models.Default, p)
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.Command == "" {
			return fmt.Errorf("mcp.servers[%d] (%s): command is required", i, s.Name)
		}
		for _, kv := range s.Env {
			if !strings.Contains(kv, "=") {
				return fmt.Errorf("mcp.servers[%d] (%s): env entry %q is not KEY=VALUE", i, s.Name, kv)
			}
		}
	}

	if c.GitHub.Repo != "" && strings.Count(c.GitHub.Repo, "/") != 1 {
		return fmt.Errorf("github.repo must be owner/name, got %q", c.GitHub.Repo)
	}
	return nil
}
