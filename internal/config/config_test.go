package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// clearEnv blanks every variable the env overlay reads so the host
// environment cannot leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL",
		"DISCORD_TOKEN", "GITHUB_TOKEN", "GITHUB_REPO", "NOTION_TOKEN", "TARGET_CHANNELS",
		"TRIAGEBOT_MODEL", "TRIAGEBOT_ALLOW_DMS", "TRIAGEBOT_REQUIRED_ROLES",
		"TRIAGEBOT_HISTORY_LIMIT", "TRIAGEBOT_MAX_TURNS", "TRIAGEBOT_DATA_DIR",
		"TRIAGEBOT_LOG_LEVEL", "TRIAGEBOT_LOG_FORMAT", "TRIAGEBOT_CLASSIFY",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_NothingFound(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "" && !strings.HasPrefix(got, "/etc/") {
		t.Errorf("FindConfig(\"\") = %q, want empty", got)
	}
}

func TestLoad_DefaultsOnly(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.HistoryLimit != 100 {
		t.Errorf("HistoryLimit = %d, want 100", cfg.Discord.HistoryLimit)
	}
	if cfg.GitHub.Repo != "dagger/dagger" {
		t.Errorf("Repo = %q, want dagger/dagger", cfg.GitHub.Repo)
	}
	if len(cfg.Discord.TargetChannels) != 1 || cfg.Discord.TargetChannels[0] != "help" {
		t.Errorf("TargetChannels = %v, want [help]", cfg.Discord.TargetChannels)
	}
	if cfg.Agent.MaxTurns != 10 {
		t.Errorf("MaxTurns = %d, want 10", cfg.Agent.MaxTurns)
	}
	if len(cfg.MCP.Servers) != 0 {
		t.Errorf("servers = %v, want none without credentials", cfg.MCP.Servers)
	}
}

func TestLoad_EnvOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("GITHUB_REPO", "acme/widgets")
	t.Setenv("TARGET_CHANNELS", "help,support")
	t.Setenv("TRIAGEBOT_CLASSIFY", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-test" {
		t.Errorf("APIKey = %q", cfg.OpenAI.APIKey)
	}
	if cfg.GitHub.Repo != "acme/widgets" {
		t.Errorf("Repo = %q", cfg.GitHub.Repo)
	}
	if got := strings.Join(cfg.Discord.TargetChannels, ","); got != "help,support" {
		t.Errorf("TargetChannels = %q", got)
	}
	if !cfg.Agent.Classify {
		t.Error("Classify not set from TRIAGEBOT_CLASSIFY")
	}

	gh, ok := cfg.Server("github")
	if !ok {
		t.Fatal("github server not added for configured token")
	}
	for _, a := range gh.Args {
		if strings.Contains(a, "ghp_test") {
			t.Errorf("token leaked into argv: %v", gh.Args)
		}
	}
	if len(gh.Env) != 1 || gh.Env[0] != "GITHUB_PERSONAL_ACCESS_TOKEN=ghp_test" {
		t.Errorf("Env = %v", gh.Env)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRIAGEBOT_TEST_TOKEN", "secret123")
	path := writeConfig(t, "discord:\n  token: ${TRIAGEBOT_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Discord.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.Discord.Token, "secret123")
	}
}

func TestLoad_ExplicitServerWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	path := writeConfig(t, `
mcp:
  servers:
    - name: github
      command: github-mcp-server
      args: [stdio]
    - name: sandbox
      command: dagger
      args: ["-m", "./sandbox", "mcp"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(cfg.MCP.Servers))
	}
	gh, _ := cfg.Server("github")
	if gh.Command != "github-mcp-server" {
		t.Errorf("github command = %q, explicit config should win", gh.Command)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad dm policy", func(c *Config) { c.Discord.DMPolicy = "shrug" }, "dm_policy"},
		{"missing openai key", func(c *Config) { c.OpenAI.APIKey = "" }, "OPENAI_API_KEY"},
		{"anthropic model without key", func(c *Config) { c.Models.Default = "claude-sonnet-4-5" }, "ANTHROPIC_API_KEY"},
		{"server without command", func(c *Config) {
			c.MCP.Servers = []MCPServerConfig{{Name: "x"}}
		}, "command is required"},
		{"duplicate server", func(c *Config) {
			c.MCP.Servers = []MCPServerConfig{{Name: "x", Command: "a"}, {Name: "x", Command: "b"}}
		}, "duplicate"},
		{"bad env entry", func(c *Config) {
			c.MCP.Servers = []MCPServerConfig{{Name: "x", Command: "a", Env: []string{"NOPE"}}}
		}, "KEY=VALUE"},
		{"bad repo", func(c *Config) { c.GitHub.Repo = "widgets" }, "owner/name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.OpenAI.APIKey = "sk-test"
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "wire")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output = %q, want level=TRACE", buf.String())
	}
}
