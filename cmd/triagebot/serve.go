package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/triagebot/internal/agent"
	"github.com/nugget/triagebot/internal/buildinfo"
	"github.com/nugget/triagebot/internal/chat"
	"github.com/nugget/triagebot/internal/config"
	"github.com/nugget/triagebot/internal/connwatch"
	"github.com/nugget/triagebot/internal/console"
	"github.com/nugget/triagebot/internal/discord"
	"github.com/nugget/triagebot/internal/dispatch"
	"github.com/nugget/triagebot/internal/forge"
	"github.com/nugget/triagebot/internal/httpkit"
	"github.com/nugget/triagebot/internal/llm"
	"github.com/nugget/triagebot/internal/mcp"
	"github.com/nugget/triagebot/internal/roster"
	"github.com/nugget/triagebot/internal/transcript"
)

// platform is a chat service the bot can run on.
type platform interface {
	chat.Platform
	Run(ctx context.Context, handle func(context.Context, *chat.Message)) error
}

// serve loads configuration, connects every tool server, builds the
// agents and runs the chosen platform until ctx is cancelled or a
// termination signal arrives.
func serve(ctx context.Context, stdout, stderr io.Writer, opts serveOptions) error {
	cfg, cfgPath, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logOut := stdout
	if opts.dev {
		logOut = stderr
	}
	// Validate has already checked the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(logOut, level, cfg.LogFormat)

	logger.Info("starting triagebot",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
		"model", cfg.Models.Default,
		"dev", opts.dev,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpClient := httpkit.NewClient(
		httpkit.WithLogger(logger),
		httpkit.WithRetry(2, time.Second),
	)

	servers, err := connectServers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupServers(servers, logger)

	watch := connwatch.NewManager(logger)
	defer watch.Stop()
	for _, b := range servers {
		srv := b.Server
		watch.Watch(ctx, connwatch.WatcherConfig{
			Name:  srv.Name(),
			Probe: srv.Ping,
			OnDown: func(name string, err error) {
				logger.Warn("tool server stopped answering", "mcp_server", name, "error", err)
			},
			OnReady: func(name string) {
				logger.Info("tool server answering again", "mcp_server", name)
			},
		})
	}

	var store *agent.InvocationStore
	if cfg.DataDir != "" {
		store, err = openStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	var fg *forge.GitHub
	if cfg.GitHub.Repo != "" {
		fg, err = forge.NewGitHub(httpClient, cfg.GitHub.Token, cfg.GitHub.BaseURL, cfg.GitHub.Repo, logger)
		if err != nil {
			return fmt.Errorf("forge: %w", err)
		}
	}

	r, err := roster.Build(ctx, roster.Params{
		Repo:         cfg.GitHub.Repo,
		Servers:      servers,
		Forge:        fg,
		TriageSchema: triageSchema(cfg),
		Client:       newLLMClient(cfg, httpClient, logger),
		Options: agent.Options{
			Model:    cfg.Models.Default,
			MaxTurns: cfg.Agent.MaxTurns,
			Store:    store,
			Logger:   logger,
		},
	})
	if err != nil {
		return err
	}

	var p platform
	if opts.dev {
		p, err = newConsole(cfg, stdout, watch, store, logger)
	} else {
		p, err = discord.New(discord.Config{Token: cfg.Discord.Token, Logger: logger})
	}
	if err != nil {
		return err
	}

	d := dispatch.New(dispatch.Config{
		Platform:      p,
		Assembler:     transcript.NewAssembler(p, cfg.Discord.HistoryLimit, logger),
		Triage:        r.Triage,
		Policy:        buildPolicy(cfg, opts.dev),
		HandleTimeout: time.Duration(cfg.Agent.HandleTimeoutSec) * time.Second,
		Refusal:       cfg.Discord.RefusalMessage,
		Logger:        logger,
	})

	logger.Info("triagebot ready",
		"agents", len(r.Agents),
		"tool_servers", len(servers),
		"history_limit", cfg.Discord.HistoryLimit,
	)

	err = p.Run(ctx, func(ctx context.Context, m *chat.Message) {
		d.Handle(ctx, m)
	})
	logger.Info("triagebot stopped", "uptime", buildinfo.Uptime())
	return err
}

// loadConfig finds, loads and validates configuration, applying the
// command-line overrides.
func loadConfig(opts serveOptions) (*config.Config, string, error) {
	path, err := config.FindConfig(opts.configPath)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	if opts.allowDMs {
		cfg.Discord.AllowDMs = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	if !opts.dev && cfg.Discord.Token == "" {
		return nil, "", errors.New("invalid config: discord.token (or DISCORD_TOKEN) is required outside --dev")
	}
	return cfg, path, nil
}

// connectServers connects every configured tool server. Any failure is
// fatal: servers already connected are cleaned up and the error returned.
func connectServers(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[string]agent.Binding, error) {
	servers := make(map[string]agent.Binding, len(cfg.MCP.Servers))
	for _, sc := range cfg.MCP.Servers {
		srv := mcp.NewServer(mcp.ServerConfig{
			Name:           sc.Name,
			Command:        sc.Command,
			Args:           sc.Args,
			Env:            sc.Env,
			ConnectTimeout: time.Duration(cfg.MCP.ConnectTimeoutSec) * time.Second,
			CallTimeout:    time.Duration(cfg.MCP.CallTimeoutSec) * time.Second,
		}, logger)

		if err := srv.Connect(ctx); err != nil {
			_ = srv.Cleanup()
			cleanupServers(servers, logger)
			return nil, fmt.Errorf("connect tool server %s: %w", sc.Name, err)
		}
		servers[sc.Name] = agent.Binding{
			Server: srv,
			Filter: mcp.Filter{Include: sc.IncludeTools, Exclude: sc.ExcludeTools},
		}
	}
	return servers, nil
}

func cleanupServers(servers map[string]agent.Binding, logger *slog.Logger) {
	for name, b := range servers {
		if err := b.Server.Cleanup(); err != nil {
			logger.Warn("tool server cleanup failed", "mcp_server", name, "error", err)
		}
	}
}

// newLLMClient routes each model to its configured provider. Models
// with no mapping go to OpenAI when configured, else Anthropic.
func newLLMClient(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) llm.Client {
	var openaiClient, anthropicClient llm.Client
	if cfg.OpenAI.Configured() {
		openaiClient = llm.NewOpenAIClient(llm.OpenAIOptions{
			APIKey:     cfg.OpenAI.APIKey,
			BaseURL:    cfg.OpenAI.BaseURL,
			HTTPClient: httpClient,
			MaxRetries: 2,
		}, logger)
	}
	if cfg.Anthropic.Configured() {
		anthropicClient = llm.NewAnthropicClient(llm.AnthropicOptions{
			APIKey:     cfg.Anthropic.APIKey,
			BaseURL:    cfg.Anthropic.BaseURL,
			HTTPClient: httpClient,
			MaxRetries: 2,
		}, logger)
	}

	fallback := openaiClient
	if fallback == nil {
		fallback = anthropicClient
	}

	multi := llm.NewMultiClient(fallback)
	if openaiClient != nil {
		multi.AddProvider("openai", openaiClient)
	}
	if anthropicClient != nil {
		multi.AddProvider("anthropic", anthropicClient)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	return multi
}

// triageSchema returns the classification schema when it is enabled.
func triageSchema(cfg *config.Config) map[string]any {
	if !cfg.Agent.Classify {
		return nil
	}
	return roster.TriageOutputSchema()
}

// buildPolicy maps configuration to dispatch rules. Dev mode answers
// every console line.
func buildPolicy(cfg *config.Config, dev bool) dispatch.Policy {
	if dev {
		return dispatch.Policy{AllowDMs: true}
	}
	return dispatch.Policy{
		AllowDMs:       cfg.Discord.AllowDMs,
		DMPolicy:       cfg.Discord.DMPolicy,
		TargetChannels: cfg.Discord.TargetChannels,
		RequiredRoles:  cfg.Discord.RequiredRoles,
	}
}

func openStore(dataDir string) (*agent.InvocationStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := agent.OpenInvocationStore(filepath.Join(dataDir, "invocations.db"))
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newConsole(cfg *config.Config, stdout io.Writer, watch *connwatch.Manager, store *agent.InvocationStore, logger *slog.Logger) (*console.Platform, error) {
	history := ""
	if cfg.DataDir != "" {
		history = filepath.Join(cfg.DataDir, "console_history")
	}
	in, err := console.NewReadline(history)
	if err != nil {
		return nil, err
	}
	c := console.Config{
		In:       in,
		Out:      stdout,
		UserName: os.Getenv("USER"),
		Status:   watch.Status,
		Logger:   logger,
	}
	if store != nil {
		c.Invocations = store
	}
	return console.New(c), nil
}
