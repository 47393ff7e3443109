// Package roster assembles the triage agent and the specialized agents
// it delegates to from the tool servers that are actually connected.
package roster

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/triagebot/internal/agent"
	"github.com/nugget/triagebot/internal/forge"
	"github.com/nugget/triagebot/internal/llm"
	"github.com/nugget/triagebot/internal/prompts"
	"github.com/nugget/triagebot/internal/tools"
)

// Tool server names the roster knows how to use.
const (
	ServerGitHub  = "github"
	ServerSandbox = "sandbox"
	ServerNotion  = "notion"
)

// Tool names under which the specialized agents are offered to triage.
const (
	IssueAgentTool   = "issue_agent"
	GitHubAgentTool  = "github_agent"
	SandboxAgentTool = "sandbox_agent"
	NotionAgentTool  = "notion_agent"
)

// TriageAgentName names the top-level agent in logs and records.
const TriageAgentName = "triage"

// Params are the inputs to [Build].
type Params struct {
	// Repo is the "owner/name" repository the bot triages for.
	Repo string

	// Servers holds the connected tool servers keyed by configured name.
	// A specialized agent is only built when its server is present.
	Servers map[string]agent.Binding

	// Forge, when set, gives the issue agent native duplicate search.
	Forge *forge.GitHub

	// TriageSchema optionally constrains the triage agent's answer.
	TriageSchema map[string]any

	Client  llm.Client
	Options agent.Options
}

// Roster is the built agent tree.
type Roster struct {
	Triage *agent.Agent

	// Agents holds the specialized agents keyed by tool name.
	Agents map[string]*agent.Agent
}

// Build constructs every specialized agent whose tool server is
// connected and a triage agent that delegates to them. Building fails
// if any bound server is not connected.
func Build(ctx context.Context, p Params) (*Roster, error) {
	logger := p.Options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Roster{Agents: make(map[string]*agent.Agent)}
	var subs []agent.Delegation

	add := func(toolName, description string, desc agent.Descriptor) error {
		a, err := agent.New(ctx, desc, p.Client, p.Options)
		if err != nil {
			return fmt.Errorf("build %s: %w", toolName, err)
		}
		r.Agents[toolName] = a
		subs = append(subs, agent.Delegation{Agent: a, ToolName: toolName, Description: description})
		logger.Info("agent ready", "agent", toolName, "tools", len(a.ToolNames()))
		return nil
	}

	if gh, ok := p.Servers[ServerGitHub]; ok {
		var native []*tools.Tool
		if p.Forge != nil {
			native = forgeTools(p.Forge)
		}
		err := add(IssueAgentTool, prompts.IssueAgentToolDescription, agent.Descriptor{
			Name:         IssueAgentTool,
			Instructions: prompts.IssueAgentInstructions(p.Repo),
			Servers:      []agent.Binding{gh},
			Tools:        native,
		})
		if err != nil {
			return nil, err
		}

		err = add(GitHubAgentTool, prompts.GitHubAgentToolDescription, agent.Descriptor{
			Name:         GitHubAgentTool,
			Instructions: prompts.GitHubAgentInstructions(p.Repo),
			Servers:      []agent.Binding{gh},
		})
		if err != nil {
			return nil, err
		}
	}

	if sb, ok := p.Servers[ServerSandbox]; ok {
		err := add(SandboxAgentTool, prompts.SandboxAgentToolDescription, agent.Descriptor{
			Name:         SandboxAgentTool,
			Instructions: prompts.SandboxAgentInstructions(),
			Servers:      []agent.Binding{sb},
		})
		if err != nil {
			return nil, err
		}
	}

	if nt, ok := p.Servers[ServerNotion]; ok {
		err := add(NotionAgentTool, prompts.NotionAgentToolDescription, agent.Descriptor{
			Name:         NotionAgentTool,
			Instructions: prompts.NotionAgentInstructions(),
			Servers:      []agent.Binding{nt},
		})
		if err != nil {
			return nil, err
		}
	}

	if len(subs) == 0 {
		logger.Warn("no tool servers connected, triage agent will answer without delegation")
	}

	triage, err := agent.New(ctx, agent.Descriptor{
		Name:         TriageAgentName,
		Instructions: prompts.TriageInstructions(p.Repo),
		OutputSchema: p.TriageSchema,
		SubAgents:    subs,
	}, p.Client, p.Options)
	if err != nil {
		return nil, fmt.Errorf("build triage: %w", err)
	}
	r.Triage = triage
	return r, nil
}

// TriageOutputSchema has the triage agent classify each request as a
// question or a bug report alongside the answer posted to the user.
func TriageOutputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"answer":  map[string]any{"type": "string"},
			"summary": map[string]any{"type": "string"},
			"kind": map[string]any{
				"type": "string",
				"enum": []string{"question", "bug_report"},
			},
		},
		"required":             []string{"answer", "summary", "kind"},
		"additionalProperties": false,
	}
}

func forgeTools(g *forge.GitHub) []*tools.Tool {
	reg := tools.NewRegistry()
	g.Register(reg)

	names := reg.AllToolNames()
	out := make([]*tools.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, reg.Get(name))
	}
	return out
}
