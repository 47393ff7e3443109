package roster

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/triagebot/internal/agent"
	"github.com/nugget/triagebot/internal/forge"
	"github.com/nugget/triagebot/internal/llm"
	"github.com/nugget/triagebot/internal/mcp"
)

// helperEnv makes the test binary act as a tool server; its value picks
// the tool set.
const helperEnv = "TRIAGEBOT_ROSTER_TEST_SERVER"

func TestMain(m *testing.M) {
	if kind := os.Getenv(helperEnv); kind != "" {
		runTestServer(kind)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type queryArgs struct {
	Query string `json:"query" jsonschema:"search terms"`
}

type codeArgs struct {
	Code string `json:"code" jsonschema:"code to run"`
}

func runTestServer(kind string) {
	server := sdk.NewServer(&sdk.Implementation{Name: kind, Version: "v0.0.1"}, nil)

	switch kind {
	case "github":
		sdk.AddTool(server, &sdk.Tool{Name: "search_issues", Description: "Search issues"},
			func(ctx context.Context, req *sdk.CallToolRequest, in queryArgs) (*sdk.CallToolResult, any, error) {
				return &sdk.CallToolResult{
					Content: []sdk.Content{&sdk.TextContent{Text: "#12 cache misses on " + in.Query}},
				}, nil, nil
			})
		sdk.AddTool(server, &sdk.Tool{Name: "create_issue", Description: "Create an issue"},
			func(ctx context.Context, req *sdk.CallToolRequest, in queryArgs) (*sdk.CallToolResult, any, error) {
				return &sdk.CallToolResult{
					Content: []sdk.Content{&sdk.TextContent{Text: "created #99"}},
				}, nil, nil
			})
	case "sandbox":
		sdk.AddTool(server, &sdk.Tool{Name: "run_code", Description: "Run code"},
			func(ctx context.Context, req *sdk.CallToolRequest, in codeArgs) (*sdk.CallToolResult, any, error) {
				return &sdk.CallToolResult{
					Content: []sdk.Content{&sdk.TextContent{Text: "ok"}},
				}, nil, nil
			})
	}

	_ = server.Run(context.Background(), &sdk.StdioTransport{})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connectServer(t *testing.T, name string) *mcp.Server {
	t.Helper()
	srv := mcp.NewServer(mcp.ServerConfig{
		Name:           name,
		Command:        os.Args[0],
		Env:            []string{helperEnv + "=" + name},
		ConnectTimeout: 10 * time.Second,
		CallTimeout:    5 * time.Second,
	}, quietLogger())
	t.Cleanup(func() { _ = srv.Cleanup() })
	if err := srv.Connect(t.Context()); err != nil {
		t.Fatalf("Connect %s: %v", name, err)
	}
	return srv
}

// routedClient answers per agent, keyed by the first line of the system
// prompt, so concurrent agents can share one client.
type routedClient struct {
	mu     sync.Mutex
	routes map[string][]*llm.ChatResponse
	seen   map[string][][]map[string]any
}

func (c *routedClient) Chat(_ context.Context, _ string, messages []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := ""
	for k := range c.routes {
		if strings.Contains(messages[0].Content, k) {
			key = k
			break
		}
	}
	if c.seen == nil {
		c.seen = make(map[string][][]map[string]any)
	}
	c.seen[key] = append(c.seen[key], toolDefs)

	queue := c.routes[key]
	if len(queue) == 0 {
		return nil, errors.New("no scripted response for " + key)
	}
	c.routes[key] = queue[1:]
	return queue[0], nil
}

func text(s string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: s}}
}

func calls(tcs ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: tcs}}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func testOptions() agent.Options {
	return agent.Options{Model: "test-model", Logger: quietLogger()}
}

func TestBuild_NoServers(t *testing.T) {
	r, err := Build(t.Context(), Params{Repo: "dagger/dagger", Client: &routedClient{}, Options: testOptions()})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(r.Agents) != 0 {
		t.Errorf("agents = %v, want none", r.Agents)
	}
	if names := r.Triage.ToolNames(); len(names) != 0 {
		t.Errorf("triage tools = %v, want none", names)
	}
}

func TestBuild_BindsConnectedServers(t *testing.T) {
	gh := connectServer(t, ServerGitHub)
	sb := connectServer(t, ServerSandbox)

	fg, err := forge.NewGitHub(nil, "", "", "dagger/dagger", quietLogger())
	if err != nil {
		t.Fatalf("NewGitHub: %v", err)
	}

	r, err := Build(t.Context(), Params{
		Repo: "dagger/dagger",
		Servers: map[string]agent.Binding{
			ServerGitHub:  {Server: gh},
			ServerSandbox: {Server: sb},
		},
		Forge:   fg,
		Client:  &routedClient{},
		Options: testOptions(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	wantTriage := []string{GitHubAgentTool, IssueAgentTool, SandboxAgentTool}
	if got := r.Triage.ToolNames(); !slices.Equal(got, wantTriage) {
		t.Errorf("triage tools = %v, want %v", got, wantTriage)
	}

	wantIssue := []string{"forge_get_issue", "forge_search_issues", "github_create_issue", "github_search_issues"}
	if got := r.Agents[IssueAgentTool].ToolNames(); !slices.Equal(got, wantIssue) {
		t.Errorf("issue agent tools = %v, want %v", got, wantIssue)
	}

	wantGitHub := []string{"github_create_issue", "github_search_issues"}
	if got := r.Agents[GitHubAgentTool].ToolNames(); !slices.Equal(got, wantGitHub) {
		t.Errorf("github agent tools = %v, want %v", got, wantGitHub)
	}

	if got := r.Agents[SandboxAgentTool].ToolNames(); !slices.Equal(got, []string{"sandbox_run_code"}) {
		t.Errorf("sandbox agent tools = %v", got)
	}
	if _, ok := r.Agents[NotionAgentTool]; ok {
		t.Error("notion agent built without a notion server")
	}
}

func TestBuild_FilterLimitsTools(t *testing.T) {
	gh := connectServer(t, ServerGitHub)

	r, err := Build(t.Context(), Params{
		Repo:    "dagger/dagger",
		Servers: map[string]agent.Binding{ServerGitHub: {Server: gh, Filter: mcp.Filter{Include: []string{"search_issues"}}}},
		Client:  &routedClient{},
		Options: testOptions(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := r.Agents[GitHubAgentTool].ToolNames(); !slices.Equal(got, []string{"github_search_issues"}) {
		t.Errorf("github agent tools = %v", got)
	}
}

func TestBuild_RefusesUnconnectedServer(t *testing.T) {
	idle := mcp.NewServer(mcp.ServerConfig{Name: ServerGitHub, Command: os.Args[0]}, quietLogger())

	_, err := Build(t.Context(), Params{
		Repo:    "dagger/dagger",
		Servers: map[string]agent.Binding{ServerGitHub: {Server: idle}},
		Client:  &routedClient{},
		Options: testOptions(),
	})
	if !errors.Is(err, mcp.ErrUnavailable) {
		t.Fatalf("Build error = %v, want mcp.ErrUnavailable", err)
	}
}

func TestTriage_DelegatesThroughToolServer(t *testing.T) {
	gh := connectServer(t, ServerGitHub)

	client := &routedClient{routes: map[string][]*llm.ChatResponse{
		"Discord bot": {
			calls(call("t1", GitHubAgentTool, map[string]any{"input": "find issues about caching"})),
			text("Issue #12 tracks cache misses."),
		},
		"generic GitHub agent": {
			calls(call("g1", "github_search_issues", map[string]any{"query": "cache"})),
			text("Found #12 cache misses on cache"),
		},
	}}

	r, err := Build(t.Context(), Params{
		Repo:    "dagger/dagger",
		Servers: map[string]agent.Binding{ServerGitHub: {Server: gh}},
		Client:  client,
		Options: testOptions(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	res, err := r.Triage.Invoke(t.Context(), agent.UserText("is caching broken?"), agent.Context{UserName: "ada"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Text != "Issue #12 tracks cache misses." {
		t.Errorf("Text = %q", res.Text)
	}
	if len(res.ToolCalls) != 1 || !res.ToolCalls[0].Success {
		t.Errorf("tool calls = %+v, want one successful delegation", res.ToolCalls)
	}
}

func TestTriage_DeadServerStillAnswers(t *testing.T) {
	gh := connectServer(t, ServerGitHub)

	client := &routedClient{routes: map[string][]*llm.ChatResponse{
		"Discord bot": {
			calls(call("t1", GitHubAgentTool, map[string]any{"input": "list open issues"})),
			text("GitHub is not reachable right now, please try again later."),
		},
		"generic GitHub agent": {
			calls(call("g1", "github_search_issues", map[string]any{"query": "open"})),
			text("The GitHub tools are unavailable."),
		},
	}}

	r, err := Build(t.Context(), Params{
		Repo:    "dagger/dagger",
		Servers: map[string]agent.Binding{ServerGitHub: {Server: gh}},
		Client:  client,
		Options: testOptions(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Tearing the server down fails every later call as unavailable.
	if err := gh.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	res, err := r.Triage.Invoke(t.Context(), agent.UserText("open issues?"), agent.Context{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Text == "" {
		t.Error("final text is empty")
	}
}

func TestTriageOutputSchema(t *testing.T) {
	s := TriageOutputSchema()
	props, _ := s["properties"].(map[string]any)
	kind, _ := props["kind"].(map[string]any)
	if got, _ := kind["enum"].([]string); !slices.Equal(got, []string{"question", "bug_report"}) {
		t.Errorf("kind enum = %v", kind["enum"])
	}
	if req, _ := s["required"].([]string); !slices.Equal(req, []string{"answer", "summary", "kind"}) {
		t.Errorf("required = %v", s["required"])
	}
}
