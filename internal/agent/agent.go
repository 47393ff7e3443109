// Package agent implements the LLM-driven capability agents: a fixed
// instruction prompt, a closed tool registry and a bounded turn loop.
//
// An [Agent] may be bound to connected tool servers (whose tools are
// bridged into its registry), native Go tools, and other agents exposed
// as tools through [Agent.AsTool]. The triage agent is simply an agent
// whose tools are other agents.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/triagebot/internal/llm"
	"github.com/nugget/triagebot/internal/mcp"
	"github.com/nugget/triagebot/internal/prompts"
	"github.com/nugget/triagebot/internal/tools"
)

// recordTimeout bounds writing one invocation record.
const recordTimeout = 5 * time.Second

// DefaultMaxTurns bounds the turn loop when neither the descriptor nor
// the options set a limit.
const DefaultMaxTurns = 10

// Binding attaches a connected tool server to an agent.
type Binding struct {
	Server *mcp.Server
	Filter mcp.Filter
}

// Delegation exposes another agent as a tool of this one.
type Delegation struct {
	Agent       *Agent
	ToolName    string
	Description string
}

// Descriptor is the static definition of an agent. It is built once at
// startup and never changed afterwards.
type Descriptor struct {
	Name         string
	Instructions string

	// OutputSchema, when set, is a JSON Schema the final answer must
	// satisfy. The answer is parsed into [Result.Structured].
	OutputSchema map[string]any

	// Model overrides [Options.Model] for this agent.
	Model string

	Servers   []Binding
	Tools     []*tools.Tool
	SubAgents []Delegation

	// MaxTurns overrides [Options.MaxTurns] for this agent.
	MaxTurns int
}

// Options carries the runtime dependencies shared by every agent.
type Options struct {
	Model    string
	MaxTurns int
	Store    *InvocationStore
	Logger   *slog.Logger
}

// Agent is a built, immutable capability agent. It is safe for
// concurrent invocation.
type Agent struct {
	desc     Descriptor
	client   llm.Client
	model    string
	maxTurns int
	registry *tools.Registry
	store    *InvocationStore
	logger   *slog.Logger

	schemaPrompt string
}

// ToolCallRecord is one capability call made during an invocation.
type ToolCallRecord struct {
	Name     string
	Success  bool
	Duration time.Duration
}

// Result is the outcome of one [Agent.Invoke].
type Result struct {
	Agent string
	Model string
	Text  string

	// Structured holds the parsed final answer when the agent has an
	// output schema and the answer is a JSON object.
	Structured map[string]any

	Turns        int
	Exhausted    bool
	InputTokens  int
	OutputTokens int
	ToolCalls    []ToolCallRecord
	Duration     time.Duration
}

// New builds an agent from desc. Every bound server must already be
// connected; its tools are listed and bridged into the agent's registry.
// Two capabilities resolving to the same tool name is an error.
func New(ctx context.Context, desc Descriptor, client llm.Client, opts Options) (*Agent, error) {
	if desc.Name == "" {
		return nil, errors.New("agent name is required")
	}
	if client == nil {
		return nil, fmt.Errorf("agent %s: llm client is required", desc.Name)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", desc.Name)

	a := &Agent{
		desc:     desc,
		client:   client,
		model:    firstNonEmpty(desc.Model, opts.Model),
		maxTurns: firstPositive(desc.MaxTurns, opts.MaxTurns, DefaultMaxTurns),
		registry: tools.NewRegistry(),
		store:    opts.Store,
		logger:   logger,
	}
	if a.model == "" {
		return nil, fmt.Errorf("agent %s: model is required", desc.Name)
	}

	if desc.OutputSchema != nil {
		schema, err := json.MarshalIndent(desc.OutputSchema, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("agent %s: marshal output schema: %w", desc.Name, err)
		}
		a.schemaPrompt = prompts.StructuredOutputInstructions(string(schema))
	}

	for _, t := range desc.Tools {
		if err := a.register(t); err != nil {
			return nil, err
		}
	}

	for _, b := range desc.Servers {
		if b.Server == nil {
			return nil, fmt.Errorf("agent %s: nil tool server binding", desc.Name)
		}
		if !b.Server.Connected() {
			return nil, fmt.Errorf("agent %s: tool server %s is not connected: %w",
				desc.Name, b.Server.Name(), mcp.ErrUnavailable)
		}
		scratch := tools.NewRegistry()
		n, err := mcp.BridgeTools(ctx, b.Server, scratch, b.Filter, logger)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", desc.Name, err)
		}
		for _, name := range scratch.AllToolNames() {
			if err := a.register(scratch.Get(name)); err != nil {
				return nil, err
			}
		}
		logger.Info("tool server bound", "mcp_server", b.Server.Name(), "tools", n)
	}

	for _, d := range desc.SubAgents {
		if d.Agent == nil {
			return nil, fmt.Errorf("agent %s: nil sub-agent for tool %s", desc.Name, d.ToolName)
		}
		if err := a.register(d.Agent.AsTool(d.ToolName, d.Description)); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *Agent) register(t *tools.Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("agent %s: tool without a name", a.desc.Name)
	}
	if a.registry.Get(t.Name) != nil {
		return fmt.Errorf("agent %s: duplicate tool name %q", a.desc.Name, t.Name)
	}
	a.registry.Register(t)
	return nil
}

// Name returns the agent's name.
func (a *Agent) Name() string { return a.desc.Name }

// Model returns the model the agent calls.
func (a *Agent) Model() string { return a.model }

// ToolNames returns the sorted names of every capability the agent can
// call.
func (a *Agent) ToolNames() []string { return a.registry.AllToolNames() }

// Invoke runs the turn loop over input. Capability failures are handed
// back to the model as observations; only a failed model call returns an
// error, as a [*ModelError].
func (a *Agent) Invoke(ctx context.Context, input Input, actx Context) (*Result, error) {
	ctx = withContext(ctx, actx)
	start := time.Now()

	log := a.logger
	if actx.DispatchID != "" {
		log = log.With("dispatch_id", actx.DispatchID)
	}

	res := &Result{Agent: a.desc.Name, Model: a.model}

	messages := make([]llm.Message, 0, len(input)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: a.systemPrompt()})
	messages = append(messages, input.messages()...)

	var toolDefs []map[string]any
	if a.registry.Len() > 0 {
		toolDefs = a.registry.List()
	}

	log.Info("agent invoked",
		"turns_max", a.maxTurns,
		"tools", a.registry.Len(),
		"request_len", len(input.lastUser()),
	)

	var final *llm.ChatResponse
	for turn := 1; turn <= a.maxTurns; turn++ {
		resp, err := a.chat(ctx, log, turn, messages, toolDefs, res)
		if err != nil {
			return nil, a.finish(ctx, actx, input, res, start, err)
		}
		res.Turns = turn

		if len(resp.Message.ToolCalls) == 0 {
			final = resp
			break
		}

		calls := withCallIDs(resp.Message.ToolCalls, turn)
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})
		messages = append(messages, a.runTools(ctx, log, calls, res)...)
	}

	if final == nil {
		res.Exhausted = true
		log.Warn("turn limit reached, forcing final answer", "turns", res.Turns)

		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompts.TurnLimitNotice})
		resp, err := a.chat(ctx, log, a.maxTurns+1, messages, nil, res)
		if err != nil {
			return nil, a.finish(ctx, actx, input, res, start, err)
		}
		final = resp
	}

	res.Text = strings.TrimSpace(final.Message.Content)
	if a.desc.OutputSchema != nil && res.Text != "" {
		structured, err := parseStructured(res.Text)
		if err != nil {
			log.Warn("final answer is not a JSON object", "error", err)
		} else {
			res.Structured = structured
		}
	}

	return res, a.finish(ctx, actx, input, res, start, nil)
}

func (a *Agent) systemPrompt() string {
	if a.schemaPrompt == "" {
		return a.desc.Instructions
	}
	return a.desc.Instructions + "\n\n" + a.schemaPrompt
}

// chat performs one model call and folds its usage into res.
func (a *Agent) chat(ctx context.Context, log *slog.Logger, turn int, messages []llm.Message, toolDefs []map[string]any, res *Result) (*llm.ChatResponse, error) {
	log.Debug("agent llm call",
		"turn", turn,
		"model", a.model,
		"messages", len(messages),
		"tools", len(toolDefs),
	)

	callStart := time.Now()
	resp, err := a.client.Chat(ctx, a.model, messages, toolDefs)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		log.Error("agent llm call failed", "turn", turn, "model", a.model, "error", err)
		return nil, &ModelError{Agent: a.desc.Name, Turn: turn, Err: err}
	}

	res.InputTokens += resp.InputTokens
	res.OutputTokens += resp.OutputTokens
	if resp.Model != "" {
		res.Model = resp.Model
	}

	log.Info("agent llm response",
		"turn", turn,
		"model", res.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
		"elapsed", time.Since(callStart).Round(time.Millisecond),
	)
	return resp, nil
}

// runTools executes calls concurrently and returns their tool messages
// in call order. A failed call becomes an "Error: ..." observation.
func (a *Agent) runTools(ctx context.Context, log *slog.Logger, calls []llm.ToolCall, res *Result) []llm.Message {
	out := make([]llm.Message, len(calls))
	records := make([]ToolCallRecord, len(calls))

	var g errgroup.Group
	for i, tc := range calls {
		g.Go(func() error {
			name := tc.Function.Name
			callStart := time.Now()
			content, err := a.registry.Execute(ctx, name, tc.Function.Arguments)
			elapsed := time.Since(callStart)

			records[i] = ToolCallRecord{Name: name, Success: err == nil, Duration: elapsed}
			if err != nil {
				log.Warn("tool call failed",
					"tool", name,
					"error", err,
					"elapsed", elapsed.Round(time.Millisecond),
				)
				content = "Error: " + err.Error()
			} else {
				log.Debug("tool call",
					"tool", name,
					"result_len", len(content),
					"elapsed", elapsed.Round(time.Millisecond),
				)
			}
			out[i] = llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: tc.ID}
			return nil
		})
	}
	_ = g.Wait()

	res.ToolCalls = append(res.ToolCalls, records...)
	return out
}

// finish stamps the duration, records the invocation and passes err
// through.
func (a *Agent) finish(ctx context.Context, actx Context, input Input, res *Result, start time.Time, err error) error {
	res.Duration = time.Since(start)

	if err == nil {
		a.logger.Info("agent completed",
			"dispatch_id", actx.DispatchID,
			"turns", res.Turns,
			"exhausted", res.Exhausted,
			"tool_calls", len(res.ToolCalls),
			"input_tokens", res.InputTokens,
			"output_tokens", res.OutputTokens,
			"elapsed", res.Duration.Round(time.Millisecond),
		)
	}

	if a.store != nil {
		rec := newRecord(a.desc.Name, a.maxTurns, actx, input, res, start, err)
		// A timed-out invocation is still recorded.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if serr := a.store.Record(rctx, rec); serr != nil {
			a.logger.Warn("failed to record invocation", "error", serr)
		}
	}
	return err
}

// withCallIDs returns calls with a stable ID on every entry so tool
// results can be matched to their call.
func withCallIDs(calls []llm.ToolCall, turn int) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, tc := range calls {
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d_%d", turn, i)
		}
		out[i] = tc
	}
	return out
}

// parseStructured decodes a JSON object answer, tolerating a fenced
// code block around it.
func parseStructured(text string) (map[string]any, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("answer is null")
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
