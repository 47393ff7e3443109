package agent

import (
	"context"

	"github.com/nugget/triagebot/internal/llm"
	"github.com/nugget/triagebot/internal/tools"
)

// Item roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Item is one role-tagged entry of an agent's input. Only text crosses
// the agent boundary.
type Item struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Input is the ordered conversation handed to an agent.
type Input []Item

// UserText wraps a single request as an Input.
func UserText(s string) Input {
	return Input{{Role: RoleUser, Content: s}}
}

// messages converts the input to chat messages. Unknown roles are sent
// as user turns.
func (in Input) messages() []llm.Message {
	out := make([]llm.Message, 0, len(in))
	for _, it := range in {
		role := llm.RoleUser
		if it.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: it.Content})
	}
	return out
}

// lastUser returns the content of the final user item, for logs and
// invocation records.
func (in Input) lastUser() string {
	for i := len(in) - 1; i >= 0; i-- {
		if in[i].Role != RoleAssistant {
			return in[i].Content
		}
	}
	return ""
}

// Context is the per-invocation metadata threaded alongside the input.
// Agents read it but never change it.
type Context struct {
	UserName   string
	UserID     string
	DispatchID string
}

// withContext attaches actx to ctx so tool handlers and delegated agents
// can read it.
func withContext(ctx context.Context, actx Context) context.Context {
	if actx.DispatchID != "" {
		ctx = tools.WithDispatchID(ctx, actx.DispatchID)
	}
	if actx.UserID != "" || actx.UserName != "" {
		ctx = tools.WithInvoker(ctx, tools.Invoker{ID: actx.UserID, Name: actx.UserName})
	}
	return ctx
}

// ContextFrom recovers the invocation metadata attached to ctx.
func ContextFrom(ctx context.Context) Context {
	inv, _ := tools.InvokerFromContext(ctx)
	return Context{
		UserName:   inv.Name,
		UserID:     inv.ID,
		DispatchID: tools.DispatchIDFromContext(ctx),
	}
}
