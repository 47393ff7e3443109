// Package llm wraps the hosted model providers behind one chat interface.
//
// Agents speak in [Message] values using the OpenAI chat roles (system,
// user, assistant, tool). Each provider converts to and from its own wire
// format at the boundary, so the agent loop never sees provider types.
package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends one completion request. tools uses the OpenAI function
	// tool shape ({"type":"function","function":{...}}); nil or empty
	// offers the model no tools.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)
}
