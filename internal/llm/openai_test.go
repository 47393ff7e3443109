package llm

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIClient_Chat(t *testing.T) {
	var gotBody struct {
		Model    string           `json:"model"`
		Messages []map[string]any `json:"messages"`
		Tools    []map[string]any `json:"tools"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o",
			"choices": [{
				"index": 0, "finish_reason": "tool_calls",
				"message": {
					"role": "assistant", "content": null,
					"tool_calls": [{
						"id": "call_1", "type": "function",
						"function": {"name": "issue_agent", "arguments": "{\"input\":\"arm64 build\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 50, "completion_tokens": 7, "total_tokens": 57}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIOptions{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"}, nil)

	tools := []map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":        "issue_agent",
			"description": "Finds related issues.",
			"parameters": map[string]any{
				"type":       "object",
				"properties": map[string]any{"input": map[string]any{"type": "string"}},
			},
		},
	}}
	messages := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_0", Function: FunctionCall{Name: "noop", Arguments: map[string]any{}}}}},
		{Role: RoleTool, ToolCallID: "call_0", Content: "ok"},
	}

	resp, err := c.Chat(t.Context(), "gpt-4o", messages, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotBody.Model != "gpt-4o" {
		t.Errorf("model = %q", gotBody.Model)
	}
	if len(gotBody.Messages) != 4 {
		t.Fatalf("messages sent = %d, want 4", len(gotBody.Messages))
	}
	wantRoles := []string{"system", "user", "assistant", "tool"}
	for i, want := range wantRoles {
		if gotBody.Messages[i]["role"] != want {
			t.Errorf("messages[%d].role = %v, want %s", i, gotBody.Messages[i]["role"], want)
		}
	}
	if gotBody.Messages[3]["tool_call_id"] != "call_0" {
		t.Errorf("tool_call_id = %v", gotBody.Messages[3]["tool_call_id"])
	}
	if len(gotBody.Tools) != 1 {
		t.Errorf("tools sent = %d, want 1", len(gotBody.Tools))
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Arguments["input"] != "arm64 build" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.InputTokens != 50 || resp.OutputTokens != 7 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIClient_ChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error": {"message": "bad model", "type": "invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIOptions{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"}, nil)
	_, err := c.Chat(t.Context(), "nope", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "openai chat") {
		t.Fatalf("err = %v, want wrapped openai error", err)
	}
}
