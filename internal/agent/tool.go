package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nugget/triagebot/internal/prompts"
	"github.com/nugget/triagebot/internal/tools"
)

// AsTool exposes the agent as a single-argument tool. A call runs the
// agent's full turn loop on the "input" argument with the caller's
// [Context] and returns the answer under a status header, so the calling
// model can tell success from failure. Failures of the sub-agent are
// reported in the observation text, never as an error.
func (a *Agent) AsTool(name, description string) *tools.Tool {
	return &tools.Tool{
		Name:        name,
		Description: description,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"input": map[string]any{
					"type":        "string",
					"description": prompts.DelegateInputDescription,
				},
			},
			"required": []string{"input"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			input, _ := args["input"].(string)
			if strings.TrimSpace(input) == "" {
				return "", errors.New("input is required")
			}

			res, err := a.Invoke(ctx, UserText(input), ContextFrom(ctx))
			if err != nil {
				return fmt.Sprintf("[Delegate FAILED: agent=%s, model=%s, reason=model_error]\n\n%s",
					a.Name(), a.Model(), err.Error()), nil
			}
			return formatDelegateResult(res), nil
		},
	}
}

func formatDelegateResult(res *Result) string {
	summary := formatExecSummary(res)

	switch {
	case res.Text == "":
		return fmt.Sprintf("[Delegate FAILED: agent=%s, model=%s, reason=no_output, turns=%d]"+
			"\n\nThe agent finished without producing an answer.\n\n%s",
			res.Agent, res.Model, res.Turns, summary)
	case res.Exhausted:
		return fmt.Sprintf("[Delegate FAILED: agent=%s, model=%s, reason=turn_limit, turns=%d, tokens_in=%s, tokens_out=%s]"+
			"\n\n%s\n\n[The agent used all of its turns before finishing. A narrower request may succeed.]\n\n%s",
			res.Agent, res.Model, res.Turns,
			formatTokens(res.InputTokens), formatTokens(res.OutputTokens),
			res.Text, summary)
	default:
		return fmt.Sprintf("[Delegate SUCCEEDED: agent=%s, model=%s, turns=%d, tokens=%s]\n\n%s\n\n%s",
			res.Agent, res.Model, res.Turns, formatTokens(res.OutputTokens), res.Text, summary)
	}
}

// formatExecSummary lists the calls the agent made and whether each one
// succeeded.
func formatExecSummary(r *Result) string {
	var sb strings.Builder
	sb.WriteString("--- execution summary ---\n")
	fmt.Fprintf(&sb, "turns: %d\n", r.Turns)
	fmt.Fprintf(&sb, "duration: %s\n", formatDuration(r.Duration))

	if len(r.ToolCalls) == 0 {
		sb.WriteString("tool_calls: (none)\n")
		sb.WriteString("errors: 0\n")
		return sb.String()
	}

	var errs int
	parts := make([]string, len(r.ToolCalls))
	for i, tc := range r.ToolCalls {
		tag := "ok"
		if !tc.Success {
			tag = "err"
			errs++
		}
		parts[i] = fmt.Sprintf("%s(%s)", tc.Name, tag)
	}
	fmt.Fprintf(&sb, "tool_calls: %s\n", strings.Join(parts, " → "))
	fmt.Fprintf(&sb, "errors: %d\n", errs)
	return sb.String()
}

// formatDuration renders d compactly, e.g. "850ms", "8.2s", "1m12s".
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

// formatTokens renders a token count, e.g. "950" or "1.2K".
func formatTokens(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%.1fK", math.Round(float64(n)/100)/10)
}
