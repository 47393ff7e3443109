package forge

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/triagebot/internal/tools"
)

const bodyPreview = 280

// Register adds the forge tools to registry.
func (g *GitHub) Register(registry *tools.Registry) {
	registry.Register(&tools.Tool{
		Name: "forge_search_issues",
		Description: fmt.Sprintf("Search issues in %s. Use before filing a new issue to find duplicates "+
			"or related reports. Query uses GitHub search syntax (keywords, label:, author:).", g.Repo()),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search terms"},
				"state": map[string]any{"type": "string", "enum": []string{"open", "closed", "all"}, "description": "Issue state filter (default all)"},
				"limit": map[string]any{"type": "integer", "description": "Maximum results (default 10, max 50)"},
			},
			"required": []string{"query"},
		},
		Handler: g.handleSearch,
	})

	registry.Register(&tools.Tool{
		Name:        "forge_get_issue",
		Description: fmt.Sprintf("Read one issue from %s by number, including its most recent comments.", g.Repo()),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"number": map[string]any{"type": "integer", "description": "Issue number"},
			},
			"required": []string{"number"},
		},
		Handler: g.handleGet,
	})
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// intArg accepts JSON numbers (float64) and integral strings.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}

func preview(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}

func (g *GitHub) handleSearch(ctx context.Context, args map[string]any) (string, error) {
	query := stringArg(args, "query")
	if query == "" {
		return "", fmt.Errorf("query is required")
	}

	issues, err := g.SearchIssues(ctx, query, stringArg(args, "state"), intArg(args, "limit"))
	if err != nil {
		return "", err
	}
	if len(issues) == 0 {
		return "No matching issues.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d issue(s) in %s:\n\n", len(issues), g.Repo())
	for _, is := range issues {
		fmt.Fprintf(&sb, "#%d [%s] %s\n  %s\n", is.Number, is.State, is.Title, is.URL)
		if len(is.Labels) > 0 {
			fmt.Fprintf(&sb, "  Labels: %s\n", strings.Join(is.Labels, ", "))
		}
		if is.Body != "" {
			fmt.Fprintf(&sb, "  %s\n", preview(is.Body, bodyPreview))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (g *GitHub) handleGet(ctx context.Context, args map[string]any) (string, error) {
	number := intArg(args, "number")
	if number <= 0 {
		return "", fmt.Errorf("number is required")
	}

	issue, comments, err := g.GetIssue(ctx, number, 10)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	kind := "Issue"
	if issue.PullRequest {
		kind = "Pull request"
	}
	fmt.Fprintf(&sb, "%s #%d: %s\n", kind, issue.Number, issue.Title)
	fmt.Fprintf(&sb, "State: %s | Author: %s | Comments: %d\n", issue.State, issue.Author, issue.CommentCount)
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&sb, "Labels: %s\n", strings.Join(issue.Labels, ", "))
	}
	fmt.Fprintf(&sb, "Created: %s | Updated: %s\n", issue.CreatedAt.Format("2006-01-02"), issue.UpdatedAt.Format("2006-01-02"))
	fmt.Fprintf(&sb, "URL: %s\n", issue.URL)
	if issue.Body != "" {
		fmt.Fprintf(&sb, "\n---\n%s\n", issue.Body)
	}
	for _, c := range comments {
		fmt.Fprintf(&sb, "\n--- %s (%s)\n%s\n", c.Author, c.CreatedAt.Format("2006-01-02"), c.Body)
	}
	return sb.String(), nil
}
