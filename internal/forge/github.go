package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v69/github"
)

// GitHub reads issues from one repository.
type GitHub struct {
	client *gogithub.Client
	owner  string
	name   string
	logger *slog.Logger
}

// NewGitHub creates a client for repo ("owner/name"). baseURL selects a
// GitHub Enterprise instance; empty means github.com.
func NewGitHub(httpClient *http.Client, token, baseURL, repo string, logger *slog.Logger) (*GitHub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	client := gogithub.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("forge: enterprise url: %w", err)
		}
	}

	return &GitHub{
		client: client,
		owner:  owner,
		name:   name,
		logger: logger.With("repo", repo),
	}, nil
}

// Repo returns the "owner/name" this client reads from.
func (g *GitHub) Repo() string { return g.owner + "/" + g.name }

func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/name", repo)
	}
	return parts[0], parts[1], nil
}

// checkRateLimit warns when the remaining API budget runs low.
func (g *GitHub) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		g.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// SearchIssues runs a GitHub issue search scoped to the repository.
// state is "open", "closed" or empty for both.
func (g *GitHub) SearchIssues(ctx context.Context, query, state string, limit int) ([]*Issue, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	q := fmt.Sprintf("repo:%s/%s is:issue %s", g.owner, g.name, query)
	if state == "open" || state == "closed" {
		q += " state:" + state
	}

	opts := &gogithub.SearchOptions{ListOptions: gogithub.ListOptions{PerPage: limit}}
	result, resp, err := g.client.Search.Issues(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("forge: search issues: %w", err)
	}
	g.checkRateLimit(resp)

	out := make([]*Issue, 0, len(result.Issues))
	for _, i := range result.Issues {
		out = append(out, convertIssue(i))
	}
	return out, nil
}

// GetIssue fetches one issue and up to maxComments of its comments.
func (g *GitHub) GetIssue(ctx context.Context, number, maxComments int) (*Issue, []*Comment, error) {
	result, resp, err := g.client.Issues.Get(ctx, g.owner, g.name, number)
	if err != nil {
		return nil, nil, fmt.Errorf("forge: get issue #%d: %w", number, err)
	}
	g.checkRateLimit(resp)
	issue := convertIssue(result)

	if maxComments <= 0 || issue.CommentCount == 0 {
		return issue, nil, nil
	}

	opts := &gogithub.IssueListCommentsOptions{ListOptions: gogithub.ListOptions{PerPage: maxComments}}
	raw, resp, err := g.client.Issues.ListComments(ctx, g.owner, g.name, number, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("forge: list comments on #%d: %w", number, err)
	}
	g.checkRateLimit(resp)

	comments := make([]*Comment, 0, len(raw))
	for _, c := range raw {
		comments = append(comments, &Comment{
			Author:    c.GetUser().GetLogin(),
			Body:      c.GetBody(),
			CreatedAt: c.GetCreatedAt().Time,
		})
	}
	return issue, comments, nil
}

func convertIssue(i *gogithub.Issue) *Issue {
	out := &Issue{
		Number:       i.GetNumber(),
		Title:        i.GetTitle(),
		Body:         i.GetBody(),
		State:        i.GetState(),
		Author:       i.GetUser().GetLogin(),
		CreatedAt:    i.GetCreatedAt().Time,
		UpdatedAt:    i.GetUpdatedAt().Time,
		URL:          i.GetHTMLURL(),
		CommentCount: i.GetComments(),
		PullRequest:  i.IsPullRequest(),
	}
	for _, l := range i.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}
