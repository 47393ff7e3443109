package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/nugget/triagebot/internal/tools"
)

var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Filter selects which of a server's tools are bridged. A non-empty
// Include wins over Exclude; both empty bridges everything.
type Filter struct {
	Include []string
	Exclude []string
}

func (f Filter) allows(name string) bool {
	if len(f.Include) > 0 {
		return slices.Contains(f.Include, name)
	}
	return !slices.Contains(f.Exclude, name)
}

// BridgeTools lists the server's tools and registers a proxy for each on
// registry, named by [ToolName]. It returns the number registered.
func BridgeTools(ctx context.Context, srv *Server, registry *tools.Registry, filter Filter, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := srv.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", srv.Name(), err)
	}

	count := 0
	for _, td := range defs {
		if !filter.allows(td.Name) {
			continue
		}
		name := ToolName(srv.Name(), td.Name)
		registry.Register(bridgeTool(srv, name, td))
		count++

		logger.Debug("bridged tool",
			"mcp_name", td.Name,
			"tool", name,
			"mcp_server", srv.Name(),
		)
	}
	return count, nil
}

// ToolName namespaces a server tool as "{server}_{tool}", both parts
// lowercased with anything outside [a-z0-9_] folded to underscores.
func ToolName(serverName, toolName string) string {
	return sanitize(serverName) + "_" + sanitize(toolName)
}

func bridgeTool(srv *Server, name string, td ToolDefinition) *tools.Tool {
	remote := td.Name
	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  td.InputSchema,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return srv.CallTool(ctx, remote, args)
		},
	}
}

func sanitize(name string) string {
	s := sanitizeRe.ReplaceAllString(strings.ToLower(name), "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}
