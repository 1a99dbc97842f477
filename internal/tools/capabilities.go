package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/homunculus/internal/engine"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

// CapabilitiesTool handles the evolve_capabilities MCP tool.
type CapabilitiesTool struct {
	engine *engine.Engine
}

// NewCapabilitiesTool creates a CapabilitiesTool.
func NewCapabilitiesTool(e *engine.Engine) *CapabilitiesTool {
	return &CapabilitiesTool{engine: e}
}

// Definition returns the MCP tool definition for evolve_capabilities.
func (t *CapabilitiesTool) Definition() mcp.Tool {
	return mcp.NewTool("evolve_capabilities",
		mcp.WithDescription(
			"List installed capabilities with usage counts and dependencies. "+
				"Set all=true to include disabled and rolled-back capabilities.",
		),
		mcp.WithBoolean("all",
			mcp.Description("Include inactive capabilities (default: false)"),
		),
	)
}

// Handle processes the evolve_capabilities tool call.
func (t *CapabilitiesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caps, err := t.engine.Capabilities(ctx, boolArg(req, "all", false))
	if err != nil {
		return errorResult("list capabilities", err), nil
	}
	if len(caps) == 0 {
		return mcp.NewToolResultText("No capabilities installed yet."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Capabilities (%d)\n\n", len(caps))
	sb.WriteString("| Name | Type | Scope | Status | Uses | Last used | Installed |\n")
	sb.WriteString("|------|------|-------|--------|------|-----------|-----------|\n")
	for _, c := range caps {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %d | %s | %s |\n",
			c.Name, c.Type, c.Scope, c.Status, c.UsageCount, ago(c.LastUsedAt), ago(c.InstalledAt))
	}
	for _, c := range caps {
		if len(c.Dependencies) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n**%s** depends on: ", c.Name)
		parts := make([]string, 0, len(c.Dependencies))
		for _, d := range c.Dependencies {
			parts = append(parts, fmt.Sprintf("%s (%s, %s)", d.DependsOnName, d.Type, d.DependsStatus))
		}
		sb.WriteString(strings.Join(parts, ", ") + "\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// RollbackTool handles the evolve_rollback MCP tool.
type RollbackTool struct {
	engine *engine.Engine
}

// NewRollbackTool creates a RollbackTool.
func NewRollbackTool(e *engine.Engine) *RollbackTool {
	return &RollbackTool{engine: e}
}

// Definition returns the MCP tool definition for evolve_rollback.
func (t *RollbackTool) Definition() mcp.Tool {
	return mcp.NewTool("evolve_rollback",
		mcp.WithDescription(
			"Roll back an installed capability, restoring every file it touched to its pre-install state. "+
				"Blocked while active capabilities require it unless cascade=true, which rolls them back first.",
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Capability name"),
		),
		mcp.WithBoolean("cascade",
			mcp.Description("Also roll back dependents that require this capability (default: false)"),
		),
	)
}

// Handle processes the evolve_rollback tool call.
func (t *RollbackTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, errRes := requireString(req, "name")
	if errRes != nil {
		return errRes, nil
	}
	res, err := t.engine.Rollback(ctx, name, boolArg(req, "cascade", false))
	if err != nil {
		var de *lifecycle.DependencyError
		if errors.As(err, &de) {
			return mcp.NewToolResultError(fmt.Sprintf(
				"Cannot roll back %q: required by %s. Roll those back first or pass cascade=true.",
				name, strings.Join(de.Blocking, ", "))), nil
		}
		return errorResult("rollback", err), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Rolled back: %s\n", strings.Join(res.RolledBack, ", "))
	for _, w := range res.Warnings {
		fmt.Fprintf(&sb, "- warning: %s\n", w)
	}
	return mcp.NewToolResultText(sb.String()), nil
}
