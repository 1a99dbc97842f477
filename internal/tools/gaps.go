package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/homunculus/internal/engine"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/store"
)

// GapsTool handles the evolve_gaps MCP tool.
type GapsTool struct {
	engine *engine.Engine
}

// NewGapsTool creates a GapsTool.
func NewGapsTool(e *engine.Engine) *GapsTool {
	return &GapsTool{engine: e}
}

// Definition returns the MCP tool definition for evolve_gaps.
func (t *GapsTool) Definition() mcp.Tool {
	return mcp.NewTool("evolve_gaps",
		mcp.WithDescription(
			"List detected capability gaps, newest first. Filter by status or gap type.",
		),
		mcp.WithString("status",
			mcp.Description("Gap status: pending, synthesizing, proposed, resolved, rejected, dismissed. Default: all open gaps."),
		),
		mcp.WithString("type",
			mcp.Description("Gap type, e.g. tool, knowledge, workflow, integration"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of gaps (default: 20)"),
		),
	)
}

// Handle processes the evolve_gaps tool call.
func (t *GapsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := store.GapFilter{
		Type:  lifecycle.GapType(req.GetString("type", "")),
		Limit: intArg(req, "limit", 20),
	}
	if s := req.GetString("status", ""); s != "" {
		f.Status = []lifecycle.GapStatus{lifecycle.GapStatus(s)}
	} else {
		f.Status = lifecycle.OpenGapStatuses
	}

	gaps, err := t.engine.Gaps(ctx, f)
	if err != nil {
		return errorResult("list gaps", err), nil
	}
	if len(gaps) == 0 {
		return mcp.NewToolResultText("No gaps match. Run `evolve_detect` after new observations arrive."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Gaps (%d)\n\n", len(gaps))
	sb.WriteString("| ID | Type | Desired capability | Confidence | Status | Detected |\n")
	sb.WriteString("|----|------|--------------------|------------|--------|----------|\n")
	for _, g := range gaps {
		fmt.Fprintf(&sb, "| `%s` | %s | %s | %.2f | %s | %s |\n",
			g.ID, g.Type, g.DesiredCapability, g.Confidence, g.Status, ago(g.DetectedAt))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// GapTool handles the evolve_gap MCP tool.
type GapTool struct {
	engine *engine.Engine
}

// NewGapTool creates a GapTool.
func NewGapTool(e *engine.Engine) *GapTool {
	return &GapTool{engine: e}
}

// Definition returns the MCP tool definition for evolve_gap.
func (t *GapTool) Definition() mcp.Tool {
	return mcp.NewTool("evolve_gap",
		mcp.WithDescription(
			"Show one gap with its evidence, supporting observations, linked proposal and transition history.",
		),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Gap ID"),
		),
	)
}

// Handle processes the evolve_gap tool call.
func (t *GapTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errRes := requireString(req, "id")
	if errRes != nil {
		return errRes, nil
	}
	d, err := t.engine.Gap(ctx, id)
	if err != nil {
		return errorResult("get gap", err), nil
	}

	g := d.Gap
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Gap `%s`\n\n", g.ID)
	fmt.Fprintf(&sb, "- **Type**: %s\n", g.Type)
	if g.Domain != "" {
		fmt.Fprintf(&sb, "- **Domain**: %s\n", g.Domain)
	}
	fmt.Fprintf(&sb, "- **Desired capability**: %s\n", g.DesiredCapability)
	fmt.Fprintf(&sb, "- **Confidence**: %.2f\n", g.Confidence)
	fmt.Fprintf(&sb, "- **Scope**: %s\n", g.Scope)
	fmt.Fprintf(&sb, "- **Status**: %s\n", g.Status)
	fmt.Fprintf(&sb, "- **Rule**: %s v%d\n", g.RuleID, g.RuleVersion)
	fmt.Fprintf(&sb, "- **Detected**: %s\n", ago(g.DetectedAt))
	if g.DismissReason != "" {
		fmt.Fprintf(&sb, "- **Dismissed**: %s\n", g.DismissReason)
	}
	fmt.Fprintf(&sb, "\n### Evidence\n\n%s\n", g.EvidenceSummary)

	if d.Proposal != nil {
		fmt.Fprintf(&sb, "\n### Proposal\n\n`%s` %s **%s** (%s)\n", d.Proposal.ID, d.Proposal.Type, d.Proposal.Name, d.Proposal.Status)
	}

	fmt.Fprintf(&sb, "\n### Observations (%d)\n\n", len(d.Observations))
	for _, o := range d.Observations {
		line := fmt.Sprintf("- %s %s", o.Timestamp, o.EventType)
		if o.ToolName != "" {
			line += " " + o.ToolName
		}
		if o.ToolError != "" {
			line += ": " + o.ToolError
		}
		sb.WriteString(line + "\n")
	}
	writeHistory(&sb, d.History)
	return mcp.NewToolResultText(sb.String()), nil
}

// DismissGapTool handles the evolve_dismiss_gap MCP tool.
type DismissGapTool struct {
	engine *engine.Engine
}

// NewDismissGapTool creates a DismissGapTool.
func NewDismissGapTool(e *engine.Engine) *DismissGapTool {
	return &DismissGapTool{engine: e}
}

// Definition returns the MCP tool definition for evolve_dismiss_gap.
func (t *DismissGapTool) Definition() mcp.Tool {
	return mcp.NewTool("evolve_dismiss_gap",
		mcp.WithDescription(
			"Dismiss a pending gap that is not worth a capability. Dismissed gaps count against "+
				"their detector rule in meta-analysis.",
		),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Gap ID"),
		),
		mcp.WithString("reason",
			mcp.Description("Why the gap is dismissed"),
		),
	)
}

// Handle processes the evolve_dismiss_gap tool call.
func (t *DismissGapTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errRes := requireString(req, "id")
	if errRes != nil {
		return errRes, nil
	}
	g, err := t.engine.DismissGap(ctx, id, req.GetString("reason", ""))
	if err != nil {
		return errorResult("dismiss gap", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Gap `%s` dismissed (%s).", g.ID, g.DesiredCapability)), nil
}

func writeHistory(sb *strings.Builder, history []store.TransitionEntry) {
	if len(history) == 0 {
		return
	}
	sb.WriteString("\n### History\n\n")
	for _, h := range history {
		from := h.From
		if from == "" {
			from = "(new)"
		}
		fmt.Fprintf(sb, "- %s: %s → %s\n", h.At, from, h.To)
	}
}
