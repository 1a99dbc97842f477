package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/homunculus/internal/engine"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

// StatusTool handles the evolve_status MCP tool.
type StatusTool struct {
	engine *engine.Engine
}

// NewStatusTool creates a StatusTool.
func NewStatusTool(e *engine.Engine) *StatusTool {
	return &StatusTool{engine: e}
}

// Definition returns the MCP tool definition for evolve_status.
func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("evolve_status",
		mcp.WithDescription(
			"Show the evolution engine overview: observations ingested, gaps and proposals by status, "+
				"active capabilities and pending meta-proposals.",
		),
	)
}

// Handle processes the evolve_status tool call.
func (t *StatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.engine.Status(ctx)
	if err != nil {
		return errorResult("status", err), nil
	}

	var sb strings.Builder
	sb.WriteString("## Evolution Status\n\n")
	fmt.Fprintf(&sb, "- **Observations**: %d (%d unprocessed)\n", st.Observations, st.Unprocessed)
	fmt.Fprintf(&sb, "- **Gaps**: pending %d, proposed %d, resolved %d, rejected %d, dismissed %d\n",
		st.Gaps[lifecycle.GapPending], st.Gaps[lifecycle.GapProposed], st.Gaps[lifecycle.GapResolved],
		st.Gaps[lifecycle.GapRejected], st.Gaps[lifecycle.GapDismissed])
	fmt.Fprintf(&sb, "- **Proposals**: pending %d, approved %d, installed %d, rejected %d, rolled back %d\n",
		st.Proposals[lifecycle.ProposalPending], st.Proposals[lifecycle.ProposalApproved],
		st.Proposals[lifecycle.ProposalInstalled], st.Proposals[lifecycle.ProposalRejected],
		st.Proposals[lifecycle.ProposalRolledBack])
	fmt.Fprintf(&sb, "- **Active capabilities**: %d\n", st.Capabilities)
	fmt.Fprintf(&sb, "- **Pending meta-proposals**: %d\n", st.MetaPending)
	if st.Definitions != nil && len(st.Definitions.Diagnostics) > 0 {
		fmt.Fprintf(&sb, "\n### Definition diagnostics (%d)\n\n", len(st.Definitions.Diagnostics))
		for _, d := range st.Definitions.Diagnostics {
			fmt.Fprintf(&sb, "- %s\n", d.String())
		}
	}

	if n := st.Proposals[lifecycle.ProposalPending]; n > 0 {
		fmt.Fprintf(&sb, "\n%d proposal(s) await review: use `evolve_proposals` then `evolve_review`.\n", n)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// MetaStatusTool handles the evolve_meta_status MCP tool.
type MetaStatusTool struct {
	engine *engine.Engine
}

// NewMetaStatusTool creates a MetaStatusTool.
func NewMetaStatusTool(e *engine.Engine) *MetaStatusTool {
	return &MetaStatusTool{engine: e}
}

// Definition returns the MCP tool definition for evolve_meta_status.
func (t *MetaStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("evolve_meta_status",
		mcp.WithDescription(
			"Show meta-evolution state: pending meta-proposals, recent meta-observations and daily metrics. "+
				"Set analyze=true to run the meta-analyzer first.",
		),
		mcp.WithBoolean("analyze",
			mcp.Description("Run an analysis pass before reporting (default: false)"),
		),
	)
}

// Handle processes the evolve_meta_status tool call.
func (t *MetaStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ms, err := t.engine.MetaStatus(ctx, boolArg(req, "analyze", false))
	if err != nil {
		return errorResult("meta status", err), nil
	}

	var sb strings.Builder
	sb.WriteString("## Meta-Evolution\n\n")
	if !ms.Status.Enabled {
		sb.WriteString("Meta-analysis is **disabled** in the configuration.\n\n")
	}
	if r := ms.Report; r != nil {
		fmt.Fprintf(&sb, "Analysis produced %d observation(s) and %d proposal(s); %d skipped.\n\n",
			len(r.Observations), len(r.Proposals), len(r.Skipped))
	}
	fmt.Fprintf(&sb, "- **Window**: %d of %d proposals used\n", ms.Status.WindowUsed, ms.Status.WindowLimit)
	fmt.Fprintf(&sb, "- **Applied**: %d, **Rejected**: %d\n", ms.Status.Applied, ms.Status.Rejected)

	if len(ms.Status.Pending) > 0 {
		sb.WriteString("\n### Pending meta-proposals\n\n")
		for _, p := range ms.Status.Pending {
			fmt.Fprintf(&sb, "- `%s` **%s** %s/%s (confidence %.2f): %s\n",
				p.ID, p.Type, p.TargetKind, p.TargetID, p.Confidence, p.Reasoning)
		}
	}
	if len(ms.Status.Approved) > 0 {
		sb.WriteString("\n### Approved, not yet applied\n\n")
		for _, p := range ms.Status.Approved {
			fmt.Fprintf(&sb, "- `%s` %s %s/%s\n", p.ID, p.Type, p.TargetKind, p.TargetID)
		}
	}
	if len(ms.Status.Observations) > 0 {
		sb.WriteString("\n### Recent observations\n\n")
		for _, o := range ms.Status.Observations {
			fmt.Fprintf(&sb, "- %s %s/%s [%s] %s\n", o.Type, o.SubjectKind, o.SubjectID, o.Status, o.Recommendation)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}
