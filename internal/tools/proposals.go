package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/homunculus/internal/approval"
	"github.com/HendryAvila/homunculus/internal/engine"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/store"
)

// ProposalsTool handles the evolve_proposals MCP tool.
type ProposalsTool struct {
	engine *engine.Engine
}

// NewProposalsTool creates a ProposalsTool.
func NewProposalsTool(e *engine.Engine) *ProposalsTool {
	return &ProposalsTool{engine: e}
}

// Definition returns the MCP tool definition for evolve_proposals.
func (t *ProposalsTool) Definition() mcp.Tool {
	return mcp.NewTool("evolve_proposals",
		mcp.WithDescription(
			"List capability proposals. Defaults to pending proposals awaiting review.",
		),
		mcp.WithString("status",
			mcp.Description("Proposal status: pending, approved, installed, rejected, rolled_back, or all (default: pending)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of proposals (default: 20)"),
		),
	)
}

// Handle processes the evolve_proposals tool call.
func (t *ProposalsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := lifecycle.ProposalStatus(req.GetString("status", string(lifecycle.ProposalPending)))
	if status == "all" {
		status = ""
	}
	list, err := t.engine.Proposals(ctx, status, intArg(req, "limit", 20))
	if err != nil {
		return errorResult("list proposals", err), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No proposals match."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Proposals (%d)\n\n", len(list))
	sb.WriteString("| ID | Type | Name | Scope | Confidence | Status | Created |\n")
	sb.WriteString("|----|------|------|-------|------------|--------|---------|\n")
	for _, p := range list {
		fmt.Fprintf(&sb, "| `%s` | %s | %s | %s | %.2f | %s | %s |\n",
			p.ID, p.Type, p.Name, p.Scope, p.Confidence, p.Status, ago(p.CreatedAt))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ReviewTool handles the evolve_review MCP tool.
type ReviewTool struct {
	engine *engine.Engine
}

// NewReviewTool creates a ReviewTool.
func NewReviewTool(e *engine.Engine) *ReviewTool {
	return &ReviewTool{engine: e}
}

// Definition returns the MCP tool definition for evolve_review.
func (t *ReviewTool) Definition() mcp.Tool {
	return mcp.NewTool("evolve_review",
		mcp.WithDescription(
			"Show everything needed to decide on a proposal: rendered files, configuration patch, "+
				"dependencies, the gap it answers and its history. Accepts meta-proposal IDs (meta-...).",
		),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Proposal or meta-proposal ID"),
		),
	)
}

// Handle processes the evolve_review tool call.
func (t *ReviewTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errRes := requireString(req, "id")
	if errRes != nil {
		return errRes, nil
	}
	r, err := t.engine.Review(ctx, id)
	if err != nil {
		return errorResult("review", err), nil
	}

	var sb strings.Builder
	if r.Meta != nil {
		writeMetaProposal(&sb, r.Meta)
	} else {
		writeProposal(&sb, r.Proposal, r.Gap)
	}
	writeHistory(&sb, r.History)
	return mcp.NewToolResultText(sb.String()), nil
}

func writeProposal(sb *strings.Builder, p *store.Proposal, g *store.Gap) {
	fmt.Fprintf(sb, "## Proposal `%s`: %s\n\n", p.ID, p.Name)
	fmt.Fprintf(sb, "- **Type**: %s\n", p.Type)
	fmt.Fprintf(sb, "- **Scope**: %s\n", p.Scope)
	fmt.Fprintf(sb, "- **Confidence**: %.2f\n", p.Confidence)
	fmt.Fprintf(sb, "- **Status**: %s\n", p.Status)
	fmt.Fprintf(sb, "- **Template**: %s v%d (%s)\n", p.TemplateID, p.TemplateVersion, p.Strategy)
	if p.ManualTrigger {
		sb.WriteString("- **Manual trigger**: yes\n")
	}
	if p.RejectionReason != "" {
		fmt.Fprintf(sb, "- **Rejected**: %s %s\n", p.RejectionReason, p.RejectionDetail)
	}
	fmt.Fprintf(sb, "\n%s\n", p.Summary)
	if p.Reasoning != "" {
		fmt.Fprintf(sb, "\n**Reasoning**: %s\n", p.Reasoning)
	}
	if g != nil {
		fmt.Fprintf(sb, "\n### Gap `%s`\n\n%s: %s (%.2f)\n\n%s\n", g.ID, g.Type, g.DesiredCapability, g.Confidence, g.EvidenceSummary)
	}
	for _, f := range p.Files {
		fmt.Fprintf(sb, "\n### %s `%s`\n\n```\n%s\n```\n", f.Action, f.Path, strings.TrimRight(f.Content, "\n"))
	}
	if p.ConfigPatch != "" {
		fmt.Fprintf(sb, "\n### Configuration patch\n\n```json\n%s\n```\n", p.ConfigPatch)
	}
	if len(p.Dependencies) > 0 {
		sb.WriteString("\n### Dependencies\n\n")
		for _, d := range p.Dependencies {
			fmt.Fprintf(sb, "- %s (%s)\n", d.Name, d.Type)
		}
	}
}

func writeMetaProposal(sb *strings.Builder, m *store.MetaProposal) {
	fmt.Fprintf(sb, "## Meta-proposal `%s`\n\n", m.ID)
	fmt.Fprintf(sb, "- **Type**: %s\n", m.Type)
	fmt.Fprintf(sb, "- **Target**: %s `%s`", m.TargetKind, m.TargetID)
	if m.TargetVersion > 0 {
		fmt.Fprintf(sb, " v%d", m.TargetVersion)
	}
	sb.WriteString("\n")
	fmt.Fprintf(sb, "- **Confidence**: %.2f\n", m.Confidence)
	fmt.Fprintf(sb, "- **Status**: %s\n", m.Status)
	if m.ResultVersion > 0 {
		fmt.Fprintf(sb, "- **Published version**: v%d\n", m.ResultVersion)
	}
	fmt.Fprintf(sb, "\n**Reasoning**: %s\n\n### Changes\n\n", m.Reasoning)
	sb.WriteString(jsonBlock(m.Changes))
}

// ApproveTool handles the evolve_approve MCP tool.
type ApproveTool struct {
	engine *engine.Engine
}

// NewApproveTool creates an ApproveTool.
func NewApproveTool(e *engine.Engine) *ApproveTool {
	return &ApproveTool{engine: e}
}

// Definition returns the MCP tool definition for evolve_approve.
func (t *ApproveTool) Definition() mcp.Tool {
	return mcp.NewTool("evolve_approve",
		mcp.WithDescription(
			"Approve a pending proposal and install it, or approve and apply a meta-proposal. "+
				"Only call this after the user has explicitly agreed. Set retry=true to reinstall an "+
				"approved proposal whose install failed.",
		),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Proposal or meta-proposal ID"),
		),
		mcp.WithBoolean("retry",
			mcp.Description("Retry the install of an already approved proposal (default: false)"),
		),
	)
}

// Handle processes the evolve_approve tool call.
func (t *ApproveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errRes := requireString(req, "id")
	if errRes != nil {
		return errRes, nil
	}
	var (
		d   *approval.Decision
		err error
	)
	if boolArg(req, "retry", false) {
		d, err = t.engine.Install(ctx, id)
	} else {
		d, err = t.engine.Approve(ctx, id)
	}
	if err != nil {
		msg := fmt.Sprintf("approve failed: %v", err)
		if d != nil && d.Proposal != nil && d.Proposal.Status == lifecycle.ProposalApproved {
			msg += "\n\nThe proposal stays approved. Fix the cause and call `evolve_approve` with retry=true."
		}
		return mcp.NewToolResultError(msg), nil
	}
	return mcp.NewToolResultText(decisionText(d)), nil
}

// RejectTool handles the evolve_reject MCP tool.
type RejectTool struct {
	engine *engine.Engine
}

// NewRejectTool creates a RejectTool.
func NewRejectTool(e *engine.Engine) *RejectTool {
	return &RejectTool{engine: e}
}

// Definition returns the MCP tool definition for evolve_reject.
func (t *RejectTool) Definition() mcp.Tool {
	return mcp.NewTool("evolve_reject",
		mcp.WithDescription(
			"Reject a pending proposal or meta-proposal with a categorized reason. "+
				"Rejections feed meta-analysis of detector rules and templates.",
		),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Proposal or meta-proposal ID"),
		),
		mcp.WithString("reason",
			mcp.Description("One of: not_needed, incorrect, duplicate, too_complex, other (default: other)"),
			mcp.Enum("not_needed", "incorrect", "duplicate", "too_complex", "other"),
		),
		mcp.WithString("detail",
			mcp.Description("Free-text explanation"),
		),
	)
}

// Handle processes the evolve_reject tool call.
func (t *RejectTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errRes := requireString(req, "id")
	if errRes != nil {
		return errRes, nil
	}
	d, err := t.engine.Reject(ctx, id, req.GetString("reason", ""), req.GetString("detail", ""))
	if err != nil {
		return errorResult("reject", err), nil
	}
	return mcp.NewToolResultText(decisionText(d)), nil
}

func decisionText(d *approval.Decision) string {
	var sb strings.Builder
	if m := d.Meta; m != nil {
		fmt.Fprintf(&sb, "Meta-proposal `%s` is now **%s**.", m.ID, m.Status)
		if m.ResultVersion > 0 {
			fmt.Fprintf(&sb, " Published %s `%s` v%d.", m.TargetKind, m.TargetID, m.ResultVersion)
		}
		return sb.String()
	}
	p := d.Proposal
	fmt.Fprintf(&sb, "Proposal `%s` (%s) is now **%s**.", p.ID, p.Name, p.Status)
	if d.GapStatus != "" {
		fmt.Fprintf(&sb, " Gap is %s.", d.GapStatus)
	}
	if in := d.Install; in != nil {
		fmt.Fprintf(&sb, "\n\nInstalled capability `%s`:\n", in.Capability.Name)
		for _, c := range in.Capability.Changes {
			fmt.Fprintf(&sb, "- %s %s\n", c.Action, c.Path)
		}
		for _, w := range in.Warnings {
			fmt.Fprintf(&sb, "- warning: %s\n", w)
		}
	}
	return sb.String()
}
