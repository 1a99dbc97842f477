package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/homunculus/internal/engine"
	"github.com/HendryAvila/homunculus/internal/synth"
)

// DetectTool handles the evolve_detect MCP tool.
type DetectTool struct {
	engine *engine.Engine
}

// NewDetectTool creates a DetectTool.
func NewDetectTool(e *engine.Engine) *DetectTool {
	return &DetectTool{engine: e}
}

// Definition returns the MCP tool definition for evolve_detect.
func (t *DetectTool) Definition() mcp.Tool {
	return mcp.NewTool("evolve_detect",
		mcp.WithDescription(
			"Ingest new events from the observation log and run gap detection over unprocessed observations. "+
				"With synthesize=true, gaps above their rule's auto-synthesize threshold get proposals immediately.",
		),
		mcp.WithBoolean("synthesize",
			mcp.Description("Synthesize proposals for new gaps (default: false)"),
		),
		mcp.WithBoolean("ingest",
			mcp.Description("Read the configured event log before detecting (default: true)"),
		),
	)
}

// Handle processes the evolve_detect tool call.
func (t *DetectTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var sb strings.Builder
	sb.WriteString("## Detection\n\n")

	if boolArg(req, "ingest", true) {
		ing, err := t.engine.Ingest(ctx, "")
		if err != nil {
			return errorResult("ingest", err), nil
		}
		fmt.Fprintf(&sb, "- **Ingested**: %d new, %d duplicate, %d rejected\n", ing.Inserted, ing.Duplicates, ing.Rejected)
	}

	res, err := t.engine.Detect(ctx, boolArg(req, "synthesize", false))
	if err != nil {
		return errorResult("detect", err), nil
	}
	det := res.Detection
	fmt.Fprintf(&sb, "- **Observations processed**: %d in %d batch(es)\n", det.Observations, det.Batches)
	fmt.Fprintf(&sb, "- **New gaps**: %d\n", len(det.Created))
	fmt.Fprintf(&sb, "- **Existing gaps reinforced**: %d\n", len(det.Linked))
	if det.Suppressed > 0 {
		fmt.Fprintf(&sb, "- **Suppressed** (dismissed before): %d\n", det.Suppressed)
	}

	if len(det.Created) > 0 {
		sb.WriteString("\n### New gaps\n\n")
		for _, g := range det.Created {
			fmt.Fprintf(&sb, "- `%s` %s: %s (%.2f)\n", g.ID, g.Type, g.DesiredCapability, g.Confidence)
		}
	}
	if res.Synthesis != nil {
		writeSynthesis(&sb, res.Synthesis)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// SynthesizeTool handles the evolve_synthesize MCP tool.
type SynthesizeTool struct {
	engine *engine.Engine
}

// NewSynthesizeTool creates a SynthesizeTool.
func NewSynthesizeTool(e *engine.Engine) *SynthesizeTool {
	return &SynthesizeTool{engine: e}
}

// Definition returns the MCP tool definition for evolve_synthesize.
func (t *SynthesizeTool) Definition() mcp.Tool {
	return mcp.NewTool("evolve_synthesize",
		mcp.WithDescription(
			"Create a proposal for a pending gap. Without gap_id, every pending gap above its rule's "+
				"auto-synthesize threshold is synthesized (all=true includes the rest).",
		),
		mcp.WithString("gap_id",
			mcp.Description("Gap ID to synthesize. If omitted, synthesizes pending gaps."),
		),
		mcp.WithBoolean("all",
			mcp.Description("Include gaps under the auto-synthesize threshold (default: false)"),
		),
	)
}

// Handle processes the evolve_synthesize tool call.
func (t *SynthesizeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := t.engine.Synthesize(ctx, strings.TrimSpace(req.GetString("gap_id", "")), boolArg(req, "all", false))
	if err != nil {
		return errorResult("synthesize", err), nil
	}
	var sb strings.Builder
	writeSynthesis(&sb, res)
	return mcp.NewToolResultText(sb.String()), nil
}

func writeSynthesis(sb *strings.Builder, res *synth.Result) {
	fmt.Fprintf(sb, "\n### Proposals created (%d)\n\n", len(res.Proposals))
	for _, p := range res.Proposals {
		fmt.Fprintf(sb, "- `%s` %s **%s** for gap `%s` (%.2f, %s)\n",
			p.ID, p.Type, p.Name, p.GapID, p.Confidence, p.Strategy)
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(sb, "- skipped gap `%s`: %s\n", s.GapID, s.Reason)
	}
}
