// Package server registers the engine's MCP tools, prompts and resources on
// an mcp-go server. The engine itself is built by the caller; this package
// only wires handlers.
package server

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/homunculus/internal/engine"
	"github.com/HendryAvila/homunculus/internal/prompts"
	"github.com/HendryAvila/homunculus/internal/resources"
	"github.com/HendryAvila/homunculus/internal/tools"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates the MCP server with every evolve_* tool, the prompts and the
// resources registered against e.
func New(e *engine.Engine) *server.MCPServer {
	s := server.NewMCPServer(
		"homunculus",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	// --- Read tools ---

	statusTool := tools.NewStatusTool(e)
	s.AddTool(statusTool.Definition(), statusTool.Handle)

	gapsTool := tools.NewGapsTool(e)
	s.AddTool(gapsTool.Definition(), gapsTool.Handle)

	gapTool := tools.NewGapTool(e)
	s.AddTool(gapTool.Definition(), gapTool.Handle)

	proposalsTool := tools.NewProposalsTool(e)
	s.AddTool(proposalsTool.Definition(), proposalsTool.Handle)

	reviewTool := tools.NewReviewTool(e)
	s.AddTool(reviewTool.Definition(), reviewTool.Handle)

	capabilitiesTool := tools.NewCapabilitiesTool(e)
	s.AddTool(capabilitiesTool.Definition(), capabilitiesTool.Handle)

	metaStatusTool := tools.NewMetaStatusTool(e)
	s.AddTool(metaStatusTool.Definition(), metaStatusTool.Handle)

	// --- Write tools ---

	detectTool := tools.NewDetectTool(e)
	s.AddTool(detectTool.Definition(), detectTool.Handle)

	synthesizeTool := tools.NewSynthesizeTool(e)
	s.AddTool(synthesizeTool.Definition(), synthesizeTool.Handle)

	approveTool := tools.NewApproveTool(e)
	s.AddTool(approveTool.Definition(), approveTool.Handle)

	rejectTool := tools.NewRejectTool(e)
	s.AddTool(rejectTool.Definition(), rejectTool.Handle)

	rollbackTool := tools.NewRollbackTool(e)
	s.AddTool(rollbackTool.Definition(), rollbackTool.Handle)

	dismissGapTool := tools.NewDismissGapTool(e)
	s.AddTool(dismissGapTool.Definition(), dismissGapTool.Handle)

	// --- Register prompts ---

	statusPrompt := prompts.NewStatusPrompt()
	s.AddPrompt(statusPrompt.Definition(), statusPrompt.Handle)

	reviewPrompt := prompts.NewReviewPrompt()
	s.AddPrompt(reviewPrompt.Definition(), reviewPrompt.Handle)

	// --- Register resources ---

	resourceHandler := resources.NewHandler(e)
	s.AddResource(resourceHandler.StatusResource(), resourceHandler.HandleStatus)
	s.AddResource(resourceHandler.ProposalsResource(), resourceHandler.HandleProposals)

	return s
}

func serverInstructions() string {
	return `You have access to Homunculus, an engine that learns which capabilities
(skills, hooks, agents, commands, MCP servers) this assistant is missing by
watching tool failures and friction, and proposes them for installation.

## HOW IT WORKS

1. Hooks append events to an observation log.
2. evolve_detect ingests new events and runs detection rules. Repeated
   failures become GAPS with a confidence score.
3. Gaps above their rule's threshold are synthesized into PROPOSALS
   (evolve_synthesize does this on demand).
4. A human approves or rejects every proposal. Nothing is installed
   without approval.
5. Installed capabilities can be rolled back byte-for-byte.

## RULES

- NEVER call evolve_approve without an explicit "yes" from the user for
  that specific proposal. Show it with evolve_review first.
- When rejecting, ask the user for a reason: not_needed, incorrect,
  duplicate, too_complex or other. Reasons feed meta-analysis.
- If an approve fails, the proposal stays approved. Explain the error and
  retry with evolve_approve retry=true once the cause is fixed.
- evolve_rollback refuses while other active capabilities require the
  target. Offer cascade=true only after listing what it would remove.

## META-EVOLUTION

evolve_meta_status analyze=true reviews how detection rules and templates
perform and may propose changes to them (IDs start with "meta-"). They go
through the same evolve_review / evolve_approve / evolve_reject flow.
Applying one publishes a new version of the rule or template; the old
version stays stored.

## SUGGESTED FLOW

At the start of a session, call evolve_status. If proposals are pending,
mention it once and offer to review them. Do not nag.`
}
