// Package prompts implements MCP prompt handlers for the evolution engine.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to run a sequence of evolve_* tools. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// StatusPrompt handles the evolve-status MCP prompt.
// It instructs the AI to read and present the current engine state.
type StatusPrompt struct{}

// NewStatusPrompt creates a StatusPrompt.
func NewStatusPrompt() *StatusPrompt {
	return &StatusPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *StatusPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("evolve-status",
		mcp.WithPromptDescription(
			"Check what the evolution engine has learned: open gaps, proposals waiting "+
				"for review, installed capabilities and meta-proposals.",
		),
	)
}

// Handle processes the evolve-status prompt request.
func (p *StatusPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Evolution Status",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please run `evolve_status` to check the evolution engine.\n\n" +
						"Then:\n" +
						"1. Summarize observations, gaps and proposals in a short table\n" +
						"2. If proposals are pending, list them with `evolve_proposals`\n" +
						"3. If meta-proposals are pending, show them with `evolve_meta_status`\n" +
						"4. Tell me what I should review next",
				),
			},
		},
	}, nil
}
