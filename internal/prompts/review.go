package prompts

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// ReviewPrompt handles the evolve-review MCP prompt.
// It walks the user through pending proposals one at a time.
type ReviewPrompt struct{}

// NewReviewPrompt creates a ReviewPrompt.
func NewReviewPrompt() *ReviewPrompt {
	return &ReviewPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *ReviewPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("evolve-review",
		mcp.WithPromptDescription(
			"Review pending capability proposals one by one and approve or reject each "+
				"with an explicit decision from you.",
		),
		mcp.WithArgument("id",
			mcp.ArgumentDescription("Review only this proposal or meta-proposal ID"),
		),
	)
}

// Handle processes the evolve-review prompt request.
func (p *ReviewPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	target := "Run `evolve_proposals` to list pending proposals, then for each one"
	if id := req.Params.Arguments["id"]; id != "" {
		target = fmt.Sprintf("For proposal `%s`", id)
	}

	return &mcp.GetPromptResult{
		Description: "Review Proposals",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					target + ":\n\n" +
						"1. Call `evolve_review` and show me the gap, the rendered files and any configuration patch\n" +
						"2. Explain in two sentences what installing it would change\n" +
						"3. Ask me to approve or reject. Never decide for me\n" +
						"4. On approval call `evolve_approve`; on rejection ask for a reason " +
						"(not_needed, incorrect, duplicate, too_complex, other) and call `evolve_reject`\n" +
						"5. If an install fails, tell me what blocked it and that the proposal stays approved",
				),
			},
		},
	}, nil
}
