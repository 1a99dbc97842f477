// Package resources implements MCP resource handlers for the evolution engine.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (homunculus://...) following MCP conventions.
package resources

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/homunculus/internal/engine"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

const (
	StatusURI    = "homunculus://status"
	ProposalsURI = "homunculus://proposals/pending"
)

// Handler manages engine resource endpoints.
type Handler struct {
	engine *engine.Engine
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(e *engine.Engine) *Handler {
	return &Handler{engine: e}
}

// StatusResource returns the MCP resource definition for engine status.
func (h *Handler) StatusResource() mcp.Resource {
	return mcp.NewResource(
		StatusURI,
		"Evolution Status",
		mcp.WithResourceDescription("Counts of observations, gaps, proposals and capabilities"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleStatus returns the engine status as JSON.
func (h *Handler) HandleStatus(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	st, err := h.engine.Status(ctx)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	return jsonResource(req.Params.URI, st)
}

// ProposalsResource returns the MCP resource definition for pending proposals.
func (h *Handler) ProposalsResource() mcp.Resource {
	return mcp.NewResource(
		ProposalsURI,
		"Pending Proposals",
		mcp.WithResourceDescription("Proposals awaiting an approve or reject decision"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleProposals returns pending proposals as JSON.
func (h *Handler) HandleProposals(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	list, err := h.engine.Proposals(ctx, lifecycle.ProposalPending, 0)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	return jsonResource(req.Params.URI, list)
}
