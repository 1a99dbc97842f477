package tools_test

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/homunculus/internal/config"
	"github.com/HendryAvila/homunculus/internal/engine"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/tools"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

type handler interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.DefaultAt(t.TempDir())
	e, err := engine.Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	_, err = e.Init(context.Background())
	require.NoError(t, err)
	return e
}

// withEvents writes n "jq: command not found" failures to the event log.
func withEvents(t *testing.T, e *engine.Engine, n int) {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"id":"obs-%d","timestamp":"2026-02-23T10:0%d:00Z","session_id":"s1","event_type":"post_tool","tool_name":"Bash","tool_success":false,"tool_error":"bash: jq: command not found"}`+"\n", i, i)
	}
	require.NoError(t, os.WriteFile(e.Config().EventsPath, []byte(b.String()), 0o644))
}

// makeReq builds a mcp.CallToolRequest with the given arguments.
func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// resultText extracts the text content from a tool result.
func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func call(t *testing.T, h handler, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	r, err := h.Handle(context.Background(), makeReq(args))
	require.NoError(t, err, "tool errors are reported in the result")
	require.NotNil(t, r)
	return r
}

var idPattern = regexp.MustCompile("`((?:prop|gap)-[0-9a-f]+)`")

func firstID(t *testing.T, text, prefix string) string {
	t.Helper()
	for _, m := range idPattern.FindAllStringSubmatch(text, -1) {
		if strings.HasPrefix(m[1], prefix) {
			return m[1]
		}
	}
	t.Fatalf("no %s id in:\n%s", prefix, text)
	return ""
}

// ─── Definitions ─────────────────────────────────────────────────────────────

func TestDefinitions(t *testing.T) {
	e := newTestEngine(t)
	cases := []struct {
		h        handler
		name     string
		required []string
	}{
		{tools.NewStatusTool(e), "evolve_status", nil},
		{tools.NewGapsTool(e), "evolve_gaps", nil},
		{tools.NewGapTool(e), "evolve_gap", []string{"id"}},
		{tools.NewDetectTool(e), "evolve_detect", nil},
		{tools.NewProposalsTool(e), "evolve_proposals", nil},
		{tools.NewReviewTool(e), "evolve_review", []string{"id"}},
		{tools.NewApproveTool(e), "evolve_approve", []string{"id"}},
		{tools.NewRejectTool(e), "evolve_reject", []string{"id"}},
		{tools.NewCapabilitiesTool(e), "evolve_capabilities", nil},
		{tools.NewRollbackTool(e), "evolve_rollback", []string{"name"}},
		{tools.NewDismissGapTool(e), "evolve_dismiss_gap", []string{"id"}},
		{tools.NewSynthesizeTool(e), "evolve_synthesize", nil},
		{tools.NewMetaStatusTool(e), "evolve_meta_status", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := tc.h.Definition()
			assert.Equal(t, tc.name, def.Name)
			assert.NotEmpty(t, def.Description)
			for _, r := range tc.required {
				assert.Contains(t, def.InputSchema.Required, r)
				assert.Contains(t, def.InputSchema.Properties, r)
			}
		})
	}
}

func TestRequiredArguments(t *testing.T) {
	e := newTestEngine(t)
	for _, h := range []handler{
		tools.NewGapTool(e), tools.NewReviewTool(e), tools.NewApproveTool(e),
		tools.NewRejectTool(e), tools.NewRollbackTool(e), tools.NewDismissGapTool(e),
	} {
		r := call(t, h, map[string]interface{}{})
		assert.True(t, r.IsError, h.Definition().Name)
		assert.Contains(t, resultText(r), "is required")
	}
}

// ─── Flow ────────────────────────────────────────────────────────────────────

func TestDetectReviewApproveRollback(t *testing.T) {
	e := newTestEngine(t)
	withEvents(t, e, 2)

	r := call(t, tools.NewDetectTool(e), map[string]interface{}{"synthesize": true})
	require.False(t, r.IsError, resultText(r))
	text := resultText(r)
	assert.Contains(t, text, "**Ingested**: 2 new")
	assert.Contains(t, text, "Proposals created")
	propID := firstID(t, text, "prop-")

	r = call(t, tools.NewProposalsTool(e), nil)
	assert.Contains(t, resultText(r), propID)

	r = call(t, tools.NewReviewTool(e), map[string]interface{}{"id": propID})
	require.False(t, r.IsError, resultText(r))
	assert.Contains(t, resultText(r), "### Gap")
	assert.Contains(t, resultText(r), "### History")

	r = call(t, tools.NewApproveTool(e), map[string]interface{}{"id": propID})
	require.False(t, r.IsError, resultText(r))
	assert.Contains(t, resultText(r), "**installed**")
	assert.Contains(t, resultText(r), "Gap is resolved")

	p, err := e.Review(context.Background(), propID)
	require.NoError(t, err)
	name := p.Proposal.Name

	r = call(t, tools.NewCapabilitiesTool(e), nil)
	assert.Contains(t, resultText(r), name)

	r = call(t, tools.NewRollbackTool(e), map[string]interface{}{"name": name})
	require.False(t, r.IsError, resultText(r))
	assert.Contains(t, resultText(r), "Rolled back: "+name)

	r = call(t, tools.NewCapabilitiesTool(e), nil)
	assert.Equal(t, "No capabilities installed yet.", resultText(r))
	r = call(t, tools.NewCapabilitiesTool(e), map[string]interface{}{"all": true})
	assert.Contains(t, resultText(r), string(lifecycle.CapabilityRolledBack))
}

func TestGapDismissAndSynthesize(t *testing.T) {
	e := newTestEngine(t)
	withEvents(t, e, 2)

	r := call(t, tools.NewDetectTool(e), nil)
	require.False(t, r.IsError, resultText(r))
	gapID := firstID(t, resultText(r), "gap-")

	r = call(t, tools.NewGapsTool(e), nil)
	assert.Contains(t, resultText(r), gapID)

	r = call(t, tools.NewGapTool(e), map[string]interface{}{"id": gapID})
	require.False(t, r.IsError, resultText(r))
	assert.Contains(t, resultText(r), "jq: command not found")

	r = call(t, tools.NewSynthesizeTool(e), map[string]interface{}{"gap_id": gapID})
	require.False(t, r.IsError, resultText(r))
	propID := firstID(t, resultText(r), "prop-")

	r = call(t, tools.NewRejectTool(e), map[string]interface{}{"id": propID, "reason": "too_complex", "detail": "too much"})
	require.False(t, r.IsError, resultText(r))
	assert.Contains(t, resultText(r), "**rejected**")

	r = call(t, tools.NewDismissGapTool(e), map[string]interface{}{"id": gapID})
	assert.True(t, r.IsError, "a rejected gap cannot be dismissed")
}

func TestDismissPendingGap(t *testing.T) {
	e := newTestEngine(t)
	withEvents(t, e, 2)
	r := call(t, tools.NewDetectTool(e), nil)
	gapID := firstID(t, resultText(r), "gap-")

	r = call(t, tools.NewDismissGapTool(e), map[string]interface{}{"id": gapID, "reason": "noise"})
	require.False(t, r.IsError, resultText(r))
	assert.Contains(t, resultText(r), "dismissed")

	r = call(t, tools.NewGapsTool(e), map[string]interface{}{"status": "dismissed"})
	assert.Contains(t, resultText(r), gapID)
}

func TestStatus(t *testing.T) {
	e := newTestEngine(t)
	r := call(t, tools.NewStatusTool(e), nil)
	require.False(t, r.IsError)
	assert.Contains(t, resultText(r), "## Evolution Status")
	assert.Contains(t, resultText(r), "**Observations**: 0")
}

func TestMetaStatus(t *testing.T) {
	e := newTestEngine(t)
	r := call(t, tools.NewMetaStatusTool(e), map[string]interface{}{"analyze": true})
	require.False(t, r.IsError, resultText(r))
	assert.Contains(t, resultText(r), "Analysis produced 0 observation(s)")
	assert.Contains(t, resultText(r), "0 of 3 proposals used")
}

func TestUnknownIDs(t *testing.T) {
	e := newTestEngine(t)
	r := call(t, tools.NewReviewTool(e), map[string]interface{}{"id": "prop-000000000000"})
	assert.True(t, r.IsError)
	assert.Contains(t, resultText(r), "not found")

	r = call(t, tools.NewRollbackTool(e), map[string]interface{}{"name": "nothing"})
	assert.True(t, r.IsError)

	r = call(t, tools.NewApproveTool(e), map[string]interface{}{"id": "meta-000000000000"})
	assert.True(t, r.IsError)
}
