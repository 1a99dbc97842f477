package synth_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/homunculus/internal/config"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/rules"
	"github.com/HendryAvila/homunculus/internal/store"
	"github.com/HendryAvila/homunculus/internal/synth"
)

const toolRule = `id: tool-rule
version: 1
gap_type: tool
min_confidence: 0.3
auto_synthesize: 0.6
triggers:
  - condition: tool_success == false
`

const skillTemplate = `id: skill-basic
version: 1
output_type: skill
description: generic
files:
  - path: evolved/skills/{{.Slug}}/SKILL.md
    content: |
      # {{.Title}}
      {{.DesiredCapability}} ({{.Domain}}, {{.Scope}}, {{printf "%.2f" .Confidence}})
`

const hookTemplate = `id: hook-tool
version: 1
output_type: hook
gap_types: [tool]
files:
  - path: evolved/hooks/{{.Slug}}.sh
    content: "#!/bin/sh\necho {{.Name}}\n"
config_patch: '{"hooks": {"PostToolUse": [{"command": {{json .Slug}}}]}}'
`

type fixture struct {
	store *store.Store
	repo  *rules.Repository
	syn   *synth.Synthesizer
}

func newFixture(t *testing.T, templates map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	dirs := rules.Dirs{Rules: filepath.Join(root, "rules"), Templates: filepath.Join(root, "templates")}
	require.NoError(t, os.MkdirAll(dirs.Rules, 0o755))
	require.NoError(t, os.MkdirAll(dirs.Templates, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dirs.Rules, "r.yaml"), []byte(toolRule), 0o644))
	for name, body := range templates {
		require.NoError(t, os.WriteFile(filepath.Join(dirs.Templates, name), []byte(body), 0o644))
	}

	s, err := store.Open(ctx, filepath.Join(root, "h.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	repo := rules.NewRepository(s, dirs, zerolog.Nop())
	res, err := repo.Sync(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Diagnostics)

	return &fixture{store: s, repo: repo, syn: synth.New(s, repo, zerolog.Nop())}
}

func (f *fixture) gap(t *testing.T, confidence float64, desired string) *store.Gap {
	t.Helper()
	g := &store.Gap{
		DetectedAt:        "2026-03-01T10:00:00Z",
		Type:              lifecycle.GapTool,
		Domain:            "pdf",
		Confidence:        confidence,
		Scope:             lifecycle.ScopeGlobal,
		DesiredCapability: desired,
		EvidenceSummary:   "[2026-03-01] Read: unsupported file type: pdf",
		Fingerprint:       desired,
		RuleID:            "tool-rule",
		RuleVersion:       1,
	}
	require.NoError(t, f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertGap(context.Background(), g, nil)
	}))
	return g
}

// ─── Synthesis ───────────────────────────────────────────────────────────────

func TestSynthesize_CreatesProposalAndMovesGap(t *testing.T) {
	f := newFixture(t, map[string]string{"a.yaml": skillTemplate})
	ctx := context.Background()
	g := f.gap(t, 0.7, "unsupported file type: pdf")

	p, err := f.syn.Synthesize(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ProposalPending, p.Status)
	assert.Equal(t, "skill-basic", p.TemplateID)
	assert.Equal(t, 1, p.TemplateVersion)
	assert.Equal(t, lifecycle.TypeSkill, p.Type)
	assert.Equal(t, "unsupported-file-type", p.Name)
	assert.False(t, p.ManualTrigger)
	assert.Equal(t, synth.StrategyTemplate, p.Strategy)
	require.Len(t, p.Files, 1)
	assert.Equal(t, "evolved/skills/unsupported-file-type/SKILL.md", p.Files[0].Path)
	assert.Contains(t, p.Files[0].Content, "# Unsupported File Type")
	assert.Contains(t, p.Files[0].Content, "(pdf, global, 0.70)")
	assert.NotContains(t, p.Files[0].Content, "<no value>")

	after, err := f.store.GetGap(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.GapProposed, after.Status)
	assert.Equal(t, p.ID, after.ProposalID)

	hist, err := f.store.TransitionHistory(ctx, lifecycle.EntityGap, g.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)

	_, err = f.syn.Synthesize(ctx, g.ID)
	assert.True(t, lifecycle.IsTransition(err), "a proposed gap cannot be synthesized again")
}

func TestRender_Deterministic(t *testing.T) {
	f := newFixture(t, map[string]string{"a.yaml": skillTemplate})
	ctx := context.Background()
	g := f.gap(t, 0.7, "parse pdf tables")

	tpl, err := f.syn.SelectTemplate(ctx, g.Type)
	require.NoError(t, err)
	a, err := synth.Render(tpl, synth.NewContext(g))
	require.NoError(t, err)
	b, err := synth.Render(tpl, synth.NewContext(g))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSynthesize_Thresholds(t *testing.T) {
	f := newFixture(t, map[string]string{"a.yaml": skillTemplate})
	ctx := context.Background()

	low := f.gap(t, 0.2, "too weak to matter")
	_, err := f.syn.Synthesize(ctx, low.ID)
	assert.True(t, errors.Is(err, synth.ErrBelowThreshold))
	still, _ := f.store.GetGap(ctx, low.ID)
	assert.Equal(t, lifecycle.GapPending, still.Status)

	manual := f.gap(t, 0.5, "needs a human nudge")
	auto := f.gap(t, 0.9, "obvious missing tool")

	res, err := f.syn.SynthesizePending(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, res.Proposals, 1)
	assert.Equal(t, auto.ID, res.Proposals[0].GapID)
	assert.Len(t, res.Skipped, 2)

	res, err = f.syn.SynthesizePending(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, res.Proposals, 1)
	assert.Equal(t, manual.ID, res.Proposals[0].GapID)
	assert.True(t, res.Proposals[0].ManualTrigger)
}

func TestSynthesize_NoTemplateLeavesGapPending(t *testing.T) {
	f := newFixture(t, map[string]string{
		"k.yaml": strings.Replace(skillTemplate, "description: generic\n", "gap_types: [knowledge]\n", 1),
	})
	ctx := context.Background()
	g := f.gap(t, 0.9, "something")

	_, err := f.syn.Synthesize(ctx, g.ID)
	assert.True(t, errors.Is(err, synth.ErrNoTemplate))
	after, _ := f.store.GetGap(ctx, g.ID)
	assert.Equal(t, lifecycle.GapPending, after.Status)
}

func TestSelectTemplate_Preference(t *testing.T) {
	f := newFixture(t, map[string]string{"a.yaml": skillTemplate, "b.yaml": hookTemplate})
	ctx := context.Background()

	// tool prefers skill over hook in the catalog.
	tpl, err := f.syn.SelectTemplate(ctx, lifecycle.GapTool)
	require.NoError(t, err)
	assert.Equal(t, "skill-basic", tpl.ID)

	// permission only takes hooks; hook-tool does not accept permission, so
	// the generic skill is the fallback.
	tpl, err = f.syn.SelectTemplate(ctx, lifecycle.GapPermission)
	require.NoError(t, err)
	assert.Equal(t, "skill-basic", tpl.ID)
}

func TestSelectTemplate_HistoricalApprovalBreaksTies(t *testing.T) {
	second := strings.Replace(skillTemplate, "id: skill-basic", "id: skill-second", 1)
	f := newFixture(t, map[string]string{"a.yaml": skillTemplate, "b.yaml": second})
	ctx := context.Background()

	tpl, err := f.syn.SelectTemplate(ctx, lifecycle.GapTool)
	require.NoError(t, err)
	assert.Equal(t, "skill-basic", tpl.ID, "declaration order when there is no history")

	// Reject a proposal made from skill-basic.
	g := f.gap(t, 0.9, "first gap")
	p, err := f.syn.Synthesize(ctx, g.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.TransitionProposal(ctx, p.ID, lifecycle.ProposalRejected,
			store.Assign{Column: "rejection_reason", Value: string(lifecycle.ReasonIncorrect)})
	}))

	tpl, err = f.syn.SelectTemplate(ctx, lifecycle.GapTool)
	require.NoError(t, err)
	assert.Equal(t, "skill-second", tpl.ID)
}

func TestRender_ConfigPatch(t *testing.T) {
	tpl, err := rules.ParseTemplate([]byte(hookTemplate))
	require.NoError(t, err)
	out, err := synth.Render(tpl, synth.Context{Name: "pdf-reader", Slug: "pdf-reader"})
	require.NoError(t, err)
	assert.Equal(t, `{"hooks":{"PostToolUse":[{"command":"pdf-reader"}]}}`, out.ConfigPatch)
	assert.Equal(t, "evolved/hooks/pdf-reader.sh", out.Files[0].Path)

	bad := *tpl
	bad.ConfigPatch = "not json {{.Name}}"
	_, err = synth.Render(&bad, synth.Context{Name: "x"})
	assert.Error(t, err)
}

func TestSynthesize_NameCollisionGetsSuffix(t *testing.T) {
	f := newFixture(t, map[string]string{"a.yaml": skillTemplate})
	ctx := context.Background()
	g := f.gap(t, 0.9, "parse pdf tables")

	require.NoError(t, f.store.WithTx(ctx, func(tx *store.Tx) error {
		other := &store.Gap{Type: lifecycle.GapTool, Confidence: 0.9, Scope: lifecycle.ScopeGlobal,
			DesiredCapability: "x", Fingerprint: "x", RuleID: "tool-rule", RuleVersion: 1}
		if err := tx.InsertGap(ctx, other, nil); err != nil {
			return err
		}
		p := &store.Proposal{GapID: other.ID, Type: lifecycle.TypeSkill, Name: "parse-pdf-tables",
			Scope: lifecycle.ScopeGlobal, TemplateID: "skill-basic", TemplateVersion: 1}
		if err := tx.InsertProposal(ctx, p); err != nil {
			return err
		}
		return tx.InsertCapability(ctx, &store.Capability{Name: "parse-pdf-tables", Type: lifecycle.TypeSkill,
			Scope: lifecycle.ScopeGlobal, ProposalID: p.ID, GapID: other.ID})
	}))

	p, err := f.syn.Synthesize(ctx, g.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.Name, "parse-pdf-tables-"), p.Name)
	assert.Contains(t, p.Files[0].Path, p.Name)
}

// ─── LLM strategy ────────────────────────────────────────────────────────────

type fakeRefiner struct {
	out   string
	err   error
	calls int
}

func (r *fakeRefiner) Refine(_ context.Context, req synth.RefineRequest) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return r.out + req.Path, nil
}

func TestSynthesize_LLMStrategy(t *testing.T) {
	f := newFixture(t, map[string]string{"a.yaml": skillTemplate})
	ctx := context.Background()

	ok := &fakeRefiner{out: "refined:"}
	f.syn.WithRefiner(ok)
	p, err := f.syn.Synthesize(ctx, f.gap(t, 0.9, "read scanned pdf").ID)
	require.NoError(t, err)
	assert.Equal(t, synth.StrategyLLM, p.Strategy)
	assert.True(t, strings.HasPrefix(p.Files[0].Content, "refined:evolved/skills/"))

	failing := &fakeRefiner{err: errors.New("timeout")}
	f.syn.WithRefiner(failing)
	p, err = f.syn.Synthesize(ctx, f.gap(t, 0.9, "merge pdf files").ID)
	require.NoError(t, err)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, synth.StrategyTemplate, p.Strategy)
	assert.Contains(t, p.Files[0].Content, "merge pdf files")
}

type fakeChat struct {
	resp openai.ChatCompletionResponse
	err  error
	req  openai.ChatCompletionRequest
}

func (c *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	c.req = req
	return c.resp, c.err
}

func TestLLMRefiner(t *testing.T) {
	chat := &fakeChat{resp: openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Content: "```markdown\n# Better\n```"}},
	}}}
	r := synth.NewLLMRefinerWithClient(chat, config.LLMConfig{Model: "test-model", RequestsPerMinute: 600})

	g := &store.Gap{Type: lifecycle.GapTool, DesiredCapability: "read pdf"}
	out, err := r.Refine(context.Background(), synth.RefineRequest{Gap: g, Path: "a.md", Content: "# Draft"})
	require.NoError(t, err)
	assert.Equal(t, "# Better\n", out)
	assert.Equal(t, "test-model", chat.req.Model)
	assert.Contains(t, chat.req.Messages[1].Content, "read pdf")

	chat.resp = openai.ChatCompletionResponse{}
	_, err = r.Refine(context.Background(), synth.RefineRequest{Gap: g})
	assert.Error(t, err)

	_, err = synth.NewLLMRefiner(config.LLMConfig{Enabled: true})
	assert.True(t, errors.Is(err, synth.ErrLLMDisabled))
}

// ─── Naming ──────────────────────────────────────────────────────────────────

func TestCapabilityName(t *testing.T) {
	tests := []struct {
		desired, domain, want string
	}{
		{"Cannot parse PDF tables reliably", "pdf", "parse-pdf-tables"},
		{"unable to run the integration tests", "testing", "testing-run-integration"},
		{"jq", "", "capability"},
		{"", "git", "git"},
		{"Deploy with the docker compose stack", "docker", "deploy-docker"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, synth.CapabilityName(tt.desired, tt.domain), tt.desired)
	}
}

func TestSlugifyAndSummary(t *testing.T) {
	assert.Equal(t, "a-b-c", synth.Slugify("  A__b !! c-- "))
	assert.Len(t, synth.Slugify(strings.Repeat("abc-", 30)), 50)
	assert.Equal(t, "capability", synth.Slugify("!!!"))

	long := strings.Repeat("x", 100)
	s := synth.Summary(long)
	assert.Len(t, s, 80)
	assert.True(t, strings.HasSuffix(s, "..."))
	assert.Equal(t, "short", synth.Summary("short"))
	assert.Equal(t, "Parse Pdf Tables", synth.Title("parse-pdf-tables"))
}
