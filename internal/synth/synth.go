// Package synth turns gaps into proposals by rendering synthesis templates.
package synth

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/rules"
	"github.com/HendryAvila/homunculus/internal/store"
)

// Strategies recorded on proposals.
const (
	StrategyTemplate = "template"
	StrategyLLM      = "llm"
)

var (
	// ErrNoTemplate means no enabled template can serve the gap; the gap
	// stays pending.
	ErrNoTemplate = errors.New("no applicable template")
	// ErrBelowThreshold means the gap is under its rule's minimum
	// confidence and gets no proposal.
	ErrBelowThreshold = errors.New("gap confidence below rule minimum")
)

// Definitions provides templates and rule versions.
type Definitions interface {
	Templates(ctx context.Context) ([]rules.LoadedTemplate, []rules.Diagnostic, error)
	Rule(ctx context.Context, id string, version int) (*rules.Rule, error)
}

// Synthesizer creates proposals for pending gaps.
type Synthesizer struct {
	store   *store.Store
	defs    Definitions
	refiner Refiner
	log     zerolog.Logger
}

// New creates a Synthesizer that renders templates only.
func New(s *store.Store, defs Definitions, log zerolog.Logger) *Synthesizer {
	return &Synthesizer{store: s, defs: defs, log: log.With().Str("component", "synth").Logger()}
}

// WithRefiner enables the LLM strategy.
func (s *Synthesizer) WithRefiner(r Refiner) *Synthesizer {
	s.refiner = r
	return s
}

// Skip records a gap that got no proposal.
type Skip struct {
	GapID  string `json:"gap_id"`
	Reason string `json:"reason"`
}

// Result summarizes a batch synthesis.
type Result struct {
	Proposals []store.Proposal `json:"proposals"`
	Skipped   []Skip           `json:"skipped,omitempty"`
}

// Synthesize creates a proposal for one pending gap. Gaps flagged for
// manual triggering are synthesized too, since the caller asked explicitly.
func (s *Synthesizer) Synthesize(ctx context.Context, gapID string) (*store.Proposal, error) {
	g, err := s.store.GetGap(ctx, gapID)
	if err != nil {
		return nil, err
	}
	if g.Status != lifecycle.GapPending {
		return nil, &lifecycle.TransitionError{
			Entity: lifecycle.EntityGap, ID: g.ID, From: string(g.Status), To: string(lifecycle.GapSynthesizing),
		}
	}
	manual, err := s.threshold(ctx, g)
	if err != nil {
		return nil, err
	}
	return s.synthesize(ctx, g, manual)
}

// SynthesizePending synthesizes every pending gap, highest confidence
// first. Gaps under their rule's auto-synthesize threshold are skipped
// unless all is set. Per-gap failures are recorded as skips.
func (s *Synthesizer) SynthesizePending(ctx context.Context, all bool, limit int) (*Result, error) {
	gaps, err := s.store.ListGaps(ctx, store.GapFilter{Status: []lifecycle.GapStatus{lifecycle.GapPending}, Limit: limit})
	if err != nil {
		return nil, err
	}
	return s.synthesizeEach(ctx, gaps, all)
}

// SynthesizeGaps synthesizes the listed gaps with the same gating as
// SynthesizePending. Gaps no longer pending are skipped.
func (s *Synthesizer) SynthesizeGaps(ctx context.Context, ids []string) (*Result, error) {
	gaps := make([]store.Gap, 0, len(ids))
	for _, id := range ids {
		g, err := s.store.GetGap(ctx, id)
		if err != nil {
			return nil, err
		}
		gaps = append(gaps, *g)
	}
	return s.synthesizeEach(ctx, gaps, false)
}

func (s *Synthesizer) synthesizeEach(ctx context.Context, gaps []store.Gap, all bool) (*Result, error) {
	res := &Result{}
	for i := range gaps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		g := &gaps[i]
		if g.Status != lifecycle.GapPending {
			res.Skipped = append(res.Skipped, Skip{GapID: g.ID, Reason: "gap is " + string(g.Status)})
			continue
		}
		manual, err := s.threshold(ctx, g)
		if err != nil {
			res.Skipped = append(res.Skipped, Skip{GapID: g.ID, Reason: err.Error()})
			continue
		}
		if manual && !all {
			res.Skipped = append(res.Skipped, Skip{GapID: g.ID, Reason: "manual trigger required"})
			continue
		}
		p, err := s.synthesize(ctx, g, manual)
		if err != nil {
			if errors.Is(err, ErrNoTemplate) || lifecycle.IsTransition(err) {
				res.Skipped = append(res.Skipped, Skip{GapID: g.ID, Reason: err.Error()})
				continue
			}
			return res, err
		}
		res.Proposals = append(res.Proposals, *p)
	}
	return res, nil
}

// threshold applies the gap's rule gates: below min confidence is an error,
// below auto-synthesize means manual trigger.
func (s *Synthesizer) threshold(ctx context.Context, g *store.Gap) (manual bool, err error) {
	rule, err := s.defs.Rule(ctx, g.RuleID, g.RuleVersion)
	if err != nil {
		s.log.Warn().Err(err).Str("gap_id", g.ID).Msg("rule for gap unavailable; using default thresholds")
		return g.Confidence < rules.DefaultAutoSynthesize, nil
	}
	if g.Confidence < rule.MinConfidence {
		return false, fmt.Errorf("synth: gap %s (%.2f < %.2f): %w", g.ID, g.Confidence, rule.MinConfidence, ErrBelowThreshold)
	}
	return g.Confidence < rule.AutoSynthesize, nil
}

func (s *Synthesizer) synthesize(ctx context.Context, g *store.Gap, manual bool) (*store.Proposal, error) {
	tpl, err := s.SelectTemplate(ctx, g.Type)
	if err != nil {
		return nil, fmt.Errorf("synth: gap %s: %w", g.ID, err)
	}

	rc := NewContext(g)
	rc.Name, rc.Slug, rc.Title, err = s.uniqueName(ctx, rc.Name, g.ID)
	if err != nil {
		return nil, err
	}
	out, err := Render(tpl, rc)
	if err != nil {
		return nil, err
	}

	strategy := StrategyTemplate
	if s.refiner != nil && len(out.Files) > 0 {
		instructions, _ := execute(tpl.ID+"/prompt", tpl.Prompt, rc)
		refined, err := s.refiner.Refine(ctx, RefineRequest{
			Gap:            g,
			CapabilityType: string(tpl.OutputType),
			Instructions:   instructions,
			Path:           out.Files[0].Path,
			Content:        out.Files[0].Content,
		})
		if err != nil {
			s.log.Warn().Err(err).Str("gap_id", g.ID).Msg("llm refinement failed; keeping template rendering")
		} else {
			out.Files[0].Content = refined
			strategy = StrategyLLM
		}
	}

	deps := make([]store.DependencySpec, 0, len(tpl.Dependencies))
	for _, d := range tpl.Dependencies {
		deps = append(deps, store.DependencySpec{Name: d.Name, Type: d.Type})
	}

	p := &store.Proposal{
		GapID:           g.ID,
		Type:            tpl.OutputType,
		Name:            rc.Name,
		Summary:         rc.Summary,
		Scope:           g.Scope,
		Confidence:      g.Confidence,
		Reasoning:       fmt.Sprintf("Generated from template %s v%d to address: %s", tpl.ID, tpl.Version, g.DesiredCapability),
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Files:           out.Files,
		ConfigPatch:     out.ConfigPatch,
		Dependencies:    deps,
		ManualTrigger:   manual,
		Strategy:        strategy,
	}

	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.TransitionGap(ctx, g.ID, lifecycle.GapSynthesizing); err != nil {
			return err
		}
		if err := tx.InsertProposal(ctx, p); err != nil {
			return err
		}
		return tx.TransitionGap(ctx, g.ID, lifecycle.GapProposed, store.Assign{Column: "proposal_id", Value: p.ID})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("proposal_id", p.ID).
		Str("gap_id", g.ID).
		Str("template", tpl.ID).
		Str("name", p.Name).
		Bool("manual_trigger", manual).
		Str("strategy", strategy).
		Msg("proposal created")
	return p, nil
}

// uniqueName suffixes name with part of the gap id when an installed
// capability already uses it.
func (s *Synthesizer) uniqueName(ctx context.Context, name, gapID string) (string, string, string, error) {
	_, err := s.store.GetCapabilityByName(ctx, name)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
	case err != nil:
		return "", "", "", err
	default:
		suffix := gapID
		if len(suffix) > 6 {
			suffix = suffix[len(suffix)-6:]
		}
		name = name + "-" + suffix
	}
	return name, Slugify(name), Title(name), nil
}

// ─── Template selection ──────────────────────────────────────────────────────

// SelectTemplate picks the template for a gap type: candidates must emit one
// of the type's capability types and accept the gap type. They are ordered
// by the catalog's capability-type preference, then by historical approval
// rate, then by declaration order. When none qualifies, a generic skill
// template (no gap-type restriction) is used.
func (s *Synthesizer) SelectTemplate(ctx context.Context, gt lifecycle.GapType) (*rules.Template, error) {
	loaded, _, err := s.defs.Templates(ctx)
	if err != nil {
		return nil, err
	}
	perf, err := s.store.TemplatePerformance(ctx)
	if err != nil {
		return nil, err
	}

	prefs := lifecycle.LookupGapType(gt).CapabilityTypes
	rank := make(map[lifecycle.CapabilityType]int, len(prefs))
	for i, ct := range prefs {
		rank[ct] = i
	}

	type cand struct {
		tpl      rules.LoadedTemplate
		rank     int
		approval float64
	}
	var cands []cand
	for _, lt := range loaded {
		r, ok := rank[lt.OutputType]
		if !ok || !lt.Applies(gt) {
			continue
		}
		cands = append(cands, cand{tpl: lt, rank: r, approval: approvalScore(perf[lt.ID])})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if a.approval != b.approval {
			return a.approval > b.approval
		}
		return a.tpl.Order < b.tpl.Order
	})
	if len(cands) > 0 {
		return cands[0].tpl.Template, nil
	}

	for _, lt := range loaded {
		if lt.OutputType == lifecycle.TypeSkill && len(lt.GapTypes) == 0 {
			return lt.Template, nil
		}
	}
	return nil, fmt.Errorf("gap type %s: %w", gt, ErrNoTemplate)
}

// approvalScore treats templates without any review as neutral.
func approvalScore(ts store.TemplateStats) float64 {
	if ts.Approved+ts.Rejected == 0 {
		return 0.5
	}
	return ts.ApprovalRate()
}
