// Package detector turns unprocessed observations into gaps.
//
// A detection run claims a batch of observations inside one write
// transaction, evaluates every enabled rule against it, stores the
// deduplicated gaps and flips the batch to processed before committing.
// Because the claim and the flip share the transaction, two runs can never
// count the same evidence twice.
package detector

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/homunculus/internal/config"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/rules"
	"github.com/HendryAvila/homunculus/internal/store"
)

// RuleSource provides the current enabled rules.
type RuleSource interface {
	Rules(ctx context.Context) ([]rules.LoadedRule, []rules.Diagnostic, error)
}

// Detector evaluates detector rules against observations.
type Detector struct {
	store     *store.Store
	rules     RuleSource
	batchSize int
	maxConf   float64
	log       zerolog.Logger
}

// New creates a Detector.
func New(s *store.Store, src RuleSource, cfg config.DetectionConfig, log zerolog.Logger) *Detector {
	d := &Detector{
		store:     s,
		rules:     src,
		batchSize: cfg.BatchSize,
		maxConf:   cfg.MaxConfidence,
		log:       log.With().Str("component", "detector").Logger(),
	}
	if d.batchSize <= 0 {
		d.batchSize = 500
	}
	if d.maxConf <= 0 || d.maxConf >= 1 {
		d.maxConf = 0.95
	}
	return d
}

// Link records observations attached to an already-open gap.
type Link struct {
	GapID        string `json:"gap_id"`
	Fingerprint  string `json:"fingerprint"`
	Observations int    `json:"observations"`
}

// Result summarizes a detection run.
type Result struct {
	Batches      int                `json:"batches"`
	Observations int                `json:"observations"`
	Created      []store.Gap        `json:"created"`
	Linked       []Link             `json:"linked,omitempty"`
	Suppressed   int                `json:"suppressed"`
	Diagnostics  []rules.Diagnostic `json:"diagnostics,omitempty"`
}

// Run processes batches until no unprocessed observations remain or ctx is
// cancelled. Batches committed before a cancellation stay committed.
func (d *Detector) Run(ctx context.Context) (*Result, error) {
	loaded, diags, err := d.rules.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("detector: load rules: %w", err)
	}
	res := &Result{Diagnostics: diags}

	for {
		n, err := d.runBatch(ctx, loaded, res)
		if err != nil {
			return res, err
		}
		if n == 0 {
			break
		}
		res.Batches++
		res.Observations += n
		if n < d.batchSize {
			break
		}
	}

	d.log.Info().
		Int("batches", res.Batches).
		Int("observations", res.Observations).
		Int("gaps", len(res.Created)).
		Int("linked", len(res.Linked)).
		Int("suppressed", res.Suppressed).
		Msg("detection finished")
	return res, nil
}

func (d *Detector) runBatch(ctx context.Context, loaded []rules.LoadedRule, res *Result) (int, error) {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	batch, err := tx.ClaimUnprocessed(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	cands, suppressed, err := d.Evaluate(ctx, loaded, batch)
	if err != nil {
		return 0, err
	}

	var (
		created []store.Gap
		linked  []Link
	)
	for _, c := range cands {
		open, err := tx.FindOpenGap(ctx, c.Gap.Fingerprint)
		if err != nil {
			return 0, err
		}
		if open != nil {
			if err := tx.LinkObservations(ctx, open.ID, c.ObservationIDs); err != nil {
				return 0, err
			}
			linked = append(linked, Link{GapID: open.ID, Fingerprint: c.Gap.Fingerprint, Observations: len(c.ObservationIDs)})
			continue
		}
		g := c.Gap
		if err := tx.InsertGap(ctx, &g, c.ObservationIDs); err != nil {
			return 0, err
		}
		created = append(created, g)
	}

	ids := make([]string, len(batch))
	for i := range batch {
		ids[i] = batch[i].ID
	}
	if _, err := tx.MarkProcessed(ctx, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	res.Created = append(res.Created, created...)
	res.Linked = append(res.Linked, linked...)
	res.Suppressed += suppressed
	for _, g := range created {
		d.log.Info().
			Str("gap_id", g.ID).
			Str("gap_type", string(g.Type)).
			Str("rule", g.RuleID).
			Float64("confidence", g.Confidence).
			Msg("gap detected")
	}
	return len(batch), nil
}

// Candidate is a gap proposed by one (rule, trigger) pair, before storage.
type Candidate struct {
	Gap            store.Gap
	ObservationIDs []string
	Trigger        int
}

// Evaluate applies rules to a batch and returns the deduplicated candidates
// in a stable order, plus the number of triggers that matched but stayed
// under their rule's minimum confidence. It does not touch the store.
// Cancellation is checked between rules.
func (d *Detector) Evaluate(ctx context.Context, loaded []rules.LoadedRule, batch []store.Observation) ([]Candidate, int, error) {
	var (
		cands      []Candidate
		suppressed int
	)
	for _, lr := range loaded {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		rule := lr.Rule
		for ti, trig := range rule.Triggers {
			var matched []*store.Observation
			for i := range batch {
				if trig.Condition.Expr.Eval(&batch[i]) {
					matched = append(matched, &batch[i])
				}
			}
			if len(matched) == 0 {
				continue
			}

			conf := Confidence(rule.BaseConfidence, trig.ConfidenceBoost, len(matched), d.maxConf)
			if conf < rule.MinConfidence {
				suppressed++
				continue
			}

			desired := ExtractCapability(trig.Extract.DesiredCapability, matched)
			scope, tie := InferScope(rule, matched)
			if tie != "" {
				d.log.Warn().Str("rule", rule.ID).Msg(tie)
			}
			ids := make([]string, len(matched))
			for i, o := range matched {
				ids[i] = o.ID
			}

			cands = append(cands, Candidate{
				Gap: store.Gap{
					Type:              rule.GapType,
					Domain:            InferDomain(matched),
					Confidence:        conf,
					Scope:             scope,
					ProjectPath:       matched[0].ProjectPath,
					DesiredCapability: desired,
					EvidenceSummary:   EvidenceSummary(matched),
					Fingerprint:       Fingerprint(rule.GapType, desired),
					RuleID:            rule.ID,
					RuleVersion:       rule.Version,
				},
				ObservationIDs: ids,
				Trigger:        ti,
			})
		}
	}
	return Dedupe(cands), suppressed, nil
}

// Confidence is base plus boost per match, saturating at limit and clamped
// to [0,1].
func Confidence(base, boost float64, matches int, limit float64) float64 {
	c := base + float64(matches)*boost
	if c > limit {
		c = limit
	}
	return lifecycle.Clamp(c)
}

// Dedupe collapses candidates sharing a fingerprint, keeping the highest
// confidence. Observations of collapsed candidates are merged into the
// survivor. Output order follows the first occurrence of each fingerprint.
func Dedupe(cands []Candidate) []Candidate {
	index := map[string]int{}
	var out []Candidate
	for _, c := range cands {
		i, ok := index[c.Gap.Fingerprint]
		if !ok {
			index[c.Gap.Fingerprint] = len(out)
			out = append(out, c)
			continue
		}
		merged := mergeIDs(out[i].ObservationIDs, c.ObservationIDs)
		if c.Gap.Confidence > out[i].Gap.Confidence {
			out[i] = c
		}
		out[i].ObservationIDs = merged
	}
	return out
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(append([]string(nil), a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
