package meta

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/rules"
	"github.com/HendryAvila/homunculus/internal/store"
)

// Report is the outcome of one analysis run.
type Report struct {
	Daily        *store.DailyMetrics     `json:"daily,omitempty"`
	Observations []store.MetaObservation `json:"observations"`
	Proposals    []store.MetaProposal    `json:"proposals"`
	Skipped      []Skip                  `json:"skipped,omitempty"`
}

// Skip explains why an actionable observation produced no proposal.
type Skip struct {
	ObservationID string `json:"observation_id"`
	Target        string `json:"target"`
	Reason        string `json:"reason"`
}

// finding is an observation plus the change it suggests, if any.
type finding struct {
	obs       store.MetaObservation
	proposal  lifecycle.MetaProposalType
	target    lifecycle.SubjectKind
	targetID  string
	changes   map[string]any
	raise     *raise
	reasoning string
}

// raise bumps a numeric field of the target rule by step, up to limit.
type raise struct {
	field string
	step  float64
	limit float64
}

// Analyze collects metrics, records meta-observations and turns the
// actionable ones into pending meta-proposals. At most
// MaxProposalsPerWindow proposals are created per Window; targets that
// already have an open meta-proposal are skipped.
func (a *Analyzer) Analyze(ctx context.Context) (*Report, error) {
	if !a.cfg.Enabled {
		return nil, ErrDisabled
	}
	m, err := a.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("meta: collect: %w", err)
	}

	findings := a.builtin(m)
	findings = append(findings, a.evaluateRules(m)...)
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].obs.Confidence > findings[j].obs.Confidence
	})

	rep := &Report{Daily: m.Daily}
	err = a.store.WithTx(ctx, func(tx *store.Tx) error {
		used, err := tx.CountMetaProposalsSince(ctx, a.windowStart())
		if err != nil {
			return err
		}
		budget := a.cfg.MaxProposalsPerWindow - used

		for i := range findings {
			f := &findings[i]
			f.obs.Status = statusNew
			if err := tx.InsertMetaObservation(ctx, &f.obs); err != nil {
				return err
			}
			p, skip, err := a.propose(ctx, tx, f, budget)
			if err != nil {
				return err
			}
			switch {
			case p != nil:
				budget--
				f.obs.Status = statusProposed
				if err := tx.SetMetaObservationStatus(ctx, f.obs.ID, statusProposed); err != nil {
					return err
				}
				rep.Proposals = append(rep.Proposals, *p)
			case skip != "":
				rep.Skipped = append(rep.Skipped, Skip{
					ObservationID: f.obs.ID, Target: string(f.target) + ":" + f.targetID, Reason: skip,
				})
			}
			rep.Observations = append(rep.Observations, f.obs)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("meta: record: %w", err)
	}

	a.log.Info().
		Int("observations", len(rep.Observations)).
		Int("proposals", len(rep.Proposals)).
		Int("skipped", len(rep.Skipped)).
		Msg("meta analysis complete")
	return rep, nil
}

// propose creates the meta-proposal for f or returns why it was skipped.
func (a *Analyzer) propose(ctx context.Context, tx *store.Tx, f *finding, budget int) (*store.MetaProposal, string, error) {
	if f.proposal == "" {
		return nil, "", nil
	}
	switch {
	case f.target == lifecycle.SubjectMeta:
		return nil, lifecycle.ErrMetaSelfTarget.Error(), nil
	case f.obs.Confidence < proposalFloor:
		return nil, fmt.Sprintf("confidence %.2f below %.2f", f.obs.Confidence, proposalFloor), nil
	case budget <= 0:
		return nil, fmt.Sprintf("rate limit of %d per %s reached", a.cfg.MaxProposalsPerWindow, a.cfg.Window), nil
	}
	open, err := tx.HasOpenMetaProposal(ctx, f.target, f.targetID)
	if err != nil {
		return nil, "", err
	}
	if open {
		return nil, "target already has an open meta-proposal", nil
	}

	changes := maps.Clone(f.changes)
	if changes == nil {
		changes = map[string]any{}
	}
	version := 0
	if kind, ok := definitionKind(f.proposal); ok {
		def, err := tx.CurrentDefinition(ctx, kind, f.targetID)
		if errors.Is(err, lifecycle.ErrNotFound) {
			return nil, fmt.Sprintf("%s %q not found", kind, f.targetID), nil
		}
		if err != nil {
			return nil, "", err
		}
		version = def.Version
		if f.raise != nil {
			rule, err := rules.ParseRule([]byte(def.Body))
			if err != nil {
				return nil, fmt.Sprintf("current rule unreadable: %v", err), nil
			}
			cur := ruleField(rule, f.raise.field)
			next := round2(math.Min(f.raise.limit, cur+f.raise.step))
			if next <= cur {
				return nil, fmt.Sprintf("%s already at %.2f", f.raise.field, cur), nil
			}
			changes[f.raise.field] = next
		}
	}

	p := &store.MetaProposal{
		MetaObservationID: f.obs.ID,
		Type:              f.proposal,
		TargetKind:        f.target,
		TargetID:          f.targetID,
		TargetVersion:     version,
		Changes:           changes,
		Reasoning:         f.reasoning,
		Confidence:        round2(f.obs.Confidence * proposalDiscount),
	}
	if err := tx.InsertMetaProposal(ctx, p); err != nil {
		return nil, "", err
	}
	return p, "", nil
}

// definitionKind returns the definition table a proposal type patches.
func definitionKind(t lifecycle.MetaProposalType) (store.DefinitionKind, bool) {
	switch t {
	case lifecycle.MetaRulePatch:
		return store.KindRule, true
	case lifecycle.MetaTemplatePatch:
		return store.KindTemplate, true
	}
	return "", false
}

func ruleField(r *rules.Rule, field string) float64 {
	switch field {
	case "min_confidence":
		return r.MinConfidence
	case "auto_synthesize":
		return r.AutoSynthesize
	case "base_confidence":
		return r.BaseConfidence
	}
	return 0
}

// ─── Built-in analyses ───────────────────────────────────────────────────────

func (a *Analyzer) builtin(m *Metrics) []finding {
	var out []finding
	out = append(out, a.analyzeDetectors(m)...)
	out = append(out, a.analyzeTemplates(m)...)
	out = append(out, a.analyzeUsage(m)...)
	out = append(out, a.analyzeRejections(m)...)
	return out
}

func (a *Analyzer) analyzeDetectors(m *Metrics) []finding {
	var out []finding
	for _, d := range m.Detectors {
		metrics := detectorMetrics(d)
		if d.GapsDetected >= a.cfg.MinSampleSize && d.DismissalRate() > dismissalCeiling {
			out = append(out, finding{
				obs: observation(ObsDetector, lifecycle.SubjectRule, d.RuleID, metrics,
					sampleConfidence(0.5, d.GapsDetected), d.GapsDetected,
					"Raise min_confidence so fewer weak gaps are reported."),
				proposal:  lifecycle.MetaRulePatch,
				target:    lifecycle.SubjectRule,
				targetID:  d.RuleID,
				raise:     &raise{field: "min_confidence", step: minConfidenceStep, limit: minConfidenceLimit},
				reasoning: fmt.Sprintf("%d of %d gaps from %s were dismissed (%.0f%%).", d.Dismissed, d.GapsDetected, d.RuleID, 100*d.DismissalRate()),
			})
		}
		decided := d.Approved + d.Rejected
		if decided >= a.cfg.MinSampleSize && d.ApprovalRate() < a.cfg.AcceptanceFloor {
			out = append(out, finding{
				obs: observation(ObsDetector, lifecycle.SubjectRule, d.RuleID, metrics,
					sampleConfidence(0.5, decided), decided,
					"Raise auto_synthesize so proposals from this rule wait for a manual trigger."),
				proposal:  lifecycle.MetaRulePatch,
				target:    lifecycle.SubjectRule,
				targetID:  d.RuleID,
				raise:     &raise{field: "auto_synthesize", step: autoSynthStep, limit: autoSynthLimit},
				reasoning: fmt.Sprintf("Only %d of %d decided proposals from %s were approved.", d.Approved, decided, d.RuleID),
			})
		}
	}
	return out
}

func (a *Analyzer) analyzeTemplates(m *Metrics) []finding {
	var out []finding
	for _, id := range slices.Sorted(maps.Keys(m.Templates)) {
		t := m.Templates[id]
		decided := t.Approved + t.Rejected
		var reasoning string
		sample := 0
		switch {
		case decided >= a.cfg.MinSampleSize && t.ApprovalRate() < a.cfg.AcceptanceFloor:
			reasoning = fmt.Sprintf("Only %d of %d decided proposals rendered by %s were approved.", t.Approved, decided, id)
			sample = decided
		case t.Installed >= a.cfg.MinSampleSize && t.RollbackRate() > rollbackCeiling:
			reasoning = fmt.Sprintf("%d of %d capabilities installed from %s were rolled back.", t.RolledBack, t.Installed, id)
			sample = t.Installed
		default:
			continue
		}
		out = append(out, finding{
			obs: observation(ObsTemplate, lifecycle.SubjectTemplate, id, templateMetrics(t),
				sampleConfidence(0.5, sample), sample, "Disable the template until it is revised."),
			proposal:  lifecycle.MetaTemplatePatch,
			target:    lifecycle.SubjectTemplate,
			targetID:  id,
			changes:   map[string]any{"enabled": false},
			reasoning: reasoning,
		})
	}
	return out
}

func (a *Analyzer) analyzeUsage(m *Metrics) []finding {
	var out []finding
	for _, u := range m.Usage {
		if u.Status != lifecycle.CapabilityActive || u.UsageCount > 0 {
			continue
		}
		days := daysSince(u.InstalledAt)
		if days < a.cfg.MinInstalledDays {
			continue
		}
		conf := 0.6
		if days >= 2*a.cfg.MinInstalledDays {
			conf = 0.7
		}
		out = append(out, finding{
			obs: observation(ObsUsage, lifecycle.SubjectCapability, u.Name, usageMetrics(u), conf, 1,
				"Deprecate the capability; it has never been used."),
			proposal:  lifecycle.MetaDeprecate,
			target:    lifecycle.SubjectCapability,
			targetID:  u.Name,
			reasoning: fmt.Sprintf("%s was installed %d days ago and has not been used since.", u.Name, days),
		})
	}
	return out
}

var rejectionAdvice = map[string]string{
	string(lifecycle.ReasonNotNeeded):  "Raise detector thresholds; many proposals address gaps nobody wanted closed.",
	string(lifecycle.ReasonIncorrect):  "Review templates; proposals are frequently wrong.",
	string(lifecycle.ReasonDuplicate):  "Check existing capabilities before synthesizing.",
	string(lifecycle.ReasonTooComplex): "Prefer smaller templates; proposals are often too complex.",
	string(lifecycle.ReasonOther):      "Review recent rejection details.",
}

func (a *Analyzer) analyzeRejections(m *Metrics) []finding {
	total := 0
	for _, n := range m.Rejections {
		total += n
	}
	if total < minRejections {
		return nil
	}
	var out []finding
	for _, reason := range slices.Sorted(maps.Keys(m.Rejections)) {
		n := m.Rejections[reason]
		rate := float64(n) / float64(total)
		if n < 2 || rate < 0.3 {
			continue
		}
		advice := rejectionAdvice[reason]
		if advice == "" {
			advice = rejectionAdvice[string(lifecycle.ReasonOther)]
		}
		metrics := map[string]float64{"count": float64(n), "total_rejections": float64(total), "rate": round2(rate)}
		out = append(out, finding{
			obs: observation(ObsRejections, lifecycle.SubjectWorkflow, "rejections/"+reason, metrics,
				math.Min(0.8, rate+0.2), total, advice),
			proposal:  lifecycle.MetaConfigChange,
			target:    lifecycle.SubjectWorkflow,
			targetID:  "rejections/" + reason,
			changes:   map[string]any{"rejection_reason": reason, "count": n, "total": total},
			reasoning: fmt.Sprintf("Common rejection pattern: %s (%d/%d = %.0f%%).", reason, n, total, 100*rate),
		})
	}
	return out
}

// ─── Meta-rules ──────────────────────────────────────────────────────────────

// subject is one thing a meta-rule can be evaluated against.
type subject struct {
	id      string
	metrics map[string]float64
	sample  int
}

// evaluateRules applies every enabled meta-rule to the subjects of its kind.
// All conditions must hold; a missing metric fails the condition.
func (a *Analyzer) evaluateRules(m *Metrics) []finding {
	if a.defs == nil {
		return nil
	}
	var out []finding
	for _, r := range a.defs.MetaRules() {
		if !r.Enabled {
			continue
		}
		typ := lifecycle.MetaProposalType(r.ProposalType)
		if typ != "" && !proposalFits(typ, r.Subject) {
			a.log.Warn().Str("meta_rule", r.ID).Str("proposal_type", r.ProposalType).
				Str("subject", string(r.Subject)).Msg("proposal type does not fit subject; observing only")
			typ = ""
		}
		for _, s := range subjects(r.Subject, m) {
			if s.sample < r.MinSampleSize || !matches(r.Conditions, s.metrics) {
				continue
			}
			recommendation := r.Recommendation
			if recommendation == "" {
				recommendation = r.Description
			}
			out = append(out, finding{
				obs: observation(ObsMetaRule, r.Subject, s.id, s.metrics,
					sampleConfidence(r.Confidence, s.sample), s.sample, r.ID+": "+recommendation),
				proposal:  typ,
				target:    r.Subject,
				targetID:  s.id,
				changes:   r.ProposalChanges,
				reasoning: fmt.Sprintf("Meta-rule %s matched %s %s.", r.ID, r.Subject, s.id),
			})
		}
	}
	return out
}

func matches(conds []rules.MetricCondition, metrics map[string]float64) bool {
	for _, c := range conds {
		v, ok := metrics[c.Metric]
		if !ok || !c.Holds(v) {
			return false
		}
	}
	return true
}

func proposalFits(t lifecycle.MetaProposalType, kind lifecycle.SubjectKind) bool {
	switch t {
	case lifecycle.MetaRulePatch:
		return kind == lifecycle.SubjectRule
	case lifecycle.MetaTemplatePatch:
		return kind == lifecycle.SubjectTemplate
	case lifecycle.MetaDeprecate:
		return kind == lifecycle.SubjectCapability
	case lifecycle.MetaConfigChange, lifecycle.MetaNewGapType:
		return kind != lifecycle.SubjectMeta
	}
	return false
}

func subjects(kind lifecycle.SubjectKind, m *Metrics) []subject {
	var out []subject
	switch kind {
	case lifecycle.SubjectRule:
		for _, d := range m.Detectors {
			out = append(out, subject{id: d.RuleID, metrics: detectorMetrics(d), sample: d.GapsDetected})
		}
	case lifecycle.SubjectTemplate:
		for _, id := range slices.Sorted(maps.Keys(m.Templates)) {
			t := m.Templates[id]
			out = append(out, subject{id: id, metrics: templateMetrics(t), sample: t.Total})
		}
	case lifecycle.SubjectCapability:
		for _, u := range m.Usage {
			if u.Status != lifecycle.CapabilityActive {
				continue
			}
			out = append(out, subject{id: u.Name, metrics: usageMetrics(u), sample: 1})
		}
	case lifecycle.SubjectGapType:
		byType := map[string]*store.DetectorStats{}
		for _, d := range m.Detectors {
			gt := m.GapTypes[d.RuleID]
			if gt == "" {
				continue
			}
			agg, ok := byType[gt]
			if !ok {
				agg = &store.DetectorStats{RuleID: gt}
				byType[gt] = agg
			}
			agg.GapsDetected += d.GapsDetected
			agg.Dismissed += d.Dismissed
			agg.Resolved += d.Resolved
			agg.Approved += d.Approved
			agg.Rejected += d.Rejected
		}
		for _, gt := range slices.Sorted(maps.Keys(byType)) {
			d := *byType[gt]
			out = append(out, subject{id: gt, metrics: detectorMetrics(d), sample: d.GapsDetected})
		}
	case lifecycle.SubjectWorkflow:
		metrics := map[string]float64{}
		total := 0
		for reason, n := range m.Rejections {
			metrics["rejected_"+reason] = float64(n)
			total += n
		}
		metrics["total_rejections"] = float64(total)
		if d := m.Daily; d != nil {
			metrics["observations_today"] = float64(d.Observations)
			metrics["gaps_today"] = float64(d.GapsDetected)
			metrics["proposals_today"] = float64(d.ProposalsCreated)
			metrics["rollbacks_today"] = float64(d.CapabilitiesRolledBack)
		}
		out = append(out, subject{id: "workflow", metrics: metrics, sample: total})
	}
	return out
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func observation(typ string, kind lifecycle.SubjectKind, id string, metrics map[string]float64, conf float64, sample int, rec string) store.MetaObservation {
	return store.MetaObservation{
		Type:           typ,
		SubjectKind:    kind,
		SubjectID:      id,
		Metrics:        metrics,
		Confidence:     round2(conf),
		SampleSize:     sample,
		Recommendation: rec,
	}
}

// sampleConfidence raises a base confidence for larger samples.
func sampleConfidence(base float64, sample int) float64 {
	switch {
	case sample >= 10:
		return math.Min(0.95, base+0.2)
	case sample >= 5:
		return math.Min(0.85, base+0.1)
	}
	return base
}

func detectorMetrics(d store.DetectorStats) map[string]float64 {
	decided := d.Approved + d.Rejected
	rejection := 0.0
	if decided > 0 {
		rejection = float64(d.Rejected) / float64(decided)
	}
	return map[string]float64{
		"gaps_detected":  float64(d.GapsDetected),
		"dismissed":      float64(d.Dismissed),
		"resolved":       float64(d.Resolved),
		"approved":       float64(d.Approved),
		"rejected":       float64(d.Rejected),
		"dismissal_rate": round2(d.DismissalRate()),
		"approval_rate":  round2(d.ApprovalRate()),
		"rejection_rate": round2(rejection),
	}
}

func templateMetrics(t store.TemplateStats) map[string]float64 {
	return map[string]float64{
		"total":          float64(t.Total),
		"approved":       float64(t.Approved),
		"rejected":       float64(t.Rejected),
		"installed":      float64(t.Installed),
		"rolled_back":    float64(t.RolledBack),
		"approval_rate":  round2(t.ApprovalRate()),
		"rollback_rate":  round2(t.RollbackRate()),
		"retention_rate": round2(t.RetentionRate()),
	}
}

func usageMetrics(u store.UsageSummary) map[string]float64 {
	return map[string]float64{
		"usage_count":    float64(u.UsageCount),
		"days_installed": float64(daysSince(u.InstalledAt)),
	}
}

func daysSince(ts string) int {
	t := lifecycle.ParseTime(ts)
	if t.IsZero() {
		return 0
	}
	return int(lifecycle.NowTime().Sub(t) / (24 * time.Hour))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
