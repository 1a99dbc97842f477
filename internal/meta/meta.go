// Package meta watches how the lifecycle performs and proposes changes to
// its own rules and templates. Findings are recorded as meta-observations;
// actionable ones become meta-proposals that go through the same approval
// gateway as capability proposals and are applied as new definition
// versions.
package meta

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/HendryAvila/homunculus/internal/config"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/rules"
	"github.com/HendryAvila/homunculus/internal/store"
)

// Observation types.
const (
	ObsDetector   = "detector_performance"
	ObsTemplate   = "template_performance"
	ObsUsage      = "capability_usage"
	ObsRejections = "rejection_pattern"
	ObsMetaRule   = "meta_rule"
)

// Observation bookkeeping statuses.
const (
	statusNew      = "new"
	statusProposed = "proposed"
	statusApplied  = "applied"
)

// Thresholds of the built-in analyses.
const (
	proposalFloor      = 0.5
	proposalDiscount   = 0.8
	dismissalCeiling   = 0.5
	rollbackCeiling    = 0.3
	minConfidenceStep  = 0.2
	minConfidenceLimit = 0.9
	autoSynthStep      = 0.1
	autoSynthLimit     = 0.95
	minRejections      = 3
)

// ErrDisabled is returned by Analyze when the meta-analyzer is turned off.
var ErrDisabled = errors.New("meta-analyzer is disabled")

// Definitions supplies the loaded meta-rules.
type Definitions interface {
	MetaRules() []*rules.MetaRule
}

// Disabler disables capabilities for applied deprecations.
type Disabler interface {
	Disable(ctx context.Context, name, reason string) (*store.Capability, error)
}

// Analyzer computes performance metrics and proposes improvements.
type Analyzer struct {
	store    *store.Store
	defs     Definitions
	disabler Disabler
	cfg      config.MetaConfig
	log      zerolog.Logger
}

// New creates an Analyzer.
func New(s *store.Store, defs Definitions, disabler Disabler, cfg config.MetaConfig, log zerolog.Logger) *Analyzer {
	return &Analyzer{
		store:    s,
		defs:     defs,
		disabler: disabler,
		cfg:      cfg,
		log:      log.With().Str("component", "meta").Logger(),
	}
}

// ─── Metrics ─────────────────────────────────────────────────────────────────

// Metrics is one snapshot of the performance views.
type Metrics struct {
	Detectors  []store.DetectorStats          `json:"detectors"`
	Templates  map[string]store.TemplateStats `json:"templates"`
	Usage      []store.UsageSummary           `json:"capabilities"`
	Rejections map[string]int                 `json:"rejections"`
	// GapTypes maps rule id to the gap type it detects.
	GapTypes map[string]string   `json:"-"`
	Daily    *store.DailyMetrics `json:"daily,omitempty"`
}

// Collect reads every performance view concurrently and refreshes today's
// daily rollup.
func (a *Analyzer) Collect(ctx context.Context) (*Metrics, error) {
	m := &Metrics{GapTypes: map[string]string{}}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		m.Detectors, err = a.store.DetectorPerformance(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		m.Templates, err = a.store.TemplatePerformance(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		m.Usage, err = a.store.CapabilityUsage(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		m.Rejections, err = a.store.RejectionCounts(gctx)
		return err
	})
	g.Go(func() error {
		defs, err := a.store.CurrentDefinitions(gctx, store.KindRule)
		if err != nil {
			return err
		}
		for _, d := range defs {
			m.GapTypes[d.ID] = d.Category
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	daily, err := a.store.RefreshDailyMetrics(ctx, lifecycle.NowTime().Format(time.DateOnly))
	if err != nil {
		return nil, err
	}
	m.Daily = daily
	return m, nil
}

// ─── Status ──────────────────────────────────────────────────────────────────

// Status summarizes the analyzer's recent output for meta-status.
type Status struct {
	Enabled      bool                    `json:"enabled"`
	Pending      []store.MetaProposal    `json:"pending"`
	Approved     []store.MetaProposal    `json:"approved,omitempty"`
	Applied      int                     `json:"applied"`
	Rejected     int                     `json:"rejected"`
	Observations []store.MetaObservation `json:"recent_observations"`
	Daily        []store.DailyMetrics    `json:"daily"`
	WindowUsed   int                     `json:"window_used"`
	WindowLimit  int                     `json:"window_limit"`
}

// Status reads pending meta-proposals, recent observations and the daily
// rollup.
func (a *Analyzer) Status(ctx context.Context) (*Status, error) {
	st := &Status{Enabled: a.cfg.Enabled, WindowLimit: a.cfg.MaxProposalsPerWindow}
	all, err := a.store.ListMetaProposals(ctx, "")
	if err != nil {
		return nil, err
	}
	since := a.windowStart()
	for _, p := range all {
		if p.CreatedAt >= since {
			st.WindowUsed++
		}
		switch p.Status {
		case lifecycle.MetaPending:
			st.Pending = append(st.Pending, p)
		case lifecycle.MetaApproved:
			st.Approved = append(st.Approved, p)
		case lifecycle.MetaApplied:
			st.Applied++
		case lifecycle.MetaRejected:
			st.Rejected++
		}
	}
	if st.Observations, err = a.store.ListMetaObservations(ctx, 10); err != nil {
		return nil, err
	}
	if st.Daily, err = a.store.RecentDailyMetrics(ctx, 7); err != nil {
		return nil, err
	}
	return st, nil
}

func (a *Analyzer) windowStart() string {
	return lifecycle.NowTime().Add(-a.cfg.Window).Format(lifecycle.TimeFormat)
}
