// Package engine wires the lifecycle components together and exposes one
// method per command. It is the composition root shared by the CLI and the
// MCP server: concrete implementations are created here and injected into
// the components that depend on them. No business logic lives here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/homunculus/internal/approval"
	"github.com/HendryAvila/homunculus/internal/config"
	"github.com/HendryAvila/homunculus/internal/detector"
	"github.com/HendryAvila/homunculus/internal/ingest"
	"github.com/HendryAvila/homunculus/internal/installer"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/meta"
	"github.com/HendryAvila/homunculus/internal/rules"
	"github.com/HendryAvila/homunculus/internal/store"
	"github.com/HendryAvila/homunculus/internal/synth"
)

// Engine holds every component for one data directory.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger

	store     *store.Store
	rules     *rules.Repository
	ingester  *ingest.Ingester
	detector  *detector.Detector
	synth     *synth.Synthesizer
	installer *installer.Installer
	gateway   *approval.Gateway
	meta      *meta.Analyzer

	// Recovered lists installs finished or undone while opening.
	Recovered *installer.RecoverResult

	mu     sync.Mutex
	synced *rules.SyncResult
}

// Open validates cfg, opens the store, publishes the definition
// directories and recovers interrupted installs.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	s, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, log: log, store: s}

	e.rules = rules.NewRepository(s, e.dirs(), log).WithDefaults(rules.RuleDefaults{
		BaseConfidence: cfg.Detection.BaseConfidence,
		Boost:          cfg.Detection.DefaultBoost,
		MinConfidence:  cfg.Detection.DefaultMinConfidence,
		AutoSynthesize: cfg.Detection.DefaultAutoSynthesize,
	})
	synced, err := e.rules.Sync(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	e.setSynced(synced)

	e.ingester = ingest.New(s, log)
	e.detector = detector.New(s, e.rules, cfg.Detection, log)
	e.synth = synth.New(s, e.rules, log)
	if cfg.Synthesis.LLM.Enabled {
		refiner, err := synth.NewLLMRefiner(cfg.Synthesis.LLM)
		switch {
		case errors.Is(err, synth.ErrLLMDisabled):
			log.Warn().Msg("llm synthesis enabled but no api key configured; using templates only")
		case err != nil:
			s.Close()
			return nil, err
		default:
			e.synth.WithRefiner(refiner)
		}
	}

	e.installer = installer.New(s, installer.Options{
		Root:         cfg.InstallRoot,
		SettingsFile: cfg.SettingsFile,
		DataDir:      cfg.DataDir,
	}, log)
	if e.Recovered, err = e.installer.Recover(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("engine: recover installs: %w", err)
	}

	e.meta = meta.New(s, e.rules, e.installer, cfg.Meta, log)
	e.gateway = approval.New(s, e.installer, log).WithMeta(e.meta)
	return e, nil
}

// Close releases the store.
func (e *Engine) Close() error { return e.store.Close() }

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }

func (e *Engine) dirs() rules.Dirs {
	return rules.Dirs{Rules: e.cfg.RulesDir, Templates: e.cfg.TemplatesDir, MetaRules: e.cfg.MetaRulesDir}
}

// ─── Setup ───────────────────────────────────────────────────────────────────

// InitResult reports what init created.
type InitResult struct {
	Written []string          `json:"written"`
	Sync    *rules.SyncResult `json:"sync"`
}

// Init writes the built-in definitions that are missing from the
// definition directories and publishes them.
func (e *Engine) Init(ctx context.Context) (*InitResult, error) {
	written, err := rules.WriteDefaults(e.dirs())
	if err != nil {
		return nil, err
	}
	res, err := e.Reload(ctx)
	if err != nil {
		return nil, err
	}
	return &InitResult{Written: written, Sync: res}, nil
}

// Reload publishes the definition directories again.
func (e *Engine) Reload(ctx context.Context) (*rules.SyncResult, error) {
	res, err := e.rules.Sync(ctx)
	if err != nil {
		return nil, err
	}
	e.setSynced(res)
	return res, nil
}

func (e *Engine) setSynced(res *rules.SyncResult) {
	e.mu.Lock()
	e.synced = res
	e.mu.Unlock()
}

// LastSync returns the most recent definition sync.
func (e *Engine) LastSync() *rules.SyncResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced
}

// WatchDefinitions republishes definitions whenever their directories
// change, until ctx is cancelled.
func (e *Engine) WatchDefinitions(ctx context.Context) error {
	return e.rules.Watch(ctx, rules.DefaultDebounce, func(res *rules.SyncResult, err error) {
		if err != nil {
			e.log.Error().Err(err).Msg("definition reload failed")
			return
		}
		e.setSynced(res)
	})
}

// ─── Observations and detection ──────────────────────────────────────────────

// Ingest reads new lines of the event log. An empty path uses the
// configured one.
func (e *Engine) Ingest(ctx context.Context, path string) (*ingest.Result, error) {
	if path == "" {
		path = e.cfg.EventsPath
	}
	return e.ingester.Ingest(ctx, path)
}

// DetectResult combines a detection run with the optional synthesis pass.
type DetectResult struct {
	Detection *detector.Result `json:"detection"`
	Synthesis *synth.Result    `json:"synthesis,omitempty"`
}

// Detect evaluates the rules against unprocessed observations. Gaps this
// run created above their rule's auto-synthesize threshold are synthesized
// when synthesize is set or synthesis.auto_after_detect is configured.
// Older pending gaps are left for Synthesize.
func (e *Engine) Detect(ctx context.Context, synthesize bool) (*DetectResult, error) {
	det, err := e.detector.Run(ctx)
	if err != nil {
		return nil, err
	}
	res := &DetectResult{Detection: det}
	if (synthesize || e.cfg.Synthesis.AutoAfterDetect) && len(det.Created) > 0 {
		ids := make([]string, len(det.Created))
		for i, g := range det.Created {
			ids[i] = g.ID
		}
		if res.Synthesis, err = e.synth.SynthesizeGaps(ctx, ids); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Synthesize creates a proposal for one gap, or for every pending gap when
// gapID is empty. all includes gaps under their auto-synthesize threshold.
func (e *Engine) Synthesize(ctx context.Context, gapID string, all bool) (*synth.Result, error) {
	if gapID == "" {
		return e.synth.SynthesizePending(ctx, all, 0)
	}
	p, err := e.synth.Synthesize(ctx, gapID)
	if err != nil {
		return nil, err
	}
	return &synth.Result{Proposals: []store.Proposal{*p}}, nil
}

// ─── Gaps ────────────────────────────────────────────────────────────────────

// Gaps lists gaps.
func (e *Engine) Gaps(ctx context.Context, f store.GapFilter) ([]store.Gap, error) {
	return e.store.ListGaps(ctx, f)
}

// GapDetail is a gap with its evidence and history.
type GapDetail struct {
	Gap          *store.Gap              `json:"gap"`
	Observations []store.Observation     `json:"observations"`
	Proposal     *store.Proposal         `json:"proposal,omitempty"`
	History      []store.TransitionEntry `json:"history"`
}

// Gap returns one gap with its supporting observations.
func (e *Engine) Gap(ctx context.Context, id string) (*GapDetail, error) {
	g, err := e.store.GetGap(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &GapDetail{Gap: g}
	if d.Observations, err = e.store.GapObservations(ctx, id); err != nil {
		return nil, err
	}
	if g.ProposalID != "" {
		if d.Proposal, err = e.store.GetProposal(ctx, g.ProposalID); err != nil {
			return nil, err
		}
	}
	if d.History, err = e.store.TransitionHistory(ctx, lifecycle.EntityGap, id); err != nil {
		return nil, err
	}
	return d, nil
}

// DismissGap closes a pending gap.
func (e *Engine) DismissGap(ctx context.Context, id, reason string) (*store.Gap, error) {
	return e.gateway.DismissGap(ctx, id, reason)
}

// ─── Proposals ───────────────────────────────────────────────────────────────

// Proposals lists proposals with a status ("" for all).
func (e *Engine) Proposals(ctx context.Context, status lifecycle.ProposalStatus, limit int) ([]store.Proposal, error) {
	return e.store.ListProposals(ctx, status, limit)
}

// Review is everything needed to decide on a proposal.
type Review struct {
	Proposal *store.Proposal         `json:"proposal,omitempty"`
	Gap      *store.Gap              `json:"gap,omitempty"`
	Meta     *store.MetaProposal     `json:"meta_proposal,omitempty"`
	History  []store.TransitionEntry `json:"history"`
}

// Review returns a proposal or meta-proposal with its context.
func (e *Engine) Review(ctx context.Context, id string) (*Review, error) {
	r := &Review{}
	var err error
	if approval.IsMetaID(id) {
		if r.Meta, err = e.store.GetMetaProposal(ctx, id); err != nil {
			return nil, err
		}
		r.History, err = e.store.TransitionHistory(ctx, lifecycle.EntityMetaProposal, id)
		return r, err
	}
	if r.Proposal, err = e.store.GetProposal(ctx, id); err != nil {
		return nil, err
	}
	if r.Gap, err = e.store.GetGap(ctx, r.Proposal.GapID); err != nil {
		return nil, err
	}
	r.History, err = e.store.TransitionHistory(ctx, lifecycle.EntityProposal, id)
	return r, err
}

// Approve approves and installs a proposal, or approves and applies a
// meta-proposal.
func (e *Engine) Approve(ctx context.Context, id string) (*approval.Decision, error) {
	return e.gateway.Approve(ctx, id)
}

// Reject rejects a proposal or meta-proposal.
func (e *Engine) Reject(ctx context.Context, id, reason, detail string) (*approval.Decision, error) {
	return e.gateway.Reject(ctx, id, reason, detail)
}

// Install retries the install of an approved proposal.
func (e *Engine) Install(ctx context.Context, id string) (*approval.Decision, error) {
	return e.gateway.Install(ctx, id)
}

// ─── Capabilities ────────────────────────────────────────────────────────────

// CapabilityView is a capability with its usage and dependency edges.
type CapabilityView struct {
	store.UsageSummary
	Scope        lifecycle.Scope    `json:"scope"`
	Dependencies []store.Dependency `json:"dependencies,omitempty"`
}

// Capabilities lists active capabilities, or all of them when all is set.
func (e *Engine) Capabilities(ctx context.Context, all bool) ([]CapabilityView, error) {
	usage, err := e.store.CapabilityUsage(ctx)
	if err != nil {
		return nil, err
	}
	var out []CapabilityView
	for _, u := range usage {
		if !all && u.Status != lifecycle.CapabilityActive {
			continue
		}
		c, err := e.store.GetCapability(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		deps, err := e.store.Dependencies(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, CapabilityView{UsageSummary: u, Scope: c.Scope, Dependencies: deps})
	}
	return out, nil
}

// Rollback reverses a capability, and with cascade its required
// dependents.
func (e *Engine) Rollback(ctx context.Context, name string, cascade bool) (*installer.RollbackResult, error) {
	return e.installer.Rollback(ctx, name, cascade)
}

// Disable marks a capability disabled without touching its files.
func (e *Engine) Disable(ctx context.Context, name, reason string) (*store.Capability, error) {
	return e.installer.Disable(ctx, name, reason)
}

// AddDependency records that name depends on dependsOn.
func (e *Engine) AddDependency(ctx context.Context, name, dependsOn string, typ lifecycle.DependencyType) error {
	if typ != "" {
		if err := lifecycle.ValidateDependencyType(typ); err != nil {
			return err
		}
	}
	return e.installer.AddDependency(ctx, name, dependsOn, typ)
}

// RemoveDependency deletes the edge name → dependsOn.
func (e *Engine) RemoveDependency(ctx context.Context, name, dependsOn string) error {
	return e.installer.RemoveDependency(ctx, name, dependsOn)
}

// ─── Status ──────────────────────────────────────────────────────────────────

// Status is the overview shown by the status command.
type Status struct {
	Observations int                              `json:"observations"`
	Unprocessed  int                              `json:"unprocessed"`
	Gaps         map[lifecycle.GapStatus]int      `json:"gaps"`
	Proposals    map[lifecycle.ProposalStatus]int `json:"proposals"`
	Capabilities int                              `json:"active_capabilities"`
	MetaPending  int                              `json:"pending_meta_proposals"`
	Definitions  *rules.SyncResult                `json:"definitions,omitempty"`
	DataDir      string                           `json:"data_dir"`
	InstallRoot  string                           `json:"install_root"`
}

// Status collects counters across every entity.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st := &Status{Definitions: e.LastSync(), DataDir: e.cfg.DataDir, InstallRoot: e.cfg.InstallRoot}
	var err error
	if st.Observations, st.Unprocessed, err = e.store.CountObservations(ctx); err != nil {
		return nil, err
	}
	if st.Gaps, err = e.store.CountGapsByStatus(ctx); err != nil {
		return nil, err
	}
	if st.Proposals, err = e.store.CountProposalsByStatus(ctx); err != nil {
		return nil, err
	}
	active, err := e.store.ListCapabilities(ctx, lifecycle.CapabilityActive)
	if err != nil {
		return nil, err
	}
	st.Capabilities = len(active)
	pending, err := e.store.ListMetaProposals(ctx, lifecycle.MetaPending)
	if err != nil {
		return nil, err
	}
	st.MetaPending = len(pending)
	return st, nil
}

// MetaStatus is the meta-status output.
type MetaStatus struct {
	Report *meta.Report `json:"report,omitempty"`
	Status *meta.Status `json:"status"`
}

// MetaStatus reports meta-proposals and observations, running an analysis
// first when analyze is set.
func (e *Engine) MetaStatus(ctx context.Context, analyze bool) (*MetaStatus, error) {
	out := &MetaStatus{}
	if analyze {
		rep, err := e.meta.Analyze(ctx)
		if err != nil {
			return nil, err
		}
		out.Report = rep
	}
	st, err := e.meta.Status(ctx)
	if err != nil {
		return nil, err
	}
	out.Status = st
	return out, nil
}
