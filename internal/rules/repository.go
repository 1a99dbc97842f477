package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/HendryAvila/homunculus/internal/store"
)

// Dirs are the directories definitions are read from.
type Dirs struct {
	Rules     string
	Templates string
	MetaRules string
}

// SyncResult summarizes publishing the definition directories.
type SyncResult struct {
	Inserted    int          `json:"inserted"`
	Unchanged   int          `json:"unchanged"`
	Disabled    int          `json:"disabled"`
	MetaRules   int          `json:"meta_rules"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// LoadedRule is a current, enabled rule as stored.
type LoadedRule struct {
	*Rule
	Order int
}

// LoadedTemplate is a current, enabled template as stored.
type LoadedTemplate struct {
	*Template
	Order int
}

// Repository publishes definitions from disk into the store and serves the
// current versions back to the detector and synthesizer.
type Repository struct {
	store    *store.Store
	dirs     Dirs
	defaults RuleDefaults
	log      zerolog.Logger

	mu        sync.RWMutex
	metaRules []*MetaRule
}

// NewRepository creates a Repository.
func NewRepository(s *store.Store, dirs Dirs, log zerolog.Logger) *Repository {
	return &Repository{
		store:    s,
		dirs:     dirs,
		defaults: BuiltinRuleDefaults,
		log:      log.With().Str("component", "rules").Logger(),
	}
}

// WithDefaults sets the defaults applied to rules that leave fields unset.
// Zero fields keep the built-in value.
func (r *Repository) WithDefaults(d RuleDefaults) *Repository {
	if d.BaseConfidence > 0 {
		r.defaults.BaseConfidence = d.BaseConfidence
	}
	if d.Boost > 0 {
		r.defaults.Boost = d.Boost
	}
	if d.MinConfidence > 0 {
		r.defaults.MinConfidence = d.MinConfidence
	}
	if d.AutoSynthesize > 0 {
		r.defaults.AutoSynthesize = d.AutoSynthesize
	}
	return r
}

// Dirs returns the directories the repository reads.
func (r *Repository) Dirs() Dirs { return r.dirs }

// Sync publishes every rule and template document as an immutable version
// and reloads meta-rules. Documents that fail to parse but still carry an
// id are published disabled, so the broken version is visible and never
// evaluated. A changed document that reuses a published version is refused
// with a diagnostic.
func (r *Repository) Sync(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}

	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := r.publishDir(ctx, tx, store.KindRule, r.dirs.Rules, res); err != nil {
			return err
		}
		return r.publishDir(ctx, tx, store.KindTemplate, r.dirs.Templates, res)
	})
	if err != nil {
		return nil, err
	}

	metas, diags, err := r.loadMetaRules()
	if err != nil {
		return nil, err
	}
	res.Diagnostics = append(res.Diagnostics, diags...)
	res.MetaRules = len(metas)

	r.mu.Lock()
	r.metaRules = metas
	r.mu.Unlock()

	for _, d := range res.Diagnostics {
		r.log.Warn().Str("source", d.Source).Str("id", d.ID).Msg(d.Message)
	}
	r.log.Info().
		Int("inserted", res.Inserted).
		Int("unchanged", res.Unchanged).
		Int("disabled", res.Disabled).
		Int("meta_rules", res.MetaRules).
		Msg("definitions synced")
	return res, nil
}

func (r *Repository) publishDir(ctx context.Context, tx *store.Tx, kind store.DefinitionKind, dir string, res *SyncResult) error {
	docs, diags, err := LoadDir(dir)
	if err != nil {
		return err
	}
	res.Diagnostics = append(res.Diagnostics, diags...)

	for _, doc := range docs {
		def := &store.Definition{
			Kind:          kind,
			Body:          doc.Body,
			Source:        doc.Source,
			DeclaredOrder: doc.Order,
			Enabled:       true,
		}

		var parseErr error
		switch kind {
		case store.KindRule:
			rule, err := ParseRuleWith([]byte(doc.Body), r.defaults)
			if err == nil {
				def.ID, def.Version, def.Category, def.Enabled = rule.ID, rule.Version, string(rule.GapType), rule.Enabled
			}
			parseErr = err
		case store.KindTemplate:
			tpl, err := ParseTemplate([]byte(doc.Body))
			if err == nil {
				def.ID, def.Version, def.Category, def.Enabled = tpl.ID, tpl.Version, string(tpl.OutputType), tpl.Enabled
			}
			parseErr = err
		}

		if parseErr != nil {
			h := readHeader([]byte(doc.Body))
			res.Diagnostics = append(res.Diagnostics, Diagnostic{Source: doc.Source, ID: h.ID, Message: parseErr.Error()})
			if h.ID == "" {
				continue
			}
			def.ID, def.Version, def.Enabled = h.ID, h.Version, false
			def.Category = h.Type
			if kind == store.KindTemplate {
				def.Category = h.Output
			}
			res.Disabled++
		}

		out, err := tx.PublishDefinition(ctx, def)
		if errors.Is(err, store.ErrDefinitionConflict) {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				Source:  doc.Source,
				ID:      def.ID,
				Message: fmt.Sprintf("version %d is already published with different content; bump the version", def.Version),
			})
			continue
		}
		if err != nil {
			return err
		}
		if out == store.PublishInserted {
			res.Inserted++
		} else {
			res.Unchanged++
		}
	}
	return nil
}

func (r *Repository) loadMetaRules() ([]*MetaRule, []Diagnostic, error) {
	docs, diags, err := LoadDir(r.dirs.MetaRules)
	if err != nil {
		return nil, nil, err
	}
	var out []*MetaRule
	for _, doc := range docs {
		m, err := ParseMetaRule([]byte(doc.Body))
		if err != nil {
			diags = append(diags, Diagnostic{Source: doc.Source, ID: readHeader([]byte(doc.Body)).ID, Message: err.Error()})
			continue
		}
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out, diags, nil
}

// Rules returns the current, enabled detector rules in declaration order.
// Stored bodies that no longer parse are returned as diagnostics.
func (r *Repository) Rules(ctx context.Context) ([]LoadedRule, []Diagnostic, error) {
	defs, err := r.store.CurrentDefinitions(ctx, store.KindRule)
	if err != nil {
		return nil, nil, err
	}
	var (
		out   []LoadedRule
		diags []Diagnostic
	)
	for _, d := range defs {
		if !d.Enabled {
			continue
		}
		rule, err := ParseRuleWith([]byte(d.Body), r.defaults)
		if err != nil {
			diags = append(diags, Diagnostic{Source: d.Source, ID: d.ID, Message: err.Error()})
			continue
		}
		// The stored row is authoritative for identity.
		rule.ID, rule.Version = d.ID, d.Version
		out = append(out, LoadedRule{Rule: rule, Order: d.DeclaredOrder})
	}
	return out, diags, nil
}

// Rule returns a specific stored rule version, enabled or not.
func (r *Repository) Rule(ctx context.Context, id string, version int) (*Rule, error) {
	d, err := r.store.GetDefinition(ctx, store.KindRule, id, version)
	if err != nil {
		return nil, err
	}
	rule, err := ParseRuleWith([]byte(d.Body), r.defaults)
	if err != nil {
		return nil, fmt.Errorf("rules: stored rule %s v%d: %w", id, version, err)
	}
	rule.ID, rule.Version = d.ID, d.Version
	return rule, nil
}

// Template returns a specific stored template version.
func (r *Repository) Template(ctx context.Context, id string, version int) (*Template, error) {
	d, err := r.store.GetDefinition(ctx, store.KindTemplate, id, version)
	if err != nil {
		return nil, err
	}
	tpl, err := ParseTemplate([]byte(d.Body))
	if err != nil {
		return nil, fmt.Errorf("rules: stored template %s v%d: %w", id, version, err)
	}
	tpl.ID, tpl.Version = d.ID, d.Version
	return tpl, nil
}

// Templates returns the current, enabled templates in declaration order.
func (r *Repository) Templates(ctx context.Context) ([]LoadedTemplate, []Diagnostic, error) {
	defs, err := r.store.CurrentDefinitions(ctx, store.KindTemplate)
	if err != nil {
		return nil, nil, err
	}
	var (
		out   []LoadedTemplate
		diags []Diagnostic
	)
	for _, d := range defs {
		if !d.Enabled {
			continue
		}
		tpl, err := ParseTemplate([]byte(d.Body))
		if err != nil {
			diags = append(diags, Diagnostic{Source: d.Source, ID: d.ID, Message: err.Error()})
			continue
		}
		tpl.ID, tpl.Version = d.ID, d.Version
		out = append(out, LoadedTemplate{Template: tpl, Order: d.DeclaredOrder})
	}
	return out, diags, nil
}

// MetaRules returns the meta-rules loaded by the last Sync.
func (r *Repository) MetaRules() []*MetaRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*MetaRule(nil), r.metaRules...)
}

// PatchDefinition publishes a new version of the current definition id with
// top-level fields replaced by changes, and makes it current. The previous
// version stays stored unchanged. It returns the new version.
func PatchDefinition(ctx context.Context, tx *store.Tx, kind store.DefinitionKind, id string, changes map[string]any, source string) (int, error) {
	cur, err := tx.CurrentDefinition(ctx, kind, id)
	if err != nil {
		return 0, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(cur.Body), &doc); err != nil {
		return 0, fmt.Errorf("rules: decode %s %s v%d: %w", kind, id, cur.Version, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	for k, v := range changes {
		if k == "id" || k == "version" {
			continue
		}
		doc[k] = v
	}

	next, err := tx.NextVersion(ctx, kind, id)
	if err != nil {
		return 0, err
	}
	doc["version"] = next
	body, err := yaml.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("rules: encode %s %s: %w", kind, id, err)
	}

	def := &store.Definition{
		Kind: kind, ID: id, Version: next, Body: string(body), Source: source,
		DeclaredOrder: cur.DeclaredOrder,
	}
	switch kind {
	case store.KindRule:
		rule, err := ParseRule(body)
		if err != nil {
			return 0, fmt.Errorf("rules: patched rule invalid: %w", err)
		}
		def.Category, def.Enabled = string(rule.GapType), rule.Enabled
	case store.KindTemplate:
		tpl, err := ParseTemplate(body)
		if err != nil {
			return 0, fmt.Errorf("rules: patched template invalid: %w", err)
		}
		def.Category, def.Enabled = string(tpl.OutputType), tpl.Enabled
	}

	if _, err := tx.PublishDefinition(ctx, def); err != nil {
		return 0, err
	}
	if err := tx.SetCurrent(ctx, kind, id, next); err != nil {
		return 0, err
	}
	return next, nil
}
