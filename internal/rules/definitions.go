// Package rules holds the declarative definitions the engine runs on:
// detector rules, synthesis templates and meta-rules. Definitions are YAML
// documents; rules and templates are published into the store as immutable
// (id, version) rows with one current version per id.
package rules

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/store"
)

var validate = validator.New()

// Defaults applied when a rule leaves a field unset.
const (
	DefaultBaseConfidence = 0.3
	DefaultBoost          = 0.2
	DefaultMinConfidence  = 0.3
	DefaultAutoSynthesize = 0.6
)

// ─── Detector rules ──────────────────────────────────────────────────────────

// Rule is a detector rule.
type Rule struct {
	ID             string             `yaml:"id" validate:"required"`
	Version        int                `yaml:"version" validate:"gte=1"`
	GapType        lifecycle.GapType  `yaml:"gap_type" validate:"required"`
	Priority       lifecycle.Priority `yaml:"priority,omitempty"`
	Enabled        bool               `yaml:"enabled"`
	Description    string             `yaml:"description,omitempty"`
	BaseConfidence float64            `yaml:"base_confidence,omitempty" validate:"gte=0,lte=1"`
	MinConfidence  float64            `yaml:"min_confidence,omitempty" validate:"gte=0,lte=1"`
	AutoSynthesize float64            `yaml:"auto_synthesize,omitempty" validate:"gte=0,lte=1"`
	Triggers       []Trigger          `yaml:"triggers" validate:"required,min=1,dive"`
	ScopeInference []ScopeRule        `yaml:"scope_inference,omitempty" validate:"dive"`
}

// Trigger is one condition of a rule together with how much each matching
// observation adds to the confidence and how to phrase the desired capability.
type Trigger struct {
	Condition       Condition `yaml:"condition"`
	ConfidenceBoost float64   `yaml:"confidence_boost,omitempty" validate:"gte=0,lte=1"`
	Extract         Extract   `yaml:"extract,omitempty"`
}

// Extract says how to derive the desired capability: "field:<path>",
// "regex:<pattern>" or a literal phrase. Empty uses the built-in default.
type Extract struct {
	DesiredCapability string `yaml:"desired_capability,omitempty"`
}

// ScopeRule maps a condition or keyword to a scope. If "default" always matches.
type ScopeRule struct {
	If   string          `yaml:"if" validate:"required"`
	Then lifecycle.Scope `yaml:"then" validate:"required"`
}

// RuleDefaults fill rule fields a document leaves unset.
type RuleDefaults struct {
	BaseConfidence float64
	Boost          float64
	MinConfidence  float64
	AutoSynthesize float64
}

// BuiltinRuleDefaults are used when no configuration overrides them.
var BuiltinRuleDefaults = RuleDefaults{
	BaseConfidence: DefaultBaseConfidence,
	Boost:          DefaultBoost,
	MinConfidence:  DefaultMinConfidence,
	AutoSynthesize: DefaultAutoSynthesize,
}

// ParseRule decodes and validates a rule document, filling built-in defaults.
func ParseRule(body []byte) (*Rule, error) {
	return ParseRuleWith(body, BuiltinRuleDefaults)
}

// ParseRuleWith is ParseRule with explicit defaults.
func ParseRuleWith(body []byte, d RuleDefaults) (*Rule, error) {
	r := &Rule{Version: 1, Enabled: true}
	if err := decodeStrict(body, r); err != nil {
		return nil, err
	}
	if r.BaseConfidence == 0 {
		r.BaseConfidence = d.BaseConfidence
	}
	if r.MinConfidence == 0 {
		r.MinConfidence = d.MinConfidence
	}
	if r.AutoSynthesize == 0 {
		r.AutoSynthesize = d.AutoSynthesize
	}
	if r.Priority == "" {
		r.Priority = lifecycle.LookupGapType(r.GapType).Priority
	}
	for i := range r.Triggers {
		if r.Triggers[i].ConfidenceBoost == 0 {
			r.Triggers[i].ConfidenceBoost = d.Boost
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks structural constraints beyond the YAML shape.
func (r *Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}
	if err := lifecycle.ValidateGapType(r.GapType); err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}
	if err := lifecycle.ValidatePriority(r.Priority); err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}
	for i, t := range r.Triggers {
		if t.Condition.Expr == nil {
			return fmt.Errorf("rule %q: trigger %d has no condition", r.ID, i+1)
		}
	}
	for _, s := range r.ScopeInference {
		if err := lifecycle.ValidateScope(s.Then); err != nil {
			return fmt.Errorf("rule %q: scope rule %q: %w", r.ID, s.If, err)
		}
		if s.If != "default" && HasOperator(s.If) {
			if _, err := Parse(s.If); err != nil {
				return fmt.Errorf("rule %q: scope rule %q: %w", r.ID, s.If, err)
			}
		}
	}
	return nil
}

// ─── Synthesis templates ─────────────────────────────────────────────────────

// Template produces the files of a proposal for a gap.
type Template struct {
	ID           string                   `yaml:"id" validate:"required"`
	Version      int                      `yaml:"version" validate:"gte=1"`
	OutputType   lifecycle.CapabilityType `yaml:"output_type" validate:"required"`
	GapTypes     []lifecycle.GapType      `yaml:"gap_types,omitempty"`
	Enabled      bool                     `yaml:"enabled"`
	Description  string                   `yaml:"description,omitempty"`
	Files        []FileSkeleton           `yaml:"files" validate:"required,min=1,dive"`
	ConfigPatch  string                   `yaml:"config_patch,omitempty"`
	Dependencies []DependencySpec         `yaml:"dependencies,omitempty" validate:"dive"`
	Prompt       string                   `yaml:"prompt,omitempty"`
}

// FileSkeleton is a file the template renders.
type FileSkeleton struct {
	Path    string `yaml:"path" validate:"required"`
	Content string `yaml:"content"`
	Action  string `yaml:"action,omitempty" validate:"omitempty,oneof=create modify"`
}

// DependencySpec declares a capability the rendered one depends on.
type DependencySpec struct {
	Name string                   `yaml:"name" validate:"required"`
	Type lifecycle.DependencyType `yaml:"type,omitempty"`
}

// ParseTemplate decodes and validates a template document.
func ParseTemplate(body []byte) (*Template, error) {
	t := &Template{Version: 1, Enabled: true}
	if err := decodeStrict(body, t); err != nil {
		return nil, err
	}
	for i := range t.Files {
		if t.Files[i].Action == "" {
			t.Files[i].Action = store.ActionCreate
		}
	}
	for i := range t.Dependencies {
		if t.Dependencies[i].Type == "" {
			t.Dependencies[i].Type = lifecycle.DependencyRequired
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks structural constraints beyond the YAML shape.
func (t *Template) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("template %q: %w", t.ID, err)
	}
	if err := lifecycle.ValidateCapabilityType(t.OutputType); err != nil {
		return fmt.Errorf("template %q: %w", t.ID, err)
	}
	for _, g := range t.GapTypes {
		if err := lifecycle.ValidateGapType(g); err != nil {
			return fmt.Errorf("template %q: %w", t.ID, err)
		}
	}
	for _, d := range t.Dependencies {
		if err := lifecycle.ValidateDependencyType(d.Type); err != nil {
			return fmt.Errorf("template %q: dependency %q: %w", t.ID, d.Name, err)
		}
	}
	return nil
}

// Applies reports whether the template may serve a gap of type g. An empty
// applicable list means any type.
func (t *Template) Applies(g lifecycle.GapType) bool {
	if len(t.GapTypes) == 0 {
		return true
	}
	for _, x := range t.GapTypes {
		if x == g {
			return true
		}
	}
	return false
}

// ─── Meta-rules ──────────────────────────────────────────────────────────────

// MetaRule turns metrics about a subject into a meta-observation.
type MetaRule struct {
	ID              string                `yaml:"id" validate:"required"`
	Enabled         bool                  `yaml:"enabled"`
	Description     string                `yaml:"description,omitempty"`
	Subject         lifecycle.SubjectKind `yaml:"subject" validate:"required"`
	Conditions      []MetricCondition     `yaml:"conditions" validate:"required,min=1,dive"`
	MinSampleSize   int                   `yaml:"min_sample_size,omitempty" validate:"gte=0"`
	Confidence      float64               `yaml:"confidence,omitempty" validate:"gte=0,lte=1"`
	Recommendation  string                `yaml:"recommendation,omitempty"`
	ProposalType    string                `yaml:"proposal_type,omitempty"`
	ProposalChanges map[string]any        `yaml:"changes,omitempty"`
}

// MetricCondition compares one named metric with a value.
type MetricCondition struct {
	Metric   string  `yaml:"metric" validate:"required"`
	Operator string  `yaml:"operator" validate:"required,oneof=> >= < <= == !="`
	Value    float64 `yaml:"value"`
}

// Holds applies the condition to a metric value.
func (m MetricCondition) Holds(v float64) bool {
	switch m.Operator {
	case ">":
		return v > m.Value
	case ">=":
		return v >= m.Value
	case "<":
		return v < m.Value
	case "<=":
		return v <= m.Value
	case "==":
		return v == m.Value
	case "!=":
		return v != m.Value
	}
	return false
}

// ParseMetaRule decodes and validates a meta-rule document.
func ParseMetaRule(body []byte) (*MetaRule, error) {
	m := &MetaRule{Enabled: true, Confidence: 0.6}
	if err := decodeStrict(body, m); err != nil {
		return nil, err
	}
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("meta-rule %q: %w", m.ID, err)
	}
	switch m.Subject {
	case lifecycle.SubjectRule, lifecycle.SubjectTemplate, lifecycle.SubjectCapability,
		lifecycle.SubjectGapType, lifecycle.SubjectWorkflow:
	case lifecycle.SubjectMeta:
		return nil, fmt.Errorf("meta-rule %q: %w", m.ID, lifecycle.ErrMetaSelfTarget)
	default:
		return nil, fmt.Errorf("meta-rule %q: unknown subject %q", m.ID, m.Subject)
	}
	return m, nil
}

// decodeStrict rejects unknown keys so typos surface as diagnostics instead
// of silently disabling a field.
func decodeStrict(body []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(body))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// header is the minimal identity read from any definition, even a broken one.
type header struct {
	ID      string `yaml:"id"`
	Version int    `yaml:"version"`
	Type    string `yaml:"gap_type"`
	Output  string `yaml:"output_type"`
}

func readHeader(body []byte) header {
	var h header
	_ = yaml.Unmarshal(body, &h)
	h.ID = strings.TrimSpace(h.ID)
	if h.Version == 0 {
		h.Version = 1
	}
	return h
}
