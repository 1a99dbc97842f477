// Package lifecycle defines the status model of the gap lifecycle engine.
//
// Every persisted entity (gap, proposal, capability, meta-proposal) carries a
// string-typed status. This package owns the enumerations, the legal
// transition tables, and the typed errors returned when a caller asks for a
// transition the table does not allow. Persistence lives in internal/store;
// this package has no I/O.
package lifecycle

import (
	"fmt"
	"strings"
)

// --- Gap status ---

// GapStatus is the state of a detected gap.
type GapStatus string

const (
	GapPending      GapStatus = "pending"
	GapSynthesizing GapStatus = "synthesizing"
	GapProposed     GapStatus = "proposed"
	GapDismissed    GapStatus = "dismissed"
	GapRejected     GapStatus = "rejected"
	GapResolved     GapStatus = "resolved"
)

// OpenGapStatuses are the statuses of gaps that still await a decision.
var OpenGapStatuses = []GapStatus{GapPending, GapSynthesizing, GapProposed}

// --- Proposal status ---

// ProposalStatus is the state of a synthesized proposal.
type ProposalStatus string

const (
	ProposalPending    ProposalStatus = "pending"
	ProposalApproved   ProposalStatus = "approved"
	ProposalInstalled  ProposalStatus = "installed"
	ProposalRejected   ProposalStatus = "rejected"
	ProposalRolledBack ProposalStatus = "rolled_back"
)

// --- Capability status ---

// CapabilityStatus is the state of an installed capability.
type CapabilityStatus string

const (
	CapabilityActive     CapabilityStatus = "active"
	CapabilityDisabled   CapabilityStatus = "disabled"
	CapabilityRolledBack CapabilityStatus = "rolled_back"
)

// --- Meta-proposal status ---

// MetaStatus is the state of a meta-proposal.
type MetaStatus string

const (
	MetaPending  MetaStatus = "pending"
	MetaApproved MetaStatus = "approved"
	MetaApplied  MetaStatus = "applied"
	MetaRejected MetaStatus = "rejected"
)

// --- Capability types ---

// CapabilityType is the kind of artifact a proposal installs.
type CapabilityType string

const (
	TypeSkill     CapabilityType = "skill"
	TypeHook      CapabilityType = "hook"
	TypeAgent     CapabilityType = "agent"
	TypeCommand   CapabilityType = "command"
	TypeMCPServer CapabilityType = "mcp_server"
)

var validCapabilityTypes = map[CapabilityType]bool{
	TypeSkill:     true,
	TypeHook:      true,
	TypeAgent:     true,
	TypeCommand:   true,
	TypeMCPServer: true,
}

// ValidateCapabilityType returns an error if t is not a known capability type.
func ValidateCapabilityType(t CapabilityType) error {
	if !validCapabilityTypes[t] {
		return fmt.Errorf("invalid capability type %q: must be one of: skill, hook, agent, command, mcp_server", t)
	}
	return nil
}

// InstallDir returns the directory, relative to the install root, that
// holds artifacts of type t.
func InstallDir(t CapabilityType) string {
	switch t {
	case TypeHook:
		return "evolved/hooks"
	case TypeAgent:
		return "evolved/agents"
	case TypeCommand:
		return "evolved/commands"
	case TypeMCPServer:
		return "evolved/mcp-servers"
	default:
		return "evolved/skills"
	}
}

// --- Scope ---

// Scope is the lifetime/visibility domain of a capability.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
)

var validScopes = map[Scope]bool{
	ScopeSession: true,
	ScopeProject: true,
	ScopeGlobal:  true,
}

// ValidateScope returns an error if s is not session, project or global.
func ValidateScope(s Scope) error {
	if !validScopes[s] {
		return fmt.Errorf("invalid scope %q: must be one of: session, project, global", s)
	}
	return nil
}

// --- Priority ---

// Priority orders gaps and rules for display.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

var validPriorities = map[Priority]bool{
	PriorityLow:    true,
	PriorityMedium: true,
	PriorityHigh:   true,
}

// ValidatePriority returns an error if p is not low, medium or high.
func ValidatePriority(p Priority) error {
	if !validPriorities[p] {
		return fmt.Errorf("invalid priority %q: must be one of: low, medium, high", p)
	}
	return nil
}

// --- Dependency type ---

// DependencyType classifies an edge of the capability dependency graph.
type DependencyType string

const (
	DependencyRequired  DependencyType = "required"
	DependencyOptional  DependencyType = "optional"
	DependencySuggested DependencyType = "suggested"
)

var validDependencyTypes = map[DependencyType]bool{
	DependencyRequired:  true,
	DependencyOptional:  true,
	DependencySuggested: true,
}

// ValidateDependencyType returns an error if d is not a known dependency type.
func ValidateDependencyType(d DependencyType) error {
	if !validDependencyTypes[d] {
		return fmt.Errorf("invalid dependency type %q: must be one of: required, optional, suggested", d)
	}
	return nil
}

// --- Rejection reasons ---

// RejectionReason categorizes why an operator rejected a proposal.
type RejectionReason string

const (
	ReasonNotNeeded  RejectionReason = "not_needed"
	ReasonIncorrect  RejectionReason = "incorrect"
	ReasonDuplicate  RejectionReason = "duplicate"
	ReasonTooComplex RejectionReason = "too_complex"
	ReasonOther      RejectionReason = "other"
)

// RejectionReasons lists the reasons in display order.
var RejectionReasons = []RejectionReason{
	ReasonNotNeeded, ReasonIncorrect, ReasonDuplicate, ReasonTooComplex, ReasonOther,
}

// ParseRejectionReason normalizes free text into a known reason.
// Empty input maps to ReasonOther.
func ParseRejectionReason(s string) (RejectionReason, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return ReasonOther, nil
	}
	s = strings.ReplaceAll(s, "-", "_")
	for _, r := range RejectionReasons {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("invalid rejection reason %q: must be one of: not_needed, incorrect, duplicate, too_complex, other", s)
}

// --- Meta-proposal types ---

// MetaProposalType is the kind of change a meta-proposal carries.
type MetaProposalType string

const (
	MetaRulePatch     MetaProposalType = "rule_patch"
	MetaTemplatePatch MetaProposalType = "template_patch"
	MetaNewGapType    MetaProposalType = "new_gap_type"
	MetaConfigChange  MetaProposalType = "config_change"
	MetaDeprecate     MetaProposalType = "deprecate"
)

// SubjectKind names what a meta-observation or meta-proposal is about.
type SubjectKind string

const (
	SubjectRule       SubjectKind = "detector_rule"
	SubjectTemplate   SubjectKind = "template"
	SubjectCapability SubjectKind = "capability"
	SubjectGapType    SubjectKind = "gap_type"
	SubjectWorkflow   SubjectKind = "workflow"
	SubjectMeta       SubjectKind = "meta_analyzer"
)

// --- Confidence ---

// Clamp bounds a confidence value to [0, 1].
func Clamp(c float64) float64 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
