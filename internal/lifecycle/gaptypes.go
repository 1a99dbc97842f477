package lifecycle

import (
	"fmt"
	"sort"
	"strings"
)

// GapType is one of the fixed categories of capability deficiency.
type GapType string

const (
	GapTool          GapType = "tool"
	GapKnowledge     GapType = "knowledge"
	GapWorkflow      GapType = "workflow"
	GapIntegration   GapType = "integration"
	GapContext       GapType = "context"
	GapPermission    GapType = "permission"
	GapQuality       GapType = "quality"
	GapSpeed         GapType = "speed"
	GapCommunication GapType = "communication"
	GapRecovery      GapType = "recovery"
	GapReasoning     GapType = "reasoning"
	GapVerification  GapType = "verification"
	GapDiscovery     GapType = "discovery"
	GapLearning      GapType = "learning"
	GapEvolution     GapType = "evolution"
	GapSelfAwareness GapType = "self_awareness"
)

// GapTypeInfo describes one gap type.
type GapTypeInfo struct {
	Type            GapType
	Description     string
	DefaultScope    Scope
	Priority        Priority
	CapabilityTypes []CapabilityType // preference order
}

var gapCatalog = map[GapType]GapTypeInfo{
	GapTool: {GapTool, "Missing tool or integration capability", ScopeGlobal, PriorityHigh,
		[]CapabilityType{TypeSkill, TypeMCPServer, TypeHook}},
	GapKnowledge: {GapKnowledge, "Missing codebase or domain knowledge", ScopeProject, PriorityMedium,
		[]CapabilityType{TypeSkill}},
	GapWorkflow: {GapWorkflow, "Inefficient multi-step process", ScopeGlobal, PriorityMedium,
		[]CapabilityType{TypeCommand, TypeSkill, TypeAgent}},
	GapIntegration: {GapIntegration, "Two systems don't connect properly", ScopeProject, PriorityMedium,
		[]CapabilityType{TypeMCPServer, TypeSkill}},
	GapContext: {GapContext, "Lost context between sessions or tasks", ScopeProject, PriorityMedium,
		[]CapabilityType{TypeSkill, TypeHook}},
	GapPermission: {GapPermission, "Blocked by approval or permission requirements", ScopeGlobal, PriorityLow,
		[]CapabilityType{TypeHook}},
	GapQuality: {GapQuality, "Repeated mistakes or quality issues", ScopeGlobal, PriorityHigh,
		[]CapabilityType{TypeHook, TypeSkill}},
	GapSpeed: {GapSpeed, "Task takes too long or too many turns", ScopeGlobal, PriorityMedium,
		[]CapabilityType{TypeAgent, TypeSkill}},
	GapCommunication: {GapCommunication, "Misunderstandings or unclear communication", ScopeSession, PriorityLow,
		[]CapabilityType{TypeSkill}},
	GapRecovery: {GapRecovery, "Can't recover from errors or failures", ScopeGlobal, PriorityHigh,
		[]CapabilityType{TypeSkill, TypeHook}},
	GapReasoning: {GapReasoning, "Struggles with specific problem types", ScopeGlobal, PriorityMedium,
		[]CapabilityType{TypeAgent, TypeSkill}},
	GapVerification: {GapVerification, "Can't verify if solution works", ScopeProject, PriorityMedium,
		[]CapabilityType{TypeSkill, TypeHook}},
	GapDiscovery: {GapDiscovery, "Didn't know a capability existed", ScopeGlobal, PriorityLow,
		[]CapabilityType{TypeSkill}},
	GapLearning: {GapLearning, "Not capturing useful patterns", ScopeGlobal, PriorityLow,
		[]CapabilityType{TypeHook, TypeSkill}},
	GapEvolution: {GapEvolution, "Evolution system itself needs improvement", ScopeGlobal, PriorityMedium,
		[]CapabilityType{TypeSkill}},
	GapSelfAwareness: {GapSelfAwareness, "Unknown unknowns - gaps in self-knowledge", ScopeGlobal, PriorityLow,
		[]CapabilityType{TypeSkill, TypeAgent}},
}

// ValidateGapType returns an error if t is not in the catalog.
func ValidateGapType(t GapType) error {
	if _, ok := gapCatalog[t]; !ok {
		return fmt.Errorf("invalid gap type %q: must be one of: %s", t, strings.Join(gapTypeNames(), ", "))
	}
	return nil
}

// LookupGapType returns the catalog entry for t. Unknown types get a
// generic global/medium/skill entry so callers never need a nil check.
func LookupGapType(t GapType) GapTypeInfo {
	if info, ok := gapCatalog[t]; ok {
		return info
	}
	return GapTypeInfo{
		Type:            t,
		Description:     "Unknown gap type",
		DefaultScope:    ScopeGlobal,
		Priority:        PriorityMedium,
		CapabilityTypes: []CapabilityType{TypeSkill},
	}
}

// GapTypes returns every catalog entry sorted by name.
func GapTypes() []GapTypeInfo {
	out := make([]GapTypeInfo, 0, len(gapCatalog))
	for _, name := range gapTypeNames() {
		out = append(out, gapCatalog[GapType(name)])
	}
	return out
}

func gapTypeNames() []string {
	names := make([]string, 0, len(gapCatalog))
	for t := range gapCatalog {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}
