package lifecycle

// --- Transition tables ---
//
// Each table lists, per source status, the statuses it may move to. A status
// absent from the keys is terminal. No table contains an edge back into a
// status that was already left, so every path through it is monotonic.

var gapTransitions = map[GapStatus][]GapStatus{
	GapPending:      {GapSynthesizing, GapDismissed},
	GapSynthesizing: {GapProposed},
	GapProposed:     {GapRejected, GapResolved},
}

var proposalTransitions = map[ProposalStatus][]ProposalStatus{
	ProposalPending:   {ProposalApproved, ProposalRejected},
	ProposalApproved:  {ProposalInstalled},
	ProposalInstalled: {ProposalRolledBack},
}

var capabilityTransitions = map[CapabilityStatus][]CapabilityStatus{
	CapabilityActive: {CapabilityDisabled, CapabilityRolledBack},
}

var metaTransitions = map[MetaStatus][]MetaStatus{
	MetaPending:  {MetaApproved, MetaRejected},
	MetaApproved: {MetaApplied},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionGap reports whether a gap may move from one status to another.
func CanTransitionGap(from, to GapStatus) bool { return allowed(gapTransitions, from, to) }

// CanTransitionProposal reports whether a proposal may move between statuses.
func CanTransitionProposal(from, to ProposalStatus) bool {
	return allowed(proposalTransitions, from, to)
}

// CanTransitionCapability reports whether a capability may move between statuses.
func CanTransitionCapability(from, to CapabilityStatus) bool {
	return allowed(capabilityTransitions, from, to)
}

// CanTransitionMeta reports whether a meta-proposal may move between statuses.
func CanTransitionMeta(from, to MetaStatus) bool { return allowed(metaTransitions, from, to) }

// CheckGap returns a *TransitionError when the gap transition is illegal.
func CheckGap(id string, from, to GapStatus) error {
	if !CanTransitionGap(from, to) {
		return &TransitionError{Entity: EntityGap, ID: id, From: string(from), To: string(to)}
	}
	return nil
}

// CheckProposal returns a *TransitionError when the proposal transition is illegal.
func CheckProposal(id string, from, to ProposalStatus) error {
	if !CanTransitionProposal(from, to) {
		return &TransitionError{Entity: EntityProposal, ID: id, From: string(from), To: string(to)}
	}
	return nil
}

// CheckCapability returns a *TransitionError when the capability transition is illegal.
func CheckCapability(id string, from, to CapabilityStatus) error {
	if !CanTransitionCapability(from, to) {
		return &TransitionError{Entity: EntityCapability, ID: id, From: string(from), To: string(to)}
	}
	return nil
}

// CheckMeta returns a *TransitionError when the meta-proposal transition is illegal.
func CheckMeta(id string, from, to MetaStatus) error {
	if !CanTransitionMeta(from, to) {
		return &TransitionError{Entity: EntityMetaProposal, ID: id, From: string(from), To: string(to)}
	}
	return nil
}

// IsTerminalGap reports whether no transition leaves s.
func IsTerminalGap(s GapStatus) bool { return len(gapTransitions[s]) == 0 }

// IsTerminalProposal reports whether no transition leaves s.
func IsTerminalProposal(s ProposalStatus) bool { return len(proposalTransitions[s]) == 0 }
