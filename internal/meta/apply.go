package meta

import (
	"context"
	"fmt"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/rules"
	"github.com/HendryAvila/homunculus/internal/store"
)

// Apply carries out an approved meta-proposal and marks it applied.
//
// Rule and template patches publish version v+1 of the target and make it
// current; v stays stored unchanged. Deprecations disable the capability.
// Configuration changes and new gap types are acknowledged only.
func (a *Analyzer) Apply(ctx context.Context, id string) (*store.MetaProposal, error) {
	m, err := a.store.GetMetaProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != lifecycle.MetaApproved {
		return nil, &lifecycle.TransitionError{
			Entity: lifecycle.EntityMetaProposal, ID: m.ID, From: string(m.Status), To: string(lifecycle.MetaApplied),
		}
	}
	if m.TargetKind == lifecycle.SubjectMeta {
		return nil, lifecycle.ErrMetaSelfTarget
	}

	if m.Type == lifecycle.MetaDeprecate {
		if a.disabler == nil {
			return nil, fmt.Errorf("meta: apply %s: no capability disabler configured", m.ID)
		}
		c, err := a.store.GetCapabilityByName(ctx, m.TargetID)
		if err != nil {
			return nil, fmt.Errorf("meta: apply %s: %w", m.ID, err)
		}
		// A retry after a failed status update finds the capability disabled.
		if c.Status != lifecycle.CapabilityDisabled {
			if _, err := a.disabler.Disable(ctx, m.TargetID, "deprecated by "+m.ID); err != nil {
				return nil, fmt.Errorf("meta: apply %s: %w", m.ID, err)
			}
		}
	}

	err = a.store.WithTx(ctx, func(tx *store.Tx) error {
		extra := []store.Assign{}
		if kind, ok := definitionKind(m.Type); ok {
			v, err := rules.PatchDefinition(ctx, tx, kind, m.TargetID, m.Changes, "meta:"+m.ID)
			if err != nil {
				return err
			}
			extra = append(extra, store.Assign{Column: "result_version", Value: v})
		}
		if err := tx.TransitionMeta(ctx, m.ID, lifecycle.MetaApplied, extra...); err != nil {
			return err
		}
		if m.MetaObservationID != "" {
			return tx.SetMetaObservationStatus(ctx, m.MetaObservationID, statusApplied)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("meta: apply %s: %w", m.ID, err)
	}

	applied, err := a.store.GetMetaProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	a.log.Info().
		Str("meta_proposal_id", applied.ID).
		Str("type", string(applied.Type)).
		Str("target", applied.TargetID).
		Int("result_version", applied.ResultVersion).
		Msg("meta-proposal applied")
	return applied, nil
}
