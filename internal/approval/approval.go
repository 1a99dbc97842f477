// Package approval is the human decision point of the lifecycle: proposals
// and meta-proposals are approved or rejected here, and gaps dismissed.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/homunculus/internal/installer"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/store"
)

// MetaPrefix marks meta-proposal ids.
const MetaPrefix = "meta-"

// IsMetaID reports whether id names a meta-proposal.
func IsMetaID(id string) bool { return strings.HasPrefix(id, MetaPrefix) }

// Installer applies approved proposals.
type Installer interface {
	Install(ctx context.Context, proposalID string) (*installer.Result, error)
}

// MetaApplier applies approved meta-proposals.
type MetaApplier interface {
	Apply(ctx context.Context, id string) (*store.MetaProposal, error)
}

// ErrMetaUnavailable is returned for meta-proposal ids when no applier is
// configured.
var ErrMetaUnavailable = errors.New("meta-analyzer is not configured")

// Gateway records decisions and hands approved work on.
type Gateway struct {
	store     *store.Store
	installer Installer
	meta      MetaApplier
	log       zerolog.Logger
}

// New creates a Gateway.
func New(s *store.Store, inst Installer, log zerolog.Logger) *Gateway {
	return &Gateway{store: s, installer: inst, log: log.With().Str("component", "approval").Logger()}
}

// WithMeta enables meta-proposal handling.
func (g *Gateway) WithMeta(m MetaApplier) *Gateway {
	g.meta = m
	return g
}

// Decision is the outcome of approving or rejecting.
type Decision struct {
	Proposal  *store.Proposal     `json:"proposal,omitempty"`
	Meta      *store.MetaProposal `json:"meta_proposal,omitempty"`
	Install   *installer.Result   `json:"install,omitempty"`
	GapStatus lifecycle.GapStatus `json:"gap_status,omitempty"`
}

// ─── Approve ─────────────────────────────────────────────────────────────────

// Approve moves a pending proposal to approved, commits, and installs it.
// When the install fails the proposal stays approved, the error is
// returned alongside the decision and nothing is retried; Install is the
// explicit retry. Meta-proposal ids are approved and applied.
func (g *Gateway) Approve(ctx context.Context, id string) (*Decision, error) {
	if IsMetaID(id) {
		return g.approveMeta(ctx, id)
	}

	err := g.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.TransitionProposal(ctx, id, lifecycle.ProposalApproved,
			store.Assign{Column: "reviewed_at", Value: lifecycle.Now()}); err != nil {
			return err
		}
		return tx.AddFeedback(ctx, store.FeedbackEntry{
			EntityKind: lifecycle.EntityProposal, EntityID: id, Action: store.FeedbackApprove,
		})
	})
	if err != nil {
		return nil, err
	}
	g.log.Info().Str("proposal_id", id).Msg("proposal approved")

	return g.install(ctx, id)
}

// Install retries installation of an approved proposal.
func (g *Gateway) Install(ctx context.Context, id string) (*Decision, error) {
	if IsMetaID(id) {
		return g.applyMeta(ctx, id)
	}
	return g.install(ctx, id)
}

func (g *Gateway) install(ctx context.Context, id string) (*Decision, error) {
	res, installErr := g.installer.Install(ctx, id)
	p, err := g.store.GetProposal(ctx, id)
	if err != nil {
		if installErr != nil {
			return nil, fmt.Errorf("approval: install %s: %w", id, errors.Join(installErr, err))
		}
		return nil, err
	}
	d := &Decision{Proposal: p, Install: res}
	if gap, err := g.store.GetGap(ctx, p.GapID); err == nil {
		d.GapStatus = gap.Status
	}
	if installErr != nil {
		g.log.Error().Err(installErr).Str("proposal_id", id).Msg("install failed; proposal stays approved")
		return d, fmt.Errorf("approval: install %s: %w", id, installErr)
	}
	return d, nil
}

// ─── Reject / dismiss ────────────────────────────────────────────────────────

// Reject records a rejection with a categorized reason. When the gap has no
// other open proposal it is marked rejected too.
func (g *Gateway) Reject(ctx context.Context, id, reason, detail string) (*Decision, error) {
	r, err := lifecycle.ParseRejectionReason(reason)
	if err != nil {
		return nil, err
	}
	if IsMetaID(id) {
		return g.rejectMeta(ctx, id, r, detail)
	}

	d := &Decision{}
	err = g.store.WithTx(ctx, func(tx *store.Tx) error {
		p, err := tx.GetProposal(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.TransitionProposal(ctx, id, lifecycle.ProposalRejected,
			store.Assign{Column: "reviewed_at", Value: lifecycle.Now()},
			store.Assign{Column: "rejection_reason", Value: string(r)},
			store.Assign{Column: "rejection_detail", Value: detail},
		); err != nil {
			return err
		}
		if err := tx.AddFeedback(ctx, store.FeedbackEntry{
			EntityKind: lifecycle.EntityProposal, EntityID: id, Action: store.FeedbackReject,
			Reason: string(r), Detail: detail,
		}); err != nil {
			return err
		}

		open, err := tx.OpenProposalCount(ctx, p.GapID, id)
		if err != nil {
			return err
		}
		gap, err := tx.GetGap(ctx, p.GapID)
		if err != nil {
			return err
		}
		d.GapStatus = gap.Status
		if open == 0 && gap.Status == lifecycle.GapProposed {
			if err := tx.TransitionGap(ctx, gap.ID, lifecycle.GapRejected); err != nil {
				return err
			}
			d.GapStatus = lifecycle.GapRejected
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if d.Proposal, err = g.store.GetProposal(ctx, id); err != nil {
		return nil, err
	}
	g.log.Info().
		Str("proposal_id", id).
		Str("reason", string(r)).
		Str("gap_status", string(d.GapStatus)).
		Msg("proposal rejected")
	return d, nil
}

// DismissGap closes a pending gap without synthesizing it.
func (g *Gateway) DismissGap(ctx context.Context, id, reason string) (*store.Gap, error) {
	err := g.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.TransitionGap(ctx, id, lifecycle.GapDismissed,
			store.Assign{Column: "dismissed_at", Value: lifecycle.Now()},
			store.Assign{Column: "dismiss_reason", Value: reason},
		); err != nil {
			return err
		}
		return tx.AddFeedback(ctx, store.FeedbackEntry{
			EntityKind: lifecycle.EntityGap, EntityID: id, Action: store.FeedbackDismiss, Reason: reason,
		})
	})
	if err != nil {
		return nil, err
	}
	g.log.Info().Str("gap_id", id).Str("reason", reason).Msg("gap dismissed")
	return g.store.GetGap(ctx, id)
}

// ─── Meta-proposals ──────────────────────────────────────────────────────────

func (g *Gateway) approveMeta(ctx context.Context, id string) (*Decision, error) {
	if g.meta == nil {
		return nil, ErrMetaUnavailable
	}
	err := g.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.TransitionMeta(ctx, id, lifecycle.MetaApproved,
			store.Assign{Column: "reviewed_at", Value: lifecycle.Now()}); err != nil {
			return err
		}
		return tx.AddFeedback(ctx, store.FeedbackEntry{
			EntityKind: lifecycle.EntityMetaProposal, EntityID: id, Action: store.FeedbackMetaApprove,
		})
	})
	if err != nil {
		return nil, err
	}
	return g.applyMeta(ctx, id)
}

func (g *Gateway) applyMeta(ctx context.Context, id string) (*Decision, error) {
	if g.meta == nil {
		return nil, ErrMetaUnavailable
	}
	m, applyErr := g.meta.Apply(ctx, id)
	if applyErr != nil {
		cur, err := g.store.GetMetaProposal(ctx, id)
		if err != nil {
			return nil, applyErr
		}
		g.log.Error().Err(applyErr).Str("meta_proposal_id", id).Msg("meta-proposal apply failed; stays approved")
		return &Decision{Meta: cur}, fmt.Errorf("approval: apply %s: %w", id, applyErr)
	}
	return &Decision{Meta: m}, nil
}

func (g *Gateway) rejectMeta(ctx context.Context, id string, r lifecycle.RejectionReason, detail string) (*Decision, error) {
	reason := string(r)
	if detail != "" {
		reason += ": " + detail
	}
	err := g.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.TransitionMeta(ctx, id, lifecycle.MetaRejected,
			store.Assign{Column: "reviewed_at", Value: lifecycle.Now()},
			store.Assign{Column: "rejection_reason", Value: reason},
		); err != nil {
			return err
		}
		return tx.AddFeedback(ctx, store.FeedbackEntry{
			EntityKind: lifecycle.EntityMetaProposal, EntityID: id, Action: store.FeedbackMetaReject,
			Reason: string(r), Detail: detail,
		})
	})
	if err != nil {
		return nil, err
	}
	m, err := g.store.GetMetaProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	g.log.Info().Str("meta_proposal_id", id).Str("reason", reason).Msg("meta-proposal rejected")
	return &Decision{Meta: m}, nil
}
