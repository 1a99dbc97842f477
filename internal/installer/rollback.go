package installer

import (
	"context"
	"fmt"
	"os"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/store"
)

// RollbackResult lists what a rollback reversed, in the order it did so.
type RollbackResult struct {
	RolledBack []string `json:"rolled_back"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Rollback reverses an active capability. Active dependents that require
// it block the rollback unless cascade is set, in which case they are
// rolled back first (deepest dependents first). Optional and suggested
// dependents only produce warnings.
//
// The whole cascade is one transaction. The current state of every
// affected file is captured before anything is reverted, and put back if a
// revert or the commit fails.
func (in *Installer) Rollback(ctx context.Context, name string, cascade bool) (*RollbackResult, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	tx, err := in.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	c, err := tx.GetCapabilityByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if c.Status != lifecycle.CapabilityActive {
		return nil, &lifecycle.TransitionError{
			Entity: lifecycle.EntityCapability, ID: c.Name, From: string(c.Status), To: string(lifecycle.CapabilityRolledBack),
		}
	}

	res := &RollbackResult{}
	order, err := in.rollbackOrder(ctx, tx, c, cascade, res)
	if err != nil {
		return nil, err
	}

	snaps := make([]*Snapshot, len(order))
	var paths []string
	seen := map[string]bool{}
	for i, target := range order {
		if snaps[i], err = DecodeSnapshot(target.Snapshot); err != nil {
			return nil, err
		}
		for _, f := range snaps[i].Files {
			if !seen[f.Path] {
				seen[f.Path] = true
				paths = append(paths, f.Path)
			}
		}
		if err := markRolledBack(ctx, tx, target); err != nil {
			return nil, err
		}
	}

	backupID := store.NewID("rollback")
	current, err := in.capture(backupID, paths)
	defer os.RemoveAll(in.snapshotPath(backupID)) //nolint:errcheck
	if err != nil {
		return nil, err
	}

	for i, target := range order {
		warns, err := in.revert(snaps[i])
		res.Warnings = append(res.Warnings, warns...)
		if err != nil {
			in.putBack(current)
			return nil, &lifecycle.InstallError{Step: "restore", Path: target.Name, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		in.putBack(current)
		return nil, err
	}

	for _, target := range order {
		os.RemoveAll(in.snapshotPath(target.ID)) //nolint:errcheck
		res.RolledBack = append(res.RolledBack, target.Name)
		in.log.Info().Str("capability", target.Name).Str("capability_id", target.ID).Msg("capability rolled back")
	}
	for _, w := range res.Warnings {
		in.log.Warn().Str("capability", c.Name).Msg(w)
	}
	return res, nil
}

// rollbackOrder returns c and, with cascade, its transitive required
// dependents in reverse topological order.
func (in *Installer) rollbackOrder(ctx context.Context, tx *store.Tx, root *store.Capability, cascade bool, res *RollbackResult) ([]*store.Capability, error) {
	var (
		order   []*store.Capability
		visited = map[string]bool{}
	)
	var visit func(c *store.Capability) error
	visit = func(c *store.Capability) error {
		if visited[c.ID] {
			return nil
		}
		visited[c.ID] = true

		deps, err := tx.Dependents(ctx, c.ID)
		if err != nil {
			return err
		}
		var blocking []string
		for _, d := range deps {
			if d.DependentState != lifecycle.CapabilityActive {
				continue
			}
			if d.Type != lifecycle.DependencyRequired {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("%s keeps a %s dependency on %s", d.CapabilityName, d.Type, c.Name))
				continue
			}
			if !cascade {
				blocking = append(blocking, d.CapabilityName)
				continue
			}
			dep, err := tx.GetCapabilityByName(ctx, d.CapabilityName)
			if err != nil {
				return err
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		if len(blocking) > 0 {
			return &lifecycle.DependencyError{Op: "rollback", Subject: c.Name, Blocking: blocking}
		}
		order = append(order, c)
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}
	return order, nil
}

func markRolledBack(ctx context.Context, tx *store.Tx, c *store.Capability) error {
	if err := tx.TransitionCapability(ctx, c.ID, lifecycle.CapabilityRolledBack,
		store.Assign{Column: "rolled_back_at", Value: lifecycle.Now()}); err != nil {
		return err
	}
	if err := tx.TransitionProposal(ctx, c.ProposalID, lifecycle.ProposalRolledBack); err != nil {
		return err
	}
	return tx.AddFeedback(ctx, store.FeedbackEntry{
		EntityKind: lifecycle.EntityCapability, EntityID: c.ID, Action: store.FeedbackRollback, Detail: c.Name,
	})
}

// putBack returns files to the state captured before a failed rollback.
func (in *Installer) putBack(s *Snapshot) {
	if err := in.restore(s); err != nil {
		in.log.Error().Err(err).Msg("could not put files back after failed rollback")
	}
}

// Disable marks an active capability disabled. Its files stay in place.
func (in *Installer) Disable(ctx context.Context, name, reason string) (*store.Capability, error) {
	var c *store.Capability
	err := in.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		if c, err = tx.GetCapabilityByName(ctx, name); err != nil {
			return err
		}
		if err := tx.TransitionCapability(ctx, c.ID, lifecycle.CapabilityDisabled); err != nil {
			return err
		}
		c.Status = lifecycle.CapabilityDisabled
		return tx.AddFeedback(ctx, store.FeedbackEntry{
			EntityKind: lifecycle.EntityCapability, EntityID: c.ID, Action: store.FeedbackDisable, Reason: reason,
		})
	})
	if err != nil {
		return nil, err
	}
	in.log.Info().Str("capability", name).Str("reason", reason).Msg("capability disabled")
	return c, nil
}

// ─── Dependency graph ────────────────────────────────────────────────────────

// AddDependency records that capability name depends on dependsOn. An edge
// that would close a cycle is refused with a *lifecycle.DependencyError.
func (in *Installer) AddDependency(ctx context.Context, name, dependsOn string, typ lifecycle.DependencyType) error {
	if typ == "" {
		typ = lifecycle.DependencyRequired
	}
	return in.store.WithTx(ctx, func(tx *store.Tx) error {
		from, err := tx.GetCapabilityByName(ctx, name)
		if err != nil {
			return err
		}
		to, err := tx.GetCapabilityByName(ctx, dependsOn)
		if err != nil {
			return err
		}
		return tx.AddDependency(ctx, from.ID, to.ID, typ)
	})
}

// RemoveDependency deletes the edge name → dependsOn.
func (in *Installer) RemoveDependency(ctx context.Context, name, dependsOn string) error {
	return in.store.WithTx(ctx, func(tx *store.Tx) error {
		from, err := tx.GetCapabilityByName(ctx, name)
		if err != nil {
			return err
		}
		to, err := tx.GetCapabilityByName(ctx, dependsOn)
		if err != nil {
			return err
		}
		return tx.RemoveDependency(ctx, from.ID, to.ID)
	})
}

// Dependencies returns what capability name depends on.
func (in *Installer) Dependencies(ctx context.Context, name string) ([]store.Dependency, error) {
	c, err := in.store.GetCapabilityByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return in.store.Dependencies(ctx, c.ID)
}

// Dependents returns the capabilities that depend on name.
func (in *Installer) Dependents(ctx context.Context, name string) ([]store.Dependency, error) {
	c, err := in.store.GetCapabilityByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return in.store.Dependents(ctx, c.ID)
}
