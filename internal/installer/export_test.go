package installer

import (
	"context"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/store"
)

// SetPromoteFile replaces the promote step and returns a restore func.
func SetPromoteFile(f func(src, dst string) error) (restore func()) {
	prev := promoteFile
	promoteFile = f
	return func() { promoteFile = prev }
}

// SetRemoveFile replaces file removal and returns a restore func.
func SetRemoveFile(f func(path string) error) (restore func()) {
	prev := removeFile
	removeFile = f
	return func() { removeFile = prev }
}

// InstallKeepingStaging runs a full install but leaves the staging
// directory and journal behind, as a crash right after commit would.
func InstallKeepingStaging(ctx context.Context, in *Installer, proposalID string) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	tx, err := in.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback() //nolint:errcheck

	p, err := tx.GetProposal(ctx, proposalID)
	if err != nil {
		return "", err
	}
	changes, err := in.plan(p)
	if err != nil {
		return "", err
	}
	j := &journal{CapabilityID: store.NewID("cap"), ProposalID: p.ID, CreatedAt: lifecycle.Now()}
	if err := in.stage(j, changes); err != nil {
		return "", err
	}
	if err := in.snapshot(j); err != nil {
		return "", err
	}
	if err := in.writeJournal(j); err != nil {
		return "", err
	}
	_, err = in.commit(ctx, tx, p, j, nil)
	return j.CapabilityID, err
}
