package approval_test

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/homunculus/internal/approval"
	"github.com/HendryAvila/homunculus/internal/installer"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/store"
)

type env struct {
	store *store.Store
	gw    *approval.Gateway
	root  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	root, data := t.TempDir(), t.TempDir()

	s, err := store.Open(ctx, filepath.Join(data, "homunculus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.PublishDefinition(ctx, &store.Definition{
			Kind: store.KindRule, ID: "rule-a", Version: 1, Category: "tool", Enabled: true, Body: "id: rule-a", Source: "test",
		}); err != nil {
			return err
		}
		_, err := tx.PublishDefinition(ctx, &store.Definition{
			Kind: store.KindTemplate, ID: "tpl-a", Version: 1, Category: "skill", Enabled: true, Body: "id: tpl-a", Source: "test",
		})
		return err
	}))

	in := installer.New(s, installer.Options{Root: root, DataDir: data}, zerolog.Nop())
	return &env{store: s, gw: approval.New(s, in, zerolog.Nop()), root: root}
}

// pending creates a pending proposal for a new proposed gap.
func (e *env) pending(t *testing.T, name string) *store.Proposal {
	t.Helper()
	ctx := context.Background()
	g := &store.Gap{
		Type: lifecycle.GapTool, Confidence: 0.8, Scope: lifecycle.ScopeGlobal,
		DesiredCapability: name, Fingerprint: name, RuleID: "rule-a", RuleVersion: 1,
	}
	p := &store.Proposal{
		Type: lifecycle.TypeSkill, Name: name, Summary: name, Scope: lifecycle.ScopeGlobal, Confidence: 0.8,
		TemplateID: "tpl-a", TemplateVersion: 1,
		Files: []store.FileChange{{Path: "evolved/skills/" + name + "/SKILL.md", Content: "# " + name + "\n", Action: store.ActionCreate}},
	}
	require.NoError(t, e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertGap(ctx, g, nil); err != nil {
			return err
		}
		if err := tx.TransitionGap(ctx, g.ID, lifecycle.GapSynthesizing); err != nil {
			return err
		}
		p.GapID = g.ID
		if err := tx.InsertProposal(ctx, p); err != nil {
			return err
		}
		return tx.TransitionGap(ctx, g.ID, lifecycle.GapProposed, store.Assign{Column: "proposal_id", Value: p.ID})
	}))
	return p
}

func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		info, err := d.Info()
		if err != nil {
			return err
		}
		out[rel] = info.Mode().String()
		if d.Type().IsRegular() {
			b, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			out[rel] += ":" + string(b)
		}
		return nil
	}))
	return out
}

// ─── Approve ─────────────────────────────────────────────────────────────────

func TestApprove_InstallsAndResolvesGap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.pending(t, "pdf-reader")

	d, err := e.gw.Approve(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ProposalInstalled, d.Proposal.Status)
	assert.NotEmpty(t, d.Proposal.ReviewedAt)
	assert.Equal(t, lifecycle.GapResolved, d.GapStatus)
	require.NotNil(t, d.Install)
	assert.Equal(t, "pdf-reader", d.Install.Capability.Name)
	assert.FileExists(t, filepath.Join(e.root, "evolved", "skills", "pdf-reader", "SKILL.md"))

	_, err = e.gw.Approve(ctx, p.ID)
	var te *lifecycle.TransitionError
	assert.ErrorAs(t, err, &te, "an installed proposal cannot be approved again")
}

func TestApprove_InstallFailureKeepsApproved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.pending(t, "pdf-reader")

	// evolved/ is a regular file, so nothing can be written below it.
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "evolved"), []byte("occupied"), 0o644))
	before := snapshot(t, e.root)

	d, err := e.gw.Approve(ctx, p.ID)
	require.Error(t, err)
	require.NotNil(t, d)
	assert.Equal(t, lifecycle.ProposalApproved, d.Proposal.Status)
	assert.Equal(t, lifecycle.GapProposed, d.GapStatus)

	_, err = e.store.GetCapabilityByName(ctx, "pdf-reader")
	assert.True(t, errors.Is(err, lifecycle.ErrNotFound))
	assert.Equal(t, before, snapshot(t, e.root))

	// Clearing the obstacle lets the explicit retry succeed.
	require.NoError(t, os.Remove(filepath.Join(e.root, "evolved")))
	d, err = e.gw.Install(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ProposalInstalled, d.Proposal.Status)
	assert.Equal(t, lifecycle.GapResolved, d.GapStatus)
}

type failingInstaller struct{ err error }

func (f failingInstaller) Install(context.Context, string) (*installer.Result, error) {
	return nil, f.err
}

func TestInstall_KeepsInstallErrorWhenLookupFails(t *testing.T) {
	e := newEnv(t)
	diskFull := errors.New("disk full")
	gw := approval.New(e.store, failingInstaller{err: diskFull}, zerolog.Nop())

	_, err := gw.Install(context.Background(), "prop-000000000000")
	require.Error(t, err)
	assert.ErrorIs(t, err, diskFull)
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

// ─── Reject / dismiss ────────────────────────────────────────────────────────

func TestReject_OnlyProposalRejectsGap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.pending(t, "pdf-reader")

	d, err := e.gw.Reject(ctx, p.ID, "too_complex", "three files for one flag")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ProposalRejected, d.Proposal.Status)
	assert.Equal(t, string(lifecycle.ReasonTooComplex), d.Proposal.RejectionReason)
	assert.Equal(t, lifecycle.GapRejected, d.GapStatus)

	g, err := e.store.GetGap(ctx, p.GapID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.GapRejected, g.Status)
}

func TestReject_OtherOpenProposalKeepsGap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.pending(t, "pdf-reader")
	second := &store.Proposal{
		GapID: p.GapID, Type: lifecycle.TypeSkill, Name: "pdf-reader-2", Summary: "alt", Scope: lifecycle.ScopeGlobal,
		Confidence: 0.8, TemplateID: "tpl-a", TemplateVersion: 1,
		Files: []store.FileChange{{Path: "evolved/skills/pdf-reader-2/SKILL.md", Content: "x", Action: store.ActionCreate}},
	}
	require.NoError(t, e.store.WithTx(ctx, func(tx *store.Tx) error { return tx.InsertProposal(ctx, second) }))

	d, err := e.gw.Reject(ctx, p.ID, "duplicate", "")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.GapProposed, d.GapStatus)
}

func TestReject_InvalidReason(t *testing.T) {
	e := newEnv(t)
	p := e.pending(t, "pdf-reader")
	_, err := e.gw.Reject(context.Background(), p.ID, "boring", "")
	require.Error(t, err)

	got, err := e.store.GetProposal(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ProposalPending, got.Status)
}

func TestDismissGap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := &store.Gap{
		Type: lifecycle.GapKnowledge, Confidence: 0.4, Scope: lifecycle.ScopeProject,
		DesiredCapability: "docs", Fingerprint: "docs", RuleID: "rule-a", RuleVersion: 1,
	}
	require.NoError(t, e.store.WithTx(ctx, func(tx *store.Tx) error { return tx.InsertGap(ctx, g, nil) }))

	got, err := e.gw.DismissGap(ctx, g.ID, "noise")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.GapDismissed, got.Status)
	assert.Equal(t, "noise", got.DismissReason)
	assert.NotEmpty(t, got.DismissedAt)

	_, err = e.gw.DismissGap(ctx, g.ID, "again")
	var te *lifecycle.TransitionError
	assert.ErrorAs(t, err, &te)
}

// ─── Meta-proposals ──────────────────────────────────────────────────────────

type fakeApplier struct {
	store   *store.Store
	applied []string
	err     error
}

func (f *fakeApplier) Apply(ctx context.Context, id string) (*store.MetaProposal, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.applied = append(f.applied, id)
	err := f.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.TransitionMeta(ctx, id, lifecycle.MetaApplied)
	})
	if err != nil {
		return nil, err
	}
	return f.store.GetMetaProposal(ctx, id)
}

func (e *env) metaProposal(t *testing.T) *store.MetaProposal {
	t.Helper()
	ctx := context.Background()
	m := &store.MetaProposal{
		Type: lifecycle.MetaConfigChange, TargetKind: lifecycle.SubjectWorkflow, TargetID: "rejections/other",
		Changes: map[string]any{"note": "x"}, Reasoning: "test", Confidence: 0.6,
	}
	require.NoError(t, e.store.WithTx(ctx, func(tx *store.Tx) error { return tx.InsertMetaProposal(ctx, m) }))
	require.True(t, approval.IsMetaID(m.ID))
	return m
}

func TestApproveMeta(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.metaProposal(t)

	_, err := e.gw.Approve(ctx, m.ID)
	assert.ErrorIs(t, err, approval.ErrMetaUnavailable)

	fa := &fakeApplier{store: e.store}
	e.gw.WithMeta(fa)
	d, err := e.gw.Approve(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, fa.applied)
	assert.Equal(t, lifecycle.MetaApplied, d.Meta.Status)
}

func TestApproveMeta_ApplyFailureStaysApproved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.metaProposal(t)
	e.gw.WithMeta(&fakeApplier{store: e.store, err: errors.New("boom")})

	d, err := e.gw.Approve(ctx, m.ID)
	require.Error(t, err)
	require.NotNil(t, d)
	assert.Equal(t, lifecycle.MetaApproved, d.Meta.Status)
}

func TestRejectMeta(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.metaProposal(t)

	d, err := e.gw.Reject(ctx, m.ID, "incorrect", "wrong rule")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.MetaRejected, d.Meta.Status)
	assert.Equal(t, "incorrect: wrong rule", d.Meta.RejectionReason)
}
