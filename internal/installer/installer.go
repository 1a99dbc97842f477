// Package installer applies approved proposals to the install root and
// reverses them.
//
// An install stages every file under <data>/.staging/<capability-id>/ with
// a journal, snapshots the targets under <data>/.snapshots/<capability-id>/,
// records the capability in one transaction, promotes the staged files with
// os.Rename and only then commits. Any failure restores the snapshot, so a
// proposal either installs completely or leaves the filesystem as it was.
//
// Installs and rollbacks are serialized: each holds the installer lock and
// the database write lock until its files and rows agree.
package installer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/store"
)

// Options locates the install root and the working directories.
type Options struct {
	// Root is the directory evolved/ artifacts and the settings file live in.
	Root string
	// SettingsFile is relative to Root; config patches are merged into it.
	SettingsFile string
	// DataDir holds .staging and .snapshots.
	DataDir string
}

// Installer installs and rolls back capabilities.
type Installer struct {
	mu       sync.Mutex
	store    *store.Store
	root     string
	settings string
	dataDir  string
	log      zerolog.Logger
}

// New creates an Installer.
func New(s *store.Store, opts Options, log zerolog.Logger) *Installer {
	settings := opts.SettingsFile
	if settings == "" {
		settings = "settings.json"
	}
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = opts.Root
	}
	return &Installer{
		store:    s,
		root:     opts.Root,
		settings: filepath.ToSlash(filepath.Clean(settings)),
		dataDir:  dataDir,
		log:      log.With().Str("component", "installer").Logger(),
	}
}

// Root returns the install root.
func (in *Installer) Root() string { return in.root }

// SettingsPath returns the absolute path of the settings file.
func (in *Installer) SettingsPath() string { return in.target(in.settings) }

// Result describes a completed install.
type Result struct {
	Capability *store.Capability `json:"capability"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// change is one validated file write. Patch is set for the settings file.
type change struct {
	Path    string
	Action  string
	Content []byte
	Mode    fs.FileMode
	Patch   []byte
}

// Install applies an approved proposal. On success the proposal is
// installed, its gap resolved and a capability recorded, all in one
// transaction committed after the files are in place. On failure every
// promoted file is restored and the proposal stays approved.
//
// The write transaction is held from planning to commit, so the settings
// merge and the snapshots read the files exactly as the commit leaves them.
func (in *Installer) Install(ctx context.Context, proposalID string) (*Result, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	tx, err := in.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	p, err := tx.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != lifecycle.ProposalApproved {
		return nil, &lifecycle.TransitionError{
			Entity: lifecycle.EntityProposal, ID: p.ID, From: string(p.Status), To: string(lifecycle.ProposalInstalled),
		}
	}
	if _, err := tx.GetCapabilityByName(ctx, p.Name); err == nil {
		return nil, &lifecycle.InstallError{Step: "validate", Err: fmt.Errorf("capability %q already exists", p.Name)}
	} else if !errors.Is(err, lifecycle.ErrNotFound) {
		return nil, err
	}

	res := &Result{}
	changes, err := in.plan(p)
	if err != nil {
		return nil, err
	}
	for _, ch := range changes {
		res.Warnings = append(res.Warnings, ScanContent(ch.Path, string(ch.Content))...)
	}
	edges, warns, err := in.resolveDependencies(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	res.Warnings = append(res.Warnings, warns...)
	for _, w := range res.Warnings {
		in.log.Warn().Str("proposal_id", p.ID).Msg(w)
	}

	j := &journal{CapabilityID: store.NewID("cap"), ProposalID: p.ID, CreatedAt: lifecycle.Now()}
	if err := in.stage(j, changes); err != nil {
		in.discard(j.CapabilityID)
		return nil, err
	}
	if err := in.snapshot(j); err != nil {
		in.discard(j.CapabilityID)
		return nil, err
	}
	if err := in.writeJournal(j); err != nil {
		in.discard(j.CapabilityID)
		return nil, &lifecycle.InstallError{Step: "journal", Err: err}
	}

	c, err := in.commit(ctx, tx, p, j, edges)
	if err != nil {
		in.undo(j) //nolint:errcheck // logged by undo
		return nil, err
	}
	os.RemoveAll(in.stagingPath(j.CapabilityID)) //nolint:errcheck

	res.Capability = c
	in.log.Info().
		Str("capability", c.Name).
		Str("capability_id", c.ID).
		Str("proposal_id", p.ID).
		Int("files", len(c.Changes)).
		Int("warnings", len(res.Warnings)).
		Msg("capability installed")
	return res, nil
}

// commit records the install in tx, promotes the staged files and commits.
// The caller rolls tx back on error.
func (in *Installer) commit(ctx context.Context, tx *store.Tx, p *store.Proposal, j *journal, edges []edge) (*store.Capability, error) {
	snap, err := json.Marshal(j.Snapshot)
	if err != nil {
		return nil, &lifecycle.InstallError{Step: "record", Err: err}
	}
	applied := make([]store.AppliedChange, len(j.Entries))
	for i, e := range j.Entries {
		applied[i] = store.AppliedChange{Path: e.Path, Action: e.Action, Existed: j.Snapshot.Files[i].Existed}
	}
	c := &store.Capability{
		ID:         j.CapabilityID,
		Name:       p.Name,
		Type:       p.Type,
		Scope:      p.Scope,
		ProposalID: p.ID,
		GapID:      p.GapID,
		Changes:    applied,
		Snapshot:   snap,
	}

	if err := tx.InsertCapability(ctx, c); err != nil {
		return nil, &lifecycle.InstallError{Step: "record", Err: err}
	}
	for _, e := range edges {
		if err := tx.AddDependency(ctx, c.ID, e.id, e.typ); err != nil {
			return nil, &lifecycle.InstallError{Step: "dependencies", Err: err}
		}
	}
	if err := tx.TransitionProposal(ctx, p.ID, lifecycle.ProposalInstalled); err != nil {
		return nil, err
	}
	g, err := tx.GetGap(ctx, p.GapID)
	if err != nil {
		return nil, err
	}
	if g.Status == lifecycle.GapProposed {
		if err := tx.TransitionGap(ctx, g.ID, lifecycle.GapResolved, store.Assign{Column: "resolved_at", Value: lifecycle.Now()}); err != nil {
			return nil, err
		}
	}
	if err := tx.AddFeedback(ctx, store.FeedbackEntry{
		EntityKind: lifecycle.EntityCapability, EntityID: c.ID, Action: store.FeedbackInstall, Detail: p.ID,
	}); err != nil {
		return nil, err
	}

	if err := in.promote(j); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &lifecycle.InstallError{Step: "commit", Err: err}
	}
	return c, nil
}

// plan validates the proposal's paths and renders the settings merge.
func (in *Installer) plan(p *store.Proposal) ([]change, error) {
	seen := map[string]bool{}
	var out []change
	add := func(ch change) error {
		if seen[ch.Path] {
			return &lifecycle.InstallError{Step: "validate", Path: ch.Path, Err: errors.New("path written twice")}
		}
		seen[ch.Path] = true
		out = append(out, ch)
		return nil
	}

	for _, f := range p.Files {
		rel, err := ValidatePath(f.Path, in.settings)
		if err != nil {
			return nil, &lifecycle.InstallError{Step: "validate", Path: f.Path, Err: err}
		}
		action := f.Action
		if action == "" {
			action = store.ActionCreate
		}
		if err := add(change{Path: rel, Action: action, Content: []byte(f.Content), Mode: in.fileMode(rel, p.Type)}); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(p.ConfigPatch) != "" {
		current, err := os.ReadFile(in.SettingsPath())
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &lifecycle.InstallError{Step: "validate", Path: in.settings, Err: err}
		}
		merged, err := MergePatch(current, []byte(p.ConfigPatch))
		if err != nil {
			return nil, &lifecycle.InstallError{Step: "validate", Path: in.settings, Err: err}
		}
		if err := add(change{
			Path: in.settings, Action: store.ActionModify, Content: merged,
			Mode: in.fileMode(in.settings, p.Type), Patch: []byte(p.ConfigPatch),
		}); err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		return nil, &lifecycle.InstallError{Step: "validate", Err: errors.New("proposal has no files")}
	}
	return out, nil
}

// fileMode keeps the mode of an existing target; new hook scripts are
// executable.
func (in *Installer) fileMode(rel string, t lifecycle.CapabilityType) fs.FileMode {
	if info, err := os.Stat(in.target(rel)); err == nil && info.Mode().IsRegular() {
		return info.Mode().Perm()
	}
	if t == lifecycle.TypeHook && strings.HasSuffix(rel, ".sh") {
		return 0o755
	}
	return 0o644
}

// edge is a resolved dependency of the capability being installed.
type edge struct {
	id  string
	typ lifecycle.DependencyType
}

// resolveDependencies maps declared dependencies to active capabilities.
// A missing required dependency blocks the install; missing optional and
// suggested ones only warn.
func (in *Installer) resolveDependencies(ctx context.Context, tx *store.Tx, p *store.Proposal) ([]edge, []string, error) {
	var (
		edges    []edge
		warnings []string
		blocking []string
	)
	for _, d := range p.Dependencies {
		typ := d.Type
		if typ == "" {
			typ = lifecycle.DependencyRequired
		}
		c, err := tx.GetCapabilityByName(ctx, d.Name)
		if err != nil && !errors.Is(err, lifecycle.ErrNotFound) {
			return nil, nil, err
		}
		if err != nil || c.Status != lifecycle.CapabilityActive {
			if typ == lifecycle.DependencyRequired {
				blocking = append(blocking, d.Name)
			} else {
				warnings = append(warnings, fmt.Sprintf("%s dependency %q is not active", typ, d.Name))
			}
			continue
		}
		edges = append(edges, edge{id: c.ID, typ: typ})
	}
	if len(blocking) > 0 {
		return nil, nil, &lifecycle.DependencyError{Op: "install", Subject: p.Name, Blocking: blocking}
	}
	return edges, warnings, nil
}
