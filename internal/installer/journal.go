package installer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

const (
	stagingDir   = ".staging"
	snapshotsDir = ".snapshots"
	journalFile  = "journal.json"
)

// Snapshot is the restore manifest of an install. It is stored with the
// capability and in the staging journal.
type Snapshot struct {
	Files       []SnapshotFile `json:"files"`
	CreatedDirs []string       `json:"created_dirs,omitempty"`
}

// SnapshotFile is the pre-install state of one target path.
type SnapshotFile struct {
	Path    string      `json:"path"`
	Existed bool        `json:"existed"`
	Mode    fs.FileMode `json:"mode,omitempty"`
	// Backup is relative to the data directory.
	Backup string `json:"backup,omitempty"`
	// Patch is the merge patch applied to a settings file. Such files are
	// reverted key by key instead of restored from Backup.
	Patch json.RawMessage `json:"patch,omitempty"`
}

// DecodeSnapshot parses a stored snapshot manifest.
func DecodeSnapshot(raw []byte) (*Snapshot, error) {
	s := &Snapshot{}
	if len(raw) == 0 || string(raw) == "[]" {
		return s, nil
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("installer: decode snapshot: %w", err)
	}
	return s, nil
}

// journal records an install in progress so Recover can finish or undo it.
type journal struct {
	CapabilityID string         `json:"capability_id"`
	ProposalID   string         `json:"proposal_id"`
	CreatedAt    string         `json:"created_at"`
	Entries      []journalEntry `json:"entries"`
	Snapshot     Snapshot       `json:"snapshot"`
}

type journalEntry struct {
	Path   string          `json:"path"`
	Action string          `json:"action"`
	Staged string          `json:"staged"`
	Mode   fs.FileMode     `json:"mode"`
	Patch  json.RawMessage `json:"patch,omitempty"`
}

func (in *Installer) stagingPath(capID string) string {
	return filepath.Join(in.dataDir, stagingDir, capID)
}

func (in *Installer) snapshotPath(capID string) string {
	return filepath.Join(in.dataDir, snapshotsDir, capID)
}

func (in *Installer) target(rel string) string {
	return filepath.Join(in.root, filepath.FromSlash(rel))
}

func (in *Installer) writeJournal(j *journal) error {
	b, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	return writeFileSync(filepath.Join(in.stagingPath(j.CapabilityID), journalFile), b, 0o600)
}

func readJournal(dir string) (*journal, error) {
	b, err := os.ReadFile(filepath.Join(dir, journalFile))
	if err != nil {
		return nil, err
	}
	j := &journal{}
	if err := json.Unmarshal(b, j); err != nil {
		return nil, fmt.Errorf("installer: decode journal %s: %w", dir, err)
	}
	return j, nil
}

// ─── Stage / snapshot / promote / restore ────────────────────────────────────

// stage writes every change under .staging/<capability-id>/.
func (in *Installer) stage(j *journal, changes []change) error {
	dir := in.stagingPath(j.CapabilityID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &lifecycle.InstallError{Step: "stage", Path: dir, Err: err}
	}
	for i, ch := range changes {
		name := fmt.Sprintf("%03d", i)
		if err := writeFileSync(filepath.Join(dir, name), ch.Content, ch.Mode); err != nil {
			return &lifecycle.InstallError{Step: "stage", Path: ch.Path, Err: err}
		}
		j.Entries = append(j.Entries, journalEntry{Path: ch.Path, Action: ch.Action, Staged: name, Mode: ch.Mode, Patch: ch.Patch})
	}
	return nil
}

// snapshot copies every existing target under .snapshots/<capability-id>/
// and records the directories the install will create.
func (in *Installer) snapshot(j *journal) error {
	paths := make([]string, len(j.Entries))
	for i, e := range j.Entries {
		paths[i] = e.Path
	}
	snap, err := in.capture(j.CapabilityID, paths)
	if err != nil {
		return err
	}
	for i, e := range j.Entries {
		snap.Files[i].Patch = e.Patch
	}
	j.Snapshot = *snap
	return nil
}

// capture copies the current state of paths under .snapshots/<id>/.
func (in *Installer) capture(id string, paths []string) (*Snapshot, error) {
	dir := in.snapshotPath(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &lifecycle.InstallError{Step: "snapshot", Path: dir, Err: err}
	}

	s := &Snapshot{}
	created := map[string]bool{}
	for i, rel := range paths {
		abs := in.target(rel)
		info, err := os.Lstat(abs)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			s.Files = append(s.Files, SnapshotFile{Path: rel})
		case err != nil:
			return nil, &lifecycle.InstallError{Step: "snapshot", Path: rel, Err: err}
		case !info.Mode().IsRegular():
			return nil, &lifecycle.InstallError{Step: "snapshot", Path: rel, Err: errors.New("target is not a regular file")}
		default:
			data, err := os.ReadFile(abs)
			if err != nil {
				return nil, &lifecycle.InstallError{Step: "snapshot", Path: rel, Err: err}
			}
			backup := filepath.Join(snapshotsDir, id, fmt.Sprintf("%03d", i))
			if err := writeFileSync(filepath.Join(in.dataDir, backup), data, 0o600); err != nil {
				return nil, &lifecycle.InstallError{Step: "snapshot", Path: rel, Err: err}
			}
			s.Files = append(s.Files, SnapshotFile{
				Path: rel, Existed: true, Mode: info.Mode().Perm(), Backup: filepath.ToSlash(backup),
			})
		}

		for d := filepath.Dir(filepath.FromSlash(rel)); d != "." && d != string(filepath.Separator); d = filepath.Dir(d) {
			if _, err := os.Lstat(filepath.Join(in.root, d)); errors.Is(err, fs.ErrNotExist) {
				created[filepath.ToSlash(d)] = true
			}
		}
	}
	for d := range created {
		s.CreatedDirs = append(s.CreatedDirs, d)
	}
	sortDeepestFirst(s.CreatedDirs)
	return s, nil
}

// promoteFile moves a staged file into place. It is a variable so tests can
// inject failures.
var promoteFile = func(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Staging and target on different filesystems: copy next to the target
	// and rename there.
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	tmp := dst + ".homunculus-tmp"
	if err := writeFileSync(tmp, data, info.Mode().Perm()); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return err
	}
	return os.Remove(src)
}

// promote moves staged entries into the install root. Entries whose staged
// file is already gone were promoted earlier and are skipped.
func (in *Installer) promote(j *journal) error {
	dir := in.stagingPath(j.CapabilityID)
	for _, e := range j.Entries {
		src := filepath.Join(dir, e.Staged)
		if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		dst := in.target(e.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return &lifecycle.InstallError{Step: "promote", Path: e.Path, Err: err}
		}
		if err := promoteFile(src, dst); err != nil {
			return &lifecycle.InstallError{Step: "promote", Path: e.Path, Err: err}
		}
		if err := os.Chmod(dst, e.Mode); err != nil {
			return &lifecycle.InstallError{Step: "promote", Path: e.Path, Err: err}
		}
	}
	return nil
}

// removeFile deletes a target. It is a variable so tests can inject
// failures.
var removeFile = os.Remove

// restore puts every snapshotted path back byte for byte: files that
// existed get their bytes and mode back, files that did not are removed,
// and directories the install created are removed when empty. It is
// idempotent.
func (in *Installer) restore(s *Snapshot) error {
	var errs []error
	for i := len(s.Files) - 1; i >= 0; i-- {
		if err := in.restoreFile(s.Files[i]); err != nil {
			errs = append(errs, err)
		}
	}
	in.removeCreatedDirs(s)
	return errors.Join(errs...)
}

// revert undoes one installed capability. It differs from restore for
// settings files: only the keys the capability's patch wrote are put back,
// so patches of other capabilities survive. Keys changed since the install
// are left alone and reported as warnings.
func (in *Installer) revert(s *Snapshot) ([]string, error) {
	var (
		warnings []string
		errs     []error
	)
	for i := len(s.Files) - 1; i >= 0; i-- {
		f := s.Files[i]
		if len(f.Patch) == 0 {
			if err := in.restoreFile(f); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		w, err := in.unpatch(f)
		warnings = append(warnings, w...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	in.removeCreatedDirs(s)
	return warnings, errors.Join(errs...)
}

func (in *Installer) restoreFile(f SnapshotFile) error {
	abs := in.target(f.Path)
	if !f.Existed {
		if err := removeFile(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", f.Path, err)
		}
		return nil
	}
	data, err := os.ReadFile(filepath.Join(in.dataDir, filepath.FromSlash(f.Backup)))
	if err != nil {
		return fmt.Errorf("read backup of %s: %w", f.Path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if err := writeFileSync(abs, data, f.Mode); err != nil {
		return fmt.Errorf("restore %s: %w", f.Path, err)
	}
	return nil
}

// unpatch reverts the keys a settings patch wrote. A settings file the
// install created is removed once nothing else is left in it.
func (in *Installer) unpatch(f SnapshotFile) ([]string, error) {
	abs := in.target(f.Path)
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{fmt.Sprintf("%s no longer exists; nothing to revert", f.Path)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.Path, err)
	}
	current, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	var before []byte
	if f.Existed {
		if before, err = os.ReadFile(filepath.Join(in.dataDir, filepath.FromSlash(f.Backup))); err != nil {
			return nil, fmt.Errorf("read backup of %s: %w", f.Path, err)
		}
	}

	out, conflicts, err := RevertPatch(current, before, f.Patch)
	if err != nil {
		return nil, fmt.Errorf("revert %s: %w", f.Path, err)
	}
	var warnings []string
	for _, k := range conflicts {
		warnings = append(warnings, fmt.Sprintf("%s: %s changed since install; left as is", f.Path, k))
	}

	if !f.Existed && string(bytes.TrimSpace(out)) == "{}" {
		if err := removeFile(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return warnings, fmt.Errorf("remove %s: %w", f.Path, err)
		}
		return warnings, nil
	}
	if err := writeFileSync(abs, out, info.Mode().Perm()); err != nil {
		return warnings, fmt.Errorf("write %s: %w", f.Path, err)
	}
	return warnings, nil
}

func (in *Installer) removeCreatedDirs(s *Snapshot) {
	for _, d := range s.CreatedDirs {
		os.Remove(filepath.Join(in.root, filepath.FromSlash(d))) //nolint:errcheck // only succeeds when empty
	}
}

// undo reverses a failed install and removes its working directories.
func (in *Installer) undo(j *journal) error {
	err := in.restore(&j.Snapshot)
	in.discard(j.CapabilityID)
	if err != nil {
		in.log.Error().Err(err).Str("capability_id", j.CapabilityID).Msg("undo left changes in place")
	}
	return err
}

func (in *Installer) discard(capID string) {
	os.RemoveAll(in.stagingPath(capID))  //nolint:errcheck
	os.RemoveAll(in.snapshotPath(capID)) //nolint:errcheck
}

// ─── Recovery ────────────────────────────────────────────────────────────────

// RecoverResult lists the interrupted installs found on startup.
type RecoverResult struct {
	RolledForward []string `json:"rolled_forward,omitempty"`
	RolledBack    []string `json:"rolled_back,omitempty"`
}

// Recover finishes or undoes installs interrupted by a crash. An install
// whose capability row was committed is rolled forward (remaining staged
// files are promoted); any other is rolled back from its snapshot.
func (in *Installer) Recover(ctx context.Context) (*RecoverResult, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	res := &RecoverResult{}
	entries, err := os.ReadDir(filepath.Join(in.dataDir, stagingDir))
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("installer: read staging: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		capID := e.Name()
		j, err := readJournal(in.stagingPath(capID))
		if errors.Is(err, fs.ErrNotExist) {
			// Crashed while staging: nothing reached the install root.
			in.discard(capID)
			res.RolledBack = append(res.RolledBack, capID)
			continue
		}
		if err != nil {
			return res, err
		}

		_, err = in.store.GetCapability(ctx, capID)
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			if err := in.undo(j); err != nil {
				return res, &lifecycle.InstallError{Step: "recover", Path: capID, Err: err}
			}
			res.RolledBack = append(res.RolledBack, capID)
		case err != nil:
			return res, err
		default:
			if err := in.promote(j); err != nil {
				return res, err
			}
			os.RemoveAll(in.stagingPath(capID)) //nolint:errcheck
			res.RolledForward = append(res.RolledForward, capID)
		}
	}

	if len(res.RolledForward)+len(res.RolledBack) > 0 {
		in.log.Warn().
			Strs("rolled_forward", res.RolledForward).
			Strs("rolled_back", res.RolledBack).
			Msg("recovered interrupted installs")
	}
	return res, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// writeFileSync writes data to path, fsyncs it and sets the exact mode.
func writeFileSync(path string, data []byte, mode fs.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(path, mode)
}

func sortDeepestFirst(dirs []string) {
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], "/"), strings.Count(dirs[j], "/")
		if di != dj {
			return di > dj
		}
		return dirs[i] < dirs[j]
	})
}
