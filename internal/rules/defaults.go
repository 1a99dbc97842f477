package rules

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

//go:embed defaults
var defaultsFS embed.FS

// WriteDefaults copies the built-in definitions into dirs. Existing files
// are left untouched so local edits survive re-running init. It returns the
// paths it created.
func WriteDefaults(dirs Dirs) ([]string, error) {
	targets := map[string]string{
		"defaults/rules":      dirs.Rules,
		"defaults/templates":  dirs.Templates,
		"defaults/meta-rules": dirs.MetaRules,
	}
	var written []string
	for src, dst := range targets {
		if dst == "" {
			continue
		}
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return written, fmt.Errorf("rules: create %s: %w", dst, err)
		}
		entries, err := fs.ReadDir(defaultsFS, src)
		if err != nil {
			return written, fmt.Errorf("rules: read embedded %s: %w", src, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			target := filepath.Join(dst, e.Name())
			if _, err := os.Stat(target); err == nil {
				continue
			} else if !errors.Is(err, os.ErrNotExist) {
				return written, fmt.Errorf("rules: stat %s: %w", target, err)
			}
			data, err := defaultsFS.ReadFile(path.Join(src, e.Name()))
			if err != nil {
				return written, fmt.Errorf("rules: read embedded %s: %w", e.Name(), err)
			}
			if err := os.WriteFile(target, data, 0o644); err != nil {
				return written, fmt.Errorf("rules: write %s: %w", target, err)
			}
			written = append(written, target)
		}
	}
	return written, nil
}
