package installer

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

// ErrUnsafePath is returned (wrapped in *lifecycle.InstallError) for a
// target path that is absolute, escapes the install root or lies outside
// the install directories.
var ErrUnsafePath = errors.New("unsafe install path")

// AllowedDirs are the directories, relative to the install root, that
// capability files may be written to.
func AllowedDirs() []string {
	types := []lifecycle.CapabilityType{
		lifecycle.TypeSkill, lifecycle.TypeHook, lifecycle.TypeAgent, lifecycle.TypeCommand, lifecycle.TypeMCPServer,
	}
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, lifecycle.InstallDir(t))
	}
	return out
}

// ValidatePath checks a proposal path and returns it cleaned, with forward
// slashes. settings is the settings file path, which is the only allowed
// target outside AllowedDirs.
func ValidatePath(p, settings string) (string, error) {
	raw := strings.TrimSpace(p)
	if raw == "" {
		return "", fmt.Errorf("empty path: %w", ErrUnsafePath)
	}
	slashed := filepath.ToSlash(raw)
	if filepath.IsAbs(raw) || strings.HasPrefix(slashed, "/") || filepath.VolumeName(raw) != "" {
		return "", fmt.Errorf("%s is absolute: %w", p, ErrUnsafePath)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%s traverses upward: %w", p, ErrUnsafePath)
		}
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(slashed)))
	if !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", fmt.Errorf("%s is not local: %w", p, ErrUnsafePath)
	}

	if settings != "" && clean == filepath.ToSlash(filepath.Clean(settings)) {
		return clean, nil
	}
	for _, dir := range AllowedDirs() {
		if strings.HasPrefix(clean, dir+"/") {
			return clean, nil
		}
	}
	return "", fmt.Errorf("%s is outside %s: %w", p, strings.Join(AllowedDirs(), ", "), ErrUnsafePath)
}

// ─── Content warnings ────────────────────────────────────────────────────────

var dangerousPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`\brm\s+-[a-zA-Z]*[rR][a-zA-Z]*\s+(/|~|\$HOME)(\s|\*|$)`), "recursive delete of a root or home directory"},
	{regexp.MustCompile(`\b(curl|wget)\b[^|\n]*\|\s*(sudo\s+)?(ba|z)?sh\b`), "pipes a download into a shell"},
	{regexp.MustCompile(`\bbase64\s+(-d|--decode)\b[^|\n]*\|\s*(ba|z)?sh\b`), "executes a decoded payload"},
	{regexp.MustCompile(`\beval\s+["$(]`), "evaluates dynamic input"},
	{regexp.MustCompile(`\bsudo\s`), "escalates privileges"},
	{regexp.MustCompile(`\bchmod\s+(-R\s+)?0?777\b`), "makes files world-writable"},
	{regexp.MustCompile(`\bmkfs(\.\w+)?\b|\bdd\s+if=`), "writes raw disks"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), "fork bomb"},
}

// ScanContent returns a warning for every dangerous pattern found in
// content. Warnings never block an install.
func ScanContent(path, content string) []string {
	var out []string
	for _, p := range dangerousPatterns {
		if p.re.MatchString(content) {
			out = append(out, fmt.Sprintf("%s: %s", path, p.desc))
		}
	}
	return out
}
