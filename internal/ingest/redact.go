package ingest

import "regexp"

// Limits applied to free text before it is stored.
const (
	MaxRawExcerpt = 1000
	MaxToolError  = 500
)

var sensitivePatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|credential|auth)["']?\s*[:=]\s*["']?[^\s"']+`), `${1}=[REDACTED]`},
	{regexp.MustCompile(`(?i)authorization:\s*bearer\s+\S+`), `Authorization: Bearer [REDACTED]`},
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`), `[API_KEY_REDACTED]`},
	{regexp.MustCompile(`gh[po]_[a-zA-Z0-9]{36,}`), `[GITHUB_TOKEN_REDACTED]`},
	{regexp.MustCompile(`xox[baprs]-[a-zA-Z0-9-]+`), `[SLACK_TOKEN_REDACTED]`},
	{regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key["']?\s*[:=]\s*["']?[^\s"']+`), `AWS_SECRET=[REDACTED]`},
}

// Redact masks credentials that commonly leak into tool payloads.
func Redact(s string) string {
	for _, p := range sensitivePatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}
