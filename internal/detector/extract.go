package detector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/rules"
	"github.com/HendryAvila/homunculus/internal/store"
)

const (
	maxCapabilityLen = 200
	maxEvidenceItems = 5
	maxEvidenceError = 50
	fingerprintWords = 10
)

// ─── Desired capability ──────────────────────────────────────────────────────

// ExtractCapability derives the desired-capability text for matched
// observations. spec is "field:<path>", "regex:<pattern>", a literal phrase
// or empty. A field or pattern that finds nothing falls back to the default
// extraction.
func ExtractCapability(spec string, matched []*store.Observation) string {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "":
		return defaultCapability(matched)

	case strings.HasPrefix(spec, "field:"):
		path := strings.TrimSpace(strings.TrimPrefix(spec, "field:"))
		for _, o := range matched {
			if v, ok := o.Field(path); ok && v != nil {
				if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
					return store.Truncate(s, maxCapabilityLen)
				}
			}
		}
		return defaultCapability(matched)

	case strings.HasPrefix(spec, "regex:"):
		re, err := regexp.Compile("(?i)" + strings.TrimSpace(strings.TrimPrefix(spec, "regex:")))
		if err != nil {
			return defaultCapability(matched)
		}
		for _, o := range matched {
			for _, text := range []string{o.RawExcerpt, o.ToolError} {
				m := re.FindStringSubmatch(text)
				if m == nil {
					continue
				}
				out := m[0]
				if len(m) > 1 && m[1] != "" {
					out = m[1]
				}
				return store.Truncate(strings.TrimSpace(out), maxCapabilityLen)
			}
		}
		return defaultCapability(matched)
	}
	return store.Truncate(spec, maxCapabilityLen)
}

func defaultCapability(matched []*store.Observation) string {
	for _, o := range matched {
		if strings.TrimSpace(o.ToolError) != "" {
			return store.Truncate(strings.TrimSpace(o.ToolError), maxCapabilityLen)
		}
	}
	seen := map[string]bool{}
	var tools []string
	for _, o := range matched {
		if o.ToolName != "" && !seen[o.ToolName] {
			seen[o.ToolName] = true
			tools = append(tools, o.ToolName)
		}
	}
	if len(tools) > 0 {
		sort.Strings(tools)
		return "Issue with tools: " + strings.Join(tools, ", ")
	}
	return "Detected capability gap"
}

// ─── Domain ──────────────────────────────────────────────────────────────────

type domainKeywords struct {
	domain   string
	keywords []string
}

// domains is checked in order; the first domain with a keyword hit wins.
var domains = []domainKeywords{
	{"pdf", []string{"pdf", "document", "acrobat"}},
	{"git", []string{"git", "commit", "branch", "merge", "push", "pull"}},
	{"testing", []string{"test", "spec", "jest", "pytest", "mocha", "unittest"}},
	{"api", []string{"api", "endpoint", "request", "response", "http", "rest"}},
	{"database", []string{"sql", "database", "query", "migration", "postgres", "mysql", "sqlite"}},
	{"frontend", []string{"react", "component", "css", "html", "vue", "angular"}},
	{"docker", []string{"docker", "container", "kubernetes", "k8s"}},
	{"ci_cd", []string{"ci", "cd", "pipeline", "github actions", "jenkins"}},
	{"security", []string{"auth", "security", "permission", "token", "jwt", "oauth"}},
	{"file", []string{"file", "read", "write", "directory", "path"}},
}

var wordSplit = regexp.MustCompile(`[^a-z0-9]+`)

// InferDomain tags the matched observations with a domain from the keyword
// table, or "" when nothing matches. Keywords of three letters or fewer
// must match a whole word; longer ones match anywhere.
func InferDomain(matched []*store.Observation) string {
	var b strings.Builder
	for _, o := range matched {
		b.WriteString(o.RawExcerpt)
		b.WriteByte(' ')
		b.WriteString(o.ToolName)
		b.WriteByte(' ')
		b.WriteString(o.ToolError)
		b.WriteByte(' ')
	}
	text := strings.ToLower(b.String())
	words := map[string]bool{}
	for _, w := range wordSplit.Split(text, -1) {
		words[w] = true
	}

	for _, d := range domains {
		for _, kw := range d.keywords {
			if len(kw) <= 3 {
				if words[kw] {
					return d.domain
				}
				continue
			}
			if strings.Contains(text, kw) {
				return d.domain
			}
		}
	}
	return ""
}

// ─── Scope ───────────────────────────────────────────────────────────────────

// InferScope walks the rule's scope list in order and returns the first
// match. An "if" that reads as a condition is evaluated against each matched
// observation; otherwise it is a case-insensitive keyword over the evidence
// text. "default" always matches. With no match the gap type's default
// scope is used. When a later rule also matches with a different scope, tie
// describes the conflict; the first match still wins.
func InferScope(rule *rules.Rule, matched []*store.Observation) (scope lifecycle.Scope, tie string) {
	var text strings.Builder
	for _, o := range matched {
		text.WriteString(o.Text())
		text.WriteByte(' ')
	}
	evidence := strings.ToLower(text.String())

	for i, sr := range rule.ScopeInference {
		if !scopeMatches(sr.If, matched, evidence) {
			continue
		}
		if scope == "" {
			scope = sr.Then
			if sr.If == "default" {
				break
			}
			continue
		}
		if sr.If != "default" && sr.Then != scope {
			tie = fmt.Sprintf("scope rules disagree: first match gives %s, rule %d (%q) gives %s", scope, i+1, sr.If, sr.Then)
			break
		}
	}
	if scope == "" {
		scope = lifecycle.LookupGapType(rule.GapType).DefaultScope
	}
	return scope, tie
}

func scopeMatches(cond string, matched []*store.Observation, evidence string) bool {
	cond = strings.TrimSpace(cond)
	if cond == "default" {
		return true
	}
	if rules.HasOperator(cond) {
		expr, err := rules.Parse(cond)
		if err != nil {
			return false
		}
		for _, o := range matched {
			if expr.Eval(o) {
				return true
			}
		}
		return false
	}
	return cond != "" && strings.Contains(evidence, strings.ToLower(cond))
}

// ─── Evidence and fingerprint ────────────────────────────────────────────────

// EvidenceSummary renders up to five observations as "[date] tool: error".
func EvidenceSummary(matched []*store.Observation) string {
	var parts []string
	for i, o := range matched {
		if i == maxEvidenceItems {
			break
		}
		date := o.Timestamp
		if len(date) > 10 {
			date = date[:10]
		}
		event := o.EventType
		if event == "" {
			event = "unknown"
		}
		switch {
		case o.ToolError != "":
			parts = append(parts, fmt.Sprintf("[%s] %s: %s", date, o.ToolName, truncateRunes(o.ToolError, maxEvidenceError)))
		case o.ToolName != "":
			parts = append(parts, fmt.Sprintf("[%s] %s: %s", date, event, o.ToolName))
		default:
			parts = append(parts, fmt.Sprintf("[%s] %s", date, event))
		}
	}
	if len(parts) == 0 {
		return "No specific evidence"
	}
	return strings.Join(parts, "; ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	nonAlnum  = regexp.MustCompile(`[^a-z0-9\s]`)
	datePat   = regexp.MustCompile(`\b\d{4}[-/]\d{2}[-/]\d{2}\b`)
	spaceRuns = regexp.MustCompile(`\s+`)
)

// Normalize lowercases text, strips punctuation and dates, and collapses
// whitespace.
func Normalize(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = datePat.ReplaceAllString(t, " ")
	t = nonAlnum.ReplaceAllString(t, " ")
	t = spaceRuns.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// Fingerprint identifies a gap for deduplication: the gap type plus the
// first ten sorted unique words longer than two characters of the
// normalized desired capability.
func Fingerprint(t lifecycle.GapType, desired string) string {
	seen := map[string]bool{}
	var words []string
	for _, w := range strings.Fields(Normalize(desired)) {
		if len(w) > 2 && !seen[w] {
			seen[w] = true
			words = append(words, w)
		}
	}
	sort.Strings(words)
	if len(words) > fingerprintWords {
		words = words[:fingerprintWords]
	}
	sum := sha256.Sum256([]byte(string(t) + ":" + strings.Join(words, " ")))
	return hex.EncodeToString(sum[:])[:16]
}
