package synth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/HendryAvila/homunculus/internal/rules"
	"github.com/HendryAvila/homunculus/internal/store"
)

// Context is the data a template renders against. Every field derives from
// the gap, so the same gap and template always render the same bytes.
type Context struct {
	GapID             string
	GapType           string
	Domain            string
	DesiredCapability string
	Evidence          string
	Scope             string
	Confidence        float64
	DetectedAt        string
	ProjectPath       string
	Name              string
	Slug              string
	Title             string
	Summary           string
}

// NewContext builds the render context for a gap.
func NewContext(g *store.Gap) Context {
	name := CapabilityName(g.DesiredCapability, g.Domain)
	domain := g.Domain
	if domain == "" {
		domain = "general"
	}
	return Context{
		GapID:             g.ID,
		GapType:           string(g.Type),
		Domain:            domain,
		DesiredCapability: g.DesiredCapability,
		Evidence:          g.EvidenceSummary,
		Scope:             string(g.Scope),
		Confidence:        g.Confidence,
		DetectedAt:        g.DetectedAt,
		ProjectPath:       g.ProjectPath,
		Name:              name,
		Slug:              Slugify(name),
		Title:             Title(name),
		Summary:           Summary(g.DesiredCapability),
	}
}

// Rendered is the output of a template.
type Rendered struct {
	Files       []store.FileChange
	ConfigPatch string
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"trim":  strings.TrimSpace,
}

// Render expands every file path, file body and the config patch of tpl.
// A config patch must render to a JSON object.
func Render(tpl *rules.Template, c Context) (*Rendered, error) {
	out := &Rendered{}
	for i, f := range tpl.Files {
		path, err := execute(fmt.Sprintf("%s/files[%d].path", tpl.ID, i), f.Path, c)
		if err != nil {
			return nil, err
		}
		body, err := execute(fmt.Sprintf("%s/files[%d].content", tpl.ID, i), f.Content, c)
		if err != nil {
			return nil, err
		}
		out.Files = append(out.Files, store.FileChange{
			Path:    strings.TrimSpace(path),
			Content: body,
			Action:  f.Action,
		})
	}

	if strings.TrimSpace(tpl.ConfigPatch) != "" {
		patch, err := execute(tpl.ID+"/config_patch", tpl.ConfigPatch, c)
		if err != nil {
			return nil, err
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(patch), &obj); err != nil {
			return nil, fmt.Errorf("synth: template %s: config patch is not a JSON object: %w", tpl.ID, err)
		}
		compact, _ := json.Marshal(obj)
		out.ConfigPatch = string(compact)
	}
	return out, nil
}

func execute(name, text string, c Context) (string, error) {
	t, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("synth: parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("synth: render %s: %w", name, err)
	}
	return buf.String(), nil
}

// ─── Naming ──────────────────────────────────────────────────────────────────

var (
	leadingPhrases = []string{"cannot ", "can't ", "unable to ", "don't have ", "no way to "}
	fillerWords    = map[string]bool{"the": true, "and": true, "for": true, "with": true}
	slugInvalid    = regexp.MustCompile(`[^a-z0-9-]+`)
	slugDashes     = regexp.MustCompile(`-+`)
)

const maxSlugLen = 50

// CapabilityName derives a short hyphenated name from the desired
// capability: leading phrases such as "cannot" are dropped, up to three
// significant words are kept and the domain is prefixed when absent.
func CapabilityName(desired, domain string) string {
	text := strings.ToLower(strings.TrimSpace(desired))
	for _, p := range leadingPhrases {
		if strings.HasPrefix(text, p) {
			text = strings.TrimPrefix(text, p)
			break
		}
	}

	var words []string
	for i, w := range strings.Fields(text) {
		if i == 4 {
			break
		}
		w = strings.Trim(slugInvalid.ReplaceAllString(w, ""), "-")
		if len(w) > 2 && !fillerWords[w] {
			words = append(words, w)
		}
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain != "" && !strings.Contains(strings.Join(words, " "), domain) {
		words = append([]string{domain}, words...)
	}
	if len(words) > 3 {
		words = words[:3]
	}
	if len(words) == 0 {
		return "capability"
	}
	return strings.Join(words, "-")
}

// Slugify lowercases name, keeps letters, digits and single dashes, and
// caps the result at 50 characters.
func Slugify(name string) string {
	s := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "-"))
	s = strings.ReplaceAll(s, "_", "-")
	s = slugInvalid.ReplaceAllString(s, "")
	s = slugDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	if s == "" {
		return "capability"
	}
	return s
}

// Title turns a hyphenated name into words with capitalized initials.
func Title(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '_' || r == ' ' })
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// Summary is the desired capability cut to 80 characters.
func Summary(desired string) string {
	desired = strings.TrimSpace(desired)
	if desired == "" {
		return "Unknown capability"
	}
	r := []rune(desired)
	if len(r) > 80 {
		return string(r[:77]) + "..."
	}
	return desired
}
