package rules_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/rules"
	"github.com/HendryAvila/homunculus/internal/store"
)

// fields is a map-backed rules.Subject.
type fields map[string]any

func (f fields) Field(path string) (any, bool) {
	v, ok := f[path]
	return v, ok
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

// ─── Conditions ──────────────────────────────────────────────────────────────

func TestParseEval(t *testing.T) {
	obs := fields{
		"tool_name":          "Bash",
		"tool_success":       false,
		"tool_error":         "jq: command not found",
		"friction.retries":   float64(3),
		"event_type":         "post_tool",
		"project_path":       "/home/dev/app",
		"raw.exit_code":      "127",
		"friction.threshold": "",
	}

	tests := []struct {
		cond string
		want bool
	}{
		{`tool_success == false`, true},
		{`tool_success == true`, false},
		{`tool_error contains "NOT FOUND"`, true},
		{`tool_error matches "command not (found|installed)"`, true},
		{`friction.retries >= 3`, true},
		{`friction.retries > 3`, false},
		{`raw.exit_code > 100`, true},
		{`event_type == post_tool and tool_name == Bash`, true},
		{`event_type == stop or tool_name == Bash`, true},
		{`not tool_success`, true},
		{`tool_error`, true},
		{`friction.threshold`, false},
		{`friction.threshold exists`, false},
		{`missing.field != "x"`, true},
		{`missing.field == "x"`, false},
		{`missing.field contains "x"`, false},
		{`(tool_success == false and friction.retries >= 2) or event_type == stop`, true},
		{`not (tool_success == false and friction.retries >= 2)`, false},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			e, err := rules.Parse(tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Eval(obs))
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		``,
		`tool_error contains`,
		`tool_error contains "unterminated`,
		`(tool_success == false`,
		`tool_error => 3`,
		`tool_error matches "(["`,
		`== 3`,
		`a == 1 b`,
	} {
		t.Run(src, func(t *testing.T) {
			_, err := rules.Parse(src)
			assert.Error(t, err)
		})
	}
}

func TestHasOperator(t *testing.T) {
	assert.True(t, rules.HasOperator(`project_path contains "/tmp"`))
	assert.True(t, rules.HasOperator(`a == b`))
	assert.False(t, rules.HasOperator(`package.json`))
	assert.False(t, rules.HasOperator(`localhost`))
}

func TestConditionYAML(t *testing.T) {
	var doc struct {
		C rules.Condition `yaml:"c"`
	}
	src := `
c:
  all:
    - tool_success == false
    - any:
        - tool_error contains "timeout"
        - friction.retries >= 2
    - not: event_type == stop
`
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	require.NotNil(t, doc.C.Expr)

	assert.True(t, doc.C.Expr.Eval(fields{"tool_success": false, "friction.retries": 2, "event_type": "post_tool"}))
	assert.False(t, doc.C.Expr.Eval(fields{"tool_success": false, "friction.retries": 1, "event_type": "post_tool"}))
	assert.False(t, doc.C.Expr.Eval(fields{"tool_success": false, "tool_error": "timeout", "event_type": "stop"}))

	// The string form parses back to an equivalent expression.
	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	var again struct {
		C rules.Condition `yaml:"c"`
	}
	require.NoError(t, yaml.Unmarshal(out, &again))
	assert.Equal(t, doc.C.Expr.String(), again.C.Expr.String())

	bad := []string{
		"c:\n  all: []\n",
		"c:\n  every:\n    - a\n",
		"c:\n  - a\n",
	}
	for _, b := range bad {
		var d struct {
			C rules.Condition `yaml:"c"`
		}
		assert.Error(t, yaml.Unmarshal([]byte(b), &d), b)
	}
}

// ─── Definitions ─────────────────────────────────────────────────────────────

func TestParseRuleDefaults(t *testing.T) {
	r, err := rules.ParseRule([]byte(`
id: r1
gap_type: tool
triggers:
  - condition: tool_success == false
`))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Version)
	assert.True(t, r.Enabled)
	assert.Equal(t, rules.DefaultBaseConfidence, r.BaseConfidence)
	assert.Equal(t, rules.DefaultMinConfidence, r.MinConfidence)
	assert.Equal(t, rules.DefaultAutoSynthesize, r.AutoSynthesize)
	assert.Equal(t, rules.DefaultBoost, r.Triggers[0].ConfidenceBoost)
	assert.Equal(t, lifecycle.PriorityHigh, r.Priority)
}

func TestParseRuleErrors(t *testing.T) {
	tests := map[string]string{
		"unknown gap type": "id: r\ngap_type: nonsense\ntriggers:\n  - condition: a\n",
		"no triggers":      "id: r\ngap_type: tool\n",
		"unknown key":      "id: r\ngap_type: tool\ntrigers:\n  - condition: a\n",
		"bad scope":        "id: r\ngap_type: tool\ntriggers:\n  - condition: a\nscope_inference:\n  - if: default\n    then: planet\n",
		"bad scope cond":   "id: r\ngap_type: tool\ntriggers:\n  - condition: a\nscope_inference:\n  - if: a ==\n    then: global\n",
		"boost range":      "id: r\ngap_type: tool\ntriggers:\n  - condition: a\n    confidence_boost: 2\n",
		"missing id":       "gap_type: tool\ntriggers:\n  - condition: a\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := rules.ParseRule([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestParseTemplate(t *testing.T) {
	tpl, err := rules.ParseTemplate([]byte(`
id: t1
output_type: skill
gap_types: [tool]
files:
  - path: evolved/skills/x/SKILL.md
    content: hi
dependencies:
  - name: base
`))
	require.NoError(t, err)
	assert.Equal(t, store.ActionCreate, tpl.Files[0].Action)
	assert.Equal(t, lifecycle.DependencyRequired, tpl.Dependencies[0].Type)
	assert.True(t, tpl.Applies(lifecycle.GapTool))
	assert.False(t, tpl.Applies(lifecycle.GapKnowledge))

	_, err = rules.ParseTemplate([]byte("id: t2\noutput_type: widget\nfiles:\n  - path: a\n"))
	assert.Error(t, err)
}

func TestParseMetaRule(t *testing.T) {
	m, err := rules.ParseMetaRule([]byte(`
id: m1
subject: template
conditions:
  - metric: approval_rate
    operator: "<"
    value: 0.3
`))
	require.NoError(t, err)
	assert.Equal(t, 0.6, m.Confidence)
	assert.True(t, m.Conditions[0].Holds(0.2))
	assert.False(t, m.Conditions[0].Holds(0.3))

	_, err = rules.ParseMetaRule([]byte("id: m2\nsubject: meta_analyzer\nconditions:\n  - metric: x\n    operator: \">\"\n    value: 1\n"))
	assert.True(t, errors.Is(err, lifecycle.ErrMetaSelfTarget))
}

// ─── Loading and publishing ──────────────────────────────────────────────────

func TestLoadDirMultiDocument(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yaml", "id: b\n")
	writeFile(t, dir, "a.yml", "id: a1\n---\nid: a2\n")
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, "c.yaml", "id: [unclosed\n")

	docs, diags, err := rules.LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.True(t, strings.HasSuffix(docs[0].Source, "a.yml#1"))
	assert.True(t, strings.HasSuffix(docs[1].Source, "a.yml#2"))
	assert.True(t, strings.HasSuffix(docs[2].Source, "b.yaml"))
	assert.Equal(t, 2, docs[2].Order)
	require.Len(t, diags, 1)
	assert.Contains(t, diags[0].Source, "c.yaml")

	docs, diags, err = rules.LoadDir(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Empty(t, diags)
}

const ruleV1 = `id: r-tool
version: 1
gap_type: tool
triggers:
  - condition: tool_success == false
`

func newRepo(t *testing.T) (*rules.Repository, *store.Store, rules.Dirs) {
	t.Helper()
	root := t.TempDir()
	dirs := rules.Dirs{
		Rules:     filepath.Join(root, "rules"),
		Templates: filepath.Join(root, "templates"),
		MetaRules: filepath.Join(root, "meta-rules"),
	}
	s := newTestStore(t)
	return rules.NewRepository(s, dirs, zerolog.Nop()), s, dirs
}

func TestSyncPublishesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo, _, dirs := newRepo(t)
	writeFile(t, dirs.Rules, "tool.yaml", ruleV1)
	writeFile(t, dirs.Rules, "broken.yaml", "id: r-broken\ngap_type: tool\ntriggers:\n  - condition: a ==\n")

	res, err := repo.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Disabled)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "r-broken", res.Diagnostics[0].ID)

	loaded, diags, err := repo.Rules(ctx)
	require.NoError(t, err)
	assert.Empty(t, diags)
	require.Len(t, loaded, 1)
	assert.Equal(t, "r-tool", loaded[0].ID)

	res, err = repo.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Unchanged)
}

func TestSyncRefusesChangedContentUnderSameVersion(t *testing.T) {
	ctx := context.Background()
	repo, s, dirs := newRepo(t)
	writeFile(t, dirs.Rules, "tool.yaml", ruleV1)
	_, err := repo.Sync(ctx)
	require.NoError(t, err)

	writeFile(t, dirs.Rules, "tool.yaml", ruleV1+"description: edited\n")
	res, err := repo.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 1)
	assert.Contains(t, res.Diagnostics[0].Message, "bump the version")

	writeFile(t, dirs.Rules, "tool.yaml", strings.Replace(ruleV1, "version: 1", "version: 2", 1)+"description: edited\n")
	res, err = repo.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	versions, err := s.DefinitionVersions(ctx, store.KindRule, "r-tool")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	cur, _, err := repo.Rules(ctx)
	require.NoError(t, err)
	require.Len(t, cur, 1)
	assert.Equal(t, 2, cur[0].Version)
}

func TestPatchDefinitionKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	repo, s, dirs := newRepo(t)
	writeFile(t, dirs.Rules, "tool.yaml", ruleV1)
	_, err := repo.Sync(ctx)
	require.NoError(t, err)

	var next int
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		next, err = rules.PatchDefinition(ctx, tx, store.KindRule, "r-tool", map[string]any{"min_confidence": 0.5, "version": 99}, "meta:test")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	cur, _, err := repo.Rules(ctx)
	require.NoError(t, err)
	require.Len(t, cur, 1)
	assert.Equal(t, 2, cur[0].Version)
	assert.Equal(t, 0.5, cur[0].MinConfidence)

	v1, err := s.GetDefinition(ctx, store.KindRule, "r-tool", 1)
	require.NoError(t, err)
	assert.NotContains(t, v1.Body, "min_confidence")
	assert.False(t, v1.Current)

	// An invalid patch publishes nothing.
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := rules.PatchDefinition(ctx, tx, store.KindRule, "r-tool", map[string]any{"gap_type": "nonsense"}, "meta:test")
		return err
	})
	assert.Error(t, err)
	versions, err := s.DefinitionVersions(ctx, store.KindRule, "r-tool")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestMetaRulesReload(t *testing.T) {
	ctx := context.Background()
	repo, _, dirs := newRepo(t)
	writeFile(t, dirs.MetaRules, "m.yaml", "id: m1\nsubject: template\nconditions:\n  - metric: approval_rate\n    operator: \"<\"\n    value: 0.3\n---\nid: m2\nenabled: false\nsubject: template\nconditions:\n  - metric: approval_rate\n    operator: \"<\"\n    value: 0.3\n")

	res, err := repo.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MetaRules)
	require.Len(t, repo.MetaRules(), 1)
	assert.Equal(t, "m1", repo.MetaRules()[0].ID)
}

// ─── Built-in defaults ───────────────────────────────────────────────────────

func TestWriteDefaultsParseAndSync(t *testing.T) {
	ctx := context.Background()
	repo, _, dirs := newRepo(t)

	written, err := rules.WriteDefaults(dirs)
	require.NoError(t, err)
	assert.NotEmpty(t, written)

	res, err := repo.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Diagnostics)
	assert.Zero(t, res.Disabled)
	assert.Positive(t, res.MetaRules)

	loaded, _, err := repo.Rules(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, loaded)
	tpls, _, err := repo.Templates(ctx)
	require.NoError(t, err)

	var generic bool
	for _, tpl := range tpls {
		if tpl.OutputType == lifecycle.TypeSkill && len(tpl.GapTypes) == 0 {
			generic = true
		}
	}
	assert.True(t, generic, "a generic skill template ships by default")

	// Re-running keeps local edits.
	edited := filepath.Join(dirs.Rules, "tool-gap.yaml")
	require.NoError(t, os.WriteFile(edited, []byte(ruleV1), 0o644))
	again, err := rules.WriteDefaults(dirs)
	require.NoError(t, err)
	assert.Empty(t, again)
	b, err := os.ReadFile(edited)
	require.NoError(t, err)
	assert.Equal(t, ruleV1, string(b))
}

func TestWatchResyncsOnChange(t *testing.T) {
	repo, _, dirs := newRepo(t)
	writeFile(t, dirs.Rules, "tool.yaml", ruleV1)
	require.NoError(t, os.MkdirAll(dirs.Templates, 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	synced := make(chan *rules.SyncResult, 4)
	done := make(chan error, 1)
	go func() {
		done <- repo.Watch(ctx, 20*time.Millisecond, func(r *rules.SyncResult, err error) {
			if err != nil {
				return
			}
			select {
			case synced <- r:
			default:
			}
		})
	}()

	// Keep writing until the watcher has registered and picked up a change.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case r := <-synced:
			assert.GreaterOrEqual(t, r.Inserted+r.Unchanged, 1)
			cancel()
			require.NoError(t, <-done)
			return
		case <-tick.C:
			writeFile(t, dirs.Templates, "t.yaml", "id: t1\noutput_type: skill\nfiles:\n  - path: evolved/skills/x/SKILL.md\n    content: hi\n")
		case <-deadline:
			t.Fatal("watcher never re-synced")
		}
	}
}
