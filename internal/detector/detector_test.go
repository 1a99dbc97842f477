package detector_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/homunculus/internal/config"
	"github.com/HendryAvila/homunculus/internal/detector"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/rules"
	"github.com/HendryAvila/homunculus/internal/store"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

type env struct {
	store *store.Store
	repo  *rules.Repository
	det   *detector.Detector
}

func newEnv(t *testing.T, ruleDocs map[string]string) *env {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	dirs := rules.Dirs{Rules: filepath.Join(root, "rules")}
	if err := os.MkdirAll(dirs.Rules, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, body := range ruleDocs {
		if err := os.WriteFile(filepath.Join(dirs.Rules, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s, err := store.Open(ctx, filepath.Join(root, "h.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	repo := rules.NewRepository(s, dirs, zerolog.Nop())
	if _, err := repo.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return &env{
		store: s,
		repo:  repo,
		det:   detector.New(s, repo, config.DefaultAt(root).Detection, zerolog.Nop()),
	}
}

func (e *env) observe(t *testing.T, obs ...store.Observation) {
	t.Helper()
	err := e.store.WithTx(context.Background(), func(tx *store.Tx) error {
		for i := range obs {
			if obs[i].SessionID == "" {
				obs[i].SessionID = "sess-1"
			}
			if obs[i].EventType == "" {
				obs[i].EventType = store.EventPostTool
			}
			if obs[i].Timestamp == "" {
				obs[i].Timestamp = "2026-03-01T10:00:00Z"
			}
			if _, err := tx.InsertObservation(context.Background(), &obs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert observations: %v", err)
	}
}

func failed() *bool {
	f := false
	return &f
}

const pdfRule = `id: read-failures
version: 1
gap_type: tool
triggers:
  - condition: tool_success == 0
scope_inference:
  - if: default
    then: global
`

// ─── Scenarios ───────────────────────────────────────────────────────────────

func TestRun_SingleFailureBecomesToolGap(t *testing.T) {
	e := newEnv(t, map[string]string{"r.yaml": pdfRule})
	e.observe(t, store.Observation{
		ID: "obs-1", ToolName: "Read", ToolSuccess: failed(), ToolError: "unsupported file type: pdf",
	})

	res, err := e.det.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Created) != 1 {
		t.Fatalf("created = %d gaps, want 1", len(res.Created))
	}
	g := res.Created[0]
	if g.Type != lifecycle.GapTool {
		t.Errorf("type = %s, want tool", g.Type)
	}
	if g.Confidence < rules.DefaultBaseConfidence {
		t.Errorf("confidence = %v, want >= base", g.Confidence)
	}
	if !strings.Contains(g.DesiredCapability, "pdf") {
		t.Errorf("desired capability %q lacks pdf", g.DesiredCapability)
	}
	if g.Domain != "pdf" {
		t.Errorf("domain = %q, want pdf", g.Domain)
	}
	if g.Scope != lifecycle.ScopeGlobal {
		t.Errorf("scope = %s", g.Scope)
	}
	if g.RuleID != "read-failures" || g.RuleVersion != 1 {
		t.Errorf("provenance = %s v%d", g.RuleID, g.RuleVersion)
	}

	obs, err := e.store.GapObservations(context.Background(), g.ID)
	if err != nil || len(obs) != 1 || !obs[0].Processed {
		t.Fatalf("gap observations = %+v, %v", obs, err)
	}
}

func TestRun_TwoMatchesCollapseToOneGap(t *testing.T) {
	e := newEnv(t, map[string]string{"r.yaml": pdfRule})
	e.observe(t,
		store.Observation{ID: "obs-1", ToolName: "Read", ToolSuccess: failed(), ToolError: "unsupported file type: pdf"},
		store.Observation{ID: "obs-2", ToolName: "Read", ToolSuccess: failed(), ToolError: "unsupported file type: pdf",
			Timestamp: "2026-03-01T10:05:00Z"},
	)

	res, err := e.det.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Created) != 1 {
		t.Fatalf("created = %d gaps, want 1", len(res.Created))
	}
	want := detector.Confidence(rules.DefaultBaseConfidence, rules.DefaultBoost, 2, 0.95)
	if math.Abs(res.Created[0].Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", res.Created[0].Confidence, want)
	}
	ids, _ := e.store.GapObservationIDs(context.Background(), res.Created[0].ID)
	if len(ids) != 2 {
		t.Errorf("linked observations = %v", ids)
	}
}

func TestRun_Idempotent(t *testing.T) {
	e := newEnv(t, map[string]string{"r.yaml": pdfRule})
	e.observe(t, store.Observation{ID: "obs-1", ToolName: "Read", ToolSuccess: failed(), ToolError: "bad pdf"})

	ctx := context.Background()
	if _, err := e.det.Run(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := e.det.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Observations != 0 || len(res.Created) != 0 {
		t.Errorf("second run claimed %d observations, created %d gaps", res.Observations, len(res.Created))
	}
	total, unprocessed, _ := e.store.CountObservations(ctx)
	if total != 1 || unprocessed != 0 {
		t.Errorf("observations total=%d unprocessed=%d", total, unprocessed)
	}
}

func TestRun_LaterEvidenceLinksToOpenGap(t *testing.T) {
	e := newEnv(t, map[string]string{"r.yaml": pdfRule})
	ctx := context.Background()
	e.observe(t, store.Observation{ID: "obs-1", ToolName: "Read", ToolSuccess: failed(), ToolError: "unsupported file type: pdf"})
	first, err := e.det.Run(ctx)
	if err != nil || len(first.Created) != 1 {
		t.Fatalf("first run: %+v %v", first, err)
	}
	gap := first.Created[0]

	e.observe(t, store.Observation{ID: "obs-2", ToolName: "Read", ToolSuccess: failed(), ToolError: "unsupported file type: pdf"})
	second, err := e.det.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Created) != 0 || len(second.Linked) != 1 || second.Linked[0].GapID != gap.ID {
		t.Fatalf("second run = %+v", second)
	}

	after, _ := e.store.GetGap(ctx, gap.ID)
	if after.Confidence != gap.Confidence || after.UpdatedAt != gap.UpdatedAt {
		t.Errorf("open gap was mutated: %+v", after)
	}
	ids, _ := e.store.GapObservationIDs(ctx, gap.ID)
	if len(ids) != 2 {
		t.Errorf("linked observations = %v", ids)
	}
}

func TestRun_BelowMinimumConfidenceSuppressed(t *testing.T) {
	rule := strings.Replace(pdfRule, "gap_type: tool\n", "gap_type: tool\nmin_confidence: 0.9\n", 1)
	e := newEnv(t, map[string]string{"r.yaml": rule})
	e.observe(t, store.Observation{ID: "obs-1", ToolName: "Read", ToolSuccess: failed(), ToolError: "x"})

	res, err := e.det.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Created) != 0 || res.Suppressed != 1 {
		t.Errorf("created=%d suppressed=%d", len(res.Created), res.Suppressed)
	}
	_, unprocessed, _ := e.store.CountObservations(context.Background())
	if unprocessed != 0 {
		t.Errorf("unmatched evidence must still be processed, %d left", unprocessed)
	}
}

func TestRun_MalformedRuleSkipped(t *testing.T) {
	e := newEnv(t, map[string]string{
		"a.yaml": "id: broken\ngap_type: tool\ntriggers:\n  - condition: tool_error ==\n",
		"b.yaml": pdfRule,
	})
	e.observe(t, store.Observation{ID: "obs-1", ToolName: "Read", ToolSuccess: failed(), ToolError: "pdf"})

	res, err := e.det.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Created) != 1 || res.Created[0].RuleID != "read-failures" {
		t.Errorf("created = %+v", res.Created)
	}
}

func TestRun_BatchesAreBounded(t *testing.T) {
	e := newEnv(t, map[string]string{"r.yaml": pdfRule})
	cfg := config.DefaultAt(t.TempDir()).Detection
	cfg.BatchSize = 2
	det := detector.New(e.store, e.repo, cfg, zerolog.Nop())

	for _, id := range []string{"o1", "o2", "o3", "o4", "o5"} {
		e.observe(t, store.Observation{ID: id, ToolName: "Bash", ToolSuccess: failed(), ToolError: "exit " + id})
	}
	res, err := det.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Batches != 3 || res.Observations != 5 {
		t.Errorf("batches=%d observations=%d, want 3 and 5", res.Batches, res.Observations)
	}
}

func TestRun_CancelledBeforeEvaluation(t *testing.T) {
	e := newEnv(t, map[string]string{"r.yaml": pdfRule})
	e.observe(t, store.Observation{ID: "obs-1", ToolName: "Read", ToolSuccess: failed(), ToolError: "pdf"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.det.Run(ctx); err == nil {
		t.Fatal("expected an error from a cancelled run")
	}
	_, unprocessed, _ := e.store.CountObservations(context.Background())
	if unprocessed != 1 {
		t.Errorf("cancelled batch must roll back, unprocessed = %d", unprocessed)
	}
}

// ─── Pure helpers ────────────────────────────────────────────────────────────

func TestConfidence_Bounds(t *testing.T) {
	tests := []struct {
		base, boost float64
		n           int
		want        float64
	}{
		{0.3, 0.2, 1, 0.5},
		{0.3, 0.2, 2, 0.7},
		{0.3, 0.2, 50, 0.95},
		{0.9, 0.5, 1, 0.95},
		{0, 0, 3, 0},
	}
	for _, tt := range tests {
		got := detector.Confidence(tt.base, tt.boost, tt.n, 0.95)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Confidence(%v, %v, %d) = %v, want %v", tt.base, tt.boost, tt.n, got, tt.want)
		}
		if got < 0 || got > 1 {
			t.Errorf("confidence %v out of [0,1]", got)
		}
	}
	// Monotone in the number of matches.
	prev := 0.0
	for n := 1; n < 20; n++ {
		c := detector.Confidence(0.3, 0.1, n, 0.95)
		if c < prev {
			t.Fatalf("confidence decreased at n=%d", n)
		}
		prev = c
	}
}

func TestExtractCapability(t *testing.T) {
	obs := []*store.Observation{
		{ToolName: "Bash", ToolError: "bash: jq: command not found", RawExcerpt: `{"command":"jq .x file.json"}`},
		{ToolName: "Grep"},
	}
	tests := []struct {
		spec string
		want string
	}{
		{"", "bash: jq: command not found"},
		{"field:tool_name", "Bash"},
		{"field:raw.command", "jq .x file.json"},
		{"field:raw.missing", "bash: jq: command not found"},
		{`regex:([\w.-]+):\s*command not found`, "jq"},
		{`regex:no-such-thing`, "bash: jq: command not found"},
		{"Parse JSON from the shell", "Parse JSON from the shell"},
	}
	for _, tt := range tests {
		if got := detector.ExtractCapability(tt.spec, obs); got != tt.want {
			t.Errorf("ExtractCapability(%q) = %q, want %q", tt.spec, got, tt.want)
		}
	}

	noErr := []*store.Observation{{ToolName: "Write"}, {ToolName: "Edit"}, {ToolName: "Write"}}
	if got := detector.ExtractCapability("", noErr); got != "Issue with tools: Edit, Write" {
		t.Errorf("tool fallback = %q", got)
	}
	if got := detector.ExtractCapability("", []*store.Observation{{}}); got != "Detected capability gap" {
		t.Errorf("final fallback = %q", got)
	}
}

func TestInferDomain(t *testing.T) {
	tests := []struct {
		obs  store.Observation
		want string
	}{
		{store.Observation{ToolError: "cannot open PDF"}, "pdf"},
		{store.Observation{ToolName: "Bash", RawExcerpt: "git push origin main"}, "git"},
		{store.Observation{ToolError: "pytest failed"}, "testing"},
		{store.Observation{ToolError: "docker daemon not running"}, "docker"},
		{store.Observation{ToolError: "the ci job broke"}, "ci_cd"},
		{store.Observation{ToolError: "decision was final"}, ""},
	}
	for _, tt := range tests {
		o := tt.obs
		if got := detector.InferDomain([]*store.Observation{&o}); got != tt.want {
			t.Errorf("InferDomain(%+v) = %q, want %q", tt.obs, got, tt.want)
		}
	}
}

func TestInferScope(t *testing.T) {
	rule, err := rules.ParseRule([]byte(`
id: s
gap_type: knowledge
triggers:
  - condition: tool_error
scope_inference:
  - if: project_path contains "/tmp"
    then: session
  - if: package.json
    then: project
  - if: default
    then: global
`))
	if err != nil {
		t.Fatal(err)
	}

	tmp := &store.Observation{ProjectPath: "/tmp/x", ToolError: "e"}
	node := &store.Observation{ProjectPath: "/srv/app", ToolError: "cannot read package.json"}
	both := &store.Observation{ProjectPath: "/tmp/app", ToolError: "cannot read package.json"}
	other := &store.Observation{ProjectPath: "/srv/app", ToolError: "e"}

	if s, _ := detector.InferScope(rule, []*store.Observation{tmp}); s != lifecycle.ScopeSession {
		t.Errorf("condition scope = %s", s)
	}
	if s, _ := detector.InferScope(rule, []*store.Observation{node}); s != lifecycle.ScopeProject {
		t.Errorf("keyword scope = %s", s)
	}
	if s, _ := detector.InferScope(rule, []*store.Observation{other}); s != lifecycle.ScopeGlobal {
		t.Errorf("default scope = %s", s)
	}
	s, tie := detector.InferScope(rule, []*store.Observation{both})
	if s != lifecycle.ScopeSession || tie == "" {
		t.Errorf("tie: scope=%s diagnostic=%q", s, tie)
	}

	rule.ScopeInference = nil
	if s, _ := detector.InferScope(rule, []*store.Observation{other}); s != lifecycle.ScopeProject {
		t.Errorf("gap type default = %s, want project", s)
	}
}

func TestEvidenceSummary(t *testing.T) {
	var obs []*store.Observation
	for i := 0; i < 7; i++ {
		obs = append(obs, &store.Observation{Timestamp: "2026-03-01T10:00:00Z", ToolName: "Bash", ToolError: strings.Repeat("x", 80)})
	}
	got := detector.EvidenceSummary(obs)
	if n := strings.Count(got, "[2026-03-01]"); n != 5 {
		t.Errorf("summary holds %d items, want 5", n)
	}
	if strings.Contains(got, strings.Repeat("x", 51)) {
		t.Error("error text not cut to 50 chars")
	}
	if detector.EvidenceSummary(nil) != "No specific evidence" {
		t.Error("empty summary")
	}
	single := detector.EvidenceSummary([]*store.Observation{{Timestamp: "2026-03-01T10:00:00Z", EventType: "stop"}})
	if single != "[2026-03-01] stop" {
		t.Errorf("summary = %q", single)
	}
}

func TestFingerprint(t *testing.T) {
	a := detector.Fingerprint(lifecycle.GapTool, "Parse PDF files, on 2026-03-01!")
	b := detector.Fingerprint(lifecycle.GapTool, "files pdf parse")
	if a != b {
		t.Error("word order, punctuation and dates must not change the fingerprint")
	}
	if a == detector.Fingerprint(lifecycle.GapKnowledge, "files pdf parse") {
		t.Error("gap type must be part of the fingerprint")
	}
	if a == detector.Fingerprint(lifecycle.GapTool, "parse csv files") {
		t.Error("different capabilities share a fingerprint")
	}
}

func TestDedupe_KeepsHighestConfidence(t *testing.T) {
	cands := []detector.Candidate{
		{Gap: store.Gap{Fingerprint: "f1", Confidence: 0.5}, ObservationIDs: []string{"a"}},
		{Gap: store.Gap{Fingerprint: "f2", Confidence: 0.4}, ObservationIDs: []string{"b"}},
		{Gap: store.Gap{Fingerprint: "f1", Confidence: 0.8}, ObservationIDs: []string{"c"}},
	}
	out := detector.Dedupe(cands)
	if len(out) != 2 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].Gap.Confidence != 0.8 || len(out[0].ObservationIDs) != 2 {
		t.Errorf("survivor = %+v", out[0])
	}
}

func TestEvaluate_DoesNotTouchStore(t *testing.T) {
	e := newEnv(t, map[string]string{"r.yaml": pdfRule})
	loaded, _, err := e.repo.Rules(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	batch := []store.Observation{{ID: "x", ToolSuccess: failed(), ToolError: "e"}}
	cands, _, err := e.det.Evaluate(context.Background(), loaded, batch)
	if err != nil || len(cands) != 1 {
		t.Fatalf("evaluate = %v, %v", cands, err)
	}
	if _, err := e.store.GetObservation(context.Background(), "x"); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Errorf("evaluate wrote to the store: %v", err)
	}
}
