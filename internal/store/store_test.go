package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

func init() {
	lifecycle.SetClock(func() time.Time { return time.Date(2026, 2, 23, 12, 0, 0, 0, time.UTC) })
}

// newTestStore creates a Store backed by a temp directory for isolation.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "homunculus.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedRule publishes a minimal detector rule so gaps can reference it.
func seedRule(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.PublishDefinition(context.Background(), &Definition{
			Kind: KindRule, ID: id, Version: 1, Category: "tool", Enabled: true,
			Body: "id: " + id, Source: "test",
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed rule: %v", err)
	}
}

func seedObservation(t *testing.T, s *Store, id string) {
	t.Helper()
	ok := true
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.InsertObservation(context.Background(), &Observation{
			ID: id, Timestamp: "2026-02-23T11:00:00Z", SessionID: "sess-1",
			EventType: EventPostTool, ToolName: "Bash", ToolSuccess: &ok,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed observation: %v", err)
	}
}

func seedGap(t *testing.T, s *Store, fingerprint string, obs ...string) *Gap {
	t.Helper()
	g := &Gap{
		Type: lifecycle.GapTool, Confidence: 0.7, Scope: lifecycle.ScopeProject,
		DesiredCapability: "run the linter", Fingerprint: fingerprint,
		RuleID: "rule-a", RuleVersion: 1,
	}
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.InsertGap(context.Background(), g, obs)
	})
	if err != nil {
		t.Fatalf("seed gap: %v", err)
	}
	return g
}

// ─── Open / migrations ──────────────────────────────────────────────────────

func TestOpen_IdempotentReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.db")
	s1, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	seedRule(t, s1, "rule-a")
	s1.Close()

	s2, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	var version int
	if err := s2.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != len(migrations) {
		t.Errorf("user_version = %d, want %d", version, len(migrations))
	}
	defs, err := s2.CurrentDefinitions(context.Background(), KindRule)
	if err != nil || len(defs) != 1 {
		t.Fatalf("definitions after reopen = %d, err %v", len(defs), err)
	}
}

func TestOpen_OpenDBError(t *testing.T) {
	orig := openDB
	openDB = func(string, string) (*sql.DB, error) { return nil, errors.New("boom") }
	defer func() { openDB = orig }()

	if _, err := Open(context.Background(), filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Fatal("expected error from openDB")
	}
}

// ─── Observations ───────────────────────────────────────────────────────────

func TestInsertObservation_Idempotent(t *testing.T) {
	s := newTestStore(t)
	seedObservation(t, s, "obs-1")
	seedObservation(t, s, "obs-1")

	total, unprocessed, err := s.CountObservations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || unprocessed != 1 {
		t.Errorf("counts = %d/%d, want 1/1", total, unprocessed)
	}
	sess, err := s.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ObservationCount != 1 {
		t.Errorf("session count = %d, want 1", sess.ObservationCount)
	}
}

func TestMarkProcessed_OnlyFlipsOnce(t *testing.T) {
	s := newTestStore(t)
	seedObservation(t, s, "obs-1")
	seedObservation(t, s, "obs-2")
	ctx := context.Background()

	var first, second int
	err := s.WithTx(ctx, func(tx *Tx) error {
		obs, err := tx.ClaimUnprocessed(ctx, 10)
		if err != nil {
			return err
		}
		if len(obs) != 2 {
			t.Errorf("claimed %d, want 2", len(obs))
		}
		first, err = tx.MarkProcessed(ctx, []string{"obs-1", "obs-2"})
		if err != nil {
			return err
		}
		second, err = tx.MarkProcessed(ctx, []string{"obs-1"})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if first != 2 || second != 0 {
		t.Errorf("flipped %d then %d, want 2 then 0", first, second)
	}
}

func TestObservationField(t *testing.T) {
	ok := false
	o := &Observation{
		ToolName: "Bash", ToolSuccess: &ok,
		Friction:   map[string]int{"retries": 2, "corrections": 1},
		RawExcerpt: `{"tool_input":{"command":"npm test"}}`,
	}
	cases := []struct {
		path string
		want any
		ok   bool
	}{
		{"tool_name", "Bash", true},
		{"observation.tool_success", 0, true},
		{"friction", 3, true},
		{"friction.retries", 2, true},
		{"friction.missing", 0, false},
		{"raw.tool_input.command", "npm test", true},
		{"raw.tool_input.nope", nil, false},
		{"unknown", nil, false},
	}
	for _, tc := range cases {
		got, found := o.Field(tc.path)
		if found != tc.ok {
			t.Errorf("Field(%q) found = %v, want %v", tc.path, found, tc.ok)
			continue
		}
		if found && got != tc.want {
			t.Errorf("Field(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestIngestOffset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx *Tx) error {
		off, err := tx.IngestOffset(ctx, "/tmp/events.jsonl")
		if err != nil || off != 0 {
			t.Errorf("initial offset = %d, err %v", off, err)
		}
		if err := tx.SetIngestOffset(ctx, "/tmp/events.jsonl", 42); err != nil {
			return err
		}
		off, err = tx.IngestOffset(ctx, "/tmp/events.jsonl")
		if off != 42 {
			t.Errorf("offset = %d, want 42", off)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

// ─── Transitions ────────────────────────────────────────────────────────────

func TestTransitionGap_LegalAndIllegal(t *testing.T) {
	s := newTestStore(t)
	seedRule(t, s, "rule-a")
	g := seedGap(t, s, "fp-1")
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.TransitionGap(ctx, g.ID, lifecycle.GapDismissed, Assign{"dismiss_reason", "noise"})
	})
	if err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.TransitionGap(ctx, g.ID, lifecycle.GapSynthesizing)
	})
	var te *lifecycle.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if te.From != string(lifecycle.GapDismissed) {
		t.Errorf("From = %q", te.From)
	}

	got, err := s.GetGap(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != lifecycle.GapDismissed || got.DismissReason != "noise" {
		t.Errorf("gap = %s/%q", got.Status, got.DismissReason)
	}

	hist, err := s.TransitionHistory(ctx, lifecycle.EntityGap, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].To != string(lifecycle.GapDismissed) {
		t.Errorf("history = %+v", hist)
	}
}

func TestTransition_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.TransitionProposal(context.Background(), "prop-missing", lifecycle.ProposalApproved)
	})
	if !errors.Is(err, lifecycle.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithTx_CommitFailureRollsBack(t *testing.T) {
	s := newTestStore(t)
	seedRule(t, s, "rule-a")
	g := seedGap(t, s, "fp-1")
	ctx := context.Background()

	s.hooks.commit = func(tx *sql.Tx) error {
		_ = tx.Rollback()
		return errors.New("disk full")
	}
	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.TransitionGap(ctx, g.ID, lifecycle.GapDismissed)
	})
	if err == nil {
		t.Fatal("expected commit error")
	}
	s.hooks = defaultStoreHooks()

	got, err := s.GetGap(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != lifecycle.GapPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

// ─── Gaps ───────────────────────────────────────────────────────────────────

func TestFindOpenGap_SkipsClosed(t *testing.T) {
	s := newTestStore(t)
	seedRule(t, s, "rule-a")
	seedObservation(t, s, "obs-1")
	seedObservation(t, s, "obs-2")
	g := seedGap(t, s, "fp-1", "obs-1")
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		open, err := tx.FindOpenGap(ctx, "fp-1")
		if err != nil {
			return err
		}
		if open == nil || open.ID != g.ID {
			t.Fatalf("open gap = %+v", open)
		}
		if err := tx.LinkObservations(ctx, g.ID, []string{"obs-1", "obs-2"}); err != nil {
			return err
		}
		return tx.TransitionGap(ctx, g.ID, lifecycle.GapDismissed)
	})
	if err != nil {
		t.Fatal(err)
	}

	ids, err := s.GapObservationIDs(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("linked = %v, want 2 ids", ids)
	}

	_ = s.WithTx(ctx, func(tx *Tx) error {
		open, err := tx.FindOpenGap(ctx, "fp-1")
		if err != nil || open != nil {
			t.Errorf("expected no open gap after dismissal, got %+v (%v)", open, err)
		}
		return nil
	})
}

func TestInsertGap_ClampsConfidence(t *testing.T) {
	s := newTestStore(t)
	seedRule(t, s, "rule-a")
	g := &Gap{
		Type: lifecycle.GapTool, Confidence: 1.7, Scope: lifecycle.ScopeGlobal,
		DesiredCapability: "x", Fingerprint: "fp", RuleID: "rule-a", RuleVersion: 1,
	}
	if err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.InsertGap(context.Background(), g, nil)
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetGap(context.Background(), g.ID)
	if got.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", got.Confidence)
	}
}

// ─── Definitions ────────────────────────────────────────────────────────────

func TestPublishDefinition_Versioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	publish := func(d *Definition) (PublishOutcome, error) {
		var out PublishOutcome
		err := s.WithTx(ctx, func(tx *Tx) error {
			var err error
			out, err = tx.PublishDefinition(ctx, d)
			return err
		})
		return out, err
	}

	v1 := &Definition{Kind: KindTemplate, ID: "tpl", Version: 1, Category: "skill", Enabled: true, Body: "a: 1", Source: "test"}
	if out, err := publish(v1); err != nil || out != PublishInserted {
		t.Fatalf("first publish = %s, %v", out, err)
	}
	same := *v1
	same.BodyHash = ""
	same.Body = "a:   1"
	if out, err := publish(&same); err != nil || out != PublishUnchanged {
		t.Fatalf("republish = %s, %v", out, err)
	}
	changed := &Definition{Kind: KindTemplate, ID: "tpl", Version: 1, Category: "skill", Body: "a: 2", Source: "test"}
	if _, err := publish(changed); !errors.Is(err, ErrDefinitionConflict) {
		t.Fatalf("expected ErrDefinitionConflict, got %v", err)
	}

	v2 := &Definition{Kind: KindTemplate, ID: "tpl", Version: 2, Category: "skill", Enabled: true, Body: "a: 2", Source: "test"}
	if _, err := publish(v2); err != nil {
		t.Fatal(err)
	}
	cur, err := s.CurrentDefinitions(ctx, KindTemplate)
	if err != nil {
		t.Fatal(err)
	}
	if len(cur) != 1 || cur[0].Version != 2 {
		t.Fatalf("current = %+v", cur)
	}

	// Pointer moves back explicitly; both versions stay stored.
	if err := s.WithTx(ctx, func(tx *Tx) error { return tx.SetCurrent(ctx, KindTemplate, "tpl", 1) }); err != nil {
		t.Fatal(err)
	}
	versions, _ := s.DefinitionVersions(ctx, KindTemplate, "tpl")
	if len(versions) != 2 || !versions[0].Current || versions[1].Current {
		t.Errorf("versions = %+v", versions)
	}
}

// ─── Capabilities ───────────────────────────────────────────────────────────

func seedCapabilities(t *testing.T, s *Store, names ...string) map[string]string {
	t.Helper()
	seedRule(t, s, "rule-a")
	ctx := context.Background()
	ids := map[string]string{}
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.PublishDefinition(ctx, &Definition{
			Kind: KindTemplate, ID: "tpl", Version: 1, Category: "skill", Enabled: true, Body: "t", Source: "test",
		}); err != nil {
			return err
		}
		for _, name := range names {
			g := &Gap{Type: lifecycle.GapTool, Confidence: 0.8, Scope: lifecycle.ScopeGlobal,
				DesiredCapability: name, Fingerprint: "fp-" + name, RuleID: "rule-a", RuleVersion: 1}
			if err := tx.InsertGap(ctx, g, nil); err != nil {
				return err
			}
			p := &Proposal{GapID: g.ID, Type: lifecycle.TypeSkill, Name: name, Summary: name,
				Scope: lifecycle.ScopeGlobal, Confidence: 0.8, TemplateID: "tpl", TemplateVersion: 1}
			if err := tx.InsertProposal(ctx, p); err != nil {
				return err
			}
			c := &Capability{Name: name, Type: lifecycle.TypeSkill, Scope: lifecycle.ScopeGlobal,
				ProposalID: p.ID, GapID: g.ID}
			if err := tx.InsertCapability(ctx, c); err != nil {
				return err
			}
			ids[name] = c.ID
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed capabilities: %v", err)
	}
	return ids
}

func TestAddDependency_RejectsCycle(t *testing.T) {
	s := newTestStore(t)
	ids := seedCapabilities(t, s, "a", "b", "c")
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.AddDependency(ctx, ids["a"], ids["b"], lifecycle.DependencyRequired); err != nil {
			return err
		}
		return tx.AddDependency(ctx, ids["b"], ids["c"], lifecycle.DependencyOptional)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.AddDependency(ctx, ids["c"], ids["a"], lifecycle.DependencyRequired)
	})
	var de *lifecycle.DependencyError
	if !errors.As(err, &de) || de.Op != "cycle" {
		t.Fatalf("expected cycle error, got %v", err)
	}

	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.AddDependency(ctx, ids["a"], ids["a"], lifecycle.DependencyRequired)
	})
	if !errors.As(err, &de) {
		t.Fatalf("expected self-edge rejected, got %v", err)
	}

	deps, err := s.Dependents(ctx, ids["b"])
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 || deps[0].CapabilityName != "a" || deps[0].Type != lifecycle.DependencyRequired {
		t.Errorf("dependents of b = %+v", deps)
	}
}

func TestInsertCapability_DuplicateName(t *testing.T) {
	s := newTestStore(t)
	ids := seedCapabilities(t, s, "a")
	ctx := context.Background()

	c, err := s.GetCapability(ctx, ids["a"])
	if err != nil {
		t.Fatal(err)
	}
	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertCapability(ctx, &Capability{Name: "a", Type: lifecycle.TypeSkill,
			Scope: lifecycle.ScopeGlobal, ProposalID: c.ProposalID, GapID: c.GapID})
	})
	if err == nil {
		t.Fatal("expected unique violation")
	}
}

func TestRecordUsage_Summary(t *testing.T) {
	s := newTestStore(t)
	ids := seedCapabilities(t, s, "a", "b")
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx *Tx) error {
		names, err := tx.ActiveCapabilityNames(ctx)
		if err != nil {
			return err
		}
		if names["a"] != ids["a"] {
			t.Errorf("active names = %v", names)
		}
		return tx.RecordUsage(ctx, ids["a"], "sess-1", "used skill a")
	})
	if err != nil {
		t.Fatal(err)
	}
	usage, err := s.CapabilityUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) != 2 || usage[0].UsageCount != 1 || usage[1].UsageCount != 0 {
		t.Errorf("usage = %+v", usage)
	}
}

// ─── Meta ───────────────────────────────────────────────────────────────────

func TestInsertMetaProposal_RefusesSelfTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertMetaProposal(ctx, &MetaProposal{
			Type: lifecycle.MetaConfigChange, TargetKind: lifecycle.SubjectMeta, TargetID: "min_sample_size",
		})
	})
	if !errors.Is(err, lifecycle.ErrMetaSelfTarget) {
		t.Fatalf("expected ErrMetaSelfTarget, got %v", err)
	}
}

func TestMetaProposal_OpenAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := &MetaProposal{
		Type: lifecycle.MetaRulePatch, TargetKind: lifecycle.SubjectRule, TargetID: "rule-a", TargetVersion: 1,
		Changes: map[string]any{"min_confidence": 0.5}, Confidence: 0.6,
	}
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertMetaProposal(ctx, m); err != nil {
			return err
		}
		open, err := tx.HasOpenMetaProposal(ctx, lifecycle.SubjectRule, "rule-a")
		if err != nil || !open {
			t.Errorf("open = %v, err %v", open, err)
		}
		n, err := tx.CountMetaProposalsSince(ctx, "2026-02-23T00:00:00Z")
		if err != nil || n != 1 {
			t.Errorf("count = %d, err %v", n, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMetaProposal(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Changes["min_confidence"] != 0.5 || got.Status != lifecycle.MetaPending {
		t.Errorf("meta proposal = %+v", got)
	}
}

// ─── Metrics ────────────────────────────────────────────────────────────────

func TestRefreshDailyMetrics(t *testing.T) {
	s := newTestStore(t)
	seedObservation(t, s, "obs-1")
	seedCapabilities(t, s, "a")
	ctx := context.Background()

	m, err := s.RefreshDailyMetrics(ctx, "2026-02-23")
	if err != nil {
		t.Fatal(err)
	}
	if m.Observations != 1 || m.GapsDetected != 1 || m.ProposalsCreated != 1 || m.CapabilitiesInstalled != 1 {
		t.Errorf("metrics = %+v", m)
	}
	// Second refresh overwrites rather than duplicates.
	if _, err := s.RefreshDailyMetrics(ctx, "2026-02-23"); err != nil {
		t.Fatal(err)
	}
	recent, err := s.RecentDailyMetrics(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 {
		t.Errorf("recent = %d rows, want 1", len(recent))
	}
}

func TestTemplateStats_Rates(t *testing.T) {
	ts := TemplateStats{Approved: 3, Rejected: 1, Installed: 2, RolledBack: 1}
	if got := ts.ApprovalRate(); got != 0.75 {
		t.Errorf("approval = %v", got)
	}
	if got := ts.RetentionRate(); got != 0.5 {
		t.Errorf("retention = %v", got)
	}
	if got := (TemplateStats{}).ApprovalRate(); got != 0 {
		t.Errorf("empty approval = %v", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo world", 8); got != "héllo..." {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate = %q", got)
	}
}
