package store

import (
	"context"
	"fmt"
)

// ─── Migrations ──────────────────────────────────────────────────────────────

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	// 1: initial schema
	`
	CREATE TABLE IF NOT EXISTS sessions (
		id                TEXT PRIMARY KEY,
		project_path      TEXT,
		started_at        TEXT NOT NULL,
		last_seen_at      TEXT NOT NULL,
		observation_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS observations (
		id           TEXT PRIMARY KEY,
		timestamp    TEXT    NOT NULL,
		session_id   TEXT    NOT NULL REFERENCES sessions(id),
		project_path TEXT,
		event_type   TEXT    NOT NULL,
		tool_name    TEXT,
		tool_success INTEGER,
		tool_error   TEXT,
		friction     TEXT    NOT NULL DEFAULT '{}',
		raw_excerpt  TEXT,
		processed    INTEGER NOT NULL DEFAULT 0,
		processed_at TEXT,
		ingested_at  TEXT    NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_obs_unprocessed ON observations(processed, timestamp);
	CREATE INDEX IF NOT EXISTS idx_obs_session     ON observations(session_id);

	CREATE TABLE IF NOT EXISTS ingest_offsets (
		path       TEXT PRIMARY KEY,
		byte_offset INTEGER NOT NULL,
		updated_at TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS detector_rules (
		id             TEXT    NOT NULL,
		version        INTEGER NOT NULL,
		gap_type       TEXT    NOT NULL,
		enabled        INTEGER NOT NULL DEFAULT 1,
		is_current     INTEGER NOT NULL DEFAULT 0,
		body           TEXT    NOT NULL,
		body_hash      TEXT    NOT NULL,
		source         TEXT    NOT NULL,
		declared_order INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT    NOT NULL,
		PRIMARY KEY (id, version)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_current ON detector_rules(id) WHERE is_current = 1;

	CREATE TABLE IF NOT EXISTS synthesis_templates (
		id             TEXT    NOT NULL,
		version        INTEGER NOT NULL,
		output_type    TEXT    NOT NULL,
		enabled        INTEGER NOT NULL DEFAULT 1,
		is_current     INTEGER NOT NULL DEFAULT 0,
		body           TEXT    NOT NULL,
		body_hash      TEXT    NOT NULL,
		source         TEXT    NOT NULL,
		declared_order INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT    NOT NULL,
		PRIMARY KEY (id, version)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_current ON synthesis_templates(id) WHERE is_current = 1;

	CREATE TABLE IF NOT EXISTS gaps (
		id                 TEXT PRIMARY KEY,
		detected_at        TEXT    NOT NULL,
		gap_type           TEXT    NOT NULL,
		domain             TEXT,
		confidence         REAL    NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		recommended_scope  TEXT    NOT NULL,
		project_path       TEXT,
		desired_capability TEXT    NOT NULL,
		evidence_summary   TEXT    NOT NULL DEFAULT '',
		fingerprint        TEXT    NOT NULL,
		rule_id            TEXT    NOT NULL,
		rule_version       INTEGER NOT NULL,
		proposal_id        TEXT,
		status             TEXT    NOT NULL DEFAULT 'pending',
		resolved_at        TEXT,
		dismissed_at       TEXT,
		dismiss_reason     TEXT,
		updated_at         TEXT    NOT NULL,
		FOREIGN KEY (rule_id, rule_version) REFERENCES detector_rules(id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_gaps_status      ON gaps(status);
	CREATE INDEX IF NOT EXISTS idx_gaps_fingerprint ON gaps(fingerprint);

	CREATE TABLE IF NOT EXISTS gap_observations (
		gap_id         TEXT NOT NULL REFERENCES gaps(id),
		observation_id TEXT NOT NULL REFERENCES observations(id),
		PRIMARY KEY (gap_id, observation_id)
	);

	CREATE TABLE IF NOT EXISTS proposals (
		id               TEXT PRIMARY KEY,
		created_at       TEXT    NOT NULL,
		gap_id           TEXT    NOT NULL REFERENCES gaps(id),
		capability_type  TEXT    NOT NULL,
		name             TEXT    NOT NULL,
		summary          TEXT    NOT NULL,
		scope            TEXT    NOT NULL,
		confidence       REAL    NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		reasoning        TEXT    NOT NULL DEFAULT '',
		template_id      TEXT    NOT NULL,
		template_version INTEGER NOT NULL,
		files            TEXT    NOT NULL,
		config_patch     TEXT,
		dependencies     TEXT    NOT NULL DEFAULT '[]',
		manual_trigger   INTEGER NOT NULL DEFAULT 0,
		strategy         TEXT    NOT NULL DEFAULT 'template',
		status           TEXT    NOT NULL DEFAULT 'pending',
		reviewed_at      TEXT,
		rejection_reason TEXT,
		rejection_detail TEXT,
		updated_at       TEXT    NOT NULL,
		FOREIGN KEY (template_id, template_version) REFERENCES synthesis_templates(id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
	CREATE INDEX IF NOT EXISTS idx_proposals_gap    ON proposals(gap_id);

	CREATE TABLE IF NOT EXISTS capabilities (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL UNIQUE,
		capability_type TEXT NOT NULL,
		scope           TEXT NOT NULL,
		proposal_id     TEXT NOT NULL UNIQUE REFERENCES proposals(id),
		gap_id          TEXT NOT NULL REFERENCES gaps(id),
		installed_at    TEXT NOT NULL,
		changes         TEXT NOT NULL,
		snapshot        TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'active',
		rolled_back_at  TEXT,
		updated_at      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS capability_dependencies (
		capability_id   TEXT NOT NULL REFERENCES capabilities(id),
		depends_on_id   TEXT NOT NULL REFERENCES capabilities(id),
		dependency_type TEXT NOT NULL DEFAULT 'required',
		created_at      TEXT NOT NULL,
		PRIMARY KEY (capability_id, depends_on_id),
		CHECK (capability_id <> depends_on_id)
	);

	CREATE TABLE IF NOT EXISTS capability_usage (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		capability_id TEXT NOT NULL REFERENCES capabilities(id),
		session_id    TEXT,
		used_at       TEXT NOT NULL,
		context       TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_usage_capability ON capability_usage(capability_id);

	CREATE TABLE IF NOT EXISTS meta_observations (
		id               TEXT PRIMARY KEY,
		created_at       TEXT    NOT NULL,
		observation_type TEXT    NOT NULL,
		subject_kind     TEXT    NOT NULL,
		subject_id       TEXT    NOT NULL,
		metrics          TEXT    NOT NULL DEFAULT '{}',
		confidence       REAL    NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		sample_size      INTEGER NOT NULL DEFAULT 0,
		recommendation   TEXT    NOT NULL DEFAULT '',
		status           TEXT    NOT NULL DEFAULT 'new'
	);

	CREATE TABLE IF NOT EXISTS meta_proposals (
		id                  TEXT PRIMARY KEY,
		created_at          TEXT    NOT NULL,
		meta_observation_id TEXT    REFERENCES meta_observations(id),
		proposal_type       TEXT    NOT NULL,
		target_kind         TEXT    NOT NULL,
		target_id           TEXT    NOT NULL,
		target_version      INTEGER NOT NULL DEFAULT 0,
		changes             TEXT    NOT NULL DEFAULT '{}',
		reasoning           TEXT    NOT NULL DEFAULT '',
		confidence          REAL    NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		status              TEXT    NOT NULL DEFAULT 'pending',
		result_version      INTEGER,
		reviewed_at         TEXT,
		rejection_reason    TEXT,
		updated_at          TEXT    NOT NULL,
		CHECK (target_kind <> 'meta_analyzer')
	);

	CREATE INDEX IF NOT EXISTS idx_meta_proposals_target ON meta_proposals(target_kind, target_id, status);

	CREATE TABLE IF NOT EXISTS feedback_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at  TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		action      TEXT NOT NULL,
		reason      TEXT,
		detail      TEXT
	);

	CREATE TABLE IF NOT EXISTS transition_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		at          TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_entity ON transition_log(entity_kind, entity_id);

	CREATE TABLE IF NOT EXISTS daily_metrics (
		day                  TEXT PRIMARY KEY,
		observations         INTEGER NOT NULL DEFAULT 0,
		gaps_detected        INTEGER NOT NULL DEFAULT 0,
		proposals_created    INTEGER NOT NULL DEFAULT 0,
		proposals_approved   INTEGER NOT NULL DEFAULT 0,
		proposals_rejected   INTEGER NOT NULL DEFAULT 0,
		capabilities_installed INTEGER NOT NULL DEFAULT 0,
		capabilities_rolled_back INTEGER NOT NULL DEFAULT 0,
		updated_at           TEXT NOT NULL
	);

	CREATE VIEW IF NOT EXISTS pending_proposals AS
		SELECT p.id, p.created_at, p.name, p.capability_type, p.scope, p.confidence,
		       p.manual_trigger, g.id AS gap_id, g.gap_type, g.desired_capability
		FROM proposals p JOIN gaps g ON g.id = p.gap_id
		WHERE p.status = 'pending';

	CREATE VIEW IF NOT EXISTS active_gaps AS
		SELECT * FROM gaps WHERE status IN ('pending', 'synthesizing', 'proposed');

	CREATE VIEW IF NOT EXISTS template_performance AS
		SELECT template_id,
		       COUNT(*) AS total,
		       SUM(CASE WHEN status IN ('approved', 'installed', 'rolled_back') THEN 1 ELSE 0 END) AS approved,
		       SUM(CASE WHEN status = 'rejected' THEN 1 ELSE 0 END) AS rejected,
		       SUM(CASE WHEN status IN ('installed', 'rolled_back') THEN 1 ELSE 0 END) AS installed,
		       SUM(CASE WHEN status = 'rolled_back' THEN 1 ELSE 0 END) AS rolled_back
		FROM proposals
		GROUP BY template_id;

	CREATE VIEW IF NOT EXISTS detector_performance AS
		SELECT g.rule_id,
		       COUNT(*) AS gaps_detected,
		       SUM(CASE WHEN g.status = 'dismissed' THEN 1 ELSE 0 END) AS dismissed,
		       SUM(CASE WHEN g.status = 'resolved' THEN 1 ELSE 0 END) AS resolved,
		       SUM(CASE WHEN p.status IN ('approved', 'installed', 'rolled_back') THEN 1 ELSE 0 END) AS approved,
		       SUM(CASE WHEN p.status = 'rejected' THEN 1 ELSE 0 END) AS rejected
		FROM gaps g LEFT JOIN proposals p ON p.gap_id = g.id
		GROUP BY g.rule_id;

	CREATE VIEW IF NOT EXISTS capability_usage_summary AS
		SELECT c.id, c.name, c.capability_type, c.status, c.installed_at,
		       COUNT(u.id) AS usage_count,
		       MAX(u.used_at) AS last_used_at
		FROM capabilities c LEFT JOIN capability_usage u ON u.capability_id = c.id
		GROUP BY c.id;
	`,
}

func (s *Store) migrate(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := current; i < len(migrations); i++ {
		if _, err := s.execHook(ctx, s.db, migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := s.execHook(ctx, s.db, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return fmt.Errorf("record schema version %d: %w", i+1, err)
		}
	}
	return nil
}
