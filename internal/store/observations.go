package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

// ─── Types ───────────────────────────────────────────────────────────────────

// Event kinds carried by observations.
const (
	EventPreTool      = "pre_tool"
	EventPostTool     = "post_tool"
	EventNotification = "notification"
	EventStop         = "stop"
)

// Observation is an immutable fact about one tool-use or session event.
type Observation struct {
	ID          string         `json:"id"`
	Timestamp   string         `json:"timestamp"`
	SessionID   string         `json:"session_id"`
	ProjectPath string         `json:"project_path,omitempty"`
	EventType   string         `json:"event_type"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolSuccess *bool          `json:"tool_success,omitempty"`
	ToolError   string         `json:"tool_error,omitempty"`
	Friction    map[string]int `json:"friction,omitempty"`
	RawExcerpt  string         `json:"raw_excerpt,omitempty"`
	Processed   bool           `json:"processed"`
	ProcessedAt string         `json:"processed_at,omitempty"`
}

// Session groups observations from one assistant session.
type Session struct {
	ID               string `json:"id"`
	ProjectPath      string `json:"project_path,omitempty"`
	StartedAt        string `json:"started_at"`
	LastSeenAt       string `json:"last_seen_at"`
	ObservationCount int    `json:"observation_count"`
}

// Field resolves a dotted field path against the observation. Paths may
// carry an "observation." prefix. Supported roots: id, timestamp,
// session_id, project_path, event_type, tool_name, tool_success (0/1),
// tool_error, friction.<counter>, raw (the excerpt text) and
// raw.<json path> into the excerpt when it is JSON.
func (o *Observation) Field(path string) (any, bool) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "observation.")
	head, rest, _ := strings.Cut(path, ".")

	switch head {
	case "id":
		return o.ID, true
	case "timestamp":
		return o.Timestamp, true
	case "session_id":
		return o.SessionID, true
	case "project_path":
		return o.ProjectPath, o.ProjectPath != ""
	case "event_type":
		return o.EventType, true
	case "tool_name":
		return o.ToolName, o.ToolName != ""
	case "tool_success":
		if o.ToolSuccess == nil {
			return nil, false
		}
		if *o.ToolSuccess {
			return 1, true
		}
		return 0, true
	case "tool_error":
		return o.ToolError, o.ToolError != ""
	case "friction":
		if rest == "" {
			total := 0
			for _, v := range o.Friction {
				total += v
			}
			return total, true
		}
		v, ok := o.Friction[rest]
		return v, ok
	case "raw":
		if rest == "" {
			return o.RawExcerpt, o.RawExcerpt != ""
		}
		return lookupJSON(o.RawExcerpt, rest)
	}
	return nil, false
}

// Text is the searchable text of the observation used by keyword heuristics.
func (o *Observation) Text() string {
	parts := []string{o.ToolName, o.ToolError, o.RawExcerpt, o.ProjectPath}
	return strings.Join(parts, " ")
}

func lookupJSON(raw, path string) (any, bool) {
	if raw == "" {
		return nil, false
	}
	var cur any
	if err := json.Unmarshal([]byte(raw), &cur); err != nil {
		return nil, false
	}
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// ─── Writes ──────────────────────────────────────────────────────────────────

// InsertObservation stores o unless an observation with the same id exists.
// It reports whether a row was inserted. The session row is created or
// refreshed in the same transaction.
func (t *Tx) InsertObservation(ctx context.Context, o *Observation) (bool, error) {
	now := lifecycle.Now()
	if _, err := t.exec(ctx,
		`INSERT INTO sessions (id, project_path, started_at, last_seen_at, observation_count)
		 VALUES (?, ?, ?, ?, 0)
		 ON CONFLICT(id) DO UPDATE SET last_seen_at = excluded.last_seen_at,
		   project_path = COALESCE(sessions.project_path, excluded.project_path)`,
		o.SessionID, nullableString(o.ProjectPath), o.Timestamp, o.Timestamp,
	); err != nil {
		return false, fmt.Errorf("store: upsert session: %w", err)
	}

	friction, err := json.Marshal(o.Friction)
	if err != nil {
		return false, fmt.Errorf("store: encode friction: %w", err)
	}
	if o.Friction == nil {
		friction = []byte("{}")
	}

	var success any
	if o.ToolSuccess != nil {
		success = boolToInt(*o.ToolSuccess)
	}

	res, err := t.exec(ctx,
		`INSERT OR IGNORE INTO observations
		   (id, timestamp, session_id, project_path, event_type, tool_name, tool_success,
		    tool_error, friction, raw_excerpt, processed, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		o.ID, o.Timestamp, o.SessionID, nullableString(o.ProjectPath), o.EventType,
		nullableString(o.ToolName), success, nullableString(o.ToolError), string(friction),
		nullableString(o.RawExcerpt), now,
	)
	if err != nil {
		return false, fmt.Errorf("store: insert observation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if _, err := t.exec(ctx,
		`UPDATE sessions SET observation_count = observation_count + 1 WHERE id = ?`, o.SessionID,
	); err != nil {
		return false, fmt.Errorf("store: count session observation: %w", err)
	}
	return true, nil
}

// ClaimUnprocessed returns up to limit unprocessed observations, oldest
// first. Because the caller holds the write lock, the rows cannot be claimed
// by another detection run before this transaction ends.
func (t *Tx) ClaimUnprocessed(ctx context.Context, limit int) ([]Observation, error) {
	return queryObservations(ctx, t.tx,
		`SELECT `+observationColumns+` FROM observations
		 WHERE processed = 0 ORDER BY timestamp, id LIMIT ?`, limit)
}

// MarkProcessed flips the processed flag on ids. Observations already
// processed are left alone; the number of rows flipped is returned.
func (t *Tx) MarkProcessed(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := lifecycle.Now()
	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := t.exec(ctx,
		`UPDATE observations SET processed = 1, processed_at = ?
		 WHERE processed = 0 AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("store: mark processed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// IngestOffset returns the committed byte offset for an event log path.
func (t *Tx) IngestOffset(ctx context.Context, path string) (int64, error) {
	var off int64
	err := t.tx.QueryRowContext(ctx, `SELECT byte_offset FROM ingest_offsets WHERE path = ?`, path).Scan(&off)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read ingest offset: %w", err)
	}
	return off, nil
}

// SetIngestOffset records how far an event log has been consumed.
func (t *Tx) SetIngestOffset(ctx context.Context, path string, offset int64) error {
	_, err := t.exec(ctx,
		`INSERT INTO ingest_offsets (path, byte_offset, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET byte_offset = excluded.byte_offset, updated_at = excluded.updated_at`,
		path, offset, lifecycle.Now())
	if err != nil {
		return fmt.Errorf("store: set ingest offset: %w", err)
	}
	return nil
}

// ─── Reads ───────────────────────────────────────────────────────────────────

const observationColumns = `id, timestamp, session_id, COALESCE(project_path, ''), event_type,
	COALESCE(tool_name, ''), tool_success, COALESCE(tool_error, ''), friction,
	COALESCE(raw_excerpt, ''), processed, COALESCE(processed_at, '')`

func queryObservations(ctx context.Context, q querier, query string, args ...any) ([]Observation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var (
			o         Observation
			success   sql.NullInt64
			friction  string
			processed int
		)
		if err := rows.Scan(&o.ID, &o.Timestamp, &o.SessionID, &o.ProjectPath, &o.EventType,
			&o.ToolName, &success, &o.ToolError, &friction, &o.RawExcerpt, &processed, &o.ProcessedAt); err != nil {
			return nil, err
		}
		if success.Valid {
			b := success.Int64 != 0
			o.ToolSuccess = &b
		}
		if friction != "" && friction != "{}" {
			_ = json.Unmarshal([]byte(friction), &o.Friction)
		}
		o.Processed = processed != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetObservation returns one observation by id.
func (s *Store) GetObservation(ctx context.Context, id string) (*Observation, error) {
	obs, err := queryObservations(ctx, s.db, `SELECT `+observationColumns+` FROM observations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("store: observation %q: %w", id, lifecycle.ErrNotFound)
	}
	return &obs[0], nil
}

// GapObservations returns the observations linked to a gap.
func (s *Store) GapObservations(ctx context.Context, gapID string) ([]Observation, error) {
	return queryObservations(ctx, s.db,
		`SELECT `+observationColumns+` FROM observations
		 WHERE id IN (SELECT observation_id FROM gap_observations WHERE gap_id = ?)
		 ORDER BY timestamp, id`, gapID)
}

// CountObservations returns total and unprocessed observation counts.
func (s *Store) CountObservations(ctx context.Context) (total, unprocessed int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN processed = 0 THEN 1 ELSE 0 END), 0) FROM observations`,
	).Scan(&total, &unprocessed)
	if err != nil {
		return 0, 0, fmt.Errorf("store: count observations: %w", err)
	}
	return total, unprocessed, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		sess    Session
		project sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_path, started_at, last_seen_at, observation_count FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &project, &sess.StartedAt, &sess.LastSeenAt, &sess.ObservationCount)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: session %q: %w", id, lifecycle.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	sess.ProjectPath = derefString(project)
	return &sess, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
