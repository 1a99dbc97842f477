// Package store is the relational state of the gap lifecycle engine.
//
// It uses SQLite (modernc.org/sqlite, no cgo) in WAL mode. Every write that
// changes a status runs inside a Tx opened with BEGIN IMMEDIATE, so there is
// exactly one writer at a time while readers proceed concurrently. Status
// updates are conditional on the status read inside the same transaction,
// which turns a lost race into a *lifecycle.TransitionError instead of a
// silent overwrite.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the handle every component receives in its constructor.
type Store struct {
	db    *sql.DB
	path  string
	hooks storeHooks
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	execer
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type storeHooks struct {
	exec    func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error)
	beginTx func(ctx context.Context, db *sql.DB) (*sql.Tx, error)
	commit  func(tx *sql.Tx) error
}

func defaultStoreHooks() storeHooks {
	return storeHooks{
		exec: func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
			return db.ExecContext(ctx, query, args...)
		},
		beginTx: func(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
			return db.BeginTx(ctx, nil)
		},
		commit: func(tx *sql.Tx) error {
			return tx.Commit()
		},
	}
}

func (s *Store) execHook(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(ctx, db, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

func (s *Store) beginTxHook(ctx context.Context) (*sql.Tx, error) {
	if s.hooks.beginTx != nil {
		return s.hooks.beginTx(ctx, s.db)
	}
	return s.db.BeginTx(ctx, nil)
}

func (s *Store) commitHook(tx *sql.Tx) error {
	if s.hooks.commit != nil {
		return s.hooks.commit(tx)
	}
	return tx.Commit()
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	// Pragmas go in the DSN so they apply to every pooled connection.
	// _txlock=immediate makes BeginTx issue BEGIN IMMEDIATE.
	dsn := path + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"

	db, err := openDB("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	s := &Store{db: db, path: path, hooks: defaultStoreHooks()}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// ─── Transactions ────────────────────────────────────────────────────────────

// Tx is a write transaction. Obtain one with Begin or WithTx.
type Tx struct {
	s    *Store
	tx   *sql.Tx
	done bool
}

// Begin starts a write transaction holding the database write lock.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.beginTxHook(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return &Tx{s: s, tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.s.commitHook(t.tx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	t.done = true
	return nil
}

// Rollback aborts the transaction. It is a no-op after a successful Commit,
// so it can always be deferred.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.s.execHook(ctx, t.tx, query, args...)
}

// ─── Status transitions ──────────────────────────────────────────────────────

// Assign is an extra column written together with a status transition.
type Assign struct {
	Column string
	Value  any
}

// moveStatus reads the current status of id in table, asks check whether
// the move is legal, and applies it with a conditional UPDATE.
func (t *Tx) moveStatus(ctx context.Context, entity, table, id, to string, check func(from string) error, extra []Assign) (string, error) {
	var from string
	err := t.tx.QueryRowContext(ctx, "SELECT status FROM "+table+" WHERE id = ?", id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: %s %q: %w", entity, id, lifecycle.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("store: read %s status: %w", entity, err)
	}
	if err := check(from); err != nil {
		return from, err
	}

	now := lifecycle.Now()
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{to, now}
	for _, a := range extra {
		set = append(set, a.Column+" = ?")
		args = append(args, a.Value)
	}
	args = append(args, id, from)

	res, err := t.exec(ctx,
		"UPDATE "+table+" SET "+strings.Join(set, ", ")+" WHERE id = ? AND status = ?", args...)
	if err != nil {
		return from, fmt.Errorf("store: update %s status: %w", entity, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return from, &lifecycle.TransitionError{Entity: entity, ID: id, From: from, To: to}
	}

	if _, err := t.exec(ctx,
		`INSERT INTO transition_log (at, entity_kind, entity_id, from_status, to_status) VALUES (?, ?, ?, ?, ?)`,
		now, entity, id, from, to,
	); err != nil {
		return from, fmt.Errorf("store: log transition: %w", err)
	}
	return from, nil
}

// TransitionGap moves a gap to status to.
func (t *Tx) TransitionGap(ctx context.Context, id string, to lifecycle.GapStatus, extra ...Assign) error {
	_, err := t.moveStatus(ctx, lifecycle.EntityGap, "gaps", id, string(to), func(from string) error {
		return lifecycle.CheckGap(id, lifecycle.GapStatus(from), to)
	}, extra)
	return err
}

// TransitionProposal moves a proposal to status to.
func (t *Tx) TransitionProposal(ctx context.Context, id string, to lifecycle.ProposalStatus, extra ...Assign) error {
	_, err := t.moveStatus(ctx, lifecycle.EntityProposal, "proposals", id, string(to), func(from string) error {
		return lifecycle.CheckProposal(id, lifecycle.ProposalStatus(from), to)
	}, extra)
	return err
}

// TransitionCapability moves a capability to status to.
func (t *Tx) TransitionCapability(ctx context.Context, id string, to lifecycle.CapabilityStatus, extra ...Assign) error {
	_, err := t.moveStatus(ctx, lifecycle.EntityCapability, "capabilities", id, string(to), func(from string) error {
		return lifecycle.CheckCapability(id, lifecycle.CapabilityStatus(from), to)
	}, extra)
	return err
}

// TransitionMeta moves a meta-proposal to status to.
func (t *Tx) TransitionMeta(ctx context.Context, id string, to lifecycle.MetaStatus, extra ...Assign) error {
	_, err := t.moveStatus(ctx, lifecycle.EntityMetaProposal, "meta_proposals", id, string(to), func(from string) error {
		return lifecycle.CheckMeta(id, lifecycle.MetaStatus(from), to)
	}, extra)
	return err
}

// TransitionEntry is one row of the transition log.
type TransitionEntry struct {
	At     string `json:"at"`
	Entity string `json:"entity"`
	ID     string `json:"id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// TransitionHistory returns the transitions of one entity, oldest first.
func (s *Store) TransitionHistory(ctx context.Context, entity, id string) ([]TransitionEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, entity_kind, entity_id, from_status, to_status
		 FROM transition_log WHERE entity_kind = ? AND entity_id = ? ORDER BY id`, entity, id)
	if err != nil {
		return nil, fmt.Errorf("store: transition history: %w", err)
	}
	defer rows.Close()

	var out []TransitionEntry
	for rows.Next() {
		var e TransitionEntry
		if err := rows.Scan(&e.At, &e.Entity, &e.ID, &e.From, &e.To); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Feedback log ────────────────────────────────────────────────────────────

// Feedback actions.
const (
	FeedbackApprove     = "approve"
	FeedbackReject      = "reject"
	FeedbackDismiss     = "dismiss"
	FeedbackInstall     = "install"
	FeedbackRollback    = "rollback"
	FeedbackDisable     = "disable"
	FeedbackMetaApprove = "meta_approve"
	FeedbackMetaReject  = "meta_reject"
)

// FeedbackEntry records one human decision.
type FeedbackEntry struct {
	ID         int64  `json:"id"`
	CreatedAt  string `json:"created_at"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Action     string `json:"action"`
	Reason     string `json:"reason,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// AddFeedback appends to the feedback log.
func (t *Tx) AddFeedback(ctx context.Context, e FeedbackEntry) error {
	_, err := t.exec(ctx,
		`INSERT INTO feedback_log (created_at, entity_kind, entity_id, action, reason, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		lifecycle.Now(), e.EntityKind, e.EntityID, e.Action, nullableString(e.Reason), nullableString(e.Detail))
	if err != nil {
		return fmt.Errorf("store: add feedback: %w", err)
	}
	return nil
}

// Feedback returns feedback entries for an action ("" for all), newest first.
func (s *Store) Feedback(ctx context.Context, action string, limit int) ([]FeedbackEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, entity_kind, entity_id, action, COALESCE(reason, ''), COALESCE(detail, '')
		 FROM feedback_log WHERE (? = '' OR action = ?) ORDER BY id DESC LIMIT ?`, action, action, limit)
	if err != nil {
		return nil, fmt.Errorf("store: feedback: %w", err)
	}
	defer rows.Close()

	var out []FeedbackEntry
	for rows.Next() {
		var e FeedbackEntry
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.EntityKind, &e.EntityID, &e.Action, &e.Reason, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// NewID returns a short random identifier with the given prefix.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + id[:12]
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

// HashContent returns the hex sha256 of whitespace-normalized content.
func HashContent(content string) string {
	normalized := strings.Join(strings.Fields(content), " ")
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Truncate shortens s to at most max runes, appending "..." when cut.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
