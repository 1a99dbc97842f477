package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

// DefinitionKind selects the versioned table a definition lives in.
type DefinitionKind string

const (
	KindRule     DefinitionKind = "rule"
	KindTemplate DefinitionKind = "template"
)

// ErrDefinitionConflict is returned when a published (id, version) is
// offered again with different content.
var ErrDefinitionConflict = errors.New("definition version already published with different content")

// Definition is one immutable (id, version) of a rule or template. Body
// holds the YAML document; Category is the rule's gap type or the
// template's output type.
type Definition struct {
	Kind          DefinitionKind `json:"kind"`
	ID            string         `json:"id"`
	Version       int            `json:"version"`
	Category      string         `json:"category"`
	Enabled       bool           `json:"enabled"`
	Current       bool           `json:"current"`
	Body          string         `json:"body"`
	BodyHash      string         `json:"body_hash"`
	Source        string         `json:"source"`
	DeclaredOrder int            `json:"declared_order"`
	CreatedAt     string         `json:"created_at"`
}

// PublishOutcome says what PublishDefinition did.
type PublishOutcome string

const (
	PublishInserted  PublishOutcome = "inserted"
	PublishUnchanged PublishOutcome = "unchanged"
)

func definitionTable(kind DefinitionKind) (table, category string, err error) {
	switch kind {
	case KindRule:
		return "detector_rules", "gap_type", nil
	case KindTemplate:
		return "synthesis_templates", "output_type", nil
	}
	return "", "", fmt.Errorf("store: unknown definition kind %q", kind)
}

// PublishDefinition stores d as an immutable version. Offering the same
// content again is a no-op; different content under an existing version
// returns ErrDefinitionConflict. A newly inserted version becomes current
// when it is newer than the current one (or none is current).
func (t *Tx) PublishDefinition(ctx context.Context, d *Definition) (PublishOutcome, error) {
	table, category, err := definitionTable(d.Kind)
	if err != nil {
		return "", err
	}
	if d.BodyHash == "" {
		d.BodyHash = HashContent(d.Body)
	}

	var existing string
	err = t.tx.QueryRowContext(ctx,
		`SELECT body_hash FROM `+table+` WHERE id = ? AND version = ?`, d.ID, d.Version).Scan(&existing)
	switch {
	case err == nil:
		if existing != d.BodyHash {
			return "", fmt.Errorf("store: %s %s v%d: %w", d.Kind, d.ID, d.Version, ErrDefinitionConflict)
		}
		// Keep declaration order in sync with the files on disk.
		if _, err := t.exec(ctx,
			`UPDATE `+table+` SET declared_order = ? WHERE id = ? AND version = ?`,
			d.DeclaredOrder, d.ID, d.Version,
		); err != nil {
			return "", fmt.Errorf("store: update declared order: %w", err)
		}
		return PublishUnchanged, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("store: read %s %s: %w", d.Kind, d.ID, err)
	}

	d.CreatedAt = lifecycle.Now()
	if _, err := t.exec(ctx,
		`INSERT INTO `+table+` (id, version, `+category+`, enabled, is_current, body, body_hash, source,
		   declared_order, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		d.ID, d.Version, d.Category, boolToInt(d.Enabled), d.Body, d.BodyHash, d.Source,
		d.DeclaredOrder, d.CreatedAt,
	); err != nil {
		return "", fmt.Errorf("store: insert %s %s v%d: %w", d.Kind, d.ID, d.Version, err)
	}

	current, err := t.currentVersion(ctx, table, d.ID)
	if err != nil {
		return "", err
	}
	if current < d.Version {
		if err := t.SetCurrent(ctx, d.Kind, d.ID, d.Version); err != nil {
			return "", err
		}
		d.Current = true
	}
	return PublishInserted, nil
}

// SetCurrent moves the current pointer of a definition id to version.
func (t *Tx) SetCurrent(ctx context.Context, kind DefinitionKind, id string, version int) error {
	table, _, err := definitionTable(kind)
	if err != nil {
		return err
	}
	if _, err := t.exec(ctx, `UPDATE `+table+` SET is_current = 0 WHERE id = ? AND is_current = 1`, id); err != nil {
		return fmt.Errorf("store: clear current %s %s: %w", kind, id, err)
	}
	res, err := t.exec(ctx, `UPDATE `+table+` SET is_current = 1 WHERE id = ? AND version = ?`, id, version)
	if err != nil {
		return fmt.Errorf("store: set current %s %s: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("store: %s %s v%d: %w", kind, id, version, lifecycle.ErrNotFound)
	}
	return nil
}

// NextVersion returns one past the highest stored version of id.
func (t *Tx) NextVersion(ctx context.Context, kind DefinitionKind, id string) (int, error) {
	table, _, err := definitionTable(kind)
	if err != nil {
		return 0, err
	}
	var max int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM `+table+` WHERE id = ?`, id).Scan(&max); err != nil {
		return 0, fmt.Errorf("store: next version: %w", err)
	}
	return max + 1, nil
}

func (t *Tx) currentVersion(ctx context.Context, table, id string) (int, error) {
	var v int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM `+table+` WHERE id = ? AND is_current = 1`, id).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("store: current version: %w", err)
	}
	return v, nil
}

// CurrentDefinition returns the current version of id within the transaction.
func (t *Tx) CurrentDefinition(ctx context.Context, kind DefinitionKind, id string) (*Definition, error) {
	defs, err := queryDefinitions(ctx, t.tx, kind, `WHERE id = ? AND is_current = 1`, id)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("store: current %s %q: %w", kind, id, lifecycle.ErrNotFound)
	}
	return &defs[0], nil
}

// CurrentDefinitions returns the current version of every id, in
// declaration order.
func (s *Store) CurrentDefinitions(ctx context.Context, kind DefinitionKind) ([]Definition, error) {
	return queryDefinitions(ctx, s.db, kind, `WHERE is_current = 1 ORDER BY declared_order, id`)
}

// GetDefinition returns one exact version.
func (s *Store) GetDefinition(ctx context.Context, kind DefinitionKind, id string, version int) (*Definition, error) {
	defs, err := queryDefinitions(ctx, s.db, kind, `WHERE id = ? AND version = ?`, id, version)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("store: %s %s v%d: %w", kind, id, version, lifecycle.ErrNotFound)
	}
	return &defs[0], nil
}

// DefinitionVersions returns every stored version of id, oldest first.
func (s *Store) DefinitionVersions(ctx context.Context, kind DefinitionKind, id string) ([]Definition, error) {
	return queryDefinitions(ctx, s.db, kind, `WHERE id = ? ORDER BY version`, id)
}

func queryDefinitions(ctx context.Context, q querier, kind DefinitionKind, where string, args ...any) ([]Definition, error) {
	table, category, err := definitionTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, version, `+category+`, enabled, is_current, body, body_hash, source, declared_order, created_at
		 FROM `+table+` `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query %s definitions: %w", kind, err)
	}
	defer rows.Close()

	var out []Definition
	for rows.Next() {
		d := Definition{Kind: kind}
		var enabled, current int
		if err := rows.Scan(&d.ID, &d.Version, &d.Category, &enabled, &current, &d.Body, &d.BodyHash,
			&d.Source, &d.DeclaredOrder, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Enabled = enabled != 0
		d.Current = current != 0
		out = append(out, d)
	}
	return out, rows.Err()
}
