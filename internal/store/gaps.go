package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

// Gap is a detected deficiency. Only Status and the resolution/dismissal
// metadata change after insertion.
type Gap struct {
	ID                string              `json:"id"`
	DetectedAt        string              `json:"detected_at"`
	Type              lifecycle.GapType   `json:"gap_type"`
	Domain            string              `json:"domain,omitempty"`
	Confidence        float64             `json:"confidence"`
	Scope             lifecycle.Scope     `json:"recommended_scope"`
	ProjectPath       string              `json:"project_path,omitempty"`
	DesiredCapability string              `json:"desired_capability"`
	EvidenceSummary   string              `json:"evidence_summary"`
	Fingerprint       string              `json:"fingerprint"`
	RuleID            string              `json:"rule_id"`
	RuleVersion       int                 `json:"rule_version"`
	ProposalID        string              `json:"proposal_id,omitempty"`
	Status            lifecycle.GapStatus `json:"status"`
	ResolvedAt        string              `json:"resolved_at,omitempty"`
	DismissedAt       string              `json:"dismissed_at,omitempty"`
	DismissReason     string              `json:"dismiss_reason,omitempty"`
	UpdatedAt         string              `json:"updated_at"`
}

// GapFilter narrows ListGaps.
type GapFilter struct {
	Status []lifecycle.GapStatus
	Type   lifecycle.GapType
	RuleID string
	Limit  int
}

// InsertGap stores a new pending gap and links its supporting observations.
func (t *Tx) InsertGap(ctx context.Context, g *Gap, observationIDs []string) error {
	if g.ID == "" {
		g.ID = NewID("gap")
	}
	now := lifecycle.Now()
	if g.DetectedAt == "" {
		g.DetectedAt = now
	}
	g.Status = lifecycle.GapPending
	g.UpdatedAt = now
	g.Confidence = lifecycle.Clamp(g.Confidence)

	_, err := t.exec(ctx,
		`INSERT INTO gaps (id, detected_at, gap_type, domain, confidence, recommended_scope, project_path,
		   desired_capability, evidence_summary, fingerprint, rule_id, rule_version, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.DetectedAt, string(g.Type), nullableString(g.Domain), g.Confidence, string(g.Scope),
		nullableString(g.ProjectPath), g.DesiredCapability, g.EvidenceSummary, g.Fingerprint,
		g.RuleID, g.RuleVersion, string(g.Status), g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert gap: %w", err)
	}
	return t.LinkObservations(ctx, g.ID, observationIDs)
}

// LinkObservations records that observations support a gap. Existing links
// are kept.
func (t *Tx) LinkObservations(ctx context.Context, gapID string, observationIDs []string) error {
	for _, oid := range observationIDs {
		if _, err := t.exec(ctx,
			`INSERT OR IGNORE INTO gap_observations (gap_id, observation_id) VALUES (?, ?)`, gapID, oid,
		); err != nil {
			return fmt.Errorf("store: link observation %s: %w", oid, err)
		}
	}
	return nil
}

// FindOpenGap returns an open gap with the given fingerprint, or nil.
func (t *Tx) FindOpenGap(ctx context.Context, fingerprint string) (*Gap, error) {
	gaps, err := queryGaps(ctx, t.tx,
		`SELECT `+gapColumns+` FROM gaps
		 WHERE fingerprint = ? AND status IN ('pending', 'synthesizing', 'proposed')
		 ORDER BY confidence DESC, detected_at LIMIT 1`, fingerprint)
	if err != nil || len(gaps) == 0 {
		return nil, err
	}
	return &gaps[0], nil
}

// GetGap returns a gap by id within the transaction.
func (t *Tx) GetGap(ctx context.Context, id string) (*Gap, error) {
	return getGap(ctx, t.tx, id)
}

// GetGap returns a gap by id.
func (s *Store) GetGap(ctx context.Context, id string) (*Gap, error) {
	return getGap(ctx, s.db, id)
}

func getGap(ctx context.Context, q querier, id string) (*Gap, error) {
	gaps, err := queryGaps(ctx, q, `SELECT `+gapColumns+` FROM gaps WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(gaps) == 0 {
		return nil, fmt.Errorf("store: gap %q: %w", id, lifecycle.ErrNotFound)
	}
	return &gaps[0], nil
}

// ListGaps returns gaps matching f, highest confidence first.
func (s *Store) ListGaps(ctx context.Context, f GapFilter) ([]Gap, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Status) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Status))+")")
		for _, st := range f.Status {
			args = append(args, string(st))
		}
	}
	if f.Type != "" {
		where = append(where, "gap_type = ?")
		args = append(args, string(f.Type))
	}
	if f.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}

	query := `SELECT ` + gapColumns + ` FROM gaps`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY confidence DESC, detected_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryGaps(ctx, s.db, query, args...)
}

// GapObservationIDs returns the ids of observations linked to a gap.
func (s *Store) GapObservationIDs(ctx context.Context, gapID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT observation_id FROM gap_observations WHERE gap_id = ? ORDER BY observation_id`, gapID)
	if err != nil {
		return nil, fmt.Errorf("store: gap observations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountGapsByStatus returns the number of gaps per status.
func (s *Store) CountGapsByStatus(ctx context.Context) (map[lifecycle.GapStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM gaps GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count gaps: %w", err)
	}
	defer rows.Close()

	out := map[lifecycle.GapStatus]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[lifecycle.GapStatus(st)] = n
	}
	return out, rows.Err()
}

const gapColumns = `id, detected_at, gap_type, domain, confidence, recommended_scope, project_path,
	desired_capability, evidence_summary, fingerprint, rule_id, rule_version, proposal_id, status,
	resolved_at, dismissed_at, dismiss_reason, updated_at`

func queryGaps(ctx context.Context, q querier, query string, args ...any) ([]Gap, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query gaps: %w", err)
	}
	defer rows.Close()

	var out []Gap
	for rows.Next() {
		var (
			g                                   Gap
			gapType, scope, status              string
			domain, project, proposal           sql.NullString
			resolvedAt, dismissedAt, dismissWhy sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.DetectedAt, &gapType, &domain, &g.Confidence, &scope, &project,
			&g.DesiredCapability, &g.EvidenceSummary, &g.Fingerprint, &g.RuleID, &g.RuleVersion, &proposal,
			&status, &resolvedAt, &dismissedAt, &dismissWhy, &g.UpdatedAt); err != nil {
			return nil, err
		}
		g.Type = lifecycle.GapType(gapType)
		g.Scope = lifecycle.Scope(scope)
		g.Status = lifecycle.GapStatus(status)
		g.Domain = derefString(domain)
		g.ProjectPath = derefString(project)
		g.ProposalID = derefString(proposal)
		g.ResolvedAt = derefString(resolvedAt)
		g.DismissedAt = derefString(dismissedAt)
		g.DismissReason = derefString(dismissWhy)
		out = append(out, g)
	}
	return out, rows.Err()
}
