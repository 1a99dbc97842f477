package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

// MetaObservation is a statistical finding about a rule, template,
// capability or gap type.
type MetaObservation struct {
	ID             string                `json:"id"`
	CreatedAt      string                `json:"created_at"`
	Type           string                `json:"observation_type"`
	SubjectKind    lifecycle.SubjectKind `json:"subject_kind"`
	SubjectID      string                `json:"subject_id"`
	Metrics        map[string]float64    `json:"metrics"`
	Confidence     float64               `json:"confidence"`
	SampleSize     int                   `json:"sample_size"`
	Recommendation string                `json:"recommendation"`
	Status         string                `json:"status"`
}

// MetaProposal is a proposed change to a rule, template, capability or
// configuration, applied only after approval.
type MetaProposal struct {
	ID                string                     `json:"id"`
	CreatedAt         string                     `json:"created_at"`
	MetaObservationID string                     `json:"meta_observation_id,omitempty"`
	Type              lifecycle.MetaProposalType `json:"proposal_type"`
	TargetKind        lifecycle.SubjectKind      `json:"target_kind"`
	TargetID          string                     `json:"target_id"`
	TargetVersion     int                        `json:"target_version"`
	Changes           map[string]any             `json:"changes"`
	Reasoning         string                     `json:"reasoning"`
	Confidence        float64                    `json:"confidence"`
	Status            lifecycle.MetaStatus       `json:"status"`
	ResultVersion     int                        `json:"result_version,omitempty"`
	ReviewedAt        string                     `json:"reviewed_at,omitempty"`
	RejectionReason   string                     `json:"rejection_reason,omitempty"`
	UpdatedAt         string                     `json:"updated_at"`
}

// InsertMetaObservation stores a meta-observation.
func (t *Tx) InsertMetaObservation(ctx context.Context, m *MetaObservation) error {
	if m.ID == "" {
		m.ID = NewID("mobs")
	}
	m.CreatedAt = lifecycle.Now()
	m.Confidence = lifecycle.Clamp(m.Confidence)
	if m.Status == "" {
		m.Status = "new"
	}
	metrics, err := json.Marshal(m.Metrics)
	if err != nil {
		return fmt.Errorf("store: encode metrics: %w", err)
	}
	_, err = t.exec(ctx,
		`INSERT INTO meta_observations (id, created_at, observation_type, subject_kind, subject_id, metrics,
		   confidence, sample_size, recommendation, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CreatedAt, m.Type, string(m.SubjectKind), m.SubjectID, string(metrics), m.Confidence,
		m.SampleSize, m.Recommendation, m.Status)
	if err != nil {
		return fmt.Errorf("store: insert meta observation: %w", err)
	}
	return nil
}

// SetMetaObservationStatus updates the bookkeeping status of a meta-observation.
func (t *Tx) SetMetaObservationStatus(ctx context.Context, id, status string) error {
	if _, err := t.exec(ctx, `UPDATE meta_observations SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("store: update meta observation: %w", err)
	}
	return nil
}

// InsertMetaProposal stores a pending meta-proposal. Targets of kind
// meta_analyzer are refused.
func (t *Tx) InsertMetaProposal(ctx context.Context, m *MetaProposal) error {
	if m.TargetKind == lifecycle.SubjectMeta {
		return lifecycle.ErrMetaSelfTarget
	}
	if m.ID == "" {
		m.ID = NewID("meta")
	}
	now := lifecycle.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.Status = lifecycle.MetaPending
	m.Confidence = lifecycle.Clamp(m.Confidence)

	changes, err := json.Marshal(m.Changes)
	if err != nil {
		return fmt.Errorf("store: encode meta changes: %w", err)
	}
	_, err = t.exec(ctx,
		`INSERT INTO meta_proposals (id, created_at, meta_observation_id, proposal_type, target_kind, target_id,
		   target_version, changes, reasoning, confidence, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CreatedAt, nullableString(m.MetaObservationID), string(m.Type), string(m.TargetKind),
		m.TargetID, m.TargetVersion, string(changes), m.Reasoning, m.Confidence, string(m.Status), m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert meta proposal: %w", err)
	}
	return nil
}

// CountMetaProposalsSince counts meta-proposals created at or after since.
func (t *Tx) CountMetaProposalsSince(ctx context.Context, since string) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM meta_proposals WHERE created_at >= ?`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count meta proposals: %w", err)
	}
	return n, nil
}

// HasOpenMetaProposal reports whether a pending or approved meta-proposal
// already targets the subject.
func (t *Tx) HasOpenMetaProposal(ctx context.Context, kind lifecycle.SubjectKind, id string) (bool, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM meta_proposals
		 WHERE target_kind = ? AND target_id = ? AND status IN ('pending', 'approved')`,
		string(kind), id).Scan(&n); err != nil {
		return false, fmt.Errorf("store: open meta proposals: %w", err)
	}
	return n > 0, nil
}

// GetMetaProposal returns a meta-proposal by id within the transaction.
func (t *Tx) GetMetaProposal(ctx context.Context, id string) (*MetaProposal, error) {
	return getMetaProposal(ctx, t.tx, id)
}

// GetMetaProposal returns a meta-proposal by id.
func (s *Store) GetMetaProposal(ctx context.Context, id string) (*MetaProposal, error) {
	return getMetaProposal(ctx, s.db, id)
}

func getMetaProposal(ctx context.Context, q querier, id string) (*MetaProposal, error) {
	ms, err := queryMetaProposals(ctx, q, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return nil, fmt.Errorf("store: meta proposal %q: %w", id, lifecycle.ErrNotFound)
	}
	return &ms[0], nil
}

// ListMetaProposals returns meta-proposals with a status ("" for all), newest first.
func (s *Store) ListMetaProposals(ctx context.Context, status lifecycle.MetaStatus) ([]MetaProposal, error) {
	return queryMetaProposals(ctx, s.db, `WHERE (? = '' OR status = ?) ORDER BY created_at DESC, id`,
		string(status), string(status))
}

func queryMetaProposals(ctx context.Context, q querier, where string, args ...any) ([]MetaProposal, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, created_at, meta_observation_id, proposal_type, target_kind, target_id, target_version,
		   changes, reasoning, confidence, status, result_version, reviewed_at, rejection_reason, updated_at
		 FROM meta_proposals `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query meta proposals: %w", err)
	}
	defer rows.Close()

	var out []MetaProposal
	for rows.Next() {
		var (
			m                       MetaProposal
			obsID, reviewed, reason sql.NullString
			typ, kind, status       string
			changes                 string
			result                  sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.CreatedAt, &obsID, &typ, &kind, &m.TargetID, &m.TargetVersion,
			&changes, &m.Reasoning, &m.Confidence, &status, &result, &reviewed, &reason, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.MetaObservationID = derefString(obsID)
		m.Type = lifecycle.MetaProposalType(typ)
		m.TargetKind = lifecycle.SubjectKind(kind)
		m.Status = lifecycle.MetaStatus(status)
		m.ReviewedAt = derefString(reviewed)
		m.RejectionReason = derefString(reason)
		if result.Valid {
			m.ResultVersion = int(result.Int64)
		}
		if err := json.Unmarshal([]byte(changes), &m.Changes); err != nil {
			return nil, fmt.Errorf("store: decode meta changes of %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMetaObservations returns the most recent meta-observations.
func (s *Store) ListMetaObservations(ctx context.Context, limit int) ([]MetaObservation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, observation_type, subject_kind, subject_id, metrics, confidence, sample_size,
		   recommendation, status
		 FROM meta_observations ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query meta observations: %w", err)
	}
	defer rows.Close()

	var out []MetaObservation
	for rows.Next() {
		var (
			m             MetaObservation
			kind, metrics string
		)
		if err := rows.Scan(&m.ID, &m.CreatedAt, &m.Type, &kind, &m.SubjectID, &metrics, &m.Confidence,
			&m.SampleSize, &m.Recommendation, &m.Status); err != nil {
			return nil, err
		}
		m.SubjectKind = lifecycle.SubjectKind(kind)
		_ = json.Unmarshal([]byte(metrics), &m.Metrics)
		out = append(out, m)
	}
	return out, rows.Err()
}
