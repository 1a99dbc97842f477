package store

import (
	"context"
	"fmt"
)

// DetectorStats is one row of the detector_performance view.
type DetectorStats struct {
	RuleID       string `json:"rule_id"`
	GapsDetected int    `json:"gaps_detected"`
	Dismissed    int    `json:"dismissed"`
	Resolved     int    `json:"resolved"`
	Approved     int    `json:"approved"`
	Rejected     int    `json:"rejected"`
}

// DismissalRate is dismissed gaps over detected gaps.
func (d DetectorStats) DismissalRate() float64 { return ratio(d.Dismissed, d.GapsDetected) }

// ApprovalRate is approved proposals over decided proposals.
func (d DetectorStats) ApprovalRate() float64 { return ratio(d.Approved, d.Approved+d.Rejected) }

// TemplateStats is one row of the template_performance view.
type TemplateStats struct {
	TemplateID string `json:"template_id"`
	Total      int    `json:"total"`
	Approved   int    `json:"approved"`
	Rejected   int    `json:"rejected"`
	Installed  int    `json:"installed"`
	RolledBack int    `json:"rolled_back"`
}

// ApprovalRate is approved over decided proposals.
func (t TemplateStats) ApprovalRate() float64 { return ratio(t.Approved, t.Approved+t.Rejected) }

// RollbackRate is rolled back over installed capabilities.
func (t TemplateStats) RollbackRate() float64 { return ratio(t.RolledBack, t.Installed) }

// RetentionRate is the share of installs still in place.
func (t TemplateStats) RetentionRate() float64 {
	if t.Installed == 0 {
		return 0
	}
	return 1 - t.RollbackRate()
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// DetectorPerformance reads the detector_performance view.
func (s *Store) DetectorPerformance(ctx context.Context) ([]DetectorStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_id, gaps_detected, dismissed, resolved, approved, rejected
		 FROM detector_performance ORDER BY rule_id`)
	if err != nil {
		return nil, fmt.Errorf("store: detector performance: %w", err)
	}
	defer rows.Close()

	var out []DetectorStats
	for rows.Next() {
		var d DetectorStats
		if err := rows.Scan(&d.RuleID, &d.GapsDetected, &d.Dismissed, &d.Resolved, &d.Approved, &d.Rejected); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TemplatePerformance reads the template_performance view, keyed by template id.
func (s *Store) TemplatePerformance(ctx context.Context) (map[string]TemplateStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT template_id, total, approved, rejected, installed, rolled_back FROM template_performance`)
	if err != nil {
		return nil, fmt.Errorf("store: template performance: %w", err)
	}
	defer rows.Close()

	out := map[string]TemplateStats{}
	for rows.Next() {
		var t TemplateStats
		if err := rows.Scan(&t.TemplateID, &t.Total, &t.Approved, &t.Rejected, &t.Installed, &t.RolledBack); err != nil {
			return nil, err
		}
		out[t.TemplateID] = t
	}
	return out, rows.Err()
}

// RejectionCounts returns rejected proposal counts per reason.
func (s *Store) RejectionCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(rejection_reason, 'other'), COUNT(*) FROM proposals
		 WHERE status = 'rejected' GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("store: rejection counts: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		out[reason] = n
	}
	return out, rows.Err()
}

// DailyMetrics is the per-day activity rollup.
type DailyMetrics struct {
	Day                    string `json:"day"`
	Observations           int    `json:"observations"`
	GapsDetected           int    `json:"gaps_detected"`
	ProposalsCreated       int    `json:"proposals_created"`
	ProposalsApproved      int    `json:"proposals_approved"`
	ProposalsRejected      int    `json:"proposals_rejected"`
	CapabilitiesInstalled  int    `json:"capabilities_installed"`
	CapabilitiesRolledBack int    `json:"capabilities_rolled_back"`
}

// RefreshDailyMetrics recomputes the rollup for day (YYYY-MM-DD) from the
// entity tables and transition log.
func (s *Store) RefreshDailyMetrics(ctx context.Context, day string) (*DailyMetrics, error) {
	m := DailyMetrics{Day: day}
	prefix := day + "%"
	err := s.db.QueryRowContext(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM observations WHERE timestamp LIKE ?),
		  (SELECT COUNT(*) FROM gaps WHERE detected_at LIKE ?),
		  (SELECT COUNT(*) FROM proposals WHERE created_at LIKE ?),
		  (SELECT COUNT(*) FROM transition_log WHERE entity_kind = 'proposal' AND to_status = 'approved' AND at LIKE ?),
		  (SELECT COUNT(*) FROM transition_log WHERE entity_kind = 'proposal' AND to_status = 'rejected' AND at LIKE ?),
		  (SELECT COUNT(*) FROM capabilities WHERE installed_at LIKE ?),
		  (SELECT COUNT(*) FROM transition_log WHERE entity_kind = 'capability' AND to_status = 'rolled_back' AND at LIKE ?)`,
		prefix, prefix, prefix, prefix, prefix, prefix, prefix,
	).Scan(&m.Observations, &m.GapsDetected, &m.ProposalsCreated, &m.ProposalsApproved,
		&m.ProposalsRejected, &m.CapabilitiesInstalled, &m.CapabilitiesRolledBack)
	if err != nil {
		return nil, fmt.Errorf("store: compute daily metrics: %w", err)
	}

	err = s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.exec(ctx, `
			INSERT INTO daily_metrics (day, observations, gaps_detected, proposals_created, proposals_approved,
			  proposals_rejected, capabilities_installed, capabilities_rolled_back, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
			ON CONFLICT(day) DO UPDATE SET
			  observations = excluded.observations,
			  gaps_detected = excluded.gaps_detected,
			  proposals_created = excluded.proposals_created,
			  proposals_approved = excluded.proposals_approved,
			  proposals_rejected = excluded.proposals_rejected,
			  capabilities_installed = excluded.capabilities_installed,
			  capabilities_rolled_back = excluded.capabilities_rolled_back,
			  updated_at = excluded.updated_at`,
			m.Day, m.Observations, m.GapsDetected, m.ProposalsCreated, m.ProposalsApproved,
			m.ProposalsRejected, m.CapabilitiesInstalled, m.CapabilitiesRolledBack)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: upsert daily metrics: %w", err)
	}
	return &m, nil
}

// RecentDailyMetrics returns up to limit days, newest first.
func (s *Store) RecentDailyMetrics(ctx context.Context, limit int) ([]DailyMetrics, error) {
	if limit <= 0 {
		limit = 7
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, observations, gaps_detected, proposals_created, proposals_approved, proposals_rejected,
		   capabilities_installed, capabilities_rolled_back
		 FROM daily_metrics ORDER BY day DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: daily metrics: %w", err)
	}
	defer rows.Close()

	var out []DailyMetrics
	for rows.Next() {
		var m DailyMetrics
		if err := rows.Scan(&m.Day, &m.Observations, &m.GapsDetected, &m.ProposalsCreated, &m.ProposalsApproved,
			&m.ProposalsRejected, &m.CapabilitiesInstalled, &m.CapabilitiesRolledBack); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
