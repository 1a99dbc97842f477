package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

// File actions.
const (
	ActionCreate = "create"
	ActionModify = "modify"
)

// FileChange is one rendered file of a proposal.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Action  string `json:"action"`
}

// DependencySpec is a dependency declared by a proposal, by capability name.
type DependencySpec struct {
	Name string                   `json:"name"`
	Type lifecycle.DependencyType `json:"type"`
}

// Proposal is a concrete candidate capability for one gap.
type Proposal struct {
	ID              string                   `json:"id"`
	CreatedAt       string                   `json:"created_at"`
	GapID           string                   `json:"gap_id"`
	Type            lifecycle.CapabilityType `json:"capability_type"`
	Name            string                   `json:"name"`
	Summary         string                   `json:"summary"`
	Scope           lifecycle.Scope          `json:"scope"`
	Confidence      float64                  `json:"confidence"`
	Reasoning       string                   `json:"reasoning"`
	TemplateID      string                   `json:"template_id"`
	TemplateVersion int                      `json:"template_version"`
	Files           []FileChange             `json:"files"`
	ConfigPatch     string                   `json:"config_patch,omitempty"`
	Dependencies    []DependencySpec         `json:"dependencies,omitempty"`
	ManualTrigger   bool                     `json:"manual_trigger"`
	Strategy        string                   `json:"strategy"`
	Status          lifecycle.ProposalStatus `json:"status"`
	ReviewedAt      string                   `json:"reviewed_at,omitempty"`
	RejectionReason string                   `json:"rejection_reason,omitempty"`
	RejectionDetail string                   `json:"rejection_detail,omitempty"`
	UpdatedAt       string                   `json:"updated_at"`
}

// InsertProposal stores a new pending proposal.
func (t *Tx) InsertProposal(ctx context.Context, p *Proposal) error {
	if p.ID == "" {
		p.ID = NewID("prop")
	}
	now := lifecycle.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Status = lifecycle.ProposalPending
	p.Confidence = lifecycle.Clamp(p.Confidence)
	if p.Strategy == "" {
		p.Strategy = "template"
	}

	files, err := json.Marshal(p.Files)
	if err != nil {
		return fmt.Errorf("store: encode files: %w", err)
	}
	deps, err := json.Marshal(p.Dependencies)
	if err != nil {
		return fmt.Errorf("store: encode dependencies: %w", err)
	}
	if p.Dependencies == nil {
		deps = []byte("[]")
	}

	_, err = t.exec(ctx,
		`INSERT INTO proposals (id, created_at, gap_id, capability_type, name, summary, scope, confidence,
		   reasoning, template_id, template_version, files, config_patch, dependencies, manual_trigger,
		   strategy, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CreatedAt, p.GapID, string(p.Type), p.Name, p.Summary, string(p.Scope), p.Confidence,
		p.Reasoning, p.TemplateID, p.TemplateVersion, string(files), nullableString(p.ConfigPatch),
		string(deps), boolToInt(p.ManualTrigger), p.Strategy, string(p.Status), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert proposal: %w", err)
	}
	return nil
}

// GetProposal returns a proposal by id within the transaction.
func (t *Tx) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	return getProposal(ctx, t.tx, id)
}

// GetProposal returns a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	return getProposal(ctx, s.db, id)
}

func getProposal(ctx context.Context, q querier, id string) (*Proposal, error) {
	ps, err := queryProposals(ctx, q, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("store: proposal %q: %w", id, lifecycle.ErrNotFound)
	}
	return &ps[0], nil
}

// ListProposals returns proposals with the given status ("" for all), newest first.
func (s *Store) ListProposals(ctx context.Context, status lifecycle.ProposalStatus, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryProposals(ctx, s.db,
		`SELECT `+proposalColumns+` FROM proposals
		 WHERE (? = '' OR status = ?) ORDER BY created_at DESC, id LIMIT ?`,
		string(status), string(status), limit)
}

// OpenProposalCount returns how many proposals of a gap are still open
// (pending, approved or installed), excluding one id.
func (t *Tx) OpenProposalCount(ctx context.Context, gapID, excludeID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proposals
		 WHERE gap_id = ? AND id <> ? AND status IN ('pending', 'approved', 'installed')`,
		gapID, excludeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count open proposals: %w", err)
	}
	return n, nil
}

// CountProposalsByStatus returns the number of proposals per status.
func (s *Store) CountProposalsByStatus(ctx context.Context) (map[lifecycle.ProposalStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM proposals GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count proposals: %w", err)
	}
	defer rows.Close()

	out := map[lifecycle.ProposalStatus]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[lifecycle.ProposalStatus(st)] = n
	}
	return out, rows.Err()
}

const proposalColumns = `id, created_at, gap_id, capability_type, name, summary, scope, confidence, reasoning,
	template_id, template_version, files, config_patch, dependencies, manual_trigger, strategy, status,
	reviewed_at, rejection_reason, rejection_detail, updated_at`

func queryProposals(ctx context.Context, q querier, query string, args ...any) ([]Proposal, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query proposals: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		var (
			p                            Proposal
			ctype, scope, status         string
			files, deps                  string
			patch, reviewed, why, detail sql.NullString
			manual                       int
		)
		if err := rows.Scan(&p.ID, &p.CreatedAt, &p.GapID, &ctype, &p.Name, &p.Summary, &scope,
			&p.Confidence, &p.Reasoning, &p.TemplateID, &p.TemplateVersion, &files, &patch, &deps,
			&manual, &p.Strategy, &status, &reviewed, &why, &detail, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Type = lifecycle.CapabilityType(ctype)
		p.Scope = lifecycle.Scope(scope)
		p.Status = lifecycle.ProposalStatus(status)
		p.ManualTrigger = manual != 0
		p.ConfigPatch = derefString(patch)
		p.ReviewedAt = derefString(reviewed)
		p.RejectionReason = derefString(why)
		p.RejectionDetail = derefString(detail)
		if err := json.Unmarshal([]byte(files), &p.Files); err != nil {
			return nil, fmt.Errorf("store: decode files of %s: %w", p.ID, err)
		}
		if err := json.Unmarshal([]byte(deps), &p.Dependencies); err != nil {
			return nil, fmt.Errorf("store: decode dependencies of %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
