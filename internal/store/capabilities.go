package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

// AppliedChange is one file change an install actually performed.
type AppliedChange struct {
	Path    string `json:"path"`
	Action  string `json:"action"`
	Existed bool   `json:"existed"`
}

// Capability is an installed artifact.
type Capability struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	Type         lifecycle.CapabilityType   `json:"capability_type"`
	Scope        lifecycle.Scope            `json:"scope"`
	ProposalID   string                     `json:"proposal_id"`
	GapID        string                     `json:"gap_id"`
	InstalledAt  string                     `json:"installed_at"`
	Changes      []AppliedChange            `json:"changes"`
	Snapshot     json.RawMessage            `json:"snapshot"`
	Status       lifecycle.CapabilityStatus `json:"status"`
	RolledBackAt string                     `json:"rolled_back_at,omitempty"`
	UpdatedAt    string                     `json:"updated_at"`
}

// Dependency is an edge of the capability dependency graph.
type Dependency struct {
	CapabilityID   string                     `json:"capability_id"`
	CapabilityName string                     `json:"capability_name"`
	DependsOnID    string                     `json:"depends_on_id"`
	DependsOnName  string                     `json:"depends_on_name"`
	Type           lifecycle.DependencyType   `json:"dependency_type"`
	DependsStatus  lifecycle.CapabilityStatus `json:"depends_on_status"`
	DependentState lifecycle.CapabilityStatus `json:"capability_status"`
}

// ─── Capabilities ────────────────────────────────────────────────────────────

// InsertCapability records an installed capability as active. The source
// proposal must be moved to installed in the same transaction.
func (t *Tx) InsertCapability(ctx context.Context, c *Capability) error {
	if c.ID == "" {
		c.ID = NewID("cap")
	}
	now := lifecycle.Now()
	c.InstalledAt = now
	c.UpdatedAt = now
	c.Status = lifecycle.CapabilityActive

	changes, err := json.Marshal(c.Changes)
	if err != nil {
		return fmt.Errorf("store: encode changes: %w", err)
	}
	snapshot := c.Snapshot
	if len(snapshot) == 0 {
		snapshot = json.RawMessage("[]")
	}

	_, err = t.exec(ctx,
		`INSERT INTO capabilities (id, name, capability_type, scope, proposal_id, gap_id, installed_at,
		   changes, snapshot, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, string(c.Type), string(c.Scope), c.ProposalID, c.GapID, c.InstalledAt,
		string(changes), string(snapshot), string(c.Status), c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("store: capability name %q already installed: %w", c.Name, err)
	}
	if err != nil {
		return fmt.Errorf("store: insert capability: %w", err)
	}
	return nil
}

// GetCapabilityByName returns a capability by its unique name within the transaction.
func (t *Tx) GetCapabilityByName(ctx context.Context, name string) (*Capability, error) {
	return getCapability(ctx, t.tx, "name", name)
}

// GetCapabilityByName returns a capability by its unique name.
func (s *Store) GetCapabilityByName(ctx context.Context, name string) (*Capability, error) {
	return getCapability(ctx, s.db, "name", name)
}

// GetCapability returns a capability by id.
func (s *Store) GetCapability(ctx context.Context, id string) (*Capability, error) {
	return getCapability(ctx, s.db, "id", id)
}

// CapabilityForProposal returns the capability installed from a proposal.
func (t *Tx) CapabilityForProposal(ctx context.Context, proposalID string) (*Capability, error) {
	return getCapability(ctx, t.tx, "proposal_id", proposalID)
}

func getCapability(ctx context.Context, q querier, column, value string) (*Capability, error) {
	caps, err := queryCapabilities(ctx, q,
		`SELECT `+capabilityColumns+` FROM capabilities WHERE `+column+` = ?`, value)
	if err != nil {
		return nil, err
	}
	if len(caps) == 0 {
		return nil, fmt.Errorf("store: capability %q: %w", value, lifecycle.ErrNotFound)
	}
	return &caps[0], nil
}

// ListCapabilities returns capabilities with the given status ("" for all).
func (s *Store) ListCapabilities(ctx context.Context, status lifecycle.CapabilityStatus) ([]Capability, error) {
	return queryCapabilities(ctx, s.db,
		`SELECT `+capabilityColumns+` FROM capabilities
		 WHERE (? = '' OR status = ?) ORDER BY installed_at DESC, name`,
		string(status), string(status))
}

const capabilityColumns = `id, name, capability_type, scope, proposal_id, gap_id, installed_at, changes,
	snapshot, status, rolled_back_at, updated_at`

func queryCapabilities(ctx context.Context, q querier, query string, args ...any) ([]Capability, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query capabilities: %w", err)
	}
	defer rows.Close()

	var out []Capability
	for rows.Next() {
		var (
			c                    Capability
			ctype, scope, status string
			changes, snapshot    string
			rolledBack           sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &ctype, &scope, &c.ProposalID, &c.GapID, &c.InstalledAt,
			&changes, &snapshot, &status, &rolledBack, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Type = lifecycle.CapabilityType(ctype)
		c.Scope = lifecycle.Scope(scope)
		c.Status = lifecycle.CapabilityStatus(status)
		c.RolledBackAt = derefString(rolledBack)
		c.Snapshot = json.RawMessage(snapshot)
		if err := json.Unmarshal([]byte(changes), &c.Changes); err != nil {
			return nil, fmt.Errorf("store: decode changes of %s: %w", c.Name, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ─── Dependency graph ────────────────────────────────────────────────────────

// AddDependency inserts the edge capabilityID → dependsOnID. The edge is
// rejected with a *lifecycle.DependencyError when it would close a cycle.
func (t *Tx) AddDependency(ctx context.Context, capabilityID, dependsOnID string, typ lifecycle.DependencyType) error {
	if err := lifecycle.ValidateDependencyType(typ); err != nil {
		return err
	}
	if capabilityID == dependsOnID {
		return &lifecycle.DependencyError{Op: "cycle", Subject: capabilityID, Blocking: []string{dependsOnID}}
	}

	// A path dependsOn ⇝ capability means the new edge closes a cycle.
	path, err := t.findPath(ctx, dependsOnID, capabilityID)
	if err != nil {
		return err
	}
	if path != nil {
		return &lifecycle.DependencyError{Op: "cycle", Subject: capabilityID, Blocking: path}
	}

	_, err = t.exec(ctx,
		`INSERT INTO capability_dependencies (capability_id, depends_on_id, dependency_type, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(capability_id, depends_on_id) DO UPDATE SET dependency_type = excluded.dependency_type`,
		capabilityID, dependsOnID, string(typ), lifecycle.Now())
	if err != nil {
		return fmt.Errorf("store: add dependency: %w", err)
	}
	return nil
}

// RemoveDependency deletes an edge. Removing a missing edge is not an error.
func (t *Tx) RemoveDependency(ctx context.Context, capabilityID, dependsOnID string) error {
	if _, err := t.exec(ctx,
		`DELETE FROM capability_dependencies WHERE capability_id = ? AND depends_on_id = ?`,
		capabilityID, dependsOnID,
	); err != nil {
		return fmt.Errorf("store: remove dependency: %w", err)
	}
	return nil
}

// findPath returns the capability ids on a path from → to, or nil.
func (t *Tx) findPath(ctx context.Context, from, to string) ([]string, error) {
	edges, err := dependencyEdges(ctx, t.tx)
	if err != nil {
		return nil, err
	}
	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			var path []string
			for n := cur; n != ""; n = parent[n] {
				path = append([]string{n}, path...)
			}
			return path, nil
		}
		next := edges[cur]
		sort.Strings(next)
		for _, n := range next {
			if _, seen := parent[n]; !seen {
				parent[n] = cur
				queue = append(queue, n)
			}
		}
	}
	return nil, nil
}

// dependencyEdges returns capability id → ids it depends on.
func dependencyEdges(ctx context.Context, q querier) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT capability_id, depends_on_id FROM capability_dependencies`)
	if err != nil {
		return nil, fmt.Errorf("store: read dependency edges: %w", err)
	}
	defer rows.Close()

	edges := map[string][]string{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		edges[from] = append(edges[from], to)
	}
	return edges, rows.Err()
}

const dependencySelect = `SELECT d.capability_id, c.name, d.depends_on_id, o.name, d.dependency_type,
	o.status, c.status
	FROM capability_dependencies d
	JOIN capabilities c ON c.id = d.capability_id
	JOIN capabilities o ON o.id = d.depends_on_id`

// Dependencies returns the edges leaving a capability (what it needs).
func (s *Store) Dependencies(ctx context.Context, capabilityID string) ([]Dependency, error) {
	return queryDependencies(ctx, s.db, dependencySelect+` WHERE d.capability_id = ? ORDER BY o.name`, capabilityID)
}

// Dependents returns the edges entering a capability (who needs it).
func (s *Store) Dependents(ctx context.Context, capabilityID string) ([]Dependency, error) {
	return queryDependencies(ctx, s.db, dependencySelect+` WHERE d.depends_on_id = ? ORDER BY c.name`, capabilityID)
}

// Dependents returns the edges entering a capability within the transaction.
func (t *Tx) Dependents(ctx context.Context, capabilityID string) ([]Dependency, error) {
	return queryDependencies(ctx, t.tx, dependencySelect+` WHERE d.depends_on_id = ? ORDER BY c.name`, capabilityID)
}

func queryDependencies(ctx context.Context, q querier, query string, args ...any) ([]Dependency, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query dependencies: %w", err)
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		var (
			d                     Dependency
			typ, depStatus, state string
		)
		if err := rows.Scan(&d.CapabilityID, &d.CapabilityName, &d.DependsOnID, &d.DependsOnName,
			&typ, &depStatus, &state); err != nil {
			return nil, err
		}
		d.Type = lifecycle.DependencyType(typ)
		d.DependsStatus = lifecycle.CapabilityStatus(depStatus)
		d.DependentState = lifecycle.CapabilityStatus(state)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ─── Usage ───────────────────────────────────────────────────────────────────

// RecordUsage notes that a capability was used in a session.
func (t *Tx) RecordUsage(ctx context.Context, capabilityID, sessionID, usageContext string) error {
	_, err := t.exec(ctx,
		`INSERT INTO capability_usage (capability_id, session_id, used_at, context) VALUES (?, ?, ?, ?)`,
		capabilityID, nullableString(sessionID), lifecycle.Now(), nullableString(Truncate(usageContext, 200)))
	if err != nil {
		return fmt.Errorf("store: record usage: %w", err)
	}
	return nil
}

// ActiveCapabilityNames returns id by name for every active capability.
func (t *Tx) ActiveCapabilityNames(ctx context.Context) (map[string]string, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT name, id FROM capabilities WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("store: active capabilities: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, rows.Err()
}

// UsageSummary is one row of the capability_usage_summary view.
type UsageSummary struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Type        lifecycle.CapabilityType   `json:"capability_type"`
	Status      lifecycle.CapabilityStatus `json:"status"`
	InstalledAt string                     `json:"installed_at"`
	UsageCount  int                        `json:"usage_count"`
	LastUsedAt  string                     `json:"last_used_at,omitempty"`
}

// CapabilityUsage reads the capability_usage_summary view.
func (s *Store) CapabilityUsage(ctx context.Context) ([]UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, capability_type, status, installed_at, usage_count, COALESCE(last_used_at, '')
		 FROM capability_usage_summary ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: capability usage: %w", err)
	}
	defer rows.Close()

	var out []UsageSummary
	for rows.Next() {
		var (
			u             UsageSummary
			ctype, status string
		)
		if err := rows.Scan(&u.ID, &u.Name, &ctype, &status, &u.InstalledAt, &u.UsageCount, &u.LastUsedAt); err != nil {
			return nil, err
		}
		u.Type = lifecycle.CapabilityType(ctype)
		u.Status = lifecycle.CapabilityStatus(status)
		out = append(out, u)
	}
	return out, rows.Err()
}
