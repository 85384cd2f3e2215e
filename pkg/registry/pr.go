package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ReviewState is the recorded outcome of an internal PR review.
type ReviewState string

const (
	ReviewApproved         ReviewState = "approved"
	ReviewChangesRequested ReviewState = "changes_requested"
)

// PRApproval is one recorded review outcome for a PR. Stale approvals
// stay in the table (invalidation never deletes rows) but do not count
// toward merge readiness.
type PRApproval struct {
	ID        int64       `json:"id"`
	PRNumber  int         `json:"pr_number"`
	AgentRole string      `json:"agent_role"`
	AgentID   string      `json:"agent_id"`
	State     ReviewState `json:"state"`
	Stale     bool        `json:"stale"`
	CreatedAt time.Time   `json:"created_at"`
}

// PRRequirement is a per-role approval requirement on a PR.
type PRRequirement struct {
	Role          string `json:"role"`
	RequiredCount int    `json:"required_count"`
}

// SetPRRequirements atomically replaces the requirement set for a PR.
func (s *Store) SetPRRequirements(ctx context.Context, prNumber int, reqs []PRRequirement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin requirement update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pr_requirements WHERE pr_number = ?`, prNumber); err != nil {
		return fmt.Errorf("failed to clear pr requirements: %w", err)
	}
	for _, req := range reqs {
		count := req.RequiredCount
		if count <= 0 {
			count = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pr_requirements (pr_number, role, required_count) VALUES (?, ?, ?)`,
			prNumber, req.Role, count); err != nil {
			return fmt.Errorf("failed to insert pr requirement: %w", err)
		}
	}
	return tx.Commit()
}

// GetPRRequirements returns the requirement set for a PR.
func (s *Store) GetPRRequirements(ctx context.Context, prNumber int) ([]PRRequirement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, required_count FROM pr_requirements WHERE pr_number = ? ORDER BY role`, prNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to query pr requirements: %w", err)
	}
	defer rows.Close()

	var reqs []PRRequirement
	for rows.Next() {
		var req PRRequirement
		if err := rows.Scan(&req.Role, &req.RequiredCount); err != nil {
			return nil, fmt.Errorf("failed to scan pr requirement: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// RecordPRApproval records a review outcome. A newer record from the
// same (role, agent) supersedes older ones: prior rows from the same
// reviewer are marked stale rather than deleted.
func (s *Store) RecordPRApproval(ctx context.Context, prNumber int, role, agentID string, state ReviewState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin approval insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
UPDATE pr_approvals SET stale = 1
WHERE pr_number = ? AND agent_role = ? AND agent_id = ? AND stale = 0`,
		prNumber, role, agentID); err != nil {
		return fmt.Errorf("failed to supersede prior approvals: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO pr_approvals (pr_number, agent_role, agent_id, state, stale, created_at)
VALUES (?, ?, ?, ?, 0, ?)`,
		prNumber, role, agentID, string(state), formatTime(time.Now().UTC())); err != nil {
		return fmt.Errorf("failed to record pr approval: %w", err)
	}
	return tx.Commit()
}

// ApprovalFilter narrows GetPRApprovals.
type ApprovalFilter struct {
	Role         string
	State        ReviewState
	IncludeStale bool
}

// GetPRApprovals returns the recorded reviews for a PR. By default only
// fresh (non-stale) rows are returned.
func (s *Store) GetPRApprovals(ctx context.Context, prNumber int, f ApprovalFilter) ([]PRApproval, error) {
	query := `
SELECT id, pr_number, agent_role, agent_id, state, stale, created_at
FROM pr_approvals WHERE pr_number = ?`
	args := []interface{}{prNumber}
	if !f.IncludeStale {
		query += ` AND stale = 0`
	}
	if f.Role != "" {
		query += ` AND agent_role = ?`
		args = append(args, f.Role)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pr approvals: %w", err)
	}
	defer rows.Close()

	var approvals []PRApproval
	for rows.Next() {
		var (
			a     PRApproval
			state string
			stale int
			at    string
		)
		if err := rows.Scan(&a.ID, &a.PRNumber, &a.AgentRole, &a.AgentID, &state, &stale, &at); err != nil {
			return nil, fmt.Errorf("failed to scan pr approval: %w", err)
		}
		a.State = ReviewState(state)
		a.Stale = stale != 0
		a.CreatedAt = parseTime(at)
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// InvalidatePRApprovals marks every current approval for the PR stale.
// Rows are never deleted — the review history stays auditable.
func (s *Store) InvalidatePRApprovals(ctx context.Context, prNumber int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pr_approvals SET stale = 1 WHERE pr_number = ? AND stale = 0`, prNumber)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate pr approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CheckPRMergeReady reports whether the PR meets every recorded
// requirement with fresh approvals and has no outstanding fresh
// changes_requested review.
func (s *Store) CheckPRMergeReady(ctx context.Context, prNumber int) (bool, string, error) {
	blocking, err := s.GetPRApprovals(ctx, prNumber, ApprovalFilter{State: ReviewChangesRequested})
	if err != nil {
		return false, "", err
	}
	if len(blocking) > 0 {
		return false, fmt.Sprintf("%d reviewer(s) requested changes", len(blocking)), nil
	}

	reqs, err := s.GetPRRequirements(ctx, prNumber)
	if err != nil {
		return false, "", err
	}
	for _, req := range reqs {
		approvals, err := s.GetPRApprovals(ctx, prNumber, ApprovalFilter{
			Role:  req.Role,
			State: ReviewApproved,
		})
		if err != nil {
			return false, "", err
		}
		if len(approvals) < req.RequiredCount {
			return false, fmt.Sprintf("role %s has %d/%d required approvals",
				req.Role, len(approvals), req.RequiredCount), nil
		}
	}
	return true, "", nil
}

// ── Review sequences ─────────────────────────────────────────────────

// PRSequence is the linear multi-step review order for a PR.
type PRSequence struct {
	PRNumber     int      `json:"pr_number"`
	Roles        []string `json:"roles"`
	CurrentIndex int      `json:"current_index"`
}

// CurrentRole returns the role whose review is up next, or "" when the
// sequence is exhausted.
func (seq *PRSequence) CurrentRole() string {
	if seq.CurrentIndex < 0 || seq.CurrentIndex >= len(seq.Roles) {
		return ""
	}
	return seq.Roles[seq.CurrentIndex]
}

// SetPRSequence installs (or replaces) the review sequence for a PR.
func (s *Store) SetPRSequence(ctx context.Context, prNumber int, roles []string) error {
	encoded, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("failed to encode sequence roles: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO pr_sequence_state (pr_number, roles, current_index)
VALUES (?, ?, 0)
ON CONFLICT(pr_number) DO UPDATE SET roles = excluded.roles, current_index = 0`,
		prNumber, string(encoded))
	if err != nil {
		return fmt.Errorf("failed to set pr sequence: %w", err)
	}
	return nil
}

// GetPRSequence returns the review sequence for a PR, or ErrNotFound.
func (s *Store) GetPRSequence(ctx context.Context, prNumber int) (*PRSequence, error) {
	var (
		seq   PRSequence
		roles string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT pr_number, roles, current_index FROM pr_sequence_state WHERE pr_number = ?`,
		prNumber).Scan(&seq.PRNumber, &roles, &seq.CurrentIndex)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pr sequence for #%d: %w", prNumber, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pr sequence: %w", err)
	}
	if err := json.Unmarshal([]byte(roles), &seq.Roles); err != nil {
		return nil, fmt.Errorf("failed to decode sequence roles: %w", err)
	}
	return &seq, nil
}

// AdvancePRSequence moves the sequence to the next role and returns the
// updated state.
func (s *Store) AdvancePRSequence(ctx context.Context, prNumber int) (*PRSequence, error) {
	seq, err := s.GetPRSequence(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	seq.CurrentIndex++
	_, err = s.db.ExecContext(ctx,
		`UPDATE pr_sequence_state SET current_index = ? WHERE pr_number = ?`,
		seq.CurrentIndex, prNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to advance pr sequence: %w", err)
	}
	return seq, nil
}

// ── Run ↔ PR associations (multi-pr scope) ───────────────────────────

// AssociatePR links a pipeline run to a PR. Duplicate links are no-ops.
func (s *Store) AssociatePR(ctx context.Context, runID string, prNumber int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pr_associations (run_id, pr_number) VALUES (?, ?)
ON CONFLICT(run_id, pr_number) DO NOTHING`, runID, prNumber)
	if err != nil {
		return fmt.Errorf("failed to associate pr #%d with run %q: %w", prNumber, runID, err)
	}
	return nil
}

// GetAssociatedPRs returns the PRs linked to a run.
func (s *Store) GetAssociatedPRs(ctx context.Context, runID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pr_number FROM pr_associations WHERE run_id = ? ORDER BY pr_number`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pr associations: %w", err)
	}
	defer rows.Close()

	var prs []int
	for rows.Next() {
		var pr int
		if err := rows.Scan(&pr); err != nil {
			return nil, fmt.Errorf("failed to scan pr association: %w", err)
		}
		prs = append(prs, pr)
	}
	return prs, rows.Err()
}

// GetRunsForPR returns the run ids associated with a PR.
func (s *Store) GetRunsForPR(ctx context.Context, prNumber int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM pr_associations WHERE pr_number = ? ORDER BY run_id`, prNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs for pr: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var run string
		if err := rows.Scan(&run); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
