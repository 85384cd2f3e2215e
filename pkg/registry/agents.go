package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nbaertsch/squadron/pkg/models"
)

const agentColumns = `agent_id, role, issue_number, pr_number, session_id, status,
branch, worktree_path, blocked_by, iteration_count, tool_call_count, turn_count,
created_at, updated_at, active_since, sleeping_since`

// CreateAgent inserts a new agent record. It fails with ErrAlreadyExists
// when a non-terminal record with the same id exists. When replaceTerminal
// is set, an existing terminal record with the same id is deleted first
// (the re-review path).
func (s *Store) CreateAgent(ctx context.Context, agent *models.AgentRecord, replaceTerminal bool) error {
	existing, err := s.GetAgent(ctx, agent.AgentID)
	if err == nil {
		if !existing.Status.IsTerminal() {
			return fmt.Errorf("agent %q: %w", agent.AgentID, ErrAlreadyExists)
		}
		if !replaceTerminal {
			return fmt.Errorf("agent %q is terminal (%s): %w", agent.AgentID, existing.Status, ErrAlreadyExists)
		}
		if err := s.DeleteAgent(ctx, agent.AgentID); err != nil {
			return err
		}
	} else if !isNotFound(err) {
		return err
	}

	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = models.StatusCreated
	}

	blockedBy, err := json.Marshal(nonNilInts(agent.BlockedBy))
	if err != nil {
		return fmt.Errorf("failed to encode blocked_by: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO agents (`+agentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.AgentID, agent.Role,
		nullInt(agent.IssueNumber), nullInt(agent.PRNumber),
		nullStr(agent.SessionID), string(agent.Status),
		nullStr(agent.Branch), nullStr(agent.WorktreePath),
		string(blockedBy),
		agent.IterationCount, agent.ToolCallCount, agent.TurnCount,
		formatTime(agent.CreatedAt), formatTime(agent.UpdatedAt),
		formatTimePtr(agent.ActiveSince), formatTimePtr(agent.SleepingSince),
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent %q: %w", agent.AgentID, err)
	}
	return nil
}

// GetAgent returns the record with the given id, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*models.AgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent %q: %w", agentID, err)
	}
	return agent, nil
}

// UpdateAgent rewrites every mutable field of the record and bumps
// updated_at.
func (s *Store) UpdateAgent(ctx context.Context, agent *models.AgentRecord) error {
	agent.UpdatedAt = time.Now().UTC()

	blockedBy, err := json.Marshal(nonNilInts(agent.BlockedBy))
	if err != nil {
		return fmt.Errorf("failed to encode blocked_by: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE agents SET
    role = ?, issue_number = ?, pr_number = ?, session_id = ?, status = ?,
    branch = ?, worktree_path = ?, blocked_by = ?,
    iteration_count = ?, tool_call_count = ?, turn_count = ?,
    updated_at = ?, active_since = ?, sleeping_since = ?
WHERE agent_id = ?`,
		agent.Role,
		nullInt(agent.IssueNumber), nullInt(agent.PRNumber),
		nullStr(agent.SessionID), string(agent.Status),
		nullStr(agent.Branch), nullStr(agent.WorktreePath),
		string(blockedBy),
		agent.IterationCount, agent.ToolCallCount, agent.TurnCount,
		formatTime(agent.UpdatedAt),
		formatTimePtr(agent.ActiveSince), formatTimePtr(agent.SleepingSince),
		agent.AgentID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent %q: %w", agent.AgentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %q: %w", agent.AgentID, ErrNotFound)
	}
	return nil
}

// DeleteAgent removes the record. Deleting a missing agent is an error.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent %q: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	return nil
}

// GetAgentsByStatus returns all records in the given status.
func (s *Store) GetAgentsByStatus(ctx context.Context, status models.AgentStatus) ([]*models.AgentRecord, error) {
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status = ? ORDER BY created_at`, string(status))
}

// GetAgentsForIssue returns every record bound to the issue, regardless
// of status.
func (s *Store) GetAgentsForIssue(ctx context.Context, issueNumber int) ([]*models.AgentRecord, error) {
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE issue_number = ? ORDER BY created_at`, issueNumber)
}

// GetActiveAgents returns every non-terminal record.
func (s *Store) GetActiveAgents(ctx context.Context) ([]*models.AgentRecord, error) {
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status IN ('created', 'active', 'sleeping') ORDER BY created_at`)
}

// GetAllAgents returns every record.
func (s *Store) GetAllAgents(ctx context.Context) ([]*models.AgentRecord, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
}

// FindAgent locates the single non-terminal record for (role, issue), or
// ErrNotFound.
func (s *Store) FindAgent(ctx context.Context, role string, issueNumber int) (*models.AgentRecord, error) {
	agents, err := s.queryAgents(ctx, `
SELECT `+agentColumns+` FROM agents
WHERE role = ? AND issue_number = ? AND status IN ('created', 'active', 'sleeping')
ORDER BY created_at DESC LIMIT 1`, role, issueNumber)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("agent role=%s issue=%d: %w", role, issueNumber, ErrNotFound)
	}
	return agents[0], nil
}

// FindAgentByPR locates the single non-terminal record for (role, pr),
// or ErrNotFound.
func (s *Store) FindAgentByPR(ctx context.Context, role string, prNumber int) (*models.AgentRecord, error) {
	agents, err := s.queryAgents(ctx, `
SELECT `+agentColumns+` FROM agents
WHERE role = ? AND pr_number = ? AND status IN ('created', 'active', 'sleeping')
ORDER BY created_at DESC LIMIT 1`, role, prNumber)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("agent role=%s pr=%d: %w", role, prNumber, ErrNotFound)
	}
	return agents[0], nil
}

// GetNonTerminalByRole returns every live record of the role, used by
// the singleton guard.
func (s *Store) GetNonTerminalByRole(ctx context.Context, role string) ([]*models.AgentRecord, error) {
	return s.queryAgents(ctx, `
SELECT `+agentColumns+` FROM agents
WHERE role = ? AND status IN ('created', 'active', 'sleeping') ORDER BY created_at`, role)
}

// PurgeTerminalAgents deletes terminal records older than the cutoff and
// returns how many were removed.
func (s *Store) PurgeTerminalAgents(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM agents
WHERE status IN ('completed', 'escalated', 'failed', 'cancelled') AND updated_at < ?`,
		formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal agents: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...interface{}) ([]*models.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.AgentRecord
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*models.AgentRecord, error) {
	var (
		a                                 models.AgentRecord
		issueNumber, prNumber             sql.NullInt64
		sessionID, branch, worktree       sql.NullString
		blockedBy, createdAt, updatedAt   string
		activeSince, sleepingSince        sql.NullString
		status                            string
	)
	err := row.Scan(
		&a.AgentID, &a.Role, &issueNumber, &prNumber, &sessionID, &status,
		&branch, &worktree, &blockedBy,
		&a.IterationCount, &a.ToolCallCount, &a.TurnCount,
		&createdAt, &updatedAt, &activeSince, &sleepingSince,
	)
	if err != nil {
		return nil, err
	}

	a.IssueNumber = int(issueNumber.Int64)
	a.PRNumber = int(prNumber.Int64)
	a.SessionID = sessionID.String
	a.Status = models.AgentStatus(status)
	a.Branch = branch.String
	a.WorktreePath = worktree.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.ActiveSince = parseTimePtr(activeSince)
	a.SleepingSince = parseTimePtr(sleepingSince)

	if err := json.Unmarshal([]byte(blockedBy), &a.BlockedBy); err != nil {
		return nil, fmt.Errorf("failed to decode blocked_by for %q: %w", a.AgentID, err)
	}
	return &a, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func nullInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nonNilInts(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
