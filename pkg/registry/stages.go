package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbaertsch/squadron/pkg/pipeline"
)

const stageRunColumns = `id, run_id, stage_id, status, agent_id, branch_id,
parent_stage_id, child_pipeline_run_id, outputs, error_message,
attempt_number, max_attempts, started_at, completed_at`

// CreateStageRun inserts a stage run and fills in its assigned id.
func (s *Store) CreateStageRun(ctx context.Context, sr *pipeline.StageRun) error {
	if sr.Status == "" {
		sr.Status = pipeline.StagePending
	}
	if sr.AttemptNumber == 0 {
		sr.AttemptNumber = 1
	}
	if sr.MaxAttempts == 0 {
		sr.MaxAttempts = 1
	}
	outputs, err := encodeMap(sr.Outputs)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO stage_runs (run_id, stage_id, status, agent_id, branch_id,
    parent_stage_id, child_pipeline_run_id, outputs, error_message,
    attempt_number, max_attempts, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.RunID, sr.StageID, string(sr.Status),
		nullStr(sr.AgentID), nullStr(sr.BranchID),
		nullStr(sr.ParentStageID), nullStr(sr.ChildPipelineRunID),
		outputs, nullStr(sr.ErrorMessage),
		sr.AttemptNumber, sr.MaxAttempts,
		formatTimePtr(sr.StartedAt), formatTimePtr(sr.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert stage run %s/%s: %w", sr.RunID, sr.StageID, err)
	}
	sr.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read stage run id: %w", err)
	}
	return nil
}

// UpdateStageRun rewrites the stage run's mutable fields.
func (s *Store) UpdateStageRun(ctx context.Context, sr *pipeline.StageRun) error {
	outputs, err := encodeMap(sr.Outputs)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE stage_runs SET
    status = ?, agent_id = ?, child_pipeline_run_id = ?, outputs = ?,
    error_message = ?, attempt_number = ?, max_attempts = ?,
    started_at = ?, completed_at = ?
WHERE id = ?`,
		string(sr.Status), nullStr(sr.AgentID), nullStr(sr.ChildPipelineRunID), outputs,
		nullStr(sr.ErrorMessage), sr.AttemptNumber, sr.MaxAttempts,
		formatTimePtr(sr.StartedAt), formatTimePtr(sr.CompletedAt),
		sr.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update stage run %d: %w", sr.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stage run %d: %w", sr.ID, ErrNotFound)
	}
	return nil
}

// GetStageRun returns the stage run with the given id.
func (s *Store) GetStageRun(ctx context.Context, id int64) (*pipeline.StageRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stageRunColumns+` FROM stage_runs WHERE id = ?`, id)
	sr, err := scanStageRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stage run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stage run %d: %w", id, err)
	}
	return sr, nil
}

// GetStageRuns returns all stage runs of a pipeline run in creation order.
func (s *Store) GetStageRuns(ctx context.Context, runID string) ([]*pipeline.StageRun, error) {
	return s.queryStageRuns(ctx,
		`SELECT `+stageRunColumns+` FROM stage_runs WHERE run_id = ? ORDER BY id`, runID)
}

// GetOpenStageRun returns the newest non-terminal stage run for a
// (run, stage) pair, or ErrNotFound.
func (s *Store) GetOpenStageRun(ctx context.Context, runID, stageID string) (*pipeline.StageRun, error) {
	srs, err := s.queryStageRuns(ctx, `
SELECT `+stageRunColumns+` FROM stage_runs
WHERE run_id = ? AND stage_id = ? AND parent_stage_id IS NULL
  AND status IN ('pending', 'running', 'waiting')
ORDER BY id DESC LIMIT 1`, runID, stageID)
	if err != nil {
		return nil, err
	}
	if len(srs) == 0 {
		return nil, fmt.Errorf("open stage run %s/%s: %w", runID, stageID, ErrNotFound)
	}
	return srs[0], nil
}

// GetStageRunByAgent returns the newest stage run waiting on the agent.
func (s *Store) GetStageRunByAgent(ctx context.Context, agentID string) (*pipeline.StageRun, error) {
	srs, err := s.queryStageRuns(ctx, `
SELECT `+stageRunColumns+` FROM stage_runs
WHERE agent_id = ? AND status IN ('pending', 'running', 'waiting')
ORDER BY id DESC LIMIT 1`, agentID)
	if err != nil {
		return nil, err
	}
	if len(srs) == 0 {
		return nil, fmt.Errorf("stage run for agent %q: %w", agentID, ErrNotFound)
	}
	return srs[0], nil
}

// GetBranchStageRuns returns the branch children of a parallel stage.
func (s *Store) GetBranchStageRuns(ctx context.Context, runID, parentStageID string) ([]*pipeline.StageRun, error) {
	return s.queryStageRuns(ctx, `
SELECT `+stageRunColumns+` FROM stage_runs
WHERE run_id = ? AND parent_stage_id = ? ORDER BY id`, runID, parentStageID)
}

// GetStageRunByChildRun returns the stage run waiting on a sub-pipeline.
func (s *Store) GetStageRunByChildRun(ctx context.Context, childRunID string) (*pipeline.StageRun, error) {
	srs, err := s.queryStageRuns(ctx, `
SELECT `+stageRunColumns+` FROM stage_runs
WHERE child_pipeline_run_id = ? ORDER BY id DESC LIMIT 1`, childRunID)
	if err != nil {
		return nil, err
	}
	if len(srs) == 0 {
		return nil, fmt.Errorf("stage run for child run %q: %w", childRunID, ErrNotFound)
	}
	return srs[0], nil
}

// CountStageAttempts returns how many stage runs exist for a
// (run, stage) pair — the self-loop iteration count.
func (s *Store) CountStageAttempts(ctx context.Context, runID, stageID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stage_runs WHERE run_id = ? AND stage_id = ?`,
		runID, stageID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count stage attempts: %w", err)
	}
	return count, nil
}

func (s *Store) queryStageRuns(ctx context.Context, query string, args ...interface{}) ([]*pipeline.StageRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage runs: %w", err)
	}
	defer rows.Close()

	var srs []*pipeline.StageRun
	for rows.Next() {
		sr, err := scanStageRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage run: %w", err)
		}
		srs = append(srs, sr)
	}
	return srs, rows.Err()
}

func scanStageRun(row rowScanner) (*pipeline.StageRun, error) {
	var (
		sr                           pipeline.StageRun
		agentID, branchID            sql.NullString
		parentStage, childRun        sql.NullString
		outputs                      string
		errMsg                       sql.NullString
		startedAt, completedAt       sql.NullString
		status                       string
	)
	err := row.Scan(
		&sr.ID, &sr.RunID, &sr.StageID, &status, &agentID, &branchID,
		&parentStage, &childRun, &outputs, &errMsg,
		&sr.AttemptNumber, &sr.MaxAttempts, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	sr.Status = pipeline.StageStatus(status)
	sr.AgentID = agentID.String
	sr.BranchID = branchID.String
	sr.ParentStageID = parentStage.String
	sr.ChildPipelineRunID = childRun.String
	sr.ErrorMessage = errMsg.String
	sr.StartedAt = parseTimePtr(startedAt)
	sr.CompletedAt = parseTimePtr(completedAt)

	if err := json.Unmarshal([]byte(outputs), &sr.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode stage outputs: %w", err)
	}
	return &sr, nil
}

// ── Gate checks ──────────────────────────────────────────────────────

// RecordGateCheck persists a gate check evaluation.
func (s *Store) RecordGateCheck(ctx context.Context, gc *pipeline.GateCheckRecord) error {
	if gc.CheckedAt.IsZero() {
		gc.CheckedAt = time.Now().UTC()
	}
	resultData, err := encodeMap(gc.ResultData)
	if err != nil {
		return err
	}

	var passed interface{}
	if gc.Passed != nil {
		if *gc.Passed {
			passed = 1
		} else {
			passed = 0
		}
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO gate_checks (stage_run_id, check_type, check_config, passed, message, result_data, checked_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		gc.StageRunID, gc.CheckType, nullStr(gc.CheckConfig),
		passed, gc.Message, resultData, formatTime(gc.CheckedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record gate check: %w", err)
	}
	gc.ID, _ = res.LastInsertId()
	return nil
}

// GetGateChecks returns the check records of a stage run, oldest first.
func (s *Store) GetGateChecks(ctx context.Context, stageRunID int64) ([]*pipeline.GateCheckRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, stage_run_id, check_type, check_config, passed, message, result_data, checked_at
FROM gate_checks WHERE stage_run_id = ? ORDER BY id`, stageRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to query gate checks: %w", err)
	}
	defer rows.Close()

	var checks []*pipeline.GateCheckRecord
	for rows.Next() {
		var (
			gc          pipeline.GateCheckRecord
			checkConfig sql.NullString
			passed      sql.NullInt64
			resultData  string
			checkedAt   string
		)
		if err := rows.Scan(&gc.ID, &gc.StageRunID, &gc.CheckType, &checkConfig,
			&passed, &gc.Message, &resultData, &checkedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gate check: %w", err)
		}
		gc.CheckConfig = checkConfig.String
		if passed.Valid {
			b := passed.Int64 != 0
			gc.Passed = &b
		}
		gc.CheckedAt = parseTime(checkedAt)
		if err := json.Unmarshal([]byte(resultData), &gc.ResultData); err != nil {
			return nil, fmt.Errorf("failed to decode gate check result: %w", err)
		}
		checks = append(checks, &gc)
	}
	return checks, rows.Err()
}

// ── Human stage state ────────────────────────────────────────────────

// UpsertHumanStageState creates or updates the human-stage tracking row
// for a stage run.
func (s *Store) UpsertHumanStageState(ctx context.Context, hs *pipeline.HumanStageState) error {
	assigned, err := json.Marshal(hs.AssignedUsers)
	if err != nil {
		return fmt.Errorf("failed to encode assigned users: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO human_stage_state (stage_run_id, entry_notified_at, last_reminder_at,
    reminder_count, assigned_users, completed_by, completed_action)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(stage_run_id) DO UPDATE SET
    entry_notified_at = excluded.entry_notified_at,
    last_reminder_at = excluded.last_reminder_at,
    reminder_count = excluded.reminder_count,
    assigned_users = excluded.assigned_users,
    completed_by = excluded.completed_by,
    completed_action = excluded.completed_action`,
		hs.StageRunID,
		formatTimePtr(hs.EntryNotifiedAt), formatTimePtr(hs.LastReminderAt),
		hs.ReminderCount, string(assigned),
		nullStr(hs.CompletedBy), nullStr(hs.CompletedAction),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert human stage state: %w", err)
	}
	return nil
}

// GetHumanStageState returns the tracking row for a stage run, or
// ErrNotFound.
func (s *Store) GetHumanStageState(ctx context.Context, stageRunID int64) (*pipeline.HumanStageState, error) {
	var (
		hs                        pipeline.HumanStageState
		entryAt, reminderAt       sql.NullString
		assigned                  string
		completedBy, completedAct sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, stage_run_id, entry_notified_at, last_reminder_at, reminder_count,
    assigned_users, completed_by, completed_action
FROM human_stage_state WHERE stage_run_id = ?`, stageRunID).Scan(
		&hs.ID, &hs.StageRunID, &entryAt, &reminderAt, &hs.ReminderCount,
		&assigned, &completedBy, &completedAct,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("human stage state for %d: %w", stageRunID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read human stage state: %w", err)
	}

	hs.EntryNotifiedAt = parseTimePtr(entryAt)
	hs.LastReminderAt = parseTimePtr(reminderAt)
	hs.CompletedBy = completedBy.String
	hs.CompletedAction = completedAct.String
	if err := json.Unmarshal([]byte(assigned), &hs.AssignedUsers); err != nil {
		return nil, fmt.Errorf("failed to decode assigned users: %w", err)
	}
	return &hs, nil
}
