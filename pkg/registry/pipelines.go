package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbaertsch/squadron/pkg/pipeline"
)

const runColumns = `run_id, pipeline_name, definition_snapshot, trigger_event,
trigger_delivery_id, issue_number, pr_number, scope, parent_run_id,
parent_stage_id, nesting_depth, status, current_stage_id, context,
created_at, started_at, completed_at, error_message, error_stage_id`

// CreatePipelineRun inserts a new run.
func (s *Store) CreatePipelineRun(ctx context.Context, run *pipeline.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = pipeline.RunPending
	}
	contextJSON, err := encodeMap(run.Context)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO pipeline_runs (`+runColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.PipelineName, run.DefinitionSnapshot,
		nullStr(run.TriggerEvent), nullStr(run.TriggerDeliveryID),
		nullInt(run.IssueNumber), nullInt(run.PRNumber), string(run.Scope),
		nullStr(run.ParentRunID), nullStr(run.ParentStageID), run.NestingDepth,
		string(run.Status), nullStr(run.CurrentStageID), contextJSON,
		formatTime(run.CreatedAt), formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt),
		nullStr(run.ErrorMessage), nullStr(run.ErrorStageID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert pipeline run %q: %w", run.RunID, err)
	}
	return nil
}

// GetPipelineRun returns the run with the given id, or ErrNotFound.
func (s *Store) GetPipelineRun(ctx context.Context, runID string) (*pipeline.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pipeline run %q: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline run %q: %w", runID, err)
	}
	return run, nil
}

// UpdatePipelineRun rewrites the run's mutable fields.
func (s *Store) UpdatePipelineRun(ctx context.Context, run *pipeline.Run) error {
	contextJSON, err := encodeMap(run.Context)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE pipeline_runs SET
    status = ?, current_stage_id = ?, context = ?,
    issue_number = ?, pr_number = ?,
    started_at = ?, completed_at = ?, error_message = ?, error_stage_id = ?
WHERE run_id = ?`,
		string(run.Status), nullStr(run.CurrentStageID), contextJSON,
		nullInt(run.IssueNumber), nullInt(run.PRNumber),
		formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt),
		nullStr(run.ErrorMessage), nullStr(run.ErrorStageID),
		run.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pipeline run %q: %w", run.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pipeline run %q: %w", run.RunID, ErrNotFound)
	}
	return nil
}

// DeletePipelineRun removes a run; stage runs, gate checks, and human
// stage state cascade via foreign keys.
func (s *Store) DeletePipelineRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of run %q: %w", runID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pr_associations WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete pr associations for %q: %w", runID, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline run %q: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pipeline run %q: %w", runID, ErrNotFound)
	}
	return tx.Commit()
}

// RunFilter narrows ListPipelineRuns.
type RunFilter struct {
	Status      pipeline.RunStatus
	PRNumber    int
	IssueNumber int
	Pipeline    string
	Limit       int
	Offset      int
}

// ListPipelineRuns returns runs matching the filter, newest first.
func (s *Store) ListPipelineRuns(ctx context.Context, f RunFilter) ([]*pipeline.Run, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.PRNumber != 0 {
		query += ` AND pr_number = ?`
		args = append(args, f.PRNumber)
	}
	if f.IssueNumber != 0 {
		query += ` AND issue_number = ?`
		args = append(args, f.IssueNumber)
	}
	if f.Pipeline != "" {
		query += ` AND pipeline_name = ?`
		args = append(args, f.Pipeline)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []*pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ActiveRunExists reports whether an active (pending/running/waiting)
// run of the named pipeline exists for the given PR or issue key.
func (s *Store) ActiveRunExists(ctx context.Context, pipelineName string, prNumber, issueNumber int) (bool, error) {
	query := `
SELECT COUNT(*) FROM pipeline_runs
WHERE pipeline_name = ? AND status IN ('pending', 'running', 'waiting')`
	args := []interface{}{pipelineName}
	if prNumber != 0 {
		query += ` AND pr_number = ?`
		args = append(args, prNumber)
	} else if issueNumber != 0 {
		query += ` AND issue_number = ?`
		args = append(args, issueNumber)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count active runs: %w", err)
	}
	return count > 0, nil
}

// GetActiveRuns returns every run that can still make progress.
func (s *Store) GetActiveRuns(ctx context.Context) ([]*pipeline.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+` FROM pipeline_runs
WHERE status IN ('pending', 'running', 'waiting') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active runs: %w", err)
	}
	defer rows.Close()

	var runs []*pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*pipeline.Run, error) {
	var (
		r                                       pipeline.Run
		triggerEvent, triggerDelivery           sql.NullString
		issueNumber, prNumber                   sql.NullInt64
		parentRun, parentStage, currentStage    sql.NullString
		contextJSON, createdAt                  string
		startedAt, completedAt                  sql.NullString
		errMsg, errStage                        sql.NullString
		scope, status                           string
	)
	err := row.Scan(
		&r.RunID, &r.PipelineName, &r.DefinitionSnapshot,
		&triggerEvent, &triggerDelivery, &issueNumber, &prNumber, &scope,
		&parentRun, &parentStage, &r.NestingDepth,
		&status, &currentStage, &contextJSON,
		&createdAt, &startedAt, &completedAt, &errMsg, &errStage,
	)
	if err != nil {
		return nil, err
	}

	r.TriggerEvent = triggerEvent.String
	r.TriggerDeliveryID = triggerDelivery.String
	r.IssueNumber = int(issueNumber.Int64)
	r.PRNumber = int(prNumber.Int64)
	r.Scope = pipeline.Scope(scope)
	r.ParentRunID = parentRun.String
	r.ParentStageID = parentStage.String
	r.Status = pipeline.RunStatus(status)
	r.CurrentStageID = currentStage.String
	r.CreatedAt = parseTime(createdAt)
	r.StartedAt = parseTimePtr(startedAt)
	r.CompletedAt = parseTimePtr(completedAt)
	r.ErrorMessage = errMsg.String
	r.ErrorStageID = errStage.String

	if err := json.Unmarshal([]byte(contextJSON), &r.Context); err != nil {
		return nil, fmt.Errorf("failed to decode run context: %w", err)
	}
	return &r, nil
}

func encodeMap(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode map: %w", err)
	}
	return string(data), nil
}
