package pipeline

import (
	"time"
)

// RunStatus enumerates pipeline run lifecycle states.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunEscalated RunStatus = "escalated"
)

// IsActive reports whether the run can still make progress.
func (s RunStatus) IsActive() bool {
	switch s {
	case RunPending, RunRunning, RunWaiting:
		return true
	}
	return false
}

// StageStatus enumerates stage run lifecycle states.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageWaiting   StageStatus = "waiting"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageCancelled StageStatus = "cancelled"
)

// IsTerminal reports whether the stage run has finished.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageSkipped, StageCancelled:
		return true
	}
	return false
}

// Run is the persisted state of one pipeline execution. The definition
// is frozen as a JSON snapshot at trigger time so later config changes
// cannot alter an in-flight run.
type Run struct {
	RunID              string `json:"run_id"`
	PipelineName       string `json:"pipeline_name"`
	DefinitionSnapshot string `json:"definition_snapshot"`

	TriggerEvent      string `json:"trigger_event,omitempty"`
	TriggerDeliveryID string `json:"trigger_delivery_id,omitempty"`
	IssueNumber       int    `json:"issue_number,omitempty"`
	PRNumber          int    `json:"pr_number,omitempty"`
	Scope             Scope  `json:"scope"`

	ParentRunID   string `json:"parent_run_id,omitempty"`
	ParentStageID string `json:"parent_stage_id,omitempty"`
	NestingDepth  int    `json:"nesting_depth"`

	Status         RunStatus              `json:"status"`
	CurrentStageID string                 `json:"current_stage_id,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorStageID string `json:"error_stage_id,omitempty"`
}

// Definition restores the frozen definition for this run.
func (r *Run) Definition() (*Definition, error) {
	return FromSnapshot(r.DefinitionSnapshot)
}

// StageRun is the persisted state of one stage execution (or one branch
// of a parallel stage, when BranchID is set).
type StageRun struct {
	ID      int64  `json:"id"`
	RunID   string `json:"run_id"`
	StageID string `json:"stage_id"`

	Status  StageStatus `json:"status"`
	AgentID string      `json:"agent_id,omitempty"`

	BranchID      string `json:"branch_id,omitempty"`
	ParentStageID string `json:"parent_stage_id,omitempty"`

	ChildPipelineRunID string `json:"child_pipeline_run_id,omitempty"`

	Outputs      map[string]interface{} `json:"outputs,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`

	AttemptNumber int `json:"attempt_number"`
	MaxAttempts   int `json:"max_attempts"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DurationSeconds returns the wall-clock stage duration, or 0 while the
// stage is still open.
func (s *StageRun) DurationSeconds() float64 {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt).Seconds()
}

// GateCheckRecord is one gate condition evaluation. Passed is nil while
// the check is pending.
type GateCheckRecord struct {
	ID          int64                  `json:"id"`
	StageRunID  int64                  `json:"stage_run_id"`
	CheckType   string                 `json:"check_type"`
	CheckConfig string                 `json:"check_config,omitempty"`
	Passed      *bool                  `json:"passed,omitempty"`
	Message     string                 `json:"message,omitempty"`
	ResultData  map[string]interface{} `json:"result_data,omitempty"`
	CheckedAt   time.Time              `json:"checked_at"`
}

// HumanStageState tracks notification and completion state for a human
// stage run.
type HumanStageState struct {
	ID         int64 `json:"id"`
	StageRunID int64 `json:"stage_run_id"`

	EntryNotifiedAt *time.Time `json:"entry_notified_at,omitempty"`
	LastReminderAt  *time.Time `json:"last_reminder_at,omitempty"`
	ReminderCount   int        `json:"reminder_count"`

	AssignedUsers []string `json:"assigned_users,omitempty"`

	CompletedBy     string `json:"completed_by,omitempty"`
	CompletedAction string `json:"completed_action,omitempty"`
}
