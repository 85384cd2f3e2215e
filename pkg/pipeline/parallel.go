package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// runParallelStageLocked fans out one child stage run per branch. The
// parent stage run waits; join semantics are applied as branches reach
// terminal states.
func (e *Engine) runParallelStageLocked(ctx context.Context, run *Run, def *Definition, stage *Stage, sr *StageRun) {
	sr.Status = StageWaiting
	if err := e.store.UpdateStageRun(ctx, sr); err != nil {
		slog.Error("Failed to mark parallel stage waiting", "run", run.RunID, "stage", stage.ID, "error", err)
	}
	run.Status = RunWaiting
	if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
		slog.Error("Failed to mark run waiting", "run", run.RunID, "error", err)
	}
	e.subscribeRunLocked(run.RunID, def)

	for i := range stage.Branches {
		branch := &stage.Branches[i]
		e.startBranchLocked(ctx, run, stage, branch)
	}

	// All branches may have settled synchronously (action branches).
	e.checkJoinLocked(ctx, run, def, stage, sr)
}

func (e *Engine) startBranchLocked(ctx context.Context, run *Run, stage *Stage, branch *Branch) {
	now := time.Now().UTC()
	branchRun := &StageRun{
		RunID:         run.RunID,
		StageID:       stage.ID,
		BranchID:      branch.ID,
		ParentStageID: stage.ID,
		Status:        StageRunning,
		StartedAt:     &now,
	}
	if err := e.store.CreateStageRun(ctx, branchRun); err != nil {
		slog.Error("Failed to create branch stage run", "run", run.RunID, "branch", branch.ID, "error", err)
		return
	}

	branchType := branch.Type
	if branchType == "" {
		if branch.Agent != "" {
			branchType = StageAgent
		} else if branch.Pipeline != "" {
			branchType = StagePipeline
		} else {
			branchType = StageAction
		}
	}

	switch branchType {
	case StageAgent:
		if e.spawner == nil {
			e.finishBranchLocked(ctx, branchRun, StageFailed, "no agent spawner configured")
			return
		}
		agentID, err := e.spawner.SpawnWorkflowAgent(ctx, SpawnRequest{
			Role:        branch.Agent,
			IssueNumber: run.IssueNumber,
			PRNumber:    run.PRNumber,
			RunID:       run.RunID,
			StageID:     stage.ID,
			Action:      branch.Action,
		})
		if err != nil {
			e.finishBranchLocked(ctx, branchRun, StageFailed, fmt.Sprintf("spawn failed: %v", err))
			return
		}
		branchRun.AgentID = agentID
		branchRun.Status = StageWaiting
		if err := e.store.UpdateStageRun(ctx, branchRun); err != nil {
			slog.Error("Failed to record branch agent", "run", run.RunID, "branch", branch.ID, "error", err)
		}

	case StageAction:
		if e.actions == nil {
			e.finishBranchLocked(ctx, branchRun, StageFailed, "no action runner configured")
			return
		}
		outputs, err := e.actions.Run(ctx, branch.Action, branch.Config, run)
		if err != nil {
			e.finishBranchLocked(ctx, branchRun, StageFailed, err.Error())
			return
		}
		branchRun.Outputs = outputs
		e.finishBranchLocked(ctx, branchRun, StageCompleted, "")

	case StagePipeline:
		child, ok := e.pipelines[branch.Pipeline]
		if !ok {
			e.finishBranchLocked(ctx, branchRun, StageFailed,
				fmt.Sprintf("unknown sub-pipeline %q", branch.Pipeline))
			return
		}
		if run.NestingDepth >= maxNestingDepth {
			e.finishBranchLocked(ctx, branchRun, StageFailed, "sub-pipeline nesting cap exceeded")
			return
		}
		childRun, err := e.startRunLocked(ctx, child, runTriggerEvent(run),
			run.RunID, stage.ID, run.NestingDepth+1)
		if err != nil {
			e.finishBranchLocked(ctx, branchRun, StageFailed, err.Error())
			return
		}
		branchRun.ChildPipelineRunID = childRun.RunID
		// Synchronous children are already terminal by the time the
		// link exists; settle the branch directly.
		if !childRun.Status.IsActive() {
			status := StageFailed
			msg := fmt.Sprintf("sub-pipeline %s", childRun.Status)
			if childRun.Status == RunCompleted {
				status, msg = StageCompleted, ""
			}
			e.finishBranchLocked(ctx, branchRun, status, msg)
			return
		}
		branchRun.Status = StageWaiting
		if err := e.store.UpdateStageRun(ctx, branchRun); err != nil {
			slog.Error("Failed to record branch child run", "run", run.RunID, "branch", branch.ID, "error", err)
		}

	default:
		e.finishBranchLocked(ctx, branchRun, StageFailed,
			fmt.Sprintf("unsupported branch type %q", branchType))
	}
}

// finishBranchLocked persists a branch's terminal state without
// resolving transitions (the parent stage owns routing).
func (e *Engine) finishBranchLocked(ctx context.Context, branchRun *StageRun, status StageStatus, errMsg string) {
	now := time.Now().UTC()
	branchRun.Status = status
	branchRun.CompletedAt = &now
	if errMsg != "" {
		branchRun.ErrorMessage = errMsg
	}
	if err := e.store.UpdateStageRun(ctx, branchRun); err != nil {
		slog.Error("Failed to finish branch", "branch", branchRun.BranchID, "error", err)
	}
}

// handleBranchTerminalLocked is called when a branch stage run reaches
// a terminal state through the agent/sub-pipeline callbacks.
func (e *Engine) handleBranchTerminalLocked(ctx context.Context, run *Run, def *Definition, branchRun *StageRun) {
	stage := def.Stage(branchRun.ParentStageID)
	if stage == nil {
		slog.Error("Branch has no parent stage in snapshot", "run", run.RunID, "branch", branchRun.BranchID)
		return
	}
	parentSR, err := e.store.GetOpenStageRun(ctx, run.RunID, stage.ID)
	if err != nil {
		// Parent already settled (join=any cancelled the rest).
		return
	}
	e.checkJoinLocked(ctx, run, def, stage, parentSR)
}

// checkJoinLocked applies the parallel stage's join policy against the
// current branch states.
func (e *Engine) checkJoinLocked(ctx context.Context, run *Run, def *Definition, stage *Stage, parentSR *StageRun) {
	branches, err := e.store.GetBranchStageRuns(ctx, run.RunID, stage.ID)
	if err != nil {
		slog.Error("Failed to read branch runs", "run", run.RunID, "stage", stage.ID, "error", err)
		return
	}
	// Only consider the branches of the current attempt.
	current := make([]*StageRun, 0, len(branches))
	for _, b := range branches {
		if b.ID > parentSR.ID {
			current = append(current, b)
		}
	}
	if len(current) == 0 {
		return
	}

	terminal := 0
	failed := 0
	var firstDone *StageRun
	for _, b := range current {
		if b.Status.IsTerminal() {
			terminal++
			if b.Status == StageFailed {
				failed++
			}
			if firstDone == nil && (b.Status == StageCompleted || b.Status == StageFailed) {
				firstDone = b
			}
		}
	}

	join := stage.Join
	if join == "" {
		join = JoinAll
	}

	switch join {
	case JoinAny:
		if firstDone == nil {
			return
		}
		e.cancelOpenBranchesLocked(ctx, current)
		if firstDone.Status == StageFailed {
			e.stageDoneLocked(ctx, run, parentSR, StageFailed, firstDone.ErrorMessage)
		} else {
			e.stageDoneLocked(ctx, run, parentSR, StageCompleted, "")
		}
	case JoinAll:
		if terminal < len(current) {
			return
		}
		if failed > 0 {
			e.stageDoneLocked(ctx, run, parentSR, StageFailed,
				fmt.Sprintf("%d of %d branches failed", failed, len(current)))
		} else {
			e.stageDoneLocked(ctx, run, parentSR, StageCompleted, "")
		}
	}
}

func (e *Engine) cancelOpenBranchesLocked(ctx context.Context, branches []*StageRun) {
	for _, b := range branches {
		if b.Status.IsTerminal() {
			continue
		}
		if b.AgentID != "" && e.spawner != nil {
			if err := e.spawner.CancelAgent(ctx, b.AgentID, "parallel join=any satisfied"); err != nil {
				slog.Warn("Failed to cancel branch agent", "agent", b.AgentID, "error", err)
			}
		}
		if b.ChildPipelineRunID != "" {
			if err := e.cancelRunLocked(ctx, b.ChildPipelineRunID); err != nil {
				slog.Warn("Failed to cancel branch sub-pipeline", "run", b.ChildPipelineRunID, "error", err)
			}
		}
		e.finishBranchLocked(ctx, b, StageCancelled, "sibling branch satisfied join=any")
	}
}
