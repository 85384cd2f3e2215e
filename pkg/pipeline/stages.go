package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbaertsch/squadron/pkg/models"
)

// executeStageLocked enters a stage: guard, stage run creation, and
// per-type dispatch. Caller holds e.mu.
func (e *Engine) executeStageLocked(ctx context.Context, run *Run, def *Definition, stage *Stage) {
	if !e.conditionHolds(run, stage.Condition) {
		sr := &StageRun{RunID: run.RunID, StageID: stage.ID, Status: StageSkipped}
		now := time.Now().UTC()
		sr.StartedAt = &now
		sr.CompletedAt = &now
		if err := e.store.CreateStageRun(ctx, sr); err != nil {
			slog.Error("Failed to record skipped stage", "run", run.RunID, "stage", stage.ID, "error", err)
			return
		}
		run.CurrentStageID = stage.ID
		if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
			slog.Error("Failed to update run for skipped stage", "run", run.RunID, "error", err)
		}
		slog.Debug("Stage skipped by condition", "run", run.RunID, "stage", stage.ID)
		if stage.SkipTo != "" {
			e.gotoTargetLocked(ctx, run, def, stage.SkipTo)
		} else {
			e.resolveTransitionLocked(ctx, run, def, stage, "complete")
		}
		return
	}

	attempt, err := e.store.CountStageAttempts(ctx, run.RunID, stage.ID)
	if err != nil {
		slog.Error("Failed to count stage attempts", "run", run.RunID, "stage", stage.ID, "error", err)
		attempt = 0
	}

	now := time.Now().UTC()
	sr := &StageRun{
		RunID:         run.RunID,
		StageID:       stage.ID,
		Status:        StageRunning,
		AttemptNumber: attempt + 1,
		StartedAt:     &now,
	}
	if stage.OnError != nil {
		sr.MaxAttempts = stage.OnError.Retry + 1
	}
	if err := e.store.CreateStageRun(ctx, sr); err != nil {
		slog.Error("Failed to create stage run", "run", run.RunID, "stage", stage.ID, "error", err)
		return
	}

	run.CurrentStageID = stage.ID
	run.Status = RunRunning
	if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
		slog.Error("Failed to update run for stage entry", "run", run.RunID, "error", err)
	}

	slog.Info("Stage started", "run", run.RunID, "stage", stage.ID, "type", stage.Type,
		"attempt", sr.AttemptNumber)

	if stage.Timeout != "" && stage.Type != StageDelay {
		e.scheduleTimeoutLocked(ctx, run, stage, sr)
	}

	e.dispatchStageLocked(ctx, run, def, stage, sr)
}

func (e *Engine) dispatchStageLocked(ctx context.Context, run *Run, def *Definition, stage *Stage, sr *StageRun) {
	switch stage.Type {
	case StageAgent:
		e.runAgentStageLocked(ctx, run, stage, sr)
	case StageGate:
		e.runGateStageLocked(ctx, run, def, stage, sr)
	case StageHuman:
		e.runHumanStageLocked(ctx, run, def, stage, sr)
	case StageParallel:
		e.runParallelStageLocked(ctx, run, def, stage, sr)
	case StageDelay:
		e.scheduleDelayLocked(ctx, run, stage, sr)
		e.markWaitingLocked(ctx, run, def, sr)
	case StageAction:
		e.runActionStageLocked(ctx, run, stage, sr)
	case StageWebhook:
		e.runWebhookStageLocked(ctx, run, def, stage, sr)
	case StagePipeline:
		e.runSubPipelineStageLocked(ctx, run, stage, sr)
	default:
		e.stageDoneLocked(ctx, run, sr, StageFailed, fmt.Sprintf("unknown stage type %q", stage.Type))
	}
}

// markWaitingLocked parks the stage and run in waiting and registers
// the run's reactive subscriptions.
func (e *Engine) markWaitingLocked(ctx context.Context, run *Run, def *Definition, sr *StageRun) {
	sr.Status = StageWaiting
	if err := e.store.UpdateStageRun(ctx, sr); err != nil {
		slog.Error("Failed to mark stage waiting", "run", run.RunID, "stage", sr.StageID, "error", err)
	}
	run.Status = RunWaiting
	if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
		slog.Error("Failed to mark run waiting", "run", run.RunID, "error", err)
	}
	e.subscribeRunLocked(run.RunID, def)
}

// ── agent stage ──────────────────────────────────────────────────────

func (e *Engine) runAgentStageLocked(ctx context.Context, run *Run, stage *Stage, sr *StageRun) {
	if e.spawner == nil {
		e.stageDoneLocked(ctx, run, sr, StageFailed, "no agent spawner configured")
		return
	}

	agentID, err := e.spawner.SpawnWorkflowAgent(ctx, SpawnRequest{
		Role:            stage.Agent,
		IssueNumber:     run.IssueNumber,
		PRNumber:        run.PRNumber,
		RunID:           run.RunID,
		StageID:         stage.ID,
		Action:          stage.Action,
		ContinueSession: stage.ContinueSession,
	})
	if err != nil {
		e.failStageLocked(ctx, run, sr, fmt.Sprintf("failed to spawn agent: %v", err))
		return
	}

	sr.AgentID = agentID
	sr.Status = StageWaiting
	if err := e.store.UpdateStageRun(ctx, sr); err != nil {
		slog.Error("Failed to record stage agent", "run", run.RunID, "stage", sr.StageID, "error", err)
	}
	run.Status = RunWaiting
	if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
		slog.Error("Failed to mark run waiting", "run", run.RunID, "error", err)
	}
	if def, err := run.Definition(); err == nil {
		e.subscribeRunLocked(run.RunID, def)
	}
}

// OnAgentComplete is called by the agent manager when a stage agent
// finishes its work.
func (e *Engine) OnAgentComplete(ctx context.Context, agentID string, outputs map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sr, err := e.store.GetStageRunByAgent(ctx, agentID)
	if err != nil {
		return
	}
	run, err := e.store.GetPipelineRun(ctx, sr.RunID)
	if err != nil || !run.Status.IsActive() {
		return
	}
	if outputs != nil {
		sr.Outputs = outputs
	}
	e.stageDoneLocked(ctx, run, sr, StageCompleted, "")
}

// OnAgentBlocked is called when a stage agent goes to sleep on a
// blocker. The stage stays waiting — no state change.
func (e *Engine) OnAgentBlocked(ctx context.Context, agentID, reason string) {
	slog.Info("Stage agent blocked — stage stays waiting", "agent", agentID, "reason", reason)
}

// OnAgentError is called when a stage agent fails or escalates.
func (e *Engine) OnAgentError(ctx context.Context, agentID string, agentErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sr, err := e.store.GetStageRunByAgent(ctx, agentID)
	if err != nil {
		return
	}
	run, err := e.store.GetPipelineRun(ctx, sr.RunID)
	if err != nil || !run.Status.IsActive() {
		return
	}
	e.stageDoneLocked(ctx, run, sr, StageFailed, agentErr.Error())
}

// ── gate stage ───────────────────────────────────────────────────────

// runGateStageLocked evaluates the gate now. On failure the stage
// either waits for a subscribed event (reactive) or routes on_fail.
func (e *Engine) runGateStageLocked(ctx context.Context, run *Run, def *Definition, stage *Stage, sr *StageRun) {
	passed := e.evaluateGateLocked(ctx, run, stage, sr)
	if passed {
		e.stageDoneWithResultLocked(ctx, run, def, stage, sr, "pass")
		return
	}
	if len(stage.EventSubscriptions) > 0 || len(def.SubscribedEvents()) > 0 {
		slog.Info("Gate not passing — waiting for events", "run", run.RunID, "stage", stage.ID)
		e.markWaitingLocked(ctx, run, def, sr)
		return
	}
	e.stageDoneWithResultLocked(ctx, run, def, stage, sr, "fail")
}

// evaluateGateLocked runs every condition (AND) or the any_of set (OR),
// recording one GateCheckRecord per evaluation.
func (e *Engine) evaluateGateLocked(ctx context.Context, run *Run, stage *Stage, sr *StageRun) bool {
	if e.gates == nil {
		slog.Error("No gate evaluator configured", "run", run.RunID, "stage", stage.ID)
		return false
	}

	evalOne := func(cond GateCondition) bool {
		passed, message, data := e.gates.Evaluate(ctx, cond.Check, cond.Params, run)
		p := passed
		record := &GateCheckRecord{
			StageRunID: sr.ID,
			CheckType:  cond.Check,
			Passed:     &p,
			Message:    message,
			ResultData: data,
		}
		if cfg, err := encodeJSON(cond.Params); err == nil {
			record.CheckConfig = cfg
		}
		if err := e.store.RecordGateCheck(ctx, record); err != nil {
			slog.Error("Failed to record gate check", "run", run.RunID, "check", cond.Check, "error", err)
		}
		return passed
	}

	if len(stage.AnyOf) > 0 {
		for _, cond := range stage.AnyOf {
			if evalOne(cond) {
				return true
			}
		}
		return false
	}
	for _, cond := range stage.Conditions {
		if !evalOne(cond) {
			return false
		}
	}
	return true
}

// ── action stage ─────────────────────────────────────────────────────

func (e *Engine) runActionStageLocked(ctx context.Context, run *Run, stage *Stage, sr *StageRun) {
	if e.actions == nil {
		e.stageDoneLocked(ctx, run, sr, StageFailed, "no action runner configured")
		return
	}

	outputs, err := e.actions.Run(ctx, stage.Action, stage.Config, run)
	if err != nil {
		e.failStageLocked(ctx, run, sr, fmt.Sprintf("action %q failed: %v", stage.Action, err))
		return
	}
	sr.Outputs = outputs
	if def, derr := run.Definition(); derr == nil {
		e.stageDoneWithResultLocked(ctx, run, def, stage, sr, "success")
	} else {
		e.stageDoneLocked(ctx, run, sr, StageCompleted, "")
	}
}

// ── sub-pipeline stage ───────────────────────────────────────────────

func (e *Engine) runSubPipelineStageLocked(ctx context.Context, run *Run, stage *Stage, sr *StageRun) {
	if run.NestingDepth >= maxNestingDepth {
		e.failStageLocked(ctx, run, sr,
			fmt.Sprintf("sub-pipeline nesting depth %d exceeds the cap of %d", run.NestingDepth+1, maxNestingDepth))
		return
	}
	child, ok := e.pipelines[stage.Pipeline]
	if !ok {
		e.failStageLocked(ctx, run, sr, fmt.Sprintf("unknown sub-pipeline %q", stage.Pipeline))
		return
	}

	childRun, err := e.startRunLocked(ctx, child, runTriggerEvent(run),
		run.RunID, stage.ID, run.NestingDepth+1)
	if err != nil {
		e.failStageLocked(ctx, run, sr, fmt.Sprintf("failed to start sub-pipeline: %v", err))
		return
	}

	sr.ChildPipelineRunID = childRun.RunID
	sr.Status = StageWaiting
	if err := e.store.UpdateStageRun(ctx, sr); err != nil {
		slog.Error("Failed to record child run on stage", "run", run.RunID, "stage", sr.StageID, "error", err)
	}

	// A child built from synchronous stages may already be terminal,
	// in which case its completion ran before the link above existed.
	if !childRun.Status.IsActive() {
		switch childRun.Status {
		case RunCompleted:
			e.stageDoneLocked(ctx, run, sr, StageCompleted, "")
		default:
			e.stageDoneLocked(ctx, run, sr, StageFailed,
				fmt.Sprintf("sub-pipeline %s", childRun.Status))
		}
		return
	}

	run.Status = RunWaiting
	if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
		slog.Error("Failed to mark run waiting", "run", run.RunID, "error", err)
	}
}

// ── completion & transitions ─────────────────────────────────────────

// stageDoneLocked finishes a stage run with a terminal status and
// resolves what comes next.
func (e *Engine) stageDoneLocked(ctx context.Context, run *Run, sr *StageRun, status StageStatus, errMsg string) {
	def, err := run.Definition()
	if err != nil {
		slog.Error("Run has an unreadable definition snapshot", "run", run.RunID, "error", err)
		_ = e.finishRunLocked(ctx, run, RunFailed, "unreadable definition snapshot")
		return
	}
	stage := def.Stage(sr.StageID)

	e.terminateStageRunLocked(ctx, run, sr, status, errMsg)

	if sr.ParentStageID != "" {
		e.handleBranchTerminalLocked(ctx, run, def, sr)
		return
	}
	if stage == nil {
		_ = e.finishRunLocked(ctx, run, RunFailed,
			fmt.Sprintf("stage %q not in definition snapshot", sr.StageID))
		return
	}

	switch status {
	case StageCompleted:
		e.resolveTransitionLocked(ctx, run, def, stage, "complete")
	case StageFailed:
		e.handleStageFailureLocked(ctx, run, def, stage, sr, errMsg)
	case StageSkipped:
		e.resolveTransitionLocked(ctx, run, def, stage, "complete")
	case StageCancelled:
		// Cancellation is driven by the run — nothing to resolve.
	}
}

// stageDoneWithResultLocked finishes a stage with an explicit
// transition result ("pass", "success", or "fail", which marks the
// stage failed).
func (e *Engine) stageDoneWithResultLocked(ctx context.Context, run *Run, def *Definition, stage *Stage, sr *StageRun, result string) {
	status := StageCompleted
	if result == "fail" {
		status = StageFailed
	}
	e.terminateStageRunLocked(ctx, run, sr, status, "")

	if sr.ParentStageID != "" {
		e.handleBranchTerminalLocked(ctx, run, def, sr)
		return
	}
	// A failed gate without an on_fail route fails the run rather than
	// silently falling through to the next stage.
	if result == "fail" && stage.OnFail.IsZero() {
		e.handleStageFailureLocked(ctx, run, def, stage, sr, "gate conditions not met")
		return
	}
	e.resolveTransitionLocked(ctx, run, def, stage, result)
}

// terminateStageRunLocked persists the terminal stage state and stops
// its timer.
func (e *Engine) terminateStageRunLocked(ctx context.Context, run *Run, sr *StageRun, status StageStatus, errMsg string) {
	if timer, ok := e.timers[sr.ID]; ok {
		timer.Stop()
		delete(e.timers, sr.ID)
	}

	now := time.Now().UTC()
	sr.Status = status
	sr.CompletedAt = &now
	if errMsg != "" {
		sr.ErrorMessage = errMsg
	}
	if err := e.store.UpdateStageRun(ctx, sr); err != nil {
		slog.Error("Failed to finish stage run", "run", run.RunID, "stage", sr.StageID, "error", err)
	}
	slog.Info("Stage finished", "run", run.RunID, "stage", sr.StageID, "status", status)
}

// failStageLocked fails a stage through the normal failure path.
func (e *Engine) failStageLocked(ctx context.Context, run *Run, sr *StageRun, errMsg string) {
	e.stageDoneLocked(ctx, run, sr, StageFailed, errMsg)
}

// handleStageFailureLocked applies the stage's error policy: bounded
// retries, then the configured fallback. A stage without on_error or
// on_fail fails the whole run.
func (e *Engine) handleStageFailureLocked(ctx context.Context, run *Run, def *Definition, stage *Stage, sr *StageRun, errMsg string) {
	if stage.OnError != nil && sr.AttemptNumber <= stage.OnError.Retry {
		slog.Info("Retrying failed stage", "run", run.RunID, "stage", stage.ID,
			"attempt", sr.AttemptNumber+1, "max", stage.OnError.Retry+1)
		e.executeStageLocked(ctx, run, def, stage)
		return
	}

	then := ""
	if stage.OnError != nil {
		then = stage.OnError.Then
	}
	switch then {
	case "escalate", TargetEscalate:
		_ = e.finishRunLocked(ctx, run, RunEscalated, errMsg)
	case "fail", TargetFail:
		e.failRunLocked(ctx, run, stage.ID, errMsg)
	case "cancel":
		_ = e.finishRunLocked(ctx, run, RunCancelled, "")
	case "", "complete":
		if then == "" {
			if !stage.OnFail.IsZero() {
				e.resolveTransitionLocked(ctx, run, def, stage, "fail")
				return
			}
			e.failRunLocked(ctx, run, stage.ID, errMsg)
			return
		}
		_ = e.finishRunLocked(ctx, run, RunCompleted, "")
	case TargetComplete:
		_ = e.finishRunLocked(ctx, run, RunCompleted, "")
	default:
		e.gotoTargetLocked(ctx, run, def, then)
	}
}

func (e *Engine) failRunLocked(ctx context.Context, run *Run, stageID, errMsg string) {
	run.ErrorStageID = stageID
	_ = e.finishRunLocked(ctx, run, RunFailed, errMsg)
}

// resolveTransitionLocked follows a stage's transition for a result.
// Missing transitions default to the lexically next stage; the special
// targets terminate the run; max_iterations caps self-loops.
func (e *Engine) resolveTransitionLocked(ctx context.Context, run *Run, def *Definition, stage *Stage, result string) {
	tr := stage.TransitionFor(result)
	// pass/success fall back to on_complete when unset.
	if tr.IsZero() && (result == "pass" || result == "success") {
		tr = stage.OnComplete
	}

	target := tr.Target()
	if target == "" {
		target = TargetNext
	}

	if tr != nil && tr.MaxIterations > 0 && target != TargetComplete && target != TargetEscalate {
		resolved := target
		if resolved == TargetNext {
			if next := def.NextStage(stage.ID); next != nil {
				resolved = next.ID
			}
		}
		attempts, err := e.store.CountStageAttempts(ctx, run.RunID, resolved)
		if err == nil && attempts >= tr.MaxIterations {
			slog.Warn("Transition exceeded max_iterations — escalating run",
				"run", run.RunID, "stage", stage.ID, "target", resolved, "max", tr.MaxIterations)
			_ = e.finishRunLocked(ctx, run, RunEscalated,
				fmt.Sprintf("stage %q exceeded max_iterations=%d", resolved, tr.MaxIterations))
			return
		}
	}

	if tr != nil && tr.Delay != "" {
		seconds, err := ParseDuration(tr.Delay)
		if err == nil && seconds > 0 {
			e.scheduleTransitionLocked(ctx, run, target, stage.ID, time.Duration(seconds)*time.Second)
			return
		}
	}

	e.gotoTargetLocked(ctx, run, def, target)
}

// gotoTargetLocked moves execution to a stage id or special target.
func (e *Engine) gotoTargetLocked(ctx context.Context, run *Run, def *Definition, target string) {
	switch target {
	case TargetComplete:
		_ = e.finishRunLocked(ctx, run, RunCompleted, "")
		return
	case TargetEscalate:
		_ = e.finishRunLocked(ctx, run, RunEscalated, "")
		return
	case TargetFail:
		_ = e.finishRunLocked(ctx, run, RunFailed, "")
		return
	case TargetNext, "":
		next := def.NextStage(run.CurrentStageID)
		if next == nil {
			_ = e.finishRunLocked(ctx, run, RunCompleted, "")
			return
		}
		e.executeStageLocked(ctx, run, def, next)
		return
	}

	stage := def.Stage(target)
	if stage == nil {
		e.failRunLocked(ctx, run, run.CurrentStageID,
			fmt.Sprintf("transition references unknown stage %q", target))
		return
	}
	e.executeStageLocked(ctx, run, def, stage)
}

// scheduleTransitionLocked re-enters gotoTarget after a delay.
func (e *Engine) scheduleTransitionLocked(ctx context.Context, run *Run, target, fromStageID string, delay time.Duration) {
	runID := run.RunID
	slog.Info("Delaying transition", "run", runID, "from", fromStageID, "to", target, "delay", delay)
	time.AfterFunc(delay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		current, err := e.store.GetPipelineRun(context.Background(), runID)
		if err != nil || !current.Status.IsActive() {
			return
		}
		def, err := current.Definition()
		if err != nil {
			return
		}
		e.gotoTargetLocked(context.Background(), current, def, target)
	})
}

// conditionHolds evaluates a stage guard: every key must equal the
// run-context value (keys may be prefixed "context.").
func (e *Engine) conditionHolds(run *Run, condition map[string]interface{}) bool {
	if len(condition) == 0 {
		return true
	}
	for key, expected := range condition {
		lookup := key
		if len(lookup) > 8 && lookup[:8] == "context." {
			lookup = lookup[8:]
		}
		actual, ok := run.Context[lookup]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			return false
		}
	}
	return true
}

// runTriggerEvent reconstructs a minimal event carrying the run's
// coordinates, used when spawning sub-pipelines.
func runTriggerEvent(run *Run) *models.Event {
	return &models.Event{
		GitHubType:  run.TriggerEvent,
		IssueNumber: run.IssueNumber,
		PRNumber:    run.PRNumber,
	}
}

func encodeJSON(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
