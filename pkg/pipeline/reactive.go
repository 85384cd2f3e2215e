package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbaertsch/squadron/pkg/models"
)

// subscribeRunLocked registers the run under every event key its
// definition subscribes to.
func (e *Engine) subscribeRunLocked(runID string, def *Definition) {
	for _, key := range def.SubscribedEvents() {
		if e.subscriptions[key] == nil {
			e.subscriptions[key] = make(map[string]bool)
		}
		e.subscriptions[key][runID] = true
	}
	// Human stages subscribe implicitly to the events that complete them.
	for i := range def.Stages {
		if def.Stages[i].Type != StageHuman || def.Stages[i].Human == nil {
			continue
		}
		for _, key := range humanEventKeys(def.Stages[i].Human.WaitFor) {
			if e.subscriptions[key] == nil {
				e.subscriptions[key] = make(map[string]bool)
			}
			e.subscriptions[key][runID] = true
		}
	}
}

func (e *Engine) unsubscribeRunLocked(runID string) {
	for key, runs := range e.subscriptions {
		delete(runs, runID)
		if len(runs) == 0 {
			delete(e.subscriptions, key)
		}
	}
}

func humanEventKeys(wait HumanWaitType) []string {
	switch wait {
	case WaitComment:
		return []string{"issue_comment.created"}
	case WaitLabel:
		return []string{"pull_request.labeled", "issues.labeled"}
	case WaitDismiss:
		return []string{"pull_request_review.dismissed"}
	default: // approval
		return []string{"pull_request_review.submitted"}
	}
}

// OnEvent drives reactive subscriptions: for each subscribed run the
// configured reaction (or the stage-type default) is applied.
func (e *Engine) OnEvent(ctx context.Context, event *models.Event) {
	keys := []string{string(event.Type)}
	if event.GitHubType != "" {
		keys = append(keys, event.GitHubType)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool)
	for _, key := range keys {
		for runID := range e.subscriptions[key] {
			if seen[runID] {
				continue
			}
			seen[runID] = true
			e.reactLocked(ctx, runID, key, event)
		}
	}
}

func (e *Engine) reactLocked(ctx context.Context, runID, key string, event *models.Event) {
	run, err := e.store.GetPipelineRun(ctx, runID)
	if err != nil || !run.Status.IsActive() {
		return
	}
	// Events scoped to a different PR/issue do not touch this run,
	// except that a multi-pr run accepts events from any PR.
	if run.PRNumber != 0 && event.PRNumber != 0 && run.PRNumber != event.PRNumber {
		if run.Scope != ScopeMultiPR {
			return
		}
	}
	if run.PRNumber == 0 && run.IssueNumber != 0 && event.IssueNumber != 0 &&
		run.IssueNumber != event.IssueNumber {
		return
	}

	def, err := run.Definition()
	if err != nil {
		return
	}

	if run.Scope == ScopeMultiPR && event.PRNumber != 0 {
		if err := e.store.AssociatePR(ctx, run.RunID, event.PRNumber); err != nil {
			slog.Warn("Failed to record PR association", "run", run.RunID, "error", err)
		}
	}

	if reaction, ok := def.OnEvents[key]; ok {
		e.applyReactionLocked(ctx, run, def, &reaction, event)
		return
	}

	// No pipeline-level reaction: the default is driven by the current
	// waiting stage's type.
	e.defaultReactionLocked(ctx, run, def, event)
}

func (e *Engine) applyReactionLocked(ctx context.Context, run *Run, def *Definition, reaction *ReactiveEvent, event *models.Event) {
	switch reaction.Action {
	case ActionReevaluateGates:
		e.reevaluateCurrentGateLocked(ctx, run, def)

	case ActionInvalidateAndRestart:
		e.invalidateAndRestartLocked(ctx, run, def, reaction)

	case ActionCancel:
		if err := e.cancelRunLocked(ctx, run.RunID); err != nil {
			slog.Warn("Reactive cancel failed", "run", run.RunID, "error", err)
		}

	case ActionNotify:
		if e.notifier != nil {
			message, _ := reaction.Notify["message"].(string)
			if message == "" {
				message = fmt.Sprintf("Pipeline %s received %s.", run.PipelineName, event.Type)
			}
			if err := e.notifier.Notify(ctx, run, message); err != nil {
				slog.Warn("Reactive notification failed", "run", run.RunID, "error", err)
			}
		}

	case ActionWakeAgent:
		if e.spawner != nil && reaction.Agent != "" {
			sr, err := e.store.GetOpenStageRun(ctx, run.RunID, run.CurrentStageID)
			if err == nil && sr.AgentID != "" {
				if err := e.spawner.WakeAgent(ctx, sr.AgentID, "pipeline event "+string(event.Type)); err != nil {
					slog.Warn("Reactive wake failed", "run", run.RunID, "error", err)
				}
			}
		}
	}
}

// defaultReactionLocked re-evaluates a waiting gate, completes a human
// stage when the event satisfies its wait, and otherwise does nothing.
func (e *Engine) defaultReactionLocked(ctx context.Context, run *Run, def *Definition, event *models.Event) {
	if run.CurrentStageID == "" {
		return
	}
	stage := def.Stage(run.CurrentStageID)
	if stage == nil {
		return
	}

	switch stage.Type {
	case StageGate:
		if subscribed(stage.EventSubscriptions, event) || len(def.OnEvents) > 0 {
			e.reevaluateCurrentGateLocked(ctx, run, def)
		}
	case StageHuman:
		e.checkHumanCompletionLocked(ctx, run, def, stage, event)
	}
}

func subscribed(subscriptions []string, event *models.Event) bool {
	for _, s := range subscriptions {
		if s == string(event.Type) || (event.GitHubType != "" && s == event.GitHubType) {
			return true
		}
	}
	return false
}

// reevaluateCurrentGateLocked re-runs the waiting gate stage; if it now
// passes the run advances on_pass.
func (e *Engine) reevaluateCurrentGateLocked(ctx context.Context, run *Run, def *Definition) {
	stage := def.Stage(run.CurrentStageID)
	if stage == nil || stage.Type != StageGate {
		return
	}
	sr, err := e.store.GetOpenStageRun(ctx, run.RunID, stage.ID)
	if err != nil {
		return
	}

	slog.Info("Re-evaluating gate", "run", run.RunID, "stage", stage.ID)
	if e.evaluateGateLocked(ctx, run, stage, sr) {
		e.stageDoneWithResultLocked(ctx, run, def, stage, sr, "pass")
	}
}

// invalidateAndRestartLocked resets the named stages and restarts the
// run from the configured stage.
func (e *Engine) invalidateAndRestartLocked(ctx context.Context, run *Run, def *Definition, reaction *ReactiveEvent) {
	// Close the currently open stage, if any.
	if run.CurrentStageID != "" {
		if sr, err := e.store.GetOpenStageRun(ctx, run.RunID, run.CurrentStageID); err == nil {
			e.terminateStageRunLocked(ctx, run, sr, StageCancelled, "invalidated by reactive event")
		}
	}
	for k, v := range reaction.Context {
		if run.Context == nil {
			run.Context = map[string]interface{}{}
		}
		run.Context[k] = v
	}

	restartFrom := reaction.RestartFrom
	if restartFrom == "" && len(def.Stages) > 0 {
		restartFrom = def.Stages[0].ID
	}
	stage := def.Stage(restartFrom)
	if stage == nil {
		e.failRunLocked(ctx, run, run.CurrentStageID,
			fmt.Sprintf("restart_from references unknown stage %q", restartFrom))
		return
	}

	slog.Info("Pipeline invalidated — restarting", "run", run.RunID, "from", restartFrom,
		"invalidated", reaction.Invalidate)
	e.executeStageLocked(ctx, run, def, stage)
}

// ── human stages ─────────────────────────────────────────────────────

func (e *Engine) runHumanStageLocked(ctx context.Context, run *Run, def *Definition, stage *Stage, sr *StageRun) {
	now := time.Now().UTC()
	hs := &HumanStageState{StageRunID: sr.ID}

	if e.notifier != nil {
		message := ""
		if stage.Human != nil {
			message = stage.Human.OnEnter
		}
		if message == "" {
			message = "Waiting on a human: " + humanDescription(stage)
		}
		if err := e.notifier.Notify(ctx, run, message); err != nil {
			slog.Warn("Human stage entry notification failed", "run", run.RunID, "error", err)
		} else {
			hs.EntryNotifiedAt = &now
		}
	}
	if err := e.store.UpsertHumanStageState(ctx, hs); err != nil {
		slog.Error("Failed to record human stage state", "run", run.RunID, "error", err)
	}

	e.markWaitingLocked(ctx, run, def, sr)
	e.scheduleReminderLocked(run.RunID, stage, sr.ID)
}

func humanDescription(stage *Stage) string {
	if stage.Human == nil {
		return "approval"
	}
	if stage.Human.Description != "" {
		return stage.Human.Description
	}
	return string(stage.Human.WaitFor)
}

// scheduleReminderLocked arms the reminder nudge for a human stage.
func (e *Engine) scheduleReminderLocked(runID string, stage *Stage, stageRunID int64) {
	if stage.Human == nil || stage.Human.Reminder == nil || stage.Human.Reminder.Interval == "" {
		return
	}
	seconds, err := ParseDuration(stage.Human.Reminder.Interval)
	if err != nil {
		slog.Warn("Invalid reminder interval", "stage", stage.ID, "error", err)
		return
	}
	interval := time.Duration(seconds) * time.Second

	var remind func()
	remind = func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		ctx := context.Background()
		sr, err := e.store.GetStageRun(ctx, stageRunID)
		if err != nil || sr.Status.IsTerminal() {
			return
		}
		run, err := e.store.GetPipelineRun(ctx, sr.RunID)
		if err != nil || !run.Status.IsActive() {
			return
		}
		hs, err := e.store.GetHumanStageState(ctx, stageRunID)
		if err != nil {
			return
		}
		if stage.Human.Reminder.MaxReminders > 0 && hs.ReminderCount >= stage.Human.Reminder.MaxReminders {
			return
		}

		message := stage.Human.Reminder.Message
		if message == "" {
			message = "Reminder: still waiting on " + humanDescription(stage) + "."
		}
		if e.notifier != nil {
			if err := e.notifier.Notify(ctx, run, message); err != nil {
				slog.Warn("Human stage reminder failed", "run", run.RunID, "error", err)
			}
		}
		now := time.Now().UTC()
		hs.LastReminderAt = &now
		hs.ReminderCount++
		if err := e.store.UpsertHumanStageState(ctx, hs); err != nil {
			slog.Error("Failed to update reminder state", "run", run.RunID, "error", err)
		}
		e.timers[stageRunID] = time.AfterFunc(interval, remind)
	}
	e.timers[stageRunID] = time.AfterFunc(interval, remind)
}

// checkHumanCompletionLocked completes a human stage when the event
// matches its wait_for configuration.
func (e *Engine) checkHumanCompletionLocked(ctx context.Context, run *Run, def *Definition, stage *Stage, event *models.Event) {
	human := stage.Human
	if human == nil {
		return
	}
	if event.SenderIsBot {
		return
	}

	satisfied := false
	action := ""
	switch human.WaitFor {
	case WaitApproval:
		if event.Type == models.EventPRReviewSubmitted &&
			event.PayloadField("review.state").String() == "approved" {
			satisfied = true
			action = "approval"
		}
	case WaitComment:
		if event.Type == models.EventIssueComment {
			satisfied = true
			action = "comment"
		}
	case WaitLabel:
		label := event.PayloadField("label.name").String()
		if (event.Type == models.EventPRLabeled || event.Type == models.EventIssueLabeled) &&
			(human.Label == "" || label == human.Label) {
			satisfied = true
			action = "label:" + label
		}
	case WaitDismiss:
		if event.Type == models.EventPRReviewDismissed {
			satisfied = true
			action = "dismiss"
		}
	}
	if !satisfied {
		return
	}

	sr, err := e.store.GetOpenStageRun(ctx, run.RunID, stage.ID)
	if err != nil {
		return
	}

	hs, err := e.store.GetHumanStageState(ctx, sr.ID)
	if err != nil {
		hs = &HumanStageState{StageRunID: sr.ID}
	}
	hs.CompletedBy = event.Sender
	hs.CompletedAction = action
	if err := e.store.UpsertHumanStageState(ctx, hs); err != nil {
		slog.Error("Failed to record human completion", "run", run.RunID, "error", err)
	}

	slog.Info("Human stage satisfied", "run", run.RunID, "stage", stage.ID,
		"by", event.Sender, "action", action)
	e.stageDoneLocked(ctx, run, sr, StageCompleted, "")
}
