package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// scheduleDelayLocked arms the delay stage's timer. On process restart
// the remaining time is recomputed from the stage run's started_at, so
// a delay never resets to its full duration.
func (e *Engine) scheduleDelayLocked(ctx context.Context, run *Run, stage *Stage, sr *StageRun) {
	seconds, err := ParseDuration(stage.Duration)
	if err != nil {
		e.failStageLocked(ctx, run, sr, err.Error())
		return
	}

	deadline := time.Now().UTC().Add(time.Duration(seconds) * time.Second)
	if sr.StartedAt != nil {
		deadline = sr.StartedAt.Add(time.Duration(seconds) * time.Second)
	}

	if len(stage.Poll) > 0 {
		e.scheduleDelayPollLocked(run.RunID, sr.ID, stage, deadline)
		return
	}

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	e.armTimerLocked(sr.ID, remaining, func(ctx context.Context, run *Run, sr *StageRun) {
		e.stageDoneLocked(ctx, run, sr, StageCompleted, "")
	})
}

// scheduleDelayPollLocked re-evaluates the poll check periodically
// until it passes (route on_pass) or the delay elapses (complete).
func (e *Engine) scheduleDelayPollLocked(runID string, stageRunID int64, stage *Stage, deadline time.Time) {
	interval := 30 * time.Second
	if every, ok := stage.Poll["every"].(string); ok {
		if s, err := ParseDuration(every); err == nil {
			interval = time.Duration(s) * time.Second
		}
	}
	check, _ := stage.Poll["check"].(string)

	var tick func()
	tick = func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		ctx := context.Background()
		run, err := e.store.GetPipelineRun(ctx, runID)
		if err != nil || !run.Status.IsActive() {
			return
		}
		sr, err := e.store.GetStageRun(ctx, stageRunID)
		if err != nil || sr.Status.IsTerminal() {
			return
		}
		def, err := run.Definition()
		if err != nil {
			return
		}

		if check != "" && e.gates != nil {
			passed, _, _ := e.gates.Evaluate(ctx, check, stage.Poll, run)
			if passed {
				e.stageDoneWithResultLocked(ctx, run, def, stage, sr, "pass")
				return
			}
		}
		if time.Now().UTC().After(deadline) {
			e.stageDoneLocked(ctx, run, sr, StageCompleted, "")
			return
		}
		e.timers[stageRunID] = time.AfterFunc(interval, tick)
	}
	e.timers[stageRunID] = time.AfterFunc(interval, tick)
}

// scheduleTimeoutLocked arms a stage's timeout watchdog.
func (e *Engine) scheduleTimeoutLocked(ctx context.Context, run *Run, stage *Stage, sr *StageRun) {
	seconds, err := stage.TimeoutSeconds()
	if err != nil || seconds <= 0 {
		return
	}

	deadline := time.Now().UTC().Add(time.Duration(seconds) * time.Second)
	if sr.StartedAt != nil {
		deadline = sr.StartedAt.Add(time.Duration(seconds) * time.Second)
	}
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = time.Millisecond
	}

	e.armTimerLocked(sr.ID, remaining, func(ctx context.Context, run *Run, sr *StageRun) {
		e.handleTimeoutLocked(ctx, run, stage, sr)
	})
}

// armTimerLocked registers a timer keyed by stage run id. The callback
// runs under the engine lock against freshly loaded state, and only
// while the stage is still open.
func (e *Engine) armTimerLocked(stageRunID int64, d time.Duration, fn func(ctx context.Context, run *Run, sr *StageRun)) {
	if old, ok := e.timers[stageRunID]; ok {
		old.Stop()
	}
	e.timers[stageRunID] = time.AfterFunc(d, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.timers, stageRunID)

		ctx := context.Background()
		sr, err := e.store.GetStageRun(ctx, stageRunID)
		if err != nil || sr.Status.IsTerminal() {
			return
		}
		run, err := e.store.GetPipelineRun(ctx, sr.RunID)
		if err != nil || !run.Status.IsActive() {
			return
		}
		fn(ctx, run, sr)
	})
}

// handleTimeoutLocked applies the stage's on_timeout policy. Without a
// policy a timed-out stage fails through the normal failure path.
func (e *Engine) handleTimeoutLocked(ctx context.Context, run *Run, stage *Stage, sr *StageRun) {
	slog.Warn("Stage timed out", "run", run.RunID, "stage", stage.ID)

	policy := stage.OnTimeout
	if policy == nil {
		e.failStageLocked(ctx, run, sr, "stage timed out")
		return
	}

	if len(policy.Notify) > 0 && e.notifier != nil {
		message, _ := policy.Notify["message"].(string)
		if message == "" {
			message = "Stage '" + stage.ID + "' timed out."
		}
		if err := e.notifier.Notify(ctx, run, message); err != nil {
			slog.Warn("Timeout notification failed", "run", run.RunID, "error", err)
		}
	}

	// Bounded extensions push the deadline out instead of acting.
	if policy.Extend != "" && policy.MaxExtensions > 0 {
		used := 0
		if sr.Outputs != nil {
			if n, ok := sr.Outputs["timeout_extensions"].(float64); ok {
				used = int(n)
			} else if n, ok := sr.Outputs["timeout_extensions"].(int); ok {
				used = n
			}
		}
		if used < policy.MaxExtensions {
			seconds, err := ParseDuration(policy.Extend)
			if err == nil {
				if sr.Outputs == nil {
					sr.Outputs = map[string]interface{}{}
				}
				sr.Outputs["timeout_extensions"] = used + 1
				if err := e.store.UpdateStageRun(ctx, sr); err != nil {
					slog.Error("Failed to record timeout extension", "run", run.RunID, "error", err)
				}
				slog.Info("Stage timeout extended", "run", run.RunID, "stage", stage.ID,
					"extension", used+1, "max", policy.MaxExtensions)
				e.armTimerLocked(sr.ID, time.Duration(seconds)*time.Second,
					func(ctx context.Context, run *Run, sr *StageRun) {
						e.handleTimeoutLocked(ctx, run, stage, sr)
					})
				return
			}
		}
	}

	switch policy.Then {
	case "escalate", TargetEscalate:
		e.terminateStageRunLocked(ctx, run, sr, StageFailed, "stage timed out")
		_ = e.finishRunLocked(ctx, run, RunEscalated, "stage '"+stage.ID+"' timed out")
	case "cancel":
		e.terminateStageRunLocked(ctx, run, sr, StageCancelled, "stage timed out")
		_ = e.finishRunLocked(ctx, run, RunCancelled, "")
	case "fail", "":
		e.failStageLocked(ctx, run, sr, "stage timed out")
	default:
		def, err := run.Definition()
		if err != nil {
			e.failStageLocked(ctx, run, sr, "stage timed out")
			return
		}
		e.terminateStageRunLocked(ctx, run, sr, StageFailed, "stage timed out")
		e.gotoTargetLocked(ctx, run, def, policy.Then)
	}
}
