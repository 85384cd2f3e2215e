// Copyright 2025 Squadron Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nbaertsch/squadron/pkg/metrics"
	"github.com/nbaertsch/squadron/pkg/models"
)

// maxNestingDepth caps sub-pipeline recursion.
const maxNestingDepth = 3

// AgentSpawner is the slice of the agent manager the engine drives for
// agent stages and wake_agent reactions.
type AgentSpawner interface {
	SpawnWorkflowAgent(ctx context.Context, req SpawnRequest) (string, error)
	WakeAgent(ctx context.Context, agentID, reason string) error
	CancelAgent(ctx context.Context, agentID, reason string) error
}

// SpawnRequest carries everything an agent stage hands to the manager.
type SpawnRequest struct {
	Role            string
	IssueNumber     int
	PRNumber        int
	Trigger         *models.Event
	RunID           string
	StageID         string
	Action          string
	ContinueSession bool
}

// ActionRunner executes named framework actions (merge PR, label issue)
// for action stages. External to the core.
type ActionRunner interface {
	Run(ctx context.Context, name string, params map[string]interface{}, run *Run) (map[string]interface{}, error)
}

// GateEvaluator evaluates one gate condition against a run. The
// concrete implementation binds the gate registry plus GitHub and
// registry handles (see pkg/server).
type GateEvaluator interface {
	Evaluate(ctx context.Context, check string, params map[string]interface{}, run *Run) (passed bool, message string, data map[string]interface{})
}

// Notifier posts pipeline notifications (human stage entry, reminders,
// reactive notify actions) back to GitHub.
type Notifier interface {
	Notify(ctx context.Context, run *Run, message string) error
}

// Store is the registry surface the engine persists through.
type Store interface {
	CreatePipelineRun(ctx context.Context, run *Run) error
	GetPipelineRun(ctx context.Context, runID string) (*Run, error)
	UpdatePipelineRun(ctx context.Context, run *Run) error
	ActiveRunExists(ctx context.Context, pipelineName string, prNumber, issueNumber int) (bool, error)
	GetActiveRuns(ctx context.Context) ([]*Run, error)

	CreateStageRun(ctx context.Context, sr *StageRun) error
	UpdateStageRun(ctx context.Context, sr *StageRun) error
	GetStageRun(ctx context.Context, id int64) (*StageRun, error)
	GetOpenStageRun(ctx context.Context, runID, stageID string) (*StageRun, error)
	GetStageRunByAgent(ctx context.Context, agentID string) (*StageRun, error)
	GetStageRunByChildRun(ctx context.Context, childRunID string) (*StageRun, error)
	GetBranchStageRuns(ctx context.Context, runID, parentStageID string) ([]*StageRun, error)
	CountStageAttempts(ctx context.Context, runID, stageID string) (int, error)

	RecordGateCheck(ctx context.Context, gc *GateCheckRecord) error
	UpsertHumanStageState(ctx context.Context, hs *HumanStageState) error
	GetHumanStageState(ctx context.Context, stageRunID int64) (*HumanStageState, error)

	AssociatePR(ctx context.Context, runID string, prNumber int) error
}

// Engine executes pipelines. All durable state lives in the Store;
// in memory the engine keeps only the reactive subscription index and
// live timers. A single mutex serializes stage transitions, which
// keeps per-run transitions sequential (parallel branches fan out to
// agents, never to concurrent engine mutations).
type Engine struct {
	store    Store
	spawner  AgentSpawner
	actions  ActionRunner
	gates    GateEvaluator
	notifier Notifier
	webhooks WebhookDoer
	mx       *metrics.Metrics

	mu        sync.Mutex
	pipelines map[string]*Definition
	// subscriptions: event key → run ids currently waiting on it.
	subscriptions map[string]map[string]bool
	timers        map[int64]*time.Timer
}

// Options configures an Engine. Spawner, actions, gates, notifier, and
// webhooks may be nil when the corresponding stage types are unused
// (tests); hitting such a stage fails it cleanly.
type Options struct {
	Store    Store
	Spawner  AgentSpawner
	Actions  ActionRunner
	Gates    GateEvaluator
	Notifier Notifier
	Webhooks WebhookDoer
	Metrics  *metrics.Metrics
}

// NewEngine builds an Engine.
func NewEngine(opts Options) *Engine {
	return &Engine{
		store:         opts.Store,
		spawner:       opts.Spawner,
		actions:       opts.Actions,
		gates:         opts.Gates,
		notifier:      opts.Notifier,
		webhooks:      opts.Webhooks,
		mx:            opts.Metrics,
		pipelines:     make(map[string]*Definition),
		subscriptions: make(map[string]map[string]bool),
		timers:        make(map[int64]*time.Timer),
	}
}

// RegisterPipelines replaces the registered definition set (startup and
// config hot-reload; in-flight runs keep their frozen snapshots).
func (e *Engine) RegisterPipelines(defs map[string]*Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pipelines = make(map[string]*Definition, len(defs))
	for name, def := range defs {
		e.pipelines[name] = def
	}
}

// Pipelines returns the registered definitions (dashboard listing).
func (e *Engine) Pipelines() map[string]*Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*Definition, len(e.pipelines))
	for name, def := range e.pipelines {
		out[name] = def
	}
	return out
}

// EvaluateEvent checks every registered pipeline trigger against the
// event and starts runs for matches. A pipeline never gets a second
// active run on the same PR (single-pr) or issue (issue scope).
func (e *Engine) EvaluateEvent(ctx context.Context, event *models.Event) {
	if event.GitHubType == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, def := range e.pipelines {
		if !def.Trigger.Matches(event.GitHubType, event.Payload) {
			continue
		}

		prKey, issueKey := 0, 0
		switch def.Scope {
		case ScopeSinglePR:
			prKey = event.PRNumber
		case ScopeIssue:
			issueKey = event.IssueNumber
		}
		if def.Scope != ScopeMultiPR {
			exists, err := e.store.ActiveRunExists(ctx, def.Name, prKey, issueKey)
			if err != nil {
				slog.Error("Failed to check for active pipeline run", "pipeline", def.Name, "error", err)
				continue
			}
			if exists {
				slog.Debug("Pipeline already active — skipping trigger",
					"pipeline", def.Name, "pr", event.PRNumber, "issue", event.IssueNumber)
				continue
			}
		}

		if _, err := e.startRunLocked(ctx, def, event, "", "", 0); err != nil {
			slog.Error("Failed to start pipeline run", "pipeline", def.Name, "error", err)
		}
	}
}

// StartRun starts a run of a named pipeline outside trigger evaluation
// (dashboard, sub-pipelines use startRunLocked directly).
func (e *Engine) StartRun(ctx context.Context, pipelineName string, event *models.Event) (*Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.pipelines[pipelineName]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", pipelineName)
	}
	return e.startRunLocked(ctx, def, event, "", "", 0)
}

// startRunLocked creates and begins a run. Caller holds e.mu.
func (e *Engine) startRunLocked(ctx context.Context, def *Definition, event *models.Event, parentRunID, parentStageID string, depth int) (*Run, error) {
	snapshot, err := def.Snapshot()
	if err != nil {
		return nil, err
	}

	run := &Run{
		RunID:              "run-" + uuid.NewString()[:12],
		PipelineName:       def.Name,
		DefinitionSnapshot: snapshot,
		Scope:              def.Scope,
		ParentRunID:        parentRunID,
		ParentStageID:      parentStageID,
		NestingDepth:       depth,
		Status:             RunPending,
		Context:            cloneMap(def.Context),
	}
	if event != nil {
		run.TriggerEvent = event.GitHubType
		run.TriggerDeliveryID = event.SourceDeliveryID
		run.IssueNumber = event.IssueNumber
		run.PRNumber = event.PRNumber
	}

	if err := e.store.CreatePipelineRun(ctx, run); err != nil {
		return nil, err
	}
	if run.Scope == ScopeMultiPR && run.PRNumber != 0 {
		if err := e.store.AssociatePR(ctx, run.RunID, run.PRNumber); err != nil {
			slog.Warn("Failed to associate PR with run", "run", run.RunID, "error", err)
		}
	}
	if e.mx != nil {
		e.mx.PipelineRuns.Inc()
	}

	slog.Info("Pipeline run started", "pipeline", def.Name, "run", run.RunID,
		"pr", run.PRNumber, "issue", run.IssueNumber)

	// An empty pipeline is rejected at parse time, but a frozen
	// snapshot is trusted only as far as it goes.
	if len(def.Stages) == 0 {
		return run, e.finishRunLocked(ctx, run, RunCompleted, "")
	}

	now := time.Now().UTC()
	run.Status = RunRunning
	run.StartedAt = &now
	if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
		return nil, err
	}

	e.executeStageLocked(ctx, run, def, &def.Stages[0])
	return run, nil
}

// CancelRun cancels a run and its current stage.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelRunLocked(ctx, runID)
}

func (e *Engine) cancelRunLocked(ctx context.Context, runID string) error {
	run, err := e.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.IsActive() {
		return fmt.Errorf("run %q is already %s", runID, run.Status)
	}

	if run.CurrentStageID != "" {
		if sr, err := e.store.GetOpenStageRun(ctx, runID, run.CurrentStageID); err == nil {
			e.terminateStageRunLocked(ctx, run, sr, StageCancelled, "run cancelled")
		}
	}
	return e.finishRunLocked(ctx, run, RunCancelled, "")
}

// finishRunLocked moves a run to a terminal status, clears its
// subscriptions, and propagates the result to a waiting parent stage.
func (e *Engine) finishRunLocked(ctx context.Context, run *Run, status RunStatus, errMsg string) error {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	if errMsg != "" {
		run.ErrorMessage = errMsg
	}
	if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
		return err
	}
	e.unsubscribeRunLocked(run.RunID)
	if e.mx != nil {
		e.mx.PipelineCompleted.WithLabelValues(string(status)).Inc()
	}
	slog.Info("Pipeline run finished", "pipeline", run.PipelineName, "run", run.RunID, "status", status)

	// A nested run reports back to the stage waiting on it.
	if run.ParentRunID != "" {
		e.resumeParentLocked(ctx, run)
	}
	return nil
}

// resumeParentLocked completes the parent stage that spawned this
// sub-pipeline run (or parallel branch of type pipeline).
func (e *Engine) resumeParentLocked(ctx context.Context, child *Run) {
	sr, err := e.store.GetStageRunByChildRun(ctx, child.RunID)
	if err != nil {
		slog.Warn("No parent stage waiting on child run", "child", child.RunID)
		return
	}
	parent, err := e.store.GetPipelineRun(ctx, child.ParentRunID)
	if err != nil {
		slog.Error("Parent run missing for child", "child", child.RunID, "error", err)
		return
	}
	if !parent.Status.IsActive() {
		return
	}

	switch child.Status {
	case RunCompleted:
		e.stageDoneLocked(ctx, parent, sr, StageCompleted, "")
	case RunEscalated:
		e.stageDoneLocked(ctx, parent, sr, StageFailed, "sub-pipeline escalated")
	default:
		e.stageDoneLocked(ctx, parent, sr, StageFailed,
			fmt.Sprintf("sub-pipeline %s", child.Status))
	}
}

// Resume rebuilds in-memory state after a restart: reactive
// subscriptions for waiting runs and delay timers with the remaining
// time recomputed from each stage run's started_at.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	runs, err := e.store.GetActiveRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		def, err := run.Definition()
		if err != nil {
			slog.Error("Failed to restore run definition", "run", run.RunID, "error", err)
			continue
		}
		e.subscribeRunLocked(run.RunID, def)

		if run.CurrentStageID == "" {
			continue
		}
		stage := def.Stage(run.CurrentStageID)
		if stage == nil {
			continue
		}
		sr, err := e.store.GetOpenStageRun(ctx, run.RunID, run.CurrentStageID)
		if err != nil {
			continue
		}
		if stage.Type == StageDelay {
			e.scheduleDelayLocked(ctx, run, stage, sr)
		} else if stage.Timeout != "" {
			e.scheduleTimeoutLocked(ctx, run, stage, sr)
		}
	}
	slog.Info("Pipeline engine resumed", "active_runs", len(runs))
	return nil
}

// Stop cancels all live timers.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
