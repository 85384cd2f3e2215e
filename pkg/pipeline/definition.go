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

// Package pipeline implements the declarative pipeline system: YAML
// definitions, their validation, and the reactive engine that executes
// them against the registry.
package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// StageType enumerates the supported stage kinds.
type StageType string

const (
	StageAgent    StageType = "agent"
	StageGate     StageType = "gate"
	StageHuman    StageType = "human"
	StageParallel StageType = "parallel"
	StageDelay    StageType = "delay"
	StageAction   StageType = "action"
	StageWebhook  StageType = "webhook"
	StagePipeline StageType = "pipeline"
)

// ReactiveAction is what a reactive event does to a running pipeline.
type ReactiveAction string

const (
	ActionReevaluateGates      ReactiveAction = "reevaluate_gates"
	ActionInvalidateAndRestart ReactiveAction = "invalidate_and_restart"
	ActionCancel               ReactiveAction = "cancel"
	ActionNotify               ReactiveAction = "notify"
	ActionWakeAgent            ReactiveAction = "wake_agent"
)

// JoinStrategy is how a parallel stage waits for its branches.
type JoinStrategy string

const (
	JoinAll JoinStrategy = "all"
	JoinAny JoinStrategy = "any"
)

// HumanWaitType is the human action that completes a human stage.
type HumanWaitType string

const (
	WaitApproval HumanWaitType = "approval"
	WaitComment  HumanWaitType = "comment"
	WaitLabel    HumanWaitType = "label"
	WaitDismiss  HumanWaitType = "dismiss"
)

// Scope identifies what a pipeline run is keyed on.
type Scope string

const (
	ScopeSinglePR Scope = "single-pr"
	ScopeMultiPR  Scope = "multi-pr"
	ScopeIssue    Scope = "issue"
)

// Special transition targets, always valid.
const (
	TargetComplete = "__complete__"
	TargetEscalate = "__escalate__"
	TargetNext     = "__next__"
	TargetFail     = "__fail__"
)

var stageIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ValidStageID reports whether id matches the stage identifier grammar.
func ValidStageID(id string) bool {
	return stageIDPattern.MatchString(id)
}

var durationPattern = regexp.MustCompile(`^\s*(\d+)\s*(s|m|h|d)\s*$`)

// ParseDuration parses "30s", "5m", "2h", "1d" into seconds.
func ParseDuration(s string) (int, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: expected <number><s|m|h|d>", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch m[2] {
	case "s":
		return n, nil
	case "m":
		return n * 60, nil
	case "h":
		return n * 3600, nil
	default:
		return n * 86400, nil
	}
}

// Trigger declares when a pipeline activates from a GitHub event.
type Trigger struct {
	Event      string                 `yaml:"event" json:"event"`
	Conditions map[string]interface{} `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// Matches checks an incoming event against the trigger. Conditions are
// literal matches; "label" and "base_branch" have payload-aware lookups.
func (t *Trigger) Matches(eventType string, payload []byte) bool {
	if t == nil || t.Event != eventType {
		return false
	}
	for key, expected := range t.Conditions {
		want := fmt.Sprintf("%v", expected)
		var got string
		switch key {
		case "label":
			got = gjson.GetBytes(payload, "label.name").String()
		case "base_branch":
			got = gjson.GetBytes(payload, "pull_request.base.ref").String()
		default:
			got = gjson.GetBytes(payload, key).String()
		}
		if got != want {
			return false
		}
	}
	return true
}

// ReactiveEvent configures how a running pipeline responds to an event
// named in on_events or a stage's event_subscriptions.
type ReactiveEvent struct {
	Action      ReactiveAction         `yaml:"action" json:"action"`
	Invalidate  []string               `yaml:"invalidate,omitempty" json:"invalidate,omitempty"`
	RestartFrom string                 `yaml:"restart_from,omitempty" json:"restart_from,omitempty"`
	Agent       string                 `yaml:"agent,omitempty" json:"agent,omitempty"`
	Notify      map[string]interface{} `yaml:"notify,omitempty" json:"notify,omitempty"`
	Context     map[string]interface{} `yaml:"context,omitempty" json:"context,omitempty"`
}

// GateCondition is a single named check within a gate stage. Params
// carries the check-specific configuration verbatim.
type GateCondition struct {
	Check  string                 `yaml:"check" json:"check"`
	Params map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
}

// UnmarshalYAML accepts the flattened form used in pipeline files, where
// check-specific keys sit beside "check":
//
//	- check: pr_approvals_met
//	  count: 2
func (g *GateCondition) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	check, _ := raw["check"].(string)
	if check == "" {
		return fmt.Errorf("gate condition missing 'check'")
	}
	delete(raw, "check")
	g.Check = check
	if len(raw) > 0 {
		g.Params = raw
	}
	return nil
}

// MarshalYAML emits the flattened form accepted by UnmarshalYAML.
func (g GateCondition) MarshalYAML() (interface{}, error) {
	out := map[string]interface{}{"check": g.Check}
	for k, v := range g.Params {
		out[k] = v
	}
	return out, nil
}

// Transition is a stage transition target: either a bare stage id /
// special token, or the long form {goto, delay, max_iterations, then}.
type Transition struct {
	Goto          string `yaml:"goto,omitempty" json:"goto,omitempty"`
	Delay         string `yaml:"delay,omitempty" json:"delay,omitempty"`
	MaxIterations int    `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Then          string `yaml:"then,omitempty" json:"then,omitempty"`
}

// UnmarshalYAML accepts both `on_pass: done` and the mapping form.
func (tr *Transition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		tr.Goto = s
		return nil
	}
	type plain Transition
	return node.Decode((*plain)(tr))
}

// IsZero reports whether the transition is unset.
func (tr *Transition) IsZero() bool {
	return tr == nil || (tr.Goto == "" && tr.Then == "")
}

// Target returns the configured target id or special token.
func (tr *Transition) Target() string {
	if tr == nil {
		return ""
	}
	if tr.Goto != "" {
		return tr.Goto
	}
	return tr.Then
}

// ErrorPolicy is a stage's on_error behaviour: retry N times, then go to
// Then (a stage id, __escalate__, or __complete__ / __fail__).
type ErrorPolicy struct {
	Retry int    `yaml:"retry,omitempty" json:"retry,omitempty"`
	Then  string `yaml:"then,omitempty" json:"then,omitempty"`
}

// TimeoutPolicy configures what happens when a stage times out.
type TimeoutPolicy struct {
	Then          string                 `yaml:"then,omitempty" json:"then,omitempty"`
	Notify        map[string]interface{} `yaml:"notify,omitempty" json:"notify,omitempty"`
	Extend        string                 `yaml:"extend,omitempty" json:"extend,omitempty"`
	MaxExtensions int                    `yaml:"max_extensions,omitempty" json:"max_extensions,omitempty"`
}

// HumanReminder configures periodic nudges for a human stage.
type HumanReminder struct {
	Interval     string `yaml:"interval,omitempty" json:"interval,omitempty"`
	Message      string `yaml:"message,omitempty" json:"message,omitempty"`
	MaxReminders int    `yaml:"max_reminders,omitempty" json:"max_reminders,omitempty"`
}

// HumanConfig is the human-stage specific configuration.
type HumanConfig struct {
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	WaitFor     HumanWaitType  `yaml:"wait_for,omitempty" json:"wait_for,omitempty"`
	FromGroup   string         `yaml:"from,omitempty" json:"from,omitempty"`
	Count       int            `yaml:"count,omitempty" json:"count,omitempty"`
	AutoAssign  bool           `yaml:"auto_assign,omitempty" json:"auto_assign,omitempty"`
	OnEnter     string         `yaml:"on_enter,omitempty" json:"on_enter,omitempty"`
	Label       string         `yaml:"label,omitempty" json:"label,omitempty"`
	Reminder    *HumanReminder `yaml:"reminder,omitempty" json:"reminder,omitempty"`
}

// Branch is one branch of a parallel stage — a miniature stage that may
// be an agent, an action, or a sub-pipeline.
type Branch struct {
	ID        string                 `yaml:"id" json:"id"`
	Type      StageType              `yaml:"type,omitempty" json:"type,omitempty"`
	Agent     string                 `yaml:"agent,omitempty" json:"agent,omitempty"`
	Action    string                 `yaml:"action,omitempty" json:"action,omitempty"`
	Pipeline  string                 `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
	Config    map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
	Context   map[string]interface{} `yaml:"context,omitempty" json:"context,omitempty"`
	Condition map[string]interface{} `yaml:"condition,omitempty" json:"condition,omitempty"`
	Timeout   string                 `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// WebhookRequest is the outbound HTTP request of a webhook stage.
type WebhookRequest struct {
	URL     string                 `yaml:"url" json:"url"`
	Method  string                 `yaml:"method,omitempty" json:"method,omitempty"`
	Headers map[string]string      `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    map[string]interface{} `yaml:"body,omitempty" json:"body,omitempty"`
}

// WebhookExpect is the expected response shape of a webhook stage.
type WebhookExpect struct {
	Status       int    `yaml:"status,omitempty" json:"status,omitempty"`
	BodyContains string `yaml:"body_contains,omitempty" json:"body_contains,omitempty"`
}

// Stage is one node of a pipeline. It is a tagged union over Type; the
// per-type fields are validated by Definition.Validate.
type Stage struct {
	ID   string    `yaml:"id" json:"id"`
	Type StageType `yaml:"type" json:"type"`

	// agent
	Agent           string `yaml:"agent,omitempty" json:"agent,omitempty"`
	Action          string `yaml:"action,omitempty" json:"action,omitempty"`
	ContinueSession bool   `yaml:"continue_session,omitempty" json:"continue_session,omitempty"`

	// gate
	Conditions []GateCondition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	AnyOf      []GateCondition `yaml:"any_of,omitempty" json:"any_of,omitempty"`

	// human
	Human *HumanConfig `yaml:"human,omitempty" json:"human,omitempty"`

	// parallel
	Join     JoinStrategy `yaml:"join,omitempty" json:"join,omitempty"`
	Branches []Branch     `yaml:"branches,omitempty" json:"branches,omitempty"`

	// delay
	Duration string                 `yaml:"duration,omitempty" json:"duration,omitempty"`
	Poll     map[string]interface{} `yaml:"poll,omitempty" json:"poll,omitempty"`

	// action
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`

	// webhook
	Request *WebhookRequest `yaml:"request,omitempty" json:"request,omitempty"`
	Expect  *WebhookExpect  `yaml:"expect,omitempty" json:"expect,omitempty"`

	// sub-pipeline
	Pipeline string `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`

	// guard + transitions (all stage types)
	Condition  map[string]interface{} `yaml:"condition,omitempty" json:"condition,omitempty"`
	SkipTo     string                 `yaml:"skip_to,omitempty" json:"skip_to,omitempty"`
	OnComplete *Transition            `yaml:"on_complete,omitempty" json:"on_complete,omitempty"`
	OnPass     *Transition            `yaml:"on_pass,omitempty" json:"on_pass,omitempty"`
	OnFail     *Transition            `yaml:"on_fail,omitempty" json:"on_fail,omitempty"`
	OnSuccess  *Transition            `yaml:"on_success,omitempty" json:"on_success,omitempty"`
	OnError    *ErrorPolicy           `yaml:"on_error,omitempty" json:"on_error,omitempty"`

	Timeout   string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	OnTimeout *TimeoutPolicy `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"`

	// reactive subscriptions specific to this stage
	EventSubscriptions []string `yaml:"event_subscriptions,omitempty" json:"event_subscriptions,omitempty"`

	Context map[string]interface{} `yaml:"context,omitempty" json:"context,omitempty"`
}

// TransitionFor returns the configured transition for a stage result
// ("complete", "pass", "fail", "success"), or nil when unset.
func (s *Stage) TransitionFor(result string) *Transition {
	switch result {
	case "complete":
		return s.OnComplete
	case "pass":
		return s.OnPass
	case "fail":
		return s.OnFail
	case "success":
		return s.OnSuccess
	}
	return nil
}

// TimeoutSeconds parses the stage timeout, returning 0 when unset.
func (s *Stage) TimeoutSeconds() (int, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	return ParseDuration(s.Timeout)
}

// Definition is a complete pipeline parsed from YAML.
type Definition struct {
	Name        string                   `yaml:"name" json:"name"`
	Description string                   `yaml:"description,omitempty" json:"description,omitempty"`
	Trigger     *Trigger                 `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Scope       Scope                    `yaml:"scope,omitempty" json:"scope,omitempty"`
	OnEvents    map[string]ReactiveEvent `yaml:"on_events,omitempty" json:"on_events,omitempty"`
	Context     map[string]interface{}   `yaml:"context,omitempty" json:"context,omitempty"`
	Stages      []Stage                  `yaml:"stages" json:"stages"`
	OnComplete  []map[string]interface{} `yaml:"on_complete,omitempty" json:"on_complete,omitempty"`
	OnError     []map[string]interface{} `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// Parse decodes and validates a single pipeline definition from YAML.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the structural rules: stage ids and uniqueness,
// per-type required fields, cross-stage references, duration grammars.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline missing 'name'")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", d.Name)
	}
	if d.Scope == "" {
		d.Scope = ScopeSinglePR
	}
	switch d.Scope {
	case ScopeSinglePR, ScopeMultiPR, ScopeIssue:
	default:
		return fmt.Errorf("pipeline %q: unknown scope %q", d.Name, d.Scope)
	}

	seen := make(map[string]bool, len(d.Stages))
	for i := range d.Stages {
		s := &d.Stages[i]
		if !ValidStageID(s.ID) {
			return fmt.Errorf("pipeline %q: stage id %q does not match %s",
				d.Name, s.ID, stageIDPattern.String())
		}
		if seen[s.ID] {
			return fmt.Errorf("pipeline %q: duplicate stage id %q", d.Name, s.ID)
		}
		seen[s.ID] = true

		if err := validateStage(s); err != nil {
			return fmt.Errorf("pipeline %q: %w", d.Name, err)
		}
	}

	if errs := d.validateReferences(); len(errs) > 0 {
		return fmt.Errorf("pipeline %q: %s", d.Name, strings.Join(errs, "; "))
	}
	return nil
}

func validateStage(s *Stage) error {
	switch s.Type {
	case StageAgent:
		if s.Agent == "" {
			return fmt.Errorf("stage %q: agent stages require 'agent'", s.ID)
		}
	case StageGate:
		if len(s.Conditions) == 0 && len(s.AnyOf) == 0 {
			return fmt.Errorf("stage %q: gate stages require 'conditions' or 'any_of'", s.ID)
		}
	case StageHuman:
		if s.Human == nil {
			return fmt.Errorf("stage %q: human stages require 'human' config", s.ID)
		}
	case StageParallel:
		if len(s.Branches) == 0 {
			return fmt.Errorf("stage %q: parallel stages require 'branches'", s.ID)
		}
		if s.Join == "" {
			s.Join = JoinAll
		}
		for _, b := range s.Branches {
			if !ValidStageID(b.ID) {
				return fmt.Errorf("stage %q: branch id %q does not match stage id grammar", s.ID, b.ID)
			}
		}
	case StageDelay:
		if s.Duration == "" {
			return fmt.Errorf("stage %q: delay stages require 'duration'", s.ID)
		}
		if _, err := ParseDuration(s.Duration); err != nil {
			return fmt.Errorf("stage %q: %w", s.ID, err)
		}
	case StageAction:
		if s.Action == "" {
			return fmt.Errorf("stage %q: action stages require 'action'", s.ID)
		}
	case StageWebhook:
		if s.Request == nil || s.Request.URL == "" {
			return fmt.Errorf("stage %q: webhook stages require 'request.url'", s.ID)
		}
	case StagePipeline:
		if s.Pipeline == "" {
			return fmt.Errorf("stage %q: pipeline stages require 'pipeline'", s.ID)
		}
	default:
		return fmt.Errorf("stage %q: unknown type %q", s.ID, s.Type)
	}

	if s.Timeout != "" {
		if _, err := ParseDuration(s.Timeout); err != nil {
			return fmt.Errorf("stage %q: %w", s.ID, err)
		}
	}
	return nil
}

func (d *Definition) validateReferences() []string {
	valid := make(map[string]bool, len(d.Stages))
	for i := range d.Stages {
		valid[d.Stages[i].ID] = true
	}
	isValid := func(target string) bool {
		switch target {
		case "", TargetComplete, TargetEscalate, TargetNext, TargetFail:
			return true
		}
		return valid[target]
	}

	var errs []string
	for i := range d.Stages {
		s := &d.Stages[i]
		refs := map[string]string{
			"on_complete": s.OnComplete.Target(),
			"on_pass":     s.OnPass.Target(),
			"on_fail":     s.OnFail.Target(),
			"on_success":  s.OnSuccess.Target(),
			"skip_to":     s.SkipTo,
		}
		if s.OnError != nil {
			refs["on_error.then"] = s.OnError.Then
		}
		if s.OnTimeout != nil {
			refs["on_timeout.then"] = s.OnTimeout.Then
		}
		for field, target := range refs {
			// on_error/on_timeout also accept the bare words used by
			// operators ("fail", "escalate", "cancel").
			if (field == "on_error.then" || field == "on_timeout.then") &&
				(target == "fail" || target == "escalate" || target == "cancel") {
				continue
			}
			if !isValid(target) {
				errs = append(errs, fmt.Sprintf(
					"stage %q references unknown stage %q in %s", s.ID, target, field))
			}
		}
	}
	return errs
}

// Stage returns the stage with the given id, or nil.
func (d *Definition) Stage(id string) *Stage {
	for i := range d.Stages {
		if d.Stages[i].ID == id {
			return &d.Stages[i]
		}
	}
	return nil
}

// StageIndex returns the position of a stage id, or -1.
func (d *Definition) StageIndex(id string) int {
	for i := range d.Stages {
		if d.Stages[i].ID == id {
			return i
		}
	}
	return -1
}

// NextStage returns the stage lexically after the given one, or nil at
// the end of the pipeline.
func (d *Definition) NextStage(id string) *Stage {
	idx := d.StageIndex(id)
	if idx < 0 || idx+1 >= len(d.Stages) {
		return nil
	}
	return &d.Stages[idx+1]
}

// SubPipelineRefs returns the names of pipelines referenced by
// pipeline-type stages and branches.
func (d *Definition) SubPipelineRefs() []string {
	var refs []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			refs = append(refs, name)
		}
	}
	for i := range d.Stages {
		if d.Stages[i].Type == StagePipeline {
			add(d.Stages[i].Pipeline)
		}
		for _, b := range d.Stages[i].Branches {
			if b.Type == StagePipeline {
				add(b.Pipeline)
			}
		}
	}
	return refs
}

// SubscribedEvents returns the union of pipeline-level on_events keys
// and every stage's event_subscriptions.
func (d *Definition) SubscribedEvents() []string {
	seen := make(map[string]bool)
	var out []string
	for ev := range d.OnEvents {
		if !seen[ev] {
			seen[ev] = true
			out = append(out, ev)
		}
	}
	for i := range d.Stages {
		for _, ev := range d.Stages[i].EventSubscriptions {
			if !seen[ev] {
				seen[ev] = true
				out = append(out, ev)
			}
		}
	}
	return out
}

// Snapshot serializes the definition to JSON for freezing onto a run.
func (d *Definition) Snapshot() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot pipeline %q: %w", d.Name, err)
	}
	return string(data), nil
}

// FromSnapshot restores a frozen definition from its JSON snapshot.
func FromSnapshot(snapshot string) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(snapshot), &def); err != nil {
		return nil, fmt.Errorf("failed to restore pipeline snapshot: %w", err)
	}
	return &def, nil
}
