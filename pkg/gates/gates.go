// Package gates is the pluggable registry of named gate checks used by
// pipeline gate stages. Built-in checks cover commands, file presence,
// PR approvals, CI status, labels, and branch freshness; additional
// checks can be registered at startup.
package gates

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nbaertsch/squadron/pkg/github"
	"github.com/nbaertsch/squadron/pkg/registry"
)

// Result is the outcome of one gate check evaluation.
type Result struct {
	CheckType  string                 `json:"check_type"`
	Passed     bool                   `json:"passed"`
	Message    string                 `json:"message,omitempty"`
	ResultData map[string]interface{} `json:"result_data,omitempty"`
}

func failf(check, format string, args ...interface{}) Result {
	return Result{CheckType: check, Passed: false, Message: fmt.Sprintf(format, args...)}
}

// CommandRunner executes a shell command and returns exit code, stdout,
// and stderr. Injected so the command check stays testable and the
// sandbox can interpose.
type CommandRunner func(ctx context.Context, command string) (int, string, string, error)

// Context is the runtime context handed to every check.
type Context struct {
	Params map[string]interface{}

	PRNumber    int
	IssueNumber int
	BaseBranch  string
	HeadBranch  string

	// RunContext is the pipeline run's context map.
	RunContext map[string]interface{}

	Registry   *registry.Store
	GitHub     github.Client
	RunCommand CommandRunner
}

// IntParam reads an integer parameter with a default, tolerating the
// float64 that YAML/JSON decoding produces.
func (c *Context) IntParam(key string, def int) int {
	v, ok := c.Params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// StringParam reads a string parameter.
func (c *Context) StringParam(key string) string {
	s, _ := c.Params[key].(string)
	return s
}

// StringsParam reads a string-list parameter.
func (c *Context) StringsParam(key string) []string {
	raw, ok := c.Params[key].([]interface{})
	if !ok {
		if ss, ok := c.Params[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// BoolParam reads a boolean parameter with a default.
func (c *Context) BoolParam(key string, def bool) bool {
	if v, ok := c.Params[key].(bool); ok {
		return v
	}
	return def
}

// CheckFunc evaluates one gate check.
type CheckFunc func(ctx context.Context, gc *Context) Result

// Registry maps check names to check functions. Built-in checks are
// registered at construction.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewRegistry creates a Registry with all built-in checks installed.
func NewRegistry() *Registry {
	r := &Registry{checks: make(map[string]CheckFunc)}
	r.registerBuiltins()
	return r
}

// Register installs a check under the given name, replacing any
// previous registration.
func (r *Registry) Register(name string, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = fn
	slog.Debug("Registered gate check", "check", name)
}

// Get looks up a check by name.
func (r *Registry) Get(name string) (CheckFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.checks[name]
	return fn, ok
}

// List returns all registered check names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate runs a named check. Unknown names and panicking checks fail
// closed with a descriptive message.
func (r *Registry) Evaluate(ctx context.Context, name string, gc *Context) (result Result) {
	fn, ok := r.Get(name)
	if !ok {
		return failf(name, "unknown gate check %q (available: %v)", name, r.List())
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Gate check panicked", "check", name, "panic", rec)
			result = failf(name, "gate check error: %v", rec)
		}
	}()
	return fn(ctx, gc)
}

func (r *Registry) registerBuiltins() {
	r.checks["command"] = checkCommand
	r.checks["file_exists"] = checkFileExists
	r.checks["pr_approvals_met"] = checkPRApprovalsMet
	r.checks["no_changes_requested"] = checkNoChangesRequested
	r.checks["human_approved"] = checkHumanApproved
	r.checks["label_present"] = checkLabelPresent
	r.checks["ci_status"] = checkCIStatus
	r.checks["branch_up_to_date"] = checkBranchUpToDate
}
