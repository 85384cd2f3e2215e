package gates

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron/pkg/registry"
)

func openTestStore(t *testing.T) *registry.Store {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUnknownCheckFailsClosed(t *testing.T) {
	r := NewRegistry()

	res := r.Evaluate(context.Background(), "no_such_check", &Context{})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "unknown gate check")
}

func TestRegisterCustomCheck(t *testing.T) {
	r := NewRegistry()
	r.Register("always_pass", func(_ context.Context, _ *Context) Result {
		return Result{CheckType: "always_pass", Passed: true}
	})

	res := r.Evaluate(context.Background(), "always_pass", &Context{})
	assert.True(t, res.Passed)
}

func TestPanickingCheckFailsClosed(t *testing.T) {
	r := NewRegistry()
	r.Register("boom", func(_ context.Context, _ *Context) Result {
		panic("kaboom")
	})

	res := r.Evaluate(context.Background(), "boom", &Context{})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "kaboom")
}

func TestCommandCheck(t *testing.T) {
	r := NewRegistry()
	runner := func(_ context.Context, cmd string) (int, string, string, error) {
		if cmd == "true" {
			return 0, "ok\n", "", nil
		}
		return 1, "", "bad\n", nil
	}

	res := r.Evaluate(context.Background(), "command", &Context{
		Params:     map[string]interface{}{"run": "true"},
		RunCommand: runner,
	})
	assert.True(t, res.Passed)

	res = r.Evaluate(context.Background(), "command", &Context{
		Params:     map[string]interface{}{"run": "false"},
		RunCommand: runner,
	})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "exit code 1")
}

func TestCommandCheckMissingRun(t *testing.T) {
	r := NewRegistry()
	res := r.Evaluate(context.Background(), "command", &Context{})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "'run'")
}

func TestEvalCommandExpect(t *testing.T) {
	cases := []struct {
		exitCode int
		stdout   string
		expect   string
		want     bool
	}{
		{0, "", "", true},
		{1, "", "", false},
		{0, "", "exit_code == 0", true},
		{2, "", "exit_code == 0", false},
		{2, "", "exit_code != 0", true},
		{3, "", "exit_code <= 3", true},
		{4, "", "exit_code < 3", false},
		{1, "all tests passed", "stdout_contains: passed", true},
		{0, "nothing here", "stdout_contains: passed", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, evalCommandExpect(tc.exitCode, tc.stdout, tc.expect),
			"exit=%d expect=%q", tc.exitCode, tc.expect)
	}
}

func TestFileExistsCheck(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()
	present := filepath.Join(dir, "present.txt")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0644))

	res := r.Evaluate(context.Background(), "file_exists", &Context{
		Params: map[string]interface{}{"paths": []interface{}{present}},
	})
	assert.True(t, res.Passed)

	res = r.Evaluate(context.Background(), "file_exists", &Context{
		Params: map[string]interface{}{"paths": []interface{}{present, filepath.Join(dir, "missing.txt")}},
	})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "missing.txt")
}

func TestPRApprovalsMet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	r := NewRegistry()

	gc := &Context{
		PRNumber: 42,
		Params:   map[string]interface{}{"count": 2},
		Registry: store,
	}

	res := r.Evaluate(ctx, "pr_approvals_met", gc)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "0/2")

	require.NoError(t, store.RecordPRApproval(ctx, 42, "pr-review", "pr-review-issue-41", registry.ReviewApproved))
	require.NoError(t, store.RecordPRApproval(ctx, 42, "security-review", "sec-issue-41", registry.ReviewApproved))

	res = r.Evaluate(ctx, "pr_approvals_met", gc)
	assert.True(t, res.Passed)
}

func TestPRApprovalsMetIgnoresStale(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	r := NewRegistry()

	require.NoError(t, store.RecordPRApproval(ctx, 42, "pr-review", "pr-review-issue-41", registry.ReviewApproved))
	_, err := store.InvalidatePRApprovals(ctx, 42)
	require.NoError(t, err)

	res := r.Evaluate(ctx, "pr_approvals_met", &Context{
		PRNumber: 42,
		Params:   map[string]interface{}{"count": 1},
		Registry: store,
	})
	assert.False(t, res.Passed)
}

func TestNoChangesRequested(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	r := NewRegistry()

	gc := &Context{PRNumber: 7, Registry: store}

	res := r.Evaluate(ctx, "no_changes_requested", gc)
	assert.True(t, res.Passed)

	require.NoError(t, store.RecordPRApproval(ctx, 7, "pr-review", "pr-review-issue-6", registry.ReviewChangesRequested))
	res = r.Evaluate(ctx, "no_changes_requested", gc)
	assert.False(t, res.Passed)
}

func TestHumanApproved(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	r := NewRegistry()

	gc := &Context{PRNumber: 7, Registry: store}

	res := r.Evaluate(ctx, "human_approved", gc)
	assert.False(t, res.Passed)

	require.NoError(t, store.RecordPRApproval(ctx, 7, "human", "octocat", registry.ReviewApproved))
	res = r.Evaluate(ctx, "human_approved", gc)
	assert.True(t, res.Passed)
}

func TestChecksWithoutContextFail(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	for _, check := range []string{"pr_approvals_met", "no_changes_requested", "human_approved", "ci_status", "branch_up_to_date"} {
		res := r.Evaluate(ctx, check, &Context{})
		assert.False(t, res.Passed, check)
	}
}

func TestListIncludesBuiltins(t *testing.T) {
	r := NewRegistry()
	names := r.List()
	for _, want := range []string{"command", "file_exists", "pr_approvals_met",
		"no_changes_requested", "human_approved", "label_present", "ci_status", "branch_up_to_date"} {
		assert.Contains(t, names, want)
	}
}
