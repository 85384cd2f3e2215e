package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron/pkg/config"
	"github.com/nbaertsch/squadron/pkg/models"
	"github.com/nbaertsch/squadron/pkg/pipeline"
	"github.com/nbaertsch/squadron/pkg/registry"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Project: config.ProjectConfig{Name: "demo", Owner: "acme", Repo: "widgets"},
	}
	cfg.SetDefaults()

	engine := pipeline.NewEngine(pipeline.Options{Store: store})
	def, err := pipeline.Parse([]byte(`
name: pr-flow
trigger:
  event: pull_request.opened
stages:
  - id: only
    type: action
    action: noop
`))
	require.NoError(t, err)
	engine.RegisterPipelines(map[string]*pipeline.Definition{def.Name: def})

	return &Server{
		cfg:           cfg,
		store:         store,
		engine:        engine,
		queue:         make(chan models.GitHubEvent, 4),
		webhookSecret: "topsecret",
		repoFullName:  "acme/widgets",
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookAcceptsValidSignature(t *testing.T) {
	s := testServer(t)
	handler := s.routes()

	body := []byte(`{"action": "opened", "repository": {"full_name": "acme/widgets"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-GitHub-Delivery", "d-1")
	req.Header.Set("X-Hub-Signature-256", sign("topsecret", body))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, s.queue, 1)
	event := <-s.queue
	assert.Equal(t, "d-1", event.DeliveryID)
	assert.Equal(t, "opened", event.Action)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := testServer(t)
	handler := s.routes()

	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, s.queue)
}

func TestWebhookRejectsWrongRepo(t *testing.T) {
	s := testServer(t)
	handler := s.routes()

	body := []byte(`{"repository": {"full_name": "evil/other"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("topsecret", body))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookQueueFullReturns503(t *testing.T) {
	s := testServer(t)
	handler := s.routes()

	body := []byte(`{"repository": {"full_name": "acme/widgets"}}`)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", sign("topsecret", body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if i < 4 {
			assert.Equal(t, http.StatusAccepted, rec.Code)
		} else {
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t)
	handler := s.routes()

	agent := &models.AgentRecord{AgentID: "a-issue-1", Role: "feat-dev", IssueNumber: 1,
		Status: models.StatusCreated}
	require.NoError(t, s.store.CreateAgent(t.Context(), agent, false))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, float64(1), payload["total_agents"])
}

func TestDashboardAuth(t *testing.T) {
	s := testServer(t)
	s.dashboardKey = "hunter2"
	handler := s.routes()

	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/agents", nil)
	req.Header.Set("Authorization", "Bearer hunter2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDashboardPipelineEndpoints(t *testing.T) {
	s := testServer(t)
	handler := s.routes()
	ctx := t.Context()

	require.NoError(t, s.store.CreatePipelineRun(ctx, &pipeline.Run{
		RunID: "run-1", PipelineName: "pr-flow", DefinitionSnapshot: "{}",
		PRNumber: 7, Status: pipeline.RunWaiting, Scope: pipeline.ScopeSinglePR,
	}))
	require.NoError(t, s.store.CreateStageRun(ctx, &pipeline.StageRun{
		RunID: "run-1", StageID: "only", Status: pipeline.StageWaiting,
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard/pipelines", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pr-flow")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard/pipelines/runs?pr_number=7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "run-1")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard/pipelines/runs/run-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stage_runs")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dashboard/pipelines/runs/run-1/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	run, err := s.store.GetPipelineRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCancelled, run.Status)
}

func TestDashboardUnavailableWithoutEngine(t *testing.T) {
	s := testServer(t)
	s.engine = nil
	handler := s.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard/pipelines", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestActionRunnerMergeRequiresReadiness(t *testing.T) {
	s := testServer(t)
	ctx := t.Context()

	require.NoError(t, s.store.SetPRRequirements(ctx, 7, []registry.PRRequirement{
		{Role: "pr-review", RequiredCount: 1},
	}))

	runner := &actionRunner{gh: nil, store: s.store, bot: "squadron-dev"}
	run := &pipeline.Run{RunID: "r", PRNumber: 7}

	_, err := runner.Run(ctx, "merge_pr", nil, run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not merge-ready")
}
