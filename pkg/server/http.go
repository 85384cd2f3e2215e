package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nbaertsch/squadron/pkg/models"
	"github.com/nbaertsch/squadron/pkg/pipeline"
	"github.com/nbaertsch/squadron/pkg/registry"
)

// routes builds the HTTP surface: the webhook intake, the health and
// agents endpoints, the read-only dashboard API, the SSE stream, and
// /metrics.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/webhook", s.handleWebhook)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.dashboardAuth)
		r.Get("/agents", s.handleAgents)
		r.Get("/dashboard/pipelines", s.handlePipelineList)
		r.Get("/dashboard/pipelines/runs", s.handleRunList)
		r.Get("/dashboard/pipelines/runs/{id}", s.handleRunDetail)
		r.Post("/dashboard/pipelines/runs/{id}/cancel", s.handleRunCancel)
		r.Get("/dashboard/pipelines/stream", s.handleStream)
	})

	return r
}

// dashboardAuth enforces the bearer key when SQUADRON_DASHBOARD_API_KEY
// is set. The SSE endpoint also accepts ?token= since EventSource
// cannot send headers.
func (s *Server) dashboardAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.dashboardKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" && strings.HasSuffix(r.URL.Path, "/stream") {
			token = r.URL.Query().Get("token")
		}
		if subtleEqual(token, s.dashboardKey) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func subtleEqual(a, b string) bool {
	return len(a) == len(b) && hmac.Equal([]byte(a), []byte(b))
}

// handleWebhook validates the delivery and enqueues it: 202 accepted,
// 400 on a bad signature or mismatched repo, 503 when the queue is
// full.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !s.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	event := models.GitHubEvent{
		DeliveryID: r.Header.Get("X-GitHub-Delivery"),
		EventType:  r.Header.Get("X-GitHub-Event"),
		Payload:    body,
	}
	var envelope struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(body, &envelope)
	event.Action = envelope.Action

	// Single-tenant validation: reject deliveries for another repo or
	// installation.
	if repo := event.RepoFullName(); repo != "" && s.repoFullName != "" && repo != s.repoFullName {
		http.Error(w, "unexpected repository", http.StatusBadRequest)
		return
	}
	if s.installationID != 0 {
		if id := event.InstallationID(); id != 0 && id != s.installationID {
			http.Error(w, "unexpected installation", http.StatusBadRequest)
			return
		}
	}

	select {
	case s.queue <- event:
		if s.mx != nil {
			s.mx.QueueDepth.Set(float64(len(s.queue)))
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		if s.mx != nil {
			s.mx.EventsDropped.Inc()
		}
		http.Error(w, "event queue full", http.StatusServiceUnavailable)
	}
}

func (s *Server) verifySignature(header string, body []byte) bool {
	if s.webhookSecret == "" {
		return true // no secret configured: local development
	}
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	total := 0
	if s.store != nil {
		for _, status := range models.AllStatuses {
			agents, err := s.store.GetAgentsByStatus(r.Context(), status)
			if err != nil {
				continue
			}
			if len(agents) > 0 {
				counts[string(status)] = len(agents)
			}
			total += len(agents)
		}
	}

	payload := map[string]interface{}{
		"status":       "ok",
		"project":      s.cfg.Project.Name,
		"agents":       counts,
		"total_agents": total,
		"queue_depth":  len(s.queue),
	}
	if s.router != nil {
		if t := s.router.LastEventTime(); !t.IsZero() {
			payload["last_event_time"] = t
		}
	}
	if s.manager != nil {
		if t := s.manager.LastSpawnTime(); !t.IsZero() {
			payload["last_spawn_time"] = t
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"agents": []interface{}{}})
		return
	}
	agents, err := s.store.GetActiveAgents(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handlePipelineList(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "pipeline engine not configured", http.StatusServiceUnavailable)
		return
	}
	type entry struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Scope       pipeline.Scope `json:"scope"`
		Stages      int            `json:"stages"`
		Trigger     string         `json:"trigger,omitempty"`
	}
	var out []entry
	for name, def := range s.engine.Pipelines() {
		e := entry{Name: name, Description: def.Description, Scope: def.Scope, Stages: len(def.Stages)}
		if def.Trigger != nil {
			e.Trigger = def.Trigger.Event
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pipelines": out})
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.engine == nil {
		http.Error(w, "pipeline engine not configured", http.StatusServiceUnavailable)
		return
	}

	filter := registry.RunFilter{Limit: 50}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		filter.Status = pipeline.RunStatus(v)
	}
	if v := q.Get("pr_number"); v != "" {
		filter.PRNumber, _ = strconv.Atoi(v)
	}
	if v := q.Get("issue_number"); v != "" {
		filter.IssueNumber, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	runs, err := s.store.ListPipelineRuns(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.engine == nil {
		http.Error(w, "pipeline engine not configured", http.StatusServiceUnavailable)
		return
	}
	runID := chi.URLParam(r, "id")

	run, err := s.store.GetPipelineRun(r.Context(), runID)
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	stages, err := s.store.GetStageRuns(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	children, err := s.store.ListPipelineRuns(r.Context(), registry.RunFilter{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var childRuns []*pipeline.Run
	for _, child := range children {
		if child.ParentRunID == runID {
			childRuns = append(childRuns, child)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":        run,
		"stage_runs": stages,
		"children":   childRuns,
	})
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "pipeline engine not configured", http.StatusServiceUnavailable)
		return
	}
	runID := chi.URLParam(r, "id")
	if err := s.engine.CancelRun(r.Context(), runID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": runID})
}

// handleStream is the SSE activity feed. Slow consumers are dropped by
// the activity log's fan-out.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		http.Error(w, "activity log not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := s.activity.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return // dropped as a slow consumer
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", event.SSEData()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}
