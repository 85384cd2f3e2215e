package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookDoer performs a webhook stage's outbound HTTP request and
// returns the response status and body.
type WebhookDoer interface {
	Do(ctx context.Context, req *WebhookRequest) (status int, body string, err error)
}

// HTTPWebhookDoer is the production WebhookDoer.
type HTTPWebhookDoer struct {
	Client *http.Client
}

// NewHTTPWebhookDoer builds a doer with a sane timeout.
func NewHTTPWebhookDoer() *HTTPWebhookDoer {
	return &HTTPWebhookDoer{Client: &http.Client{Timeout: 30 * time.Second}}
}

// Do performs the request. The configured body is sent as JSON.
func (d *HTTPWebhookDoer) Do(ctx context.Context, req *WebhookRequest) (int, string, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var payload io.Reader
	if len(req.Body) > 0 {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return 0, "", fmt.Errorf("failed to encode webhook body: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, payload)
	if err != nil {
		return 0, "", fmt.Errorf("failed to build webhook request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.Client.Do(httpReq)
	if err != nil {
		return 0, "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to read webhook response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

// runWebhookStageLocked performs the request and routes pass/fail per
// the expect pattern.
func (e *Engine) runWebhookStageLocked(ctx context.Context, run *Run, def *Definition, stage *Stage, sr *StageRun) {
	if e.webhooks == nil {
		e.stageDoneLocked(ctx, run, sr, StageFailed, "no webhook client configured")
		return
	}

	status, body, err := e.webhooks.Do(ctx, stage.Request)
	if err != nil {
		e.failStageLocked(ctx, run, sr, err.Error())
		return
	}

	sr.Outputs = map[string]interface{}{
		"status":   status,
		"body_len": len(body),
	}

	if matchesExpect(stage.Expect, status, body) {
		e.stageDoneWithResultLocked(ctx, run, def, stage, sr, "pass")
		return
	}
	e.stageDoneWithResultLocked(ctx, run, def, stage, sr, "fail")
}

// matchesExpect applies the response pattern. A nil expect accepts any
// 2xx status.
func matchesExpect(expect *WebhookExpect, status int, body string) bool {
	if expect == nil {
		return status >= 200 && status < 300
	}
	if expect.Status != 0 && status != expect.Status {
		return false
	}
	if expect.BodyContains != "" && !strings.Contains(body, expect.BodyContains) {
		return false
	}
	return true
}
