package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultWebhookTimeout = 30 * time.Second

// Webhook hands a phase to an HTTP endpoint, typically a publication
// target. 5xx responses and transport errors are retryable; other non-2xx
// responses are fatal. A JSON response body of the form
// {"summary": ..., "artifacts": [...], "verdict": ...} is used as the result.
type Webhook struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

type webhookRequest struct {
	ProjectID   string           `json:"project_id"`
	Description string           `json:"description,omitempty"`
	Phase       string           `json:"phase"`
	Attempt     int              `json:"attempt"`
	Artifacts   []Artifact       `json:"artifacts"`
	Feedback    *webhookFeedback `json:"feedback,omitempty"`
}

type webhookFeedback struct {
	Number   int    `json:"number"`
	Category string `json:"category"`
	Text     string `json:"text"`
}

type webhookResponse struct {
	Summary   string     `json:"summary"`
	Artifacts []Artifact `json:"artifacts"`
	Verdict   string     `json:"verdict"`
}

func (w Webhook) Invoke(ctx context.Context, req Request) (Result, error) {
	body := webhookRequest{
		ProjectID:   req.ProjectID,
		Description: req.Description,
		Phase:       req.Phase,
		Attempt:     req.Attempt,
		Artifacts:   make([]Artifact, 0, len(req.Artifacts)),
	}
	for _, a := range req.Artifacts {
		body.Artifacts = append(body.Artifacts, Artifact{Path: a.Path, Content: a.Content})
	}
	if req.Feedback != nil {
		body.Feedback = &webhookFeedback{Number: req.Feedback.Number, Category: string(req.Feedback.Category), Text: req.Feedback.Feedback}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Result{}, Fatal(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return Result{}, Fatal(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Phaseline-Project", req.ProjectID)
	httpReq.Header.Set("X-Phaseline-Phase", req.Phase)
	httpReq.Header.Set("X-Phaseline-Attempt", strconv.Itoa(req.Attempt))
	for k, v := range w.Headers {
		httpReq.Header.Set(k, v)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req.progress(fmt.Sprintf("delivering %d artifacts to %s", len(body.Artifacts), w.URL))
	res, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, Retryable(err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	switch {
	case res.StatusCode >= 500:
		return Result{}, Retryablef("status %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return Result{}, Fatalf("status %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed webhookResponse
	if len(bytes.TrimSpace(raw)) > 0 && json.Valid(raw) {
		_ = json.Unmarshal(raw, &parsed)
	}
	summary := parsed.Summary
	if summary == "" {
		summary = fmt.Sprintf("delivered to %s (%d)", w.URL, res.StatusCode)
	}
	return Result{Artifacts: parsed.Artifacts, Summary: summary, Verdict: verdictOf(parsed.Verdict)}, nil
}
