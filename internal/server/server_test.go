package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
	"phaseline/internal/server"
	"phaseline/internal/worker"
)

type testServer struct {
	URL    string
	Engine engine.Engine
}

func newTestServer(t *testing.T, auth server.AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	cfg := config.Default()
	workers, err := worker.FromConfig(cfg.Workers)
	require.NoError(t, err)
	e, err := engine.New(conn, cfg, workers)
	require.NoError(t, err)
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: auth})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type project struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CurrentPhase   string `json:"current_phase"`
	IterationCount int    `json:"iteration_count"`
	MaxIterations  int    `json:"max_iterations"`
	Active         bool   `json:"active"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (s *testServer) wait(t *testing.T, id string) project {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Engine.Wait(ctx, id))
	res, data := doJSON(t, http.MethodGet, s.URL+"/v0/projects/"+id, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	return decode[project](t, data)
}

func (s *testServer) createAndRun(t *testing.T, id string, body map[string]any) project {
	t.Helper()
	if body == nil {
		body = map[string]any{}
	}
	body["id"] = id
	if _, ok := body["description"]; !ok {
		body["description"] = "todo app"
	}
	res, data := doJSON(t, http.MethodPost, s.URL+"/v0/projects", body, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = doJSON(t, http.MethodPost, s.URL+"/v0/projects/"+id+"/run", nil, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	return s.wait(t, id)
}

func (s *testServer) resolve(t *testing.T, id, gate string, body map[string]any) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, http.MethodPost, s.URL+"/v0/projects/"+id+"/gates/"+gate, body, nil)
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, server.AuthConfig{})

	p := srv.createAndRun(t, "p1", nil)
	require.Equal(t, "awaiting_plan_approval", p.Status)
	assert.Equal(t, "planning", p.CurrentPhase)
	assert.False(t, p.Active)

	for _, step := range []struct{ gate, next string }{
		{"plan_approval", "awaiting_qa_approval"},
		{"qa_approval", "awaiting_publish_approval"},
		{"publish_approval", "completed"},
	} {
		res, data := srv.resolve(t, "p1", step.gate, map[string]any{"decision": "approve"})
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		p = srv.wait(t, "p1")
		require.Equal(t, step.next, p.Status)
	}

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/projects/p1/runs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	runs := decode[[]domain.PhaseRun](t, data)
	assert.Len(t, runs, 9)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/projects/p1/gates", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]domain.Gate](t, data), 3)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/projects/p1/artifacts", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]server.ArtifactSummary](t, data), 9)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/projects/p1/artifact?path=planning.md", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	art := decode[domain.Artifact](t, data)
	assert.Equal(t, 1, art.Version)
	assert.Contains(t, art.Content, "# planning")

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/projects/p1/events?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	page := decode[server.ActivityPage](t, data)
	require.Len(t, page.Items, 5)
	assert.Equal(t, int64(6), page.NextSeq)
	for i, entry := range page.Items {
		assert.Equal(t, int64(i+1), entry.Seq)
	}
	assert.Equal(t, "api", page.Items[0].Actor)
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t, server.AuthConfig{})

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/projects/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decode[apiError](t, data).Error.Code)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": "p1", "description": " "}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", decode[apiError](t, data).Error.Code)

	p := srv.createAndRun(t, "p1", nil)
	require.Equal(t, "awaiting_plan_approval", p.Status)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": "p1", "description": "again"}, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_exists", decode[apiError](t, data).Error.Code)

	res, data = srv.resolve(t, "p1", "qa_approval", map[string]any{"decision": "approve"})
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "gate_mismatch", decode[apiError](t, data).Error.Code)

	res, data = srv.resolve(t, "p1", "plan_approval", map[string]any{"decision": "maybe"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/projects/p1/run", nil, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", decode[apiError](t, data).Error.Code)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/projects/p1/feedback", map[string]any{"text": "broken"}, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", decode[apiError](t, data).Error.Code)
}

func TestFeedbackAndIterationLimitOverHTTP(t *testing.T) {
	srv := newTestServer(t, server.AuthConfig{})

	p := srv.createAndRun(t, "p1", map[string]any{"max_iterations": 1})
	require.Equal(t, 1, p.MaxIterations)
	res, data := srv.resolve(t, "p1", "plan_approval", map[string]any{"decision": "approve"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	p = srv.wait(t, "p1")
	require.Equal(t, "awaiting_qa_approval", p.Status)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/projects/p1/feedback", map[string]any{
		"category": "bug_fix",
		"text":     "login fails",
	}, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	it := decode[domain.Iteration](t, data)
	assert.Equal(t, 1, it.Number)
	assert.Equal(t, "implementation", it.ReentryPhase)

	p = srv.wait(t, "p1")
	require.Equal(t, "awaiting_qa_approval", p.Status)
	assert.Equal(t, 1, p.IterationCount)

	res, data = srv.resolve(t, "p1", "qa_approval", map[string]any{"decision": "changes_requested", "feedback": "still broken"})
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, "iteration_limit_exceeded", decode[apiError](t, data).Error.Code)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/projects/p1/iterations", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	items := decode[[]domain.Iteration](t, data)
	require.Len(t, items, 1)
	assert.Equal(t, domain.IterationResolved, items[0].Status)
}

func TestJWTAuthentication(t *testing.T) {
	const secret = "test-secret"
	srv := newTestServer(t, server.AuthConfig{JWTSecret: secret})

	res, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[apiError](t, data).Error.Code)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Actor-Id": "mallory"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString([]byte("other"))
	require.NoError(t, err)
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer " + bad})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decode[apiError](t, data).Error.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString([]byte(secret))
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": "p1", "description": "todo app"}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/projects/p1/events", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode)
	page := decode[server.ActivityPage](t, data)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "alice", page.Items[0].Actor)
}

type frame struct {
	id, event, data string
}

func readFrame(t *testing.T, r *bufio.Reader) frame {
	t.Helper()
	var f frame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if f.event != "" {
				return f
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, ctx context.Context, url string, headers map[string]string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))
	return bufio.NewReader(res.Body)
}

func TestEventStreamReplaysAndResumes(t *testing.T) {
	srv := newTestServer(t, server.AuthConfig{})
	p := srv.createAndRun(t, "p1", nil)
	require.Equal(t, "awaiting_plan_approval", p.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	full := openStream(t, ctx, srv.URL+"/v0/projects/p1/events/stream", nil)
	first := readFrame(t, full)
	assert.Equal(t, "1", first.id)
	assert.Equal(t, "project_created", first.event)
	var entry domain.ActivityEntry
	require.NoError(t, json.Unmarshal([]byte(first.data), &entry))
	assert.Equal(t, "todo app", entry.Payload["description"])

	zero := openStream(t, ctx, srv.URL+"/v0/projects/p1/events/stream?from_seq=0", nil)
	assert.Equal(t, "1", readFrame(t, zero).id)

	res, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/projects/p1/events/stream?from_seq=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	resumed := openStream(t, ctx, srv.URL+"/v0/projects/p1/events/stream", map[string]string{"Last-Event-ID": "2"})
	f := readFrame(t, resumed)
	assert.Equal(t, "3", f.id)
	assert.Equal(t, "phase_started", f.event)

	res, data := srv.resolve(t, "p1", "plan_approval", map[string]any{"decision": "approve"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	for {
		f = readFrame(t, resumed)
		if f.event == "gate_resolved" {
			break
		}
	}
	require.NoError(t, json.Unmarshal([]byte(f.data), &entry))
	assert.Equal(t, "approve", entry.Payload["decision"])
}

func TestEventStreamUnknownProject(t *testing.T) {
	srv := newTestServer(t, server.AuthConfig{})
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/projects/missing/events/stream", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decode[apiError](t, data).Error.Code)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/projects/missing/events/stream?from_seq=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestOpenAPIDocsAndMetrics(t *testing.T) {
	srv := newTestServer(t, server.AuthConfig{JWTSecret: "s"})

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas map[string]any
	require.NoError(t, json.Unmarshal(data, &oas))
	paths, ok := oas["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/projects/{project_id}/gates/{gate}")

	res, data = doJSON(t, http.MethodGet, srv.URL+"/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v0/openapi.json")

	res, data = doJSON(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "phaseline_active_executions")
}
