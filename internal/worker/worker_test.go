package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("upstream timeout")
	assert.True(t, IsRetryable(Retryable(base)))
	assert.False(t, IsRetryable(Fatal(base)))
	assert.False(t, IsRetryable(base))
	assert.False(t, IsRetryable(Fatal(Retryable(base))))
	assert.ErrorIs(t, Retryable(base), base)
	assert.Nil(t, Retryable(nil))
	assert.Contains(t, Retryablef("status %d", 503).Error(), "503")
}

func TestRegistryResolve(t *testing.T) {
	reg, err := FromConfig(config.Default().Workers)
	require.NoError(t, err)
	_, err = reg.Resolve("planner")
	require.NoError(t, err)
	_, err = reg.Resolve("astrologer")
	require.Error(t, err)
	assert.Equal(t, []string{"astrologer", "oracle"}, reg.Missing([]string{"planner", "oracle", "astrologer"}))

	_, err = FromConfig(map[string]config.WorkerConfig{"x": {Type: "carrier_pigeon"}})
	require.Error(t, err)
}

func TestEchoWorker(t *testing.T) {
	var progress []string
	res, err := Echo{}.Invoke(context.Background(), Request{
		ProjectID:   "p1",
		Description: "todo app",
		Phase:       "planning",
		Attempt:     2,
		Artifacts:   []domain.Artifact{{Path: "analysis.md", Version: 1}},
		Progress:    func(m string) { progress = append(progress, m) },
	})
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "planning.md", res.Artifacts[0].Path)
	assert.Contains(t, res.Artifacts[0].Content, "analysis.md@v1")
	assert.Contains(t, res.Summary, "attempt 2")
	assert.Len(t, progress, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Echo{}.Invoke(ctx, Request{Phase: "planning"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScriptWorker(t *testing.T) {
	var progress []string
	s := Script{Run: `cat analysis.md; echo "PROGRESS: halfway"; echo "phase=$PHASELINE_PHASE attempt=$PHASELINE_ATTEMPT"; echo "VERDICT: fail"`}
	res, err := s.Invoke(context.Background(), Request{
		ProjectID: "p1",
		Phase:     "quality_check",
		Attempt:   1,
		Artifacts: []domain.Artifact{{Path: "analysis.md", Content: "from analysis\n"}},
		Progress:  func(m string) { progress = append(progress, m) },
	})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictFail, res.Verdict)
	assert.Equal(t, []string{"halfway"}, progress)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "quality_check.md", res.Artifacts[0].Path)
	assert.Contains(t, res.Artifacts[0].Content, "from analysis")
	assert.Contains(t, res.Artifacts[0].Content, "phase=quality_check attempt=1")
	assert.Equal(t, "from analysis", res.Summary)
}

func TestScriptWorkerExitCodes(t *testing.T) {
	_, err := Script{Run: "exit 75"}.Invoke(context.Background(), Request{Phase: "p"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	_, err = Script{Run: "echo broken >&2; exit 2"}.Invoke(context.Background(), Request{Phase: "p"})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "broken")

	_, err = Script{Run: "true"}.Invoke(context.Background(), Request{
		Phase:     "p",
		Artifacts: []domain.Artifact{{Path: "../escape.md"}},
	})
	require.Error(t, err)
}

func TestScriptWorkerHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Script{Run: "sleep 5"}.Invoke(ctx, Request{Phase: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestWebhookWorker(t *testing.T) {
	var (
		mu       sync.Mutex
		received webhookRequest
		headers  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"summary":"published","artifacts":[{"path":"receipt.txt","content":"ok"}]}`))
	}))
	defer srv.Close()

	w := Webhook{URL: srv.URL, Headers: map[string]string{"X-Token": "s3cret"}}
	res, err := w.Invoke(context.Background(), Request{
		ProjectID: "p1",
		Phase:     "publication",
		Attempt:   1,
		Artifacts: []domain.Artifact{{Path: "release.md", Content: "notes"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "published", res.Summary)
	assert.Equal(t, domain.VerdictPass, res.Verdict)
	require.Len(t, res.Artifacts, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "p1", received.ProjectID)
	assert.Equal(t, "release.md", received.Artifacts[0].Path)
	assert.Equal(t, "publication", headers.Get("X-Phaseline-Phase"))
	assert.Equal(t, "s3cret", headers.Get("X-Token"))
}

func TestWebhookWorkerStatusClassification(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	w := Webhook{URL: srv.URL}
	_, err := w.Invoke(context.Background(), Request{Phase: "publication"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	status = http.StatusUnprocessableEntity
	_, err = w.Invoke(context.Background(), Request{Phase: "publication"})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.True(t, strings.Contains(err.Error(), "422"))

	_, err = Webhook{URL: "http://127.0.0.1:1"}.Invoke(context.Background(), Request{Phase: "publication"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}
