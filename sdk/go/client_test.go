package phaselinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
	"phaseline/internal/server"
	"phaseline/internal/worker"
	phaselinesdk "phaseline/sdk/go"
)

func newClient(t *testing.T) (*phaselinesdk.Client, engine.Engine) {
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
	handler, err := server.New(server.Config{Engine: e})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := phaselinesdk.New(srv.URL)
	c.ActorID = "sdk"
	return c, e
}

func TestClientDrivesProject(t *testing.T) {
	c, e := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := c.CreateProject(ctx, "p1", "todo app", 0)
	require.NoError(t, err)
	assert.Equal(t, "created", p.Status)
	assert.Equal(t, 5, p.MaxIterations)

	_, err = c.Run(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, e.Wait(ctx, "p1"))

	p, err = c.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "awaiting_plan_approval", p.Status)
	assert.Equal(t, "plan_approval", p.GateKind)

	_, err = c.ResolveGate(ctx, "p1", "qa_approval", "approve", "", "")
	var apiErr *phaselinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "gate_mismatch", apiErr.Code)

	_, err = c.ResolveGate(ctx, "p1", "plan_approval", "reject", "", "")
	require.NoError(t, err)
	p, err = c.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "abandoned", p.Status)

	page, err := c.Entries(ctx, "p1", 1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, page.Items)
	assert.Equal(t, "sdk", page.Items[0].Actor)

	list, err := c.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFollowDeliversEntriesInOrder(t *testing.T) {
	c, e := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := c.CreateProject(ctx, "p1", "todo app", 0)
	require.NoError(t, err)
	_, err = c.Run(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, e.Wait(ctx, "p1"))

	var seqs []int64
	err = c.Follow(ctx, "p1", 2, func(entry phaselinesdk.Entry) error {
		seqs = append(seqs, entry.Seq)
		if entry.Kind == "gate_opened" {
			return phaselinesdk.ErrStopFollowing
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, seqs)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+2), seq)
	}
}

func TestFollowUnknownProject(t *testing.T) {
	c, _ := newClient(t)
	err := c.Follow(context.Background(), "missing", 1, func(phaselinesdk.Entry) error { return nil })
	var apiErr *phaselinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
