package app_test

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

func TestOpenUsesDefaultPipeline(t *testing.T) {
	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{Workspace: t.TempDir(), Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "analysis", a.Engine.Registry.First())
	p, err := a.Engine.CreateProject(ctx, engine.CreateProjectOptions{ID: "p1", Description: "todo app"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, p.Status)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("pipeline:\n  phases: []\n"), 0o644))
	_, err := app.Open(context.Background(), app.Options{Workspace: dir, Logger: zap.NewNop()})
	require.Error(t, err)
}

func TestOpenMirrorsActivityToNATS(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	t.Cleanup(srv.Shutdown)

	dir := t.TempDir()
	cfg := strings.Replace(config.GenerateDefault(), "nats:\n  subject_prefix: phaseline.activity",
		"nats:\n  url: "+srv.ClientURL()+"\n  subject_prefix: ws.activity", 1)
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(cfg), 0o644))

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	ch := make(chan *nats.Msg, 8)
	sub, err := nc.ChanSubscribe("ws.activity.p1.>", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{Workspace: dir, Logger: zap.NewNop(), MirrorToNATS: true})
	require.NoError(t, err)
	defer a.Close()
	_, err = a.Engine.CreateProject(ctx, engine.CreateProjectOptions{ID: "p1", Description: "todo app"})
	require.NoError(t, err)

	select {
	case msg := <-ch:
		assert.Equal(t, "ws.activity.p1.project_created", msg.Subject)
		var entry domain.ActivityEntry
		require.NoError(t, json.Unmarshal(msg.Data, &entry))
		assert.Equal(t, int64(1), entry.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("no mirrored entry")
	}
}
