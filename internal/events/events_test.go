package events_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/migrate"
)

func newLog(t *testing.T) (events.Log, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	_, err = conn.ExecContext(ctx, `INSERT INTO projects(id,status,max_iterations,created_at,updated_at) VALUES ('p1','created',5,'t','t')`)
	require.NoError(t, err)
	l := events.NewLog(conn)
	l.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return l, conn
}

func appendEntry(t *testing.T, l events.Log, conn *sql.DB, kind string, payload events.Payload) domain.ActivityEntry {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	e, err := l.Append(ctx, tx, "p1", kind, "tester", payload)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return e
}

func TestAppendIsGapFree(t *testing.T) {
	l, conn := newLog(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			appendEntry(t, l, conn, events.KindProgress, events.Payload{"message": "tick"})
		}()
	}
	wg.Wait()

	entries, err := l.Entries(context.Background(), "p1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for i := range entries {
		assert.Equal(t, int64(i+1), entries[i].Seq)
	}
	last, err := l.LastSeq(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), last)
}

func TestAppendRolledBackLeavesNoHole(t *testing.T) {
	l, conn := newLog(t)
	ctx := context.Background()
	appendEntry(t, l, conn, events.KindProjectCreated, nil)

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, tx, "p1", events.KindProgress, "tester", nil)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	e := appendEntry(t, l, conn, events.KindProgress, nil)
	assert.Equal(t, int64(2), e.Seq)
}

func collect(t *testing.T, sub *events.Subscription, n int) []domain.ActivityEntry {
	t.Helper()
	var out []domain.ActivityEntry
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case e, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed after %d entries: %v", len(out), sub.Err())
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d entries", len(out), n)
		}
	}
	return out
}

func assertContiguous(t *testing.T, entries []domain.ActivityEntry, from int64) {
	t.Helper()
	for i, e := range entries {
		require.Equal(t, from+int64(i), e.Seq, "entry %d", i)
	}
}

func TestSubscribeReplaysThenStreamsLive(t *testing.T) {
	l, conn := newLog(t)
	hub := events.NewHub(l)
	for i := 0; i < 5; i++ {
		hub.Publish(appendEntry(t, l, conn, events.KindProgress, events.Payload{"i": i}))
	}

	sub := hub.Subscribe(context.Background(), "p1", 3)
	defer sub.Close()

	go func() {
		for i := 5; i < 10; i++ {
			hub.Publish(appendEntry(t, l, conn, events.KindProgress, events.Payload{"i": i}))
		}
	}()
	got := collect(t, sub, 8)
	assertContiguous(t, got, 3)
	assert.Equal(t, float64(9), got[7].Payload["i"])
}

func TestSubscribeSurvivesDuplicateAndOutOfOrderPublish(t *testing.T) {
	l, conn := newLog(t)
	hub := events.NewHub(l)
	sub := hub.Subscribe(context.Background(), "p1", 0)
	defer sub.Close()

	a := appendEntry(t, l, conn, events.KindProgress, nil)
	b := appendEntry(t, l, conn, events.KindProgress, nil)
	c := appendEntry(t, l, conn, events.KindProgress, nil)
	hub.Publish(c, a, b, a, c)

	got := collect(t, sub, 3)
	assertContiguous(t, got, 1)

	d := appendEntry(t, l, conn, events.KindProgress, nil)
	hub.Publish(d)
	got = collect(t, sub, 1)
	assert.Equal(t, int64(4), got[0].Seq)
}

func TestSlowSubscriberCatchesUpAfterOverflow(t *testing.T) {
	l, conn := newLog(t)
	hub := events.NewHub(l, events.WithQueueLimit(2))
	slow := hub.Subscribe(context.Background(), "p1", 0)
	defer slow.Close()

	for i := 0; i < 30; i++ {
		hub.Publish(appendEntry(t, l, conn, events.KindProgress, nil))
	}
	got := collect(t, slow, 30)
	assertContiguous(t, got, 1)
}

func TestIndependentSubscribers(t *testing.T) {
	l, conn := newLog(t)
	hub := events.NewHub(l)
	stalled := hub.Subscribe(context.Background(), "p1", 0)
	defer stalled.Close()
	active := hub.Subscribe(context.Background(), "p1", 0)
	defer active.Close()
	assert.Equal(t, 2, hub.SubscriberCount("p1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			hub.Publish(appendEntry(t, l, conn, events.KindProgress, nil))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}
	assertContiguous(t, collect(t, active, 10), 1)
}

func TestSubscriptionCloseUnregisters(t *testing.T) {
	l, _ := newLog(t)
	hub := events.NewHub(l)
	deltas := make(chan int, 4)
	hub.OnSubscriberChange(func(d int) { deltas <- d })
	sub := hub.Subscribe(context.Background(), "p1", 0)
	sub.Close()
	assert.NoError(t, sub.Err())
	assert.Equal(t, 0, hub.SubscriberCount("p1"))
	assert.Equal(t, 1, <-deltas)
	assert.Equal(t, -1, <-deltas)
}

func TestFold(t *testing.T) {
	entry := func(kind string, payload events.Payload) domain.ActivityEntry {
		return domain.ActivityEntry{Kind: kind, Payload: payload}
	}
	cases := []struct {
		name    string
		entries []domain.ActivityEntry
		want    domain.ProjectStatus
	}{
		{"created", []domain.ActivityEntry{entry(events.KindProjectCreated, nil)}, domain.StatusCreated},
		{"gated", []domain.ActivityEntry{
			entry(events.KindProjectCreated, nil),
			entry(events.KindPhaseStarted, nil),
			entry(events.KindPhaseCompleted, nil),
			entry(events.KindGateOpened, events.Payload{"gate": "plan_approval"}),
		}, domain.StatusAwaitingPlanApproval},
		{"rejected", []domain.ActivityEntry{
			entry(events.KindGateOpened, events.Payload{"gate": "qa_approval"}),
			entry(events.KindCommandRejected, nil),
			entry(events.KindGateResolved, events.Payload{"decision": "reject"}),
		}, domain.StatusAbandoned},
		{"retry then fatal", []domain.ActivityEntry{
			entry(events.KindPhaseStarted, nil),
			entry(events.KindPhaseFailed, events.Payload{"retryable": true}),
			entry(events.KindPhaseStarted, nil),
			entry(events.KindPhaseFailed, events.Payload{"fatal": true}),
		}, domain.StatusFailed},
		{"feedback after completion", []domain.ActivityEntry{
			entry(events.KindProjectCompleted, nil),
			entry(events.KindIterationStarted, nil),
		}, domain.StatusRunning},
		{"stopped", []domain.ActivityEntry{
			entry(events.KindPhaseStarted, nil),
			entry(events.KindProjectStopped, nil),
		}, domain.StatusAbandoned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, events.Fold(tc.entries))
		})
	}
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

func TestNATSSinkMirrorsPublishedEntries(t *testing.T) {
	srv := startTestNATSServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sink := events.NewNATSSink(nc, "test.activity")
	assert.Equal(t, "test.activity.a_b.gate_opened", sink.Subject("a.b", "gate_opened"))

	ch := make(chan *nats.Msg, 4)
	s, err := nc.ChanSubscribe("test.activity.p1.*", ch)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, nc.Flush())

	l, conn := newLog(t)
	hub := events.NewHub(l, events.WithSink(sink))
	e := appendEntry(t, l, conn, events.KindGateOpened, events.Payload{"gate": "plan_approval"})
	hub.Publish(e)

	select {
	case msg := <-ch:
		assert.Equal(t, "test.activity.p1.gate_opened", msg.Subject)
		assert.Equal(t, fmt.Sprintf("%d", e.Seq), msg.Header.Get("Phaseline-Seq"))
		var got domain.ActivityEntry
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, e.Seq, got.Seq)
		assert.Equal(t, "plan_approval", got.Payload["gate"])
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for mirrored entry")
	}
}
