// Package engine drives projects through the phase pipeline: it owns the
// per-project execution slot, runs phases through their workers, and applies
// gate decisions and feedback.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/metrics"
	"phaseline/internal/registry"
	"phaseline/internal/repo"
	"phaseline/internal/worker"
)

const tracerName = "phaseline/internal/engine"

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Log      events.Log
	Hub      *events.Hub
	Config   *config.Config
	Registry *registry.Registry
	Workers  worker.Registry
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Metrics  *metrics.Metrics
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
	runs     *runTable
}

// Option customizes engine construction.
type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.Logger = logger
		}
	}
}

// WithClock replaces the wall clock used for timestamps and recovery.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.Now = now
		}
	}
}

// WithSleep replaces the backoff sleep between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.Sleep = sleep
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.Tracer = tp.Tracer(tracerName)
		}
	}
}

// WithHub shares an existing broadcaster, e.g. one carrying a NATS sink.
func WithHub(h *events.Hub) Option {
	return func(e *Engine) {
		if h != nil {
			e.Hub = h
		}
	}
}

// New wires an engine over a migrated database. It fails when a phase of the
// configured pipeline has no worker for its capability.
func New(db *sql.DB, cfg *config.Config, workers worker.Registry, opts ...Option) (Engine, error) {
	reg, err := registry.New(cfg)
	if err != nil {
		return Engine{}, err
	}
	if missing := workers.Missing(reg.Capabilities()); len(missing) > 0 {
		return Engine{}, fmt.Errorf("no worker for capabilities: %s", strings.Join(missing, ", "))
	}
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Log:      events.NewLog(db),
		Config:   cfg,
		Registry: reg,
		Workers:  workers,
		Logger:   zap.NewNop(),
		Tracer:   otel.Tracer(tracerName),
		Metrics:  metrics.New(),
		Now:      time.Now,
		Sleep:    sleepCtx,
		runs:     newRunTable(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&e)
		}
	}
	e.Log.Now = e.Now
	if e.Hub == nil {
		e.Hub = events.NewHub(e.Log, events.WithLogger(e.Logger))
	}
	m := e.Metrics
	e.Hub.OnSubscriberChange(func(delta int) { m.Subscribers.Add(float64(delta)) })
	return e, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// txn is an open transaction that collects the activity entries appended in
// it, so they are broadcast only once it commits.
type txn struct {
	*sql.Tx
	ctx     context.Context
	log     events.Log
	entries []domain.ActivityEntry
}

func (t *txn) record(projectID, kind, actor string, payload events.Payload) error {
	entry, err := t.log.Append(t.ctx, t.Tx, projectID, kind, actor, payload)
	if err != nil {
		return err
	}
	t.entries = append(t.entries, entry)
	return nil
}

func (e Engine) inTx(ctx context.Context, fn func(t *txn) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t := &txn{Tx: tx, ctx: ctx, log: e.Log}
	if err := fn(t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(t.entries)
	return nil
}

func (e Engine) publish(entries []domain.ActivityEntry) {
	if len(entries) == 0 {
		return
	}
	kinds := make([]string, len(entries))
	for i, en := range entries {
		kinds[i] = en.Kind
	}
	e.Metrics.Entries(kinds...)
	if e.Hub != nil {
		e.Hub.Publish(entries...)
	}
}

// transition moves p to status to through the closed transition table.
func transition(p *domain.Project, to domain.ProjectStatus) error {
	if err := domain.EnsureTransition(p.Status, to); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	p.Status = to
	return nil
}

func clearGate(p *domain.Project) {
	p.GateKind = nil
	p.GateOpenedAt = nil
	p.GatePayload = nil
}

// CreateProjectOptions are parameters for creating a project.
type CreateProjectOptions struct {
	ID            string
	Description   string
	MaxIterations int
	Actor         string
}

// CreateProject registers a project in status created.
func (e Engine) CreateProject(ctx context.Context, opts CreateProjectOptions) (domain.Project, error) {
	p, err := e.createProject(ctx, opts)
	if err != nil {
		return p, e.rejected(ctx, opts.ID, "create", opts.Actor, err)
	}
	return p, nil
}

func (e Engine) createProject(ctx context.Context, opts CreateProjectOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Description) == "" {
		return domain.Project{}, fmt.Errorf("%w: description is required", ErrInvalidArgument)
	}
	if opts.MaxIterations < 0 {
		return domain.Project{}, fmt.Errorf("%w: max_iterations must be >= 0", ErrInvalidArgument)
	}
	if opts.MaxIterations == 0 {
		opts.MaxIterations = e.Config.Iterations.Max
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.ts()
	p := domain.Project{
		ID:            opts.ID,
		Description:   opts.Description,
		Status:        domain.StatusCreated,
		MaxIterations: opts.MaxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := e.inTx(ctx, func(t *txn) error {
		if _, err := e.Repo.GetProject(ctx, t.Tx, p.ID); err == nil {
			return fmt.Errorf("%w: project %s", ErrAlreadyExists, p.ID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := e.Repo.InsertProject(ctx, t.Tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return t.record(p.ID, events.KindProjectCreated, opts.Actor, events.Payload{
			"description":    p.Description,
			"max_iterations": p.MaxIterations,
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.Logger.Info("project created", zap.String("project_id", p.ID))
	return p, nil
}

// Project returns the stored project.
func (e Engine) Project(ctx context.Context, projectID string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, nil, projectID)
}

// Subscribe streams a project's activity from fromSeq, replay then live.
func (e Engine) Subscribe(ctx context.Context, projectID string, fromSeq int64) (*events.Subscription, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.Hub.Subscribe(ctx, projectID, fromSeq), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
