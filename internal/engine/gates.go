package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/registry"
	"phaseline/internal/repo"
)

// ResolveGateOptions carry a decision on a project's open gate. Category and
// Feedback only apply to changes_requested.
type ResolveGateOptions struct {
	ProjectID string
	Gate      domain.GateKind
	Decision  domain.Decision
	Actor     string
	Category  domain.FeedbackCategory
	Feedback  string
}

// openGate parks p behind a gate guarding step.Phase and saves p.
func (e Engine) openGate(t *txn, p *domain.Project, step registry.Step, payload events.Payload) error {
	ctx := t.ctx
	if g, err := e.Repo.OpenGate(ctx, t.Tx, p.ID); err == nil {
		return fmt.Errorf("%w: %s gate %s is already open", ErrInvalidTransition, g.Kind, g.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	artifacts, err := e.Repo.ListLatestArtifacts(ctx, t.Tx, p.ID)
	if err != nil {
		return err
	}
	refs := make([]map[string]any, 0, len(artifacts))
	for _, a := range artifacts {
		refs = append(refs, map[string]any{"path": a.Path, "version": a.Version})
	}
	payload["artifacts"] = refs

	now := e.ts()
	g := domain.Gate{
		ID:        uuid.NewString(),
		ProjectID: p.ID,
		Kind:      step.Gate,
		Phase:     step.Phase,
		Payload:   payload,
		Status:    domain.GateOpen,
		CreatedAt: now,
	}
	if err := e.Repo.InsertGate(ctx, t.Tx, g); err != nil {
		return fmt.Errorf("insert gate: %w", err)
	}
	if err := transition(p, step.Gate.AwaitingStatus()); err != nil {
		return err
	}
	kind := step.Gate
	p.GateKind = &kind
	p.GateOpenedAt = &now
	p.GatePayload = payload
	p.CurrentPhase = &g.Phase
	p.QualityLoops = 0
	p.UpdatedAt = now
	if err := e.Repo.SaveProject(ctx, t.Tx, *p); err != nil {
		return err
	}
	e.Metrics.GatesOpenedTotal.WithLabelValues(string(kind)).Inc()
	out := events.Payload{"gate": string(kind), "gate_id": g.ID, "phase": g.Phase}
	for k, v := range payload {
		out[k] = v
	}
	return t.record(p.ID, events.KindGateOpened, "", out)
}

// ResolveGate applies a decision to the project's open gate. Repeating the
// decision already recorded on the latest gate of that kind is a no-op; a
// conflicting one fails with ErrGateMismatch.
func (e Engine) ResolveGate(ctx context.Context, opts ResolveGateOptions) (domain.Project, error) {
	p, err := e.resolveGate(ctx, opts)
	if err != nil {
		return p, e.rejected(ctx, opts.ProjectID, "resolve_gate", opts.Actor, err)
	}
	return p, nil
}

func (e Engine) resolveGate(ctx context.Context, opts ResolveGateOptions) (domain.Project, error) {
	if !opts.Gate.Valid() {
		return domain.Project{}, fmt.Errorf("%w: unknown gate %q", ErrInvalidArgument, opts.Gate)
	}
	if !opts.Decision.Valid() {
		return domain.Project{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidArgument, opts.Decision)
	}
	if opts.Decision == domain.DecisionChangesRequested {
		if opts.Category == "" {
			opts.Category = opts.Gate.DefaultCategory()
		}
		if !opts.Category.Valid() {
			return domain.Project{}, fmt.Errorf("%w: unknown feedback category %q", ErrInvalidArgument, opts.Category)
		}
	}
	p, err := e.Repo.GetProject(ctx, nil, opts.ProjectID)
	if err != nil {
		return p, err
	}
	// a repeated decision is answered without taking the execution slot
	if open, err := e.Repo.OpenGate(ctx, nil, opts.ProjectID); errors.Is(err, repo.ErrNotFound) || (err == nil && open.Kind != opts.Gate) {
		if dup, err := e.duplicateDecision(ctx, nil, opts); err != nil || dup {
			return p, err
		}
	}

	x, err := e.runs.acquire(opts.ProjectID)
	if err != nil {
		return p, err
	}
	more := false
	err = e.inTx(ctx, func(t *txn) error {
		var err error
		p, err = e.Repo.GetProject(ctx, t.Tx, opts.ProjectID)
		if err != nil {
			return err
		}
		open, err := e.Repo.OpenGate(ctx, t.Tx, opts.ProjectID)
		if errors.Is(err, repo.ErrNotFound) {
			if dup, err := e.duplicateDecision(ctx, t, opts); err != nil || dup {
				return err
			}
			return fmt.Errorf("%w: no %s gate is open (project is %s)", ErrInvalidTransition, opts.Gate, p.Status)
		}
		if err != nil {
			return err
		}
		if open.Kind != opts.Gate {
			if dup, err := e.duplicateDecision(ctx, t, opts); err != nil || dup {
				return err
			}
			return fmt.Errorf("%w: open gate is %s, not %s", ErrGateMismatch, open.Kind, opts.Gate)
		}

		switch opts.Decision {
		case domain.DecisionApprove:
			if err := e.closeGate(t, &p, open, opts.Decision, opts.Actor, domain.StatusRunning); err != nil {
				return err
			}
			p.CurrentPhase = &open.Phase
			more = true
		case domain.DecisionChangesRequested:
			if _, err := e.requestChanges(t, &p, open, opts.Category, opts.Feedback, opts.Actor); err != nil {
				return err
			}
			more = true
		case domain.DecisionReject:
			if err := e.closeGate(t, &p, open, opts.Decision, opts.Actor, domain.StatusAbandoned); err != nil {
				return err
			}
			if err := e.closeIteration(t, p.ID, domain.IterationWontFix); err != nil {
				return err
			}
		}
		p.UpdatedAt = e.ts()
		return e.Repo.SaveProject(ctx, t.Tx, p)
	})
	if err != nil || !more {
		e.runs.release(opts.ProjectID, x)
		return p, err
	}
	e.Logger.Info("gate resolved",
		zap.String("project_id", p.ID),
		zap.String("gate", string(opts.Gate)),
		zap.String("decision", string(opts.Decision)),
		zap.String("actor", opts.Actor))
	e.start(x, p.ID, opts.Actor)
	return p, nil
}

// duplicateDecision checks the latest resolved gate of the requested kind
// when none is open. It reports true for a repeat of the recorded decision.
func (e Engine) duplicateDecision(ctx context.Context, t *txn, opts ResolveGateOptions) (bool, error) {
	var tx *sql.Tx
	if t != nil {
		tx = t.Tx
	}
	prev, err := e.Repo.LatestResolvedGate(ctx, tx, opts.ProjectID, opts.Gate)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if prev.Decision != nil && *prev.Decision == opts.Decision {
		return true, nil
	}
	recorded := "none"
	if prev.Decision != nil {
		recorded = string(*prev.Decision)
	}
	return false, fmt.Errorf("%w: %s gate %s was already resolved as %s", ErrGateMismatch, prev.Kind, prev.ID, recorded)
}

// closeGate records the decision on the open gate and moves p to status to.
func (e Engine) closeGate(t *txn, p *domain.Project, g domain.Gate, decision domain.Decision, actor string, to domain.ProjectStatus) error {
	now := e.ts()
	if actor == "" {
		actor = "system"
	}
	if err := e.Repo.ResolveGate(t.ctx, t.Tx, g.ID, decision, actor, now); err != nil {
		return err
	}
	if err := transition(p, to); err != nil {
		return err
	}
	clearGate(p)
	waited := 0.0
	if opened, err := time.Parse(time.RFC3339, g.CreatedAt); err == nil {
		waited = e.now().Sub(opened).Seconds()
	}
	return t.record(p.ID, events.KindGateResolved, actor, events.Payload{
		"gate":           string(g.Kind),
		"gate_id":        g.ID,
		"decision":       string(decision),
		"phase":          g.Phase,
		"waited_seconds": waited,
	})
}
