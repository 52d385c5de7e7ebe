package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/repo"
)

// FeedbackOptions describe feedback on a project awaiting QA approval or
// already completed.
type FeedbackOptions struct {
	ProjectID string
	Category  domain.FeedbackCategory
	Text      string
	Actor     string
}

// SubmitFeedback opens a new iteration and re-enters the pipeline at the
// phase mapped to the feedback category. On a project awaiting QA approval it
// is equivalent to requesting changes on that gate.
func (e Engine) SubmitFeedback(ctx context.Context, opts FeedbackOptions) (domain.Iteration, error) {
	it, err := e.submitFeedback(ctx, opts)
	if err != nil {
		return it, e.rejected(ctx, opts.ProjectID, "submit_feedback", opts.Actor, err)
	}
	return it, nil
}

func (e Engine) submitFeedback(ctx context.Context, opts FeedbackOptions) (domain.Iteration, error) {
	if opts.Category == "" {
		opts.Category = domain.CategoryBugFix
	}
	if !opts.Category.Valid() {
		return domain.Iteration{}, fmt.Errorf("%w: unknown feedback category %q", ErrInvalidArgument, opts.Category)
	}
	if strings.TrimSpace(opts.Text) == "" {
		return domain.Iteration{}, fmt.Errorf("%w: feedback text is required", ErrInvalidArgument)
	}
	x, err := e.runs.acquire(opts.ProjectID)
	if err != nil {
		return domain.Iteration{}, err
	}
	var it domain.Iteration
	err = e.inTx(ctx, func(t *txn) error {
		p, err := e.Repo.GetProject(ctx, t.Tx, opts.ProjectID)
		if err != nil {
			return err
		}
		switch p.Status {
		case domain.StatusAwaitingQAApproval:
			open, err := e.Repo.OpenGate(ctx, t.Tx, p.ID)
			if err != nil {
				return err
			}
			it, err = e.requestChanges(t, &p, open, opts.Category, opts.Text, opts.Actor)
			if err != nil {
				return err
			}
		case domain.StatusCompleted:
			it, err = e.startIteration(t, &p, opts.Category, opts.Text, opts.Actor)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: feedback needs a project awaiting qa_approval or completed, got %s", ErrInvalidTransition, p.Status)
		}
		p.UpdatedAt = e.ts()
		return e.Repo.SaveProject(ctx, t.Tx, p)
	})
	if err != nil {
		e.runs.release(opts.ProjectID, x)
		return it, err
	}
	e.Logger.Info("iteration started",
		zap.String("project_id", opts.ProjectID),
		zap.Int("number", it.Number),
		zap.String("reentry_phase", it.ReentryPhase))
	e.start(x, opts.ProjectID, opts.Actor)
	return it, nil
}

// requestChanges resolves g as changes_requested and starts an iteration.
// The iteration limit and the re-entry phase are checked first so a refused
// request leaves the gate open. The re-entry phase must run before the phase
// g guards, otherwise the iteration would walk past g unapproved.
func (e Engine) requestChanges(t *txn, p *domain.Project, g domain.Gate, category domain.FeedbackCategory, text, actor string) (domain.Iteration, error) {
	if err := e.checkIterationLimit(*p); err != nil {
		return domain.Iteration{}, err
	}
	phase, err := e.Registry.Reentry(category)
	if err != nil {
		return domain.Iteration{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if !e.Registry.Before(phase, g.Phase) {
		return domain.Iteration{}, fmt.Errorf("%w: %s re-enters at %s, past the %s gate guarding %s", ErrInvalidArgument, category, phase, g.Kind, g.Phase)
	}
	if err := e.closeGate(t, p, g, domain.DecisionChangesRequested, actor, domain.StatusRunning); err != nil {
		return domain.Iteration{}, err
	}
	return e.startIteration(t, p, category, text, actor)
}

func (e Engine) checkIterationLimit(p domain.Project) error {
	if p.IterationCount >= p.MaxIterations {
		return fmt.Errorf("%w: project %s used %d of %d iterations", ErrIterationLimitExceeded, p.ID, p.IterationCount, p.MaxIterations)
	}
	return nil
}

// startIteration records iteration IterationCount+1 and points p at its
// re-entry phase. p is left for the caller to save.
func (e Engine) startIteration(t *txn, p *domain.Project, category domain.FeedbackCategory, text, actor string) (domain.Iteration, error) {
	if err := e.checkIterationLimit(*p); err != nil {
		return domain.Iteration{}, err
	}
	phase, err := e.Registry.Reentry(category)
	if err != nil {
		return domain.Iteration{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	// an iteration that never reached its re-entry phase is superseded
	if err := e.closeIteration(t, p.ID, domain.IterationWontFix); err != nil {
		return domain.Iteration{}, err
	}
	p.IterationCount++
	it := domain.Iteration{
		ID:           uuid.NewString(),
		ProjectID:    p.ID,
		Number:       p.IterationCount,
		Category:     category,
		Feedback:     text,
		ReentryPhase: phase,
		Status:       domain.IterationPending,
		CreatedAt:    e.ts(),
	}
	if err := e.Repo.InsertIteration(t.ctx, t.Tx, it); err != nil {
		return domain.Iteration{}, fmt.Errorf("insert iteration: %w", err)
	}
	if p.Status != domain.StatusRunning {
		if err := transition(p, domain.StatusRunning); err != nil {
			return domain.Iteration{}, err
		}
	}
	clearGate(p)
	p.CurrentPhase = &phase
	p.QualityLoops = 0
	err = t.record(p.ID, events.KindIterationStarted, actor, events.Payload{
		"iteration_id":  it.ID,
		"number":        it.Number,
		"category":      string(category),
		"reentry_phase": phase,
		"feedback":      text,
	})
	return it, err
}

// closeIteration ends the project's open iteration, if any, with status.
func (e Engine) closeIteration(t *txn, projectID string, status domain.IterationStatus) error {
	it, err := e.Repo.ActiveIteration(t.ctx, t.Tx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.resolveIteration(t, &it, status)
}

// resolveIteration moves an iteration to a final status and logs it.
func (e Engine) resolveIteration(t *txn, it *domain.Iteration, status domain.IterationStatus) error {
	if err := e.setIterationStatus(t, it, status); err != nil {
		return err
	}
	return t.record(it.ProjectID, events.KindIterationResolved, "", events.Payload{
		"iteration_id": it.ID,
		"number":       it.Number,
		"status":       string(status),
	})
}

func (e Engine) setIterationStatus(t *txn, it *domain.Iteration, status domain.IterationStatus) error {
	if err := domain.EnsureIterationTransition(it.Status, status); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	var resolvedAt *string
	if status == domain.IterationResolved || status == domain.IterationWontFix {
		now := e.ts()
		resolvedAt = &now
	}
	if err := e.Repo.SetIterationStatus(t.ctx, t.Tx, it.ID, status, resolvedAt); err != nil {
		return err
	}
	it.Status = status
	it.ResolvedAt = resolvedAt
	return nil
}
