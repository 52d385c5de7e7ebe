package domain

type ProjectStatus string

const (
	StatusCreated                 ProjectStatus = "created"
	StatusRunning                 ProjectStatus = "running"
	StatusAwaitingPlanApproval    ProjectStatus = "awaiting_plan_approval"
	StatusAwaitingQAApproval      ProjectStatus = "awaiting_qa_approval"
	StatusAwaitingPublishApproval ProjectStatus = "awaiting_publish_approval"
	StatusCompleted               ProjectStatus = "completed"
	StatusFailed                  ProjectStatus = "failed"
	StatusAbandoned               ProjectStatus = "abandoned"
)

// Terminal reports whether no automatic progress can follow this status.
func (s ProjectStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAbandoned
}

// Awaiting reports whether the status parks the project behind a gate.
func (s ProjectStatus) Awaiting() bool {
	_, ok := gateForStatus[s]
	return ok
}

// Gate returns the gate kind a status is waiting on.
func (s ProjectStatus) Gate() (GateKind, bool) {
	k, ok := gateForStatus[s]
	return k, ok
}

type GateKind string

const (
	GatePlanApproval    GateKind = "plan_approval"
	GateQAApproval      GateKind = "qa_approval"
	GatePublishApproval GateKind = "publish_approval"
)

var gateForStatus = map[ProjectStatus]GateKind{
	StatusAwaitingPlanApproval:    GatePlanApproval,
	StatusAwaitingQAApproval:      GateQAApproval,
	StatusAwaitingPublishApproval: GatePublishApproval,
}

func (k GateKind) Valid() bool {
	switch k {
	case GatePlanApproval, GateQAApproval, GatePublishApproval:
		return true
	}
	return false
}

// AwaitingStatus is the project status while a gate of this kind is open.
func (k GateKind) AwaitingStatus() ProjectStatus {
	return ProjectStatus("awaiting_" + string(k))
}

// DefaultCategory is the feedback category assumed when changes are requested
// on a gate of this kind without one.
func (k GateKind) DefaultCategory() FeedbackCategory {
	if k == GatePlanApproval {
		return CategoryScopeChange
	}
	return CategoryBugFix
}

type GateStatus string

const (
	GateOpen             GateStatus = "open"
	GateApproved         GateStatus = "approved"
	GateChangesRequested GateStatus = "changes_requested"
	GateRejected         GateStatus = "rejected"
)

type Decision string

const (
	DecisionApprove          Decision = "approve"
	DecisionChangesRequested Decision = "changes_requested"
	DecisionReject           Decision = "reject"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionChangesRequested, DecisionReject:
		return true
	}
	return false
}

// GateStatus maps a decision onto the resolved gate status.
func (d Decision) GateStatus() GateStatus {
	switch d {
	case DecisionApprove:
		return GateApproved
	case DecisionChangesRequested:
		return GateChangesRequested
	default:
		return GateRejected
	}
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

type IterationStatus string

const (
	IterationPending    IterationStatus = "pending"
	IterationInProgress IterationStatus = "in_progress"
	IterationResolved   IterationStatus = "resolved"
	IterationWontFix    IterationStatus = "wont_fix"
)

type FeedbackCategory string

const (
	CategoryBugFix       FeedbackCategory = "bug_fix"
	CategoryDesignChange FeedbackCategory = "design_change"
	CategoryScopeChange  FeedbackCategory = "scope_change"
)

func (c FeedbackCategory) Valid() bool {
	switch c {
	case CategoryBugFix, CategoryDesignChange, CategoryScopeChange:
		return true
	}
	return false
}

// Verdict is the worker's judgement on its own output. Only the quality
// loop phase consults it; an empty verdict counts as a pass.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

type Project struct {
	ID             string         `json:"id"`
	Description    string         `json:"description,omitempty"`
	Status         ProjectStatus  `json:"status" enum:"created,running,awaiting_plan_approval,awaiting_qa_approval,awaiting_publish_approval,completed,failed,abandoned"`
	CurrentPhase   *string        `json:"current_phase,omitempty"`
	IterationCount int            `json:"iteration_count"`
	MaxIterations  int            `json:"max_iterations"`
	QualityLoops   int            `json:"quality_loops"`
	GateKind       *GateKind      `json:"gate_kind,omitempty"`
	GateOpenedAt   *string        `json:"gate_opened_at,omitempty" format:"date-time"`
	GatePayload    map[string]any `json:"gate_payload,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// Phase returns the current phase or "" when none is set.
func (p Project) Phase() string {
	if p.CurrentPhase == nil {
		return ""
	}
	return *p.CurrentPhase
}

type PhaseRun struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Phase       string    `json:"phase"`
	Attempt     int       `json:"attempt"`
	Status      RunStatus `json:"status" enum:"pending,running,succeeded,failed,skipped"`
	Retryable   bool      `json:"retryable"`
	IterationID *string   `json:"iteration_id,omitempty"`
	StartedAt   string    `json:"started_at" format:"date-time"`
	CompletedAt *string   `json:"completed_at,omitempty" format:"date-time"`
	Error       *string   `json:"error,omitempty"`
}

type ActivityEntry struct {
	ProjectID string         `json:"project_id"`
	Seq       int64          `json:"seq"`
	Kind      string         `json:"kind"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload"`
	TS        string         `json:"ts" format:"date-time"`
}

type Gate struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	Kind       GateKind       `json:"kind" enum:"plan_approval,qa_approval,publish_approval"`
	Phase      string         `json:"phase"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     GateStatus     `json:"status" enum:"open,approved,changes_requested,rejected"`
	Decision   *Decision      `json:"decision,omitempty"`
	ResolvedBy *string        `json:"resolved_by,omitempty"`
	ResolvedAt *string        `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type Iteration struct {
	ID           string           `json:"id"`
	ProjectID    string           `json:"project_id"`
	Number       int              `json:"number"`
	Category     FeedbackCategory `json:"category" enum:"bug_fix,design_change,scope_change"`
	Feedback     string           `json:"feedback"`
	ReentryPhase string           `json:"reentry_phase"`
	Status       IterationStatus  `json:"status" enum:"pending,in_progress,resolved,wont_fix"`
	CreatedAt    string           `json:"created_at" format:"date-time"`
	ResolvedAt   *string          `json:"resolved_at,omitempty" format:"date-time"`
}

type Artifact struct {
	ProjectID string `json:"project_id"`
	Path      string `json:"path"`
	Version   int    `json:"version"`
	Content   string `json:"content"`
	Phase     string `json:"phase"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
