package events

// Activity entry kinds.
const (
	KindProjectCreated    = "project_created"
	KindProjectStarted    = "project_started"
	KindPhaseStarted      = "phase_started"
	KindProgress          = "progress"
	KindPhaseCompleted    = "phase_completed"
	KindPhaseFailed       = "phase_failed"
	KindPhaseRecovered    = "phase_recovered"
	KindGateOpened        = "gate_opened"
	KindGateResolved      = "gate_resolved"
	KindIterationStarted  = "iteration_started"
	KindIterationResolved = "iteration_resolved"
	KindProjectCompleted  = "project_completed"
	KindProjectStopped    = "project_stopped"
	KindCommandRejected   = "command_rejected"
)

// Payload is the free-form body of an activity entry.
type Payload map[string]any
