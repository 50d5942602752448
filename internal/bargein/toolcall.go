package bargein

// ToolCallStatus tracks a tool invocation through its lifecycle.
type ToolCallStatus int

const (
	ToolPending ToolCallStatus = iota
	ToolExecuting
	ToolCompleted
	ToolCancelled
	ToolRolledBack
)

// String returns the wire name of the status.
func (s ToolCallStatus) String() string {
	switch s {
	case ToolPending:
		return "pending"
	case ToolExecuting:
		return "executing"
	case ToolCompleted:
		return "completed"
	case ToolCancelled:
		return "cancelled"
	case ToolRolledBack:
		return "rolled_back"
	default:
		return "invalid"
	}
}

// terminal reports whether the status ends the tool call.
func (s ToolCallStatus) terminal() bool {
	return s == ToolCompleted || s == ToolCancelled || s == ToolRolledBack
}

// ToolCallState describes the tool invocation the AI is currently running,
// if any. The machine mutates only Status, driven by control inputs; the
// external tool executor owns the call itself.
type ToolCallState struct {
	ID   string
	Name string

	Status ToolCallStatus

	// SafeToInterrupt marks calls that can be abandoned mid-flight. A hard
	// barge-in during an unsafe call is queued instead of applied.
	SafeToInterrupt bool

	// Rollback, when set, undoes a cancelled call's side effects.
	Rollback func() error
}
