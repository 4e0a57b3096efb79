package message

type (
	// StatusKind enumerates the lifecycle states of a tool call.
	StatusKind uint8

	// Status is the lifecycle state of a tool call. It is a closed variant:
	// the decision of an answered approval is only meaningful when Kind is
	// KindApprovalResponded. The zero value is KindInputStreaming.
	Status struct {
		kind     StatusKind
		approved bool
	}

	// State is the legacy wire representation of a tool call status.
	State string
)

const (
	// KindInputStreaming means the tool arguments are still being produced.
	KindInputStreaming StatusKind = iota
	// KindInputComplete means the tool arguments are final.
	KindInputComplete
	// KindApprovalRequested means the call waits for a human decision.
	KindApprovalRequested
	// KindApprovalResponded means a decision was recorded for the call.
	KindApprovalResponded
	// KindResolved means the call has an output.
	KindResolved
)

const (
	StateInputStreaming    State = "input-streaming"
	StateInputComplete     State = "input-complete"
	StateApprovalRequested State = "approval-requested"
	StateApprovalResponded State = "approval-responded"
)

var (
	// InputStreaming is the status of a call whose arguments are streaming.
	InputStreaming = Status{kind: KindInputStreaming}
	// InputComplete is the status of a call whose arguments are final.
	InputComplete = Status{kind: KindInputComplete}
	// ApprovalRequested is the status of a call awaiting a decision.
	ApprovalRequested = Status{kind: KindApprovalRequested}
	// Resolved is the status of a call that has an output.
	Resolved = Status{kind: KindResolved}
)

// ApprovalResponded returns the status of a call whose approval was decided.
func ApprovalResponded(approved bool) Status {
	return Status{kind: KindApprovalResponded, approved: approved}
}

// Kind returns the status kind.
func (s Status) Kind() StatusKind { return s.kind }

// Decision returns the recorded approval decision. ok is false unless the
// status is KindApprovalResponded.
func (s Status) Decision() (approved, ok bool) {
	if s.kind != KindApprovalResponded {
		return false, false
	}
	return s.approved, true
}

// State returns the legacy wire state of s.
func (s Status) State() State {
	switch s.kind {
	case KindInputStreaming:
		return StateInputStreaming
	case KindApprovalRequested:
		return StateApprovalRequested
	case KindApprovalResponded:
		return StateApprovalResponded
	default:
		return StateInputComplete
	}
}

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s.kind {
	case KindResolved:
		return "resolved"
	case KindApprovalResponded:
		if s.approved {
			return "approval-responded(approved)"
		}
		return "approval-responded(denied)"
	default:
		return string(s.State())
	}
}

// statusFromWire maps the legacy state string and optional approval fields
// onto the closed variant. Unknown states map to InputComplete.
func statusFromWire(state State, approval *wireApproval, hasOutput bool) Status {
	if approval != nil && approval.Approved != nil {
		return ApprovalResponded(*approval.Approved)
	}
	if state == StateApprovalRequested || (approval != nil && approval.NeedsApproval) {
		return ApprovalRequested
	}
	if hasOutput {
		return Resolved
	}
	if state == StateInputStreaming {
		return InputStreaming
	}
	return InputComplete
}
