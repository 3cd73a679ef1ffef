package domain

// RealizationState is the lifecycle state of one realization within one snapshot.
type RealizationState string

const (
	RealizationUndefined   RealizationState = "undefined"
	RealizationInitialized RealizationState = "initialized"
	RealizationSubmitted   RealizationState = "submitted"
	RealizationWaiting     RealizationState = "waiting"
	RealizationRunning     RealizationState = "running"
	RealizationSuccess     RealizationState = "success"
	RealizationFailed      RealizationState = "failed"
)

// AllRealizationStates lists states in lifecycle order.
var AllRealizationStates = []RealizationState{
	RealizationUndefined,
	RealizationInitialized,
	RealizationSubmitted,
	RealizationWaiting,
	RealizationRunning,
	RealizationSuccess,
	RealizationFailed,
}

// IsTerminal reports whether no further transition is allowed within the snapshot.
func (s RealizationState) IsTerminal() bool {
	return s == RealizationSuccess || s == RealizationFailed
}

// CanTransitionRealizationState enforces forward-only progression.
// Waiting is a sub-state of Submitted, so Submitted and Waiting may alternate.
func CanTransitionRealizationState(current, next RealizationState) bool {
	if current == "" || next == "" {
		return false
	}
	if current.IsTerminal() {
		return false
	}
	if isSubmittedFamily(current) && isSubmittedFamily(next) {
		return current != next
	}
	return realizationStateOrder(current) < realizationStateOrder(next)
}

func isSubmittedFamily(state RealizationState) bool {
	return state == RealizationSubmitted || state == RealizationWaiting
}

func realizationStateOrder(state RealizationState) int {
	switch state {
	case RealizationUndefined:
		return 1
	case RealizationInitialized:
		return 2
	case RealizationSubmitted, RealizationWaiting:
		return 3
	case RealizationRunning:
		return 4
	case RealizationSuccess, RealizationFailed:
		return 5
	default:
		return 0
	}
}
