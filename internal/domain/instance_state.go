package domain

import "strings"

// InstanceState is the lifecycle state of an experiment instance.
type InstanceState string

const (
	InstanceStatePending   InstanceState = "pending"
	InstanceStateSubmitted InstanceState = "submitted"
	InstanceStateSucceeded InstanceState = "succeeded"
	InstanceStateFailed    InstanceState = "failed"
	InstanceStateCancelled InstanceState = "cancelled"
)

// TransitionReason is a machine-readable reason attached to a state change.
type TransitionReason string

const (
	ReasonCreated           TransitionReason = "Created"
	ReasonBackendAccepted   TransitionReason = "BackendAccepted"
	ReasonBackendRejected   TransitionReason = "BackendRejected"
	ReasonBackendProgress   TransitionReason = "BackendProgress"
	ReasonBackendSucceeded  TransitionReason = "BackendSucceeded"
	ReasonBackendFailed     TransitionReason = "BackendFailed"
	ReasonBackendHandleLost TransitionReason = "BackendHandleLost"
	ReasonCancelRequested   TransitionReason = "CancelRequested"
)

// NormalizeInstanceState maps free-form status values to canonical states.
func NormalizeInstanceState(value string) InstanceState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(InstanceStatePending):
		return InstanceStatePending
	case string(InstanceStateSubmitted):
		return InstanceStateSubmitted
	case string(InstanceStateSucceeded):
		return InstanceStateSucceeded
	case string(InstanceStateFailed):
		return InstanceStateFailed
	case string(InstanceStateCancelled), "canceled":
		return InstanceStateCancelled
	default:
		return ""
	}
}

// IsTerminal reports whether no further transitions are allowed from state.
func (s InstanceState) IsTerminal() bool {
	switch s {
	case InstanceStateSucceeded, InstanceStateFailed, InstanceStateCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionInstanceState enforces the lifecycle edge table. A same-state
// "transition" is allowed only for submitted instances, which record backend
// progress as history without changing logical state.
func CanTransitionInstanceState(current, next InstanceState) bool {
	if current == "" || next == "" {
		return false
	}
	switch current {
	case InstanceStatePending:
		switch next {
		case InstanceStateSubmitted, InstanceStateFailed, InstanceStateCancelled:
			return true
		}
	case InstanceStateSubmitted:
		switch next {
		case InstanceStateSubmitted, InstanceStateSucceeded, InstanceStateFailed, InstanceStateCancelled:
			return true
		}
	}
	return false
}
