package models

import "strings"

// Phase is the lifecycle stage of a trip.
type Phase string

const (
	PhaseRequested  Phase = "REQUESTED"
	PhaseMatched    Phase = "MATCHED"
	PhaseEnRoute    Phase = "EN_ROUTE_TO_PICKUP"
	PhaseInProgress Phase = "IN_PROGRESS"
	PhaseCompleted  Phase = "COMPLETED"
	PhaseCancelled  Phase = "CANCELLED"
	PhaseExpired    Phase = "EXPIRED"
)

func ParsePhase(in string) (Phase, bool) {
	p := Phase(strings.ToUpper(strings.TrimSpace(in)))
	switch p {
	case PhaseRequested, PhaseMatched, PhaseEnRoute, PhaseInProgress, PhaseCompleted, PhaseCancelled, PhaseExpired:
		return p, true
	}
	return "", false
}

func (p Phase) String() string { return string(p) }

// CanTransitionTo reports whether next directly follows p.
// EN_ROUTE_TO_PICKUP may still be cancelled: MATCHED is left implicitly on
// match, so it is the only window where a matched trip can be called off.
func (p Phase) CanTransitionTo(next Phase) bool {
	switch p {
	case PhaseRequested:
		return next == PhaseMatched || next == PhaseCancelled || next == PhaseExpired
	case PhaseMatched:
		return next == PhaseEnRoute || next == PhaseCancelled
	case PhaseEnRoute:
		return next == PhaseInProgress || next == PhaseCancelled
	case PhaseInProgress:
		return next == PhaseCompleted
	default:
		return false
	}
}

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseExpired
}

// Relayable reports whether driver positions are forwarded in this phase.
func (p Phase) Relayable() bool {
	return p == PhaseEnRoute || p == PhaseInProgress
}
