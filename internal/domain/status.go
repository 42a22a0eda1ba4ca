package domain

// MandateStatus is the lifecycle state of a mandate.
type MandateStatus string

const (
	MandateActive  MandateStatus = "active"
	MandateRevoked MandateStatus = "revoked"
	MandateExpired MandateStatus = "expired"
)

var mandateTransitions = map[MandateStatus][]MandateStatus{
	MandateActive: {MandateRevoked, MandateExpired},
}

func (s MandateStatus) Valid() bool {
	switch s {
	case MandateActive, MandateRevoked, MandateExpired:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed mandate transition.
func (s MandateStatus) CanTransition(to MandateStatus) bool {
	for _, next := range mandateTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanScheduled PlanStatus = "scheduled"
	PlanRunning   PlanStatus = "running"
	PlanSucceeded PlanStatus = "succeeded"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanScheduled: {PlanRunning, PlanCancelled},
	PlanRunning:   {PlanSucceeded, PlanFailed},
}

func (s PlanStatus) Valid() bool {
	switch s {
	case PlanScheduled, PlanRunning, PlanSucceeded, PlanFailed, PlanCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further status transition is possible.
func (s PlanStatus) Terminal() bool {
	return s.Valid() && len(planTransitions[s]) == 0
}

// CanTransition reports whether from -> to is an allowed plan transition.
func (s PlanStatus) CanTransition(to PlanStatus) bool {
	for _, next := range planTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// CancellationState annotates a succeeded plan after a confirmed-booking
// cancellation. It never changes the plan status.
type CancellationState string

const (
	CancellationNone         CancellationState = ""
	CancellationAccepted     CancellationState = "accepted"
	CancellationRefunded     CancellationState = "refunded"
	CancellationRefundFailed CancellationState = "refund_failed"
	CancellationRejected     CancellationState = "rejected"
)

// Step names used for idempotency keys and the step journal.
const (
	StepSubmit = "submit"
	StepFee    = "fee"
	StepCancel = "cancel"
	StepRefund = "refund"
)

// IdempotencyKey derives the key sent with a side-effecting call.
func IdempotencyKey(planID, step string) string {
	return planID + ":" + step
}
