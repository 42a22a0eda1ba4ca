package storage

import (
	"context"
	"time"

	"signupassist/internal/domain"
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, lost on restart (default)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means driver default
}

// PlanUpdate carries the fields written together with a plan status change.
// Empty strings and false leave the stored value untouched.
type PlanUpdate struct {
	At            time.Time
	FailureReason string
	BookingRef    string
	Reconcile     bool

	// RequireActiveMandate makes the update also conditional on the owning
	// mandate still being active, checked in the same store operation.
	RequireActiveMandate bool
}

// PlanAnnotation updates side fields of a plan without touching its status.
// Zero values are ignored; Reconcile can only be raised, never cleared.
type PlanAnnotation struct {
	At           time.Time
	Reconcile    bool
	SettledAt    time.Time
	Cancellation domain.CancellationState
	BookingRef   string
}

// Store is the persistence API used by the mandate, plan and execution
// services. Every status mutation is conditional on the expected prior
// status and returns domain.ErrConflict when the condition does not hold.
type Store interface {
	CreateMandate(ctx context.Context, m domain.Mandate) error
	GetMandate(ctx context.Context, id string) (domain.Mandate, error)
	UpdateMandateStatusIf(ctx context.Context, id string, from, to domain.MandateStatus, at time.Time) error
	// ListExpiredMandates returns active mandates whose window ended before now.
	ListExpiredMandates(ctx context.Context, now time.Time, limit int) ([]domain.Mandate, error)

	CreatePlan(ctx context.Context, p domain.Plan) error
	GetPlan(ctx context.Context, id string) (domain.Plan, error)
	ListPlansByMandate(ctx context.Context, mandateID string) ([]domain.Plan, error)
	// ListDuePlans returns scheduled plans with OpensAt <= before, oldest first.
	ListDuePlans(ctx context.Context, before time.Time, limit int) ([]domain.Plan, error)
	// ListStalePlans returns running plans claimed before claimedBefore.
	ListStalePlans(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.Plan, error)
	// ListUnsettledPlans returns succeeded plans whose billing step never
	// settled and that were last updated before updatedBefore.
	ListUnsettledPlans(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Plan, error)
	UpdatePlanStatusIf(ctx context.Context, id string, from, to domain.PlanStatus, u PlanUpdate) error
	// ReclaimPlan refreshes ClaimedAt of a running plan iff it still equals prev.
	ReclaimPlan(ctx context.Context, id string, prev, now time.Time) error
	AnnotatePlan(ctx context.Context, id string, a PlanAnnotation) error

	PutAttempt(ctx context.Context, a domain.ExecutionAttempt) error
	ListAttempts(ctx context.Context, planID string) ([]domain.ExecutionAttempt, error)

	// PutStep journals a confirmed side effect. A second write for the same
	// (plan, step) is ignored.
	PutStep(ctx context.Context, s domain.StepResult) error
	GetStep(ctx context.Context, planID, step string) (domain.StepResult, error)

	// AppendAudit inserts e and fails with domain.ErrConflict when an entry
	// with the same (MandateID, Seq) already exists.
	AppendAudit(ctx context.Context, e domain.AuditEntry) error
	LastAudit(ctx context.Context, mandateID string) (domain.AuditEntry, error)
	ListAudit(ctx context.Context, mandateID string) ([]domain.AuditEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// normTime gives the memory driver the same time semantics as the SQL drivers.
func normTime(t time.Time) time.Time { return fromNanos(toNanos(t)) }
