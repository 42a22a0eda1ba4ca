package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"signupassist/internal/domain"
)

type stepKey struct{ plan, step string }

type memStore struct {
	mu sync.Mutex

	mandates map[string]domain.Mandate
	plans    map[string]domain.Plan
	attempts map[string]domain.ExecutionAttempt
	steps    map[stepKey]domain.StepResult
	audit    map[string][]domain.AuditEntry // by mandate id, ordered by seq
}

// NewMemory returns an in-process Store. Records are addressed by id; no
// pointers into the maps escape.
func NewMemory() Store {
	return &memStore{
		mandates: map[string]domain.Mandate{},
		plans:    map[string]domain.Plan{},
		attempts: map[string]domain.ExecutionAttempt{},
		steps:    map[stepKey]domain.StepResult{},
		audit:    map[string][]domain.AuditEntry{},
	}
}

func (s *memStore) CreateMandate(_ context.Context, m domain.Mandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mandates[m.ID]; ok {
		return domain.ErrConflict
	}
	s.mandates[m.ID] = cloneMandate(m)
	return nil
}

func (s *memStore) GetMandate(_ context.Context, id string) (domain.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[id]
	if !ok {
		return domain.Mandate{}, domain.ErrNotFound
	}
	return cloneMandate(m), nil
}

func (s *memStore) UpdateMandateStatusIf(_ context.Context, id string, from, to domain.MandateStatus, at time.Time) error {
	if !from.CanTransition(to) {
		return domain.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status != from {
		return domain.ErrConflict
	}
	m.Status = to
	m.UpdatedAt = normTime(at)
	s.mandates[id] = m
	return nil
}

func (s *memStore) ListExpiredMandates(_ context.Context, now time.Time, limit int) ([]domain.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Mandate
	for _, m := range s.mandates {
		if m.Status == domain.MandateActive && m.ValidUntil.Before(now) {
			out = append(out, cloneMandate(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidUntil.Before(out[j].ValidUntil) })
	return clip(out, limit), nil
}

func (s *memStore) CreatePlan(_ context.Context, p domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; ok {
		return domain.ErrConflict
	}
	if _, ok := s.mandates[p.MandateID]; !ok {
		return domain.ErrNotFound
	}
	s.plans[p.ID] = clonePlan(p)
	return nil
}

func (s *memStore) GetPlan(_ context.Context, id string) (domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return domain.Plan{}, domain.ErrNotFound
	}
	return clonePlan(p), nil
}

func (s *memStore) ListPlansByMandate(_ context.Context, mandateID string) ([]domain.Plan, error) {
	return s.filterPlans(0, func(p domain.Plan) bool { return p.MandateID == mandateID }, byCreated), nil
}

func (s *memStore) ListDuePlans(_ context.Context, before time.Time, limit int) ([]domain.Plan, error) {
	return s.filterPlans(limit, func(p domain.Plan) bool {
		return p.Status == domain.PlanScheduled && !p.OpensAt.After(before)
	}, byOpensAt), nil
}

func (s *memStore) ListStalePlans(_ context.Context, claimedBefore time.Time, limit int) ([]domain.Plan, error) {
	return s.filterPlans(limit, func(p domain.Plan) bool {
		return p.Status == domain.PlanRunning && p.ClaimedAt.Before(claimedBefore)
	}, byOpensAt), nil
}

func (s *memStore) ListUnsettledPlans(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Plan, error) {
	return s.filterPlans(limit, func(p domain.Plan) bool {
		return p.Status == domain.PlanSucceeded && p.SettledAt.IsZero() && p.UpdatedAt.Before(updatedBefore)
	}, byOpensAt), nil
}

func (s *memStore) filterPlans(limit int, keep func(domain.Plan) bool, less func(a, b domain.Plan) bool) []domain.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Plan
	for _, p := range s.plans {
		if keep(p) {
			out = append(out, clonePlan(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return clip(out, limit)
}

func byOpensAt(a, b domain.Plan) bool {
	if a.OpensAt.Equal(b.OpensAt) {
		return a.ID < b.ID
	}
	return a.OpensAt.Before(b.OpensAt)
}

func byCreated(a, b domain.Plan) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *memStore) UpdatePlanStatusIf(_ context.Context, id string, from, to domain.PlanStatus, u PlanUpdate) error {
	if !from.CanTransition(to) {
		return domain.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != from {
		return domain.ErrConflict
	}
	if u.RequireActiveMandate {
		if m, ok := s.mandates[p.MandateID]; !ok || m.Status != domain.MandateActive {
			return domain.ErrConflict
		}
	}
	at := normTime(u.At)
	p.Status = to
	p.UpdatedAt = at
	if to == domain.PlanRunning {
		p.ClaimedAt = at
	}
	if u.FailureReason != "" {
		p.FailureReason = u.FailureReason
	}
	if u.BookingRef != "" {
		p.BookingRef = u.BookingRef
	}
	if u.Reconcile {
		p.Reconcile = true
	}
	s.plans[id] = p
	return nil
}

func (s *memStore) ReclaimPlan(_ context.Context, id string, prev, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != domain.PlanRunning || !p.ClaimedAt.Equal(normTime(prev)) {
		return domain.ErrConflict
	}
	p.ClaimedAt = normTime(now)
	p.UpdatedAt = p.ClaimedAt
	s.plans[id] = p
	return nil
}

func (s *memStore) AnnotatePlan(_ context.Context, id string, a PlanAnnotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return domain.ErrNotFound
	}
	if a.Reconcile {
		p.Reconcile = true
	}
	if !a.SettledAt.IsZero() {
		p.SettledAt = normTime(a.SettledAt)
	}
	if a.Cancellation != domain.CancellationNone {
		p.Cancellation = a.Cancellation
	}
	if a.BookingRef != "" {
		p.BookingRef = a.BookingRef
	}
	if !a.At.IsZero() {
		p.UpdatedAt = normTime(a.At)
	}
	s.plans[id] = p
	return nil
}

func (s *memStore) PutAttempt(_ context.Context, a domain.ExecutionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.StartedAt = normTime(a.StartedAt)
	a.FinishedAt = normTime(a.FinishedAt)
	s.attempts[a.ID] = a
	return nil
}

func (s *memStore) ListAttempts(_ context.Context, planID string) ([]domain.ExecutionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExecutionAttempt
	for _, a := range s.attempts {
		if a.PlanID == planID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (s *memStore) PutStep(_ context.Context, st domain.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := stepKey{st.PlanID, st.Step}
	if _, ok := s.steps[k]; ok {
		return nil
	}
	st.At = normTime(st.At)
	s.steps[k] = st
	return nil
}

func (s *memStore) GetStep(_ context.Context, planID, step string) (domain.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepKey{planID, step}]
	if !ok {
		return domain.StepResult{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *memStore) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.audit[e.MandateID]
	for _, prev := range chain {
		if prev.Seq == e.Seq {
			return domain.ErrConflict
		}
	}
	e.Timestamp = normTime(e.Timestamp)
	e.Args = slices.Clone(e.Args)
	e.Result = slices.Clone(e.Result)
	chain = append(chain, e)
	sort.Slice(chain, func(i, j int) bool { return chain[i].Seq < chain[j].Seq })
	s.audit[e.MandateID] = chain
	return nil
}

func (s *memStore) LastAudit(_ context.Context, mandateID string) (domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.audit[mandateID]
	if len(chain) == 0 {
		return domain.AuditEntry{}, domain.ErrNotFound
	}
	return chain[len(chain)-1], nil
}

func (s *memStore) ListAudit(_ context.Context, mandateID string) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audit[mandateID]), nil
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) Close() error { return nil }

func cloneMandate(m domain.Mandate) domain.Mandate {
	m.Scopes = slices.Clone(m.Scopes)
	m.ValidFrom = normTime(m.ValidFrom)
	m.ValidUntil = normTime(m.ValidUntil)
	m.CreatedAt = normTime(m.CreatedAt)
	m.UpdatedAt = normTime(m.UpdatedAt)
	return m
}

func clonePlan(p domain.Plan) domain.Plan {
	p.Payload = slices.Clone(p.Payload)
	p.OpensAt = normTime(p.OpensAt)
	p.CreatedAt = normTime(p.CreatedAt)
	p.UpdatedAt = normTime(p.UpdatedAt)
	p.ClaimedAt = normTime(p.ClaimedAt)
	p.SettledAt = normTime(p.SettledAt)
	return p
}

func clip[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
