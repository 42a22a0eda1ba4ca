// Package dispatch claims due plans and hands them to the task engine.
//
// A claim is a conditional scheduled -> running update, so any number of
// scheduler instances may poll the same store: exactly one wins each plan.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"signupassist/internal/audit"
	"signupassist/internal/domain"
	"signupassist/internal/eventbus"
	"signupassist/internal/metrics"
	"signupassist/internal/storage"
	"signupassist/internal/task/engine"
	logx "signupassist/pkg/logx"
)

// TaskName is the engine task name of a plan execution.
const TaskName = "plan.execute"

type Config struct {
	// Lookahead claims plans opening within this window so the run can log in
	// and discover the form before the instant enrollment opens.
	Lookahead time.Duration
	// MissedGrace fails plans whose OpensAt is older than now-MissedGrace.
	MissedGrace time.Duration
	BatchSize   int
	// ClaimConcurrency bounds parallel claims within one tick.
	ClaimConcurrency int
	// ExecBudget is how long a run may take after OpensAt.
	ExecBudget time.Duration
	// StaleAfter is how old a running claim or an unsettled success must be
	// before RecoverStale picks it up.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Lookahead <= 0 {
		c.Lookahead = 5 * time.Minute
	}
	if c.MissedGrace <= 0 {
		c.MissedGrace = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ClaimConcurrency <= 0 {
		c.ClaimConcurrency = 8
	}
	if c.ExecBudget <= 0 {
		c.ExecBudget = 10 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	return c
}

// Executor runs one claimed plan to completion.
type Executor interface {
	Execute(ctx context.Context, planID string) error
}

// Enqueuer is the subset of the task engine dispatch needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// TickReport summarizes one Tick.
type TickReport struct {
	Due            int `json:"due"`
	Dispatched     int `json:"dispatched"`
	Lost           int `json:"lost"`
	Missed         int `json:"missed"`
	DispatchFailed int `json:"dispatch_failed"`
}

// RecoverReport summarizes one RecoverStale pass.
type RecoverReport struct {
	Stale     int `json:"stale"`
	Unsettled int `json:"unsettled"`
	Requeued  int `json:"requeued"`
}

type claimResult int

const (
	claimDispatched claimResult = iota
	claimLost
	claimMissed
	claimDispatchFailed
)

type Scheduler struct {
	mu      sync.RWMutex
	cfg     Config
	store   storage.Store
	ledger  *audit.Ledger
	engine  Enqueuer
	exec    Executor
	bus     eventbus.Bus
	log     logx.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(cfg Config, store storage.Store, ledger *audit.Ledger, eng Enqueuer, exec Executor, bus eventbus.Bus, log logx.Logger, m *metrics.Metrics) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		store:   store,
		ledger:  ledger,
		engine:  eng,
		exec:    exec,
		bus:     bus,
		log:     log.With(logx.String("comp", "dispatch")),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. It is meant for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Apply swaps the polling parameters.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Tick claims every scheduled plan opening before now+Lookahead.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	now := s.now()
	cfg := s.config()
	s.metrics.IncTick()

	due, err := s.store.ListDuePlans(ctx, now.Add(cfg.Lookahead), cfg.BatchSize)
	if err != nil {
		return TickReport{}, fmt.Errorf("list due plans: %w", err)
	}
	rep := TickReport{Due: len(due)}
	if len(due) == 0 {
		return rep, nil
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(cfg.ClaimConcurrency)
	for _, p := range due {
		g.Go(func() error {
			missed := p.OpensAt.Before(now.Add(-cfg.MissedGrace))
			res, err := s.claim(ctx, p, now, missed)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			switch res {
			case claimDispatched:
				rep.Dispatched++
			case claimLost:
				rep.Lost++
			case claimMissed:
				rep.Missed++
			case claimDispatchFailed:
				rep.DispatchFailed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if rep.Dispatched+rep.Missed+rep.DispatchFailed > 0 {
		s.log.Info("tick", logx.Int("due", rep.Due), logx.Int("dispatched", rep.Dispatched),
			logx.Int("lost", rep.Lost), logx.Int("missed", rep.Missed), logx.Int("dispatch_failed", rep.DispatchFailed))
	}
	return rep, errors.Join(errs...)
}

// DispatchNow claims a scheduled plan immediately, bypassing the tick.
func (s *Scheduler) DispatchNow(ctx context.Context, planID string) error {
	p, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if p.Status != domain.PlanScheduled {
		return fmt.Errorf("plan %s is %s: %w", planID, p.Status, domain.ErrInvalidState)
	}
	res, err := s.claim(ctx, p, s.now(), false)
	if err != nil {
		return err
	}
	switch res {
	case claimLost:
		return fmt.Errorf("plan %s claimed elsewhere: %w", planID, domain.ErrConflict)
	case claimDispatchFailed:
		return fmt.Errorf("plan %s: %w", planID, domain.ErrDispatchError)
	}
	return nil
}

func (s *Scheduler) claim(ctx context.Context, p domain.Plan, now time.Time, missed bool) (claimResult, error) {
	err := s.store.UpdatePlanStatusIf(ctx, p.ID, domain.PlanScheduled, domain.PlanRunning, storage.PlanUpdate{At: now})
	switch {
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		s.metrics.IncClaim("lost")
		s.log.Debug("claim lost", logx.String("plan_id", p.ID))
		return claimLost, nil
	case err != nil:
		s.metrics.IncClaim("error")
		return 0, fmt.Errorf("claim %s: %w", p.ID, err)
	}
	s.record(ctx, p, audit.ToolSchedulerClaim, domain.DecisionAllowed,
		map[string]any{"plan_id": p.ID, "opens_at": p.OpensAt, "claimed_at": now},
		map[string]any{"status": domain.PlanRunning})

	if missed {
		s.metrics.IncClaim("missed")
		s.fail(ctx, p, now, fmt.Errorf("missed window opened at %s: %w", p.OpensAt.Format(time.RFC3339), domain.ErrDispatchError))
		return claimMissed, nil
	}

	timeout := max(p.OpensAt.Sub(now), 0) + s.config().ExecBudget
	if err := s.enqueue(ctx, p, timeout); err != nil {
		s.metrics.IncClaim("dispatch_failed")
		s.fail(ctx, p, now, fmt.Errorf("enqueue: %v: %w", err, domain.ErrDispatchError))
		return claimDispatchFailed, nil
	}
	s.metrics.IncClaim("won")
	s.publish("plan.claimed", p, domain.PlanRunning, "")
	return claimDispatched, nil
}

// enqueue hands the plan to the engine. The run waits until the dispatch
// entry is in the ledger so the chain reads claim, dispatch, execution.
func (s *Scheduler) enqueue(ctx context.Context, p domain.Plan, timeout time.Duration) error {
	ready := make(chan struct{})
	task := engine.Task{
		Name:           TaskName,
		ConcurrencyKey: p.ID,
		Timeout:        timeout,
		Opt:            engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			select {
			case <-ready:
			case <-ctx.Done():
				return ctx.Err()
			}
			return s.exec.Execute(ctx, p.ID)
		},
	}
	if err := s.engine.Enqueue(task); err != nil {
		return err
	}
	defer close(ready)
	s.record(ctx, p, audit.ToolSchedulerDispatch, domain.DecisionAllowed,
		map[string]any{"plan_id": p.ID, "task": TaskName},
		map[string]any{"timeout": timeout.String()})
	return nil
}

func (s *Scheduler) fail(ctx context.Context, p domain.Plan, now time.Time, cause error) {
	code := domain.Code(cause)
	err := s.store.UpdatePlanStatusIf(ctx, p.ID, domain.PlanRunning, domain.PlanFailed, storage.PlanUpdate{At: now, FailureReason: code})
	if err != nil {
		s.log.Error("failing undispatched plan", logx.String("plan_id", p.ID), logx.Err(err))
		return
	}
	s.record(ctx, p, audit.ToolSchedulerDispatch, domain.DecisionDenied,
		map[string]any{"plan_id": p.ID, "task": TaskName},
		map[string]any{"error": code, "message": cause.Error()})
	s.publish("plan.failed", p, domain.PlanFailed, code)
	s.log.Warn("plan not dispatched", logx.String("plan_id", p.ID), logx.String("code", code), logx.Err(cause))
}

// RecoverStale re-enqueues running plans whose claim went stale (the worker
// or process died) and succeeded plans whose billing never settled. The
// orchestrator resumes both from the step journal.
func (s *Scheduler) RecoverStale(ctx context.Context) (RecoverReport, error) {
	now := s.now()
	cfg := s.config()
	cutoff := now.Add(-cfg.StaleAfter)
	var rep RecoverReport

	stale, err := s.store.ListStalePlans(ctx, cutoff, cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list stale plans: %w", err)
	}
	rep.Stale = len(stale)
	for _, p := range stale {
		if err := s.store.ReclaimPlan(ctx, p.ID, p.ClaimedAt, now); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return rep, fmt.Errorf("reclaim %s: %w", p.ID, err)
		}
		s.record(ctx, p, audit.ToolSchedulerClaim, domain.DecisionAllowed,
			map[string]any{"plan_id": p.ID, "previous_claim": p.ClaimedAt, "claimed_at": now},
			map[string]any{"status": domain.PlanRunning, "recovered": true})
		if s.requeue(ctx, p) {
			rep.Requeued++
		}
	}

	unsettled, err := s.store.ListUnsettledPlans(ctx, cutoff, cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list unsettled plans: %w", err)
	}
	rep.Unsettled = len(unsettled)
	for _, p := range unsettled {
		if s.requeue(ctx, p) {
			rep.Requeued++
		}
	}
	if rep.Stale+rep.Unsettled > 0 {
		s.log.Info("recovery", logx.Int("stale", rep.Stale), logx.Int("unsettled", rep.Unsettled), logx.Int("requeued", rep.Requeued))
	}
	return rep, nil
}

func (s *Scheduler) requeue(ctx context.Context, p domain.Plan) bool {
	err := s.enqueue(ctx, p, s.config().ExecBudget)
	switch {
	case err == nil:
		s.metrics.IncClaim("recovered")
		return true
	case errors.Is(err, engine.ErrOverlapSkip):
		return false
	default:
		s.log.Warn("requeue failed", logx.String("plan_id", p.ID), logx.Err(err))
		return false
	}
}

func (s *Scheduler) record(ctx context.Context, p domain.Plan, tool string, decision domain.Decision, args, result any) {
	if _, err := s.ledger.Record(ctx, audit.Record{
		MandateID: p.MandateID, PlanID: p.ID, Tool: tool,
		Args: args, Result: result, Decision: decision,
	}); err != nil {
		s.log.Error("audit write failed", logx.String("plan_id", p.ID), logx.String("tool", tool), logx.Err(err))
	}
}

func (s *Scheduler) publish(typ string, p domain.Plan, status domain.PlanStatus, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(),
		Data: eventbus.PlanEvent{MandateID: p.MandateID, PlanID: p.ID, Status: string(status), Reason: reason}})
}
