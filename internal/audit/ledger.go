// Package audit keeps the append-only, hash-chained record of every
// sensitive action taken under a mandate.
//
// Each entry stores the canonical JSON (RFC 8785) of its arguments and
// result, their sha256 hashes, a per-mandate sequence number and the hash
// of the previous entry. EntryHash covers all of those, so editing, dropping
// or reordering any entry breaks Verify.
package audit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"signupassist/internal/canon"
	"signupassist/internal/domain"
	"signupassist/internal/metrics"
	"signupassist/internal/storage"
	logx "signupassist/pkg/logx"
)

// Tool names recorded in the ledger.
const (
	ToolMandateIssue      = "mandate.issue"
	ToolMandateRevoke     = "mandate.revoke"
	ToolMandateExpire     = "mandate.expire"
	ToolPlanCreate        = "plan.create"
	ToolPlanCancel        = "plan.cancel"
	ToolSchedulerClaim    = "scheduler.claim"
	ToolSchedulerDispatch = "scheduler.dispatch"
	ToolMandateCheck      = "mandate.check"
	ToolProviderLogin     = "provider.login"
	ToolProviderDiscover  = "provider.discover"
	ToolProviderSubmit    = "provider.submit"
	ToolCapCheck          = "execution.cap_check"
	ToolPlanComplete      = "plan.complete"
	ToolBillingCharge     = "billing.charge"
	ToolBillingRefund     = "billing.refund"
	ToolProviderCancel    = "provider.cancel"
	ToolCancelledRefunded = "cancelled+refunded"
	ToolCancelRejected    = "cancellation_rejected"
)

const maxAppendAttempts = 5

// Record is one action to append.
type Record struct {
	MandateID string
	PlanID    string
	Tool      string
	Args      any
	Result    any
	Decision  domain.Decision
}

// Ledger appends and verifies audit chains.
type Ledger struct {
	store   storage.Store
	log     logx.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// Striped by mandate id; writers in other processes are serialized by
	// the store's (mandate_id, seq) guard instead.
	locks [32]sync.Mutex
}

func New(store storage.Store, log logx.Logger, m *metrics.Metrics) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{
		store:   store,
		log:     log.With(logx.String("comp", "audit")),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. It is meant for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) lockFor(mandateID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(mandateID))
	return &l.locks[h.Sum32()%uint32(len(l.locks))]
}

// Record appends r to its mandate's chain and returns the stored entry.
func (l *Ledger) Record(ctx context.Context, r Record) (domain.AuditEntry, error) {
	if r.MandateID == "" || r.Tool == "" {
		return domain.AuditEntry{}, fmt.Errorf("audit record: %w", domain.ErrInvalidArgument)
	}
	if r.Decision == "" {
		r.Decision = domain.DecisionAllowed
	}
	args, err := canon.JSON(r.Args)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("audit args: %w", err)
	}
	result, err := canon.JSON(r.Result)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("audit result: %w", err)
	}

	mu := l.lockFor(r.MandateID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 1; ; attempt++ {
		e, err := l.next(ctx, r, args, result)
		if err != nil {
			return domain.AuditEntry{}, err
		}
		err = l.store.AppendAudit(ctx, e)
		if err == nil {
			l.metrics.IncAudit(string(e.Decision))
			return e, nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= maxAppendAttempts {
			return domain.AuditEntry{}, fmt.Errorf("append audit %s: %w", r.Tool, err)
		}
		l.log.Debug("audit seq taken, retrying",
			logx.String("mandate_id", r.MandateID), logx.Int64("seq", e.Seq), logx.Int("attempt", attempt))
	}
}

// next builds the entry that would follow the current head of the chain.
func (l *Ledger) next(ctx context.Context, r Record, args, result []byte) (domain.AuditEntry, error) {
	var (
		seq  int64 = 1
		prev string
		ts   = l.now().UTC()
	)
	head, err := l.store.LastAudit(ctx, r.MandateID)
	switch {
	case err == nil:
		seq = head.Seq + 1
		prev = head.EntryHash
		if !ts.After(head.Timestamp) {
			ts = head.Timestamp.Add(time.Microsecond)
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return domain.AuditEntry{}, fmt.Errorf("audit head: %w", err)
	}

	e := domain.AuditEntry{
		ID:         domain.NewID("aud"),
		MandateID:  r.MandateID,
		PlanID:     r.PlanID,
		Seq:        seq,
		Tool:       r.Tool,
		Args:       args,
		Result:     result,
		ArgsHash:   canon.HashBytes(args),
		ResultHash: canon.HashBytes(result),
		Decision:   r.Decision,
		Timestamp:  ts,
		PrevHash:   prev,
	}
	e.EntryHash, err = EntryHash(e)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	return e, nil
}

// EntryHash computes the chain hash of e from its content fields.
func EntryHash(e domain.AuditEntry) (string, error) {
	return canon.Hash(struct {
		Seq        int64  `json:"seq"`
		MandateID  string `json:"mandate_id"`
		PlanID     string `json:"plan_id"`
		Tool       string `json:"tool"`
		ArgsHash   string `json:"args_hash"`
		ResultHash string `json:"result_hash"`
		Decision   string `json:"decision"`
		Timestamp  string `json:"timestamp"`
		PrevHash   string `json:"prev_hash"`
	}{
		Seq:        e.Seq,
		MandateID:  e.MandateID,
		PlanID:     e.PlanID,
		Tool:       e.Tool,
		ArgsHash:   e.ArgsHash,
		ResultHash: e.ResultHash,
		Decision:   string(e.Decision),
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:   e.PrevHash,
	})
}

// List returns the chain of a mandate in order.
func (l *Ledger) List(ctx context.Context, mandateID string) ([]domain.AuditEntry, error) {
	return l.store.ListAudit(ctx, mandateID)
}

// ListByPlan returns the entries of a mandate's chain that concern planID.
func (l *Ledger) ListByPlan(ctx context.Context, mandateID, planID string) ([]domain.AuditEntry, error) {
	all, err := l.store.ListAudit(ctx, mandateID)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, e := range all {
		if e.PlanID == planID {
			out = append(out, e)
		}
	}
	return out, nil
}
