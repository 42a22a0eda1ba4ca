package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"signupassist/internal/domain"
	logx "signupassist/pkg/logx"
)

// dialect captures the differences between the SQL drivers. Queries are
// written with '?' placeholders and rebound for drivers that number them.
type dialect struct {
	name     string
	numbered bool
}

var (
	dialectSQLite   = dialect{name: "sqlite"}
	dialectPostgres = dialect{name: "postgres", numbered: true}
)

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: d, log: log.With(logx.String("driver", d.name))}
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface{ Scan(dest ...any) error }

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// ---- mandates

const mandateColumns = `id, subject, provider, org_ref, scopes, max_amount_cents, valid_from, valid_until,
 status, credential_ref, payment_ref, max_advance, created_at, updated_at`

func scanMandate(r scanner) (domain.Mandate, error) {
	var (
		m                                       domain.Mandate
		scopes, status                          string
		from, until, maxAdvance, created, updtd int64
	)
	err := r.Scan(&m.ID, &m.Subject, &m.Provider, &m.OrgRef, &scopes, &m.MaxAmountCents, &from, &until,
		&status, &m.CredentialRef, &m.PaymentRef, &maxAdvance, &created, &updtd)
	if err != nil {
		return domain.Mandate{}, notFound(err)
	}
	if err := json.Unmarshal([]byte(scopes), &m.Scopes); err != nil {
		return domain.Mandate{}, fmt.Errorf("decode scopes of %s: %w", m.ID, err)
	}
	m.Status = domain.MandateStatus(status)
	m.ValidFrom, m.ValidUntil = fromNanos(from), fromNanos(until)
	m.MaxAdvance = time.Duration(maxAdvance)
	m.CreatedAt, m.UpdatedAt = fromNanos(created), fromNanos(updtd)
	return m, nil
}

func (s *sqlStore) CreateMandate(ctx context.Context, m domain.Mandate) error {
	scopes, err := json.Marshal(m.Scopes)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `INSERT INTO mandates (`+mandateColumns+`)
 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Subject, m.Provider, m.OrgRef, string(scopes), m.MaxAmountCents,
		toNanos(m.ValidFrom), toNanos(m.ValidUntil), string(m.Status), m.CredentialRef, m.PaymentRef,
		int64(m.MaxAdvance), toNanos(m.CreatedAt), toNanos(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert mandate: %w", err)
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (s *sqlStore) GetMandate(ctx context.Context, id string) (domain.Mandate, error) {
	return scanMandate(s.queryRow(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE id = ?`, id))
}

func (s *sqlStore) UpdateMandateStatusIf(ctx context.Context, id string, from, to domain.MandateStatus, at time.Time) error {
	if !from.CanTransition(to) {
		return domain.ErrInvalidState
	}
	res, err := s.exec(ctx, `UPDATE mandates SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toNanos(at), id, string(from))
	if err != nil {
		return fmt.Errorf("update mandate status: %w", err)
	}
	return s.settleCAS(ctx, res, "mandates", id)
}

// settleCAS turns a zero-row conditional update into ErrNotFound or ErrConflict.
func (s *sqlStore) settleCAS(ctx context.Context, res sql.Result, table, id string) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.queryRow(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if err != nil {
		return notFound(err)
	}
	return domain.ErrConflict
}

func (s *sqlStore) ListExpiredMandates(ctx context.Context, now time.Time, limit int) ([]domain.Mandate, error) {
	rows, err := s.query(ctx, `SELECT `+mandateColumns+` FROM mandates
 WHERE status = ? AND valid_until < ? ORDER BY valid_until LIMIT ?`,
		string(domain.MandateActive), toNanos(now), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list expired mandates: %w", err)
	}
	defer rows.Close()
	var out []domain.Mandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

// ---- plans

const planColumns = `id, mandate_id, program_ref, participant_ref, opens_at, payload,
 max_provider_charge_cents, service_fee_cents, status, failure_reason, booking_ref,
 created_at, updated_at, claimed_at, reconcile, settled_at, cancellation`

func scanPlan(r scanner) (domain.Plan, error) {
	var (
		p                                           domain.Plan
		payload                                     sql.NullString
		status, cancellation                        string
		opens, created, updtd, claimed, settled, rc int64
	)
	err := r.Scan(&p.ID, &p.MandateID, &p.ProgramRef, &p.ParticipantRef, &opens, &payload,
		&p.MaxProviderChargeCents, &p.ServiceFeeCents, &status, &p.FailureReason, &p.BookingRef,
		&created, &updtd, &claimed, &rc, &settled, &cancellation)
	if err != nil {
		return domain.Plan{}, notFound(err)
	}
	if payload.Valid && payload.String != "" {
		p.Payload = json.RawMessage(payload.String)
	}
	p.Status = domain.PlanStatus(status)
	p.Cancellation = domain.CancellationState(cancellation)
	p.OpensAt = fromNanos(opens)
	p.CreatedAt, p.UpdatedAt = fromNanos(created), fromNanos(updtd)
	p.ClaimedAt, p.SettledAt = fromNanos(claimed), fromNanos(settled)
	p.Reconcile = rc != 0
	return p, nil
}

func (s *sqlStore) CreatePlan(ctx context.Context, p domain.Plan) error {
	var one int
	if err := s.queryRow(ctx, `SELECT 1 FROM mandates WHERE id = ?`, p.MandateID).Scan(&one); err != nil {
		return notFound(err)
	}
	var payload any
	if len(p.Payload) > 0 {
		payload = string(p.Payload)
	}
	res, err := s.exec(ctx, `INSERT INTO plans (`+planColumns+`)
 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT (id) DO NOTHING`,
		p.ID, p.MandateID, p.ProgramRef, p.ParticipantRef, toNanos(p.OpensAt), payload,
		p.MaxProviderChargeCents, p.ServiceFeeCents, string(p.Status), p.FailureReason, p.BookingRef,
		toNanos(p.CreatedAt), toNanos(p.UpdatedAt), toNanos(p.ClaimedAt), boolInt(p.Reconcile),
		toNanos(p.SettledAt), string(p.Cancellation))
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (s *sqlStore) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	return scanPlan(s.queryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id))
}

func (s *sqlStore) listPlans(ctx context.Context, where string, args ...any) ([]domain.Plan, error) {
	rows, err := s.query(ctx, `SELECT `+planColumns+` FROM plans WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()
	var out []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListPlansByMandate(ctx context.Context, mandateID string) ([]domain.Plan, error) {
	return s.listPlans(ctx, `mandate_id = ? ORDER BY created_at, id`, mandateID)
}

func (s *sqlStore) ListDuePlans(ctx context.Context, before time.Time, limit int) ([]domain.Plan, error) {
	return s.listPlans(ctx, `status = ? AND opens_at <= ? ORDER BY opens_at, id LIMIT ?`,
		string(domain.PlanScheduled), toNanos(before), limitOrAll(limit))
}

func (s *sqlStore) ListStalePlans(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.Plan, error) {
	return s.listPlans(ctx, `status = ? AND claimed_at < ? ORDER BY opens_at, id LIMIT ?`,
		string(domain.PlanRunning), toNanos(claimedBefore), limitOrAll(limit))
}

func (s *sqlStore) ListUnsettledPlans(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Plan, error) {
	return s.listPlans(ctx, `status = ? AND settled_at = 0 AND updated_at < ? ORDER BY opens_at, id LIMIT ?`,
		string(domain.PlanSucceeded), toNanos(updatedBefore), limitOrAll(limit))
}

func (s *sqlStore) UpdatePlanStatusIf(ctx context.Context, id string, from, to domain.PlanStatus, u PlanUpdate) error {
	if !from.CanTransition(to) {
		return domain.ErrInvalidState
	}
	at := toNanos(u.At)
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), at}
	if to == domain.PlanRunning {
		sets = append(sets, "claimed_at = ?")
		args = append(args, at)
	}
	if u.FailureReason != "" {
		sets = append(sets, "failure_reason = ?")
		args = append(args, u.FailureReason)
	}
	if u.BookingRef != "" {
		sets = append(sets, "booking_ref = ?")
		args = append(args, u.BookingRef)
	}
	if u.Reconcile {
		sets = append(sets, "reconcile = 1")
	}
	where := "id = ? AND status = ?"
	args = append(args, id, string(from))
	if u.RequireActiveMandate {
		where += " AND EXISTS (SELECT 1 FROM mandates m WHERE m.id = plans.mandate_id AND m.status = ?)"
		args = append(args, string(domain.MandateActive))
	}
	res, err := s.exec(ctx, `UPDATE plans SET `+strings.Join(sets, ", ")+` WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	return s.settleCAS(ctx, res, "plans", id)
}

func (s *sqlStore) ReclaimPlan(ctx context.Context, id string, prev, now time.Time) error {
	res, err := s.exec(ctx, `UPDATE plans SET claimed_at = ?, updated_at = ? WHERE id = ? AND status = ? AND claimed_at = ?`,
		toNanos(now), toNanos(now), id, string(domain.PlanRunning), toNanos(prev))
	if err != nil {
		return fmt.Errorf("reclaim plan: %w", err)
	}
	return s.settleCAS(ctx, res, "plans", id)
}

func (s *sqlStore) AnnotatePlan(ctx context.Context, id string, a PlanAnnotation) error {
	var (
		sets []string
		args []any
	)
	if a.Reconcile {
		sets = append(sets, "reconcile = 1")
	}
	if !a.SettledAt.IsZero() {
		sets = append(sets, "settled_at = ?")
		args = append(args, toNanos(a.SettledAt))
	}
	if a.Cancellation != domain.CancellationNone {
		sets = append(sets, "cancellation = ?")
		args = append(args, string(a.Cancellation))
	}
	if a.BookingRef != "" {
		sets = append(sets, "booking_ref = ?")
		args = append(args, a.BookingRef)
	}
	if !a.At.IsZero() {
		sets = append(sets, "updated_at = ?")
		args = append(args, toNanos(a.At))
	}
	if len(sets) == 0 {
		_, err := s.GetPlan(ctx, id)
		return err
	}
	args = append(args, id)
	res, err := s.exec(ctx, `UPDATE plans SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("annotate plan: %w", err)
	}
	return s.settleCAS(ctx, res, "plans", id)
}

// ---- attempts

const attemptColumns = `id, plan_id, started_at, finished_at, outcome, booking_ref, failure_reason,
 charged_amount_cents, fee_charge_id, billing_failed, login_attempts`

func (s *sqlStore) PutAttempt(ctx context.Context, a domain.ExecutionAttempt) error {
	_, err := s.exec(ctx, `INSERT INTO attempts (`+attemptColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
 ON CONFLICT (id) DO UPDATE SET finished_at = excluded.finished_at, outcome = excluded.outcome,
 booking_ref = excluded.booking_ref, failure_reason = excluded.failure_reason,
 charged_amount_cents = excluded.charged_amount_cents, fee_charge_id = excluded.fee_charge_id,
 billing_failed = excluded.billing_failed, login_attempts = excluded.login_attempts`,
		a.ID, a.PlanID, toNanos(a.StartedAt), toNanos(a.FinishedAt), string(a.Outcome), a.BookingRef,
		a.FailureReason, a.ChargedAmountCents, a.FeeChargeID, boolInt(a.BillingFailed), a.LoginAttempts)
	if err != nil {
		return fmt.Errorf("put attempt: %w", err)
	}
	return nil
}

func (s *sqlStore) ListAttempts(ctx context.Context, planID string) ([]domain.ExecutionAttempt, error) {
	rows, err := s.query(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE plan_id = ? ORDER BY started_at, id`, planID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []domain.ExecutionAttempt
	for rows.Next() {
		var (
			a                domain.ExecutionAttempt
			outcome          string
			started, fin, bf int64
		)
		if err := rows.Scan(&a.ID, &a.PlanID, &started, &fin, &outcome, &a.BookingRef, &a.FailureReason,
			&a.ChargedAmountCents, &a.FeeChargeID, &bf, &a.LoginAttempts); err != nil {
			return nil, err
		}
		a.StartedAt, a.FinishedAt = fromNanos(started), fromNanos(fin)
		a.Outcome = domain.Outcome(outcome)
		a.BillingFailed = bf != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- step journal

func (s *sqlStore) PutStep(ctx context.Context, st domain.StepResult) error {
	_, err := s.exec(ctx, `INSERT INTO steps (plan_id, step, idem_key, booking_ref, charged_amount_cents, charge_id, done_at)
 VALUES (?,?,?,?,?,?,?) ON CONFLICT (plan_id, step) DO NOTHING`,
		st.PlanID, st.Step, st.Key, st.BookingRef, st.ChargedAmountCents, st.ChargeID, toNanos(st.At))
	if err != nil {
		return fmt.Errorf("put step: %w", err)
	}
	return nil
}

func (s *sqlStore) GetStep(ctx context.Context, planID, step string) (domain.StepResult, error) {
	var (
		st domain.StepResult
		at int64
	)
	err := s.queryRow(ctx, `SELECT plan_id, step, idem_key, booking_ref, charged_amount_cents, charge_id, done_at
 FROM steps WHERE plan_id = ? AND step = ?`, planID, step).
		Scan(&st.PlanID, &st.Step, &st.Key, &st.BookingRef, &st.ChargedAmountCents, &st.ChargeID, &at)
	if err != nil {
		return domain.StepResult{}, notFound(err)
	}
	st.At = fromNanos(at)
	return st, nil
}

// ---- audit

const auditColumns = `id, mandate_id, plan_id, seq, tool, args, result, args_hash, result_hash,
 decision, ts, prev_hash, entry_hash`

func scanAudit(r scanner) (domain.AuditEntry, error) {
	var (
		e                      domain.AuditEntry
		args, result, decision string
		ts                     int64
	)
	err := r.Scan(&e.ID, &e.MandateID, &e.PlanID, &e.Seq, &e.Tool, &args, &result, &e.ArgsHash,
		&e.ResultHash, &decision, &ts, &e.PrevHash, &e.EntryHash)
	if err != nil {
		return domain.AuditEntry{}, notFound(err)
	}
	e.Args, e.Result = json.RawMessage(args), json.RawMessage(result)
	e.Decision = domain.Decision(decision)
	e.Timestamp = fromNanos(ts)
	return e, nil
}

func (s *sqlStore) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	res, err := s.exec(ctx, `INSERT INTO audit (`+auditColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
 ON CONFLICT (mandate_id, seq) DO NOTHING`,
		e.ID, e.MandateID, e.PlanID, e.Seq, e.Tool, string(e.Args), string(e.Result), e.ArgsHash,
		e.ResultHash, string(e.Decision), toNanos(e.Timestamp), e.PrevHash, e.EntryHash)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (s *sqlStore) LastAudit(ctx context.Context, mandateID string) (domain.AuditEntry, error) {
	return scanAudit(s.queryRow(ctx, `SELECT `+auditColumns+` FROM audit WHERE mandate_id = ? ORDER BY seq DESC LIMIT 1`, mandateID))
}

func (s *sqlStore) ListAudit(ctx context.Context, mandateID string) ([]domain.AuditEntry, error) {
	rows, err := s.query(ctx, `SELECT `+auditColumns+` FROM audit WHERE mandate_id = ? ORDER BY seq`, mandateID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
