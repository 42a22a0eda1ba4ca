package storage

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signupassist/internal/domain"
	logx "signupassist/pkg/logx"
)

func TestRebind(t *testing.T) {
	t.Parallel()
	q := `UPDATE plans SET status = ? WHERE id = ? AND status = ?`
	assert.Equal(t, q, dialectSQLite.rebind(q))
	assert.Equal(t, `UPDATE plans SET status = $1 WHERE id = $2 AND status = $3`, dialectPostgres.rebind(q))
}

func TestPostgresClaimUsesNumberedPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := newSQLStore(db, dialectPostgres, logx.Nop())

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plans SET status = $1, updated_at = $2, claimed_at = $3 WHERE id = $4 AND status = $5`)).
		WithArgs("running", toNanos(t0), toNanos(t0), "pln_1", "scheduled").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = st.UpdatePlanStatusIf(context.Background(), "pln_1", domain.PlanScheduled, domain.PlanRunning, PlanUpdate{At: t0})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLostClaimIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := newSQLStore(db, dialectPostgres, logx.Nop())

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plans SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM plans WHERE id = $1`)).
		WithArgs("pln_1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	err = st.UpdatePlanStatusIf(context.Background(), "pln_1", domain.PlanScheduled, domain.PlanRunning, PlanUpdate{At: t0})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSucceedChecksMandateInSameStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := newSQLStore(db, dialectPostgres, logx.Nop())

	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $3 AND status = $4 AND EXISTS (SELECT 1 FROM mandates m WHERE m.id = plans.mandate_id AND m.status = $5)`)).
		WithArgs("succeeded", toNanos(t0), "pln_1", "running", "active").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = st.UpdatePlanStatusIf(context.Background(), "pln_1", domain.PlanRunning, domain.PlanSucceeded, PlanUpdate{At: t0, RequireActiveMandate: true})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAuditDuplicateSeqIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := newSQLStore(db, dialectPostgres, logx.Nop())

	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (mandate_id, seq) DO NOTHING`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = st.AppendAudit(context.Background(), domain.AuditEntry{ID: "aud_1", MandateID: "mdt_1", Seq: 3})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetMissingPlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := newSQLStore(db, dialectPostgres, logx.Nop())

	mock.ExpectQuery(regexp.QuoteMeta(`FROM plans WHERE id = $1`)).
		WithArgs("pln_404").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = st.GetPlan(context.Background(), "pln_404")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
