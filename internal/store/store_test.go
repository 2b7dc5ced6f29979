package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

var fixedNow = time.Date(2025, 1, 8, 10, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, logger.NewTestLogger(t)).WithClock(func() time.Time { return fixedNow }), mock
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

var paymentRowColumns = []string{
	"id", "user_id", "package_id", "subscription_id", "amount", "currency", "payment_method",
	"payment_reference", "status", "failure_reason", "created_at", "updated_at", "name",
}

func paymentRow(id int64, status string, subID interface{}) *sqlmock.Rows {
	return sqlmock.NewRows(paymentRowColumns).AddRow(
		id, "user-1", int64(2), subID, "8500", "UGX", "mobile_money",
		"ref-1", status, "", fixedNow, fixedNow, "Weekly")
}

var subscriptionRowColumns = []string{
	"id", "user_id", "package_id", "start_date", "end_date", "status", "payment_method",
	"payment_reference", "auto_renew", "created_at",
	"pk_id", "pk_name", "pk_description", "pk_price", "pk_duration_days", "pk_features",
}

func subscriptionRow(id int64) *sqlmock.Rows {
	return sqlmock.NewRows(subscriptionRowColumns).AddRow(
		id, "user-1", int64(2), fixedNow, fixedNow.AddDate(0, 0, 7), "active", "mobile_money",
		"ref-1", false, fixedNow,
		int64(2), "Weekly", "Unlimited WiFi access for 7 days", "8500", 7, "{\"Unlimited WiFi access\",\"Valid for 7 days\"}")
}

// ==========================
// Package Tests
// ==========================

func TestStore_ListPackages_OrderedByDuration(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(q("FROM packages ORDER BY duration_days ASC")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "price", "duration_days", "features"}).
			AddRow(int64(1), "Daily", "24 hours", "1500", 1, "{\"Unlimited WiFi access\"}").
			AddRow(int64(2), "Weekly", "7 days", "8500", 7, "{}").
			AddRow(int64(3), "Monthly", "30 days", "35000", 30, "{}"))

	pkgs, err := s.ListPackages(context.Background())
	require.NoError(t, err)
	require.Len(t, pkgs, 3)
	assert.Equal(t, "Daily", pkgs[0].Name)
	assert.True(t, decimal.NewFromInt(1500).Equal(pkgs[0].Price))
	assert.Equal(t, []string{"Unlimited WiFi access"}, pkgs[0].Features)
	assert.Equal(t, 30, pkgs[2].DurationDays)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetPackage(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectQuery(q("FROM packages WHERE id = $1")).WithArgs(int64(99)).WillReturnError(sql.ErrNoRows)

		_, err := s.GetPackage(context.Background(), 99)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("database error becomes persistence error", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectQuery(q("FROM packages WHERE id = $1")).WithArgs(int64(1)).WillReturnError(errors.New("conn refused"))

		_, err := s.GetPackage(context.Background(), 1)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePersistence))
	})
}

// ==========================
// Payment Tests
// ==========================

func TestStore_CreatePayment(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(q("INSERT INTO payments")).
		WithArgs("user-1", int64(2), decimal.NewFromInt(8500), "UGX", "mobile_money", "ref-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
	mock.ExpectQuery(q("WHERE p.id = $1")).WithArgs(int64(10)).WillReturnRows(paymentRow(10, "pending", nil))

	p, err := s.CreatePayment(context.Background(), NewPayment{
		UserID:    "user-1",
		PackageID: 2,
		Amount:    decimal.NewFromInt(8500),
		Reference: "ref-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, p.Status)
	assert.Equal(t, "Weekly", p.PackageName)
	assert.Nil(t, p.SubscriptionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdatePaymentStatus(t *testing.T) {
	tests := []struct {
		name          string
		rowsAffected  int64
		currentStatus string
		target        models.PaymentStatus
		expectErr     error
	}{
		{name: "pending to failed", rowsAffected: 1, currentStatus: "failed", target: models.PaymentFailed},
		{name: "repeat of same terminal write is a no-op", rowsAffected: 0, currentStatus: "failed", target: models.PaymentFailed},
		{name: "completed cannot become failed", rowsAffected: 0, currentStatus: "completed", target: models.PaymentFailed, expectErr: ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStore(t)
			mock.ExpectExec(q("UPDATE payments SET status = $2")).
				WithArgs(int64(10), string(tt.target), "timeout").
				WillReturnResult(sqlmock.NewResult(0, tt.rowsAffected))
			mock.ExpectQuery(q("WHERE p.id = $1")).WithArgs(int64(10)).
				WillReturnRows(paymentRow(10, tt.currentStatus, nil))

			p, err := s.UpdatePaymentStatus(context.Background(), 10, tt.target, "timeout")
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.target, p.Status)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_LinkPaymentSubscription_Missing(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(q("UPDATE payments SET subscription_id")).WithArgs(int64(1), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.LinkPaymentSubscription(context.Background(), 1, 5), ErrNotFound)
}

// ==========================
// Fulfilment Tests
// ==========================

func expectLockPayment(mock sqlmock.Sqlmock, status string, linked interface{}) {
	mock.ExpectQuery(q("FROM payments WHERE id = $1 FOR UPDATE")).WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "package_id", "payment_method", "payment_reference", "status", "subscription_id"}).
			AddRow("user-1", int64(2), "mobile_money", "ref-1", status, linked))
}

func expectUserLock(mock sqlmock.Sqlmock, userID string) {
	mock.ExpectExec(q("pg_advisory_xact_lock")).WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestStore_FulfilPayment_Success(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	expectLockPayment(mock, "pending", nil)
	expectUserLock(mock, "user-1")
	mock.ExpectQuery(q("SELECT duration_days FROM packages")).WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"duration_days"}).AddRow(7))
	mock.ExpectExec(q("UPDATE subscriptions SET status = 'cancelled'")).WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("INSERT INTO subscriptions")).
		WithArgs("user-1", int64(2), fixedNow, fixedNow.AddDate(0, 0, 7), "mobile_money", "ref-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(77)))
	mock.ExpectExec(q("UPDATE payments SET status = 'completed'")).WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE payments SET subscription_id = $2")).WithArgs(int64(10), int64(77)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(q("WHERE s.id = $1")).WithArgs(int64(77)).WillReturnRows(subscriptionRow(77))

	sub, err := s.FulfilPayment(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(77), sub.ID)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.Equal(t, 7*24*time.Hour, sub.EndDate.Sub(sub.StartDate))
	require.NotNil(t, sub.Package)
	assert.Equal(t, "Weekly", sub.Package.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FulfilPayment_ReplayReturnsLinkedSubscription(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	expectLockPayment(mock, "completed", int64(77))
	mock.ExpectCommit()
	mock.ExpectQuery(q("WHERE s.id = $1")).WithArgs(int64(77)).WillReturnRows(subscriptionRow(77))

	sub, err := s.FulfilPayment(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(77), sub.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FulfilPayment_SerializesPerUser(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	expectLockPayment(mock, "pending", nil)
	mock.ExpectExec(q("pg_advisory_xact_lock")).WithArgs("user-1").
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	sub, err := s.FulfilPayment(context.Background(), 10)
	assert.Nil(t, sub)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePersistence))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateSubscription_TakesUserLock(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	expectUserLock(mock, "user-1")
	mock.ExpectQuery(q("SELECT duration_days FROM packages")).WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"duration_days"}).AddRow(7))
	mock.ExpectExec(q("UPDATE subscriptions SET status = 'cancelled'")).WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("INSERT INTO subscriptions")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(77)))
	mock.ExpectCommit()
	mock.ExpectQuery(q("WHERE s.id = $1")).WithArgs(int64(77)).WillReturnRows(subscriptionRow(77))

	sub, err := s.CreateSubscription(context.Background(), NewSubscription{UserID: "user-1", PackageID: 2, Reference: "ref-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(77), sub.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FulfilPayment_RollsBack(t *testing.T) {
	t.Run("subscription insert fails", func(t *testing.T) {
		s, mock := newTestStore(t)

		mock.ExpectBegin()
		expectLockPayment(mock, "pending", nil)
		expectUserLock(mock, "user-1")
		mock.ExpectQuery(q("SELECT duration_days FROM packages")).
			WillReturnRows(sqlmock.NewRows([]string{"duration_days"}).AddRow(7))
		mock.ExpectExec(q("UPDATE subscriptions SET status = 'cancelled'")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("INSERT INTO subscriptions")).WillReturnError(errors.New("unique violation"))
		mock.ExpectRollback()

		sub, err := s.FulfilPayment(context.Background(), 10)
		assert.Nil(t, sub)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePersistence))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("payment already failed", func(t *testing.T) {
		s, mock := newTestStore(t)

		mock.ExpectBegin()
		expectLockPayment(mock, "failed", nil)
		mock.ExpectRollback()

		_, err := s.FulfilPayment(context.Background(), 10)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_ListPaymentsBetween(t *testing.T) {
	s, mock := newTestStore(t)
	from, to := fixedNow.AddDate(0, 0, -7), fixedNow

	mock.ExpectQuery(q("p.created_at >= $1 AND p.created_at < $2 ORDER BY")).WithArgs(from, to).
		WillReturnRows(paymentRow(1, "completed", int64(4)))
	payments, err := s.ListPaymentsBetween(context.Background(), from, to, "")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentCompleted, payments[0].Status)

	mock.ExpectQuery(q("AND p.status = $3")).WithArgs(from, to, "failed").
		WillReturnRows(sqlmock.NewRows(paymentRowColumns))
	payments, err = s.ListPaymentsBetween(context.Background(), from, to, models.PaymentFailed)
	require.NoError(t, err)
	assert.Empty(t, payments)
	require.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Subscription Tests
// ==========================

func TestStore_GetActiveSubscription_None(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(q("s.status = 'active'")).WithArgs("user-1").WillReturnError(sql.ErrNoRows)

	sub, err := s.GetActiveSubscription(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestStore_ExpireSubscriptions(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(q("SET status = 'expired'")).WithArgs(fixedNow).WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.ExpireSubscriptions(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

// ==========================
// Callback Tests
// ==========================

func TestStore_RecordCallback(t *testing.T) {
	s, mock := newTestStore(t)
	payload := []byte(`{"status":"SUCCESSFUL"}`)

	mock.ExpectQuery(q("INSERT INTO gateway_callbacks")).WithArgs("ref-1", "SUCCESSFUL", payload).
		WillReturnRows(sqlmock.NewRows([]string{"id", "processed"}).AddRow(int64(4), true))

	id, processed, err := s.RecordCallback(context.Background(), "ref-1", "SUCCESSFUL", payload)
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)
	assert.True(t, processed)
}

func TestStore_MarkCallbackProcessed(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		final bool
	}{
		{"applied", nil, true},
		{"retryable failure", apperrors.NewPersistenceError("fulfil", errors.New("conn reset")), false},
		{"charged after failure", apperrors.NewReconciliationError("ref-1", errors.New("late success")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStore(t)
			msg := ""
			if tt.err != nil {
				msg = tt.err.Error()
			}
			mock.ExpectExec(q("UPDATE gateway_callbacks")).WithArgs(int64(4), msg, tt.final).
				WillReturnResult(sqlmock.NewResult(0, 1))

			require.NoError(t, s.MarkCallbackProcessed(context.Background(), 4, tt.err))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDecodeChange(t *testing.T) {
	ev, err := DecodeChange(`{"table":"payments","type":"UPDATE","user_id":"user-1","record":{"id":10,"status":"completed"}}`)
	require.NoError(t, err)
	assert.Equal(t, models.TablePayments, ev.Table)
	assert.Equal(t, models.ChangeUpdate, ev.Type)
	assert.Equal(t, "completed", ev.Record["status"])

	_, err = DecodeChange(`{"table":"payments"}`)
	assert.Error(t, err)
}
