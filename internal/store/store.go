// Package store is the Postgres-backed persistence for packages, payments,
// subscriptions, user profiles and gateway callbacks.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"skyfi-billing/internal/common/database"
	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/models"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrNotFound          = errors.New("NOT_FOUND")
	ErrInvalidTransition = errors.New("INVALID_TRANSITION")
)

type Store struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

func New(db *sql.DB, log logger.Logger) *Store {
	return &Store{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "store"}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for subscription windows.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return apperrors.NewPersistenceError("migrate", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ==========================
// Packages
// ==========================

const packageColumns = `id, name, description, price, duration_days, features`

func scanPackage(row interface{ Scan(...interface{}) error }) (*models.Package, error) {
	var p models.Package
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.DurationDays, pq.Array(&p.Features)); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPackages returns the catalog, shortest plan first.
func (s *Store) ListPackages(ctx context.Context) ([]models.Package, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+packageColumns+` FROM packages ORDER BY duration_days ASC`)
	if err != nil {
		return nil, apperrors.NewPersistenceError("list packages", err)
	}
	defer rows.Close()

	var out []models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, apperrors.NewPersistenceError("scan package", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError("list packages", err)
	}
	return out, nil
}

func (s *Store) GetPackage(ctx context.Context, id int64) (*models.Package, error) {
	p, err := scanPackage(s.db.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, apperrors.NewPersistenceError("get package", err)
	}
	return p, nil
}

// ==========================
// User profiles
// ==========================

func (s *Store) GetUserProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, full_name, phone_number, student_id, created_at, updated_at
		   FROM user_profiles WHERE id = $1`, userID).
		Scan(&p.ID, &p.Email, &p.FullName, &p.PhoneNumber, &p.StudentID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, apperrors.NewPersistenceError("get user profile", err)
	}
	return &p, nil
}

// UpsertUserProfile creates or updates the profile keyed by p.ID.
func (s *Store) UpsertUserProfile(ctx context.Context, p *models.UserProfile) (*models.UserProfile, error) {
	var out models.UserProfile
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO user_profiles (id, email, full_name, phone_number, student_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     email = EXCLUDED.email,
		     full_name = EXCLUDED.full_name,
		     phone_number = EXCLUDED.phone_number,
		     student_id = EXCLUDED.student_id,
		     updated_at = now()
		 RETURNING id, email, full_name, phone_number, student_id, created_at, updated_at`,
		p.ID, p.Email, p.FullName, p.PhoneNumber, p.StudentID).
		Scan(&out.ID, &out.Email, &out.FullName, &out.PhoneNumber, &out.StudentID, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, apperrors.NewPersistenceError("upsert user profile", err)
	}
	return &out, nil
}

// ==========================
// Payments
// ==========================

const paymentColumns = `p.id, p.user_id, p.package_id, p.subscription_id, p.amount, p.currency,
	p.payment_method, p.payment_reference, p.status, p.failure_reason, p.created_at, p.updated_at,
	COALESCE(pk.name, '')`

const paymentFrom = ` FROM payments p LEFT JOIN packages pk ON pk.id = p.package_id`

func scanPayment(row interface{ Scan(...interface{}) error }) (*models.Payment, error) {
	var p models.Payment
	var subID sql.NullInt64
	if err := row.Scan(&p.ID, &p.UserID, &p.PackageID, &subID, &p.Amount, &p.Currency,
		&p.PaymentMethod, &p.PaymentReference, &p.Status, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt,
		&p.PackageName); err != nil {
		return nil, err
	}
	if subID.Valid {
		id := subID.Int64
		p.SubscriptionID = &id
	}
	return &p, nil
}

// NewPayment describes a pending payment to record.
type NewPayment struct {
	UserID        string
	PackageID     int64
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod string
	Reference     string
}

// CreatePayment records a pending payment keyed by the gateway reference.
func (s *Store) CreatePayment(ctx context.Context, np NewPayment) (*models.Payment, error) {
	currency := np.Currency
	if currency == "" {
		currency = models.DefaultCurrency
	}
	method := np.PaymentMethod
	if method == "" {
		method = models.PaymentMethodMobileMoney
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO payments (user_id, package_id, amount, currency, payment_method, payment_reference, status)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		 RETURNING id`,
		np.UserID, np.PackageID, np.Amount, currency, method, np.Reference).Scan(&id)
	if err != nil {
		return nil, apperrors.NewPersistenceError("create payment", err)
	}
	return s.GetPayment(ctx, id)
}

func (s *Store) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+paymentFrom+` WHERE p.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, apperrors.NewPersistenceError("get payment", err)
	}
	return p, nil
}

func (s *Store) GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+paymentFrom+` WHERE p.payment_reference = $1`, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, apperrors.NewPersistenceError("get payment by reference", err)
	}
	return p, nil
}

// UpdatePaymentStatus moves a pending payment to status. Repeating the same
// transition is a no-op; moving a terminal payment elsewhere returns
// ErrInvalidTransition.
func (s *Store) UpdatePaymentStatus(ctx context.Context, id int64, status models.PaymentStatus, reason string) (*models.Payment, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = $2, failure_reason = $3, updated_at = now()
		  WHERE id = $1 AND status = 'pending'`,
		id, string(status), reason)
	if err != nil {
		return nil, apperrors.NewPersistenceError("update payment status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.NewPersistenceError("update payment status", err)
	}

	current, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 && current.Status != status {
		return current, fmt.Errorf("%w: payment %d is %s", ErrInvalidTransition, id, current.Status)
	}
	return current, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// LinkPaymentSubscription records which subscription a payment paid for.
func (s *Store) LinkPaymentSubscription(ctx context.Context, paymentID, subscriptionID int64) error {
	return linkSubscription(ctx, s.db, paymentID, subscriptionID)
}

func linkSubscription(ctx context.Context, db execer, paymentID, subscriptionID int64) error {
	res, err := db.ExecContext(ctx,
		`UPDATE payments SET subscription_id = $2, updated_at = now() WHERE id = $1`,
		paymentID, subscriptionID)
	if err != nil {
		return apperrors.NewPersistenceError("link payment subscription", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPaymentHistory returns a user's payments, newest first. limit <= 0
// means no limit.
func (s *Store) ListPaymentHistory(ctx context.Context, userID string, limit int) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + paymentFrom + ` WHERE p.user_id = $1 ORDER BY p.created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryPayments(ctx, "list payment history", query, args...)
}

// ListPendingPayments returns pending payments created before olderThan,
// oldest first.
func (s *Store) ListPendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error) {
	return s.queryPayments(ctx, "list pending payments",
		`SELECT `+paymentColumns+paymentFrom+`
		  WHERE p.status = 'pending' AND p.created_at < $1
		  ORDER BY p.created_at ASC LIMIT $2`, olderThan, limit)
}

// ListPaymentsBetween returns payments created in [from, to), oldest first.
// An empty status matches every status.
func (s *Store) ListPaymentsBetween(ctx context.Context, from, to time.Time, status models.PaymentStatus) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + paymentFrom + ` WHERE p.created_at >= $1 AND p.created_at < $2`
	args := []interface{}{from, to}
	if status != "" {
		query += ` AND p.status = $3`
		args = append(args, string(status))
	}
	return s.queryPayments(ctx, "list payments between", query+` ORDER BY p.created_at ASC`, args...)
}

func (s *Store) queryPayments(ctx context.Context, op, query string, args ...interface{}) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewPersistenceError(op, err)
	}
	defer rows.Close()

	var out []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, apperrors.NewPersistenceError(op, err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError(op, err)
	}
	return out, nil
}

// ==========================
// Subscriptions
// ==========================

const subscriptionColumns = `s.id, s.user_id, s.package_id, s.start_date, s.end_date, s.status,
	s.payment_method, s.payment_reference, s.auto_renew, s.created_at,
	pk.id, pk.name, pk.description, pk.price, pk.duration_days, pk.features`

const subscriptionFrom = ` FROM subscriptions s JOIN packages pk ON pk.id = s.package_id`

func scanSubscription(row interface{ Scan(...interface{}) error }) (*models.Subscription, error) {
	var sub models.Subscription
	var pkg models.Package
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.PackageID, &sub.StartDate, &sub.EndDate, &sub.Status,
		&sub.PaymentMethod, &sub.PaymentReference, &sub.AutoRenew, &sub.CreatedAt,
		&pkg.ID, &pkg.Name, &pkg.Description, &pkg.Price, &pkg.DurationDays, pq.Array(&pkg.Features)); err != nil {
		return nil, err
	}
	sub.Package = &pkg
	return &sub, nil
}

// NewSubscription describes a subscription to open.
type NewSubscription struct {
	UserID        string
	PackageID     int64
	PaymentMethod string
	Reference     string
}

// CreateSubscription opens an active subscription starting now and lasting
// the package's duration. Any other active subscription of the user is
// cancelled in the same transaction.
func (s *Store) CreateSubscription(ctx context.Context, ns NewSubscription) (*models.Subscription, error) {
	var id int64
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		id, err = s.insertSubscription(ctx, tx, ns)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.getSubscription(ctx, id)
}

// insertSubscription replaces the user's active subscription with a new one.
// Writers for the same user are serialized on a transaction-scoped advisory
// lock so that at most one subscription stays active.
func (s *Store) insertSubscription(ctx context.Context, tx *sql.Tx, ns NewSubscription) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('subscriptions:' || $1))`, ns.UserID); err != nil {
		return 0, apperrors.NewPersistenceError("lock user subscriptions", err)
	}

	var duration int
	if err := tx.QueryRowContext(ctx,
		`SELECT duration_days FROM packages WHERE id = $1`, ns.PackageID).Scan(&duration); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, apperrors.NewPersistenceError("load package duration", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET status = 'cancelled' WHERE user_id = $1 AND status = 'active'`,
		ns.UserID); err != nil {
		return 0, apperrors.NewPersistenceError("cancel previous subscription", err)
	}

	method := ns.PaymentMethod
	if method == "" {
		method = models.PaymentMethodMobileMoney
	}
	start := s.now()
	end := start.AddDate(0, 0, duration)

	var id int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO subscriptions (user_id, package_id, start_date, end_date, status, payment_method, payment_reference)
		 VALUES ($1, $2, $3, $4, 'active', $5, $6)
		 RETURNING id`,
		ns.UserID, ns.PackageID, start, end, method, ns.Reference).Scan(&id); err != nil {
		return 0, apperrors.NewPersistenceError("insert subscription", err)
	}
	return id, nil
}

func (s *Store) getSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+subscriptionFrom+` WHERE s.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, apperrors.NewPersistenceError("get subscription", err)
	}
	return sub, nil
}

// GetActiveSubscription returns the user's active subscription, or nil when
// there is none.
func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+subscriptionFrom+`
		  WHERE s.user_id = $1 AND s.status = 'active'
		  ORDER BY s.created_at DESC LIMIT 1`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewPersistenceError("get active subscription", err)
	}
	return sub, nil
}

func (s *Store) ListUserSubscriptions(ctx context.Context, userID string) ([]models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+subscriptionFrom+`
		  WHERE s.user_id = $1 ORDER BY s.created_at DESC`, userID)
	if err != nil {
		return nil, apperrors.NewPersistenceError("list subscriptions", err)
	}
	defer rows.Close()

	var out []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, apperrors.NewPersistenceError("scan subscription", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError("list subscriptions", err)
	}
	return out, nil
}

// ExpireSubscriptions flips active subscriptions whose window has closed.
func (s *Store) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = 'expired' WHERE status = 'active' AND end_date <= $1`, now)
	if err != nil {
		return 0, apperrors.NewPersistenceError("expire subscriptions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
