package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"skyfi-billing/internal/common/database"
	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/models"
)

// FulfilPayment opens the subscription a pending payment paid for, marks
// the payment completed and links the two, all in one transaction. Calling
// it again for a completed payment returns the already linked subscription.
func (s *Store) FulfilPayment(ctx context.Context, paymentID int64) (*models.Subscription, error) {
	var subscriptionID int64
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var (
			userID, method, reference string
			packageID                 int64
			status                    models.PaymentStatus
			linked                    sql.NullInt64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT user_id, package_id, payment_method, payment_reference, status, subscription_id
			   FROM payments WHERE id = $1 FOR UPDATE`, paymentID).
			Scan(&userID, &packageID, &method, &reference, &status, &linked)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return apperrors.NewPersistenceError("lock payment", err)
		}

		switch status {
		case models.PaymentCompleted:
			if linked.Valid {
				subscriptionID = linked.Int64
				return nil
			}
			return fmt.Errorf("%w: payment %d completed without subscription", ErrInvalidTransition, paymentID)
		case models.PaymentFailed:
			return fmt.Errorf("%w: payment %d already failed", ErrInvalidTransition, paymentID)
		}

		subscriptionID, err = s.insertSubscription(ctx, tx, NewSubscription{
			UserID:        userID,
			PackageID:     packageID,
			PaymentMethod: method,
			Reference:     reference,
		})
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE payments SET status = 'completed', failure_reason = '', updated_at = now()
			  WHERE id = $1`, paymentID); err != nil {
			return apperrors.NewPersistenceError("complete payment", err)
		}
		return linkSubscription(ctx, tx, paymentID, subscriptionID)
	})
	if err != nil {
		return nil, err
	}
	return s.getSubscription(ctx, subscriptionID)
}

// ==========================
// Gateway callbacks
// ==========================

// RecordCallback stores a provider notification once per (reference,
// status). alreadyProcessed is true when an identical notification was
// handled before.
func (s *Store) RecordCallback(ctx context.Context, reference, status string, payload []byte) (id int64, alreadyProcessed bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO gateway_callbacks (payment_reference, status, payload)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (payment_reference, status) DO UPDATE SET payload = gateway_callbacks.payload
		 RETURNING id, processed_at IS NOT NULL`,
		reference, status, payload).Scan(&id, &alreadyProcessed)
	if err != nil {
		return 0, false, apperrors.NewPersistenceError("record callback", err)
	}
	return id, alreadyProcessed, nil
}

// MarkCallbackProcessed stamps a callback as handled, keeping the error text
// when processing failed. Failed callbacks stay open for a provider retry,
// except reconciliation errors, which a replay cannot resolve.
func (s *Store) MarkCallbackProcessed(ctx context.Context, id int64, processingErr error) error {
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	final := processingErr == nil || apperrors.HasCode(processingErr, apperrors.ErrCodeReconciliation)
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateway_callbacks
		    SET processed_at = CASE WHEN $3 THEN now() ELSE NULL END,
		        processing_error = $2
		  WHERE id = $1`, id, msg, final)
	if err != nil {
		return apperrors.NewPersistenceError("mark callback processed", err)
	}
	return nil
}
