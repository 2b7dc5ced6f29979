package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/metrics"
	"skyfi-billing/internal/common/momo"
	"skyfi-billing/internal/models"
	"skyfi-billing/internal/store"
)

// Start validates the request, charges the payer and records the pending
// payment. The purchase lock stays held on success; the caller releases it
// once the payment is settled.
func (w *Workflow) Start(ctx context.Context, req Request) (*Attempt, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	pkg, err := w.packages.Get(ctx, req.PackageID)
	if err != nil {
		return nil, lookupError(req.PackageID, err)
	}
	w.record(ctx, Event{UserID: req.UserID, PackageID: pkg.ID, State: StateRequested})

	lockKey, lockOwner, err := w.acquireLock(ctx, req)
	if err != nil {
		return nil, err
	}
	releaseOnError := func() {
		w.ReleaseLock(context.WithoutCancel(ctx), lockKey, lockOwner)
	}

	res, err := w.gateway.Initiate(ctx, momo.InitiateRequest{
		Amount:          pkg.Price,
		Currency:        w.currency,
		PayerIdentifier: req.PayerIdentifier,
		ExternalID:      strconv.FormatInt(pkg.ID, 10),
		PackageLabel:    pkg.Name,
	})
	if err != nil {
		releaseOnError()
		w.logger.Warn("payment initiation failed", map[string]interface{}{
			"userId":    req.UserID,
			"packageId": pkg.ID,
			"error":     err.Error(),
		})
		w.record(ctx, Event{
			UserID:    req.UserID,
			PackageID: pkg.ID,
			State:     StateFailed,
			ErrorCode: apperrors.CodeOf(err),
			Message:   err.Error(),
		})
		return nil, err
	}

	payment, err := w.store.CreatePayment(ctx, store.NewPayment{
		UserID:        req.UserID,
		PackageID:     pkg.ID,
		Amount:        pkg.Price,
		Currency:      w.currency,
		PaymentMethod: req.PaymentMethod,
		Reference:     res.ReferenceID,
	})
	if err != nil {
		releaseOnError()
		// The charge exists at the gateway with no local row to settle it.
		w.escalate(context.WithoutCancel(ctx), Escalation{
			Code:        apperrors.ErrCodePersistence,
			ReferenceID: res.ReferenceID,
			UserID:      req.UserID,
			Amount:      pkg.Price.String(),
			Currency:    w.currency,
			Detail:      "charge initiated but payment row could not be stored: " + err.Error(),
		})
		return nil, apperrors.NewPersistenceError("create payment", err).WithMetadata("referenceId", res.ReferenceID)
	}

	metrics.PaymentsInitiated.Inc()
	w.logger.Info("payment initiated", map[string]interface{}{
		"paymentId":   payment.ID,
		"referenceId": payment.PaymentReference,
		"userId":      payment.UserID,
		"packageId":   pkg.ID,
		"amount":      payment.Amount.String(),
	})
	w.record(ctx, Event{
		ReferenceID: payment.PaymentReference,
		PaymentID:   payment.ID,
		UserID:      payment.UserID,
		PackageID:   pkg.ID,
		State:       StateGatewayInitiated,
	})

	return &Attempt{Payment: payment, Package: pkg, LockKey: lockKey, LockOwner: lockOwner}, nil
}

// CheckStatus asks the gateway for the charge status. It has no local side
// effects besides the audit event.
func (w *Workflow) CheckStatus(ctx context.Context, p *models.Payment, attempt int) (*momo.StatusResult, error) {
	res, err := w.gateway.PollStatus(ctx, p.PaymentReference)
	ev := Event{
		ReferenceID: p.PaymentReference,
		PaymentID:   p.ID,
		UserID:      p.UserID,
		PackageID:   p.PackageID,
		State:       StateAwaitingConfirmation,
		Attempt:     attempt,
	}
	if err != nil {
		ev.ErrorCode = apperrors.CodeOf(err)
		ev.Message = err.Error()
		w.record(ctx, ev)
		return nil, err
	}
	ev.GatewayStatus = string(res.Status)
	ev.Message = res.Reason
	w.record(ctx, ev)
	return res, nil
}

// Complete grants the subscription for a payment the gateway confirmed.
// Replaying it for an already completed payment returns the same
// subscription. If the grant cannot be written the payment is failed and the
// charge is escalated for manual settlement.
func (w *Workflow) Complete(ctx context.Context, paymentID int64) (*models.Subscription, error) {
	sub, err := w.store.FulfilPayment(ctx, paymentID)
	if err == nil {
		w.logger.Info("subscription granted", map[string]interface{}{
			"paymentId":      paymentID,
			"subscriptionId": sub.ID,
			"userId":         sub.UserID,
			"endDate":        sub.EndDate,
		})
		w.record(ctx, Event{
			ReferenceID: sub.PaymentReference,
			PaymentID:   paymentID,
			UserID:      sub.UserID,
			PackageID:   sub.PackageID,
			State:       StateFulfilled,
		})
		return sub, nil
	}

	p, getErr := w.store.GetPayment(ctx, paymentID)
	if getErr != nil {
		w.logger.Error("payment lookup after failed fulfilment", map[string]interface{}{
			"paymentId": paymentID,
			"error":     getErr.Error(),
		})
		p = &models.Payment{ID: paymentID}
	}

	recErr := apperrors.NewReconciliationError(p.PaymentReference, err)
	if !errors.Is(err, store.ErrInvalidTransition) {
		if _, markErr := w.store.UpdatePaymentStatus(ctx, paymentID, models.PaymentFailed, recErr.Error()); markErr != nil {
			w.logger.Error("failed to mark payment failed after fulfilment error", map[string]interface{}{
				"paymentId": paymentID,
				"error":     markErr.Error(),
			})
		}
	}

	w.escalate(ctx, Escalation{
		Code:        apperrors.ErrCodeReconciliation,
		ReferenceID: p.PaymentReference,
		PaymentID:   paymentID,
		UserID:      p.UserID,
		Amount:      p.Amount.String(),
		Currency:    p.Currency,
		Detail:      "gateway confirmed the charge but the subscription was not granted: " + err.Error(),
	})
	w.record(ctx, Event{
		ReferenceID: p.PaymentReference,
		PaymentID:   paymentID,
		UserID:      p.UserID,
		PackageID:   p.PackageID,
		State:       StateFailed,
		ErrorCode:   apperrors.ErrCodeReconciliation,
		Message:     err.Error(),
	})
	return nil, recErr
}

// Fail settles a pending payment as failed. If the payment was completed in
// the meantime it is returned unchanged with a nil error.
func (w *Workflow) Fail(ctx context.Context, paymentID int64, cause error) (*models.Payment, error) {
	reason := apperrors.UserMessage(cause)
	if se, ok := apperrors.As(cause); ok && se.Details != "" {
		reason = se.Details
	}

	p, err := w.store.UpdatePaymentStatus(ctx, paymentID, models.PaymentFailed, reason)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) && p != nil && p.Status == models.PaymentCompleted {
			w.logger.Info("payment already completed, not failing it", map[string]interface{}{
				"paymentId":   paymentID,
				"referenceId": p.PaymentReference,
			})
			return p, nil
		}
		return nil, err
	}

	w.logger.Info("payment failed", map[string]interface{}{
		"paymentId":   p.ID,
		"referenceId": p.PaymentReference,
		"reason":      reason,
	})
	w.record(ctx, Event{
		ReferenceID: p.PaymentReference,
		PaymentID:   p.ID,
		UserID:      p.UserID,
		PackageID:   p.PackageID,
		State:       StateFailed,
		ErrorCode:   apperrors.CodeOf(cause),
		Message:     reason,
	})
	return p, nil
}

// Settle applies a terminal gateway status to the payment with reference.
// It is the shared transition for callbacks and reconciliation. A SUCCESSFUL
// status for a payment already failed is escalated and returned as a
// reconciliation error alongside the unchanged payment.
func (w *Workflow) Settle(ctx context.Context, reference string, status momo.Status, reason, source string) (*models.Payment, error) {
	p, err := w.store.GetPaymentByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("payment", reference)
		}
		return nil, err
	}
	if p.Status == models.PaymentFailed && status == momo.StatusSuccessful {
		return p, w.chargedAfterFailure(ctx, p, source)
	}
	if p.Status.IsTerminal() {
		return p, nil
	}

	switch status {
	case momo.StatusSuccessful:
		if _, err := w.Complete(ctx, p.ID); err != nil {
			return nil, err
		}
	case momo.StatusFailed:
		if reason == "" {
			reason = "gateway reported FAILED"
		}
		if _, err := w.Fail(ctx, p.ID, apperrors.NewPaymentFailedError(reference, reason)); err != nil {
			return nil, err
		}
	default:
		return p, nil
	}

	w.logger.Info("payment settled", map[string]interface{}{
		"referenceId": reference,
		"status":      string(status),
		"source":      source,
	})
	return w.store.GetPayment(ctx, p.ID)
}

// chargedAfterFailure handles a gateway confirming a charge the payment row
// already records as failed. The payer was charged without a subscription,
// so an operator has to settle it by hand.
func (w *Workflow) chargedAfterFailure(ctx context.Context, p *models.Payment, source string) error {
	recErr := apperrors.NewReconciliationError(p.PaymentReference,
		fmt.Errorf("gateway reported SUCCESSFUL via %s after the payment was failed", source))

	w.escalate(ctx, Escalation{
		Code:        apperrors.ErrCodeReconciliation,
		ReferenceID: p.PaymentReference,
		PaymentID:   p.ID,
		UserID:      p.UserID,
		Amount:      p.Amount.String(),
		Currency:    p.Currency,
		Detail:      "gateway confirmed the charge after the payment was marked failed (" + p.FailureReason + ")",
	})
	w.record(ctx, Event{
		ReferenceID:   p.PaymentReference,
		PaymentID:     p.ID,
		UserID:        p.UserID,
		PackageID:     p.PackageID,
		State:         StateFailed,
		GatewayStatus: string(momo.StatusSuccessful),
		ErrorCode:     apperrors.ErrCodeReconciliation,
		Message:       recErr.Error(),
		Source:        source,
	})
	return recErr
}
