package payment

import (
	"context"
	"time"

	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/common/metrics"
	"skyfi-billing/internal/common/momo"
	"skyfi-billing/internal/models"
)

// ReconcileStore lists the rows the reconciler works on.
type ReconcileStore interface {
	ListPendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error)
	ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error)
}

// ReconcileReport summarises one pass.
type ReconcileReport struct {
	Checked      int   `json:"checked"`
	Completed    int   `json:"completed"`
	Failed       int   `json:"failed"`
	StillPending int   `json:"stillPending"`
	Errors       int   `json:"errors"`
	Expired      int64 `json:"expiredSubscriptions"`
}

// Reconciler settles payments left pending by a crash or a lost callback
// and expires finished subscriptions.
type Reconciler struct {
	workflow *Workflow
	store    ReconcileStore
	after    time.Duration
	batch    int
	logger   logger.Logger
	now      func() time.Time
}

func NewReconciler(wf *Workflow, st ReconcileStore, after time.Duration, log logger.Logger) *Reconciler {
	return &Reconciler{
		workflow: wf,
		store:    st,
		after:    after,
		batch:    100,
		logger:   log.WithFields(map[string]interface{}{"component": "reconciler"}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce makes a single pass. Errors on individual payments are counted
// and logged; only a failure to list or expire aborts the pass.
func (r *Reconciler) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	now := r.now()
	report := &ReconcileReport{}

	pending, err := r.store.ListPendingPayments(ctx, now.Add(-r.after), r.batch)
	if err != nil {
		return report, err
	}

	for i := range pending {
		p := &pending[i]
		report.Checked++

		status, reason, err := r.gatewayStatus(ctx, p)
		if err != nil {
			report.Errors++
			r.logger.Warn("reconcile poll failed", map[string]interface{}{
				"referenceId": p.PaymentReference,
				"error":       err.Error(),
			})
			continue
		}

		if !status.IsTerminal() {
			report.StillPending++
			continue
		}

		settled, err := r.workflow.Settle(ctx, p.PaymentReference, status, reason, "reconciler")
		if err != nil {
			report.Errors++
			metrics.ReconciledPayments.WithLabelValues("error").Inc()
			continue
		}
		switch settled.Status {
		case models.PaymentCompleted:
			report.Completed++
		case models.PaymentFailed:
			report.Failed++
		}
		metrics.ReconciledPayments.WithLabelValues(string(settled.Status)).Inc()
	}

	expired, err := r.store.ExpireSubscriptions(ctx, now)
	if err != nil {
		return report, err
	}
	report.Expired = expired

	if report.Checked > 0 || expired > 0 {
		r.logger.Info("reconcile pass finished", map[string]interface{}{
			"checked":      report.Checked,
			"completed":    report.Completed,
			"failed":       report.Failed,
			"stillPending": report.StillPending,
			"errors":       report.Errors,
			"expired":      report.Expired,
		})
	}
	return report, nil
}

// gatewayStatus treats a reference the gateway has never heard of as a
// failed charge.
func (r *Reconciler) gatewayStatus(ctx context.Context, p *models.Payment) (momo.Status, string, error) {
	res, err := r.workflow.CheckStatus(ctx, p, 0)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeGatewayNotFound) {
			return momo.StatusFailed, "reference unknown to gateway", nil
		}
		return "", "", err
	}
	return res.Status, res.Reason, nil
}

// Run repeats RunOnce every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("reconcile pass failed", map[string]interface{}{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
