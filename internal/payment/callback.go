package payment

import (
	"context"
	"strings"

	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/common/metrics"
	"skyfi-billing/internal/common/momo"
	"skyfi-billing/internal/common/validation"
	"skyfi-billing/internal/models"
)

// CallbackStore deduplicates provider notifications.
type CallbackStore interface {
	RecordCallback(ctx context.Context, reference, status string, payload []byte) (int64, bool, error)
	MarkCallbackProcessed(ctx context.Context, id int64, processingErr error) error
}

// MessagePublisher wakes a waiting process instance, correlated by the
// payment reference.
type MessagePublisher interface {
	PublishPaymentStatus(ctx context.Context, referenceID string, status momo.Status) error
}

// CallbackResult is what happened to one notification.
type CallbackResult struct {
	ReferenceID string          `json:"referenceId"`
	Status      momo.Status     `json:"status"`
	Duplicate   bool            `json:"duplicate"`
	Ignored     bool            `json:"ignored"`
	Escalated   bool            `json:"escalated,omitempty"`
	Payment     *models.Payment `json:"payment,omitempty"`
}

// CallbackProcessor treats a provider notification as the authoritative
// outcome of a charge.
type CallbackProcessor struct {
	workflow  *Workflow
	store     CallbackStore
	validator *validation.Validator
	publisher MessagePublisher
	logger    logger.Logger
}

func NewCallbackProcessor(wf *Workflow, st CallbackStore, v *validation.Validator, pub MessagePublisher, log logger.Logger) *CallbackProcessor {
	return &CallbackProcessor{
		workflow:  wf,
		store:     st,
		validator: v,
		publisher: pub,
		logger:    log.WithFields(map[string]interface{}{"component": "momo-callback"}),
	}
}

// Handle processes the raw callback body. referenceID comes from the callback
// URL and may be empty when the body carries it. Only malformed payloads and
// storage failures are returned as errors; anything else is answered as
// accepted so the provider stops retrying.
func (p *CallbackProcessor) Handle(ctx context.Context, referenceID string, body []byte) (*CallbackResult, error) {
	vr, err := p.validator.ValidateJSON(validation.SchemaMomoCallback, body)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if !vr.Valid {
		metrics.GatewayCallbacks.WithLabelValues("invalid").Inc()
		return nil, apperrors.NewValidationError(strings.Join(vr.GetErrorMessages(), "; "))
	}

	res, err := momo.ParseCallback(body, referenceID)
	if err != nil {
		metrics.GatewayCallbacks.WithLabelValues("invalid").Inc()
		return nil, apperrors.NewValidationError(err.Error())
	}
	if res.ReferenceID == "" {
		metrics.GatewayCallbacks.WithLabelValues("invalid").Inc()
		return nil, apperrors.NewValidationError("callback carries no reference id")
	}

	out := &CallbackResult{ReferenceID: res.ReferenceID, Status: res.Status}

	id, processed, err := p.store.RecordCallback(ctx, res.ReferenceID, string(res.Status), body)
	if err != nil {
		metrics.GatewayCallbacks.WithLabelValues("error").Inc()
		return nil, err
	}
	if processed {
		metrics.GatewayCallbacks.WithLabelValues("duplicate").Inc()
		p.logger.Debug("duplicate callback ignored", map[string]interface{}{
			"referenceId": res.ReferenceID,
			"status":      string(res.Status),
		})
		out.Duplicate = true
		return out, nil
	}

	if !res.Status.IsTerminal() {
		metrics.GatewayCallbacks.WithLabelValues("ignored").Inc()
		out.Ignored = true
		p.markProcessed(ctx, id, nil)
		return out, nil
	}

	payment, settleErr := p.workflow.Settle(ctx, res.ReferenceID, res.Status, res.Reason, "callback")
	if settleErr != nil {
		p.logger.Error("callback could not be applied", map[string]interface{}{
			"referenceId": res.ReferenceID,
			"status":      string(res.Status),
			"error":       settleErr.Error(),
		})
		p.markProcessed(ctx, id, settleErr)
		if apperrors.HasCode(settleErr, apperrors.ErrCodeNotFound) {
			metrics.GatewayCallbacks.WithLabelValues("unknown_reference").Inc()
			out.Ignored = true
			return out, nil
		}
		// Charged after the payment was failed: operators are already
		// alerted and a retry cannot change the outcome.
		if apperrors.HasCode(settleErr, apperrors.ErrCodeReconciliation) {
			metrics.GatewayCallbacks.WithLabelValues("reconciliation").Inc()
			out.Payment = payment
			out.Escalated = true
			return out, nil
		}
		metrics.GatewayCallbacks.WithLabelValues("error").Inc()
		return out, settleErr
	}
	out.Payment = payment
	p.markProcessed(ctx, id, nil)

	if p.publisher != nil {
		if err := p.publisher.PublishPaymentStatus(ctx, res.ReferenceID, res.Status); err != nil {
			// The process falls back to polling, so this is not fatal.
			p.logger.Warn("failed to publish payment status message", map[string]interface{}{
				"referenceId": res.ReferenceID,
				"error":       err.Error(),
			})
		}
	}

	metrics.GatewayCallbacks.WithLabelValues("processed").Inc()
	p.logger.Info("callback applied", map[string]interface{}{
		"referenceId": res.ReferenceID,
		"status":      string(res.Status),
		"payment":     string(payment.Status),
	})
	return out, nil
}

func (p *CallbackProcessor) markProcessed(ctx context.Context, id int64, processingErr error) {
	if err := p.store.MarkCallbackProcessed(ctx, id, processingErr); err != nil {
		p.logger.Warn("failed to mark callback processed", map[string]interface{}{
			"callbackId": id,
			"error":      err.Error(),
		})
	}
}
