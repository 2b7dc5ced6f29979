package escalatepayment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"skyfi-billing/internal/common/camunda"
	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/common/validation"
	"skyfi-billing/internal/models"
	"skyfi-billing/internal/payment"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/spf13/cast"
)

const TaskType = "escalate-payment"

type Payments interface {
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
}

type Locks interface {
	ReleaseLock(ctx context.Context, key, owner string)
}

type Handler struct {
	config    *Config
	payments  Payments
	alerter   payment.Alerter
	locks     Locks
	validator *validation.Validator
	errors    *apperrors.ErrorHandler
	logger    logger.Logger
}

type HandlerOptions struct {
	Config    *Config
	Payments  Payments
	Alerter   payment.Alerter
	Locks     Locks
	Validator *validation.Validator
	Logger    logger.Logger
}

func NewHandler(opts HandlerOptions) (*Handler, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", TaskType, err)
	}
	if opts.Alerter == nil {
		return nil, fmt.Errorf("%s: alerter is required", TaskType)
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:    cfg,
		payments:  opts.Payments,
		alerter:   opts.Alerter,
		locks:     opts.Locks,
		validator: opts.Validator,
		errors:    apperrors.NewErrorHandler(log),
		logger:    log,
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := h.parseInput(job)
	if err == nil {
		var out *Output
		if out, err = h.Execute(ctx, input); err == nil {
			camunda.CompleteJob(ctx, client, job, map[string]interface{}{
				"escalated":      out.Escalated,
				"escalationCode": out.Code,
			}, h.logger)
		}
	}
	if err != nil {
		h.errors.HandleJobError(ctx, client, job, err)
	}
	camunda.RecordOutcome(TaskType, started, err)
}

func (h *Handler) parseInput(job entities.Job) (*Input, error) {
	vars, err := camunda.ParseVariables(job, h.validator, validation.SchemaSettlePayment)
	if err != nil {
		return nil, err
	}
	paymentID, err := cast.ToInt64E(vars["paymentId"])
	if err != nil {
		return nil, apperrors.NewValidationError("paymentId is not a number")
	}
	return &Input{
		PaymentID:    paymentID,
		ReferenceID:  cast.ToString(vars["referenceId"]),
		UserID:       cast.ToString(vars["userId"]),
		ErrorCode:    cast.ToString(vars["errorCode"]),
		ErrorMessage: cast.ToString(vars["errorMessage"]),
		ErrorDetails: cast.ToString(vars["errorDetails"]),
		LockKey:      cast.ToString(vars["lockKey"]),
		LockOwner:    cast.ToString(vars["lockOwner"]),
	}, nil
}

// Execute alerts the operator about a purchase the process could not settle
// on its own. A failed payment lookup does not stop the alert.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	esc := payment.Escalation{
		Code:        apperrors.ErrCodeInternal,
		ReferenceID: input.ReferenceID,
		PaymentID:   input.PaymentID,
		UserID:      input.UserID,
		Detail:      detail(input),
	}
	if input.ErrorCode != "" {
		esc.Code = apperrors.ErrorCode(input.ErrorCode)
	}

	if h.payments != nil && input.PaymentID > 0 {
		p, err := h.payments.GetPayment(ctx, input.PaymentID)
		if err != nil {
			h.logger.Warn("payment lookup for escalation failed", map[string]interface{}{
				"paymentId": input.PaymentID,
				"error":     err.Error(),
			})
		} else {
			esc.Amount = p.Amount.String()
			esc.Currency = p.Currency
			if esc.UserID == "" {
				esc.UserID = p.UserID
			}
			if esc.ReferenceID == "" {
				esc.ReferenceID = p.PaymentReference
			}
		}
	}

	if err := h.alerter.Escalate(ctx, esc); err != nil {
		return nil, err
	}
	if h.locks != nil {
		h.locks.ReleaseLock(context.WithoutCancel(ctx), input.LockKey, input.LockOwner)
	}

	h.logger.Info("payment escalated", map[string]interface{}{
		"referenceId": esc.ReferenceID,
		"code":        string(esc.Code),
	})
	return &Output{Escalated: true, Code: string(esc.Code)}, nil
}

func detail(input *Input) string {
	parts := make([]string, 0, 2)
	if input.ErrorMessage != "" {
		parts = append(parts, input.ErrorMessage)
	}
	if input.ErrorDetails != "" {
		parts = append(parts, input.ErrorDetails)
	}
	if len(parts) == 0 {
		return "purchase process could not settle the payment"
	}
	return strings.Join(parts, ": ")
}
