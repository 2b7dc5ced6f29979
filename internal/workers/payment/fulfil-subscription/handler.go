package fulfilsubscription

import (
	"context"
	"fmt"
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

const TaskType = "fulfil-subscription"

// Fulfiller grants the subscription a confirmed payment paid for.
type Fulfiller interface {
	Complete(ctx context.Context, paymentID int64) (*models.Subscription, error)
	ReleaseLock(ctx context.Context, key, owner string)
}

type Handler struct {
	config    *Config
	fulfiller Fulfiller
	validator *validation.Validator
	errors    *apperrors.ErrorHandler
	logger    logger.Logger
}

type HandlerOptions struct {
	Config    *Config
	Fulfiller Fulfiller
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
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:    cfg,
		fulfiller: opts.Fulfiller,
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
				"subscriptionId": out.SubscriptionID,
				"endDate":        out.EndDate.Format(time.RFC3339),
				"paymentStatus":  out.PaymentStatus,
				"message":        out.Message,
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
	if err != nil || paymentID <= 0 {
		return nil, apperrors.NewValidationError("paymentId must be a positive number")
	}
	return &Input{
		PaymentID:   paymentID,
		ReferenceID: cast.ToString(vars["referenceId"]),
		LockKey:     cast.ToString(vars["lockKey"]),
		LockOwner:   cast.ToString(vars["lockOwner"]),
	}, nil
}

// Execute grants the subscription. The purchase lock is kept while the job
// can still be retried, and dropped once the outcome is final.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	sub, err := h.fulfiller.Complete(ctx, input.PaymentID)
	if err != nil && apperrors.IsRetryableErrorCode(apperrors.CodeOf(err)) {
		return nil, err
	}
	h.fulfiller.ReleaseLock(context.WithoutCancel(ctx), input.LockKey, input.LockOwner)
	if err != nil {
		return nil, err
	}

	return &Output{
		SubscriptionID: sub.ID,
		EndDate:        sub.EndDate,
		PaymentStatus:  string(models.PaymentCompleted),
		Message:        payment.SuccessMessage,
	}, nil
}
