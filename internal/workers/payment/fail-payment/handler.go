package failpayment

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

const TaskType = "fail-payment"

const defaultReason = "gateway reported FAILED"

// Failer settles a pending payment as failed.
type Failer interface {
	Fail(ctx context.Context, paymentID int64, cause error) (*models.Payment, error)
	ReleaseLock(ctx context.Context, key, owner string)
}

type Handler struct {
	config    *Config
	failer    Failer
	validator *validation.Validator
	errors    *apperrors.ErrorHandler
	logger    logger.Logger
}

type HandlerOptions struct {
	Config    *Config
	Failer    Failer
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
		failer:    opts.Failer,
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
				"paymentStatus":  out.PaymentStatus,
				"failureReason":  out.FailureReason,
				"errorCode":      out.ErrorCode,
				"subscriptionId": out.SubscriptionID,
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
		PaymentID:     paymentID,
		ReferenceID:   cast.ToString(vars["referenceId"]),
		ErrorCode:     cast.ToString(vars["errorCode"]),
		FailureReason: cast.ToString(vars["failureReason"]),
		PollAttempt:   cast.ToInt(vars["pollAttempt"]),
		LockKey:       cast.ToString(vars["lockKey"]),
		LockOwner:     cast.ToString(vars["lockOwner"]),
	}, nil
}

// cause rebuilds the error that ended the purchase from the process
// variables.
func (input *Input) cause() *apperrors.StandardError {
	if input.ErrorCode == string(apperrors.ErrCodePaymentTimeout) {
		return apperrors.NewPaymentTimeoutError(input.ReferenceID, input.PollAttempt)
	}
	reason := input.FailureReason
	if reason == "" {
		reason = defaultReason
	}
	return apperrors.NewPaymentFailedError(input.ReferenceID, reason)
}

// Execute marks the payment failed. A payment that completed in the meantime
// is left alone and reported as completed.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	cause := input.cause()
	p, err := h.failer.Fail(ctx, input.PaymentID, cause)
	if err != nil && apperrors.IsRetryableErrorCode(apperrors.CodeOf(err)) {
		return nil, err
	}
	h.failer.ReleaseLock(context.WithoutCancel(ctx), input.LockKey, input.LockOwner)
	if err != nil {
		return nil, err
	}

	if p.Status == models.PaymentCompleted {
		var subID int64
		if p.SubscriptionID != nil {
			subID = *p.SubscriptionID
		}
		return &Output{
			PaymentStatus:  string(models.PaymentCompleted),
			SubscriptionID: subID,
			Message:        payment.SuccessMessage,
		}, nil
	}
	return &Output{
		PaymentStatus: string(models.PaymentFailed),
		FailureReason: p.FailureReason,
		ErrorCode:     string(cause.Code),
		Message:       apperrors.UserMessage(cause),
	}, nil
}
