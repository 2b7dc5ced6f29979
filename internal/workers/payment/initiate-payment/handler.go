package initiatepayment

import (
	"context"
	"fmt"
	"time"

	"skyfi-billing/internal/common/camunda"
	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/common/validation"
	"skyfi-billing/internal/payment"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/spf13/cast"
)

const TaskType = "initiate-payment"

// Starter charges the payer and records the pending payment.
type Starter interface {
	Start(ctx context.Context, req payment.Request) (*payment.Attempt, error)
}

type Handler struct {
	config    *Config
	starter   Starter
	validator *validation.Validator
	errors    *apperrors.ErrorHandler
	logger    logger.Logger
}

type HandlerOptions struct {
	Config    *Config
	Starter   Starter
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
		starter:   opts.Starter,
		validator: opts.Validator,
		errors:    apperrors.NewErrorHandler(log),
		logger:    log,
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":             job.GetKey(),
		"processInstanceKey": job.GetProcessInstanceKey(),
	})

	input, err := h.parseInput(job)
	if err == nil {
		var out *Output
		if out, err = h.Execute(ctx, input); err == nil {
			camunda.CompleteJob(ctx, client, job, map[string]interface{}{
				"paymentId":     out.PaymentID,
				"referenceId":   out.ReferenceID,
				"paymentStatus": out.PaymentStatus,
				"lockKey":       out.LockKey,
				"lockOwner":     out.LockOwner,
				"pollAttempt":   out.PollAttempt,
			}, h.logger)
		}
	}
	if err != nil {
		h.errors.HandleJobError(ctx, client, job, err)
	}
	camunda.RecordOutcome(TaskType, started, err)
}

func (h *Handler) parseInput(job entities.Job) (*Input, error) {
	vars, err := camunda.ParseVariables(job, h.validator, validation.SchemaInitiatePayment)
	if err != nil {
		return nil, err
	}
	packageID, err := cast.ToInt64E(vars["packageId"])
	if err != nil {
		return nil, apperrors.NewValidationError("packageId is not a number")
	}
	return &Input{
		UserID:        cast.ToString(vars["userId"]),
		PackageID:     packageID,
		PhoneNumber:   cast.ToString(vars["phoneNumber"]),
		PaymentMethod: cast.ToString(vars["paymentMethod"]),
	}, nil
}

// Execute initiates the charge. The purchase lock taken here travels with
// the process instance until fulfil-subscription or fail-payment drops it.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	attempt, err := h.starter.Start(ctx, payment.Request{
		UserID:          input.UserID,
		PackageID:       input.PackageID,
		PaymentMethod:   input.PaymentMethod,
		PayerIdentifier: input.PhoneNumber,
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("payment initiated", map[string]interface{}{
		"paymentId":   attempt.Payment.ID,
		"referenceId": attempt.Payment.PaymentReference,
		"userId":      input.UserID,
	})
	return &Output{
		PaymentID:     attempt.Payment.ID,
		ReferenceID:   attempt.Payment.PaymentReference,
		PaymentStatus: string(attempt.Payment.Status),
		LockKey:       attempt.LockKey,
		LockOwner:     attempt.LockOwner,
		PollAttempt:   0,
	}, nil
}
